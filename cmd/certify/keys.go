package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-certify/pkg/keys"
)

// masterSecretEnv, when set, makes new keys derive from a master secret
// instead of being drawn at random.
const masterSecretEnv = "CERTIFY_MASTER_SECRET"

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the approval signing keystore",
	}
	cmd.AddCommand(newKeysInitCmd(a), newKeysRotateCmd(a), newKeysListCmd(a))
	return cmd
}

func newSecret(keyID string) ([]byte, error) {
	if master := os.Getenv(masterSecretEnv); master != "" {
		return keys.DeriveSecret([]byte(master), keyID)
	}
	return keys.GenerateSecret()
}

func newKeysInitCmd(a *app) *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a keystore with a single current key",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := a.cfg.Keystore.Path
			if _, err := keys.LoadKeystore(path); !errors.Is(err, keys.ErrNoKeystore) {
				if err != nil {
					return err
				}
				return fmt.Errorf("keystore %s already exists", path)
			}

			secret, err := newSecret(keyID)
			if err != nil {
				return err
			}
			km, err := keys.NewManager(keyID, secret)
			if err != nil {
				return err
			}
			if err := keys.SaveKeystore(path, km); err != nil {
				return err
			}
			a.logger.Info("keystore created", "path", path, "key_id", keyID)
			_, _ = fmt.Fprintf(a.stdout, "created %s with current key %s\n", path, keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "k1", "id of the first key")
	return cmd
}

func newKeysRotateCmd(a *app) *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Add a new current key and retire the previous one",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := a.cfg.Keystore.Path
			km, err := keys.LoadKeystore(path)
			if err != nil {
				return err
			}
			previous := km.CurrentKeyID()

			secret, err := newSecret(keyID)
			if err != nil {
				return err
			}
			if err := km.Rotate(keyID, secret); err != nil {
				return err
			}
			if err := keys.SaveKeystore(path, km); err != nil {
				return err
			}
			a.logger.Info("key rotated", "path", path, "retired", previous, "current", keyID)
			_, _ = fmt.Fprintf(a.stdout, "rotated %s -> %s\n", previous, keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "id of the new current key")
	_ = cmd.MarkFlagRequired("key-id")
	return cmd
}

func newKeysListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List key ids and their status (secrets are never printed)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			km, err := keys.LoadKeystore(a.cfg.Keystore.Path)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "KEY ID\tSTATUS")
			for _, sk := range km.Snapshot().Keys {
				status := "current"
				if sk.Retired {
					status = "retired"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\n", sk.ID, status)
			}
			return w.Flush()
		},
	}
}
