package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newApprovalsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect ledger approvals",
	}
	cmd.AddCommand(newApprovalsShowCmd(a), newApprovalsListCmd(a))
	return cmd
}

func newApprovalsShowCmd(a *app) *cobra.Command {
	var fieldID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the newest approval entry for a field as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, _, closeFn, err := a.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			e, ok := l.GetApproval(fieldID)
			if !ok {
				return fail("no approval for field %d", fieldID)
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(e)
		},
	}
	cmd.Flags().Int64Var(&fieldID, "field", 0, "field id")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}

func newApprovalsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every ledger entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, _, closeFn, err := a.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SEQ\tFIELD\tAPPROVER\tKEY\tAPPENDED")
			for _, e := range l.Entries() {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
					e.Sequence,
					e.Token.FieldID,
					e.Token.ApproverID,
					e.Token.KeyID,
					e.AppendedAt.UTC().Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}
}
