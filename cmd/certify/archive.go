package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-certify/pkg/archive"
	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
)

func newArchiveCmd(a *app) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export a verified ledger snapshot to object storage",
		Long: `Verifies the chain, then uploads the ledger as JSONL keyed by its head hash.
Destinations: s3://bucket/prefix, gs://bucket/prefix (gcp builds) or file:///dir.
A tampered ledger is never exported and exits 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if dest == "" {
				dest = a.cfg.Archive.Destination
			}
			if dest == "" {
				return errors.New("no destination: pass --dest or set archive.destination")
			}
			d, err := archive.ParseDestination(dest)
			if err != nil {
				return err
			}

			l, _, closeFn, err := a.openLedger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			sink, closeSink, err := archive.Open(ctx, d, a.cfg.ArchiveOptions())
			if err != nil {
				return err
			}
			defer func() { _ = closeSink() }()

			track, done := a.obs.TrackOperation(ctx, "ledger.archive")
			res, err := archive.New(sink, d.Prefix).WithLogger(a.logger).Run(track, l)
			done(err)
			if errors.Is(err, certerr.ErrChainTampered) {
				return fail("TAMPERED: %v", err)
			}
			if err != nil {
				return err
			}

			status := "uploaded"
			if !res.Uploaded {
				status = "already archived"
			}
			_, _ = fmt.Fprintf(a.stdout, "%s: %s (%d entries)\nhead: %s\n", status, res.Key, res.Entries, res.Head)
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "archive destination (overrides config)")
	return cmd
}
