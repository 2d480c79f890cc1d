package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-certify/pkg/clockguard"
)

func newClockCmd(a *app) *cobra.Command {
	var local, reference float64
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Run a fresh clock-integrity check",
		Long: `Queries the configured time servers and reports whether certification
would be allowed right now. Exits 1 when blocked.

--simulate-local and --simulate-reference (Unix seconds) evaluate a fixed pair
without network access.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gc := a.cfg.ClockGuard()
			gc.Logger = a.logger
			gc.Obs = a.obs
			guard := clockguard.New(gc)

			var r clockguard.ClockSkewResult
			simulated := cmd.Flags().Changed("simulate-local") || cmd.Flags().Changed("simulate-reference")
			if simulated {
				if !cmd.Flags().Changed("simulate-local") || !cmd.Flags().Changed("simulate-reference") {
					return fmt.Errorf("--simulate-local and --simulate-reference must be set together")
				}
				r = guard.CheckSkewSimulated(local, reference)
			} else {
				r = guard.CheckSkew(cmd.Context())
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "check_id\t%s\n", r.CheckID)
			_, _ = fmt.Fprintf(w, "source\t%s\n", r.ReferenceSource)
			_, _ = fmt.Fprintf(w, "skew\t%.3fs\n", r.SkewSeconds)
			_, _ = fmt.Fprintf(w, "max_skew\t%s\n", guard.MaxSkew())
			_, _ = fmt.Fprintf(w, "checked_at\t%s\n", r.CheckedAt.UTC().Format(time.RFC3339Nano))
			_, _ = fmt.Fprintf(w, "verdict\t%s\n", r.Reason)
			if err := w.Flush(); err != nil {
				return err
			}

			if !r.Passed {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&local, "simulate-local", 0, "simulated local time (Unix seconds)")
	cmd.Flags().Float64Var(&reference, "simulate-reference", 0, "simulated reference time (Unix seconds)")
	return cmd
}
