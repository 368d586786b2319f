package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"confsync/internal/model"
)

func newSyncCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the schedule once and print the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			outcome, err := a.SyncOnce(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeOutcomeJSON(cmd, outcome)
			}
			return printOutcome(cmd, outcome)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the outcome as JSON")
	return cmd
}

// printOutcome writes a one-line summary. A failed sync is returned as an
// error so that the process exits non-zero.
func printOutcome(cmd *cobra.Command, outcome model.SyncOutcome) error {
	out := cmd.OutOrStdout()
	switch outcome.Kind {
	case model.OutcomeSuccess:
		_, err := fmt.Fprintf(out, "schedule updated: %d events\n", outcome.Count)
		return err
	case model.OutcomeUpToDate:
		_, err := fmt.Fprintln(out, "schedule already up to date")
		return err
	default:
		return fmt.Errorf("sync failed: %w", outcome.Err)
	}
}

func writeOutcomeJSON(cmd *cobra.Command, outcome model.SyncOutcome) error {
	type outcomeJSON struct {
		Kind  string `json:"kind"`
		Count int    `json:"count"`
		Error string `json:"error,omitempty"`
	}
	v := outcomeJSON{Kind: outcome.Kind.String(), Count: outcome.Count}
	if outcome.Err != nil {
		v.Error = outcome.Err.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if outcome.Kind == model.OutcomeError {
		return fmt.Errorf("sync failed: %w", outcome.Err)
	}
	return nil
}
