package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch the live room status feed once and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			rooms, err := a.FetchRoomStatus(ctx)
			if err != nil {
				return fmt.Errorf("fetch room status: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rooms)
			}

			names := make([]string, 0, len(rooms))
			for name := range rooms {
				names = append(names, name)
			}
			slices.Sort(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ROOM\tSTATE")
			for _, name := range names {
				fmt.Fprintf(tw, "%s\t%s\n", name, rooms[name])
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the rooms as JSON")
	return cmd
}
