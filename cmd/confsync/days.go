package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDaysCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "days",
		Short: "List stored conference days and the current room status window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			now := time.Now().In(a.Location())
			days, w := a.DayWindow(now)
			if len(days) == 0 {
				_, err := fmt.Fprintln(out, "no conference days stored; run `confsync sync` first")
				return err
			}

			for _, d := range days {
				fmt.Fprintf(out, "day %d  %s\n", d.Index, d.Key())
			}
			switch {
			case w.NextWake.IsZero():
				fmt.Fprintln(out, "room status: offline (conference over)")
			case w.Live:
				fmt.Fprintf(out, "room status: live until %s\n", w.NextWake.In(a.Location()).Format(time.DateTime))
			default:
				fmt.Fprintf(out, "room status: offline until %s\n", w.NextWake.In(a.Location()).Format(time.DateTime))
			}
			return nil
		},
	}
}
