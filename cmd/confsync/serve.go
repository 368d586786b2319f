package main

import (
	"fmt"

	"github.com/spf13/cobra"

	appLog "confsync/internal/log"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		listen string
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with automatic schedule sync and room status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				c.cfg.Listen = listen
			}

			appLog.Info("confsync starting", "version", version)
			appLog.Info("effective config",
				"listen", c.cfg.Listen,
				"timezone", c.cfg.Timezone,
				"data_dir", c.cfg.DataDir,
				"schedule_url", c.cfg.Schedule.URL,
				"refresh", c.cfg.Schedule.RefreshCron,
				"rooms_url", c.cfg.RoomStatus.URL,
				"day_window", c.cfg.DayWindow.Start+"-"+c.cfg.DayWindow.End,
				"once", once,
			)

			a, err := c.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if once {
				outcome, err := a.SyncOnce(ctx)
				if err != nil {
					return err
				}
				return printOutcome(cmd, outcome)
			}

			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			appLog.Info("confsync exiting")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&once, "once", false, "Run one schedule sync and exit")
	return cmd
}
