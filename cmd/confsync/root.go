package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"confsync/internal/app"
	"confsync/internal/config"
	appLog "confsync/internal/log"
)

const version = "0.1.0"

// cli holds global flag values and the loaded configuration.
type cli struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "confsync",
		Short:         "Conference schedule sync and live room status",
		Long:          "confsync keeps a local copy of a conference schedule feed in sync and republishes live room occupancy during conference hours.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.load()
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "/etc/confsync/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (overrides config if set)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(c),
		newSyncCmd(c),
		newStatusCmd(c),
		newDaysCmd(c),
	)
	return rootCmd
}

// load reads the config file, creating it on first run, and configures
// logging from it.
func (c *cli) load() error {
	conf, err := config.Load(c.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", c.configPath)
		return err
	}
	if c.logLevel != "" {
		conf.LogLevel = c.logLevel
	}
	appLog.Init(appLog.Config{
		Level:      appLog.ParseLevel(conf.LogLevel),
		JSONOutput: conf.LogJSON,
	})
	c.cfg = conf
	return nil
}

// openApp builds the application from the loaded config.
func (c *cli) openApp() (*app.App, error) {
	return app.New(c.cfg)
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}
