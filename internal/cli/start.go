package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/kirana/internal/config"
	"github.com/harun/kirana/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the assistant daemon",
	Long:  "Start the agent loop in the foreground. The process runs until it\nreceives SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := daemon.WritePIDFile(cfg.DataDir); err != nil {
			return err
		}
		defer func() {
			if err := daemon.RemovePIDFile(cfg.DataDir); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: failed to remove pid file:", err)
			}
		}()

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}
		return d.Run(context.Background())
	},
}

// loadConfig resolves the configured file and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}
