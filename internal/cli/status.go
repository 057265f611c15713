package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/kirana/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pid, ok := daemon.ReadPIDFile(cfg.DataDir)
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running (no pid file).")
			return nil
		}
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon is not running (stale pid file, pid %d).\n", pid)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon is running (pid %d).\n", pid)
		return nil
	},
}
