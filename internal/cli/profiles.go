package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/kirana/internal/config"
	"github.com/harun/kirana/pkg/profiles"
)

var profilesJSON bool

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Show credential profile availability",
	Long:  "Report the availability state of every configured credential profile:\ncooldowns, billing disables, and failure counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		report, err := buildProfileReport(cfg)
		if err != nil {
			return err
		}

		if profilesJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printProfileReport(cmd, report)
		return nil
	},
}

func init() {
	profilesCmd.Flags().BoolVar(&profilesJSON, "json", false, "output report as JSON")
}

func buildProfileReport(cfg *config.Config) (profiles.Report, error) {
	store, err := profiles.NewStore(filepath.Join(cfg.DataDir, "profile-usage.toml"), cfg.Auth.Cooldowns, zerolog.Nop())
	if err != nil {
		return profiles.Report{}, fmt.Errorf("opening profile usage store: %w", err)
	}
	return store.BuildReport(cfg.Auth.Profiles, time.Now()), nil
}

func printProfileReport(cmd *cobra.Command, report profiles.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s (%d/%d profiles available)\n\n", report.Status, report.Available, report.Total)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tPROVIDER\tSTATE\tFAILURES\tREASON\tUNUSABLE UNTIL")
	for _, row := range report.Profiles {
		reason := row.LastReason
		if reason == "" {
			reason = "-"
		}
		until := "-"
		if !row.UnusableUntil.IsZero() {
			until = row.UnusableUntil.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", row.ProfileID, row.Provider, row.State, row.FailureCount, reason, until)
	}
	w.Flush()

	alerts := profiles.BuildAlerts(report)
	if len(alerts) > 0 {
		fmt.Fprintln(out)
		for _, a := range alerts {
			fmt.Fprintf(out, "[%s] %s\n", a.Level, a.Message)
		}
	}
}
