package profiles

import (
	"fmt"
	"sort"
	"time"

	"github.com/harun/kirana/internal/config"
)

// ProfileRow is one profile's availability in a report.
type ProfileRow struct {
	ProfileID     string    `json:"profile_id"`
	Provider      string    `json:"provider"`
	Enabled       bool      `json:"enabled"`
	Available     bool      `json:"available"`
	State         string    `json:"state"` // available, cooldown, disabled
	FailureCount  int       `json:"failure_count"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	LastReason    string    `json:"last_reason,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	UnusableUntil time.Time `json:"unusable_until,omitempty"`
}

// ProviderSummary aggregates availability for one provider family.
type ProviderSummary struct {
	Provider     string    `json:"provider"`
	Total        int       `json:"total"`
	Available    int       `json:"available"`
	Unavailable  int       `json:"unavailable"`
	Cooldown     int       `json:"cooldown"`
	Disabled     int       `json:"disabled"`
	Status       string    `json:"status"` // ok, degraded, down
	NextRecovery time.Time `json:"next_recovery,omitempty"`
}

// Report is the availability report over all configured profiles.
type Report struct {
	Status      string            `json:"status"` // ok, degraded, down, empty
	Total       int               `json:"total"`
	Available   int               `json:"available"`
	Unavailable int               `json:"unavailable"`
	Providers   []ProviderSummary `json:"providers"`
	Profiles    []ProfileRow      `json:"profiles"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Alert is a human-readable availability warning derived from a report.
type Alert struct {
	Level    string `json:"level"` // warning, critical
	Code     string `json:"code"`
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message"`
}

// BuildReport summarizes current profile availability against the
// configured profile set.
func (s *Store) BuildReport(profiles map[string]config.ProfileConfig, now time.Time) Report {
	usage := s.Snapshot()

	report := Report{
		Status:      "ok",
		GeneratedAt: now,
	}
	summaries := map[string]*ProviderSummary{}

	for id, profile := range profiles {
		report.Total++
		provider := profile.Provider
		if provider == "" {
			provider = "unknown"
		}

		stats := usage[id]
		unusable := stats.UnusableUntil()
		enabled := !profile.Disabled
		available := enabled && !unusable.After(now)
		inCooldown := stats.CooldownUntil.After(now)
		disabled := !enabled || stats.DisabledUntil.After(now)

		state := "available"
		if !available {
			if disabled {
				state = "disabled"
			} else {
				state = "cooldown"
			}
		}

		row := ProfileRow{
			ProfileID:    id,
			Provider:     provider,
			Enabled:      enabled,
			Available:    available,
			State:        state,
			FailureCount: stats.FailureCount,
			LastFailure:  stats.LastFailure,
			LastReason:   stats.LastReason,
			LastUsed:     stats.LastUsed,
		}
		if unusable.After(now) {
			row.UnusableUntil = unusable
		}
		report.Profiles = append(report.Profiles, row)

		summary, ok := summaries[provider]
		if !ok {
			summary = &ProviderSummary{Provider: provider, Status: "ok"}
			summaries[provider] = summary
		}
		summary.Total++
		if available {
			report.Available++
			summary.Available++
		} else {
			report.Unavailable++
			summary.Unavailable++
			if inCooldown {
				summary.Cooldown++
			}
			if disabled {
				summary.Disabled++
			}
			if unusable.After(now) && (summary.NextRecovery.IsZero() || unusable.Before(summary.NextRecovery)) {
				summary.NextRecovery = unusable
			}
		}
	}

	sort.Slice(report.Profiles, func(i, j int) bool {
		a, b := report.Profiles[i], report.Profiles[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.ProfileID < b.ProfileID
	})

	for _, summary := range summaries {
		switch {
		case summary.Available == 0 && summary.Total > 0:
			summary.Status = "down"
		case summary.Unavailable > 0:
			summary.Status = "degraded"
		default:
			summary.Status = "ok"
		}
		report.Providers = append(report.Providers, *summary)
	}
	sort.Slice(report.Providers, func(i, j int) bool {
		return report.Providers[i].Provider < report.Providers[j].Provider
	})

	switch {
	case report.Total == 0:
		report.Status = "empty"
	case report.Available == 0:
		report.Status = "down"
	case report.Unavailable > 0:
		report.Status = "degraded"
	}

	return report
}

// BuildAlerts derives availability alerts from a report.
func BuildAlerts(report Report) []Alert {
	var alerts []Alert

	switch report.Status {
	case "down":
		alerts = append(alerts, Alert{
			Level:   "critical",
			Code:    "PROFILES_DOWN",
			Message: "No available credential profile. Model calls will fail until recovery.",
		})
	case "degraded":
		alerts = append(alerts, Alert{
			Level:   "warning",
			Code:    "PROFILES_DEGRADED",
			Message: "Some credential profiles are in cooldown or disabled.",
		})
	}

	for _, summary := range report.Providers {
		switch summary.Status {
		case "down":
			alerts = append(alerts, Alert{
				Level:    "critical",
				Code:     "PROVIDER_DOWN",
				Provider: summary.Provider,
				Message:  fmt.Sprintf("All %s profiles are unavailable.", summary.Provider),
			})
		case "degraded":
			alerts = append(alerts, Alert{
				Level:    "warning",
				Code:     "PROVIDER_DEGRADED",
				Provider: summary.Provider,
				Message:  fmt.Sprintf("Some %s profiles are unavailable.", summary.Provider),
			})
		}
	}

	return alerts
}
