package profiles

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/harun/kirana/internal/config"
	"github.com/harun/kirana/internal/observability"
)

const (
	// Short exponential cooldown for transient failures: 15s doubling,
	// capped at 30 minutes.
	cooldownBase = 15 * time.Second
	cooldownMax  = 30 * time.Minute
)

// Usage is the persisted per-profile failure state.
type Usage struct {
	FailureCount  int       `toml:"failure_count"`
	LastUsed      time.Time `toml:"last_used,omitempty"`
	LastFailure   time.Time `toml:"last_failure,omitempty"`
	LastReason    string    `toml:"last_reason,omitempty"`
	CooldownUntil time.Time `toml:"cooldown_until,omitempty"`
	DisabledUntil time.Time `toml:"disabled_until,omitempty"`
}

// UnusableUntil returns the later of the cooldown and disabled deadlines.
func (u Usage) UnusableUntil() time.Time {
	if u.DisabledUntil.After(u.CooldownUntil) {
		return u.DisabledUntil
	}
	return u.CooldownUntil
}

// usageFile is the on-disk TOML document.
type usageFile struct {
	Profiles map[string]Usage `toml:"profiles"`
}

// Store persists credential-profile usage state to a TOML file.
// Failures accrue cooldowns; a success fully clears them.
type Store struct {
	mu        sync.Mutex
	path      string
	cooldowns config.CooldownConfig
	usage     map[string]Usage
	logger    zerolog.Logger
}

// NewStore loads (or initializes) the usage store at path.
func NewStore(path string, cooldowns config.CooldownConfig, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:      path,
		cooldowns: cooldowns,
		usage:     map[string]Usage{},
		logger:    logger.With().Str("component", "profiles").Logger(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read profile usage: %w", err)
	}

	var doc usageFile
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse profile usage: %w", err)
	}
	if doc.Profiles != nil {
		s.usage = doc.Profiles
	}
	return nil
}

// Reload re-reads the usage file, discarding in-memory state. Used by the
// watcher when the file is edited externally.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = map[string]Usage{}
	return s.load()
}

// save writes the usage file atomically. Callers hold s.mu.
func (s *Store) save() error {
	data, err := toml.Marshal(usageFile{Profiles: s.usage})
	if err != nil {
		return fmt.Errorf("failed to marshal profile usage: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".profile-usage-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write profile usage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace profile usage: %w", err)
	}
	return nil
}

// Get returns the usage state for a profile.
func (s *Store) Get(profileID string) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[profileID]
}

// IsAvailable reports whether a profile is outside all cooldown windows.
func (s *Store) IsAvailable(profileID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.usage[profileID].UnusableUntil().After(now)
}

// MarkSuccess records a successful call: failure counters and cooldowns
// are fully cleared so one good call restores the profile.
func (s *Store) MarkSuccess(profileID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage[profileID] = Usage{LastUsed: now}
	observability.SetProfileCooldown(profileID, false)

	if err := s.save(); err != nil {
		s.logger.Error().Err(err).Str("profile", profileID).Msg("failed to persist profile usage")
	}
}

// MarkFailure records a failed call. Billing failures disable the profile
// for hours (exponential on the failure count, per-provider base override);
// everything else gets a short exponential cooldown. Failures older than
// the failure window do not compound.
func (s *Store) MarkFailure(profileID, provider, reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.usage[profileID]

	windowH := s.cooldowns.FailureWindowHours
	if windowH <= 0 {
		windowH = 24
	}
	window := time.Duration(windowH * float64(time.Hour))
	if !stats.LastFailure.IsZero() && now.Sub(stats.LastFailure) > window {
		stats.FailureCount = 0
	}
	stats.FailureCount++
	stats.LastFailure = now
	stats.LastReason = reason

	if reason == "billing" {
		baseH := s.cooldowns.BillingBackoffHours
		if baseH <= 0 {
			baseH = 5
		}
		if override, ok := s.cooldowns.BillingBackoffHoursByProvider[provider]; ok && override > 0 {
			baseH = override
		}
		maxH := s.cooldowns.BillingMaxHours
		if maxH <= 0 {
			maxH = 24
		}
		hours := math.Min(maxH, baseH*math.Pow(2, float64(stats.FailureCount-1)))
		stats.DisabledUntil = now.Add(time.Duration(hours * float64(time.Hour)))
	} else {
		cooldown := time.Duration(float64(cooldownBase) * math.Pow(2, float64(stats.FailureCount-1)))
		if cooldown > cooldownMax {
			cooldown = cooldownMax
		}
		stats.CooldownUntil = now.Add(cooldown)
	}

	s.usage[profileID] = stats
	observability.SetProfileCooldown(profileID, true)

	s.logger.Warn().
		Str("profile", profileID).
		Str("provider", provider).
		Str("reason", reason).
		Int("failure_count", stats.FailureCount).
		Time("unusable_until", stats.UnusableUntil()).
		Msg("profile failure recorded")

	if err := s.save(); err != nil {
		s.logger.Error().Err(err).Str("profile", profileID).Msg("failed to persist profile usage")
	}
}

// Snapshot returns a copy of all usage state.
func (s *Store) Snapshot() map[string]Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Usage, len(s.usage))
	for id, u := range s.usage {
		out[id] = u
	}
	return out
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
