package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunAt(t *testing.T) {
	target := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	got, err := NextRun(Schedule{Kind: ScheduleKindAt, At: target.Format(time.RFC3339)}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, target.UnixMilli(), got)

	_, err = NextRun(Schedule{Kind: ScheduleKindAt}, time.Now())
	assert.Error(t, err)

	_, err = NextRun(Schedule{Kind: ScheduleKindAt, At: "not-a-time"}, time.Now())
	assert.Error(t, err)
}

func TestNextRunEvery(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	t.Run("without anchor", func(t *testing.T) {
		got, err := NextRun(Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000}, now)
		require.NoError(t, err)
		assert.Equal(t, now.UnixMilli()+60_000, got)
	})

	t.Run("anchor in the past aligns to period", func(t *testing.T) {
		anchor := now.Add(-90 * time.Second).UnixMilli()
		got, err := NextRun(Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000, AnchorMs: &anchor}, now)
		require.NoError(t, err)
		assert.Equal(t, anchor+120_000, got)
	})

	t.Run("anchor in the future runs at anchor", func(t *testing.T) {
		anchor := now.Add(5 * time.Minute).UnixMilli()
		got, err := NextRun(Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000, AnchorMs: &anchor}, now)
		require.NoError(t, err)
		assert.Equal(t, anchor, got)
	})

	t.Run("non-positive interval rejected", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: ScheduleKindEvery}, now)
		assert.Error(t, err)
	})
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC) // a Tuesday

	got, err := NextRun(Schedule{Kind: ScheduleKindCron, Expr: "0 9 * * *"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC).UnixMilli(), got)

	_, err = NextRun(Schedule{Kind: ScheduleKindCron, Expr: "not a cron"}, now)
	assert.Error(t, err)

	_, err = NextRun(Schedule{Kind: ScheduleKindCron, Expr: "0 9 * * *", TZ: "Mars/Olympus"}, now)
	assert.Error(t, err)
}

func TestNextRunUnknownKind(t *testing.T) {
	_, err := NextRun(Schedule{Kind: "sometimes"}, time.Now())
	assert.Error(t, err)
}

func TestParseSpec(t *testing.T) {
	t.Run("at", func(t *testing.T) {
		s, err := ParseSpec("at 2026-09-01T09:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, ScheduleKindAt, s.Kind)
		assert.Equal(t, "2026-09-01T09:00:00Z", s.At)
	})

	t.Run("every", func(t *testing.T) {
		s, err := ParseSpec("every 90s")
		require.NoError(t, err)
		assert.Equal(t, ScheduleKindEvery, s.Kind)
		assert.Equal(t, int64(90_000), s.EveryMs)
	})

	t.Run("cron", func(t *testing.T) {
		s, err := ParseSpec("*/5 * * * *")
		require.NoError(t, err)
		assert.Equal(t, ScheduleKindCron, s.Kind)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, spec := range []string{"at soon", "every fast", "gibberish", "every -5m"} {
			_, err := ParseSpec(spec)
			assert.Error(t, err, spec)
		}
	})
}
