package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun computes the next run time in unix milliseconds for a
// schedule, relative to now.
func NextRun(schedule Schedule, now time.Time) (int64, error) {
	switch schedule.Kind {
	case ScheduleKindAt:
		return nextAt(schedule)
	case ScheduleKindEvery:
		return nextEvery(schedule, now)
	case ScheduleKindCron:
		return nextCron(schedule, now)
	default:
		return 0, fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
}

func nextAt(schedule Schedule) (int64, error) {
	if schedule.At == "" {
		return 0, fmt.Errorf("'at' schedule requires 'at' field")
	}
	t, err := time.Parse(time.RFC3339, schedule.At)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp: %w", err)
	}
	return t.UnixMilli(), nil
}

func nextEvery(schedule Schedule, now time.Time) (int64, error) {
	if schedule.EveryMs <= 0 {
		return 0, fmt.Errorf("'every' schedule requires positive 'every_ms' value")
	}
	nowMs := now.UnixMilli()
	if schedule.AnchorMs == nil {
		return nowMs + schedule.EveryMs, nil
	}
	anchor := *schedule.AnchorMs
	elapsed := nowMs - anchor
	if elapsed < 0 {
		return anchor, nil
	}
	periods := elapsed / schedule.EveryMs
	return anchor + (periods+1)*schedule.EveryMs, nil
}

func nextCron(schedule Schedule, now time.Time) (int64, error) {
	if schedule.Expr == "" {
		return 0, fmt.Errorf("'cron' schedule requires 'expr' field")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule.Expr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression: %w", err)
	}
	if schedule.TZ != "" {
		loc, err := time.LoadLocation(schedule.TZ)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}
	return sched.Next(now).UnixMilli(), nil
}

// ParseSpec turns a human schedule spec into a Schedule. Supported
// forms: "at <RFC3339>", "every <duration>", or a bare 5-field cron
// expression ("0 9 * * 1").
func ParseSpec(spec string) (Schedule, error) {
	switch {
	case len(spec) > 3 && spec[:3] == "at ":
		s := Schedule{Kind: ScheduleKindAt, At: spec[3:]}
		if _, err := nextAt(s); err != nil {
			return Schedule{}, err
		}
		return s, nil
	case len(spec) > 6 && spec[:6] == "every ":
		d, err := time.ParseDuration(spec[6:])
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval: %w", err)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be positive")
		}
		return Schedule{Kind: ScheduleKindEvery, EveryMs: d.Milliseconds()}, nil
	default:
		s := Schedule{Kind: ScheduleKindCron, Expr: spec}
		if _, err := nextCron(s, time.Now()); err != nil {
			return Schedule{}, err
		}
		return s, nil
	}
}
