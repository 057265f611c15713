// Package cron schedules reminder jobs. Jobs persist as a JSON file;
// when one fires its message is published to the bus as an inbound
// system message so the reminder re-enters the agent conversation it
// was created from.
package cron

import "time"

// ScheduleKind selects how a job's next run is computed.
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"    // one-shot at an absolute time
	ScheduleKindEvery ScheduleKind = "every" // fixed interval
	ScheduleKindCron  ScheduleKind = "cron"  // 5-field cron expression
)

// Schedule is the time specification for a job.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// At holds an RFC 3339 timestamp for one-shot jobs.
	At string `json:"at,omitempty"`

	// EveryMs is the interval for recurring jobs; AnchorMs optionally
	// aligns runs to a fixed phase.
	EveryMs  int64  `json:"every_ms,omitempty"`
	AnchorMs *int64 `json:"anchor_ms,omitempty"`

	// Expr and TZ drive cron-expression jobs.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// JobState tracks the runtime state of one job.
type JobState struct {
	NextRunAtMs       *int64 `json:"next_run_at_ms,omitempty"`
	RunningAtMs       *int64 `json:"running_at_ms,omitempty"`
	LastRunAtMs       *int64 `json:"last_run_at_ms,omitempty"`
	LastStatus        string `json:"last_status,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
}

// Job is one scheduled reminder.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Message        string   `json:"message"`
	OriginChannel  string   `json:"origin_channel"`
	OriginChatID   string   `json:"origin_chat_id"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
	CreatedAtMs    int64    `json:"created_at_ms"`
	UpdatedAtMs    int64    `json:"updated_at_ms"`
	Schedule       Schedule `json:"schedule"`
	State          JobState `json:"state"`
}

// AddParams carries the fields for creating a job.
type AddParams struct {
	Name           string
	Message        string
	OriginChannel  string
	OriginChatID   string
	Enabled        bool
	DeleteAfterRun bool
	Schedule       Schedule
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func int64Ptr(v int64) *int64 {
	return &v
}
