package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/kirana/pkg/bus"
)

// Service runs the reminder scheduler. One timer per enabled job; job
// definitions and run state persist to a JSON file across restarts.
type Service struct {
	storePath string
	bus       *bus.MessageBus
	logger    zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	stopped bool
}

// NewService loads persisted jobs and schedules the enabled ones.
func NewService(storePath string, b *bus.MessageBus) (*Service, error) {
	if storePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	s := &Service{
		storePath: storePath,
		bus:       b,
		logger:    log.With().Str("component", "cron").Logger(),
		jobs:      make(map[string]*Job),
		timers:    make(map[string]*time.Timer),
	}
	if err := s.load(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to load job store, starting empty")
	}
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleLocked(job)
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()
	s.logger.Info().Int("jobs", count).Msg("cron service started")
	return s, nil
}

// Schedule implements the remind tool contract: parse the schedule
// spec, create an enabled job, and return its id. One-shot "at" jobs
// delete themselves after firing.
func (s *Service) Schedule(spec, message, channel, chatID string) (string, error) {
	schedule, err := ParseSpec(spec)
	if err != nil {
		return "", err
	}
	name := message
	if runes := []rune(name); len(runes) > 40 {
		name = string(runes[:40]) + "..."
	}
	job, err := s.AddJob(AddParams{
		Name:           name,
		Message:        message,
		OriginChannel:  channel,
		OriginChatID:   chatID,
		Enabled:        true,
		DeleteAfterRun: schedule.Kind == ScheduleKindAt,
		Schedule:       schedule,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// AddJob validates, persists, and schedules a new job.
func (s *Service) AddJob(params AddParams) (*Job, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	next, err := NextRun(params.Schedule, time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	id, err := gonanoid.New(10)
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	now := nowMs()
	job := &Job{
		ID:             id,
		Name:           params.Name,
		Message:        params.Message,
		OriginChannel:  params.OriginChannel,
		OriginChatID:   params.OriginChatID,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       params.Schedule,
		State:          JobState{NextRunAtMs: int64Ptr(next)},
	}
	s.jobs[id] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, id)
		return nil, fmt.Errorf("persisting job: %w", err)
	}
	if job.Enabled {
		s.scheduleLocked(job)
	}
	s.logger.Info().Str("job_id", id).Str("name", job.Name).
		Time("next_run", time.UnixMilli(next)).Msg("job created")
	return job, nil
}

// RemoveJob deletes a job and cancels its timer.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	s.cancelLocked(id)
	delete(s.jobs, id)
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("persisting store: %w", err)
	}
	s.logger.Info().Str("job_id", id).Msg("job removed")
	return nil
}

// ListJobs returns all jobs sorted by creation time.
func (s *Service) ListJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs })
	return jobs
}

// GetJob returns a job by id, or nil.
func (s *Service) GetJob(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Stop cancels all timers and persists final state.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	for id := range s.timers {
		s.cancelLocked(id)
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist on shutdown")
		return err
	}
	s.logger.Info().Msg("cron service stopped")
	return nil
}

func (s *Service) scheduleLocked(job *Job) {
	if job.State.NextRunAtMs == nil {
		s.logger.Warn().Str("job_id", job.ID).Msg("job has no next run time")
		return
	}
	delay := time.Duration(*job.State.NextRunAtMs-nowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	s.logger.Debug().Str("job_id", id).Dur("delay", delay).Msg("job scheduled")
}

func (s *Service) cancelLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire publishes the job's message as an inbound system message and
// reschedules or deletes the job.
func (s *Service) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	if job.State.RunningAtMs != nil {
		s.mu.Unlock()
		s.logger.Debug().Str("job_id", id).Msg("job already running, skipped")
		return
	}
	start := nowMs()
	job.State.RunningAtMs = int64Ptr(start)
	message := job.Message
	originChannel := job.OriginChannel
	originChatID := job.OriginChatID
	s.mu.Unlock()

	s.logger.Info().Str("job_id", id).Msg("firing reminder")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  "system",
		SenderID: "cron",
		ChatID:   fmt.Sprintf("%s:%s", originChannel, originChatID),
		Content: fmt.Sprintf("[Scheduled reminder]\n\n%s\n\nDeliver this reminder to the user naturally.",
			message),
	})
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok = s.jobs[id]
	if !ok {
		return
	}
	job.State.RunningAtMs = nil
	job.State.LastRunAtMs = int64Ptr(start)
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++
		s.logger.Error().Err(err).Str("job_id", id).Msg("reminder delivery failed")
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		job.State.ConsecutiveErrors = 0
	}

	if job.DeleteAfterRun && err == nil {
		s.cancelLocked(id)
		delete(s.jobs, id)
		if perr := s.persistLocked(); perr != nil {
			s.logger.Error().Err(perr).Msg("failed to persist after delete")
		}
		return
	}

	next, calcErr := NextRun(job.Schedule, time.Now())
	if calcErr != nil {
		s.logger.Error().Err(calcErr).Str("job_id", id).Msg("failed to compute next run")
	} else {
		job.State.NextRunAtMs = int64Ptr(next)
		if job.Enabled {
			s.cancelLocked(id)
			s.scheduleLocked(job)
		}
	}
	if perr := s.persistLocked(); perr != nil {
		s.logger.Error().Err(perr).Msg("failed to persist job state")
	}
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading job store: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parsing job store: %w", err)
	}
	s.mu.Lock()
	s.jobs = make(map[string]*Job, len(jobs))
	for _, job := range jobs {
		job.State.RunningAtMs = nil
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing job store: %w", err)
	}
	if err := os.Rename(tmp, s.storePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing job store: %w", err)
	}
	return nil
}
