// Package scheduler runs the periodic lead work and the daily summary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leadflow/internal/metrics"
)

const (
	lastCycleKey   = "leadflow:scheduler:last_cycle"
	summaryKeyFmt  = "leadflow:summary:%s"
	summaryTick    = time.Minute
	stateRetention = 48 * time.Hour
)

// Jobs is the lead work run every cycle.
type Jobs interface {
	ProcessNewLeads(ctx context.Context) (int, error)
	ProcessFollowUps(ctx context.Context) (int, error)
	ProcessBulkOutreach(ctx context.Context) (int, error)
	DailySummary(ctx context.Context) error
}

// StateStore shares scheduler state between instances.
type StateStore interface {
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// Config controls the loop timing.
type Config struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
	// SummaryAt is the local wall-clock time of the daily summary, "15:04".
	SummaryAt    string
	Location     *time.Location
	BulkOutreach bool
}

// CycleReport describes one cycle.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	NewLeads  int           `json:"new_leads"`
	FollowUps int           `json:"follow_ups"`
	Outreach  int           `json:"outreach"`
	Errors    []string      `json:"errors,omitempty"`
}

// Scheduler owns the background loop.
type Scheduler struct {
	jobs    Jobs
	state   StateStore
	cfg     Config
	summary struct{ hour, minute int }
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	last        *CycleReport
	lastSummary string
}

// New validates cfg and creates a scheduler. state may be nil.
func New(jobs Jobs, state StateStore, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = cfg.Interval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{
		jobs:    jobs,
		state:   state,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
		metrics: m,
		now:     time.Now,
	}
	if cfg.SummaryAt != "" {
		t, err := time.Parse("15:04", cfg.SummaryAt)
		if err != nil {
			return nil, fmt.Errorf("parse summary time %q: %w", cfg.SummaryAt, err)
		}
		s.summary.hour, s.summary.minute = t.Hour(), t.Minute()
	}
	return s, nil
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run loops until ctx is cancelled. A failing cycle waits the error backoff instead of the interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "summary_at", s.cfg.SummaryAt)
	summary := time.NewTicker(summaryTick)
	defer summary.Stop()

	for {
		wait := s.cfg.Interval
		if err := s.RunCycle(ctx); err != nil {
			s.logger.Warn("cycle failed, backing off", "error", err, "backoff", s.cfg.ErrorBackoff)
			wait = s.cfg.ErrorBackoff
		}
		s.MaybeSendSummary(ctx)

		timer := time.NewTimer(wait)
	waiting:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("scheduler stopped")
				return nil
			case <-summary.C:
				s.MaybeSendSummary(ctx)
			case <-timer.C:
				break waiting
			}
		}
	}
}

// RunCycle runs every job once. Job failures and panics are reported, never propagated as crashes.
func (s *Scheduler) RunCycle(ctx context.Context) (err error) {
	report := CycleReport{StartedAt: s.now()}
	var errs []error

	run := func(name string, fn func(context.Context) (int, error), dst *int) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s panicked: %v", name, r))
			}
		}()
		n, err := fn(ctx)
		*dst = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	run("new leads", s.jobs.ProcessNewLeads, &report.NewLeads)
	run("follow-ups", s.jobs.ProcessFollowUps, &report.FollowUps)
	if s.cfg.BulkOutreach {
		run("bulk outreach", s.jobs.ProcessBulkOutreach, &report.Outreach)
	}

	report.Duration = s.now().Sub(report.StartedAt)
	for _, e := range errs {
		report.Errors = append(report.Errors, e.Error())
	}
	s.store(ctx, report)

	err = errors.Join(errs...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.SchedulerCycles.WithLabelValues(outcome).Inc()
	s.logger.Info("cycle finished", "new_leads", report.NewLeads, "follow_ups", report.FollowUps,
		"outreach", report.Outreach, "errors", len(errs))
	return err
}

func (s *Scheduler) store(ctx context.Context, report CycleReport) {
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	if s.state == nil {
		return
	}
	if err := s.state.SetJSON(ctx, lastCycleKey, report, stateRetention); err != nil {
		s.logger.Warn("cycle report not shared", "error", err)
	}
}

// LastCycle returns the most recent cycle report, preferring the shared one.
func (s *Scheduler) LastCycle(ctx context.Context) (CycleReport, bool) {
	if s.state != nil {
		var report CycleReport
		ok, err := s.state.GetJSON(ctx, lastCycleKey, &report)
		if err == nil && ok {
			return report, true
		}
		if err != nil {
			s.logger.Warn("shared cycle report unavailable", "error", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return CycleReport{}, false
	}
	return *s.last, true
}

// MaybeSendSummary sends the daily summary once per local day, after the configured time.
func (s *Scheduler) MaybeSendSummary(ctx context.Context) bool {
	if s.cfg.SummaryAt == "" {
		return false
	}
	now := s.now().In(s.cfg.Location)
	due := time.Date(now.Year(), now.Month(), now.Day(), s.summary.hour, s.summary.minute, 0, 0, s.cfg.Location)
	day := now.Format(time.DateOnly)

	s.mu.Lock()
	sent := s.lastSummary == day
	s.mu.Unlock()
	if sent || now.Before(due) {
		return false
	}

	if s.state != nil {
		first, err := s.state.SetOnce(ctx, fmt.Sprintf(summaryKeyFmt, day), stateRetention)
		if err != nil {
			s.logger.Warn("summary marker unavailable, sending anyway", "error", err)
		} else if !first {
			s.markSummary(day)
			return false
		}
	}

	if err := s.jobs.DailySummary(ctx); err != nil {
		s.logger.Error("daily summary failed", "error", err)
		s.metrics.Errors.WithLabelValues("daily_summary").Inc()
	}
	s.markSummary(day)
	return true
}

func (s *Scheduler) markSummary(day string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSummary = day
}
