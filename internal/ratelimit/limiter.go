package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/repo"
)

// ErrLimited is wrapped by Decision.Err when a send is rejected.
var ErrLimited = errors.New("rate limited")

// Limits caps sends per wall-clock day and hour.
type Limits struct {
	Daily  int
	Hourly int
}

// DefaultLimits matches the conservative WhatsApp volume of a single business number.
var DefaultLimits = Limits{Daily: 200, Hourly: 20}

// Window identifies the current daily and hourly buckets.
type Window struct {
	Day       string
	HourStart time.Time
}

// Counts are the sends recorded in a Window.
type Counts struct {
	Daily  int
	Hourly int
	Total  int64
}

// Backend persists counters. Implementations roll buckets over lazily when the window changes.
// Reserve checks the caps and counts the send in one atomic step; Release undoes it.
type Backend interface {
	Counts(ctx context.Context, channel repo.Channel, w Window) (Counts, error)
	Reserve(ctx context.Context, channel repo.Channel, w Window, limits Limits) (Counts, bool, error)
	Release(ctx context.Context, channel repo.Channel, w Window) error
}

// Decision is the outcome of Reserve. An allowed decision holds one counted send.
type Decision struct {
	Allowed bool
	Reason  string
	Window  string

	bucket Window
}

// Err returns nil for allowed decisions and an ErrLimited wrap otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrLimited, d.Reason)
}

// Stats summarises usage for reporting.
type Stats struct {
	Channel     repo.Channel `json:"channel"`
	Day         string       `json:"day"`
	DailyCount  int          `json:"daily_count"`
	DailyLimit  int          `json:"daily_limit"`
	HourlyCount int          `json:"hourly_count"`
	HourlyLimit int          `json:"hourly_limit"`
	TotalSent   int64        `json:"total_sent"`
}

// Limiter gates outbound sends per channel.
type Limiter struct {
	backend Backend
	limits  Limits
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a limiter evaluating windows in loc.
func New(backend Backend, limits Limits, loc *time.Location, logger *slog.Logger, m *metrics.Metrics) *Limiter {
	if limits.Daily <= 0 {
		limits.Daily = DefaultLimits.Daily
	}
	if limits.Hourly <= 0 {
		limits.Hourly = DefaultLimits.Hourly
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{
		backend: backend,
		limits:  limits,
		loc:     loc,
		now:     time.Now,
		logger:  logger.With("component", "ratelimit"),
		metrics: m,
	}
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) window() (Window, time.Time) {
	now := l.now().In(l.loc)
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, l.loc)
	return Window{Day: now.Format(time.DateOnly), HourStart: hour.UTC()}, now
}

// Reserve counts one send on channel when it fits the daily and hourly caps.
// Release the decision when the send does not go out.
func (l *Limiter) Reserve(ctx context.Context, channel repo.Channel) (Decision, error) {
	w, now := l.window()
	counts, ok, err := l.backend.Reserve(ctx, channel, w, l.limits)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve send: %w", err)
	}
	if ok {
		return Decision{Allowed: true, bucket: w}, nil
	}

	if counts.Daily >= l.limits.Daily {
		l.metrics.RateLimited.WithLabelValues(string(channel), "daily").Inc()
		return Decision{
			Window: "daily",
			Reason: fmt.Sprintf("Daily limit reached (%d). Resets tomorrow.", l.limits.Daily),
		}, nil
	}
	l.metrics.RateLimited.WithLabelValues(string(channel), "hourly").Inc()
	return Decision{
		Window: "hourly",
		Reason: fmt.Sprintf("Hourly limit reached (%d). Resets in %d minutes.", l.limits.Hourly, 60-now.Minute()),
	}, nil
}

// Release gives back the send held by d. Rejected decisions hold nothing.
func (l *Limiter) Release(ctx context.Context, channel repo.Channel, d Decision) error {
	if !d.Allowed {
		return nil
	}
	if err := l.backend.Release(ctx, channel, d.bucket); err != nil {
		return fmt.Errorf("release send: %w", err)
	}
	return nil
}

// Stats returns the counters of the current window.
func (l *Limiter) Stats(ctx context.Context, channel repo.Channel) (Stats, error) {
	w, _ := l.window()
	counts, err := l.backend.Counts(ctx, channel, w)
	if err != nil {
		return Stats{}, fmt.Errorf("load rate counters: %w", err)
	}
	return Stats{
		Channel:     channel,
		Day:         w.Day,
		DailyCount:  counts.Daily,
		DailyLimit:  l.limits.Daily,
		HourlyCount: counts.Hourly,
		HourlyLimit: l.limits.Hourly,
		TotalSent:   counts.Total,
	}, nil
}
