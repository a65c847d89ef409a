package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"leadflow/internal/repo"
)

// StoreBackend keeps counters in the rate_limit_counters table.
type StoreBackend struct {
	store repo.Store
}

// NewStoreBackend creates a backend on top of the relational store.
func NewStoreBackend(store repo.Store) *StoreBackend {
	return &StoreBackend{store: store}
}

// Counts returns the counters for w, treating stale buckets as empty.
func (b *StoreBackend) Counts(ctx context.Context, channel repo.Channel, w Window) (Counts, error) {
	c, err := b.store.GetRateCounter(ctx, channel)
	if errors.Is(err, repo.ErrNotFound) {
		return Counts{}, nil
	}
	if err != nil {
		return Counts{}, err
	}
	rolled := rollover(*c, w)
	return Counts{Daily: rolled.DailyCount, Hourly: rolled.HourlyCount, Total: rolled.TotalSent}, nil
}

// Reserve applies rollover, checks the caps and bumps the counters inside one transaction.
// The row is locked for the duration, so concurrent callers see each other's reservations.
func (b *StoreBackend) Reserve(ctx context.Context, channel repo.Channel, w Window, limits Limits) (Counts, bool, error) {
	var (
		counts   Counts
		reserved bool
	)
	err := b.store.InTx(ctx, func(ctx context.Context, q repo.Queries) error {
		c := repo.RateCounter{Channel: channel, Day: w.Day, HourStart: w.HourStart}
		current, err := q.GetRateCounter(ctx, channel)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		default:
			c = rollover(*current, w)
		}
		counts = Counts{Daily: c.DailyCount, Hourly: c.HourlyCount, Total: c.TotalSent}
		if c.DailyCount >= limits.Daily || c.HourlyCount >= limits.Hourly {
			return nil
		}
		c.DailyCount++
		c.HourlyCount++
		c.TotalSent++
		c.DailyLimit = limits.Daily
		c.HourlyLimit = limits.Hourly
		if err := q.SaveRateCounter(ctx, c); err != nil {
			return fmt.Errorf("save counter: %w", err)
		}
		counts = Counts{Daily: c.DailyCount, Hourly: c.HourlyCount, Total: c.TotalSent}
		reserved = true
		return nil
	})
	if err != nil {
		return Counts{}, false, err
	}
	return counts, reserved, nil
}

// Release undoes one reservation. Buckets that rolled over since w are left alone.
func (b *StoreBackend) Release(ctx context.Context, channel repo.Channel, w Window) error {
	return b.store.InTx(ctx, func(ctx context.Context, q repo.Queries) error {
		c, err := q.GetRateCounter(ctx, channel)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.Day == w.Day && c.DailyCount > 0 {
			c.DailyCount--
		}
		if c.HourStart.Equal(w.HourStart) && c.HourlyCount > 0 {
			c.HourlyCount--
		}
		if c.TotalSent > 0 {
			c.TotalSent--
		}
		if err := q.SaveRateCounter(ctx, *c); err != nil {
			return fmt.Errorf("save counter: %w", err)
		}
		return nil
	})
}

func rollover(c repo.RateCounter, w Window) repo.RateCounter {
	if c.Day != w.Day {
		c.Day = w.Day
		c.DailyCount = 0
	}
	if !c.HourStart.Equal(w.HourStart) {
		c.HourStart = w.HourStart
		c.HourlyCount = 0
	}
	return c
}
