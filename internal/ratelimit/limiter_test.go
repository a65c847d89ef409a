package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"leadflow/internal/logging"
	"leadflow/internal/metrics"
	"leadflow/internal/repo"
	"leadflow/internal/repo/repotest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client, "test")
}

func newStoreBackend(t *testing.T) *StoreBackend {
	t.Helper()
	return NewStoreBackend(repotest.NewSQLite(t))
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"redis": newRedisBackend(t),
		"store": newStoreBackend(t),
	}
}

func TestHourlyLimitRejectsAndRollsOver(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			loc := time.UTC
			clk := &clock{t: time.Date(2026, 6, 1, 10, 10, 0, 0, loc)}
			l := New(backend, Limits{Daily: 100, Hourly: 3}, loc, logging.Discard(), metrics.NewUnregistered())
			l.SetClock(clk.Now)

			for i := 0; i < 3; i++ {
				d, err := l.Reserve(ctx, repo.ChannelWhatsApp)
				require.NoError(t, err)
				require.True(t, d.Allowed, "send %d", i+1)
			}

			d, err := l.Reserve(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, "hourly", d.Window)
			assert.Equal(t, "Hourly limit reached (3). Resets in 50 minutes.", d.Reason)
			assert.True(t, errors.Is(d.Err(), ErrLimited))

			stats, err := l.Stats(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.HourlyCount, "rejections are not counted")

			clk.t = time.Date(2026, 6, 1, 11, 0, 0, 0, loc)
			d, err = l.Reserve(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			stats, err = l.Stats(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.Equal(t, 4, stats.DailyCount)
			assert.Equal(t, 1, stats.HourlyCount)
			assert.EqualValues(t, 4, stats.TotalSent)
		})
	}
}

func TestDailyLimitResetsTomorrow(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			loc, err := time.LoadLocation("Europe/Amsterdam")
			require.NoError(t, err)
			clk := &clock{t: time.Date(2026, 6, 1, 23, 30, 0, 0, loc)}
			l := New(backend, Limits{Daily: 2, Hourly: 20}, loc, logging.Discard(), metrics.NewUnregistered())
			l.SetClock(clk.Now)

			for i := 0; i < 2; i++ {
				d, err := l.Reserve(ctx, repo.ChannelWhatsApp)
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}

			d, err := l.Reserve(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, "Daily limit reached (2). Resets tomorrow.", d.Reason)

			clk.t = time.Date(2026, 6, 2, 0, 5, 0, 0, loc)
			d, err = l.Reserve(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestChannelsAreCountedSeparately(t *testing.T) {
	ctx := context.Background()
	l := New(newRedisBackend(t), Limits{Daily: 1, Hourly: 1}, time.UTC, logging.Discard(), metrics.NewUnregistered())

	d, err := l.Reserve(ctx, repo.ChannelWhatsApp)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Reserve(ctx, repo.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())
}

func TestConcurrentReservationsStayWithinCap(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(backend, Limits{Daily: 100, Hourly: 5}, time.UTC, logging.Discard(), metrics.NewUnregistered())

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.Reserve(ctx, repo.ChannelWhatsApp)
					if err != nil || !d.Allowed {
						return
					}
					mu.Lock()
					allowed++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 5, allowed)
			stats, err := l.Stats(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.Equal(t, 5, stats.HourlyCount)
		})
	}
}

func TestReleaseReturnsTheSlot(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(backend, Limits{Daily: 100, Hourly: 1}, time.UTC, logging.Discard(), metrics.NewUnregistered())

			d, err := l.Reserve(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			require.True(t, d.Allowed)

			rejected, err := l.Reserve(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			require.False(t, rejected.Allowed)
			require.NoError(t, l.Release(ctx, repo.ChannelWhatsApp, rejected))

			require.NoError(t, l.Release(ctx, repo.ChannelWhatsApp, d))
			stats, err := l.Stats(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.Equal(t, 0, stats.HourlyCount)
			assert.EqualValues(t, 0, stats.TotalSent)

			d, err = l.Reserve(ctx, repo.ChannelWhatsApp)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}
