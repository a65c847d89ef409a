package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"leadflow/internal/repo"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps one key per bucket, so rollover is a key change and old buckets expire.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a backend using keys under prefix.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "leadflow:ratelimit"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) keys(channel repo.Channel, w Window) (day, hour, total string) {
	base := fmt.Sprintf("%s:%s", b.prefix, channel)
	return base + ":day:" + w.Day,
		base + ":hour:" + w.HourStart.UTC().Format("2006-01-02T15"),
		base + ":total"
}

// Counts reads the three counters in a single round trip.
func (b *RedisBackend) Counts(ctx context.Context, channel repo.Channel, w Window) (Counts, error) {
	dayKey, hourKey, totalKey := b.keys(channel, w)
	vals, err := b.client.MGet(ctx, dayKey, hourKey, totalKey).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("redis mget: %w", err)
	}
	return Counts{
		Daily:  int(toInt(vals[0])),
		Hourly: int(toInt(vals[1])),
		Total:  toInt(vals[2]),
	}, nil
}

// reserveScript increments the day, hour and total keys only while the day and hour
// counters are below ARGV[1] and ARGV[2]. It returns {reserved, day, hour}.
var reserveScript = redis.NewScript(`
local day = tonumber(redis.call('GET', KEYS[1]) or '0')
local hour = tonumber(redis.call('GET', KEYS[2]) or '0')
if day >= tonumber(ARGV[1]) or hour >= tonumber(ARGV[2]) then
  return {0, day, hour}
end
day = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
hour = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[4])
redis.call('INCR', KEYS[3])
return {1, day, hour}
`)

// releaseScript decrements each key that is still positive.
var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if tonumber(redis.call('GET', key) or '0') > 0 then
    redis.call('DECR', key)
  end
end
return 0
`)

// Reserve checks and bumps the bucket counters in one script, so concurrent callers cannot overshoot.
func (b *RedisBackend) Reserve(ctx context.Context, channel repo.Channel, w Window, limits Limits) (Counts, bool, error) {
	dayKey, hourKey, totalKey := b.keys(channel, w)
	vals, err := reserveScript.Run(ctx, b.client, []string{dayKey, hourKey, totalKey},
		limits.Daily, limits.Hourly, int((48 * time.Hour).Seconds()), int((2 * time.Hour).Seconds())).Int64Slice()
	if err != nil {
		return Counts{}, false, fmt.Errorf("redis reserve: %w", err)
	}
	if len(vals) != 3 {
		return Counts{}, false, fmt.Errorf("redis reserve: unexpected reply %v", vals)
	}
	return Counts{Daily: int(vals[1]), Hourly: int(vals[2])}, vals[0] == 1, nil
}

// Release undoes one reservation in the buckets of w.
func (b *RedisBackend) Release(ctx context.Context, channel repo.Channel, w Window) error {
	dayKey, hourKey, totalKey := b.keys(channel, w)
	if err := releaseScript.Run(ctx, b.client, []string{dayKey, hourKey, totalKey}).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func toInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
