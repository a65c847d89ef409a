package negotiation

import (
	"context"
	"sort"
	"time"

	"leadflow/internal/calendar"
	"leadflow/internal/nlu"
)

var hourOffsets = []int{0, 1, -1, 2, -2, 3, -3, 24, -24, 48}

const (
	alternativeAnchors   = 2
	alternativesPerAnchor = 2
	maxAlternatives      = 5
	alternativeDays      = 5
)

// busyCache loads busy intervals once per calendar day.
type busyCache struct {
	e    *Engine
	days map[string][]calendar.Interval
}

func (e *Engine) newBusyCache() *busyCache {
	return &busyCache{e: e, days: make(map[string][]calendar.Interval)}
}

// free reports whether a meeting at t, padded by the buffer, avoids every busy interval.
// A failing calendar counts as free; the approver still has the final say.
func (b *busyCache) free(ctx context.Context, t time.Time) bool {
	key := t.Format(time.DateOnly)
	busy, ok := b.days[key]
	if !ok {
		from, to := calendar.DayBounds(t)
		var err error
		busy, err = b.e.calendar.BusyTimes(ctx, from, to)
		if err != nil {
			b.e.logger.Warn("calendar lookup failed, assuming free", "day", key, "error", err)
			busy = nil
		}
		b.days[key] = busy
	}
	buf := b.e.cfg.MeetingBuffer
	return !calendar.Conflicts(busy, t.Add(-buf), b.e.cfg.MeetingDuration+2*buf)
}

func weekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// withinBusinessHours requires the whole meeting to fit between the start and end hours.
func (e *Engine) withinBusinessHours(t time.Time) bool {
	open := time.Date(t.Year(), t.Month(), t.Day(), e.cfg.BusinessStartHour, 0, 0, 0, t.Location())
	closing := time.Date(t.Year(), t.Month(), t.Day(), e.cfg.BusinessEndHour, 0, 0, 0, t.Location())
	return !t.Before(open) && !t.Add(e.cfg.MeetingDuration).After(closing)
}

// match keeps future weekday slots that are free in the calendar, best first.
func (e *Engine) match(ctx context.Context, slots []nlu.Slot, now time.Time) []nlu.Slot {
	busy := e.newBusyCache()
	var out []nlu.Slot
	for _, s := range slots {
		t := s.Time.In(e.cfg.Location)
		if weekend(t) || !t.After(now) || !busy.free(ctx, t) {
			continue
		}
		out = append(out, nlu.Slot{Display: nlu.FormatTime(t), Time: t, Confidence: s.Confidence})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// alternatives proposes free slots near the lead's top preferences.
func (e *Engine) alternatives(ctx context.Context, prefs []nlu.Slot, now time.Time) []nlu.Slot {
	if len(prefs) > alternativeAnchors {
		prefs = prefs[:alternativeAnchors]
	}
	busy := e.newBusyCache()
	seen := make(map[int64]bool)
	var out []nlu.Slot

	for _, p := range prefs {
		base := e.anchor(p.Time.In(e.cfg.Location), now)
		found := 0
		for day := 0; day < alternativeDays && found < alternativesPerAnchor; day++ {
			for _, off := range hourOffsets {
				c := base.AddDate(0, 0, day).Add(time.Duration(off) * time.Hour)
				if seen[c.Unix()] || weekend(c) || !c.After(now) || !e.withinBusinessHours(c) || !busy.free(ctx, c) {
					continue
				}
				seen[c.Unix()] = true
				out = append(out, nlu.Slot{Display: nlu.FormatTime(c), Time: c, Confidence: p.Confidence})
				found++
				if found >= alternativesPerAnchor {
					break
				}
			}
		}
		if len(out) >= maxAlternatives {
			break
		}
	}
	if len(out) > maxAlternatives {
		out = out[:maxAlternatives]
	}
	return out
}

// anchor truncates t to the hour, moving weekend or past times to the next Monday at 10:00.
func (e *Engine) anchor(t, now time.Time) time.Time {
	if t.Before(now) || weekend(t) {
		ref := t
		if ref.Before(now) {
			ref = now.In(e.cfg.Location)
		}
		days := (8 - int(ref.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		ref = ref.AddDate(0, 0, days)
		return time.Date(ref.Year(), ref.Month(), ref.Day(), 10, 0, 0, 0, e.cfg.Location)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, e.cfg.Location)
}
