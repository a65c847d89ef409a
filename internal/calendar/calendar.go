// Package calendar abstracts the meeting calendar.
package calendar

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNoEvent is returned when a created event has no id.
var ErrNoEvent = errors.New("calendar returned no event id")

// Interval is a busy period.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Event describes a meeting to be created.
type Event struct {
	Summary       string
	Description   string
	Start         time.Time
	Duration      time.Duration
	AttendeeEmail string
}

// Calendar is the calendar collaborator.
type Calendar interface {
	BusyTimes(ctx context.Context, from, to time.Time) ([]Interval, error)
	CreateEvent(ctx context.Context, ev Event) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// Conflicts reports whether [start, start+d) overlaps any busy interval.
func Conflicts(busy []Interval, start time.Time, d time.Duration) bool {
	end := start.Add(d)
	for _, b := range busy {
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}

// DayBounds returns the local midnight boundaries around t.
func DayBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

func sortIntervals(in []Interval) {
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })
}
