package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process calendar for local runs and tests.
type Memory struct {
	mu     sync.Mutex
	events map[string]Event
	busy   []Interval
	// FailCreate makes CreateEvent fail with ErrNoEvent.
	FailCreate bool
}

var _ Calendar = (*Memory)(nil)

// NewMemory returns an empty calendar.
func NewMemory() *Memory {
	return &Memory{events: make(map[string]Event)}
}

// Block marks an interval busy without creating an event.
func (m *Memory) Block(start, end time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = append(m.busy, Interval{Start: start, End: end})
}

// BusyTimes returns blocked intervals and events overlapping [from, to).
func (m *Memory) BusyTimes(_ context.Context, from, to time.Time) ([]Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Interval
	for _, b := range m.busy {
		if b.Start.Before(to) && from.Before(b.End) {
			out = append(out, b)
		}
	}
	for _, ev := range m.events {
		end := ev.Start.Add(ev.Duration)
		if ev.Start.Before(to) && from.Before(end) {
			out = append(out, Interval{Start: ev.Start, End: end})
		}
	}
	sortIntervals(out)
	return out, nil
}

// CreateEvent stores the event and returns its id.
func (m *Memory) CreateEvent(_ context.Context, ev Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate {
		return "", ErrNoEvent
	}
	if ev.Start.IsZero() {
		return "", errors.New("event start is required")
	}
	id := uuid.NewString()
	m.events[id] = ev
	return id, nil
}

// DeleteEvent removes an event.
func (m *Memory) DeleteEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return fmt.Errorf("event %s not found", eventID)
	}
	delete(m.events, eventID)
	return nil
}

// Events returns a copy of the stored events keyed by id.
func (m *Memory) Events() map[string]Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Event, len(m.events))
	for id, ev := range m.events {
		out[id] = ev
	}
	return out
}
