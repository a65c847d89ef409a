package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflicts(t *testing.T) {
	base := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	busy := []Interval{{Start: base, End: base.Add(time.Hour)}}

	assert.True(t, Conflicts(busy, base.Add(30*time.Minute), 30*time.Minute))
	assert.True(t, Conflicts(busy, base.Add(-15*time.Minute), 30*time.Minute))
	assert.False(t, Conflicts(busy, base.Add(time.Hour), 30*time.Minute), "touching intervals do not overlap")
	assert.False(t, Conflicts(busy, base.Add(-30*time.Minute), 30*time.Minute))
}

func TestMemoryCalendar(t *testing.T) {
	ctx := context.Background()
	cal := NewMemory()
	start := time.Date(2025, 6, 20, 11, 0, 0, 0, time.UTC)

	id, err := cal.CreateEvent(ctx, Event{Summary: "Intro", Start: start, Duration: 30 * time.Minute})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	from, to := DayBounds(start)
	busy, err := cal.BusyTimes(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, start.Add(30*time.Minute), busy[0].End)

	require.NoError(t, cal.DeleteEvent(ctx, id))
	assert.Error(t, cal.DeleteEvent(ctx, id))

	cal.FailCreate = true
	id, err = cal.CreateEvent(ctx, Event{Start: start, Duration: time.Minute})
	assert.ErrorIs(t, err, ErrNoEvent)
	assert.Empty(t, id)
}
