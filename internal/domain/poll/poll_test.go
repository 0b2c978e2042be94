package poll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanTransitions(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	p := &Poll{ID: 7, StartDate: now.Add(time.Hour), EndDate: now.Add(2 * time.Hour)}

	planned := p.PlanTransitions(now)
	require.Len(t, planned, 2)
	assert.Equal(t, StatusNotStarted, planned[0].CurrentStatus)
	assert.Equal(t, StatusStarted, planned[0].NextStatus)
	assert.Equal(t, p.StartDate, planned[0].ScheduledAt)
	assert.Equal(t, StatusFinished, planned[1].NextStatus)
	assert.Equal(t, p.EndDate, planned[1].ScheduledAt)
	for _, tr := range planned {
		assert.Equal(t, int64(7), tr.PollID)
		assert.True(t, tr.Pending())
	}

	running := p.PlanTransitions(now.Add(90 * time.Minute))
	require.Len(t, running, 1)
	assert.Equal(t, StatusStarted, running[0].CurrentStatus)

	assert.Empty(t, p.PlanTransitions(now.Add(3*time.Hour)))
}

func TestStatusAt(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	assert.Equal(t, StatusNotStarted, StatusAt(start.Add(-time.Second), start, end))
	assert.Equal(t, StatusStarted, StatusAt(start, start, end))
	assert.Equal(t, StatusFinished, StatusAt(end, start, end))
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus(" started ")
	assert.True(t, ok)
	assert.Equal(t, StatusStarted, s)

	_, ok = ParseStatus("paused")
	assert.False(t, ok)
}

func TestStatusBefore(t *testing.T) {
	assert.True(t, StatusNotStarted.Before(StatusStarted))
	assert.True(t, StatusStarted.Before(StatusFinished))
	assert.False(t, StatusFinished.Before(StatusStarted))
	assert.False(t, StatusStarted.Before(StatusStarted))
}
