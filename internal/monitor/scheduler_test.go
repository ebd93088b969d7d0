package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/breeze/internal/core"
)

func TestScheduler_RegistersJobs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewScheduler(clock, core.DayClock{Location: time.UTC, Cutoff: 4 * time.Hour}, nil)
	require.NoError(t, err)

	_, err = s.ScheduleDayBoundary(t.Context(), func(context.Context, time.Time) error { return nil })
	require.NoError(t, err)
	_, err = s.ScheduleEvery(t.Context(), "complete-due-break", 30*time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)

	names := map[string]bool{}
	for _, j := range s.scheduler.Jobs() {
		names[j.Name()] = true
	}
	assert.Equal(t, map[string]bool{"day-boundary": true, "complete-due-break": true}, names)

	s.Start()
	require.NoError(t, s.Stop())
}

func TestScheduler_DayBoundaryTaskPassesLastCutoff(t *testing.T) {
	days := core.DayClock{Location: time.UTC, Cutoff: 4 * time.Hour}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 4, 0, 1, 0, time.UTC))
	s, err := NewScheduler(clock, days, nil)
	require.NoError(t, err)

	var got time.Time
	task := s.dayBoundaryTask(t.Context(), func(_ context.Context, cutoff time.Time) error {
		got = cutoff
		return nil
	})
	task()
	assert.True(t, got.Equal(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)), "got %s", got)
}
