package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)

func TestStartBreak_RequiresIdle(t *testing.T) {
	planned := 30 * time.Minute
	s, err := StartBreak(nil, "b1", BreakCommitted, &planned, t0)
	require.NoError(t, err)
	assert.Equal(t, BreakCommitted, s.Kind)
	require.NotNil(t, s.PlannedEnd())
	assert.Equal(t, t0.Add(planned), *s.PlannedEnd())

	_, err = StartBreak(&s, "b2", BreakFree, nil, t0)
	require.ErrorIs(t, err, ErrBreakActive)

	zero := time.Duration(0)
	_, err = StartBreak(nil, "b3", BreakFree, &zero, t0)
	require.ErrorIs(t, err, ErrInvalidDuration)

	_, err = StartBreak(nil, "b4", BreakKind("nap"), nil, t0)
	require.Error(t, err)
}

func TestEndBreak_DecreasesByElapsedMinutes(t *testing.T) {
	rates := RateConfig{RiseRatePerSecond: 1, FallRatePerMinute: 5}
	planned := 1800 * time.Second
	s, err := StartBreak(nil, "b1", BreakCommitted, &planned, t0)
	require.NoError(t, err)

	out := EndBreak(s, WindState{Points: 60, LastThresholdSeconds: 100}, rates, t0.Add(600*time.Second))
	assert.InDelta(t, 50.0, out.Record.WindDecreased, 1e-9)
	assert.InDelta(t, 10.0, out.Wind.Points, 1e-9)
	assert.InDelta(t, 50.0, out.Removed, 1e-9)
	assert.Equal(t, int64(100), out.Wind.LastThresholdSeconds)
	assert.False(t, out.Record.WasViolated)
	assert.False(t, out.BlowAway)
	assert.Equal(t, 60.0, out.Record.WindAtStart)
}

func TestEndBreak_FloorsAtZero(t *testing.T) {
	rates := RateConfig{RiseRatePerSecond: 1, FallRatePerMinute: 5}
	s := ActiveBreakSession{Kind: BreakFree, StartedAt: t0}

	out := EndBreak(s, WindState{Points: 12}, rates, t0.Add(time.Hour))
	assert.Equal(t, 0.0, out.Wind.Points)
	assert.InDelta(t, 300.0, out.Record.WindDecreased, 1e-9)
	assert.Equal(t, 12.0, out.Removed)
}

func TestFailBreak_PenaltyByKind(t *testing.T) {
	for _, kind := range []BreakKind{BreakCommitted, BreakHardcore} {
		out := FailBreak(ActiveBreakSession{Kind: kind, StartedAt: t0}, WindState{Points: 33}, t0.Add(time.Minute))
		assert.Equal(t, MaxWind, out.Wind.Points, kind)
		assert.True(t, out.BlowAway, kind)
		assert.True(t, out.Record.WasViolated, kind)
		assert.Equal(t, 0.0, out.Record.WindDecreased, kind)
	}

	out := FailBreak(ActiveBreakSession{Kind: BreakFree, StartedAt: t0}, WindState{Points: 33}, t0.Add(time.Minute))
	assert.Equal(t, 33.0, out.Wind.Points)
	assert.False(t, out.BlowAway)
	assert.True(t, out.Record.WasViolated)
}

func TestMidnightMinutes_Rounds(t *testing.T) {
	assert.Equal(t, 2, MidnightMinutes(t0, t0.Add(125*time.Second)))
	assert.Equal(t, 3, MidnightMinutes(t0, t0.Add(150*time.Second)))
	assert.Equal(t, 0, MidnightMinutes(t0, t0.Add(-time.Hour)))
}

func TestCanEvolve(t *testing.T) {
	p := Pet{Evolution: EvolutionState{CurrentPhase: 1}}
	assert.True(t, CanEvolve(p, 10, false, 0))
	assert.False(t, CanEvolve(p, 60, false, 0))
	assert.True(t, CanEvolve(p, 60, false, 70))
	assert.False(t, CanEvolve(p, 10, true, 0))

	p.Evolution.IsBlownAway = true
	assert.False(t, CanEvolve(p, 0, false, 0))

	p = Pet{Evolution: EvolutionState{CurrentPhase: MaxPhase}}
	assert.False(t, CanEvolve(p, 0, false, 0))
}

func TestParseBreakKind(t *testing.T) {
	k, err := ParseBreakKind(" Hardcore ")
	require.NoError(t, err)
	assert.Equal(t, BreakHardcore, k)
	assert.True(t, k.Penalized())
	assert.False(t, BreakFree.Penalized())
}
