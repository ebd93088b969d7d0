package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
	"github.com/divijg19/breeze/internal/sharedstate"
)

func TestUpdateWind_MonotonicAndIdempotent(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	w := NewWindEngine(f.deps(f.bg))
	ctx := t.Context()

	u, err := w.UpdateWind(ctx, 300)
	require.NoError(t, err)
	assert.True(t, u.Applied)
	assert.InDelta(t, 33.333, u.State.Points, 0.01)

	for _, replay := range []int64{300, 200, 0} {
		u, err = w.UpdateWind(ctx, replay)
		require.NoError(t, err)
		assert.False(t, u.Applied, "reading %d", replay)
	}
	assert.InDelta(t, 33.333, f.fg.WindPoints(ctx), 0.01)
	assert.Equal(t, int64(300), f.fg.LastThresholdSeconds(ctx))
	assert.Equal(t, 3, f.diag.Count(diag.KindWindIgnored))
}

func TestUpdateWind_SaturatesAndBlowsAwayOnce(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	w := NewWindEngine(f.deps(f.bg))
	ctx := t.Context()

	u, err := w.UpdateWind(ctx, 900)
	require.NoError(t, err)
	assert.Equal(t, core.MaxWind, u.State.Points)
	assert.True(t, u.Saturated)
	assert.Equal(t, 1, f.evo.calls)

	_, err = w.UpdateWind(ctx, 900)
	require.NoError(t, err)
	_, err = w.UpdateWind(ctx, 1200)
	require.NoError(t, err)
	assert.Equal(t, core.MaxWind, f.fg.WindPoints(ctx))
	assert.Equal(t, 1, f.evo.calls)
	assert.Equal(t, 1, f.diag.Count(diag.KindBlowAwaySkipped))
}

func TestUpdateWind_IntensePresetReachesMaxAtLimit(t *testing.T) {
	f := newFixture(t)
	rates, err := core.PresetRates(core.PresetIntense)
	require.NoError(t, err)
	pet := f.pet()
	pet.Rates = rates
	p := NewProtocol(f.deps(f.bg), nil)
	require.NoError(t, p.PublishMonitoring(t.Context(), pet))

	u, err := NewWindEngine(f.deps(f.bg)).UpdateWind(t.Context(), rates.LimitSeconds())
	require.NoError(t, err)
	assert.Equal(t, core.MaxWind, u.State.Points)
	assert.Equal(t, 1, f.evo.calls)
}

func TestUpdateWind_RequiresMonitoring(t *testing.T) {
	f := newFixture(t)
	_, err := NewWindEngine(f.deps(f.bg)).UpdateWind(t.Context(), 60)
	require.ErrorIs(t, err, ErrNotMonitoring)
}

func TestUpdateWind_TracksLevelCrossings(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	w := NewWindEngine(f.deps(f.bg))
	ctx := t.Context()

	_, err := w.UpdateWind(ctx, 200) // 22.2 -> breezy
	require.NoError(t, err)
	_, err = w.UpdateWind(ctx, 250) // still breezy
	require.NoError(t, err)
	_, err = w.UpdateWind(ctx, 500) // 55.5 -> windy
	require.NoError(t, err)
	assert.Equal(t, 2, f.diag.Count(diag.KindLevelCrossed))

	lvl, ok := f.bg.String(ctx, sharedstate.KeyLastKnownWindLevel)
	require.True(t, ok)
	assert.Equal(t, "2", lvl)
}

func TestEffectiveWindPoints_ProjectsWithoutWriting(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 50, LastThresholdSeconds: 450}))

	w := NewWindEngine(f.deps(f.fg))
	assert.Equal(t, 50.0, w.EffectiveWindPoints(ctx))

	_, err := f.breaks().Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)
	assert.InDelta(t, 20.0, w.EffectiveWindPoints(ctx), 1e-6)

	f.clock.Advance(time.Hour)
	assert.Equal(t, 0.0, w.EffectiveWindPoints(ctx))
	assert.Equal(t, 50.0, f.bg.WindPoints(ctx))
}

func TestUpdateWind_UsageDuringBreakDoesNotRaiseWind(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	w := NewWindEngine(f.deps(f.bg))
	display := NewWindEngine(f.deps(f.fg))

	u, err := w.UpdateWind(ctx, 270)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, u.State.Points, 1e-6)

	m := f.breaks()
	_, err = m.Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	assert.InDelta(t, 25.0, display.EffectiveWindPoints(ctx), 1e-6)

	u, err = w.UpdateWind(ctx, 540)
	require.NoError(t, err)
	assert.False(t, u.Applied)
	assert.Equal(t, int64(270), u.Delta)
	assert.InDelta(t, 25.0, display.EffectiveWindPoints(ctx), 1e-6)
	assert.InDelta(t, 30.0, f.fg.WindPoints(ctx), 1e-6)
	assert.Equal(t, int64(540), f.fg.LastThresholdSeconds(ctx))
	assert.Equal(t, int64(270), f.fg.BreakReduction(ctx))
	assert.Equal(t, 1, f.diag.Count(diag.KindWindShielded))
	assert.Zero(t, f.diag.Count(diag.KindWindIgnored))

	// A replay of the absorbed reading is an ordinary no-op.
	u, err = w.UpdateWind(ctx, 540)
	require.NoError(t, err)
	assert.False(t, u.Applied)
	assert.Equal(t, 1, f.diag.Count(diag.KindWindIgnored))

	f.clock.Advance(time.Minute)
	res, err := m.End(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.InDelta(t, 20.0, res.Points, 1e-6)
	assert.Equal(t, int64(360), res.ReductionSeconds)
	assert.InDelta(t, res.Points, core.AbsoluteWind(540, res.ReductionSeconds, f.rates), 1e-6)

	u, err = w.UpdateWind(ctx, 630)
	require.NoError(t, err)
	assert.True(t, u.Applied)
	assert.InDelta(t, 30.0, u.State.Points, 1e-6)
}
