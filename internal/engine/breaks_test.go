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

func TestBreakMachine_StartRejections(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	m := f.breaks(core.BreakFree)

	_, err := m.Start(ctx, core.BreakCommitted, nil)
	require.ErrorIs(t, err, ErrKindNotSelectable)

	zero := time.Duration(0)
	_, err = m.Start(ctx, core.BreakFree, &zero)
	require.ErrorIs(t, err, core.ErrInvalidDuration)

	s, err := m.Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.WithinDuration(t, testStart, s.StartedAt, 0)

	_, err = m.Start(ctx, core.BreakFree, nil)
	require.ErrorIs(t, err, ErrBreakActive)

	_, err = m.End(ctx)
	require.NoError(t, err)
	f.evo.blown = map[string]bool{"pet-1": true}
	_, err = m.Start(ctx, core.BreakFree, nil)
	require.ErrorIs(t, err, ErrBlownAway)
}

func TestBreakMachine_StartIsVisibleToOtherProcess(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()

	planned := 20 * time.Minute
	s, err := f.breaks().Start(ctx, core.BreakHardcore, &planned)
	require.NoError(t, err)

	assert.True(t, f.bg.ShieldActive(ctx))
	active := f.bg.ActiveBreak(ctx)
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)
	assert.Equal(t, core.BreakHardcore, active.Kind)
	require.NotNil(t, active.PlannedDuration)
	assert.Equal(t, planned, *active.PlannedDuration)
}

func TestBreakMachine_EndDecreasesWindAndRecordsReduction(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 50, LastThresholdSeconds: 450}))

	m := f.breaks()
	_, err := m.Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	res, err := m.End(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.InDelta(t, 20.0, res.Points, 1e-6)
	assert.InDelta(t, 30.0, res.Record.WindDecreased, 1e-6)
	assert.False(t, res.Record.WasViolated)
	assert.Equal(t, "pet-1", res.Record.PetID)
	assert.Equal(t, int64(270), res.ReductionSeconds)

	assert.False(t, f.bg.ShieldActive(ctx))
	assert.Nil(t, f.bg.ActiveBreak(ctx))
	assert.InDelta(t, 20.0, f.bg.WindPoints(ctx), 1e-6)
	assert.Equal(t, int64(270), f.bg.BreakReduction(ctx))
	_, pending := f.bg.String(ctx, sharedstate.KeyBreakSettlement)
	assert.False(t, pending)

	again, err := m.End(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
	again, err = m.Fail(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	assert.Len(t, f.log.records, 1)
	assert.Len(t, f.results.breaks, 1)
	assert.Equal(t, 2, f.diag.Count(diag.KindTransitionNoop))
}

func TestBreakMachine_EndFloorsAtZero(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 10, LastThresholdSeconds: 90}))

	m := f.breaks()
	_, err := m.Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)

	res, err := m.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Points)
	assert.InDelta(t, 150.0, res.Record.WindDecreased, 1e-6)
	assert.Equal(t, int64(90), res.ReductionSeconds)
}

func TestBreakMachine_EndRetryAfterFailureAppliesSettlementOnce(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 50, LastThresholdSeconds: 450}))

	m := f.breaks()
	_, err := m.Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	f.log.failN = 1
	_, err = m.End(ctx)
	require.Error(t, err)
	assert.True(t, f.bg.ShieldActive(ctx))
	assert.Equal(t, 50.0, f.bg.WindPoints(ctx))

	f.clock.Advance(10 * time.Minute)
	res, err := m.End(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, res.Points, 1e-6)
	assert.Equal(t, int64(270), f.bg.BreakReduction(ctx))
	assert.Len(t, f.log.records, 1)
}

func TestBreakMachine_CompleteIfDueCreditsPlannedDuration(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 80, LastThresholdSeconds: 720}))

	m := f.breaks()
	planned := 10 * time.Minute
	_, err := m.Start(ctx, core.BreakCommitted, &planned)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	res, err := m.CompleteIfDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, m.Status(ctx).Due)

	f.clock.Advance(10 * time.Minute)
	assert.True(t, m.Status(ctx).Due)
	res, err = m.CompleteIfDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.InDelta(t, 30.0, res.Points, 1e-6)
	assert.WithinDuration(t, testStart.Add(planned), res.Record.EndedAt, 0)
	assert.Equal(t, int64(450), res.ReductionSeconds)
}

func TestBreakMachine_FailPenalizesCommittedKinds(t *testing.T) {
	for _, kind := range []core.BreakKind{core.BreakCommitted, core.BreakHardcore} {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture(t)
			f.monitor(t)
			ctx := t.Context()
			require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 40, LastThresholdSeconds: 360}))

			m := f.breaks()
			_, err := m.Start(ctx, kind, nil)
			require.NoError(t, err)
			f.clock.Advance(time.Minute)

			res, err := m.Fail(ctx)
			require.NoError(t, err)
			assert.True(t, res.BlowAway)
			assert.True(t, res.Record.WasViolated)
			assert.Equal(t, core.MaxWind, f.bg.WindPoints(ctx))
			assert.False(t, f.bg.ShieldActive(ctx))
			assert.Equal(t, 1, f.evo.calls)

			again, err := m.Fail(ctx)
			require.NoError(t, err)
			assert.Nil(t, again)
			assert.Equal(t, 1, f.evo.calls)
		})
	}
}

func TestBreakMachine_FailFreeHasNoPenalty(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 40, LastThresholdSeconds: 360}))

	m := f.breaks()
	_, err := m.Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	res, err := m.Fail(ctx)
	require.NoError(t, err)
	assert.False(t, res.BlowAway)
	assert.Equal(t, 40.0, f.bg.WindPoints(ctx))
	assert.Equal(t, 0, f.evo.calls)
	assert.Len(t, f.log.records, 1)
}

func TestBreakMachine_Status(t *testing.T) {
	f := newFixture(t)
	f.monitor(t)
	ctx := t.Context()
	require.NoError(t, f.bg.SetWind(ctx, core.WindState{Points: 60, LastThresholdSeconds: 540}))

	m := f.breaks()
	st := m.Status(ctx)
	assert.Nil(t, st.Active)
	assert.Equal(t, 60.0, st.Effective)

	_, err := m.Start(ctx, core.BreakFree, nil)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	st = m.Status(ctx)
	require.NotNil(t, st.Active)
	assert.Equal(t, 60.0, st.Points)
	assert.InDelta(t, 50.0, st.Effective, 1e-6)
	assert.Nil(t, st.PlannedEnd)
}
