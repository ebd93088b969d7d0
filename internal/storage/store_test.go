package storage

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/breeze/internal/core"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	st, err := New(openTestDB(t), WithClock(clock), WithDayClock(core.DayClock{Location: time.UTC}))
	require.NoError(t, err)
	return st
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))
	require.Error(t, Migrate(nil))
}

func TestStore_CreateAndGetPet(t *testing.T) {
	ctx := t.Context()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	st := newTestStore(t, clock)

	rates, err := core.PresetRates(core.PresetBalanced)
	require.NoError(t, err)
	pet, err := st.CreatePet(ctx, "  Gust ", core.PresetBalanced, rates)
	require.NoError(t, err)
	assert.Equal(t, "Gust", pet.Name)
	assert.NotEmpty(t, pet.ID)

	got, err := st.GetPet(ctx, pet.ID)
	require.NoError(t, err)
	assert.Equal(t, pet.ID, got.ID)
	assert.Equal(t, core.PresetBalanced, got.Preset)
	assert.InDelta(t, rates.RiseRatePerSecond, got.Rates.RiseRatePerSecond, 1e-12)
	assert.True(t, pet.CreatedAt.Equal(got.CreatedAt))

	_, err = st.GetPet(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = st.CreatePet(ctx, "", core.PresetBalanced, rates)
	require.Error(t, err)
	_, err = st.CreatePet(ctx, "Zero", core.PresetCustom, core.RateConfig{})
	require.Error(t, err)

	require.NoError(t, st.SaveWind(ctx, pet.ID, core.WindState{Points: 140, LastThresholdSeconds: 90}))
	got, err = st.GetPet(ctx, pet.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Wind.Points)
	assert.Equal(t, int64(90), got.Wind.LastThresholdSeconds)

	pets, err := st.ListPets(ctx)
	require.NoError(t, err)
	assert.Len(t, pets, 1)
}

func TestStore_OnBlowAwayIsTerminalAndLogged(t *testing.T) {
	ctx := t.Context()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC))
	st := newTestStore(t, clock)

	pet, err := st.CreatePet(ctx, "Gale", core.PresetIntense, core.RateConfig{RiseRatePerSecond: 1, FallRatePerMinute: 1})
	require.NoError(t, err)

	blown, err := st.IsBlownAway(ctx, pet.ID)
	require.NoError(t, err)
	require.False(t, blown)

	require.NoError(t, st.OnBlowAway(ctx, pet.ID, 100))
	require.NoError(t, st.OnBlowAway(ctx, pet.ID, 100))

	blown, err = st.IsBlownAway(ctx, pet.ID)
	require.NoError(t, err)
	assert.True(t, blown)

	today, err := st.BlownAwayOn(ctx, pet.ID, "2026-03-01")
	require.NoError(t, err)
	assert.True(t, today)
	tomorrow, err := st.BlownAwayOn(ctx, pet.ID, "2026-03-02")
	require.NoError(t, err)
	assert.False(t, tomorrow)

	events, err := st.ListEvents(ctx, pet.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "blown_away", events[0].Kind)

	_, err = st.Evolve(ctx, pet.ID)
	require.Error(t, err)
}

func TestStore_AppendBreakIsIdempotentPerSession(t *testing.T) {
	ctx := t.Context()
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	st := newTestStore(t, clockwork.NewFakeClockAt(start))

	pet, err := st.CreatePet(ctx, "Puff", core.PresetGentle, core.RateConfig{RiseRatePerSecond: 1, FallRatePerMinute: 1})
	require.NoError(t, err)

	rec := core.CompletedBreakRecord{
		SessionID: "b1", Kind: core.BreakCommitted,
		StartedAt: start, EndedAt: start.Add(10 * time.Minute),
		WindAtStart: 60, WindDecreased: 50,
	}
	require.NoError(t, st.AppendBreak(ctx, pet.ID, rec))
	require.NoError(t, st.AppendBreak(ctx, pet.ID, rec))

	violated := rec
	violated.SessionID = "b2"
	violated.StartedAt = start.Add(time.Hour)
	violated.WasViolated = true
	violated.WindDecreased = 0
	require.NoError(t, st.AppendBreak(ctx, pet.ID, violated))

	records, err := st.ListBreaks(ctx, pet.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b2", records[0].SessionID)
	assert.True(t, records[0].WasViolated)
	assert.Equal(t, "b1", records[1].SessionID)
	assert.Equal(t, 50.0, records[1].WindDecreased)

	_, err = st.ListBreaks(ctx, pet.ID, 0)
	require.Error(t, err)
}

func TestStore_EvolveAndResultEvents(t *testing.T) {
	ctx := t.Context()
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	st := newTestStore(t, clockwork.NewFakeClockAt(start))

	pet, err := st.CreatePet(ctx, "Zephyr", core.PresetGentle, core.RateConfig{RiseRatePerSecond: 1, FallRatePerMinute: 1})
	require.NoError(t, err)

	for want := 1; want <= core.MaxPhase; want++ {
		phase, err := st.Evolve(ctx, pet.ID)
		require.NoError(t, err)
		assert.Equal(t, want, phase)
	}
	_, err = st.Evolve(ctx, pet.ID)
	require.Error(t, err)

	require.NoError(t, st.BreakCompleted(ctx, pet.ID, core.CompletedBreakRecord{Kind: core.BreakFree, StartedAt: start, EndedAt: start.Add(5 * time.Minute)}))
	require.NoError(t, st.MidnightEnded(ctx, core.MidnightResult{Kind: core.BreakFree, ActualMinutes: 2, PetID: pet.ID, Cutoff: start}))

	events, err := st.ListEvents(ctx, pet.ID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, "evolved")
	assert.Contains(t, kinds, "break_completed")
	assert.Contains(t, kinds, "break_midnight_end")
}
