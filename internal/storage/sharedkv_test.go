package storage

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/breeze/internal/sharedstate"
)

func TestSharedKV_CachesUntilFlush(t *testing.T) {
	ctx := t.Context()
	db := openTestDB(t)
	clock := clockwork.NewFakeClock()

	fg, err := NewSharedKV(db, 8, clock)
	require.NoError(t, err)
	bg, err := NewSharedKV(db, 8, clock)
	require.NoError(t, err)

	_, ok, err := fg.Get(ctx, sharedstate.KeyMonitoredWindPoints)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, bg.Set(ctx, sharedstate.KeyMonitoredWindPoints, "12.5"))

	_, ok, err = fg.Get(ctx, sharedstate.KeyMonitoredWindPoints)
	require.NoError(t, err)
	assert.False(t, ok, "cached miss is served until flush")

	require.NoError(t, fg.Flush(ctx))
	v, ok, err := fg.Get(ctx, sharedstate.KeyMonitoredWindPoints)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12.5", v)
}

func TestSharedKV_AccessorFreshReadsAcrossHandles(t *testing.T) {
	ctx := t.Context()
	db := openTestDB(t)

	fgKV, err := NewSharedKV(db, 0, nil)
	require.NoError(t, err)
	bgKV, err := NewSharedKV(db, 0, nil)
	require.NoError(t, err)
	fg := sharedstate.NewAccessor(fgKV, nil)
	bg := sharedstate.NewAccessor(bgKV, nil)

	require.Equal(t, 0.0, fg.WindPoints(ctx))
	require.NoError(t, bg.SetWindPoints(ctx, 77))
	assert.Equal(t, 77.0, fg.WindPoints(ctx))
}

func TestSharedKV_ApplyDeletesAndDumps(t *testing.T) {
	ctx := t.Context()
	db := openTestDB(t)
	kv, err := NewSharedKV(db, 0, nil)
	require.NoError(t, err)

	v := "true"
	require.NoError(t, kv.Apply(ctx, []sharedstate.Mutation{
		{Key: sharedstate.KeyIsShieldActive, Value: &v},
		{Key: sharedstate.KeyCurrentBreakKind, Value: &v},
		{Key: sharedstate.KeyCurrentBreakKind},
	}))

	dump, err := kv.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[sharedstate.Key]string{sharedstate.KeyIsShieldActive: "true"}, dump)

	require.Error(t, kv.Apply(ctx, []sharedstate.Mutation{{Key: " ", Value: &v}}))
}
