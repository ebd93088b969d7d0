package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/sharedstate"
)

type memBucket struct {
	mu     sync.Mutex
	values map[string][]byte
	gets   int
	err    error
}

func newMemBucket() *memBucket { return &memBucket{values: map[string][]byte{}} }

func (m *memBucket) get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memBucket) put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func (m *memBucket) del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

type countingFlusher struct{ n int }

func (c *countingFlusher) FlushTimeout(time.Duration) error {
	c.n++
	return nil
}

func TestStore_CachesUntilFlush(t *testing.T) {
	ctx := t.Context()
	b := newMemBucket()
	fl := &countingFlusher{}
	st, err := newStore(b, fl, time.Second, 8)
	require.NoError(t, err)

	_, ok, err := st.Get(ctx, sharedstate.KeyMonitoredPetID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Another process writes directly to the bucket.
	require.NoError(t, b.put(ctx, string(sharedstate.KeyMonitoredPetID), []byte("pet-1")))
	_, ok, err = st.Get(ctx, sharedstate.KeyMonitoredPetID)
	require.NoError(t, err)
	assert.False(t, ok, "cached miss is served until flush")

	require.NoError(t, st.Flush(ctx))
	assert.Equal(t, 1, fl.n)
	v, ok, err := st.Get(ctx, sharedstate.KeyMonitoredPetID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pet-1", v)
}

func TestStore_WritesAreReadBack(t *testing.T) {
	ctx := t.Context()
	b := newMemBucket()
	st, err := newStore(b, nil, time.Second, 8)
	require.NoError(t, err)

	require.NoError(t, st.Set(ctx, sharedstate.KeyIsShieldActive, "true"))
	assert.Equal(t, []byte("true"), b.values["isShieldActive"])
	v, ok, err := st.Get(ctx, sharedstate.KeyIsShieldActive)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	require.NoError(t, st.Delete(ctx, sharedstate.KeyIsShieldActive))
	_, ok, err = st.Get(ctx, sharedstate.KeyIsShieldActive)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, b.gets)
}

func TestStore_ErrorsAreUnavailable(t *testing.T) {
	b := newMemBucket()
	b.err = errors.New("no responders")
	st, err := newStore(b, nil, time.Second, 8)
	require.NoError(t, err)

	_, _, err = st.Get(t.Context(), sharedstate.KeyMonitoredWindPoints)
	require.ErrorIs(t, err, sharedstate.ErrUnavailable)

	acc := sharedstate.NewAccessor(st, nil)
	assert.Equal(t, 0.0, acc.WindPoints(t.Context()))
	assert.False(t, acc.ShieldActive(t.Context()))
}

func TestStore_BacksAccessorAcrossHandles(t *testing.T) {
	ctx := t.Context()
	b := newMemBucket()
	a, err := newStore(b, nil, time.Second, 8)
	require.NoError(t, err)
	other, err := newStore(b, nil, time.Second, 8)
	require.NoError(t, err)

	fg := sharedstate.NewAccessor(a, nil)
	bg := sharedstate.NewAccessor(other, nil)
	require.False(t, fg.ShieldActive(ctx))

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, bg.SetActiveBreak(ctx, &core.ActiveBreakSession{ID: "b1", Kind: core.BreakFree, StartedAt: start}))
	assert.True(t, fg.ShieldActive(ctx))
	active := fg.ActiveBreak(ctx)
	require.NotNil(t, active)
	assert.Equal(t, "b1", active.ID)
}

type capturePublisher struct {
	subjects []string
	payloads [][]byte
}

func (c *capturePublisher) Publish(subj string, data []byte) error {
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestPublisher_PublishesResults(t *testing.T) {
	ctx := t.Context()
	cp := &capturePublisher{}
	p := NewPublisher(cp, "breeze.results")
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, p.BreakCompleted(ctx, "pet-1", core.CompletedBreakRecord{
		Kind: core.BreakFree, StartedAt: start, EndedAt: start.Add(6 * time.Minute),
		WindAtStart: 50, WindDecreased: 30,
	}))
	require.NoError(t, p.BreakCompleted(ctx, "pet-1", core.CompletedBreakRecord{
		Kind: core.BreakHardcore, StartedAt: start, EndedAt: start.Add(time.Minute),
		WindAtStart: 40, WasViolated: true,
	}))
	require.NoError(t, p.MidnightEnded(ctx, core.MidnightResult{
		Kind: core.BreakCommitted, ActualMinutes: 10, WindPoints: 42, PetID: "pet-1", Cutoff: start,
	}))

	assert.Equal(t, []string{"breeze.results.break", "breeze.results.break", "breeze.results.midnight"}, cp.subjects)

	var msg ResultMessage
	require.NoError(t, json.Unmarshal(cp.payloads[0], &msg))
	assert.Equal(t, 20.0, msg.WindPoints)
	require.NoError(t, json.Unmarshal(cp.payloads[1], &msg))
	assert.Equal(t, core.MaxWind, msg.WindPoints)
	assert.True(t, msg.Violated)
	msg = ResultMessage{}
	require.NoError(t, json.Unmarshal(cp.payloads[2], &msg))
	assert.Equal(t, 10, msg.ActualMinutes)
	assert.Equal(t, "midnight", msg.Type)
}
