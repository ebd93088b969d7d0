package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
	"github.com/divijg19/breeze/internal/metrics"
	"github.com/divijg19/breeze/internal/sharedstate"
)

type fakeEvolution struct {
	mu    sync.Mutex
	blown map[string]bool
	calls int
}

func (f *fakeEvolution) IsBlownAway(_ context.Context, petID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blown[petID], nil
}

func (f *fakeEvolution) OnBlowAway(_ context.Context, petID string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blown == nil {
		f.blown = map[string]bool{}
	}
	f.blown[petID] = true
	f.calls++
	return nil
}

type fakeBreakLog struct {
	mu      sync.Mutex
	failN   int
	records []core.CompletedBreakRecord
}

func (f *fakeBreakLog) AppendBreak(_ context.Context, _ string, rec core.CompletedBreakRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("disk full")
	}
	for _, r := range f.records {
		if r.SessionID == rec.SessionID {
			return nil
		}
	}
	f.records = append(f.records, rec)
	return nil
}

type fakeResults struct {
	mu        sync.Mutex
	breaks    []core.CompletedBreakRecord
	midnights []core.MidnightResult
}

func (f *fakeResults) BreakCompleted(_ context.Context, _ string, rec core.CompletedBreakRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks = append(f.breaks, rec)
	return nil
}

func (f *fakeResults) MidnightEnded(_ context.Context, res core.MidnightResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.midnights = append(f.midnights, res)
	return nil
}

type fakeBlownLog map[string]bool

func (f fakeBlownLog) BlownAwayOn(_ context.Context, petID, day string) (bool, error) {
	return f[petID+"|"+day], nil
}

// countingRecorder counts session restarts by whether they were announced.
type countingRecorder struct {
	metrics.NoopRecorder
	mu       sync.Mutex
	restarts map[bool]int
}

func (r *countingRecorder) IncSessionRestart(announced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restarts == nil {
		r.restarts = map[bool]int{}
	}
	r.restarts[announced]++
}

func (r *countingRecorder) count(announced bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts[announced]
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture models the two processes: bg is the monitor's handle, fg the app's.
type fixture struct {
	mem     *sharedstate.Memory
	bg, fg  *sharedstate.Accessor
	clock   *clockwork.FakeClock
	evo     *fakeEvolution
	log     *fakeBreakLog
	results *fakeResults
	diag    *diag.Recorder
	rates   core.RateConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rates, err := core.PresetRates(core.PresetBalanced)
	require.NoError(t, err)
	mem := sharedstate.NewMemory()
	rec := &diag.Recorder{}
	return &fixture{
		mem:     mem,
		bg:      sharedstate.NewAccessor(mem.Handle(), rec),
		fg:      sharedstate.NewAccessor(mem.Handle(), rec),
		clock:   clockwork.NewFakeClockAt(testStart),
		evo:     &fakeEvolution{},
		log:     &fakeBreakLog{},
		results: &fakeResults{},
		diag:    rec,
		rates:   rates,
	}
}

func (f *fixture) deps(acc *sharedstate.Accessor) Deps {
	return Deps{
		State:     acc,
		Clock:     f.clock,
		Days:      core.DayClock{Location: time.UTC},
		Evolution: f.evo,
		Breaks:    f.log,
		Results:   f.results,
		Diag:      f.diag,
	}
}

func (f *fixture) pet() core.Pet {
	return core.Pet{ID: "pet-1", Name: "Mochi", Preset: core.PresetBalanced, Rates: f.rates}
}

// monitor publishes the fixture pet from the background handle and returns its protocol.
func (f *fixture) monitor(t *testing.T) *Protocol {
	t.Helper()
	p := NewProtocol(f.deps(f.bg), nil)
	require.NoError(t, p.PublishMonitoring(t.Context(), f.pet()))
	return p
}

func (f *fixture) breaks(kinds ...core.BreakKind) *BreakMachine {
	return NewBreakMachine(f.deps(f.fg), kinds)
}
