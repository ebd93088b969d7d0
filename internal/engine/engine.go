// Package engine runs the wind and break state machines on top of the shared store.
//
// Every service here is stateless between calls: whatever must survive a process being killed
// lives in the shared store, and every operation re-reads it. Each individual key write leaves
// the store in a state that the other process can act on.
package engine

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/metrics"
	"github.com/divijg19/breeze/internal/sharedstate"
)

// BlowAwaySink is the evolution/archival collaborator.
type BlowAwaySink interface {
	IsBlownAway(ctx context.Context, petID string) (bool, error)
	// OnBlowAway archives the pet. Implementations must tolerate repeated calls.
	OnBlowAway(ctx context.Context, petID string, windPoints float64) error
}

// BreakLog stores completed break records.
type BreakLog interface {
	AppendBreak(ctx context.Context, petID string, rec core.CompletedBreakRecord) error
}

// ResultSink is the logging/rewards collaborator. The core never computes rewards.
type ResultSink interface {
	BreakCompleted(ctx context.Context, petID string, rec core.CompletedBreakRecord) error
	MidnightEnded(ctx context.Context, res core.MidnightResult) error
}

// BlownAwayLog answers whether a pet was blown away on a logical day.
type BlownAwayLog interface {
	BlownAwayOn(ctx context.Context, petID, day string) (bool, error)
}

// PetCache persists the foreground's cached copy of a pet's wind.
type PetCache interface {
	SaveWind(ctx context.Context, petID string, wind core.WindState) error
}

// Deps wires the services to the shared store and collaborators. Only State is required.
type Deps struct {
	State     *sharedstate.Accessor
	Clock     clockwork.Clock
	Days      core.DayClock
	Evolution BlowAwaySink
	Breaks    BreakLog
	Results   ResultSink
	BlownLog  BlownAwayLog
	Pets      PetCache
	Metrics   metrics.Recorder
	Diag      diag.Sink
	Logger    *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.Diag == nil {
		d.Diag = diag.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

func (d Deps) emit(ctx context.Context, kind diag.Kind, petID string, fields map[string]any) {
	d.Diag.Emit(ctx, diag.Event{Kind: kind, PetID: petID, At: d.Clock.Now(), Fields: fields})
}

// signalBlowAway forwards a blow-away to the evolution collaborator at most once per pet.
func (d Deps) signalBlowAway(ctx context.Context, petID string, points float64) (bool, error) {
	if d.Evolution == nil {
		return false, nil
	}
	blown, err := d.Evolution.IsBlownAway(ctx, petID)
	if err != nil {
		d.Logger.Warn("Could not read blow-away flag; signalling anyway", logfields.PetID(petID), logfields.Error(err))
	}
	if blown {
		d.emit(ctx, diag.KindBlowAwaySkipped, petID, nil)
		return false, nil
	}
	if err := d.Evolution.OnBlowAway(ctx, petID, points); err != nil {
		return false, err
	}
	d.Metrics.IncBlowAway()
	d.emit(ctx, diag.KindBlowAway, petID, map[string]any{"wind_points": points})
	d.Logger.Info("Pet blown away", logfields.PetID(petID), logfields.WindPoints(points))
	return true, nil
}

// monitored returns the published pet and rates.
func (d Deps) monitored(ctx context.Context) (string, core.RateConfig, error) {
	petID := d.State.MonitoredPetID(ctx)
	if petID == "" {
		return "", core.RateConfig{}, ErrNotMonitoring
	}
	rates, ok := d.State.Rates(ctx)
	if !ok {
		return "", core.RateConfig{}, ErrNotMonitoring
	}
	return petID, rates, nil
}
