package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/sharedstate"
)

// ThresholdEvent is one usage callback from the monitoring session.
type ThresholdEvent struct {
	PetID string
	// CumulativeSeconds is the raw counter of the session, which restarts at zero whenever the
	// session does.
	CumulativeSeconds int64
	// SessionID is an increasing session epoch. Zero means the sender does not track sessions
	// and restarts are detected from the raw counter going backwards.
	SessionID int64
}

// ReconcileResult is the foreground's view after reconciling with the shared store.
type ReconcileResult struct {
	Pet      core.Pet
	Adopted  bool
	BlowAway bool
}

// Protocol is the cross-process side of the engine: what the monitor publishes and how the
// foreground catches up with it.
type Protocol struct {
	d    Deps
	wind *WindEngine
}

// NewProtocol returns a Protocol that applies readings through wind.
func NewProtocol(d Deps, wind *WindEngine) *Protocol {
	d = d.withDefaults()
	if wind == nil {
		wind = NewWindEngine(d)
	}
	return &Protocol{d: d, wind: wind}
}

// PublishMonitoring makes pet the monitored pet with its rates. The choice is locked for the
// logical day: republishing the same pet and rates is fine, switching is ErrPresetLocked.
// Switching to another pet loads that pet's cached wind into the store.
func (p *Protocol) PublishMonitoring(ctx context.Context, pet core.Pet) error {
	if pet.Evolution.IsBlownAway {
		return fmt.Errorf("publish monitoring: %w", ErrBlownAway)
	}
	day := p.d.Days.Day(p.d.Clock.Now())
	curPet := p.d.State.MonitoredPetID(ctx)
	curRates, hasRates := p.d.State.Rates(ctx)
	same := curPet == pet.ID && hasRates && curRates == pet.Rates
	if locked, _ := p.d.State.String(ctx, sharedstate.KeyPresetLockedDay); locked == day && !same {
		return fmt.Errorf("publish monitoring: %w", ErrPresetLocked)
	}
	if curPet != pet.ID {
		if err := p.d.State.SetWind(ctx, pet.Wind); err != nil {
			return fmt.Errorf("publish monitoring: %w", err)
		}
	}
	if err := p.d.State.SetMonitoring(ctx, pet.ID, pet.Rates); err != nil {
		return fmt.Errorf("publish monitoring: %w", err)
	}
	if err := p.d.State.SetString(ctx, sharedstate.KeyPresetLockedDay, day); err != nil {
		return fmt.Errorf("publish monitoring: %w", err)
	}
	if err := p.d.State.Flush(ctx); err != nil {
		return fmt.Errorf("publish monitoring: %w", err)
	}
	p.d.Logger.Info("Monitoring published", logfields.PetID(pet.ID), logfields.WindPoints(pet.Wind.Points))
	return nil
}

func (p *Protocol) currentSession(ctx context.Context) int64 {
	return p.d.State.Int(ctx, sharedstate.KeyMonitoringSessionID, 0)
}

// StartSession announces a new monitoring session. The usage applied so far becomes the
// baseline the new session's raw counter is added to. Sessions at or below the current one
// are ignored, so the call is safe to repeat.
func (p *Protocol) StartSession(ctx context.Context, sessionID int64) (bool, error) {
	if sessionID <= 0 {
		return false, fmt.Errorf("start session: session id must be > 0")
	}
	if sessionID <= p.currentSession(ctx) {
		return false, nil
	}
	if err := p.rebase(ctx); err != nil {
		return false, fmt.Errorf("start session: %w", err)
	}
	if err := p.d.State.SetInt(ctx, sharedstate.KeyMonitoringSessionID, sessionID); err != nil {
		return false, fmt.Errorf("start session: %w", err)
	}
	if err := p.d.State.Flush(ctx); err != nil {
		return false, fmt.Errorf("start session: %w", err)
	}
	p.d.Metrics.IncSessionRestart(true)
	petID := p.d.State.MonitoredPetID(ctx)
	p.d.emit(ctx, diag.KindSessionStarted, petID, map[string]any{"session": sessionID})
	p.d.Logger.Debug("Monitoring session started",
		logfields.PetID(petID),
		logfields.SessionID(strconv.FormatInt(sessionID, 10)))
	return true, nil
}

// rebase carries the applied usage over as the baseline and restarts the raw counter.
func (p *Protocol) rebase(ctx context.Context) error {
	if err := p.d.State.SetBaseline(ctx, p.d.State.LastThresholdSeconds(ctx)); err != nil {
		return err
	}
	return p.d.State.SetInt(ctx, sharedstate.KeyLastRawThresholdSeconds, 0)
}

// HandleThreshold applies a usage callback. Events for another pet or an older session are
// dropped. A newer session id starts that session implicitly. Without a session id, a raw
// counter lower than the last one seen is treated as an unannounced restart.
func (p *Protocol) HandleThreshold(ctx context.Context, ev ThresholdEvent) (core.WindUpdate, error) {
	petID := p.d.State.MonitoredPetID(ctx)
	if petID == "" {
		return core.WindUpdate{}, fmt.Errorf("handle threshold: %w", ErrNotMonitoring)
	}
	if ev.PetID != "" && ev.PetID != petID {
		p.d.emit(ctx, diag.KindForeignPet, petID, map[string]any{"event_pet": ev.PetID})
		return core.WindUpdate{State: p.d.State.WindState(ctx)}, nil
	}
	raw := ev.CumulativeSeconds
	if raw < 0 {
		raw = 0
	}

	if ev.SessionID > 0 {
		cur := p.currentSession(ctx)
		switch {
		case ev.SessionID < cur:
			p.d.emit(ctx, diag.KindStaleSession, petID, map[string]any{"session": ev.SessionID, "current": cur})
			return core.WindUpdate{State: p.d.State.WindState(ctx)}, nil
		case ev.SessionID > cur:
			if _, err := p.StartSession(ctx, ev.SessionID); err != nil {
				return core.WindUpdate{}, fmt.Errorf("handle threshold: %w", err)
			}
		}
	} else if last := p.d.State.Int(ctx, sharedstate.KeyLastRawThresholdSeconds, 0); raw < last {
		// Session-less readings carry no epoch, so a late reading from before the reset is
		// indistinguishable from new usage and is applied on the new baseline.
		if err := p.rebase(ctx); err != nil {
			return core.WindUpdate{}, fmt.Errorf("handle threshold: %w", err)
		}
		p.d.Metrics.IncSessionRestart(false)
		p.d.emit(ctx, diag.KindCounterReset, petID, map[string]any{"raw": raw, "last_raw": last})
	}

	if last := p.d.State.Int(ctx, sharedstate.KeyLastRawThresholdSeconds, 0); raw > last {
		if err := p.d.State.SetInt(ctx, sharedstate.KeyLastRawThresholdSeconds, raw); err != nil {
			return core.WindUpdate{}, fmt.Errorf("handle threshold: %w", err)
		}
	}
	logical := core.LogicalCumulative(p.d.State.Baseline(ctx), raw)
	p.d.Logger.Debug("Threshold received",
		logfields.PetID(petID),
		logfields.RawSeconds(raw),
		logfields.Threshold(logical))
	return p.wind.UpdateWind(ctx, logical)
}

// Reconcile brings the foreground's cached pet in line with the shared store. The store wins
// on any difference. A blow-away logged for today overrides whatever the numbers say.
func (p *Protocol) Reconcile(ctx context.Context, cached core.Pet) (ReconcileResult, error) {
	res := ReconcileResult{Pet: cached}
	if cached.ID == "" || cached.ID != p.d.State.MonitoredPetID(ctx) {
		return res, nil
	}
	stored := p.d.State.WindState(ctx)
	if stored != cached.Wind {
		res.Pet.Wind = stored
		res.Adopted = true
		p.d.emit(ctx, diag.KindReconcileAdopted, cached.ID, map[string]any{
			"cached_points": cached.Wind.Points,
			"store_points":  stored.Points,
		})
	}

	if p.d.BlownLog != nil {
		day := p.d.Days.Day(p.d.Clock.Now())
		blownToday, err := p.d.BlownLog.BlownAwayOn(ctx, cached.ID, day)
		if err != nil {
			p.d.Logger.Warn("Could not read blow-away log", logfields.PetID(cached.ID), logfields.Error(err))
		}
		if blownToday && !res.Pet.Evolution.IsBlownAway {
			res.Pet.Evolution.IsBlownAway = true
			res.Pet.Wind.Points = core.MaxWind
			res.BlowAway = true
			p.d.emit(ctx, diag.KindBlownTodayForced, cached.ID, map[string]any{"day": day})
		}
	}

	if res.Pet.Wind.Points >= core.MaxWind && !res.Pet.Evolution.IsBlownAway {
		if _, err := p.d.signalBlowAway(ctx, cached.ID, res.Pet.Wind.Points); err != nil {
			return res, fmt.Errorf("reconcile: blow away: %w", err)
		}
		res.Pet.Evolution.IsBlownAway = true
		res.BlowAway = true
	}

	if res.Adopted && p.d.Pets != nil {
		if err := p.d.Pets.SaveWind(ctx, cached.ID, res.Pet.Wind); err != nil {
			return res, fmt.Errorf("reconcile: save wind: %w", err)
		}
	}
	p.d.Metrics.IncReconcile(res.Adopted)
	return res, nil
}

// RebuildWind repairs unreadable persisted points from the day's usage totals. It returns the
// points and whether a rebuild happened; readable points are left alone.
func (p *Protocol) RebuildWind(ctx context.Context) (float64, bool, error) {
	if points, ok := p.d.State.FloatOK(ctx, sharedstate.KeyMonitoredWindPoints); ok {
		return core.ClampWind(points), false, nil
	}
	petID, rates, err := p.d.monitored(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("rebuild wind: %w", err)
	}
	logical := p.d.State.LastThresholdSeconds(ctx)
	reduction := p.d.State.BreakReduction(ctx)
	points := core.AbsoluteWind(logical, reduction, rates)
	if err := p.d.State.SetWindPoints(ctx, points); err != nil {
		return 0, false, fmt.Errorf("rebuild wind: %w", err)
	}
	p.d.emit(ctx, diag.KindWindRebuilt, petID, map[string]any{
		"logical":   logical,
		"reduction": reduction,
		"points":    points,
	})
	p.d.Logger.Warn("Wind rebuilt from usage totals", logfields.PetID(petID), logfields.WindPoints(points))
	return points, true, nil
}
