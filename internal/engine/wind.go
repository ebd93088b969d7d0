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

// WindEngine turns cumulative usage readings into wind.
type WindEngine struct {
	d Deps
}

// NewWindEngine returns a WindEngine over d.
func NewWindEngine(d Deps) *WindEngine {
	return &WindEngine{d: d.withDefaults()}
}

// UpdateWind applies a logical cumulative usage total. Readings at or below the last applied
// total are ignored, so replays and out-of-order deliveries never raise wind twice. Usage that
// lands while a break is active is consumed without raising wind. Reaching MaxWind signals a
// blow-away once per pet.
func (w *WindEngine) UpdateWind(ctx context.Context, newThresholdSeconds int64) (core.WindUpdate, error) {
	petID, rates, err := w.d.monitored(ctx)
	if err != nil {
		return core.WindUpdate{}, fmt.Errorf("update wind: %w", err)
	}
	cur := w.d.State.WindState(ctx)
	u := core.AdvanceWind(cur, newThresholdSeconds, rates)
	if u.Applied && w.d.State.ActiveBreak(ctx) != nil {
		return w.absorbShielded(ctx, petID, cur, u)
	}
	w.d.Metrics.IncWindUpdate(u.Applied)
	if !u.Applied {
		w.d.emit(ctx, diag.KindWindIgnored, petID, map[string]any{
			"threshold": newThresholdSeconds,
			"last":      cur.LastThresholdSeconds,
		})
		return u, nil
	}
	if err := w.d.State.SetWind(ctx, u.State); err != nil {
		return core.WindUpdate{}, fmt.Errorf("update wind: %w", err)
	}
	w.d.Metrics.SetWindPoints(petID, u.State.Points)
	w.d.emit(ctx, diag.KindWindApplied, petID, map[string]any{
		"delta":  u.Delta,
		"points": u.State.Points,
	})
	w.d.Logger.Debug("Wind updated",
		logfields.PetID(petID),
		logfields.Threshold(newThresholdSeconds),
		logfields.WindPoints(u.State.Points))

	w.trackLevel(ctx, petID, u.State.Points)

	if u.Saturated {
		if _, err := w.d.signalBlowAway(ctx, petID, u.State.Points); err != nil {
			return u, fmt.Errorf("update wind: blow away: %w", err)
		}
	}
	return u, nil
}

// absorbShielded moves the threshold past usage recorded during a break and leaves points
// alone. The consumed seconds are added to the break reduction first so AbsoluteWind stays
// in step with the committed points.
func (w *WindEngine) absorbShielded(ctx context.Context, petID string, cur core.WindState, u core.WindUpdate) (core.WindUpdate, error) {
	w.d.Metrics.IncWindUpdate(false)
	if err := w.d.State.SetBreakReduction(ctx, w.d.State.BreakReduction(ctx)+u.Delta); err != nil {
		return core.WindUpdate{}, fmt.Errorf("update wind: %w", err)
	}
	next := core.WindState{Points: cur.Points, LastThresholdSeconds: u.State.LastThresholdSeconds}
	if err := w.d.State.SetLastThresholdSeconds(ctx, next.LastThresholdSeconds); err != nil {
		return core.WindUpdate{}, fmt.Errorf("update wind: %w", err)
	}
	w.d.emit(ctx, diag.KindWindShielded, petID, map[string]any{
		"threshold": next.LastThresholdSeconds,
		"delta":     u.Delta,
	})
	w.d.Logger.Debug("Usage absorbed by shield",
		logfields.PetID(petID),
		logfields.Threshold(next.LastThresholdSeconds))
	return core.WindUpdate{State: next, Delta: u.Delta}, nil
}

// trackLevel records upward level crossings so the notification side fires once per level.
func (w *WindEngine) trackLevel(ctx context.Context, petID string, points float64) {
	level := core.LevelFor(points)
	prev := core.LevelCalm
	if s, ok := w.d.State.String(ctx, sharedstate.KeyLastKnownWindLevel); ok {
		if n, err := strconv.Atoi(s); err == nil {
			prev = core.WindLevel(n)
		}
	}
	if level <= prev {
		return
	}
	if err := w.d.State.SetString(ctx, sharedstate.KeyLastKnownWindLevel, strconv.Itoa(int(level))); err != nil {
		w.d.Logger.Warn("Could not record wind level", logfields.PetID(petID), logfields.Error(err))
		return
	}
	w.d.emit(ctx, diag.KindLevelCrossed, petID, map[string]any{
		"from": prev.String(),
		"to":   level.String(),
	})
}

// EffectiveWindPoints is the wind to display right now: committed points minus the decay of
// an active shield. It never writes. Without published rates the committed points are returned.
func (w *WindEngine) EffectiveWindPoints(ctx context.Context) float64 {
	points := w.d.State.WindPoints(ctx)
	rates, ok := w.d.State.Rates(ctx)
	if !ok {
		return points
	}
	return core.EffectiveWindPoints(points, w.d.State.ShieldActivatedAt(ctx), w.d.Clock.Now(), rates)
}
