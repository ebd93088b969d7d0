package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/metrics"
	"github.com/divijg19/breeze/internal/sharedstate"
)

// DayBoundary closes out a logical day.
type DayBoundary struct {
	d             Deps
	morningShield bool
}

// NewDayBoundary returns a DayBoundary. With morningShield set, each new day starts with the
// morning shield engaged until the user lifts it.
func NewDayBoundary(d Deps, morningShield bool) *DayBoundary {
	return &DayBoundary{d: d.withDefaults(), morningShield: morningShield}
}

// EndBreakAtMidnight force-ends a break that is still running at the cutoff. It captures the
// break's kind, its length rounded to whole minutes, the committed wind and the pet, clears the
// break keys and returns the result. It applies no wind decay and calls no collaborator; the
// caller decides what to do with the result. Returns nil without an active break.
func (b *DayBoundary) EndBreakAtMidnight(ctx context.Context, cutoff time.Time) (*core.MidnightResult, error) {
	active := b.d.State.ActiveBreak(ctx)
	if active == nil {
		return nil, nil
	}
	res := &core.MidnightResult{
		Kind:          active.Kind,
		ActualMinutes: core.MidnightMinutes(active.StartedAt, cutoff),
		WindPoints:    b.d.State.WindPoints(ctx),
		PetID:         b.d.State.MonitoredPetID(ctx),
		Cutoff:        cutoff,
	}
	if err := b.d.State.SetActiveBreak(ctx, nil); err != nil {
		return nil, fmt.Errorf("end break at midnight: %w", err)
	}
	b.d.emit(ctx, diag.KindMidnightEnd, res.PetID, map[string]any{
		"kind":    string(res.Kind),
		"minutes": res.ActualMinutes,
	})
	return res, nil
}

// ResetForNewDay clears the per-day counters. It runs at most once per logical day; later
// calls for the same day report false.
func (b *DayBoundary) ResetForNewDay(ctx context.Context, day string) (bool, error) {
	if last, _ := b.d.State.String(ctx, sharedstate.KeyLastResetDay); last == day {
		return false, nil
	}
	for _, key := range []sharedstate.Key{
		sharedstate.KeyTotalBreakReduction,
		sharedstate.KeyCumulativeBaseline,
		sharedstate.KeyMonitoredLastThresholdSeconds,
		sharedstate.KeyLastRawThresholdSeconds,
	} {
		if err := b.d.State.SetInt(ctx, key, 0); err != nil {
			return false, fmt.Errorf("reset for new day: %w", err)
		}
	}
	for _, key := range []sharedstate.Key{
		sharedstate.KeyLastKnownWindLevel,
		sharedstate.KeyPresetLockedDay,
	} {
		if err := b.d.State.SetString(ctx, key, ""); err != nil {
			return false, fmt.Errorf("reset for new day: %w", err)
		}
	}
	if err := b.d.State.SetBool(ctx, sharedstate.KeyMorningShieldActive, b.morningShield); err != nil {
		return false, fmt.Errorf("reset for new day: %w", err)
	}
	if err := b.d.State.SetString(ctx, sharedstate.KeyLastResetDay, day); err != nil {
		return false, fmt.Errorf("reset for new day: %w", err)
	}
	if err := b.d.State.Flush(ctx); err != nil {
		return false, fmt.Errorf("reset for new day: %w", err)
	}
	petID := b.d.State.MonitoredPetID(ctx)
	b.d.emit(ctx, diag.KindDayReset, petID, map[string]any{"day": day, "morning_shield": b.morningShield})
	b.d.Logger.Info("Day reset", logfields.PetID(petID), logfields.Cutoff(day))
	return true, nil
}

// OnDayBoundary is the scheduled cutoff handler: it force-ends a running break, forwards the
// result to the result sink and resets the day's counters.
func (b *DayBoundary) OnDayBoundary(ctx context.Context, cutoff time.Time) (*core.MidnightResult, error) {
	res, err := b.EndBreakAtMidnight(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if res != nil {
		b.d.Metrics.IncBreakOutcome(string(res.Kind), metrics.OutcomeMidnight)
		b.d.Logger.Info("Break ended at day boundary",
			logfields.PetID(res.PetID),
			logfields.BreakKind(string(res.Kind)),
			logfields.DurationMinutes(res.ActualMinutes))
		if b.d.Results != nil {
			if err := b.d.Results.MidnightEnded(ctx, *res); err != nil {
				b.d.Logger.Warn("Result sink rejected midnight result", logfields.PetID(res.PetID), logfields.Error(err))
			}
		}
	}
	if _, err := b.ResetForNewDay(ctx, b.d.Days.Day(cutoff)); err != nil {
		return res, err
	}
	return res, nil
}

// LiftMorningShield lowers the morning shield for the rest of the day.
func (b *DayBoundary) LiftMorningShield(ctx context.Context) error {
	if err := b.d.State.SetBool(ctx, sharedstate.KeyMorningShieldActive, false); err != nil {
		return fmt.Errorf("lift morning shield: %w", err)
	}
	return b.d.State.Flush(ctx)
}
