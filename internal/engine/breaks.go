package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/metrics"
	"github.com/divijg19/breeze/internal/sharedstate"
)

// BreakResult is what a terminal break transition committed.
type BreakResult struct {
	Record core.CompletedBreakRecord
	// Points is the committed wind after the transition.
	Points           float64
	ReductionSeconds int64
	BlowAway         bool
}

// BreakStatus is a read-only snapshot for display.
type BreakStatus struct {
	Active        *core.ActiveBreakSession
	Points        float64
	Effective     float64
	PlannedEnd    *time.Time
	Due           bool
	MorningShield bool
}

// settlement is the intent persisted before an end is applied. A retry after a crash re-applies
// the same absolute values instead of recomputing them from already-mutated state.
type settlement struct {
	BreakID   string                    `json:"break_id"`
	Points    float64                   `json:"points"`
	Reduction int64                     `json:"reduction"`
	Record    core.CompletedBreakRecord `json:"record"`
}

// BreakMachine drives the Idle -> Active -> {Completed, Violated} lifecycle of a pet's break.
// Terminal transitions are idempotent: calling End or Fail without an active break is a no-op.
type BreakMachine struct {
	d          Deps
	selectable map[core.BreakKind]bool
	newID      func() string
}

// NewBreakMachine returns a BreakMachine that offers the given kinds. An empty list offers all.
func NewBreakMachine(d Deps, selectable []core.BreakKind) *BreakMachine {
	if len(selectable) == 0 {
		selectable = core.AllBreakKinds
	}
	m := make(map[core.BreakKind]bool, len(selectable))
	for _, k := range selectable {
		m[k] = true
	}
	return &BreakMachine{d: d.withDefaults(), selectable: m, newID: uuid.NewString}
}

// Selectable reports whether kind can be started in this mode.
func (b *BreakMachine) Selectable(kind core.BreakKind) bool {
	return b.selectable[kind]
}

// Start raises the shield for the monitored pet.
func (b *BreakMachine) Start(ctx context.Context, kind core.BreakKind, planned *time.Duration) (core.ActiveBreakSession, error) {
	if !b.selectable[kind] {
		return core.ActiveBreakSession{}, fmt.Errorf("start break: %s: %w", kind, ErrKindNotSelectable)
	}
	petID, _, err := b.d.monitored(ctx)
	if err != nil {
		return core.ActiveBreakSession{}, fmt.Errorf("start break: %w", err)
	}
	if b.d.Evolution != nil {
		blown, err := b.d.Evolution.IsBlownAway(ctx, petID)
		if err != nil {
			return core.ActiveBreakSession{}, fmt.Errorf("start break: %w", err)
		}
		if blown {
			return core.ActiveBreakSession{}, fmt.Errorf("start break: %w", ErrBlownAway)
		}
	}
	session, err := core.StartBreak(b.d.State.ActiveBreak(ctx), b.newID(), kind, planned, b.d.Clock.Now())
	if err != nil {
		return core.ActiveBreakSession{}, fmt.Errorf("start break: %w", err)
	}
	if err := b.d.State.SetActiveBreak(ctx, &session); err != nil {
		return core.ActiveBreakSession{}, fmt.Errorf("start break: %w", err)
	}
	b.d.Metrics.IncBreakStarted(string(kind))
	b.d.emit(ctx, diag.KindBreakStarted, petID, map[string]any{"kind": string(kind), "break_id": session.ID})
	b.d.Logger.Info("Break started",
		logfields.PetID(petID),
		logfields.BreakKind(string(kind)),
		logfields.BreakID(session.ID))
	return session, nil
}

// End completes the active break. Wind falls by the elapsed minutes times the fall rate and
// the wind actually removed is added to totalBreakReduction as usage seconds. Returns nil
// without an active break.
func (b *BreakMachine) End(ctx context.Context) (*BreakResult, error) {
	return b.end(ctx, nil)
}

// CompleteIfDue ends a timed break whose planned duration has elapsed, crediting exactly the
// planned duration. Returns nil when nothing was due.
func (b *BreakMachine) CompleteIfDue(ctx context.Context) (*BreakResult, error) {
	active := b.d.State.ActiveBreak(ctx)
	if active == nil {
		return nil, nil
	}
	end := active.PlannedEnd()
	if end == nil || b.d.Clock.Now().Before(*end) {
		return nil, nil
	}
	return b.end(ctx, end)
}

func (b *BreakMachine) end(ctx context.Context, at *time.Time) (*BreakResult, error) {
	active := b.d.State.ActiveBreak(ctx)
	petID := b.d.State.MonitoredPetID(ctx)
	if active == nil {
		b.d.emit(ctx, diag.KindTransitionNoop, petID, map[string]any{"op": "end"})
		return nil, nil
	}
	_, rates, err := b.d.monitored(ctx)
	if err != nil {
		return nil, fmt.Errorf("end break: %w", err)
	}

	s, ok := b.pendingSettlement(ctx, active.ID)
	if !ok {
		now := b.d.Clock.Now()
		if at != nil {
			now = *at
		}
		out := core.EndBreak(*active, b.d.State.WindState(ctx), rates, now)
		out.Record.PetID = petID
		s = settlement{
			BreakID:   active.ID,
			Points:    out.Wind.Points,
			Reduction: b.d.State.BreakReduction(ctx) + core.ReductionSeconds(out.Removed, rates),
			Record:    out.Record,
		}
		if err := b.saveSettlement(ctx, s); err != nil {
			return nil, fmt.Errorf("end break: %w", err)
		}
	}

	if b.d.Breaks != nil {
		if err := b.d.Breaks.AppendBreak(ctx, petID, s.Record); err != nil {
			return nil, fmt.Errorf("end break: append record: %w", err)
		}
	}
	if err := b.d.State.SetWindPoints(ctx, s.Points); err != nil {
		return nil, fmt.Errorf("end break: %w", err)
	}
	if err := b.d.State.SetBreakReduction(ctx, s.Reduction); err != nil {
		return nil, fmt.Errorf("end break: %w", err)
	}
	if err := b.d.State.SetActiveBreak(ctx, nil); err != nil {
		return nil, fmt.Errorf("end break: %w", err)
	}
	if err := b.d.State.SetString(ctx, sharedstate.KeyBreakSettlement, ""); err != nil {
		return nil, fmt.Errorf("end break: clear settlement: %w", err)
	}
	if err := b.d.State.Flush(ctx); err != nil {
		return nil, fmt.Errorf("end break: %w", err)
	}
	b.lowerLevel(ctx, petID, s.Points)

	b.d.Metrics.IncBreakOutcome(string(active.Kind), metrics.OutcomeCompleted)
	b.d.Metrics.SetWindPoints(petID, s.Points)
	b.d.emit(ctx, diag.KindBreakEnded, petID, map[string]any{
		"kind":      string(active.Kind),
		"decreased": s.Record.WindDecreased,
		"points":    s.Points,
	})
	b.d.Logger.Info("Break completed",
		logfields.PetID(petID),
		logfields.BreakKind(string(active.Kind)),
		logfields.WindPoints(s.Points))
	b.notify(ctx, petID, s.Record)

	return &BreakResult{Record: s.Record, Points: s.Points, ReductionSeconds: s.Reduction}, nil
}

// Fail records a violation of the active break. Committed and hardcore breaks force wind to
// MaxWind and blow the pet away; a free break carries no penalty. Returns nil without an
// active break.
func (b *BreakMachine) Fail(ctx context.Context) (*BreakResult, error) {
	active := b.d.State.ActiveBreak(ctx)
	petID := b.d.State.MonitoredPetID(ctx)
	if active == nil {
		b.d.emit(ctx, diag.KindTransitionNoop, petID, map[string]any{"op": "fail"})
		return nil, nil
	}
	out := core.FailBreak(*active, b.d.State.WindState(ctx), b.d.Clock.Now())
	out.Record.PetID = petID

	if b.d.Breaks != nil {
		if err := b.d.Breaks.AppendBreak(ctx, petID, out.Record); err != nil {
			return nil, fmt.Errorf("fail break: append record: %w", err)
		}
	}
	if out.BlowAway {
		if err := b.d.State.SetWindPoints(ctx, out.Wind.Points); err != nil {
			return nil, fmt.Errorf("fail break: %w", err)
		}
	}
	if err := b.d.State.SetActiveBreak(ctx, nil); err != nil {
		return nil, fmt.Errorf("fail break: %w", err)
	}
	if out.BlowAway {
		if _, err := b.d.signalBlowAway(ctx, petID, out.Wind.Points); err != nil {
			return nil, fmt.Errorf("fail break: blow away: %w", err)
		}
	}

	b.d.Metrics.IncBreakOutcome(string(active.Kind), metrics.OutcomeViolated)
	b.d.emit(ctx, diag.KindBreakViolated, petID, map[string]any{
		"kind":      string(active.Kind),
		"blow_away": out.BlowAway,
	})
	b.d.Logger.Info("Break violated",
		logfields.PetID(petID),
		logfields.BreakKind(string(active.Kind)),
		logfields.WindPoints(out.Wind.Points))
	b.notify(ctx, petID, out.Record)

	return &BreakResult{
		Record:           out.Record,
		Points:           out.Wind.Points,
		ReductionSeconds: b.d.State.BreakReduction(ctx),
		BlowAway:         out.BlowAway,
	}, nil
}

// Status reads the current break and wind without modifying anything.
func (b *BreakMachine) Status(ctx context.Context) BreakStatus {
	st := BreakStatus{
		Active:        b.d.State.ActiveBreak(ctx),
		Points:        b.d.State.WindPoints(ctx),
		MorningShield: b.d.State.Bool(ctx, sharedstate.KeyMorningShieldActive),
	}
	st.Effective = st.Points
	if rates, ok := b.d.State.Rates(ctx); ok && st.Active != nil {
		st.Effective = core.EffectiveWindPoints(st.Points, b.d.State.ShieldActivatedAt(ctx), b.d.Clock.Now(), rates)
	}
	if st.Active != nil {
		st.PlannedEnd = st.Active.PlannedEnd()
		st.Due = st.PlannedEnd != nil && !b.d.Clock.Now().Before(*st.PlannedEnd)
	}
	return st
}

func (b *BreakMachine) notify(ctx context.Context, petID string, rec core.CompletedBreakRecord) {
	if b.d.Results == nil {
		return
	}
	if err := b.d.Results.BreakCompleted(ctx, petID, rec); err != nil {
		b.d.Logger.Warn("Result sink rejected break", logfields.PetID(petID), logfields.Error(err))
	}
}

// lowerLevel lets notifications fire again after a break brought wind down.
func (b *BreakMachine) lowerLevel(ctx context.Context, petID string, points float64) {
	level := strconv.Itoa(int(core.LevelFor(points)))
	if err := b.d.State.SetString(ctx, sharedstate.KeyLastKnownWindLevel, level); err != nil {
		b.d.Logger.Warn("Could not record wind level", logfields.PetID(petID), logfields.Error(err))
	}
}

func (b *BreakMachine) pendingSettlement(ctx context.Context, breakID string) (settlement, bool) {
	raw, ok := b.d.State.String(ctx, sharedstate.KeyBreakSettlement)
	if !ok {
		return settlement{}, false
	}
	var s settlement
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		b.d.Logger.Warn("Discarding unreadable break settlement", logfields.Error(err))
		return settlement{}, false
	}
	if s.BreakID != breakID {
		return settlement{}, false
	}
	return s, true
}

func (b *BreakMachine) saveSettlement(ctx context.Context, s settlement) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	if err := b.d.State.SetString(ctx, sharedstate.KeyBreakSettlement, string(raw)); err != nil {
		return err
	}
	return b.d.State.Flush(ctx)
}
