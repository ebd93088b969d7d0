// Package diag carries structured diagnostic events about shared-state synchronization.
//
// Events describe what the sync internals observed (stale reads, adopted values, ignored
// readings). They are for observability and tests only; no control flow reads them back.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind names a diagnostic event.
type Kind string

const (
	KindReadFallback     Kind = "read_fallback"
	KindWindApplied      Kind = "wind_applied"
	KindWindIgnored      Kind = "wind_ignored"
	KindWindShielded     Kind = "wind_shielded"
	KindLevelCrossed     Kind = "level_crossed"
	KindBlowAway         Kind = "blow_away"
	KindBlowAwaySkipped  Kind = "blow_away_skipped"
	KindBreakStarted     Kind = "break_started"
	KindBreakEnded       Kind = "break_ended"
	KindBreakViolated    Kind = "break_violated"
	KindTransitionNoop   Kind = "transition_noop"
	KindMidnightEnd      Kind = "midnight_end"
	KindDayReset         Kind = "day_reset"
	KindSessionStarted   Kind = "session_started"
	KindCounterReset     Kind = "counter_reset"
	KindStaleSession     Kind = "stale_session"
	KindForeignPet       Kind = "foreign_pet"
	KindReconcileAdopted Kind = "reconcile_adopted"
	KindBlownTodayForced Kind = "blown_today_override"
	KindWindRebuilt      Kind = "wind_rebuilt"
)

// Event is one diagnostic observation.
type Event struct {
	Kind   Kind
	PetID  string
	At     time.Time
	Fields map[string]any
}

// Sink receives diagnostic events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// SlogSink writes events at debug level.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s SlogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]slog.Attr, 0, len(e.Fields)+2)
	attrs = append(attrs, slog.String("diag", string(e.Kind)))
	if e.PetID != "" {
		attrs = append(attrs, slog.String("pet_id", e.PetID))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "sync diagnostic", attrs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Multi fans events out to several sinks.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}
