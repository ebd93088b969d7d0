package sharedstate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
)

// Accessor is the typed view over a Store used by both processes.
//
// Fresh keys are flushed before every read and after every write. Reads never fail: a missing
// key, a backend error, or an undecodable value yields the documented default and a
// read_fallback diagnostic, because the UI must always be able to render something.
type Accessor struct {
	store Store
	sink  diag.Sink
	now   func() time.Time
}

// NewAccessor wraps store. A nil sink discards diagnostics.
func NewAccessor(store Store, sink diag.Sink) *Accessor {
	if sink == nil {
		sink = diag.Nop{}
	}
	return &Accessor{store: store, sink: sink, now: time.Now}
}

// Store returns the underlying backend.
func (a *Accessor) Store() Store { return a.store }

// Flush forces a synchronize of the underlying handle.
func (a *Accessor) Flush(ctx context.Context) error {
	if err := a.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush shared state: %w", err)
	}
	return nil
}

func (a *Accessor) fallback(ctx context.Context, key Key, reason string, err error) {
	fields := map[string]any{"key": string(key), "reason": reason}
	if err != nil {
		fields["error"] = err.Error()
	}
	a.sink.Emit(ctx, diag.Event{Kind: diag.KindReadFallback, At: a.now(), Fields: fields})
}

// raw reads key honouring the fresh-read contract. ok is false when the key is absent or the
// backend failed; failures are reported as diagnostics.
func (a *Accessor) raw(ctx context.Context, key Key) (string, bool) {
	if IsFresh(key) {
		if err := a.store.Flush(ctx); err != nil {
			a.fallback(ctx, key, "flush", err)
		}
	}
	v, ok, err := a.store.Get(ctx, key)
	if err != nil {
		a.fallback(ctx, key, "get", err)
		return "", false
	}
	return v, ok
}

func (a *Accessor) put(ctx context.Context, key Key, value string) error {
	if err := a.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if IsFresh(key) {
		if err := a.store.Flush(ctx); err != nil {
			return fmt.Errorf("set %s: flush: %w", key, err)
		}
	}
	return nil
}

func (a *Accessor) remove(ctx context.Context, key Key) error {
	if err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if IsFresh(key) {
		if err := a.store.Flush(ctx); err != nil {
			return fmt.Errorf("delete %s: flush: %w", key, err)
		}
	}
	return nil
}

// Float reads a float key, returning def on any failure.
func (a *Accessor) Float(ctx context.Context, key Key, def float64) float64 {
	v, ok := a.FloatOK(ctx, key)
	if !ok {
		return def
	}
	return v
}

// FloatOK reads a float key and reports whether a decodable value was present.
func (a *Accessor) FloatOK(ctx context.Context, key Key) (float64, bool) {
	s, ok := a.raw(ctx, key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		a.fallback(ctx, key, "decode", err)
		return 0, false
	}
	return v, true
}

// Int reads an integer key, returning def on any failure.
func (a *Accessor) Int(ctx context.Context, key Key, def int64) int64 {
	s, ok := a.raw(ctx, key)
	if !ok {
		return def
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		a.fallback(ctx, key, "decode", err)
		return def
	}
	return v
}

// Bool reads a boolean key, returning false on any failure.
func (a *Accessor) Bool(ctx context.Context, key Key) bool {
	s, ok := a.raw(ctx, key)
	if !ok {
		return false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		a.fallback(ctx, key, "decode", err)
		return false
	}
	return v
}

// Time reads a timestamp key, returning nil on any failure.
func (a *Accessor) Time(ctx context.Context, key Key) *time.Time {
	s, ok := a.raw(ctx, key)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		a.fallback(ctx, key, "decode", err)
		return nil
	}
	return &t
}

// String reads a string key.
func (a *Accessor) String(ctx context.Context, key Key) (string, bool) {
	s, ok := a.raw(ctx, key)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (a *Accessor) SetFloat(ctx context.Context, key Key, v float64) error {
	return a.put(ctx, key, strconv.FormatFloat(v, 'g', -1, 64))
}

func (a *Accessor) SetInt(ctx context.Context, key Key, v int64) error {
	return a.put(ctx, key, strconv.FormatInt(v, 10))
}

func (a *Accessor) SetBool(ctx context.Context, key Key, v bool) error {
	return a.put(ctx, key, strconv.FormatBool(v))
}

// SetTime writes a timestamp, or deletes the key when t is nil.
func (a *Accessor) SetTime(ctx context.Context, key Key, t *time.Time) error {
	if t == nil {
		return a.remove(ctx, key)
	}
	return a.put(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

// SetString writes a string, or deletes the key when v is empty.
func (a *Accessor) SetString(ctx context.Context, key Key, v string) error {
	if v == "" {
		return a.remove(ctx, key)
	}
	return a.put(ctx, key, v)
}

// WindPoints is the authoritative wind, 0 when unreadable.
func (a *Accessor) WindPoints(ctx context.Context) float64 {
	return core.ClampWind(a.Float(ctx, KeyMonitoredWindPoints, 0))
}

func (a *Accessor) SetWindPoints(ctx context.Context, points float64) error {
	return a.SetFloat(ctx, KeyMonitoredWindPoints, core.ClampWind(points))
}

// LastThresholdSeconds is the last logical usage total applied to wind.
func (a *Accessor) LastThresholdSeconds(ctx context.Context) int64 {
	return a.Int(ctx, KeyMonitoredLastThresholdSeconds, 0)
}

func (a *Accessor) SetLastThresholdSeconds(ctx context.Context, v int64) error {
	return a.SetInt(ctx, KeyMonitoredLastThresholdSeconds, v)
}

// SetWind commits a wind state. The threshold is written before the points: if the process
// dies in between, a replay of the same reading is a no-op and can only under-count.
func (a *Accessor) SetWind(ctx context.Context, s core.WindState) error {
	threshold := strconv.FormatInt(s.LastThresholdSeconds, 10)
	points := strconv.FormatFloat(core.ClampWind(s.Points), 'g', -1, 64)
	if b, ok := a.store.(Batcher); ok {
		err := b.Apply(ctx, []Mutation{
			{Key: KeyMonitoredLastThresholdSeconds, Value: &threshold},
			{Key: KeyMonitoredWindPoints, Value: &points},
		})
		if err != nil {
			return fmt.Errorf("set wind: %w", err)
		}
		return a.Flush(ctx)
	}
	if err := a.put(ctx, KeyMonitoredLastThresholdSeconds, threshold); err != nil {
		return err
	}
	return a.put(ctx, KeyMonitoredWindPoints, points)
}

// WindState reads points and the last threshold together.
func (a *Accessor) WindState(ctx context.Context) core.WindState {
	return core.WindState{
		Points:               a.WindPoints(ctx),
		LastThresholdSeconds: a.LastThresholdSeconds(ctx),
	}
}

func (a *Accessor) Baseline(ctx context.Context) int64 {
	return a.Int(ctx, KeyCumulativeBaseline, 0)
}

func (a *Accessor) SetBaseline(ctx context.Context, v int64) error {
	return a.SetInt(ctx, KeyCumulativeBaseline, v)
}

func (a *Accessor) BreakReduction(ctx context.Context) int64 {
	return a.Int(ctx, KeyTotalBreakReduction, 0)
}

func (a *Accessor) SetBreakReduction(ctx context.Context, v int64) error {
	return a.SetInt(ctx, KeyTotalBreakReduction, v)
}

// ShieldActive reports the shield flag, false when unreadable.
func (a *Accessor) ShieldActive(ctx context.Context) bool {
	return a.Bool(ctx, KeyIsShieldActive)
}

func (a *Accessor) MonitoredPetID(ctx context.Context) string {
	id, _ := a.String(ctx, KeyMonitoredPetID)
	return id
}

// Rates returns the rates published by the monitor. ok is false if either is missing.
func (a *Accessor) Rates(ctx context.Context) (core.RateConfig, bool) {
	rise, okRise := a.FloatOK(ctx, KeyMonitoredRiseRate)
	fall, okFall := a.FloatOK(ctx, KeyMonitoredFallRate)
	if !okRise || !okFall {
		return core.RateConfig{}, false
	}
	r, err := core.NewRateConfig(rise, fall)
	if err != nil {
		a.fallback(ctx, KeyMonitoredRiseRate, "decode", err)
		return core.RateConfig{}, false
	}
	return r, true
}

// SetMonitoring publishes the monitored pet and its rates.
func (a *Accessor) SetMonitoring(ctx context.Context, petID string, rates core.RateConfig) error {
	if err := a.SetFloat(ctx, KeyMonitoredRiseRate, rates.RiseRatePerSecond); err != nil {
		return err
	}
	if err := a.SetFloat(ctx, KeyMonitoredFallRate, rates.FallRatePerMinute); err != nil {
		return err
	}
	if err := a.SetInt(ctx, KeyMonitoringLimitSeconds, rates.LimitSeconds()); err != nil {
		return err
	}
	if err := a.SetString(ctx, KeyMonitoredPetID, petID); err != nil {
		return err
	}
	return a.Flush(ctx)
}

// ActiveBreak returns the in-progress break, or nil. A break is reported only when the shield
// flag, the kind, and the start time are all present, so a half-written start or clear reads
// as no break.
func (a *Accessor) ActiveBreak(ctx context.Context) *core.ActiveBreakSession {
	if !a.ShieldActive(ctx) {
		return nil
	}
	kindStr, ok := a.String(ctx, KeyCurrentBreakKind)
	if !ok {
		return nil
	}
	kind, err := core.ParseBreakKind(kindStr)
	if err != nil {
		a.fallback(ctx, KeyCurrentBreakKind, "decode", err)
		return nil
	}
	started := a.Time(ctx, KeyBreakStartedAt)
	if started == nil {
		return nil
	}
	id, _ := a.String(ctx, KeyCurrentBreakID)
	session := &core.ActiveBreakSession{ID: id, Kind: kind, StartedAt: *started}
	if secs := a.Int(ctx, KeyBreakPlannedSeconds, 0); secs > 0 {
		d := time.Duration(secs) * time.Second
		session.PlannedDuration = &d
	}
	return session
}

// ShieldActivatedAt is when the current shield went up, nil without an active break.
func (a *Accessor) ShieldActivatedAt(ctx context.Context) *time.Time {
	if a.ActiveBreak(ctx) == nil {
		return nil
	}
	return a.Time(ctx, KeyShieldActivatedAt)
}

// SetActiveBreak is the only writer of the break keys. It keeps
// isShieldActive == (currentBreakKind != nil): starting writes timestamps, then the kind, then
// the flag; clearing lowers the flag first and removes the rest afterwards.
func (a *Accessor) SetActiveBreak(ctx context.Context, session *core.ActiveBreakSession) error {
	muts := breakMutations(session)
	if b, ok := a.store.(Batcher); ok {
		if err := b.Apply(ctx, muts); err != nil {
			return fmt.Errorf("set active break: %w", err)
		}
		return a.Flush(ctx)
	}
	for _, m := range muts {
		var err error
		if m.Value == nil {
			err = a.store.Delete(ctx, m.Key)
		} else {
			err = a.store.Set(ctx, m.Key, *m.Value)
		}
		if err != nil {
			return fmt.Errorf("set active break: %s: %w", m.Key, err)
		}
	}
	return a.Flush(ctx)
}

func breakMutations(session *core.ActiveBreakSession) []Mutation {
	val := func(s string) *string { return &s }
	if session == nil {
		return []Mutation{
			{Key: KeyIsShieldActive, Value: val("false")},
			{Key: KeyCurrentBreakKind},
			{Key: KeyCurrentBreakID},
			{Key: KeyBreakPlannedSeconds},
			{Key: KeyBreakStartedAt},
			{Key: KeyShieldActivatedAt},
		}
	}
	started := session.StartedAt.UTC().Format(time.RFC3339Nano)
	planned := Mutation{Key: KeyBreakPlannedSeconds}
	if session.PlannedDuration != nil {
		planned.Value = val(strconv.FormatInt(int64(session.PlannedDuration.Seconds()), 10))
	}
	id := Mutation{Key: KeyCurrentBreakID}
	if session.ID != "" {
		id.Value = val(session.ID)
	}
	return []Mutation{
		{Key: KeyShieldActivatedAt, Value: val(started)},
		{Key: KeyBreakStartedAt, Value: val(started)},
		planned,
		id,
		{Key: KeyCurrentBreakKind, Value: val(string(session.Kind))},
		{Key: KeyIsShieldActive, Value: val("true")},
	}
}
