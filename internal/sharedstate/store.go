// Package sharedstate defines the key/value contract shared by the foreground app and the
// background monitor.
//
// The two processes never talk to each other directly. Everything they agree on goes through
// a Store, which is durable, visible to both processes, and may serve stale values to a handle
// until that handle is flushed. Correctness comes from last-writer-wins per key plus
// monotonic and idempotent updates, never from locking.
package sharedstate

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by backends that cannot reach their storage.
var ErrUnavailable = errors.New("shared state unavailable")

// Store is the raw process-shared key/value store.
type Store interface {
	// Get returns the value for key and whether it exists. It may serve a cached value.
	Get(ctx context.Context, key Key) (string, bool, error)
	Set(ctx context.Context, key Key, value string) error
	Delete(ctx context.Context, key Key) error
	// Flush publishes this handle's writes and drops anything it cached, so the next Get
	// observes what the other process last wrote.
	Flush(ctx context.Context) error
}

// Mutation is one write in an ordered batch. A nil Value deletes the key.
type Mutation struct {
	Key   Key
	Value *string
}

// Batcher is implemented by backends that can apply several writes in one transaction.
// Callers still order batches so that every prefix is self-consistent.
type Batcher interface {
	Apply(ctx context.Context, muts []Mutation) error
}

// Key is a persisted key name. The names are part of the cross-process contract.
type Key string

const (
	KeyMonitoredPetID                Key = "monitoredPetId"
	KeyMonitoredWindPoints           Key = "monitoredWindPoints"
	KeyMonitoredLastThresholdSeconds Key = "monitoredLastThresholdSeconds"
	KeyMonitoredRiseRate             Key = "monitoredRiseRate"
	KeyMonitoredFallRate             Key = "monitoredFallRate"
	KeyMonitoringLimitSeconds        Key = "monitoringLimitSeconds"
	KeyCumulativeBaseline            Key = "cumulativeBaseline"
	KeyTotalBreakReduction           Key = "totalBreakReduction"
	KeyIsShieldActive                Key = "isShieldActive"
	KeyShieldActivatedAt             Key = "shieldActivatedAt"
	KeyBreakStartedAt                Key = "breakStartedAt"
	KeyCurrentBreakKind              Key = "currentBreakKind"

	KeyCurrentBreakID          Key = "currentBreakId"
	KeyBreakPlannedSeconds     Key = "breakPlannedSeconds"
	KeyLastKnownWindLevel      Key = "lastKnownWindLevel"
	KeyPresetLockedDay         Key = "presetLockedDay"
	KeyMorningShieldActive     Key = "morningShieldActive"
	KeyMonitoringSessionID     Key = "monitoringSessionId"
	KeyLastRawThresholdSeconds Key = "lastRawThresholdSeconds"
	KeyLastResetDay            Key = "lastResetDay"
	KeyBreakSettlement         Key = "breakSettlement"
)

// freshKeys must be read after a flush and flushed after every write.
var freshKeys = map[Key]bool{
	KeyIsShieldActive:                true,
	KeyMonitoredWindPoints:           true,
	KeyMonitoredLastThresholdSeconds: true,
	KeyCumulativeBaseline:            true,
	KeyTotalBreakReduction:           true,
}

// IsFresh reports whether key is covered by the fresh-read contract.
func IsFresh(key Key) bool {
	return freshKeys[key]
}

// AllKeys lists every key in the schema.
func AllKeys() []Key {
	return []Key{
		KeyMonitoredPetID, KeyMonitoredWindPoints, KeyMonitoredLastThresholdSeconds,
		KeyMonitoredRiseRate, KeyMonitoredFallRate, KeyMonitoringLimitSeconds,
		KeyCumulativeBaseline, KeyTotalBreakReduction, KeyIsShieldActive,
		KeyShieldActivatedAt, KeyBreakStartedAt, KeyCurrentBreakKind,
		KeyCurrentBreakID, KeyBreakPlannedSeconds, KeyLastKnownWindLevel,
		KeyPresetLockedDay, KeyMorningShieldActive, KeyMonitoringSessionID,
		KeyLastRawThresholdSeconds, KeyLastResetDay, KeyBreakSettlement,
	}
}
