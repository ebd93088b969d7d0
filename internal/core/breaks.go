package core

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrBreakActive is returned when a break is started while another one is running.
	ErrBreakActive = errors.New("a break is already active")
	// ErrInvalidDuration is returned for a non-positive planned duration.
	ErrInvalidDuration = errors.New("planned duration must be > 0")
)

// BreakOutcome is the result of a terminal break transition.
type BreakOutcome struct {
	Record CompletedBreakRecord
	Wind   WindState
	// Removed is the wind actually taken off points, which is at most the points available.
	Removed  float64
	BlowAway bool
}

// StartBreak opens a session. active must be nil: a pet has at most one break at a time.
func StartBreak(active *ActiveBreakSession, id string, kind BreakKind, planned *time.Duration, now time.Time) (ActiveBreakSession, error) {
	if active != nil {
		return ActiveBreakSession{}, ErrBreakActive
	}
	if _, err := ParseBreakKind(string(kind)); err != nil {
		return ActiveBreakSession{}, err
	}
	if planned != nil && *planned <= 0 {
		return ActiveBreakSession{}, ErrInvalidDuration
	}
	var plannedCopy *time.Duration
	if planned != nil {
		d := *planned
		plannedCopy = &d
	}
	return ActiveBreakSession{ID: id, Kind: kind, StartedAt: now, PlannedDuration: plannedCopy}, nil
}

// ElapsedMinutes is the fractional number of minutes since start, never negative.
func ElapsedMinutes(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Minutes()
}

// EndBreak completes a break successfully. Wind falls by elapsedMinutes * fallRatePerMinute.
func EndBreak(session ActiveBreakSession, wind WindState, rates RateConfig, now time.Time) BreakOutcome {
	decreased := ElapsedMinutes(session.StartedAt, now) * rates.FallRatePerMinute
	next := wind
	next.Points = math.Max(wind.Points-decreased, 0)
	return BreakOutcome{
		Record: CompletedBreakRecord{
			SessionID:     session.ID,
			Kind:          session.Kind,
			StartedAt:     session.StartedAt,
			EndedAt:       now,
			WindAtStart:   wind.Points,
			WindDecreased: decreased,
		},
		Wind:    next,
		Removed: wind.Points - next.Points,
	}
}

// FailBreak records a violation. Penalized kinds force wind to MaxWind and blow the pet away;
// a free break leaves wind untouched.
func FailBreak(session ActiveBreakSession, wind WindState, now time.Time) BreakOutcome {
	next := wind
	blow := false
	if session.Kind.Penalized() {
		next.Points = MaxWind
		blow = true
	}
	return BreakOutcome{
		Record: CompletedBreakRecord{
			SessionID:   session.ID,
			Kind:        session.Kind,
			StartedAt:   session.StartedAt,
			EndedAt:     now,
			WindAtStart: wind.Points,
			WasViolated: true,
		},
		Wind:     next,
		BlowAway: blow,
	}
}

// MidnightMinutes rounds the break length at the cutoff to whole minutes.
func MidnightMinutes(startedAt, cutoff time.Time) int {
	secs := cutoff.Sub(startedAt).Seconds()
	if secs < 0 {
		secs = 0
	}
	return int(math.Round(secs / 60))
}

// PlannedEnd returns when a timed break is due to finish, or nil for an open-ended break.
func (s ActiveBreakSession) PlannedEnd() *time.Time {
	if s.PlannedDuration == nil {
		return nil
	}
	end := s.StartedAt.Add(*s.PlannedDuration)
	return &end
}
