package core

import (
	"math"
	"time"
)

// WindUpdate is the outcome of applying one threshold reading to a WindState.
type WindUpdate struct {
	State     WindState
	Applied   bool
	Delta     int64
	Saturated bool
}

// windEpsilon absorbs float rounding so that usage exactly at the limit saturates.
const windEpsilon = 1e-9

// ClampWind bounds points to [0, MaxWind].
func ClampWind(points float64) float64 {
	if math.IsNaN(points) || points < 0 {
		return 0
	}
	if points > MaxWind {
		return MaxWind
	}
	return points
}

// AdvanceWind applies a logical cumulative usage reading. Readings that do not move past
// LastThresholdSeconds leave the state untouched.
func AdvanceWind(s WindState, newThresholdSeconds int64, rates RateConfig) WindUpdate {
	delta := newThresholdSeconds - s.LastThresholdSeconds
	if delta <= 0 {
		return WindUpdate{State: s, Saturated: s.Points >= MaxWind}
	}
	points := s.Points + float64(delta)*rates.RiseRatePerSecond
	if points >= MaxWind-windEpsilon {
		points = MaxWind
	}
	next := WindState{Points: points, LastThresholdSeconds: newThresholdSeconds}
	return WindUpdate{
		State:     next,
		Applied:   true,
		Delta:     delta,
		Saturated: next.Points >= MaxWind,
	}
}

// EffectiveWindPoints projects the decay of an active shield onto points without mutating them.
// A nil shieldActivatedAt means no break is running and points are returned unchanged.
func EffectiveWindPoints(points float64, shieldActivatedAt *time.Time, now time.Time, rates RateConfig) float64 {
	if shieldActivatedAt == nil {
		return points
	}
	elapsed := now.Sub(*shieldActivatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Max(0, points-elapsed*rates.FallRatePerSecond())
}

// LogicalCumulative rebuilds a day-continuous usage total from the raw counter of the
// current monitoring session and the total carried over from earlier sessions.
func LogicalCumulative(baseline, raw int64) int64 {
	if baseline < 0 {
		baseline = 0
	}
	if raw < 0 {
		raw = 0
	}
	return baseline + raw
}

// ReductionSeconds converts wind removed by a break into forgiven usage seconds.
func ReductionSeconds(windRemoved float64, rates RateConfig) int64 {
	if windRemoved <= 0 || rates.RiseRatePerSecond <= 0 {
		return 0
	}
	return int64(math.Round(windRemoved / rates.RiseRatePerSecond))
}

// AbsoluteWind derives wind from the day's usage totals alone:
// clamp((logical - reduction) * rise). It agrees with the incremental path as long as the
// pet started the day calm, and is used to repair unreadable persisted points.
func AbsoluteWind(logical, reduction int64, rates RateConfig) float64 {
	points := float64(logical-reduction) * rates.RiseRatePerSecond
	if points >= MaxWind-windEpsilon {
		return MaxWind
	}
	return ClampWind(points)
}

// WindLevel buckets wind for notifications.
type WindLevel int

const (
	LevelCalm WindLevel = iota
	LevelBreezy
	LevelWindy
	LevelStormy
	LevelBlown
)

func (l WindLevel) String() string {
	switch l {
	case LevelCalm:
		return "calm"
	case LevelBreezy:
		return "breezy"
	case LevelWindy:
		return "windy"
	case LevelStormy:
		return "stormy"
	case LevelBlown:
		return "blown"
	default:
		return "unknown"
	}
}

// LevelFor returns the bucket containing points.
func LevelFor(points float64) WindLevel {
	switch {
	case points >= MaxWind:
		return LevelBlown
	case points >= 80:
		return LevelStormy
	case points >= 50:
		return LevelWindy
	case points >= 20:
		return LevelBreezy
	default:
		return LevelCalm
	}
}
