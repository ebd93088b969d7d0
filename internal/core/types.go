package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxWind is the saturation point of a pet's wind. Reaching it blows the pet away.
const MaxWind = 100.0

// MaxPhase is the final evolution phase a pet can reach.
const MaxPhase = 4

// BreakKind identifies how strictly a break is enforced.
type BreakKind string

const (
	BreakFree      BreakKind = "free"
	BreakCommitted BreakKind = "committed"
	BreakHardcore  BreakKind = "hardcore"
)

// AllBreakKinds lists every kind the core understands. Game modes select a subset.
var AllBreakKinds = []BreakKind{BreakFree, BreakCommitted, BreakHardcore}

// ParseBreakKind converts a persisted or user-supplied string to a BreakKind.
func ParseBreakKind(s string) (BreakKind, error) {
	switch BreakKind(strings.ToLower(strings.TrimSpace(s))) {
	case BreakFree:
		return BreakFree, nil
	case BreakCommitted:
		return BreakCommitted, nil
	case BreakHardcore:
		return BreakHardcore, nil
	default:
		return "", fmt.Errorf("parse break kind: unknown kind %q", s)
	}
}

// Penalized reports whether violating a break of this kind blows the pet away.
func (k BreakKind) Penalized() bool {
	return k == BreakCommitted || k == BreakHardcore
}

// Preset names a built-in rate configuration.
type Preset string

const (
	PresetGentle   Preset = "gentle"
	PresetBalanced Preset = "balanced"
	PresetIntense  Preset = "intense"
	PresetCustom   Preset = "custom"
)

// RateConfig holds the wind rates of a pet. It is fixed when the pet is created.
type RateConfig struct {
	RiseRatePerSecond float64 `yaml:"rise_rate_per_second" json:"rise_rate_per_second"`
	FallRatePerMinute float64 `yaml:"fall_rate_per_minute" json:"fall_rate_per_minute"`
}

// NewRateConfig validates an explicit rate configuration.
func NewRateConfig(risePerSecond, fallPerMinute float64) (RateConfig, error) {
	if math.IsNaN(risePerSecond) || risePerSecond <= 0 {
		return RateConfig{}, fmt.Errorf("rate config: rise rate must be > 0")
	}
	if math.IsNaN(fallPerMinute) || fallPerMinute <= 0 {
		return RateConfig{}, fmt.Errorf("rate config: fall rate must be > 0")
	}
	return RateConfig{RiseRatePerSecond: risePerSecond, FallRatePerMinute: fallPerMinute}, nil
}

// PresetRates returns the rates of a named preset.
func PresetRates(p Preset) (RateConfig, error) {
	switch p {
	case PresetGentle:
		return RateConfig{RiseRatePerSecond: MaxWind / (30 * 60), FallRatePerMinute: 3}, nil
	case PresetBalanced:
		return RateConfig{RiseRatePerSecond: MaxWind / (15 * 60), FallRatePerMinute: 5}, nil
	case PresetIntense:
		return RateConfig{RiseRatePerSecond: MaxWind / (8 * 60), FallRatePerMinute: 10}, nil
	default:
		return RateConfig{}, fmt.Errorf("preset rates: unknown preset %q", p)
	}
}

// FallRatePerSecond is the per-second decay used by the time projection.
func (r RateConfig) FallRatePerSecond() float64 {
	return r.FallRatePerMinute / 60
}

// LimitSeconds is the amount of usage that takes a calm pet to MaxWind.
func (r RateConfig) LimitSeconds() int64 {
	if r.RiseRatePerSecond <= 0 {
		return 0
	}
	return int64(math.Ceil(MaxWind/r.RiseRatePerSecond - 1e-9))
}

// WindState is the pet's accumulated wind and the last logical usage total applied to it.
type WindState struct {
	Points               float64
	LastThresholdSeconds int64
}

// ActiveBreakSession is the single in-progress break of a pet. Its existence means the shield is up.
type ActiveBreakSession struct {
	ID              string
	Kind            BreakKind
	StartedAt       time.Time
	PlannedDuration *time.Duration
}

// CompletedBreakRecord is an append-only history entry for a finished or violated break.
type CompletedBreakRecord struct {
	ID            int64
	PetID         string
	SessionID     string
	Kind          BreakKind
	StartedAt     time.Time
	EndedAt       time.Time
	WindAtStart   float64
	WindDecreased float64
	WasViolated   bool
}

// EvolutionState is owned by the evolution collaborator. IsBlownAway never goes back to false.
type EvolutionState struct {
	CurrentPhase int
	IsBlownAway  bool
}

// Pet is the aggregate shared by both processes.
type Pet struct {
	ID        string
	Name      string
	Preset    Preset
	Rates     RateConfig
	Wind      WindState
	Evolution EvolutionState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MidnightResult describes a break that was closed by the day boundary.
type MidnightResult struct {
	Kind          BreakKind
	ActualMinutes int
	WindPoints    float64
	PetID         string
	Cutoff        time.Time
}
