package natskv

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/divijg19/breeze/internal/core"
)

type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// ResultMessage is the payload published for break and day-boundary results.
type ResultMessage struct {
	Type          string    `json:"type"`
	PetID         string    `json:"pet_id"`
	Kind          string    `json:"kind"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
	ActualMinutes int       `json:"actual_minutes,omitempty"`
	WindPoints    float64   `json:"wind_points"`
	WindDecreased float64   `json:"wind_decreased,omitempty"`
	Violated      bool      `json:"violated,omitempty"`
}

// Publisher forwards results to a NATS subject so a rewards service can consume them.
type Publisher struct {
	conn    natsPublisher
	subject string
}

// NewPublisher returns a Publisher writing to subject. Results go to "<subject>.break" and
// "<subject>.midnight".
func NewPublisher(conn natsPublisher, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

func (p *Publisher) publish(suffix string, msg ResultMessage) error {
	if p == nil || p.conn == nil {
		return fmt.Errorf("publish result: publisher is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("publish result: marshal: %w", err)
	}
	if err := p.conn.Publish(p.subject+"."+suffix, data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// BreakCompleted implements engine.ResultSink.
func (p *Publisher) BreakCompleted(_ context.Context, petID string, rec core.CompletedBreakRecord) error {
	points := math.Max(0, rec.WindAtStart-rec.WindDecreased)
	if rec.WasViolated && rec.Kind.Penalized() {
		points = core.MaxWind
	}
	return p.publish("break", ResultMessage{
		Type:          "break",
		PetID:         petID,
		Kind:          string(rec.Kind),
		StartedAt:     rec.StartedAt.UTC(),
		EndedAt:       rec.EndedAt.UTC(),
		WindPoints:    points,
		WindDecreased: rec.WindDecreased,
		Violated:      rec.WasViolated,
	})
}

// MidnightEnded implements engine.ResultSink.
func (p *Publisher) MidnightEnded(_ context.Context, res core.MidnightResult) error {
	return p.publish("midnight", ResultMessage{
		Type:          "midnight",
		PetID:         res.PetID,
		Kind:          string(res.Kind),
		EndedAt:       res.Cutoff.UTC(),
		ActualMinutes: res.ActualMinutes,
		WindPoints:    res.WindPoints,
	})
}
