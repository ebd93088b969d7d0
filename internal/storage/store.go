package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/divijg19/breeze/internal/core"
)

// ErrNotFound is returned when a pet does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for pets and their history.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
	days  core.DayClock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithDayClock sets how instants map to logical days for the blow-away log.
func WithDayClock(d core.DayClock) Option {
	return func(s *Store) { s.days = d }
}

// New returns a Store bound to an existing database handle.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	s := &Store{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) check(op string) error {
	if s == nil {
		return fmt.Errorf("%s: store is nil", op)
	}
	if s.db == nil {
		return fmt.Errorf("%s: db is nil", op)
	}
	return nil
}

func (s *Store) nowString() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// CreatePet inserts a calm pet and returns it.
func (s *Store) CreatePet(ctx context.Context, name string, preset core.Preset, rates core.RateConfig) (core.Pet, error) {
	if err := s.check("create pet"); err != nil {
		return core.Pet{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Pet{}, fmt.Errorf("create pet: name is empty")
	}
	if _, err := core.NewRateConfig(rates.RiseRatePerSecond, rates.FallRatePerMinute); err != nil {
		return core.Pet{}, fmt.Errorf("create pet: %w", err)
	}

	now := s.clock.Now().UTC()
	pet := core.Pet{
		ID:        uuid.NewString(),
		Name:      name,
		Preset:    preset,
		Rates:     rates,
		CreatedAt: now,
		UpdatedAt: now,
	}
	nowStr := now.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pets (id, name, preset, rise_rate, fall_rate, wind_points, last_threshold_seconds, current_phase, blown_away, blown_away_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, NULL, ?, ?)`,
		pet.ID, pet.Name, string(preset), rates.RiseRatePerSecond, rates.FallRatePerMinute, nowStr, nowStr)
	if err != nil {
		return core.Pet{}, fmt.Errorf("create pet: insert: %w", err)
	}
	return pet, nil
}

const petColumns = `id, name, preset, rise_rate, fall_rate, wind_points, last_threshold_seconds, current_phase, blown_away, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPet(row rowScanner) (core.Pet, error) {
	var pet core.Pet
	var preset, createdAtStr, updatedAtStr string
	var blown int
	err := row.Scan(&pet.ID, &pet.Name, &preset, &pet.Rates.RiseRatePerSecond, &pet.Rates.FallRatePerMinute,
		&pet.Wind.Points, &pet.Wind.LastThresholdSeconds, &pet.Evolution.CurrentPhase, &blown, &createdAtStr, &updatedAtStr)
	if err != nil {
		return core.Pet{}, err
	}
	pet.Preset = core.Preset(preset)
	pet.Evolution.IsBlownAway = blown != 0
	pet.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return core.Pet{}, fmt.Errorf("parse created_at: %w", err)
	}
	pet.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return core.Pet{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return pet, nil
}

// GetPet returns a pet by ID.
func (s *Store) GetPet(ctx context.Context, id string) (core.Pet, error) {
	if err := s.check("get pet"); err != nil {
		return core.Pet{}, err
	}
	if strings.TrimSpace(id) == "" {
		return core.Pet{}, fmt.Errorf("get pet: invalid pet ID")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+petColumns+` FROM pets WHERE id = ?`, id)
	pet, err := scanPet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Pet{}, fmt.Errorf("get pet: %w", ErrNotFound)
		}
		return core.Pet{}, fmt.Errorf("get pet: scan: %w", err)
	}
	return pet, nil
}

// ListPets returns all pets, newest first.
func (s *Store) ListPets(ctx context.Context) ([]core.Pet, error) {
	if err := s.check("list pets"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+petColumns+` FROM pets ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pets: query: %w", err)
	}
	defer rows.Close()

	pets := make([]core.Pet, 0)
	for rows.Next() {
		pet, err := scanPet(rows)
		if err != nil {
			return nil, fmt.Errorf("list pets: scan: %w", err)
		}
		pets = append(pets, pet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pets: rows: %w", err)
	}
	return pets, nil
}

// SaveWind persists the foreground's cached copy of a pet's wind.
func (s *Store) SaveWind(ctx context.Context, id string, wind core.WindState) error {
	if err := s.check("save wind"); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pets SET wind_points = ?, last_threshold_seconds = ?, updated_at = ? WHERE id = ?`,
		core.ClampWind(wind.Points), wind.LastThresholdSeconds, s.nowString(), id)
	if err != nil {
		return fmt.Errorf("save wind: update: %w", err)
	}
	return requireOneRow(res, "save wind")
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// IsBlownAway reports the terminal evolution flag of a pet.
func (s *Store) IsBlownAway(ctx context.Context, petID string) (bool, error) {
	if err := s.check("is blown away"); err != nil {
		return false, err
	}
	var blown int
	err := s.db.QueryRowContext(ctx, `SELECT blown_away FROM pets WHERE id = ?`, petID).Scan(&blown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("is blown away: %w", ErrNotFound)
		}
		return false, fmt.Errorf("is blown away: scan: %w", err)
	}
	return blown != 0, nil
}

// OnBlowAway archives a pet as blown away and logs it for the current logical day.
// Calling it again for the same pet changes nothing.
func (s *Store) OnBlowAway(ctx context.Context, petID string, windPoints float64) error {
	if err := s.check("blow away"); err != nil {
		return err
	}
	now := s.clock.Now()
	nowStr := now.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blow away: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE pets SET blown_away = 1, blown_away_at = ?, wind_points = ?, updated_at = ? WHERE id = ? AND blown_away = 0`,
		nowStr, core.ClampWind(windPoints), nowStr, petID)
	if err != nil {
		return fmt.Errorf("blow away: update pet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("blow away: rows affected: %w", err)
	}
	if n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blow_log (pet_id, day, wind_points, at) VALUES (?, ?, ?, ?) ON CONFLICT(pet_id, day) DO NOTHING`,
		petID, s.days.Day(now), windPoints, nowStr)
	if err != nil {
		return fmt.Errorf("blow away: insert log: %w", err)
	}
	if err := appendEventTx(ctx, tx, petID, "blown_away", map[string]any{"wind_points": windPoints}, nowStr); err != nil {
		return fmt.Errorf("blow away: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("blow away: commit: %w", err)
	}
	return nil
}

// BlownAwayOn reports whether the blow-away log has an entry for petID on day.
func (s *Store) BlownAwayOn(ctx context.Context, petID, day string) (bool, error) {
	if err := s.check("blown away on"); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blow_log WHERE pet_id = ? AND day = ?`, petID, day).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("blown away on: query: %w", err)
	}
	return n > 0, nil
}

// Evolve advances a pet by one phase. The caller applies the wind gating; the store refuses
// blown-away pets and pets at the last phase.
func (s *Store) Evolve(ctx context.Context, petID string) (int, error) {
	if err := s.check("evolve"); err != nil {
		return 0, err
	}
	nowStr := s.nowString()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pets SET current_phase = current_phase + 1, updated_at = ? WHERE id = ? AND blown_away = 0 AND current_phase < ?`,
		nowStr, petID, core.MaxPhase)
	if err != nil {
		return 0, fmt.Errorf("evolve: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evolve: rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("evolve: pet cannot evolve")
	}
	var phase int
	if err := s.db.QueryRowContext(ctx, `SELECT current_phase FROM pets WHERE id = ?`, petID).Scan(&phase); err != nil {
		return 0, fmt.Errorf("evolve: read phase: %w", err)
	}
	if err := s.AppendEvent(ctx, petID, "evolved", map[string]any{"phase": phase}); err != nil {
		return phase, err
	}
	return phase, nil
}

// AppendBreak appends an immutable break record. Records are keyed by break session, so
// replaying a terminal transition does not duplicate history.
func (s *Store) AppendBreak(ctx context.Context, petID string, rec core.CompletedBreakRecord) error {
	if err := s.check("append break"); err != nil {
		return err
	}
	if strings.TrimSpace(petID) == "" {
		return fmt.Errorf("append break: invalid pet ID")
	}
	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	violated := 0
	if rec.WasViolated {
		violated = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO break_records (pet_id, session_id, kind, started_at, ended_at, wind_at_start, wind_decreased, was_violated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		petID, sessionID, string(rec.Kind),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.EndedAt.UTC().Format(time.RFC3339Nano),
		rec.WindAtStart, rec.WindDecreased, violated)
	if err != nil {
		return fmt.Errorf("append break: insert: %w", err)
	}
	return nil
}

// ListBreaks returns the most recent break records for a pet, newest first.
func (s *Store) ListBreaks(ctx context.Context, petID string, limit int) ([]core.CompletedBreakRecord, error) {
	if err := s.check("list breaks"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("list breaks: limit must be > 0")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pet_id, session_id, kind, started_at, ended_at, wind_at_start, wind_decreased, was_violated
		 FROM break_records
		 WHERE pet_id = ?
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`, petID, limit)
	if err != nil {
		return nil, fmt.Errorf("list breaks: query: %w", err)
	}
	defer rows.Close()

	records := make([]core.CompletedBreakRecord, 0, limit)
	for rows.Next() {
		var rec core.CompletedBreakRecord
		var kind, startedStr, endedStr string
		var violated int
		if err := rows.Scan(&rec.ID, &rec.PetID, &rec.SessionID, &kind, &startedStr, &endedStr, &rec.WindAtStart, &rec.WindDecreased, &violated); err != nil {
			return nil, fmt.Errorf("list breaks: scan: %w", err)
		}
		rec.Kind = core.BreakKind(kind)
		rec.WasViolated = violated != 0
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedStr); err != nil {
			return nil, fmt.Errorf("list breaks: parse started_at: %w", err)
		}
		if rec.EndedAt, err = time.Parse(time.RFC3339Nano, endedStr); err != nil {
			return nil, fmt.Errorf("list breaks: parse ended_at: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list breaks: rows: %w", err)
	}
	return records, nil
}

// Event is one entry of a pet's activity log.
type Event struct {
	ID      int64
	PetID   string
	Kind    string
	At      time.Time
	Payload string
}

// AppendEvent appends an immutable event row for a pet. payload is stored as JSON.
func (s *Store) AppendEvent(ctx context.Context, petID, kind string, payload any) error {
	if err := s.check("append event"); err != nil {
		return err
	}
	if kind == "" {
		return fmt.Errorf("append event: kind is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := appendEventTx(ctx, tx, petID, kind, payload, s.nowString()); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event: commit: %w", err)
	}
	return nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, petID, kind string, payload any, at string) error {
	var payloadValue any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadValue = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO events (pet_id, kind, at, payload) VALUES (?, ?, ?, ?)`, petID, kind, at, payloadValue)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a pet's events in order.
func (s *Store) ListEvents(ctx context.Context, petID string) ([]Event, error) {
	if err := s.check("list events"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pet_id, kind, at, payload FROM events WHERE pet_id = ? ORDER BY at ASC, id ASC`, petID)
	if err != nil {
		return nil, fmt.Errorf("list events: query: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var atStr string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.PetID, &e.Kind, &atStr, &payload); err != nil {
			return nil, fmt.Errorf("list events: scan: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, atStr); err != nil {
			return nil, fmt.Errorf("list events: parse at: %w", err)
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: rows: %w", err)
	}
	return events, nil
}

// BreakCompleted records a finished or violated break for the rewards side.
func (s *Store) BreakCompleted(ctx context.Context, petID string, rec core.CompletedBreakRecord) error {
	kind := "break_completed"
	if rec.WasViolated {
		kind = "break_violated"
	}
	return s.AppendEvent(ctx, petID, kind, map[string]any{
		"kind":           rec.Kind,
		"session_id":     rec.SessionID,
		"started_at":     rec.StartedAt.UTC().Format(time.RFC3339Nano),
		"ended_at":       rec.EndedAt.UTC().Format(time.RFC3339Nano),
		"minutes":        core.MidnightMinutes(rec.StartedAt, rec.EndedAt),
		"wind_at_start":  rec.WindAtStart,
		"wind_decreased": rec.WindDecreased,
	})
}

// MidnightEnded records a break closed by the day boundary.
func (s *Store) MidnightEnded(ctx context.Context, res core.MidnightResult) error {
	return s.AppendEvent(ctx, res.PetID, "break_midnight_end", map[string]any{
		"kind":           res.Kind,
		"actual_minutes": res.ActualMinutes,
		"wind_points":    res.WindPoints,
		"cutoff":         res.Cutoff.UTC().Format(time.RFC3339Nano),
	})
}
