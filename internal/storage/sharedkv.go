package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/divijg19/breeze/internal/sharedstate"
)

// DefaultSharedCacheSize bounds the per-process read cache of SharedKV.
const DefaultSharedCacheSize = 64

type cachedValue struct {
	value   string
	present bool
}

// SharedKV implements sharedstate.Store on the app_state table. Each process opens its own
// SharedKV over the same database file. Reads are cached per process until Flush, which is what
// makes the fresh-read contract necessary.
type SharedKV struct {
	db    *sql.DB
	cache *lru.Cache[sharedstate.Key, cachedValue]
	clock clockwork.Clock
}

var (
	_ sharedstate.Store   = (*SharedKV)(nil)
	_ sharedstate.Batcher = (*SharedKV)(nil)
)

// NewSharedKV returns a shared store over db. cacheSize <= 0 uses DefaultSharedCacheSize.
func NewSharedKV(db *sql.DB, cacheSize int, clock clockwork.Clock) (*SharedKV, error) {
	if db == nil {
		return nil, fmt.Errorf("shared kv: db is nil")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultSharedCacheSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cache, err := lru.New[sharedstate.Key, cachedValue](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("shared kv: cache: %w", err)
	}
	return &SharedKV{db: db, cache: cache, clock: clock}, nil
}

// Get implements sharedstate.Store.
func (s *SharedKV) Get(ctx context.Context, key sharedstate.Key) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("get app_state: %w", sharedstate.ErrUnavailable)
	}
	if v, ok := s.cache.Get(key); ok {
		return v.value, v.present, nil
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, string(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cache.Add(key, cachedValue{})
			return "", false, nil
		}
		return "", false, fmt.Errorf("get app_state: %w", err)
	}
	s.cache.Add(key, cachedValue{value: value, present: true})
	return value, true, nil
}

// Set implements sharedstate.Store.
func (s *SharedKV) Set(ctx context.Context, key sharedstate.Key, value string) error {
	return s.Apply(ctx, []sharedstate.Mutation{{Key: key, Value: &value}})
}

// Delete implements sharedstate.Store.
func (s *SharedKV) Delete(ctx context.Context, key sharedstate.Key) error {
	return s.Apply(ctx, []sharedstate.Mutation{{Key: key}})
}

// Apply writes muts in order inside one transaction.
func (s *SharedKV) Apply(ctx context.Context, muts []sharedstate.Mutation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("set app_state: %w", sharedstate.ErrUnavailable)
	}
	if len(muts) == 0 {
		return nil
	}
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set app_state: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range muts {
		if strings.TrimSpace(string(m.Key)) == "" {
			return fmt.Errorf("set app_state: empty key")
		}
		if m.Value == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, string(m.Key))
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO app_state(key, value, updated_at)
				 VALUES (?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				string(m.Key), *m.Value, now)
		}
		if err != nil {
			return fmt.Errorf("set app_state: %s: %w", m.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set app_state: commit: %w", err)
	}

	for _, m := range muts {
		if m.Value == nil {
			s.cache.Add(m.Key, cachedValue{})
		} else {
			s.cache.Add(m.Key, cachedValue{value: *m.Value, present: true})
		}
	}
	return nil
}

// Flush drops the read cache and checkpoints the WAL so other connections see a compact file.
func (s *SharedKV) Flush(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("flush app_state: %w", sharedstate.ErrUnavailable)
	}
	s.cache.Purge()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE);`); err != nil {
		return fmt.Errorf("flush app_state: checkpoint: %w", err)
	}
	return nil
}

// Dump returns every stored key, bypassing the cache.
func (s *SharedKV) Dump(ctx context.Context) (map[sharedstate.Key]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("dump app_state: %w", sharedstate.ErrUnavailable)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("dump app_state: query: %w", err)
	}
	defer rows.Close()
	out := make(map[sharedstate.Key]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("dump app_state: scan: %w", err)
		}
		out[sharedstate.Key(k)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dump app_state: rows: %w", err)
	}
	return out, nil
}
