// Package natskv keeps the shared state in a NATS JetStream key/value bucket, for setups where
// the monitor and the app do not share a filesystem.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/sharedstate"
)

// bucket is the slice of jetstream.KeyValue the store needs.
type bucket interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, key string) error
}

type flusher interface {
	FlushTimeout(timeout time.Duration) error
}

type jsBucket struct {
	kv jetstream.KeyValue
}

func (b jsBucket) get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (b jsBucket) put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b jsBucket) del(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

type cachedValue struct {
	value string
	ok    bool
}

// Store implements sharedstate.Store on a JetStream KV bucket. Reads are served from an LRU
// cache until Flush, matching the staleness a local handle would show.
type Store struct {
	b       bucket
	conn    flusher
	timeout time.Duration

	mu    sync.Mutex
	cache *lru.Cache[sharedstate.Key, cachedValue]
	kv    jetstream.KeyValue
}

// Options configures Connect.
type Options struct {
	URL       string
	Bucket    string
	Timeout   time.Duration
	CacheSize int
}

// Connect dials NATS and opens (or creates) the bucket. The returned connection is owned by
// the caller.
func Connect(ctx context.Context, opts Options) (*Store, *nats.Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	conn, err := nats.Connect(opts.URL, nats.Name("breeze"), nats.Timeout(opts.Timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("connect nats: jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, opts.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      opts.Bucket,
			Description: "breeze shared state",
			History:     1,
		})
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("connect nats: create bucket %s: %w", opts.Bucket, err)
		}
		slog.Info("Created shared state bucket", logfields.Backend("nats"), slog.String("bucket", opts.Bucket))
	}

	st, err := newStore(jsBucket{kv: kv}, conn, opts.Timeout, opts.CacheSize)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	st.kv = kv
	return st, conn, nil
}

func newStore(b bucket, conn flusher, timeout time.Duration, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := lru.New[sharedstate.Key, cachedValue](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("new nats store: cache: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Store{b: b, conn: conn, timeout: timeout, cache: cache}, nil
}

// Get implements sharedstate.Store.
func (s *Store) Get(ctx context.Context, key sharedstate.Key) (string, bool, error) {
	if v, ok := s.cache.Get(key); ok {
		return v.value, v.ok, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, ok, err := s.b.get(ctx, string(key))
	if err != nil {
		return "", false, fmt.Errorf("nats get %s: %w: %w", key, sharedstate.ErrUnavailable, err)
	}
	s.cache.Add(key, cachedValue{value: string(raw), ok: ok})
	return string(raw), ok, nil
}

// Set implements sharedstate.Store.
func (s *Store) Set(ctx context.Context, key sharedstate.Key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.b.put(ctx, string(key), []byte(value)); err != nil {
		return fmt.Errorf("nats put %s: %w: %w", key, sharedstate.ErrUnavailable, err)
	}
	s.cache.Add(key, cachedValue{value: value, ok: true})
	return nil
}

// Delete implements sharedstate.Store.
func (s *Store) Delete(ctx context.Context, key sharedstate.Key) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.b.del(ctx, string(key)); err != nil {
		return fmt.Errorf("nats delete %s: %w: %w", key, sharedstate.ErrUnavailable, err)
	}
	s.cache.Add(key, cachedValue{})
	return nil
}

// Flush waits for the server to acknowledge everything sent and drops the read cache.
func (s *Store) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	if s.conn == nil {
		return nil
	}
	if err := s.conn.FlushTimeout(s.timeout); err != nil {
		return fmt.Errorf("nats flush: %w: %w", sharedstate.ErrUnavailable, err)
	}
	return nil
}

// Watch calls onChange whenever another writer updates the bucket, until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(key string)) error {
	if s.kv == nil {
		return fmt.Errorf("nats watch: store is not connected")
	}
	w, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("nats watch: %w", err)
	}
	defer func() {
		_ = w.Stop()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-w.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				continue
			}
			onChange(entry.Key())
		}
	}
}
