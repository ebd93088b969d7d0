// Package watch tells the foreground when the monitor has changed the shared state, so the
// cached pet can be reconciled without polling.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/sharedstate"
)

// Func is called once per burst of changes.
type Func func(ctx context.Context) error

// Options tunes a watcher.
type Options struct {
	Debounce time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// debouncer collapses a burst of triggers into one call, wait after the last trigger.
type debouncer struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	wait    time.Duration
	timer   clockwork.Timer
	fire    func()
	stopped bool
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.wait, d.fire)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}

func newDebouncer(ctx context.Context, opts Options, what string, fn Func) *debouncer {
	return &debouncer{
		clock: opts.Clock,
		wait:  opts.Debounce,
		fire: func() {
			if ctx.Err() != nil {
				return
			}
			if err := fn(ctx); err != nil {
				opts.Logger.Error("Change handler failed", slog.String("source", what), logfields.Error(err))
			}
		},
	}
}

// FileWatcher watches a SQLite database and its journal files.
type FileWatcher struct {
	dbPath  string
	names   map[string]bool
	watcher *fsnotify.Watcher
	opts    Options

	mu       sync.Mutex
	stopChan chan struct{}
	deb      *debouncer
}

// NewFileWatcher creates a watcher for the database at dbPath.
func NewFileWatcher(dbPath string, opts Options) (*FileWatcher, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	base := filepath.Base(abs)
	return &FileWatcher{
		dbPath:  abs,
		names:   map[string]bool{base: true, base + "-wal": true, base + "-shm": true, base + "-journal": true},
		watcher: w,
		opts:    opts.withDefaults(),
	}, nil
}

// Start begins watching. fn runs after each debounced burst of writes until Stop or ctx ends.
func (fw *FileWatcher) Start(ctx context.Context, fn Func) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	// The directory survives the WAL files being recreated, the files themselves do not.
	dir := filepath.Dir(fw.dbPath)
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", dir, err)
	}
	fw.stopChan = make(chan struct{})
	fw.deb = newDebouncer(ctx, fw.opts, "sqlite", fn)
	fw.opts.Logger.Info("Watching shared state", logfields.Backend("sqlite"), slog.String("path", fw.dbPath))
	go fw.watchLoop(ctx, fw.stopChan, fw.deb)
	return nil
}

// Stop stops watching and closes the underlying watcher.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopChan != nil {
		close(fw.stopChan)
		fw.stopChan = nil
	}
	if fw.deb != nil {
		fw.deb.stop()
	}
	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop(ctx context.Context, stop <-chan struct{}, deb *debouncer) {
	for {
		select {
		case <-ctx.Done():
			deb.stop()
			return
		case <-stop:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.names[filepath.Base(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				fw.opts.Logger.Debug("Shared state file changed", slog.String("file", event.Name), slog.String("op", event.Op.String()))
				deb.trigger()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.opts.Logger.Error("File watcher error", logfields.Error(err))
		}
	}
}

// KeySource reports keys written by another process, as natskv.Store does.
type KeySource interface {
	Watch(ctx context.Context, onChange func(key string)) error
}

// WatchKeys runs fn, debounced, whenever src reports a change to a shared-state key. Keys
// outside the schema are ignored. It blocks until ctx is done.
func WatchKeys(ctx context.Context, src KeySource, opts Options, fn Func) error {
	opts = opts.withDefaults()
	known := make(map[string]bool)
	for _, k := range sharedstate.AllKeys() {
		known[string(k)] = true
	}
	deb := newDebouncer(ctx, opts, "nats", fn)
	defer deb.stop()
	opts.Logger.Info("Watching shared state", logfields.Backend("nats"))
	return src.Watch(ctx, func(key string) {
		if !known[key] {
			return
		}
		opts.Logger.Debug("Shared state key changed", logfields.StoreKey(key))
		deb.trigger()
	})
}
