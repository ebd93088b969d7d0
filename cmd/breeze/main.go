package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/divijg19/breeze/internal/config"
	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/diag"
	"github.com/divijg19/breeze/internal/engine"
	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/metrics"
	"github.com/divijg19/breeze/internal/natskv"
	"github.com/divijg19/breeze/internal/sharedstate"
	"github.com/divijg19/breeze/internal/storage"
)

// Version is the current CLI version string.
const Version = "v0.1"

var CLI struct {
	Verbose bool `short:"v" help:"Enable debug logging"`

	Pet struct {
		Create struct {
			Name   string `arg:"" help:"Name of the new pet"`
			Preset string `short:"p" help:"Difficulty preset (gentle, balanced, intense)"`
		} `cmd:"" help:"Adopt a new pet and start monitoring it if none is monitored"`
		List struct{} `cmd:"" help:"List pets"`
		Show struct {
			ID string `arg:"" optional:"" help:"Pet id (defaults to the monitored pet)"`
		} `cmd:"" help:"Show a pet with its current wind"`
		Select struct {
			ID string `arg:"" help:"Pet id"`
		} `cmd:"" help:"Monitor a different pet"`
		Evolve struct {
			ID string `arg:"" optional:"" help:"Pet id (defaults to the monitored pet)"`
		} `cmd:"" help:"Advance a pet to its next phase when the wind allows it"`
	} `cmd:"" help:"Manage pets"`

	Break struct {
		Start struct {
			Kind    string `arg:"" help:"Break kind (free, committed, hardcore)"`
			Minutes int    `short:"m" help:"Planned length in minutes (0 for open-ended)"`
		} `cmd:"" help:"Raise the shield and start a break"`
		End    struct{} `cmd:"" help:"End the active break and let the wind settle"`
		Fail   struct{} `cmd:"" help:"Record that the active break was broken"`
		Status struct{} `cmd:"" help:"Show the active break"`
	} `cmd:"" help:"Take breaks"`

	Threshold struct {
		Seconds int64 `arg:"" help:"Cumulative usage seconds reported by the monitor"`
		Session int64 `short:"s" help:"Monitoring session id of the reading"`
	} `cmd:"" help:"Apply a single usage reading"`

	Session struct {
		Start struct {
			ID int64 `arg:"" optional:"" help:"Session id (defaults to the current unix time)"`
		} `cmd:"" help:"Announce a new monitoring session"`
	} `cmd:"" help:"Manage monitoring sessions"`

	Reconcile struct{} `cmd:"" help:"Bring the cached pet in line with the shared state"`

	DayBoundary struct{} `cmd:"" name:"day-boundary" help:"Close the logical day now"`

	Shield struct {
		Lift struct{} `cmd:"" help:"Lift the morning shield"`
	} `cmd:"" help:"Manage the morning shield"`

	Monitor struct {
		Input  string `short:"i" help:"Read usage readings from this file instead of stdin"`
		Follow bool   `short:"f" help:"Keep running after the input ends"`
	} `cmd:"" help:"Run the background monitor"`

	Watch struct{} `cmd:"" help:"Reconcile whenever the monitor changes the shared state"`

	History struct {
		Limit  int  `short:"n" default:"20" help:"Number of breaks to show"`
		Events bool `short:"e" help:"Show the activity log instead of breaks"`
	} `cmd:"" help:"Show break history"`

	State struct{} `cmd:"" help:"Dump the shared state keys"`

	Config struct {
		Edit   bool `help:"Open the config file in your editor"`
		Editor bool `help:"Pick the editor used by --edit"`
	} `cmd:"" help:"View and edit configuration"`

	Version struct{} `cmd:"" help:"Show version"`
}

// app holds everything a command needs. Not every command uses every field.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clockwork.Clock
	days   core.DayClock
	kinds  []core.BreakKind

	db     *sql.DB
	dbPath string
	pets   *storage.Store
	shared sharedstate.Store
	kv     *natskv.Store
	conn   *nats.Conn

	state *sharedstate.Accessor
	reg   *prom.Registry
	deps  engine.Deps
}

func newLogger(cfg config.Config, verbose bool) *slog.Logger {
	level, _ := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// resultSinks fans terminal break results out to every configured sink.
type resultSinks []engine.ResultSink

func (r resultSinks) BreakCompleted(ctx context.Context, petID string, rec core.CompletedBreakRecord) error {
	var errs []error
	for _, s := range r {
		errs = append(errs, s.BreakCompleted(ctx, petID, rec))
	}
	return errors.Join(errs...)
}

func (r resultSinks) MidnightEnded(ctx context.Context, res core.MidnightResult) error {
	var errs []error
	for _, s := range r {
		errs = append(errs, s.MidnightEnded(ctx, res))
	}
	return errors.Join(errs...)
}

// openApp opens the pet database and the configured shared store.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	days, err := cfg.DayClock()
	if err != nil {
		return nil, err
	}
	kinds, err := cfg.SelectableKinds()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, clock: clockwork.NewRealClock(), days: days, kinds: kinds}

	a.dbPath = cfg.Store.Path
	if a.dbPath == "" {
		if a.dbPath, err = storage.ResolveDBPath(); err != nil {
			return nil, err
		}
	}
	if a.db, err = storage.Open(a.dbPath); err != nil {
		return nil, err
	}
	if a.pets, err = storage.New(a.db, storage.WithClock(a.clock), storage.WithDayClock(days)); err != nil {
		a.Close()
		return nil, fmt.Errorf("new store: %w", err)
	}

	results := resultSinks{a.pets}
	switch cfg.Store.Backend {
	case config.BackendNATS:
		a.kv, a.conn, err = natskv.Connect(ctx, natskv.Options{
			URL:       cfg.Store.NATS.URL,
			Bucket:    cfg.Store.NATS.Bucket,
			Timeout:   config.Duration(cfg.Store.NATS.Timeout, 2*time.Second),
			CacheSize: cfg.Store.CacheSize,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.shared = a.kv
		if cfg.Store.NATS.ResultSubject != "" {
			results = append(results, natskv.NewPublisher(a.conn, cfg.Store.NATS.ResultSubject))
		}
	default:
		kv, err := storage.NewSharedKV(a.db, cfg.Store.CacheSize, a.clock)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.shared = kv
	}

	a.reg = prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(a.reg)
	sink := diag.Multi{diag.SlogSink{Logger: logger}, metrics.DiagSink{Recorder: rec}}
	a.state = sharedstate.NewAccessor(a.shared, sink)
	a.deps = engine.Deps{
		State:     a.state,
		Clock:     a.clock,
		Days:      days,
		Evolution: a.pets,
		Breaks:    a.pets,
		Results:   results,
		BlownLog:  a.pets,
		Pets:      a.pets,
		Metrics:   rec,
		Diag:      sink,
		Logger:    logger,
	}
	logger.Debug("Opened stores", logfields.Backend(cfg.Store.Backend), slog.String("db", a.dbPath))
	return a, nil
}

// Close releases the stores. It is safe on a partially opened app.
func (a *app) Close() {
	if a.conn != nil {
		if err := a.conn.Drain(); err != nil {
			a.conn.Close()
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// serveMetrics exposes the registry on metrics.addr until ctx is done.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(a.reg))
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("Serving metrics", slog.String("addr", a.cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", logfields.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// windNotice nudges the user when the monitored pet is getting blown about.
func (a *app) windNotice(ctx context.Context) {
	if a.state.MonitoredPetID(ctx) == "" || a.state.ShieldActive(ctx) {
		return
	}
	points := engine.NewWindEngine(a.deps).EffectiveWindPoints(ctx)
	if core.LevelFor(points) >= core.LevelStormy && points < core.MaxWind {
		fmt.Fprintf(os.Stderr, "🌬  Wind is %.0f/100. Run: breeze break start free\n", points)
	}
}

// Main dispatches CLI commands to their corresponding handlers.
func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("breeze"),
		kong.Description("Breeze: a pet that gets blown away by too much screen time"),
		kong.UsageOnError(),
	)

	cfg, cfgErr := loadRuntimeConfig()
	logger := newLogger(cfg, CLI.Verbose)
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("Using default configuration", logfields.Error(cfgErr))
	}

	cmd := kctx.Command()
	switch cmd {
	case "version":
		fmt.Println("Breeze " + Version)
		return
	case "config":
		os.Exit(cmdConfigure(cfg, CLI.Config.Edit, CLI.Config.Editor))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "breeze: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if cmd != "monitor" && cmd != "watch" && cmd != "break start <kind>" {
		a.windNotice(ctx)
	}

	var code int
	switch cmd {
	case "pet create <name>":
		code = a.cmdPetCreate(ctx, CLI.Pet.Create.Name, CLI.Pet.Create.Preset)
	case "pet list":
		code = a.cmdPetList(ctx)
	case "pet show", "pet show <id>":
		code = a.cmdPetShow(ctx, CLI.Pet.Show.ID)
	case "pet select <id>":
		code = a.cmdPetSelect(ctx, CLI.Pet.Select.ID)
	case "pet evolve", "pet evolve <id>":
		code = a.cmdPetEvolve(ctx, CLI.Pet.Evolve.ID)
	case "break start <kind>":
		code = a.cmdBreakStart(ctx, CLI.Break.Start.Kind, CLI.Break.Start.Minutes)
	case "break end":
		code = a.cmdBreakEnd(ctx)
	case "break fail":
		code = a.cmdBreakFail(ctx)
	case "break status":
		code = a.cmdBreakStatus(ctx)
	case "threshold <seconds>":
		code = a.cmdThreshold(ctx, CLI.Threshold.Seconds, CLI.Threshold.Session)
	case "session start", "session start <id>":
		code = a.cmdSessionStart(ctx, CLI.Session.Start.ID)
	case "reconcile":
		code = a.cmdReconcile(ctx)
	case "day-boundary":
		code = a.cmdDayBoundary(ctx)
	case "shield lift":
		code = a.cmdShieldLift(ctx)
	case "monitor":
		code = a.cmdMonitor(ctx, CLI.Monitor.Input, CLI.Monitor.Follow)
	case "watch":
		code = a.cmdWatch(ctx)
	case "history":
		code = a.cmdHistory(ctx, CLI.History.Limit, CLI.History.Events)
	case "state":
		code = a.cmdState(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		code = 2
	}
	if code != 0 {
		a.Close()
		os.Exit(code)
	}
}
