// Package monitor is the background side: it feeds usage readings into the engine and runs the
// day boundary and timed-break completion on a schedule.
package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/engine"
	"github.com/divijg19/breeze/internal/logfields"
	"github.com/divijg19/breeze/internal/sharedstate"
)

// Runner is one monitoring process.
type Runner struct {
	proto    *engine.Protocol
	breaks   *engine.BreakMachine
	boundary *engine.DayBoundary
	state    *sharedstate.Accessor
	clock    clockwork.Clock
	days     core.DayClock
	logger   *slog.Logger

	// mu serializes readings with the scheduled jobs, which run on the scheduler's goroutines.
	mu      sync.Mutex
	session atomic.Int64
}

// NewRunner wires a Runner from the same dependencies the engine services use.
func NewRunner(d engine.Deps, kinds []core.BreakKind, morningShield bool) *Runner {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Runner{
		proto:    engine.NewProtocol(d, nil),
		breaks:   engine.NewBreakMachine(d, kinds),
		boundary: engine.NewDayBoundary(d, morningShield),
		state:    d.State,
		clock:    d.Clock,
		days:     d.Days,
		logger:   d.Logger,
	}
}

// Session is the monitoring session currently tagged onto readings.
func (r *Runner) Session() int64 { return r.session.Load() }

// Startup prepares the shared store for a new monitoring process: it repairs unreadable wind,
// runs a day reset that was missed while nothing was running, and starts a session.
func (r *Runner) Startup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, _, err := r.proto.RebuildWind(ctx); err != nil {
		return fmt.Errorf("monitor startup: %w", err)
	}
	now := r.clock.Now()
	today := r.days.Day(now)
	last, _ := r.state.String(ctx, sharedstate.KeyLastResetDay)
	if last == "" {
		if err := r.state.SetString(ctx, sharedstate.KeyLastResetDay, today); err != nil {
			return fmt.Errorf("monitor startup: %w", err)
		}
	} else if last != today {
		r.logger.Info("Catching up missed day boundary", logfields.Cutoff(today))
		if _, err := r.closeDay(ctx, r.days.Start(now)); err != nil {
			return fmt.Errorf("monitor startup: %w", err)
		}
		return nil
	}
	if err := r.startSession(ctx, now.Unix()); err != nil {
		return fmt.Errorf("monitor startup: %w", err)
	}
	return nil
}

func (r *Runner) startSession(ctx context.Context, epoch int64) error {
	// Never go backwards: a session stored by an earlier run may be newer than the clock says.
	if cur := r.state.Int(ctx, sharedstate.KeyMonitoringSessionID, 0); epoch <= cur {
		epoch = cur + 1
	}
	if _, err := r.proto.StartSession(ctx, epoch); err != nil {
		return err
	}
	r.session.Store(epoch)
	return nil
}

// OnDayBoundary closes the day at cutoff and opens a fresh session, so readings still in
// flight from before the cutoff are dropped as stale.
func (r *Runner) OnDayBoundary(ctx context.Context, cutoff time.Time) error {
	_, err := r.CloseDay(ctx, cutoff)
	return err
}

// CloseDay is OnDayBoundary returning the break it force-ended, if any.
func (r *Runner) CloseDay(ctx context.Context, cutoff time.Time) (*core.MidnightResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeDay(ctx, cutoff)
}

func (r *Runner) closeDay(ctx context.Context, cutoff time.Time) (*core.MidnightResult, error) {
	res, err := r.boundary.OnDayBoundary(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return res, r.startSession(ctx, cutoff.Unix())
}

// Handle applies one raw cumulative reading of the current session.
func (r *Runner) Handle(ctx context.Context, rawSeconds int64) (core.WindUpdate, error) {
	return r.handle(ctx, rawSeconds, 0)
}

// handle applies a reading tagged with session, or with the current session when it is 0.
func (r *Runner) handle(ctx context.Context, rawSeconds, session int64) (core.WindUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session == 0 {
		session = r.session.Load()
	} else if session > r.session.Load() {
		r.session.Store(session)
	}
	return r.proto.HandleThreshold(ctx, engine.ThresholdEvent{
		PetID:             r.state.MonitoredPetID(ctx),
		CumulativeSeconds: rawSeconds,
		SessionID:         session,
	})
}

// CompleteDueBreak ends a timed break whose planned time is up.
func (r *Runner) CompleteDueBreak(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.breaks.CompleteIfDue(ctx)
	if err != nil {
		return err
	}
	if res != nil {
		r.logger.Info("Timed break completed", logfields.BreakID(res.Record.SessionID), logfields.WindPoints(res.Points))
	}
	return nil
}

// ParseReading parses "<cumulativeSeconds> [sessionID]". A session id on the line starts or
// selects that session explicitly.
func ParseReading(line string) (raw int64, session int64, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, fmt.Errorf("parse reading: want \"<seconds> [session]\", got %q", line)
	}
	raw, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil || raw < 0 {
		return 0, 0, fmt.Errorf("parse reading: invalid seconds %q", fields[0])
	}
	if len(fields) == 2 {
		session, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil || session <= 0 {
			return 0, 0, fmt.Errorf("parse reading: invalid session %q", fields[1])
		}
	}
	return raw, session, nil
}

// Consume reads readings line by line until in is exhausted or ctx is done. Bad lines are
// logged and skipped.
func (r *Runner) Consume(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, session, err := ParseReading(line)
		if err != nil {
			r.logger.Warn("Skipping reading", logfields.Error(err))
			continue
		}
		if _, err := r.handle(ctx, raw, session); err != nil {
			r.logger.Error("Reading failed", logfields.RawSeconds(raw), logfields.Error(err))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("consume readings: %w", err)
	}
	return nil
}

// Run starts the process: startup, scheduled jobs, then readings from in until EOF or ctx ends.
// With follow set, Run keeps the schedule alive after in is exhausted until ctx is done.
func (r *Runner) Run(ctx context.Context, in io.Reader, sched *Scheduler, dueEvery time.Duration, follow bool) error {
	if err := r.Startup(ctx); err != nil {
		return err
	}
	if sched != nil {
		if _, err := sched.ScheduleDayBoundary(ctx, r.OnDayBoundary); err != nil {
			return err
		}
		if dueEvery > 0 {
			if _, err := sched.ScheduleEvery(ctx, "complete-due-break", dueEvery, r.CompleteDueBreak); err != nil {
				return err
			}
		}
		sched.Start()
		defer func() {
			if err := sched.Stop(); err != nil {
				r.logger.Warn("Scheduler stop failed", logfields.Error(err))
			}
		}()
	}
	if in != nil {
		if err := r.Consume(ctx, in); err != nil {
			return err
		}
	}
	if follow {
		<-ctx.Done()
	}
	return nil
}
