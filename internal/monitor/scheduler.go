package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/logfields"
)

// Scheduler wraps gocron for the monitor's periodic work.
type Scheduler struct {
	scheduler gocron.Scheduler
	clock     clockwork.Clock
	days      core.DayClock
	logger    *slog.Logger
}

// NewScheduler creates a scheduler whose daily jobs fire in the day clock's location.
func NewScheduler(clock clockwork.Clock, days core.DayClock, logger *slog.Logger) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc := days.Location
	if loc == nil {
		loc = time.Local
	}
	s, err := gocron.NewScheduler(gocron.WithClock(clock), gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, clock: clock, days: days, logger: logger}, nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// ScheduleDayBoundary runs fn at every cutoff with the cutoff instant that just passed.
func (s *Scheduler) ScheduleDayBoundary(ctx context.Context, fn func(ctx context.Context, cutoff time.Time) error) (string, error) {
	h := uint(s.days.Cutoff / time.Hour)
	m := uint((s.days.Cutoff % time.Hour) / time.Minute)
	job, err := s.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(h, m, 0))),
		gocron.NewTask(s.dayBoundaryTask(ctx, fn)),
		gocron.WithName("day-boundary"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create day boundary job: %w", err)
	}
	return job.ID().String(), nil
}

func (s *Scheduler) dayBoundaryTask(ctx context.Context, fn func(context.Context, time.Time) error) func() {
	return func() {
		cutoff := s.days.Start(s.clock.Now())
		s.logger.Info("Day boundary reached", logfields.Cutoff(cutoff.Format(time.RFC3339)))
		if err := fn(ctx, cutoff); err != nil {
			s.logger.Error("Day boundary failed", logfields.Cutoff(cutoff.Format(time.RFC3339)), logfields.Error(err))
		}
	}
}

// ScheduleEvery runs fn at a fixed interval.
func (s *Scheduler) ScheduleEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) (string, error) {
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := fn(ctx); err != nil {
				s.logger.Warn("Scheduled job failed", slog.String("job", name), logfields.Error(err))
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create %s job: %w", name, err)
	}
	return job.ID().String(), nil
}

// NextRuns reports the next run of every job by name.
func (s *Scheduler) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, j := range s.scheduler.Jobs() {
		if next, err := j.NextRun(); err == nil {
			out[j.Name()] = next
		}
	}
	return out
}
