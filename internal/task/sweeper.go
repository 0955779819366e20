package task

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leafscale/aps/internal/events"
	"github.com/leafscale/aps/internal/telemetry"
)

// Sweeper fails running task records whose timeout elapsed. Live tasks are
// timed out by their own Manager; the sweeper catches records orphaned by a
// crashed or restarted process.
type Sweeper struct {
	store    Store
	bus      events.Bus
	log      telemetry.Logger
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// SweeperOptions configure a Sweeper.
type SweeperOptions struct {
	// Store persists task records. Required.
	Store Store
	// Bus receives TaskFailed events for swept tasks. Defaults to a
	// private bus.
	Bus events.Bus
	// Logger defaults to a noop.
	Logger telemetry.Logger
	// Timeout is the task deadline. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Interval is the sweep cadence. Defaults to one minute.
	Interval time.Duration
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, errors.New("task: store is required")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Sweeper{
		store:    opts.Store,
		bus:      opts.Bus,
		log:      opts.Logger,
		timeout:  opts.Timeout,
		interval: opts.Interval,
		now:      opts.Clock,
	}, nil
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	sched := cron.Every(s.interval)
	for {
		timer := time.NewTimer(time.Until(sched.Next(s.now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn(ctx, "task sweep failed", "err", err)
			}
		}
	}
}

// Sweep fails every running task that started before now minus the timeout.
// Returns the first store error; individual transition conflicts (a task
// finishing while being swept) are skipped.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.timeout)
	stale, err := s.store.ListRunningBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, rec := range stale {
		update := StateUpdate{Error: "timeout", FinishedAt: s.now()}
		if err := s.store.Transition(ctx, rec.ID, StateRunning, StateFailed, update); err != nil {
			s.log.Debug(ctx, "sweep transition skipped", "task_id", rec.ID, "err", err)
			continue
		}
		s.log.Warn(ctx, "task swept after timeout", "task_id", rec.ID, "batch_id", rec.BatchID,
			"started_at", rec.StartedAt)
		if err := s.bus.Publish(ctx, events.Event{
			Type: events.TaskFailed, TaskID: rec.ID, BatchID: rec.BatchID,
			Message: "timeout", At: s.now(),
		}); err != nil {
			s.log.Warn(ctx, "sweep event publish failed", "task_id", rec.ID, "err", err)
		}
	}
	return nil
}
