package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leafscale/aps/internal/events"
	"github.com/leafscale/aps/internal/store"
	"github.com/leafscale/aps/internal/telemetry"
)

// ErrBatchActive is returned by Start when the batch already has a pending
// or running task.
var ErrBatchActive = errors.New("batch already has an active task")

// errTimeout marks a cancellation caused by the task timeout rather than a
// user request.
var errTimeout = errors.New("task timeout")

// DefaultTimeout bounds a task run unless overridden per manager.
const DefaultTimeout = time.Hour

type (
	// ManagerOptions configure a Manager.
	ManagerOptions struct {
		// Store persists task records. Required.
		Store Store
		// Runner executes the pipeline. Required.
		Runner Runner
		// Bus receives lifecycle events. Defaults to a private bus.
		Bus events.Bus
		// Logger and Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Timeout fails tasks that run longer. Defaults to DefaultTimeout.
		Timeout time.Duration
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}

	// Manager drives task execution. One goroutine per running task; state
	// transitions go through the Store so Status reads are consistent
	// across processes.
	Manager struct {
		store   Store
		runner  Runner
		bus     events.Bus
		log     telemetry.Logger
		metrics telemetry.Metrics
		timeout time.Duration
		now     func() time.Time

		mu      sync.Mutex
		handles map[string]*handle
		byBatch map[string]string

		wg sync.WaitGroup
	}

	handle struct {
		cancel context.CancelCauseFunc
		timer  *time.Timer
	}
)

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("task: store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("task: runner is required")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:   opts.Store,
		runner:  opts.Runner,
		bus:     opts.Bus,
		log:     opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.Timeout,
		now:     opts.Clock,
		handles: make(map[string]*handle),
		byBatch: make(map[string]string),
	}, nil
}

// reserveBatch claims the per-batch execution slot. Callers must release it
// on every path that does not reach launch.
func (m *Manager) reserveBatch(batchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.byBatch[batchID]; busy {
		return false
	}
	m.byBatch[batchID] = ""
	return true
}

func (m *Manager) releaseBatch(batchID string) {
	m.mu.Lock()
	delete(m.byBatch, batchID)
	m.mu.Unlock()
}

// Start creates a task for the batch and begins executing it in the
// background. Only one task may be active per batch at a time.
func (m *Manager) Start(ctx context.Context, batchID string, opts Options) (string, error) {
	if batchID == "" {
		return "", errors.New("batch id is required")
	}
	if !m.reserveBatch(batchID) {
		return "", ErrBatchActive
	}

	if active, err := m.store.FindActiveByBatch(ctx, batchID); err == nil && active != nil {
		m.releaseBatch(batchID)
		return "", fmt.Errorf("%w: task %s is %s", ErrBatchActive, active.ID, active.State)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.releaseBatch(batchID)
		return "", fmt.Errorf("check active task: %w", err)
	}

	rec := &Record{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		State:     StatePending,
		Options:   opts,
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		m.releaseBatch(batchID)
		return "", fmt.Errorf("create task: %w", err)
	}

	m.publish(ctx, events.Event{Type: events.TaskAccepted, TaskID: rec.ID, BatchID: batchID, At: m.now()})
	m.metrics.IncCounter("tasks_started", 1)
	m.launch(rec)
	return rec.ID, nil
}

// Retry re-runs a failed or cancelled task under its original id, resuming
// from the last persisted stage checkpoint.
func (m *Manager) Retry(ctx context.Context, taskID string) error {
	rec, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.State != StateFailed && rec.State != StateCancelled {
		return fmt.Errorf("task %s is %s, only failed or cancelled tasks can be retried", taskID, rec.State)
	}
	if !m.reserveBatch(rec.BatchID) {
		return ErrBatchActive
	}

	if err := m.store.Transition(ctx, taskID, rec.State, StatePending, StateUpdate{}); err != nil {
		m.releaseBatch(rec.BatchID)
		return fmt.Errorf("requeue task: %w", err)
	}
	rec.State = StatePending
	rec.Error = ""

	m.publish(ctx, events.Event{Type: events.TaskAccepted, TaskID: rec.ID, BatchID: rec.BatchID, Message: "retry", At: m.now()})
	m.launch(rec)
	return nil
}

// Status returns the persisted task record.
func (m *Manager) Status(ctx context.Context, taskID string) (*Record, error) {
	return m.store.Get(ctx, taskID)
}

// Cancel requests cooperative cancellation of a running task. Records left
// running by a crashed process are marked cancelled directly.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	h, ok := m.handles[taskID]
	m.mu.Unlock()
	if ok {
		h.cancel(context.Canceled)
		return nil
	}

	rec, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return fmt.Errorf("task %s already %s", taskID, rec.State)
	}
	// No local handle: the record is an orphan from a previous process.
	if err := m.store.Transition(ctx, taskID, rec.State, StateCancelled, StateUpdate{FinishedAt: m.now()}); err != nil {
		return fmt.Errorf("cancel orphaned task: %w", err)
	}
	m.publish(ctx, events.Event{Type: events.TaskCancelled, TaskID: taskID, BatchID: rec.BatchID, At: m.now()})
	return nil
}

// Shutdown cancels all running tasks and waits for their goroutines to
// finish or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, h := range m.handles {
		h.cancel(context.Canceled)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) launch(rec *Record) {
	runCtx, cancel := context.WithCancelCause(context.Background())
	h := &handle{cancel: cancel}
	h.timer = time.AfterFunc(m.timeout, func() { cancel(errTimeout) })

	m.mu.Lock()
	m.handles[rec.ID] = h
	m.byBatch[rec.BatchID] = rec.ID
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			h.timer.Stop()
			m.mu.Lock()
			delete(m.handles, rec.ID)
			delete(m.byBatch, rec.BatchID)
			m.mu.Unlock()
		}()
		m.execute(runCtx, rec)
	}()
}

func (m *Manager) execute(ctx context.Context, rec *Record) {
	if ctx.Err() != nil {
		// Cancelled or timed out before it ever ran.
		if errors.Is(context.Cause(ctx), errTimeout) {
			m.finish(ctx, rec, StatePending, StateFailed, StateUpdate{Error: "timeout", FinishedAt: m.now()},
				events.Event{Type: events.TaskFailed, TaskID: rec.ID, BatchID: rec.BatchID, Message: "timeout", At: m.now()})
			return
		}
		m.finish(ctx, rec, StatePending, StateCancelled, StateUpdate{FinishedAt: m.now()},
			events.Event{Type: events.TaskCancelled, TaskID: rec.ID, BatchID: rec.BatchID, At: m.now()})
		return
	}

	started := m.now()
	if err := m.store.Transition(context.WithoutCancel(ctx), rec.ID, StatePending, StateRunning, StateUpdate{StartedAt: started}); err != nil {
		m.log.Error(ctx, "task start transition failed", "task_id", rec.ID, "err", err)
		return
	}
	m.publish(ctx, events.Event{Type: events.TaskStarted, TaskID: rec.ID, BatchID: rec.BatchID, At: started})
	m.log.Info(ctx, "task started", "task_id", rec.ID, "batch_id", rec.BatchID)

	result, err := m.runner.Run(ctx, Request{TaskID: rec.ID, BatchID: rec.BatchID, Options: rec.Options}, m.reporter(rec))
	finished := m.now()
	duration := finished.Sub(started)
	m.metrics.RecordTimer("task_duration", duration)

	switch {
	case err == nil:
		update := StateUpdate{Summary: &result.Summary, Timings: result.Timings, FinishedAt: finished}
		if !m.finish(ctx, rec, StateRunning, StateCompleted, update,
			events.Event{Type: events.TaskCompleted, TaskID: rec.ID, BatchID: rec.BatchID, Progress: 100, At: finished}) {
			return
		}
		m.metrics.IncCounter("tasks_completed", 1)
		m.publish(ctx, events.Event{
			Type: events.OrdersEmitted, TaskID: rec.ID, BatchID: rec.BatchID,
			Message: fmt.Sprintf("%d maker orders, %d feeder orders", result.Summary.MakerOrders, result.Summary.FeederOrders),
			At:      finished,
		})
		m.log.Info(ctx, "task completed", "task_id", rec.ID, "duration", duration,
			"maker_orders", result.Summary.MakerOrders, "feeder_orders", result.Summary.FeederOrders)

	case errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), errTimeout):
		m.metrics.IncCounter("tasks_failed", 1)
		m.finish(ctx, rec, StateRunning, StateFailed, StateUpdate{Error: "timeout", FinishedAt: finished},
			events.Event{Type: events.TaskFailed, TaskID: rec.ID, BatchID: rec.BatchID, Message: "timeout", At: finished})
		m.log.Warn(ctx, "task timed out", "task_id", rec.ID, "timeout", m.timeout)

	case errors.Is(err, context.Canceled):
		m.metrics.IncCounter("tasks_cancelled", 1)
		m.finish(ctx, rec, StateRunning, StateCancelled, StateUpdate{FinishedAt: finished},
			events.Event{Type: events.TaskCancelled, TaskID: rec.ID, BatchID: rec.BatchID, At: finished})
		m.log.Info(ctx, "task cancelled", "task_id", rec.ID)

	default:
		m.metrics.IncCounter("tasks_failed", 1)
		m.finish(ctx, rec, StateRunning, StateFailed, StateUpdate{Error: err.Error(), FinishedAt: finished},
			events.Event{Type: events.TaskFailed, TaskID: rec.ID, BatchID: rec.BatchID, Message: err.Error(), At: finished})
		m.log.Warn(ctx, "task failed", "task_id", rec.ID, "err", err)
	}
}

// finish performs a terminal transition and publishes the matching event.
func (m *Manager) finish(ctx context.Context, rec *Record, from, to State, update StateUpdate, event events.Event) bool {
	if err := m.store.Transition(context.WithoutCancel(ctx), rec.ID, from, to, update); err != nil {
		m.log.Error(ctx, "task transition failed", "task_id", rec.ID, "to", to, "err", err)
		return false
	}
	m.publish(ctx, event)
	return true
}

// reporter builds the progress callback handed to the runner. Store write
// failures are logged, not propagated: progress is advisory.
func (m *Manager) reporter(rec *Record) Reporter {
	return func(ctx context.Context, stage Stage, progress float64) {
		ctx = context.WithoutCancel(ctx)
		if err := m.store.UpdateProgress(ctx, rec.ID, stage, progress); err != nil {
			m.log.Warn(ctx, "progress update failed", "task_id", rec.ID, "stage", stage, "err", err)
		}
		m.publish(ctx, events.Event{
			Type: events.TaskProgress, TaskID: rec.ID, BatchID: rec.BatchID,
			Stage: string(stage), Progress: progress, At: m.now(),
		})
	}
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if err := m.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		m.log.Warn(ctx, "event publish failed", "type", event.Type, "err", err)
	}
}
