package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/leafscale/aps/internal/events"
	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/refdata"
	"github.com/leafscale/aps/internal/retry"
	"github.com/leafscale/aps/internal/sequence"
	"github.com/leafscale/aps/internal/store"
	"github.com/leafscale/aps/internal/task"
	"github.com/leafscale/aps/internal/telemetry"
	"github.com/leafscale/aps/internal/workbook"
)

type (
	// SnapshotSource yields the current reference-data snapshot. The
	// refdata.Provider is the production implementation.
	SnapshotSource interface {
		Snapshot(ctx context.Context) (*refdata.Snapshot, error)
	}

	// WorkbookSource reads the stored workbook bytes of a batch.
	WorkbookSource interface {
		Read(ctx context.Context, batch *plan.ImportBatch) ([]byte, error)
	}

	// RunnerOptions configure a Runner.
	RunnerOptions struct {
		// Batches, Rows, Orders, and Checkpoints are the persistence
		// surfaces. Required.
		Batches     store.Batches
		Rows        store.Rows
		Orders      store.Orders
		Checkpoints store.Checkpoints
		// Refdata yields snapshots. Required.
		Refdata SnapshotSource
		// Sequences allocates merge and work-order ids. Required.
		Sequences *sequence.Allocator
		// Workbooks reads stored workbook bytes. Defaults to FileWorkbooks.
		Workbooks WorkbookSource
		// Bus receives stage lifecycle events. Defaults to a private bus.
		Bus events.Bus
		// Logger and Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Changeover overrides the feeder changeover gap.
		Changeover time.Duration
		// Workers caps stage fan-out.
		Workers int
		// Retry bounds persistence retries. Zero value applies
		// retry.DefaultConfig.
		Retry retry.Config
		// Clock overrides the time source, for tests.
		Clock func() time.Time
	}

	// Runner executes the scheduling pipeline for one task: parse the
	// batch's workbook, run the enabled transform stages, and persist the
	// emitted work orders. It checkpoints the draft set after every stage
	// so a retried task resumes where the failed run stopped.
	Runner struct {
		batches     store.Batches
		rows        store.Rows
		orders      store.Orders
		checkpoints store.Checkpoints
		refdata     SnapshotSource
		sequences   *sequence.Allocator
		workbooks   WorkbookSource
		bus         events.Bus
		log         telemetry.Logger
		metrics     telemetry.Metrics
		changeover  time.Duration
		workers     int
		retry       retry.Config
		now         func() time.Time
	}
)

// FileWorkbooks reads workbook bytes from the path recorded on the batch.
type FileWorkbooks struct{}

// Read implements WorkbookSource.
func (FileWorkbooks) Read(_ context.Context, batch *plan.ImportBatch) ([]byte, error) {
	if batch.FilePath == "" {
		return nil, fmt.Errorf("batch %s has no stored workbook", batch.ID)
	}
	return os.ReadFile(batch.FilePath)
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	switch {
	case opts.Batches == nil:
		return nil, errors.New("pipeline: batches store is required")
	case opts.Rows == nil:
		return nil, errors.New("pipeline: rows store is required")
	case opts.Orders == nil:
		return nil, errors.New("pipeline: orders store is required")
	case opts.Checkpoints == nil:
		return nil, errors.New("pipeline: checkpoints store is required")
	case opts.Refdata == nil:
		return nil, errors.New("pipeline: refdata source is required")
	case opts.Sequences == nil:
		return nil, errors.New("pipeline: sequence allocator is required")
	}
	if opts.Workbooks == nil {
		opts.Workbooks = FileWorkbooks{}
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
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{
		batches:     opts.Batches,
		rows:        opts.Rows,
		orders:      opts.Orders,
		checkpoints: opts.Checkpoints,
		refdata:     opts.Refdata,
		sequences:   opts.Sequences,
		workbooks:   opts.Workbooks,
		bus:         opts.Bus,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		changeover:  opts.Changeover,
		workers:     opts.Workers,
		retry:       opts.Retry,
		now:         opts.Clock,
	}, nil
}

var _ task.Runner = (*Runner)(nil)

// Run implements task.Runner.
func (r *Runner) Run(ctx context.Context, req task.Request, report task.Reporter) (task.Result, error) {
	if report == nil {
		report = func(context.Context, task.Stage, float64) {}
	}

	batch, err := r.loadBatch(ctx, req.BatchID)
	if err != nil {
		return task.Result{}, err
	}
	snap, err := r.refdata.Snapshot(ctx)
	if err != nil {
		return task.Result{}, fmt.Errorf("reference data: %w", err)
	}

	run := &taskRun{
		r:       r,
		req:     req,
		batch:   batch,
		report:  report,
		timings: make(map[task.Stage]time.Duration),
		env: Env{
			Snapshot:   snap,
			Sequences:  r.sequences,
			Changeover: r.changeover,
			Workers:    r.workers,
			Logger:     r.log,
			Metrics:    r.metrics,
			Now:        r.now,
		},
	}
	summary, err := run.execute(ctx)
	if err != nil {
		return task.Result{}, err
	}
	return task.Result{Summary: summary, Timings: run.timings}, nil
}

func (r *Runner) loadBatch(ctx context.Context, id string) (*plan.ImportBatch, error) {
	var batch *plan.ImportBatch
	err := retry.Do(ctx, r.retry, func(c context.Context) error {
		b, err := r.batches.Get(c, id)
		if err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}
	return batch, nil
}

// taskRun is the state of one Run invocation.
type taskRun struct {
	r       *Runner
	req     task.Request
	batch   *plan.ImportBatch
	report  task.Reporter
	env     Env
	timings map[task.Stage]time.Duration
}

func (tr *taskRun) execute(ctx context.Context) (task.Summary, error) {
	order := task.StageOrder()
	startIdx := 0
	var drafts []plan.Draft

	cp, err := tr.latestCheckpoint(ctx)
	switch {
	case err == nil:
		drafts = cp.Drafts
		startIdx = stageAfter(order, cp.Stage)
		tr.r.log.Info(ctx, "resuming from checkpoint",
			"task_id", tr.req.TaskID, "stage", cp.Stage, "drafts", len(drafts))
	case errors.Is(err, store.ErrNotFound):
		// Fresh run.
	default:
		return task.Summary{}, fmt.Errorf("load checkpoint: %w", err)
	}

	var (
		summary  task.Summary
		warnings int
	)
	for i := startIdx; i < len(order); i++ {
		stage := order[i]
		if err := ctx.Err(); err != nil {
			return task.Summary{}, err
		}
		begin := tr.r.now()
		tr.publish(ctx, events.Event{
			Type: events.StageStarted, TaskID: tr.req.TaskID, BatchID: tr.req.BatchID,
			Stage: string(stage), At: begin,
		})

		var (
			diags []plan.Diagnostic
			err   error
		)
		switch stage {
		case task.StageParse:
			drafts, err = tr.parse(ctx)
		case task.StageMerge:
			if tr.req.Options.Merge {
				drafts, diags, err = Merge(ctx, tr.stageEnv(ctx, stage), drafts)
			}
		case task.StageSplit:
			if tr.req.Options.Split {
				drafts, diags, err = Split(ctx, tr.stageEnv(ctx, stage), drafts)
			}
		case task.StageCorrection:
			if tr.req.Options.Correction {
				drafts, diags, err = Correct(ctx, tr.stageEnv(ctx, stage), drafts)
			}
		case task.StageParallel:
			if tr.req.Options.Parallel {
				drafts, diags, err = Synchronize(ctx, tr.stageEnv(ctx, stage), drafts)
			}
		case task.StageEmission:
			summary, diags, err = tr.emit(ctx, drafts)
		}
		if err != nil {
			return task.Summary{}, fmt.Errorf("%s stage: %w", stage, err)
		}
		warnings += len(diags)
		for _, d := range diags {
			tr.r.log.Warn(ctx, "stage diagnostic",
				"task_id", tr.req.TaskID, "stage", stage, "row", d.Row, "msg", d.Message)
		}

		if stage != task.StageEmission {
			if err := tr.checkpoint(ctx, stage, drafts); err != nil {
				return task.Summary{}, err
			}
		}
		tr.timings[stage] = tr.r.now().Sub(begin)
		tr.report(ctx, stage, task.ProgressAt(stage, 1))
		tr.publish(ctx, events.Event{
			Type: events.StageCompleted, TaskID: tr.req.TaskID, BatchID: tr.req.BatchID,
			Stage: string(stage), Progress: task.ProgressAt(stage, 1), At: tr.r.now(),
		})
	}

	summary.Warnings = tr.batch.Counts.Warning + warnings
	if err := tr.persist(ctx, "clear checkpoints", func(c context.Context) error {
		return tr.r.checkpoints.Clear(c, tr.req.TaskID)
	}); err != nil {
		// Stale checkpoints are harmless once the task is completed.
		tr.r.log.Warn(ctx, "clear checkpoints failed", "task_id", tr.req.TaskID, "err", err)
	}
	return summary, nil
}

// stageEnv attaches per-stage progress reporting to the shared Env.
func (tr *taskRun) stageEnv(ctx context.Context, stage task.Stage) Env {
	env := tr.env
	env.OnProgress = func(frac float64) {
		tr.report(ctx, stage, task.ProgressAt(stage, frac))
	}
	return env
}

// parse reads the stored workbook, extracts plan rows, and persists them
// with the batch counts. Structural failures fail the batch as well as the
// task.
func (tr *taskRun) parse(ctx context.Context) ([]plan.Draft, error) {
	batch := tr.batch
	if err := tr.persist(ctx, "mark batch parsing", func(c context.Context) error {
		return tr.r.batches.SetState(c, batch.ID, plan.StateParsing)
	}); err != nil {
		return nil, err
	}

	data, err := tr.r.workbooks.Read(ctx, batch)
	if err != nil {
		tr.failBatch(ctx)
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	tr.report(ctx, task.StageParse, task.ProgressAt(task.StageParse, 0.3))

	res, err := workbook.ParseBytes(batch.FileName, data, workbook.Options{
		Cadence:  batch.Cadence,
		PlanYear: batch.PlanYear,
		Now:      tr.r.now,
		Machines: tr.env.Snapshot.Kinds(),
	})
	if err != nil {
		tr.failBatch(ctx)
		return nil, fmt.Errorf("parse %s: %w", batch.FileName, err)
	}
	tr.report(ctx, task.StageParse, task.ProgressAt(task.StageParse, 0.8))

	if err := tr.persist(ctx, "save plan rows", func(c context.Context) error {
		return tr.r.rows.ReplaceBatch(c, batch.ID, res.Rows)
	}); err != nil {
		return nil, err
	}
	if err := tr.persist(ctx, "save batch counts", func(c context.Context) error {
		return tr.r.batches.SetCounts(c, batch.ID, res.Counts)
	}); err != nil {
		return nil, err
	}
	if err := tr.persist(ctx, "mark batch completed", func(c context.Context) error {
		return tr.r.batches.SetState(c, batch.ID, plan.StateCompleted)
	}); err != nil {
		return nil, err
	}
	tr.batch.Counts = res.Counts

	tr.r.log.Info(ctx, "workbook parsed", "batch_id", batch.ID,
		"rows", res.Counts.Total, "valid", res.Counts.Valid,
		"warnings", res.Counts.Warning, "errors", res.Counts.Error)
	return NewDrafts(batch, res.Rows), nil
}

// emit converts the final drafts to work orders and persists them. The
// batch's previous orders are removed first so a retried emission does not
// double the set.
func (tr *taskRun) emit(ctx context.Context, drafts []plan.Draft) (task.Summary, []plan.Diagnostic, error) {
	orders, diags, err := Emit(ctx, tr.stageEnv(ctx, task.StageEmission), tr.req.BatchID, tr.req.TaskID, drafts)
	if err != nil {
		return task.Summary{}, nil, err
	}

	if err := tr.persist(ctx, "clear previous orders", func(c context.Context) error {
		return tr.r.orders.DeleteBatch(c, tr.req.BatchID)
	}); err != nil {
		return task.Summary{}, nil, err
	}
	if err := tr.persist(ctx, "save maker orders", func(c context.Context) error {
		return tr.r.orders.SaveMakerOrders(c, orders.Makers)
	}); err != nil {
		return task.Summary{}, nil, err
	}
	if err := tr.persist(ctx, "save feeder orders", func(c context.Context) error {
		return tr.r.orders.SaveFeederOrders(c, orders.Feeders)
	}); err != nil {
		return task.Summary{}, nil, err
	}

	review := 0
	for _, m := range orders.Makers {
		if m.Review {
			review++
		}
	}
	tr.publish(ctx, events.Event{
		Type: events.OrdersEmitted, TaskID: tr.req.TaskID, BatchID: tr.req.BatchID,
		Message: fmt.Sprintf("%d maker, %d feeder orders", len(orders.Makers), len(orders.Feeders)),
		At:      tr.r.now(),
	})
	return task.Summary{
		MakerOrders:  len(orders.Makers),
		FeederOrders: len(orders.Feeders),
		ManualReview: review,
	}, diags, nil
}

func (tr *taskRun) latestCheckpoint(ctx context.Context) (store.Checkpoint, error) {
	var cp store.Checkpoint
	err := retry.Do(ctx, tr.r.retry, func(c context.Context) error {
		latest, err := tr.r.checkpoints.Latest(c, tr.req.TaskID)
		if err != nil {
			return err
		}
		cp = latest
		return nil
	})
	return cp, err
}

func (tr *taskRun) checkpoint(ctx context.Context, stage task.Stage, drafts []plan.Draft) error {
	return tr.persist(ctx, "save checkpoint", func(c context.Context) error {
		return tr.r.checkpoints.Save(c, store.Checkpoint{
			TaskID:  tr.req.TaskID,
			Stage:   string(stage),
			Drafts:  drafts,
			SavedAt: tr.r.now(),
		})
	})
}

// persist runs a store operation under the retry policy.
func (tr *taskRun) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := retry.Do(ctx, tr.r.retry, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// failBatch marks the batch failed on structural errors. The task error is
// the primary signal; a failure here is only logged.
func (tr *taskRun) failBatch(ctx context.Context) {
	c := context.WithoutCancel(ctx)
	if err := tr.r.batches.SetState(c, tr.batch.ID, plan.StateFailed); err != nil {
		tr.r.log.Warn(ctx, "mark batch failed", "batch_id", tr.batch.ID, "err", err)
	}
}

func (tr *taskRun) publish(ctx context.Context, event events.Event) {
	if err := tr.r.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		tr.r.log.Warn(ctx, "event publish failed", "type", event.Type, "err", err)
	}
}

// stageAfter returns the index of the stage following the named one.
func stageAfter(order []task.Stage, name string) int {
	for i, s := range order {
		if string(s) == name {
			return i + 1
		}
	}
	return 0
}
