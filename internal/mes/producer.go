package mes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pulseclients "github.com/leafscale/aps/internal/clients/pulse"
	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/sequence"
	"github.com/leafscale/aps/internal/telemetry"
)

// DefaultStream is the Pulse stream carrying dispatch records to the MES
// dispatcher.
const DefaultStream = "aps_mes_dispatch"

// eventDispatch is the Pulse entry type for queued records.
const eventDispatch = "dispatch"

// ProducerOptions configure a Producer.
type ProducerOptions struct {
	// Client provides the Pulse stream. Required.
	Client pulseclients.Client
	// Stream overrides the queue stream name. Defaults to DefaultStream.
	Stream string
	// Store persists dispatch records. Required.
	Store DispatchStore
	// Sequences allocates MES plan ids. Required.
	Sequences *sequence.Allocator
	// Logger and Metrics default to noops.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Producer turns emitted work orders into validated dispatch records:
// feeder orders first so maker records can reference their feeder plan ids,
// then maker orders. Deliverable records are enqueued; backups are persisted
// as held.
type Producer struct {
	stream  pulseclients.Stream
	store   DispatchStore
	seq     *sequence.Allocator
	log     telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time
}

// NewProducer creates a Producer and opens its queue stream.
func NewProducer(opts ProducerOptions) (*Producer, error) {
	if opts.Client == nil {
		return nil, errors.New("mes: pulse client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("mes: dispatch store is required")
	}
	if opts.Sequences == nil {
		return nil, errors.New("mes: sequence allocator is required")
	}
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	stream, err := opts.Client.Stream(opts.Stream)
	if err != nil {
		return nil, fmt.Errorf("open dispatch stream %q: %w", opts.Stream, err)
	}
	return &Producer{
		stream:  stream,
		store:   opts.Store,
		seq:     opts.Sequences,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
	}, nil
}

// EnqueueBatch builds, validates, persists, and enqueues dispatch records
// for one task's emitted orders. It returns the number of records enqueued;
// held backup records are persisted but not counted.
func (p *Producer) EnqueueBatch(ctx context.Context, batchID, taskID string, makers []plan.MakerOrder, feeders []plan.FeederOrder) (int, error) {
	feederPlans := make(map[string]string, len(feeders))
	enqueued := 0

	for _, order := range feeders {
		planID, err := p.seq.PlanID(ctx, plan.MachineFeeder)
		if err != nil {
			return enqueued, fmt.Errorf("allocate feeder plan id: %w", err)
		}
		feederPlans[order.ID] = planID
		rec := DispatchRecord{
			PlanID:    planID,
			BatchID:   batchID,
			TaskID:    taskID,
			OrderID:   order.ID,
			OrderType: OrderTypeFeeder,
			Record:    FeederRecord(order, planID),
		}
		if err := p.enqueue(ctx, &rec); err != nil {
			return enqueued, fmt.Errorf("feeder order %s: %w", order.ID, err)
		}
		enqueued++
	}

	for _, order := range makers {
		planID, err := p.seq.PlanID(ctx, plan.MachineMaker)
		if err != nil {
			return enqueued, fmt.Errorf("allocate maker plan id: %w", err)
		}
		rec := DispatchRecord{
			PlanID:    planID,
			BatchID:   batchID,
			TaskID:    taskID,
			OrderID:   order.ID,
			OrderType: OrderTypeMaker,
			Record:    MakerRecord(order, planID, feederPlans[order.FeederOrderID]),
		}
		if order.IsBackup {
			if err := p.hold(ctx, &rec); err != nil {
				return enqueued, fmt.Errorf("backup order %s: %w", order.ID, err)
			}
			continue
		}
		if err := p.enqueue(ctx, &rec); err != nil {
			return enqueued, fmt.Errorf("maker order %s: %w", order.ID, err)
		}
		enqueued++
	}

	p.log.Info(ctx, "dispatch records enqueued", "batch_id", batchID, "task_id", taskID,
		"enqueued", enqueued, "held", len(makers)+len(feeders)-enqueued)
	return enqueued, nil
}

// Release re-enqueues a held or failed record, typically a backup order
// promoted after its primary was invalidated.
func (p *Producer) Release(ctx context.Context, planID string) error {
	rec, err := p.store.Get(ctx, planID)
	if err != nil {
		return fmt.Errorf("load dispatch record %s: %w", planID, err)
	}
	if rec.Status != StatusHeld && rec.Status != StatusFailed {
		return fmt.Errorf("dispatch record %s is %s, only held or failed records can be released", planID, rec.Status)
	}
	if err := p.store.SetStatus(ctx, planID, StatusPending); err != nil {
		return fmt.Errorf("release dispatch record %s: %w", planID, err)
	}
	rec.Status = StatusPending
	if err := p.add(ctx, rec); err != nil {
		return err
	}
	p.log.Info(ctx, "dispatch record released", "plan_id", planID, "order_id", rec.OrderID)
	return nil
}

// enqueue validates, persists as pending, and publishes the record.
func (p *Producer) enqueue(ctx context.Context, rec *DispatchRecord) error {
	rec.Status = StatusPending
	if err := p.save(ctx, rec); err != nil {
		return err
	}
	if err := p.add(ctx, rec); err != nil {
		return err
	}
	p.metrics.IncCounter("dispatch_enqueued", 1)
	return nil
}

// hold validates and persists the record without publishing it.
func (p *Producer) hold(ctx context.Context, rec *DispatchRecord) error {
	rec.Status = StatusHeld
	if err := p.save(ctx, rec); err != nil {
		return err
	}
	p.metrics.IncCounter("dispatch_held", 1)
	return nil
}

func (p *Producer) save(ctx context.Context, rec *DispatchRecord) error {
	if err := Validate(rec.Record); err != nil {
		return err
	}
	rec.EnqueuedAt = p.now()
	if err := p.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save dispatch record %s: %w", rec.PlanID, err)
	}
	return nil
}

func (p *Producer) add(ctx context.Context, rec *DispatchRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dispatch record %s: %w", rec.PlanID, err)
	}
	if _, err := p.stream.Add(ctx, eventDispatch, payload); err != nil {
		return fmt.Errorf("publish dispatch record %s: %w", rec.PlanID, err)
	}
	return nil
}
