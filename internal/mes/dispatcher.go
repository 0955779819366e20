package mes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	pulseclients "github.com/leafscale/aps/internal/clients/pulse"
	"github.com/leafscale/aps/internal/events"
	"github.com/leafscale/aps/internal/retry"
	"github.com/leafscale/aps/internal/telemetry"
)

// Dispatcher defaults.
const (
	DefaultSink          = "dispatcher"
	DefaultRatePerSecond = 5.0
	DefaultBurst         = 1
)

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	// Client provides the Pulse queue stream. Required.
	Client pulseclients.Client
	// MES delivers records to the execution system. Required.
	MES Client
	// Store persists delivery outcomes. Required.
	Store DispatchStore
	// Stream and Sink override the queue names.
	Stream string
	Sink   string
	// Bus receives DispatchSent and DispatchFailed events.
	Bus events.Bus
	// Logger and Metrics default to noops.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// RatePerSecond and Burst bound the delivery rate.
	RatePerSecond float64
	Burst         int
	// Retry bounds per-record delivery attempts. Zero uses
	// retry.DefaultConfig: three attempts with exponential backoff.
	Retry retry.Config
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Dispatcher consumes the dispatch queue and delivers records to the MES.
// Delivery is rate limited, guarded by a circuit breaker on transport
// failures, and retried on Result=2 responses. Every outcome is written back
// to the dispatch store.
type Dispatcher struct {
	pulse      pulseclients.Client
	mes        Client
	store      DispatchStore
	streamName string
	sinkName   string
	bus        events.Bus
	log        telemetry.Logger
	metrics    telemetry.Metrics
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	retryCfg   retry.Config
	now        func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, errors.New("mes: pulse client is required")
	}
	if opts.MES == nil {
		return nil, errors.New("mes: client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("mes: dispatch store is required")
	}
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Sink == "" {
		opts.Sink = DefaultSink
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
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	log := opts.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mes",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "mes breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Dispatcher{
		pulse:      opts.Client,
		mes:        opts.MES,
		store:      opts.Store,
		streamName: opts.Stream,
		sinkName:   opts.Sink,
		bus:        opts.Bus,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		breaker:    breaker,
		retryCfg:   opts.Retry,
		now:        opts.Clock,
	}, nil
}

// Run consumes the dispatch queue until the context is cancelled. Malformed
// entries are acknowledged and dropped; delivery outcomes never stop the
// loop, only queue infrastructure failures do.
func (d *Dispatcher) Run(ctx context.Context) error {
	stream, err := d.pulse.Stream(d.streamName)
	if err != nil {
		return fmt.Errorf("open dispatch stream %q: %w", d.streamName, err)
	}
	sink, err := stream.NewSink(ctx, d.sinkName)
	if err != nil {
		return fmt.Errorf("create sink %q on dispatch stream %q: %w", d.sinkName, d.streamName, err)
	}
	defer sink.Close(ctx)

	d.log.Info(ctx, "mes dispatcher started", "stream", d.streamName, "sink", d.sinkName)
	entries := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return errors.New("dispatch stream subscription closed")
			}
			var rec DispatchRecord
			if err := json.Unmarshal(entry.Payload, &rec); err != nil {
				d.log.Warn(ctx, "malformed dispatch entry dropped", "err", err)
				if ackErr := sink.Ack(ctx, entry); ackErr != nil {
					return fmt.Errorf("ack malformed dispatch entry: %w", ackErr)
				}
				continue
			}
			if d.alreadySent(ctx, rec.PlanID) {
				if ackErr := sink.Ack(ctx, entry); ackErr != nil {
					return fmt.Errorf("ack duplicate dispatch entry: %w", ackErr)
				}
				continue
			}
			d.deliver(ctx, &rec)
			if ctx.Err() != nil {
				// Leave the entry unacked so it is redelivered.
				return ctx.Err()
			}
			if ackErr := sink.Ack(ctx, entry); ackErr != nil {
				return fmt.Errorf("ack dispatch entry %s: %w", rec.PlanID, ackErr)
			}
		}
	}
}

// alreadySent guards against queue redelivery of an accepted record.
func (d *Dispatcher) alreadySent(ctx context.Context, planID string) bool {
	cur, err := d.store.Get(ctx, planID)
	return err == nil && cur.Status == StatusSent
}

// deliver sends one record and writes the outcome back. Raw client errors
// retry only when the client marked them transient; Result=2 responses and
// breaker rejections always retry, up to the attempt bound.
func (d *Dispatcher) deliver(ctx context.Context, rec *DispatchRecord) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	attempts := 0
	err := retry.Do(ctx, d.retryCfg, func(ctx context.Context) error {
		attempts++
		d.metrics.IncCounter("dispatch_attempts", 1)
		out, err := d.breaker.Execute(func() (any, error) {
			return d.mes.Send(ctx, rec.Record)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return retry.Transient(err)
			}
			return err
		}
		resp := out.(Response)
		switch resp.Result {
		case ResultAccepted:
			return nil
		case ResultRetry:
			reason := resp.Reason
			if reason == "" {
				reason = resp.ErrorMessage
			}
			return retry.Transient(fmt.Errorf("mes asked to retry: %s", reason))
		default:
			return fmt.Errorf("mes rejected record: result %d, code %s: %s", resp.Result, resp.ErrorCode, resp.ErrorMessage)
		}
	})

	if errors.Is(err, context.Canceled) {
		// Shutdown mid-delivery; the record stays pending and redelivers.
		return
	}

	outcome := context.WithoutCancel(ctx)
	if err != nil {
		d.metrics.IncCounter("dispatch_failed", 1)
		if markErr := d.store.MarkFailed(outcome, rec.PlanID, attempts, err.Error()); markErr != nil {
			d.log.Error(outcome, "mark dispatch failed", "plan_id", rec.PlanID, "err", markErr)
		}
		d.publish(outcome, events.Event{
			Type: events.DispatchFailed, TaskID: rec.TaskID, BatchID: rec.BatchID,
			Message: fmt.Sprintf("%s: %s", rec.PlanID, err), At: d.now(),
		})
		d.log.Warn(outcome, "dispatch failed", "plan_id", rec.PlanID, "order_id", rec.OrderID,
			"attempts", attempts, "err", err)
		return
	}

	d.metrics.IncCounter("dispatch_sent", 1)
	if markErr := d.store.MarkSent(outcome, rec.PlanID, attempts, d.now()); markErr != nil {
		d.log.Error(outcome, "mark dispatch sent", "plan_id", rec.PlanID, "err", markErr)
	}
	d.publish(outcome, events.Event{
		Type: events.DispatchSent, TaskID: rec.TaskID, BatchID: rec.BatchID,
		Message: rec.PlanID, At: d.now(),
	})
	d.log.Info(outcome, "dispatch sent", "plan_id", rec.PlanID, "order_id", rec.OrderID, "attempts", attempts)
}

func (d *Dispatcher) publish(ctx context.Context, event events.Event) {
	if err := d.bus.Publish(ctx, event); err != nil {
		d.log.Warn(ctx, "dispatch event publish failed", "type", event.Type, "err", err)
	}
}
