package refdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/telemetry"
)

// DefaultTTL bounds how long a snapshot is served before the provider reads
// the reference collections again.
const DefaultTTL = 5 * time.Minute

// ProviderOptions configure a Provider.
type ProviderOptions struct {
	// TTL is the snapshot lifetime. Defaults to DefaultTTL.
	TTL time.Duration
	// Logger receives refresh warnings. Defaults to a noop logger.
	Logger telemetry.Logger
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Provider serves the current reference-data snapshot. Lookups within the
// TTL share one snapshot; concurrent rebuilds collapse into a single store
// read.
type Provider struct {
	store Store
	ttl   time.Duration
	log   telemetry.Logger
	now   func() time.Time

	group singleflight.Group

	mu   sync.RWMutex
	snap *Snapshot
}

// NewProvider creates a Provider over the given store.
func NewProvider(store Store, opts ProviderOptions) (*Provider, error) {
	if store == nil {
		return nil, errors.New("refdata: store is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Provider{
		store: store,
		ttl:   opts.TTL,
		log:   opts.Logger,
		now:   opts.Clock,
	}, nil
}

// Snapshot returns the current snapshot, rebuilding it when stale. When a
// rebuild fails and an earlier snapshot exists, the stale snapshot is served
// so a transient store outage does not fail a running schedule.
func (p *Provider) Snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if snap != nil && p.now().Sub(snap.builtAt) < p.ttl {
		return snap, nil
	}
	return p.refresh(ctx)
}

// Invalidate drops the cached snapshot so the next Snapshot call reloads.
// Call after writing reference rows.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.snap = nil
	p.mu.Unlock()
}

// Run refreshes the snapshot on a fixed cadence until the context is
// cancelled. Refresh failures are logged and the loop keeps going; the
// serve-stale path in Snapshot covers readers in the meantime.
func (p *Provider) Run(ctx context.Context) error {
	sched := cron.Every(p.ttl)
	for {
		timer := time.NewTimer(time.Until(sched.Next(p.now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := p.refresh(ctx); err != nil {
				p.log.Warn(ctx, "scheduled reference data refresh failed", "err", err)
			}
		}
	}
}

func (p *Provider) refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := p.group.Do("refresh", func() (any, error) {
		p.mu.RLock()
		cur := p.snap
		p.mu.RUnlock()
		if cur != nil && p.now().Sub(cur.builtAt) < p.ttl {
			return cur, nil
		}
		snap, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.snap = snap
		p.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		p.mu.RLock()
		cur := p.snap
		p.mu.RUnlock()
		if cur != nil {
			p.log.Warn(ctx, "reference data refresh failed, serving stale snapshot",
				"err", err, "built_at", cur.builtAt)
			return cur, nil
		}
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (p *Provider) load(ctx context.Context) (*Snapshot, error) {
	var (
		machines    []plan.Machine
		relations   []plan.MachineRelation
		speeds      []plan.SpeedRule
		shifts      []plan.ShiftDef
		maintenance []plan.MaintenanceWindow
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if machines, err = p.store.ListMachines(gctx); err != nil {
			return fmt.Errorf("list machines: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if relations, err = p.store.ListRelations(gctx); err != nil {
			return fmt.Errorf("list machine relations: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if speeds, err = p.store.ListSpeedRules(gctx); err != nil {
			return fmt.Errorf("list speed rules: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if shifts, err = p.store.ListShifts(gctx); err != nil {
			return fmt.Errorf("list shifts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if maintenance, err = p.store.ListMaintenanceWindows(gctx); err != nil {
			return fmt.Errorf("list maintenance windows: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return NewSnapshot(machines, relations, speeds, shifts, maintenance, p.now())
}
