// Package sequence allocates the identifier families used by the scheduling
// engine: batch ids, merge ids, work-order numbers, and MES plan ids.
// Counter-backed ids are reserved from the store in blocks so a thousand
// work orders cost ten round trips, not a thousand.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leafscale/aps/internal/plan"
)

// DefaultBlockSize is how many ids one store reservation covers.
const DefaultBlockSize = 100

// Store reserves contiguous blocks from named persistent counters. Reserve
// advances the counter by n and returns the first value of the block;
// counters start at 1.
type Store interface {
	Reserve(ctx context.Context, name string, n int64) (int64, error)
}

type (
	// Options configure an Allocator.
	Options struct {
		// BlockSize is the reservation size. Defaults to DefaultBlockSize.
		BlockSize int64
	}

	// Allocator hands out ids from block reservations. Safe for concurrent
	// use; unused tail ids of a block are abandoned on restart, which the
	// formats tolerate since only uniqueness and monotonicity matter.
	Allocator struct {
		store Store
		block int64

		mu      sync.Mutex
		cursors map[string]*cursor
	}

	cursor struct {
		next      int64
		remaining int64
	}
)

// NewAllocator creates an Allocator over the given counter store.
func NewAllocator(store Store, opts Options) (*Allocator, error) {
	if store == nil {
		return nil, errors.New("sequence: store is required")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	return &Allocator{
		store:   store,
		block:   opts.BlockSize,
		cursors: make(map[string]*cursor),
	}, nil
}

// Next returns the next value of the named counter.
func (a *Allocator) Next(ctx context.Context, name string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.cursors[name]
	if !ok {
		cur = &cursor{}
		a.cursors[name] = cur
	}
	if cur.remaining == 0 {
		first, err := a.store.Reserve(ctx, name, a.block)
		if err != nil {
			return 0, fmt.Errorf("reserve %q: %w", name, err)
		}
		cur.next = first
		cur.remaining = a.block
	}
	v := cur.next
	cur.next++
	cur.remaining--
	return v, nil
}

// typeCode maps a machine kind to its two-letter work-order type.
func typeCode(kind plan.MachineKind) (string, error) {
	switch kind {
	case plan.MachineMaker:
		return "JB", nil
	case plan.MachineFeeder:
		return "WS", nil
	default:
		return "", fmt.Errorf("no work-order type for machine kind %q", kind)
	}
}

// WorkOrderID allocates a work-order number H{type}{yyyymmdd}{seq}. The
// sequence is per type and day and zero-padded to four digits.
func (a *Allocator) WorkOrderID(ctx context.Context, kind plan.MachineKind, day time.Time) (string, error) {
	tc, err := typeCode(kind)
	if err != nil {
		return "", err
	}
	date := day.Format("20060102")
	seq, err := a.Next(ctx, "workorder_"+tc+"_"+date)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("H%s%s%04d", tc, date, seq), nil
}

// PlanID allocates a MES plan id H{type}{seq} with a nine-digit per-type
// sequence.
func (a *Allocator) PlanID(ctx context.Context, kind plan.MachineKind) (string, error) {
	tc, err := typeCode(kind)
	if err != nil {
		return "", err
	}
	seq, err := a.Next(ctx, "mesplan_"+tc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("H%s%09d", tc, seq), nil
}

// MergeID allocates a merged-draft id M{yyyymmdd}{seq}. The sequence is per
// day and unpadded.
func (a *Allocator) MergeID(ctx context.Context, day time.Time) (string, error) {
	date := day.Format("20060102")
	seq, err := a.Next(ctx, "merge_"+date)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("M%s%d", date, seq), nil
}

// BatchID builds an import-batch id {cadence}_{yyyymmdd}_{hhmmss}_{random}.
// The random tail keeps ids unique when two workbooks land in the same
// second; no counter round trip is needed.
func BatchID(cadence plan.Cadence, at time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s_%s", cadence, at.Format("20060102"), at.Format("150405"), random)
}

// SplitChildID derives a split child's id from its parent draft id and the
// 1-based child index.
func SplitChildID(parent string, index int) string {
	return fmt.Sprintf("%s-%02d", parent, index)
}

// RemainderID derives the id of a remainder order cut off by maintenance or
// a shift boundary. The index is 1-based and counted per source draft.
func RemainderID(parent string, index int) string {
	return fmt.Sprintf("%s-m%02d", parent, index)
}
