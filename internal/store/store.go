// Package store defines the persistence interfaces for plan data: import
// batches, parsed rows, emitted work orders, and stage checkpoints. The
// mongo subpackage implements them; tests substitute in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/leafscale/aps/internal/plan"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type (
	// Batches persists workbook import batches.
	Batches interface {
		// Save inserts or replaces the batch.
		Save(ctx context.Context, b *plan.ImportBatch) error
		// Get returns the batch or ErrNotFound.
		Get(ctx context.Context, id string) (*plan.ImportBatch, error)
		// SetState moves the batch to the given state.
		SetState(ctx context.Context, id string, state plan.BatchState) error
		// SetCounts records the per-status row tallies after parsing.
		SetCounts(ctx context.Context, id string, counts plan.RowCounts) error
		// List returns the most recent batches, newest first.
		List(ctx context.Context, limit int64) ([]*plan.ImportBatch, error)
	}

	// Rows persists the parsed plan rows of a batch.
	Rows interface {
		// ReplaceBatch atomically replaces the rows stored for the batch.
		ReplaceBatch(ctx context.Context, batchID string, rows []plan.PlanRow) error
		// ListBatch returns the batch rows in row-index order.
		ListBatch(ctx context.Context, batchID string) ([]plan.PlanRow, error)
	}

	// Orders persists emitted work orders.
	Orders interface {
		SaveMakerOrders(ctx context.Context, orders []plan.MakerOrder) error
		SaveFeederOrders(ctx context.Context, orders []plan.FeederOrder) error
		// ListMakerOrders returns the maker orders of a batch in sequence
		// order.
		ListMakerOrders(ctx context.Context, batchID string) ([]plan.MakerOrder, error)
		// ListFeederOrders returns the feeder orders of a batch in sequence
		// order.
		ListFeederOrders(ctx context.Context, batchID string) ([]plan.FeederOrder, error)
		// DeleteBatch removes every order of the batch. Emission deletes
		// before writing so a retried task does not double the order set.
		DeleteBatch(ctx context.Context, batchID string) error
	}

	// Checkpoint is a per-stage snapshot of the working draft set. A retried
	// task resumes from the latest checkpoint instead of re-running completed
	// stages.
	Checkpoint struct {
		TaskID  string
		Stage   string
		Drafts  []plan.Draft
		SavedAt time.Time
	}

	// Checkpoints persists stage checkpoints, latest-wins per task.
	Checkpoints interface {
		Save(ctx context.Context, cp Checkpoint) error
		// Latest returns the most recent checkpoint for the task or
		// ErrNotFound.
		Latest(ctx context.Context, taskID string) (Checkpoint, error)
		// Clear removes all checkpoints of the task, called after completion.
		Clear(ctx context.Context, taskID string) error
	}
)
