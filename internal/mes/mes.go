// Package mes serializes emitted work orders into the dispatch records the
// manufacturing execution system consumes and delivers them through a Pulse
// queue. The Producer builds and validates records, persists them, and
// enqueues the deliverable ones; the Dispatcher consumes the queue and calls
// the MES with rate limiting, a circuit breaker, and bounded retries. Backup
// orders are persisted and serialized but held until released explicitly.
package mes

import (
	"context"
	"time"
)

// OrderType distinguishes the two work-order variants on a dispatch record.
type OrderType string

const (
	OrderTypeMaker  OrderType = "maker"
	OrderTypeFeeder OrderType = "feeder"
)

// DispatchStatus is the delivery state of one dispatch record.
type DispatchStatus string

const (
	// StatusPending records are enqueued and awaiting delivery.
	StatusPending DispatchStatus = "pending"
	// StatusHeld records are persisted but not enqueued. Backup orders
	// start here and move to pending on an explicit release.
	StatusHeld DispatchStatus = "held"
	// StatusSent records were accepted by the MES.
	StatusSent DispatchStatus = "sent"
	// StatusFailed records exhausted their delivery attempts or were
	// rejected outright. Release re-enqueues them.
	StatusFailed DispatchStatus = "failed"
)

// DispatchRecord tracks one work order's journey to the MES. PlanID doubles
// as the record identity and the MES-facing plan number. The struct is also
// the queue envelope, hence the json tags.
type DispatchRecord struct {
	PlanID    string    `json:"plan_id"`
	BatchID   string    `json:"batch_id"`
	TaskID    string    `json:"task_id"`
	OrderID   string    `json:"order_id"`
	OrderType OrderType `json:"order_type"`

	// Record is the serialized payload sent to the MES.
	Record Record `json:"record"`

	Status   DispatchStatus `json:"status"`
	Attempts int            `json:"attempts"`
	// LastError holds the most recent delivery failure.
	LastError string `json:"last_error,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	SentAt     time.Time `json:"sent_at"`
}

// DispatchStore persists dispatch records and their delivery outcomes. The
// mongo implementation lives in store/mongo.
type DispatchStore interface {
	// Save inserts or replaces the record keyed by PlanID.
	Save(ctx context.Context, rec *DispatchRecord) error
	// Get returns the record or store.ErrNotFound.
	Get(ctx context.Context, planID string) (*DispatchRecord, error)
	// ListBatch returns the batch's records in PlanID order.
	ListBatch(ctx context.Context, batchID string) ([]*DispatchRecord, error)
	// MarkSent records an accepted delivery.
	MarkSent(ctx context.Context, planID string, attempts int, at time.Time) error
	// MarkFailed records a delivery failure.
	MarkFailed(ctx context.Context, planID string, attempts int, reason string) error
	// SetStatus moves a record between pending, held, and failed.
	SetStatus(ctx context.Context, planID string, status DispatchStatus) error
}
