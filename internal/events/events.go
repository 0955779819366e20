// Package events carries scheduling lifecycle notifications. Components
// publish to an in-process bus; subscribers update read models, forward to
// the Pulse progress stream, or just log. Delivery is synchronous and
// fail-fast so a persistence subscriber can halt a publisher on
// unrecoverable errors.
package events

import "time"

// Type names an event family.
type Type string

const (
	// TaskAccepted fires when a scheduling task is created and queued.
	TaskAccepted Type = "task.accepted"
	// TaskStarted fires when a worker picks the task up.
	TaskStarted Type = "task.started"
	// TaskProgress fires on weighted progress changes.
	TaskProgress Type = "task.progress"
	// TaskCompleted fires when all stages finished and orders are persisted.
	TaskCompleted Type = "task.completed"
	// TaskFailed fires when a stage error exhausts its retries.
	TaskFailed Type = "task.failed"
	// TaskCancelled fires when a cancellation request took effect.
	TaskCancelled Type = "task.cancelled"

	// StageStarted and StageCompleted bracket each pipeline stage.
	StageStarted   Type = "stage.started"
	StageCompleted Type = "stage.completed"

	// OrdersEmitted fires once per task after work orders are written.
	OrdersEmitted Type = "orders.emitted"

	// DispatchSent and DispatchFailed report per-order MES delivery.
	DispatchSent   Type = "dispatch.sent"
	DispatchFailed Type = "dispatch.failed"
)

// Event is one lifecycle notification. Fields beyond Type and At are set
// when meaningful for the event family.
type Event struct {
	Type    Type   `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	// Progress is the weighted completion percentage, 0 to 100.
	Progress float64   `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}
