// Package mongo implements the engine's persistence interfaces on MongoDB:
// import batches, plan rows, work orders, stage checkpoints, task records,
// dispatch records, reference data, and the id sequence counters.
//
// Collection names follow the aps_ prefix convention of the source system.
// Driver timeouts and network failures are marked transient so callers can
// wrap store operations in retry.Do.
package mongo

import (
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/leafscale/aps/internal/retry"
)

// Collection names.
const (
	CollBatches      = "aps_import_batch"
	CollRows         = "aps_plan_row"
	CollTasks        = "aps_task"
	CollCheckpoints  = "aps_task_checkpoint"
	CollMakerOrders  = "aps_work_order_maker"
	CollFeederOrders = "aps_work_order_feeder"
	CollSequences    = "aps_work_order_sequence"
	CollDispatches   = "aps_mes_dispatch"
	CollMachines     = "aps_machine"
	CollRelations    = "aps_machine_relation"
	CollSpeeds       = "aps_machine_speed"
	CollShifts       = "aps_shift_config"
	CollMaintenance  = "aps_maintenance_window"
)

// wrapErr wraps a driver error with the operation name, marking timeouts
// and network failures transient for the retry layer.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("mongodb %s: %w", op, retry.Transient(err))
	}
	return fmt.Errorf("mongodb %s: %w", op, err)
}
