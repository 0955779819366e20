package plan

import "time"

type (
	// MakerOrder is the terminal work order for one packing machine. It is
	// persisted by the work-order store and serialized for MES dispatch.
	MakerOrder struct {
		// ID is drawn from the per-type per-date sequence:
		// H{type}{yyyymmdd}{seq:04d} with type JB.
		ID     string
		Batch  string
		TaskID string

		Maker         string
		Article       string
		PackageType   string
		Specification string
		Unit          string

		InputQuantity int
		FinalQuantity int

		Start time.Time
		End   time.Time
		// PlanDate is the calendar day the order is scheduled on.
		PlanDate time.Time
		// Sequence is the 1-based position within PlanDate for this maker,
		// assigned in start-time order.
		Sequence int

		// FeederOrderID links the feeder order supplying this maker.
		// Empty for backup orders.
		FeederOrderID string
		Feeder        string

		// IsBackup marks a contingency duplicate emitted for cross-month
		// article changes. Backup orders have no feeder order and are not
		// auto-dispatched.
		IsBackup     bool
		BackupReason string

		// Lineage.
		SplitFrom  string
		SplitIndex int
		MergedFrom []string

		// Review marks an order that exhausted its scheduling bounds.
		Review       bool
		ReviewReason string
	}

	// FeederOrder is the terminal work order for one tobacco-cut feeder,
	// aggregating the maker orders it supplies.
	FeederOrder struct {
		// ID uses sequence type WS.
		ID     string
		Batch  string
		TaskID string

		Feeder  string
		Article string
		Unit    string

		// Quantity is the sum of the related maker quantities plus the
		// safety-stock margin, rounded up to whole boxes.
		Quantity int

		// Start and End span the related maker orders.
		Start    time.Time
		End      time.Time
		PlanDate time.Time
		Sequence int

		// MakerOrderIDs lists the supplied maker orders.
		MakerOrderIDs []string
	}
)

// SafetyStockPercent is the feeder over-allocation applied at emission.
const SafetyStockPercent = 5
