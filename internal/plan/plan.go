// Package plan holds the domain values exchanged between the workbook
// parser, the scheduling pipeline stages, and the persistence stores:
// import batches, parsed plan rows, in-pipeline drafts, and the emitted
// maker/feeder work orders.
//
// Values are immutable by convention. Each pipeline stage consumes a slice
// of values and emits a new slice; nothing in this package carries locks or
// hidden shared state.
package plan

import "time"

type (
	// Cadence selects the planning rhythm a workbook belongs to. The two
	// cadences share one pipeline contract and differ only in how the parser
	// defaults missing years in date ranges.
	Cadence string

	// BatchState tracks the lifecycle of an ImportBatch. A batch is created
	// in StateUploading, moves to StateParsing when the parser picks it up,
	// and terminates in StateCompleted or StateFailed. Batches are never
	// mutated after reaching a terminal state.
	BatchState string

	// RowStatus classifies a parsed plan row. Error rows are excluded from
	// the pipeline; warning rows flow through.
	RowStatus string

	// DiagKind classifies a parser or stage diagnostic.
	DiagKind string

	// ImportBatch identifies one uploaded workbook and owns the plan rows
	// extracted from it.
	ImportBatch struct {
		// ID is generated as {cadence}_{yyyymmdd}_{hhmmss}_{random8}.
		ID string
		// Cadence is the planning rhythm declared at upload.
		Cadence Cadence
		// FileName is the original workbook name.
		FileName string
		// FileSize is the workbook size in bytes.
		FileSize int64
		// FilePath points at the stored workbook bytes.
		FilePath string
		// PlanYear is the year parsed dates default to when the workbook
		// omits one.
		PlanYear int
		// UploadedAt is the upload timestamp.
		UploadedAt time.Time
		// State is the batch lifecycle state.
		State BatchState
		// Counts summarizes row validation results once parsing completes.
		Counts RowCounts
	}

	// RowCounts summarizes validation outcomes for a batch.
	RowCounts struct {
		Total   int
		Valid   int
		Warning int
		Error   int
	}

	// PlanRow is one line extracted from a workbook. Rows with Status
	// RowError never enter the pipeline.
	PlanRow struct {
		// RowIndex is the 1-based workbook row the line was read from.
		RowIndex int
		// WorkOrderID is the planner-supplied order identifier.
		WorkOrderID string
		// Article is the normalized article code (whitespace collapsed,
		// uppercased).
		Article string
		// PackageType and Specification are carried through unmodified.
		PackageType   string
		Specification string
		// Unit is the production unit the row belongs to.
		Unit string
		// Feeders and Makers are the machine code lists, deduplicated and
		// in workbook order.
		Feeders []string
		Makers  []string
		// InputQuantity and FinalQuantity are box counts.
		InputQuantity int
		FinalQuantity int
		// Start and End bound the planned interval. Start < End for valid rows.
		Start time.Time
		End   time.Time
		// RawDateRange preserves the cell text the interval was parsed from.
		RawDateRange string
		// Status and Message record validation.
		Status  RowStatus
		Message string
		// Extra preserves unknown column values keyed by header label.
		Extra map[string]string
	}

	// Diagnostic reports one anomaly found while parsing or transforming.
	Diagnostic struct {
		// Row is the 1-based workbook row, or the draft index for stage
		// diagnostics.
		Row int
		// Column is the header label of the offending cell, when known.
		Column string
		// Kind classifies the anomaly.
		Kind DiagKind
		// Value is the original cell content.
		Value string
		// Message describes the anomaly.
		Message string
	}
)

const (
	// CadenceDecade is the ten-day planning cadence.
	CadenceDecade Cadence = "decade"
	// CadenceMonthly is the one-month planning cadence.
	CadenceMonthly Cadence = "monthly"
)

const (
	StateUploading BatchState = "uploading"
	StateParsing   BatchState = "parsing"
	StateCompleted BatchState = "completed"
	StateFailed    BatchState = "failed"
)

const (
	RowValid   RowStatus = "valid"
	RowWarning RowStatus = "warning"
	RowError   RowStatus = "error"
)

const (
	DiagFormat      DiagKind = "format"
	DiagMissing     DiagKind = "missing"
	DiagOutOfRange  DiagKind = "out-of-range"
	DiagUnknownCode DiagKind = "unknown-code"
)

// Valid reports whether the cadence is one of the two known rhythms.
func (c Cadence) Valid() bool {
	return c == CadenceDecade || c == CadenceMonthly
}

// Terminal reports whether the batch state is final.
func (s BatchState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Usable reports whether the row may enter the pipeline.
func (r PlanRow) Usable() bool {
	return r.Status != RowError
}

// Duration returns the planned interval length.
func (r PlanRow) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
