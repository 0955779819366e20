// Package pipeline implements the scheduling transforms that turn parsed
// plan rows into machine-level work orders: merge, split, time correction,
// parallel synchronization, and emission. Each stage is a function from a
// draft slice to a new draft slice plus diagnostics; drafts are never
// mutated in place. The Runner drives the stages for one task with
// checkpointing, progress reporting, and cooperative cancellation.
package pipeline

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/refdata"
	"github.com/leafscale/aps/internal/sequence"
	"github.com/leafscale/aps/internal/telemetry"
)

const (
	// ChunkSize is how many drafts a stage processes between cancellation
	// checks and progress reports.
	ChunkSize = 1000

	// MaxWorkers caps the per-stage worker pool.
	MaxWorkers = 8

	// DefaultChangeover is the minimum gap between consecutive orders on
	// one feeder.
	DefaultChangeover = 15 * time.Minute

	// DefaultPriority is assigned to drafts the planner did not rank.
	// 1 is the highest priority.
	DefaultPriority = 5
)

// Env carries the shared dependencies of the pipeline stages. The zero
// value is not usable; stages normalize optional fields through defaults.
type Env struct {
	// Snapshot is the reference data consulted by the stages. Required.
	Snapshot *refdata.Snapshot
	// Sequences allocates merge and work-order ids. Required by Merge
	// and Emit.
	Sequences *sequence.Allocator
	// Changeover overrides the feeder changeover gap. Defaults to
	// DefaultChangeover.
	Changeover time.Duration
	// Workers caps stage fan-out. Zero selects min(GOMAXPROCS, MaxWorkers).
	Workers int
	// Logger and Metrics default to noops.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// Now supplies the clock for merge ids and transform history.
	// Defaults to time.Now.
	Now func() time.Time
	// OnProgress, when set, receives the stage-relative completion
	// fraction (0 to 1) at every chunk boundary. May be called from
	// multiple goroutines.
	OnProgress func(frac float64)
}

// withDefaults fills optional Env fields.
func (e Env) withDefaults() Env {
	if e.Changeover <= 0 {
		e.Changeover = DefaultChangeover
	}
	if e.Logger == nil {
		e.Logger = telemetry.NewNoopLogger()
	}
	if e.Metrics == nil {
		e.Metrics = telemetry.NewNoopMetrics()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// workers resolves the stage fan-out width.
func (e Env) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	w := runtime.GOMAXPROCS(0)
	if w > MaxWorkers {
		w = MaxWorkers
	}
	return w
}

// step checks cancellation and reports progress. Stages call it at chunk
// boundaries with the number of processed units out of total.
func (e Env) step(ctx context.Context, done, total int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.OnProgress != nil && total > 0 {
		frac := float64(done) / float64(total)
		if frac > 1 {
			frac = 1
		}
		e.OnProgress(frac)
	}
	return nil
}

// NewDrafts converts a batch's usable rows into position-zero drafts. Error
// rows never enter the pipeline; the parser already excluded them from the
// valid count.
func NewDrafts(batch *plan.ImportBatch, rows []plan.PlanRow) []plan.Draft {
	drafts := make([]plan.Draft, 0, len(rows))
	for _, row := range rows {
		if !row.Usable() {
			continue
		}
		drafts = append(drafts, plan.Draft{
			ID:            row.WorkOrderID,
			Batch:         batch.ID,
			RowIndex:      row.RowIndex,
			PlanYear:      row.Start.Year(),
			PlanMonth:     int(row.Start.Month()),
			Article:       row.Article,
			PackageType:   row.PackageType,
			Specification: row.Specification,
			Unit:          row.Unit,
			Feeders:       append([]string(nil), row.Feeders...),
			Makers:        append([]string(nil), row.Makers...),
			InputQuantity: row.InputQuantity,
			FinalQuantity: row.FinalQuantity,
			Start:         row.Start,
			End:           row.End,
			Priority:      DefaultPriority,
			Lineage:       []string{row.WorkOrderID},
		})
	}
	return drafts
}

// requiredDuration returns the production time the draft's input quantity
// demands on its assigned maker. The second result is false when no speed
// rule matched and the conservative default rate was applied.
func requiredDuration(snap *refdata.Snapshot, d plan.Draft) (time.Duration, bool) {
	rate, matched := snap.Speed(d.Maker, d.Article, d.Start)
	return boxesDuration(d.InputQuantity, rate), matched
}

// boxesDuration converts a box count at a boxes-per-hour rate into a
// duration, rounded to the second.
func boxesDuration(boxes int, rate float64) time.Duration {
	if boxes <= 0 || rate <= 0 {
		return 0
	}
	seconds := float64(boxes) / rate * 3600
	return time.Duration(seconds+0.5) * time.Second
}

// sortDrafts orders drafts by start time, then maker, then id. Stages sort
// their output so a rerun of the same input is byte-identical.
func sortDrafts(drafts []plan.Draft) {
	sort.Slice(drafts, func(i, j int) bool {
		if !drafts[i].Start.Equal(drafts[j].Start) {
			return drafts[i].Start.Before(drafts[j].Start)
		}
		if drafts[i].Maker != drafts[j].Maker {
			return drafts[i].Maker < drafts[j].Maker
		}
		return drafts[i].ID < drafts[j].ID
	})
}
