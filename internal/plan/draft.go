package plan

import (
	"fmt"
	"time"
)

type (
	// Draft is an in-pipeline work order. Stages consume and emit drafts;
	// a draft is never mutated in place once handed to the next stage.
	//
	// Before the split stage a draft may target several makers; afterwards
	// Maker and Feeder each hold exactly one code and Makers/Feeders keep
	// the original lists for lineage.
	Draft struct {
		// ID is the current order identifier: the planner id, a merge id
		// (M{yyyymmdd}{seq}), or a split child id (parent + -NN suffix).
		ID string
		// Batch is the originating import batch id.
		Batch string
		// RowIndex is the workbook row the draft originated from; merged
		// drafts keep the earliest member's index. It breaks ordering ties
		// so stage output is reproducible.
		RowIndex int
		// PlanYear and PlanMonth locate the draft in the planning calendar
		// and participate in the merge eligibility key.
		PlanYear  int
		PlanMonth int

		Article       string
		PackageType   string
		Specification string
		Unit          string

		// Feeders and Makers are the target machine lists in workbook order.
		Feeders []string
		Makers  []string
		// Maker and Feeder are the single assigned machines after split.
		Maker  string
		Feeder string

		// InputQuantity and FinalQuantity are box counts.
		InputQuantity int
		FinalQuantity int

		Start time.Time
		End   time.Time

		// Priority orders feeder chains; 1 is highest, default 5.
		Priority int

		// Lineage lists the plan-row work-order ids this draft derives from.
		Lineage []string
		// MergedFrom lists the ids collapsed by the merge stage, when any.
		MergedFrom []string
		// SplitFrom and SplitIndex identify the split parent, when any.
		// SplitIndex is 1-based.
		SplitFrom  string
		SplitIndex int

		// History records every transformation applied to the draft.
		History []Transform

		// Review marks an order the pipeline could not schedule within its
		// iteration bounds; such orders are emitted for manual handling and
		// excluded from MES dispatch.
		Review       bool
		ReviewReason string
	}

	// Transform is one entry in a draft's transform history.
	Transform struct {
		Stage  string
		Before string
		After  string
		Reason string
	}
)

// Clone returns a deep copy of the draft. Stages that rewrite a draft clone
// it first so siblings sharing backing slices are unaffected.
func (d Draft) Clone() Draft {
	c := d
	c.Feeders = append([]string(nil), d.Feeders...)
	c.Makers = append([]string(nil), d.Makers...)
	c.Lineage = append([]string(nil), d.Lineage...)
	c.MergedFrom = append([]string(nil), d.MergedFrom...)
	c.History = append([]Transform(nil), d.History...)
	return c
}

// Duration returns the draft's current interval length.
func (d Draft) Duration() time.Duration {
	return d.End.Sub(d.Start)
}

// IntervalString renders the interval for transform history entries.
func (d Draft) IntervalString() string {
	return fmt.Sprintf("%s → %s", d.Start.Format(time.DateTime), d.End.Format(time.DateTime))
}

// Recorded returns a copy of the draft with a transform appended.
func (d Draft) Recorded(stage, before, after, reason string) Draft {
	c := d.Clone()
	c.History = append(c.History, Transform{Stage: stage, Before: before, After: after, Reason: reason})
	return c
}

// GroupKey returns the split-parent key used by the parallel stage. Drafts
// that never went through a split form singleton groups keyed by their own id.
func (d Draft) GroupKey() string {
	if d.SplitFrom != "" {
		return d.SplitFrom
	}
	return d.ID
}
