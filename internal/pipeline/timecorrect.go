package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/sequence"
	"github.com/leafscale/aps/internal/task"
)

const (
	// maxCorrectionIterations bounds conflict resolution per order.
	maxCorrectionIterations = 16

	// maxRemainders bounds how many remainder orders one source draft may
	// spawn; the two-digit remainder suffix is the ceiling.
	maxRemainders = 99
)

// shiftRun is a maximal block of contiguous working time within one day,
// glued from adjacent shift definitions. Overtime is the allowance of the
// run's last shift; a run never extends past midnight.
type shiftRun struct {
	start    plan.ClockMinute
	end      plan.ClockMinute
	overtime time.Duration
}

// buildRuns glues a machine's shift table into runs. The table arrives
// sorted by start from the snapshot.
func buildRuns(defs []plan.ShiftDef) []shiftRun {
	var runs []shiftRun
	for _, def := range defs {
		var ot time.Duration
		if def.OvertimeAllowed {
			ot = def.MaxOvertime
		}
		if n := len(runs); n > 0 && runs[n-1].end == def.Start {
			runs[n-1].end = def.End
			runs[n-1].overtime = ot
			continue
		}
		runs = append(runs, shiftRun{start: def.Start, end: def.End, overtime: ot})
	}
	return runs
}

// endOn returns the instant the run's working time ends on the given day,
// overtime included, capped at midnight.
func (r shiftRun) endOn(day time.Time) time.Time {
	end := r.end.At(day).Add(r.overtime)
	if dayEnd := endOfDay(day); end.After(dayEnd) {
		return dayEnd
	}
	return end
}

func endOfDay(t time.Time) time.Time {
	return plan.ClockMinute(24 * 60).At(t)
}

// runAt returns the run containing the instant, matching on [start, end).
func runAt(runs []shiftRun, t time.Time) (shiftRun, bool) {
	m := plan.MinuteOf(t)
	for _, r := range runs {
		if m >= r.start && m < r.end {
			return r, true
		}
	}
	return shiftRun{}, false
}

// nextWorkingInstant returns t when t falls inside a run, otherwise the
// next run start, rolling into the following day past the last run.
func nextWorkingInstant(runs []shiftRun, t time.Time) time.Time {
	if len(runs) == 0 {
		return t
	}
	m := plan.MinuteOf(t)
	for _, r := range runs {
		if m >= r.start && m < r.end {
			return t
		}
		if m < r.start {
			return r.start.At(t)
		}
	}
	return runs[0].start.At(t.AddDate(0, 0, 1))
}

// Correct shifts every draft's interval clear of maintenance windows and
// onto its maker's shift calendar, preserving the duration its quantity
// requires. Work that cannot finish before a window or the end of the
// working day is cut, and the cut-off quantity re-enters the queue as a
// remainder order scheduled at the next working instant. A draft whose
// conflicts survive the iteration bound is marked for manual review.
//
// Drafts are partitioned by maker and partitions are corrected
// concurrently. Within a partition the order is ascending start time, and
// remainder ids are numbered per source draft, so output is reproducible
// regardless of scheduling.
func Correct(ctx context.Context, env Env, drafts []plan.Draft) ([]plan.Draft, []plan.Diagnostic, error) {
	env = env.withDefaults()
	if len(drafts) == 0 {
		return nil, nil, nil
	}

	byMaker := make(map[string][]plan.Draft)
	var makers []string
	for _, d := range drafts {
		key := assignedMaker(d)
		if _, seen := byMaker[key]; !seen {
			makers = append(makers, key)
		}
		byMaker[key] = append(byMaker[key], d)
	}
	sort.Strings(makers)

	var (
		mu        sync.Mutex
		processed int
	)
	tick := func(gctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		processed++
		if processed%ChunkSize == 0 {
			if err := env.step(gctx, processed, len(drafts)); err != nil {
				return err
			}
		}
		return gctx.Err()
	}

	results := make([][]plan.Draft, len(makers))
	partDiags := make([][]plan.Diagnostic, len(makers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.workers())
	for i, maker := range makers {
		g.Go(func() error {
			c := &corrector{
				env:     env,
				maker:   maker,
				runs:    buildRuns(env.Snapshot.Shifts(maker)),
				windows: env.Snapshot.Maintenance(maker),
				warned:  make(map[string]bool),
			}
			out, diags, err := c.correctAll(gctx, byMaker[maker], tick)
			if err != nil {
				return err
			}
			results[i] = out
			partDiags[i] = diags
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		out   []plan.Draft
		diags []plan.Diagnostic
	)
	for i := range makers {
		out = append(out, results[i]...)
		diags = append(diags, partDiags[i]...)
	}
	env.Metrics.IncCounter("pipeline_corrected_drafts", float64(len(out)))
	if err := env.step(ctx, len(drafts), len(drafts)); err != nil {
		return nil, nil, err
	}
	sortDrafts(out)
	return out, diags, nil
}

// assignedMaker returns the draft's maker for calendar lookups, falling back
// to the first listed maker when the split stage was disabled.
func assignedMaker(d plan.Draft) string {
	if d.Maker != "" {
		return d.Maker
	}
	if len(d.Makers) > 0 {
		return d.Makers[0]
	}
	return ""
}

// corrector corrects the drafts of one maker.
type corrector struct {
	env     Env
	maker   string
	runs    []shiftRun
	windows []plan.MaintenanceWindow
	// warned tracks articles already reported for a missing speed rule.
	warned map[string]bool
}

func (c *corrector) correctAll(ctx context.Context, drafts []plan.Draft, tick func(context.Context) error) ([]plan.Draft, []plan.Diagnostic, error) {
	ordered := append([]plan.Draft(nil), drafts...)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].Start.Equal(ordered[j].Start) {
			return ordered[i].Start.Before(ordered[j].Start)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var (
		out   []plan.Draft
		diags []plan.Diagnostic
	)
	for _, d := range ordered {
		corrected, ds := c.correctDraft(d)
		out = append(out, corrected...)
		diags = append(diags, ds...)
		if err := tick(ctx); err != nil {
			return nil, nil, err
		}
	}
	return out, diags, nil
}

// correctDraft corrects one draft and every remainder it spawns. Remainders
// are numbered from 1 per source draft.
func (c *corrector) correctDraft(d plan.Draft) ([]plan.Draft, []plan.Diagnostic) {
	var (
		out     []plan.Draft
		diags   []plan.Diagnostic
		nextRem = 1
	)
	queue := []plan.Draft{d}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		fixed, remainder, ds := c.correctOne(cur, d.ID, &nextRem)
		out = append(out, fixed)
		diags = append(diags, ds...)
		if remainder == nil {
			continue
		}
		if nextRem > maxRemainders {
			r := *remainder
			r.Review = true
			r.ReviewReason = fmt.Sprintf("remainder chain exceeds %d orders", maxRemainders)
			out = append(out, r)
			continue
		}
		queue = append(queue, *remainder)
	}
	return out, diags
}

// correctOne applies the conflict-resolution policy to one draft. It
// returns the corrected draft and, when the draft was cut, the remainder
// carrying the quantity that did not fit.
func (c *corrector) correctOne(cur plan.Draft, sourceID string, nextRem *int) (plan.Draft, *plan.Draft, []plan.Diagnostic) {
	var diags []plan.Diagnostic
	d := cur.Clone()

	rate, matched := c.env.Snapshot.Speed(c.maker, d.Article, d.Start)
	if !matched {
		if !c.warned[d.Article] {
			c.warned[d.Article] = true
			diags = append(diags, plan.Diagnostic{
				Row:     d.RowIndex,
				Kind:    plan.DiagMissing,
				Value:   d.Article,
				Message: fmt.Sprintf("no speed rule for %s running %s, assuming %.0f boxes/h", c.maker, d.Article, plan.DefaultBoxesPerHour),
			})
		}
	}
	required := boxesDuration(d.InputQuantity, rate)

	if d.Duration() < required {
		before := d.IntervalString()
		d.End = d.Start.Add(required)
		d = d.Recorded(string(task.StageCorrection), before, d.IntervalString(), "extended to required duration")
	}

	for iter := 0; iter < maxCorrectionIterations; iter++ {
		// Working time first: a start inside a shift gap moves to the next
		// run start, duration preserved.
		if next := nextWorkingInstant(c.runs, d.Start); !next.Equal(d.Start) {
			before := d.IntervalString()
			dur := d.Duration()
			d.Start = next
			d.End = next.Add(dur)
			d = d.Recorded(string(task.StageCorrection), before, d.IntervalString(), "moved to shift start")
			continue
		}

		// Maintenance, earliest overlapping window first. A window covering
		// the start pushes the whole order past it; a window opening inside
		// the order cuts it there.
		w, conflict := c.firstOverlap(d.Start, d.End)
		if conflict && !d.Start.Before(w.Start) {
			before := d.IntervalString()
			dur := d.Duration()
			d.Start = w.End
			d.End = w.End.Add(dur)
			d = d.Recorded(string(task.StageCorrection), before, d.IntervalString(),
				fmt.Sprintf("shifted past maintenance %s", w.Start.Format(time.DateTime)))
			continue
		}

		cutAt := time.Time{}
		resume := time.Time{}
		reason := ""
		if conflict {
			cutAt, resume, reason = w.Start, w.End, "maintenance-split"
		}

		// The working day bounds every order; production past the run end
		// carries over to the next working instant.
		run, ok := runAt(c.runs, d.Start)
		if !ok {
			break
		}
		if dayEnd := run.endOn(d.Start); d.End.After(dayEnd) && (cutAt.IsZero() || dayEnd.Before(cutAt)) {
			cutAt, resume, reason = dayEnd, nextWorkingInstant(c.runs, dayEnd), "shift-cut"
		}

		if cutAt.IsZero() {
			return d, nil, diags
		}

		// Nothing finishes before the cut point: move the whole order.
		if quantityWithin(d.Start, cutAt, rate) <= 0 {
			before := d.IntervalString()
			dur := d.Duration()
			d.Start = resume
			d.End = resume.Add(dur)
			d = d.Recorded(string(task.StageCorrection), before, d.IntervalString(), "no capacity before "+reason)
			continue
		}

		head, rem := c.cut(d, cutAt, resume, rate, sourceID, nextRem, reason)
		return head, rem, diags
	}

	d.Review = true
	d.ReviewReason = fmt.Sprintf("unresolved scheduling conflicts after %d iterations", maxCorrectionIterations)
	diags = append(diags, plan.Diagnostic{
		Row:     d.RowIndex,
		Kind:    plan.DiagOutOfRange,
		Value:   d.IntervalString(),
		Message: fmt.Sprintf("order %s on %s: %s", d.ID, c.maker, c.describeConflicts(d)),
	})
	return d, nil, diags
}

// firstOverlap returns the earliest maintenance window whose interior
// intersects [s, e).
func (c *corrector) firstOverlap(s, e time.Time) (plan.MaintenanceWindow, bool) {
	for _, w := range c.windows {
		if w.Overlaps(s, e) {
			return w, true
		}
	}
	return plan.MaintenanceWindow{}, false
}

// describeConflicts lists the windows still overlapping the draft for the
// manual-review diagnostic.
func (c *corrector) describeConflicts(d plan.Draft) string {
	desc := "unresolved conflicts:"
	for _, w := range c.windows {
		if w.Overlaps(d.Start, d.End) {
			desc += fmt.Sprintf(" [%s, %s]", w.Start.Format(time.DateTime), w.End.Format(time.DateTime))
		}
	}
	return desc
}

// quantityWithin returns the boxes a machine produces between two instants
// at the given rate.
func quantityWithin(s, e time.Time, rate float64) int {
	if !e.After(s) {
		return 0
	}
	return int(e.Sub(s).Hours()*rate + 1e-9)
}

// cut truncates the draft at the cut point. When the quantity does not fit
// in the kept interval, the overflow moves to a remainder order scheduled
// at the resume instant; the head keeps exactly the boxes it can finish, so
// its duration stays adequate.
func (c *corrector) cut(d plan.Draft, at, resume time.Time, rate float64, sourceID string, nextRem *int, reason string) (plan.Draft, *plan.Draft) {
	head := d.Clone()
	before := head.IntervalString()
	head.End = at

	headQty := quantityWithin(d.Start, at, rate)
	if headQty >= d.InputQuantity {
		head = head.Recorded(string(task.StageCorrection), before, head.IntervalString(), "truncated, quantity fits before "+reason)
		return head, nil
	}

	headFinal := 0
	if d.InputQuantity > 0 {
		headFinal = d.FinalQuantity * headQty / d.InputQuantity
	}

	rem := d.Clone()
	rem.ID = sequence.RemainderID(sourceID, *nextRem)
	*nextRem++
	rem.SplitFrom = ""
	rem.SplitIndex = 0
	rem.InputQuantity = d.InputQuantity - headQty
	rem.FinalQuantity = d.FinalQuantity - headFinal
	rem.Start = resume
	rem.End = resume.Add(boxesDuration(rem.InputQuantity, rate))
	rem.History = append(rem.History, plan.Transform{
		Stage:  string(task.StageCorrection),
		Before: d.ID,
		After:  rem.ID,
		Reason: reason,
	})

	head.InputQuantity = headQty
	head.FinalQuantity = headFinal
	head = head.Recorded(string(task.StageCorrection), before, head.IntervalString(),
		fmt.Sprintf("%s, %d boxes carried to %s", reason, rem.InputQuantity, rem.ID))
	return head, &rem
}
