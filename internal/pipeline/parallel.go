package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/task"
)

const (
	// maxSyncRetries bounds the per-group search for a synchronized window.
	maxSyncRetries = 16

	// maxSyncPasses bounds the outer alternation between group
	// synchronization and feeder chaining.
	maxSyncPasses = 3
)

// Synchronize aligns the children of each split so they start and end
// together, then spaces the orders sharing a feeder by the changeover gap.
// The two rules interact, so the stage alternates them for up to three
// passes and marks whatever still violates an invariant for manual review.
//
// Children of one split feed simultaneously from their shared feeder, so
// the changeover gap applies between split groups on a feeder, never inside
// one.
func Synchronize(ctx context.Context, env Env, drafts []plan.Draft) ([]plan.Draft, []plan.Diagnostic, error) {
	env = env.withDefaults()
	if len(drafts) == 0 {
		return nil, nil, nil
	}

	work := make([]plan.Draft, len(drafts))
	for i, d := range drafts {
		work[i] = d.Clone()
	}
	s := &synchronizer{env: env, drafts: work}

	var diags []plan.Diagnostic
	for pass := 0; pass < maxSyncPasses; pass++ {
		if err := env.step(ctx, pass, maxSyncPasses+1); err != nil {
			return nil, nil, err
		}
		changed := s.syncGroups(&diags)
		changed = s.chainFeeders() || changed
		if !changed {
			break
		}
	}
	s.verify(&diags)
	if err := env.step(ctx, maxSyncPasses+1, maxSyncPasses+1); err != nil {
		return nil, nil, err
	}

	review := 0
	for _, d := range work {
		if d.Review {
			review++
		}
	}
	env.Metrics.IncCounter("pipeline_review_orders", float64(review))
	sortDrafts(work)
	return work, diags, nil
}

// synchronizer mutates one working draft set through the sync passes.
type synchronizer struct {
	env    Env
	drafts []plan.Draft
}

// groups partitions the non-review drafts by split parent. Keys come back
// sorted.
func (s *synchronizer) groups() ([]string, map[string][]int) {
	byKey := make(map[string][]int)
	var keys []string
	for i, d := range s.drafts {
		if d.Review {
			continue
		}
		key := d.GroupKey()
		if _, seen := byKey[key]; !seen {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], i)
	}
	sort.Strings(keys)
	return keys, byKey
}

func (s *synchronizer) syncGroups(diags *[]plan.Diagnostic) bool {
	keys, byKey := s.groups()
	changed := false
	for _, key := range keys {
		if idx := byKey[key]; len(idx) > 1 {
			changed = s.syncGroup(key, idx, diags) || changed
		}
	}
	return changed
}

// syncGroup rewrites every member of one split group to a shared interval.
// The intersection of the members' corrected intervals is used when it is
// long enough, preserving the slack the planner allowed; otherwise the
// group searches the day for the earliest window of the required duration
// that clears every member's maintenance.
func (s *synchronizer) syncGroup(key string, idx []int, diags *[]plan.Diagnostic) bool {
	var required time.Duration
	unifiedStart := s.drafts[idx[0]].Start
	unifiedEnd := s.drafts[idx[0]].End
	for _, i := range idx {
		d := s.drafts[i]
		if r, _ := requiredDuration(s.env.Snapshot, d); r > required {
			required = r
		}
		if d.Start.After(unifiedStart) {
			unifiedStart = d.Start
		}
		if d.End.Before(unifiedEnd) {
			unifiedEnd = d.End
		}
	}

	if unifiedEnd.Sub(unifiedStart) >= required && !s.blocked(idx, unifiedStart, unifiedEnd) {
		return s.apply(idx, unifiedStart, unifiedEnd)
	}

	u := unifiedStart
	dayEnd := endOfDay(u)
	for retry := 0; retry < maxSyncRetries; retry++ {
		end := u.Add(required)
		if end.After(dayEnd) {
			break
		}
		if next, ok := s.nextBoundary(idx, u, end); ok {
			u = next
			continue
		}
		return s.apply(idx, u, end)
	}

	day := unifiedStart.Format(time.DateOnly)
	for _, i := range idx {
		s.drafts[i].Review = true
		s.drafts[i].ReviewReason = fmt.Sprintf("no synchronized window for group %s on %s", key, day)
	}
	*diags = append(*diags, plan.Diagnostic{
		Row:     s.drafts[idx[0]].RowIndex,
		Kind:    plan.DiagOutOfRange,
		Value:   key,
		Message: fmt.Sprintf("split group %s: no shared %s window on %s clears maintenance on all machines", key, required, day),
	})
	return true
}

// blocked reports whether any member's maintenance interior intersects the
// candidate interval.
func (s *synchronizer) blocked(idx []int, start, end time.Time) bool {
	_, ok := s.nextBoundary(idx, start, end)
	return ok
}

// nextBoundary returns the latest end among member maintenance windows
// overlapping the candidate interval, the next start the search should try.
func (s *synchronizer) nextBoundary(idx []int, start, end time.Time) (time.Time, bool) {
	var next time.Time
	blocked := false
	for _, i := range idx {
		for _, w := range s.env.Snapshot.Maintenance(s.drafts[i].Maker) {
			if !w.Overlaps(start, end) {
				continue
			}
			blocked = true
			if w.End.After(next) {
				next = w.End
			}
		}
	}
	return next, blocked
}

// apply rewrites members to the unified interval, reporting whether any
// member moved.
func (s *synchronizer) apply(idx []int, start, end time.Time) bool {
	changed := false
	for _, i := range idx {
		d := s.drafts[i]
		if d.Start.Equal(start) && d.End.Equal(end) {
			continue
		}
		before := d.IntervalString()
		d.Start = start
		d.End = end
		s.drafts[i] = d.Recorded(string(task.StageParallel), before, d.IntervalString(), "synchronized with split group")
		changed = true
	}
	return changed
}

// chainEntry is one split group's footprint on a feeder.
type chainEntry struct {
	key      string
	priority int
	start    time.Time
	end      time.Time
}

// chains partitions the non-review drafts by feeder, one entry per split
// group. Feeders come back sorted.
func (s *synchronizer) chains() ([]string, map[string][]chainEntry) {
	byFeeder := make(map[string][]chainEntry)
	index := make(map[string]map[string]int)
	var feeders []string

	for _, d := range s.drafts {
		if d.Review || d.Feeder == "" {
			continue
		}
		if _, seen := index[d.Feeder]; !seen {
			feeders = append(feeders, d.Feeder)
			index[d.Feeder] = make(map[string]int)
		}
		key := d.GroupKey()
		if at, seen := index[d.Feeder][key]; seen {
			e := &byFeeder[d.Feeder][at]
			if d.Start.Before(e.start) {
				e.start = d.Start
			}
			if d.End.After(e.end) {
				e.end = d.End
			}
			if d.Priority < e.priority {
				e.priority = d.Priority
			}
			continue
		}
		index[d.Feeder][key] = len(byFeeder[d.Feeder])
		byFeeder[d.Feeder] = append(byFeeder[d.Feeder], chainEntry{
			key:      key,
			priority: d.Priority,
			start:    d.Start,
			end:      d.End,
		})
	}
	sort.Strings(feeders)
	return feeders, byFeeder
}

// chainFeeders walks each feeder's groups in priority and start order and
// pushes a group right whenever it begins before the previous group's end
// plus the changeover gap. The whole group moves so it stays synchronized.
func (s *synchronizer) chainFeeders() bool {
	feeders, byFeeder := s.chains()
	changed := false
	for _, f := range feeders {
		entries := byFeeder[f]
		sort.Slice(entries, func(a, b int) bool {
			if entries[a].priority != entries[b].priority {
				return entries[a].priority < entries[b].priority
			}
			if !entries[a].start.Equal(entries[b].start) {
				return entries[a].start.Before(entries[b].start)
			}
			return entries[a].key < entries[b].key
		})
		for k := 1; k < len(entries); k++ {
			floor := entries[k-1].end.Add(s.env.Changeover)
			if !entries[k].start.Before(floor) {
				continue
			}
			delta := floor.Sub(entries[k].start)
			s.shiftGroup(entries[k].key, delta, f)
			entries[k].start = entries[k].start.Add(delta)
			entries[k].end = entries[k].end.Add(delta)
			changed = true
		}
	}
	return changed
}

// shiftGroup moves every member of a group right by delta.
func (s *synchronizer) shiftGroup(key string, delta time.Duration, feeder string) {
	for i, d := range s.drafts {
		if d.Review || d.GroupKey() != key {
			continue
		}
		before := d.IntervalString()
		d.Start = d.Start.Add(delta)
		d.End = d.End.Add(delta)
		s.drafts[i] = d.Recorded(string(task.StageParallel), before, d.IntervalString(),
			fmt.Sprintf("shifted %s for changeover on feeder %s", delta, feeder))
	}
}

// verify re-checks the stage invariants after the pass bound and marks
// violators for manual review: split groups must share one interval, groups
// on a feeder must be spaced by the changeover gap, no order may sit on a
// maintenance window, and every order keeps its required duration.
func (s *synchronizer) verify(diags *[]plan.Diagnostic) {
	flag := func(i int, reason string) {
		d := &s.drafts[i]
		if d.Review {
			return
		}
		d.Review = true
		d.ReviewReason = reason
		*diags = append(*diags, plan.Diagnostic{
			Row:     d.RowIndex,
			Kind:    plan.DiagOutOfRange,
			Value:   d.ID,
			Message: fmt.Sprintf("order %s: %s", d.ID, reason),
		})
	}

	keys, byKey := s.groups()
	for _, key := range keys {
		idx := byKey[key]
		if len(idx) < 2 {
			continue
		}
		first := s.drafts[idx[0]]
		for _, i := range idx[1:] {
			if !s.drafts[i].Start.Equal(first.Start) || !s.drafts[i].End.Equal(first.End) {
				for _, j := range idx {
					flag(j, fmt.Sprintf("split group %s still out of sync after %d passes", key, maxSyncPasses))
				}
				break
			}
		}
	}

	feeders, byFeeder := s.chains()
	for _, f := range feeders {
		entries := byFeeder[f]
		sort.Slice(entries, func(a, b int) bool {
			if !entries[a].start.Equal(entries[b].start) {
				return entries[a].start.Before(entries[b].start)
			}
			return entries[a].key < entries[b].key
		})
		for k := 1; k < len(entries); k++ {
			if entries[k].start.Before(entries[k-1].end.Add(s.env.Changeover)) {
				for i, d := range s.drafts {
					if !d.Review && d.GroupKey() == entries[k].key {
						flag(i, fmt.Sprintf("changeover conflict on feeder %s after %d passes", f, maxSyncPasses))
					}
				}
			}
		}
	}

	for i, d := range s.drafts {
		if d.Review {
			continue
		}
		for _, w := range s.env.Snapshot.Maintenance(d.Maker) {
			if w.Overlaps(d.Start, d.End) {
				flag(i, fmt.Sprintf("maintenance on %s between %s and %s", d.Maker,
					w.Start.Format(time.DateTime), w.End.Format(time.DateTime)))
				break
			}
		}
	}

	for i, d := range s.drafts {
		if d.Review {
			continue
		}
		if r, _ := requiredDuration(s.env.Snapshot, d); d.Duration() < r {
			flag(i, fmt.Sprintf("interval below the %s the quantity requires", r))
		}
	}
}
