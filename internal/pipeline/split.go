package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/sequence"
	"github.com/leafscale/aps/internal/task"
)

// Split converts drafts targeting several makers into one child per maker,
// every child referencing the feeder that supplies its machine. A draft is
// split when its maker list has more than one entry, when its quantity
// exceeds the single machine's capacity over the planned interval, or when
// the interval is longer than one shift; a single-maker draft below those
// bounds passes through with its machine assignment resolved and no child
// suffix.
//
// Quantities are allocated across children by even shares: makers ordered
// lexicographically, base = Q/n, and the first Q mod n children receive one
// extra box, so child quantities always sum exactly to the parent's.
func Split(ctx context.Context, env Env, drafts []plan.Draft) ([]plan.Draft, []plan.Diagnostic, error) {
	env = env.withDefaults()

	var (
		out   []plan.Draft
		diags []plan.Diagnostic
	)
	for n, d := range drafts {
		if n%ChunkSize == 0 {
			if err := env.step(ctx, n, len(drafts)); err != nil {
				return nil, nil, err
			}
		}

		makers := sortedSet(d.Makers)
		if len(makers) == 0 {
			// The parser rejects rows without makers; a draft can only get
			// here through a stored checkpoint that predates validation.
			diags = append(diags, plan.Diagnostic{
				Row:     d.RowIndex,
				Kind:    plan.DiagMissing,
				Message: fmt.Sprintf("draft %s has no maker, excluded from scheduling", d.ID),
			})
			continue
		}

		if !splitRequired(env, d, makers) {
			single := d.Clone()
			single.Maker = makers[0]
			single.Feeder = feederFor(env, d, makers[0])
			out = append(out, single)
			continue
		}

		out = append(out, splitDraft(env, d, makers)...)
	}

	if err := env.step(ctx, len(drafts), len(drafts)); err != nil {
		return nil, nil, err
	}
	sortDrafts(out)
	return out, diags, nil
}

// splitRequired reports whether the draft must be broken into children.
func splitRequired(env Env, d plan.Draft, makers []string) bool {
	if len(makers) > 1 {
		return true
	}
	maker := makers[0]

	rate, _ := env.Snapshot.Speed(maker, d.Article, d.Start)
	capacity := rate * d.End.Sub(d.Start).Hours()
	if float64(d.InputQuantity) > capacity {
		return true
	}

	return d.End.Sub(d.Start) > longestShift(env, maker)
}

// longestShift returns the longest configured shift span for the machine.
func longestShift(env Env, maker string) time.Duration {
	var longest time.Duration
	for _, def := range env.Snapshot.Shifts(maker) {
		span := time.Duration(def.End-def.Start) * time.Minute
		if span > longest {
			longest = span
		}
	}
	return longest
}

// splitDraft builds the children of one draft. Children keep the parent's
// interval; later stages refine start and end per machine.
func splitDraft(env Env, d plan.Draft, makers []string) []plan.Draft {
	n := len(makers)
	inputBase, inputRem := d.InputQuantity/n, d.InputQuantity%n
	finalBase, finalRem := d.FinalQuantity/n, d.FinalQuantity%n

	children := make([]plan.Draft, 0, n)
	for i, maker := range makers {
		child := d.Clone()
		child.ID = sequence.SplitChildID(d.ID, i+1)
		child.Maker = maker
		child.Feeder = feederFor(env, d, maker)
		child.SplitFrom = d.ID
		child.SplitIndex = i + 1

		child.InputQuantity = inputBase
		if i < inputRem {
			child.InputQuantity++
		}
		child.FinalQuantity = finalBase
		if i < finalRem {
			child.FinalQuantity++
		}

		child.History = append(child.History, plan.Transform{
			Stage:  string(task.StageSplit),
			Before: d.ID,
			After:  child.ID,
			Reason: fmt.Sprintf("maker %s share %d of %d boxes", maker, child.InputQuantity, d.InputQuantity),
		})
		children = append(children, child)
	}
	return children
}

// feederFor resolves the feeder a child references: the parent-listed feeder
// related to the maker when the relation table knows one, the first listed
// feeder otherwise.
func feederFor(env Env, d plan.Draft, maker string) string {
	if related, ok := env.Snapshot.FeederFor(maker, d.Start); ok {
		for _, f := range d.Feeders {
			if f == related {
				return related
			}
		}
	}
	if len(d.Feeders) > 0 {
		return d.Feeders[0]
	}
	if related, ok := env.Snapshot.FeederFor(maker, d.Start); ok {
		return related
	}
	return ""
}

// sortedSet returns the codes sorted and deduplicated.
func sortedSet(codes []string) []string {
	set := append([]string(nil), codes...)
	sort.Strings(set)
	out := set[:0]
	for i, c := range set {
		if i == 0 || c != set[i-1] {
			out = append(out, c)
		}
	}
	return out
}
