package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/task"
)

// mergeKey identifies drafts that represent one production commitment
// reported across several plan lines: same planning month, same article,
// same machine sets.
type mergeKey struct {
	year    int
	month   int
	article string
	makers  string
	feeders string
}

func keyOf(d plan.Draft) mergeKey {
	return mergeKey{
		year:    d.PlanYear,
		month:   d.PlanMonth,
		article: d.Article,
		makers:  joinSet(d.Makers),
		feeders: joinSet(d.Feeders),
	}
}

// joinSet canonicalizes a machine list as a sorted, deduplicated key part.
func joinSet(codes []string) string {
	set := append([]string(nil), codes...)
	sort.Strings(set)
	out := set[:0]
	for i, c := range set {
		if i == 0 || c != set[i-1] {
			out = append(out, c)
		}
	}
	return strings.Join(out, ",")
}

// unionFind is a standard disjoint-set forest with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri != rj {
		u.parent[rj] = ri
	}
}

// Merge collapses drafts that carry the same production commitment into one
// draft per group. Grouping is a union-find with edges between drafts whose
// merge keys are equal; each connected component becomes one group, and a
// single-draft component passes through unchanged.
//
// The merged draft takes the group's earliest start and latest end, sums
// both quantities, records every member id in MergedFrom, and inherits all
// other attributes from the earliest-start member. A group whose summed
// quantity would overflow int32 is emitted unmerged with a warning; merge
// never fails on data.
func Merge(ctx context.Context, env Env, drafts []plan.Draft) ([]plan.Draft, []plan.Diagnostic, error) {
	env = env.withDefaults()
	if len(drafts) == 0 {
		return nil, nil, nil
	}

	// Deterministic processing order: planned start, then workbook row.
	ordered := append([]plan.Draft(nil), drafts...)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].Start.Equal(ordered[j].Start) {
			return ordered[i].Start.Before(ordered[j].Start)
		}
		if ordered[i].RowIndex != ordered[j].RowIndex {
			return ordered[i].RowIndex < ordered[j].RowIndex
		}
		return ordered[i].ID < ordered[j].ID
	})

	uf := newUnionFind(len(ordered))
	first := make(map[mergeKey]int, len(ordered))
	for i, d := range ordered {
		key := keyOf(d)
		if j, seen := first[key]; seen {
			uf.union(j, i)
		} else {
			first[key] = i
		}
	}

	// Components in order of their earliest member.
	var roots []int
	members := make(map[int][]int)
	for i := range ordered {
		root := uf.find(i)
		if _, seen := members[root]; !seen {
			roots = append(roots, root)
		}
		members[root] = append(members[root], i)
	}

	var (
		out   []plan.Draft
		diags []plan.Diagnostic
	)
	for n, root := range roots {
		if n%ChunkSize == 0 {
			if err := env.step(ctx, n, len(roots)); err != nil {
				return nil, nil, err
			}
		}
		group := members[root]
		if len(group) == 1 {
			out = append(out, ordered[group[0]])
			continue
		}

		var inputSum, finalSum int64
		for _, i := range group {
			inputSum += int64(ordered[i].InputQuantity)
			finalSum += int64(ordered[i].FinalQuantity)
		}
		if inputSum > math.MaxInt32 || finalSum > math.MaxInt32 {
			earliest := ordered[group[0]]
			diags = append(diags, plan.Diagnostic{
				Row:     earliest.RowIndex,
				Kind:    plan.DiagOutOfRange,
				Value:   fmt.Sprintf("%d", inputSum),
				Message: fmt.Sprintf("merged quantity for article %s would overflow, %d rows left unmerged", earliest.Article, len(group)),
			})
			for _, i := range group {
				out = append(out, ordered[i])
			}
			continue
		}

		merged, err := mergeGroup(ctx, env, ordered, group)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, merged)
	}

	if err := env.step(ctx, len(roots), len(roots)); err != nil {
		return nil, nil, err
	}
	env.Metrics.IncCounter("pipeline_merged_groups", float64(len(roots)))
	return out, diags, nil
}

// mergeGroup builds the merged draft for one component. Members are already
// in deterministic order, so members[0] is the earliest-start draft.
func mergeGroup(ctx context.Context, env Env, ordered []plan.Draft, group []int) (plan.Draft, error) {
	id, err := env.Sequences.MergeID(ctx, env.Now())
	if err != nil {
		return plan.Draft{}, fmt.Errorf("allocate merge id: %w", err)
	}

	earliest := ordered[group[0]]
	merged := earliest.Clone()
	merged.ID = id
	merged.MergedFrom = nil
	merged.Lineage = nil

	sourceIDs := make([]string, 0, len(group))
	for _, i := range group {
		m := ordered[i]
		sourceIDs = append(sourceIDs, m.ID)
		merged.Lineage = appendUnique(merged.Lineage, m.Lineage...)
		if m.Start.Before(merged.Start) {
			merged.Start = m.Start
		}
		if m.End.After(merged.End) {
			merged.End = m.End
		}
	}
	merged.MergedFrom = sourceIDs

	var inputSum, finalSum int
	for _, i := range group {
		inputSum += ordered[i].InputQuantity
		finalSum += ordered[i].FinalQuantity
	}
	merged.InputQuantity = inputSum
	merged.FinalQuantity = finalSum

	merged.History = append(merged.History, plan.Transform{
		Stage:  string(task.StageMerge),
		Before: strings.Join(sourceIDs, "+"),
		After:  merged.ID,
		Reason: fmt.Sprintf("%d plan lines for one commitment", len(group)),
	})
	return merged, nil
}

// appendUnique appends values not already present, preserving order.
func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, have := range dst {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
