package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/leafscale/aps/internal/plan"
)

// Orders is the emission output: the terminal work orders of one task.
type Orders struct {
	Makers  []plan.MakerOrder
	Feeders []plan.FeederOrder
}

// Emit converts the final draft set into work orders. Every draft becomes
// one maker order; the non-review drafts of each feeder and article are
// aggregated into one feeder order carrying the safety-stock margin; and a
// maker whose article changes across a month boundary gets a backup
// duplicate of the later order. Ids are drawn from the per-type per-date
// sequence in a fixed order, so two runs over the same drafts emit
// identical orders under a reset counter store.
func Emit(ctx context.Context, env Env, batchID, taskID string, drafts []plan.Draft) (Orders, []plan.Diagnostic, error) {
	env = env.withDefaults()

	ordered := append([]plan.Draft(nil), drafts...)
	sortDrafts(ordered)

	var (
		out   Orders
		diags []plan.Diagnostic
	)

	for n, d := range ordered {
		if n%ChunkSize == 0 {
			if err := env.step(ctx, n, len(ordered)); err != nil {
				return Orders{}, nil, err
			}
		}
		planDate := startOfDay(d.Start)
		id, err := env.Sequences.WorkOrderID(ctx, plan.MachineMaker, planDate)
		if err != nil {
			return Orders{}, nil, fmt.Errorf("allocate maker order id: %w", err)
		}
		out.Makers = append(out.Makers, plan.MakerOrder{
			ID:            id,
			Batch:         batchID,
			TaskID:        taskID,
			Maker:         d.Maker,
			Article:       d.Article,
			PackageType:   d.PackageType,
			Specification: d.Specification,
			Unit:          d.Unit,
			InputQuantity: d.InputQuantity,
			FinalQuantity: d.FinalQuantity,
			Start:         d.Start,
			End:           d.End,
			PlanDate:      planDate,
			Feeder:        d.Feeder,
			SplitFrom:     d.SplitFrom,
			SplitIndex:    d.SplitIndex,
			MergedFrom:    append([]string(nil), d.MergedFrom...),
			Review:        d.Review,
			ReviewReason:  d.ReviewReason,
		})
		if !d.Review && d.Feeder == "" {
			diags = append(diags, plan.Diagnostic{
				Row:     d.RowIndex,
				Kind:    plan.DiagMissing,
				Value:   d.ID,
				Message: fmt.Sprintf("order %s has no feeder, no feeder order emitted", d.ID),
			})
		}
	}

	feeders, err := emitFeederOrders(ctx, env, batchID, taskID, out.Makers)
	if err != nil {
		return Orders{}, nil, err
	}
	out.Feeders = feeders

	backups, err := emitBackups(ctx, env, out.Makers)
	if err != nil {
		return Orders{}, nil, err
	}
	out.Makers = append(out.Makers, backups...)

	assignSequences(out)

	if err := env.step(ctx, len(ordered), len(ordered)); err != nil {
		return Orders{}, nil, err
	}
	env.Metrics.IncCounter("pipeline_maker_orders", float64(len(out.Makers)))
	env.Metrics.IncCounter("pipeline_feeder_orders", float64(len(out.Feeders)))
	return out, diags, nil
}

// feederKey groups maker orders supplied by one feeder running one article.
type feederKey struct {
	feeder  string
	article string
}

// emitFeederOrders aggregates the non-review maker orders per feeder and
// article. Quantity is the related sum plus the safety stock, rounded up.
func emitFeederOrders(ctx context.Context, env Env, batchID, taskID string, makers []plan.MakerOrder) ([]plan.FeederOrder, error) {
	groups := make(map[feederKey][]int)
	var keys []feederKey
	for i := range makers {
		m := &makers[i]
		if m.Review || m.Feeder == "" {
			continue
		}
		key := feederKey{feeder: m.Feeder, article: m.Article}
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], i)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].feeder != keys[j].feeder {
			return keys[i].feeder < keys[j].feeder
		}
		return keys[i].article < keys[j].article
	})

	var out []plan.FeederOrder
	for _, key := range keys {
		idx := groups[key]
		first := makers[idx[0]]
		order := plan.FeederOrder{
			Batch:   batchID,
			TaskID:  taskID,
			Feeder:  key.feeder,
			Article: key.article,
			Unit:    first.Unit,
			Start:   first.Start,
			End:     first.End,
		}
		var sum int64
		for _, i := range idx {
			m := makers[i]
			sum += int64(m.InputQuantity)
			if m.Start.Before(order.Start) {
				order.Start = m.Start
			}
			if m.End.After(order.End) {
				order.End = m.End
			}
			order.MakerOrderIDs = append(order.MakerOrderIDs, m.ID)
		}
		order.Quantity = int((sum*(100+plan.SafetyStockPercent) + 99) / 100)
		order.PlanDate = startOfDay(order.Start)

		id, err := env.Sequences.WorkOrderID(ctx, plan.MachineFeeder, order.PlanDate)
		if err != nil {
			return nil, fmt.Errorf("allocate feeder order id: %w", err)
		}
		order.ID = id
		for _, i := range idx {
			makers[i].FeederOrderID = id
		}
		out = append(out, order)
	}
	return out, nil
}

// emitBackups duplicates the later order of every consecutive same-maker
// pair that straddles a month boundary with an article change. The backup
// is maker-only: it references no feeder order and is not auto-dispatched.
func emitBackups(ctx context.Context, env Env, makers []plan.MakerOrder) ([]plan.MakerOrder, error) {
	byMaker := make(map[string][]int)
	var codes []string
	for i, m := range makers {
		if m.Review {
			continue
		}
		if _, seen := byMaker[m.Maker]; !seen {
			codes = append(codes, m.Maker)
		}
		byMaker[m.Maker] = append(byMaker[m.Maker], i)
	}
	sort.Strings(codes)

	var out []plan.MakerOrder
	for _, code := range codes {
		idx := byMaker[code]
		sort.Slice(idx, func(a, b int) bool {
			if !makers[idx[a]].Start.Equal(makers[idx[b]].Start) {
				return makers[idx[a]].Start.Before(makers[idx[b]].Start)
			}
			return makers[idx[a]].ID < makers[idx[b]].ID
		})
		for k := 1; k < len(idx); k++ {
			prev, cur := makers[idx[k-1]], makers[idx[k]]
			if sameMonth(prev.PlanDate, cur.PlanDate) || prev.Article == cur.Article {
				continue
			}
			id, err := env.Sequences.WorkOrderID(ctx, plan.MachineMaker, cur.PlanDate)
			if err != nil {
				return nil, fmt.Errorf("allocate backup order id: %w", err)
			}
			backup := cur
			backup.ID = id
			backup.MergedFrom = append([]string(nil), cur.MergedFrom...)
			backup.FeederOrderID = ""
			backup.IsBackup = true
			backup.BackupReason = fmt.Sprintf("article change %s to %s across month boundary on %s",
				prev.Article, cur.Article, code)
			out = append(out, backup)
		}
	}
	return out, nil
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// assignSequences numbers the orders of each machine within a plan date,
// 1-based in start order. A backup sorts after the order it duplicates.
func assignSequences(out Orders) {
	type daySlot struct {
		machine string
		date    time.Time
	}

	makerIdx := make(map[daySlot][]int)
	for i, m := range out.Makers {
		key := daySlot{machine: m.Maker, date: m.PlanDate}
		makerIdx[key] = append(makerIdx[key], i)
	}
	for _, idx := range makerIdx {
		sort.Slice(idx, func(a, b int) bool {
			ma, mb := out.Makers[idx[a]], out.Makers[idx[b]]
			if !ma.Start.Equal(mb.Start) {
				return ma.Start.Before(mb.Start)
			}
			if ma.IsBackup != mb.IsBackup {
				return !ma.IsBackup
			}
			return ma.ID < mb.ID
		})
		for seq, i := range idx {
			out.Makers[i].Sequence = seq + 1
		}
	}

	feederIdx := make(map[daySlot][]int)
	for i, f := range out.Feeders {
		key := daySlot{machine: f.Feeder, date: f.PlanDate}
		feederIdx[key] = append(feederIdx[key], i)
	}
	for _, idx := range feederIdx {
		sort.Slice(idx, func(a, b int) bool {
			fa, fb := out.Feeders[idx[a]], out.Feeders[idx[b]]
			if !fa.Start.Equal(fb.Start) {
				return fa.Start.Before(fb.Start)
			}
			return fa.ID < fb.ID
		})
		for seq, i := range idx {
			out.Feeders[i].Sequence = seq + 1
		}
	}
}

// startOfDay returns midnight of the instant's calendar day.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
