package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leafscale/aps/internal/plan"
)

func TestEmitBuildsMakerAndFeederOrder(t *testing.T) {
	env := defaultFixture().env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.InputQuantity, d.FinalQuantity = 500, 480
	d.End = at(1, 18, 0)
	d.MergedFrom = []string{"R1", "R2"}

	out, diags, err := Emit(context.Background(), env, "batch-1", "task-1", []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out.Makers, 1)
	require.Len(t, out.Feeders, 1)

	m := out.Makers[0]
	require.Equal(t, "HJB202411010001", m.ID)
	require.Equal(t, "batch-1", m.Batch)
	require.Equal(t, "task-1", m.TaskID)
	require.Equal(t, "J1", m.Maker)
	require.Equal(t, 500, m.InputQuantity)
	require.Equal(t, 480, m.FinalQuantity)
	require.Equal(t, at(1, 0, 0), m.PlanDate)
	require.Equal(t, []string{"R1", "R2"}, m.MergedFrom)
	require.Equal(t, 1, m.Sequence)

	f := out.Feeders[0]
	require.Equal(t, "HWS202411010001", f.ID)
	require.Equal(t, "W1", f.Feeder)
	require.Equal(t, 525, f.Quantity, "5%% safety stock, rounded up")
	require.Equal(t, d.Start, f.Start)
	require.Equal(t, d.End, f.End)
	require.Equal(t, []string{m.ID}, f.MakerOrderIDs)
	require.Equal(t, f.ID, m.FeederOrderID)
}

func TestEmitAggregatesFeederOrdersPerArticle(t *testing.T) {
	env := defaultFixture().env(t)

	a := testDraft("R1", 2)
	a.Maker, a.Feeder = "J1", "W1"
	a.InputQuantity = 100
	a.End = at(1, 10, 0)
	b := testDraft("R2", 3)
	b.Maker, b.Feeder = "J2", "W1"
	b.InputQuantity = 200
	b.Start, b.End = at(1, 10, 15), at(1, 14, 15)
	c := testDraft("R3", 4)
	c.Maker, c.Feeder, c.Article = "J2", "W1", "YA02"
	c.InputQuantity = 100
	c.Start, c.End = at(1, 15, 0), at(1, 17, 0)
	d := testDraft("R4", 5)
	d.Maker, d.Feeder = "J3", "W2"
	d.InputQuantity = 150

	out, _, err := Emit(context.Background(), env, "batch-1", "task-1", []plan.Draft{a, b, c, d})
	require.NoError(t, err)
	require.Len(t, out.Feeders, 3, "one feeder order per feeder and article")

	byFeeder := make(map[feederKey]plan.FeederOrder)
	for _, f := range out.Feeders {
		byFeeder[feederKey{feeder: f.Feeder, article: f.Article}] = f
	}

	w1 := byFeeder[feederKey{feeder: "W1", article: "YA01"}]
	require.Equal(t, 315, w1.Quantity, "300 boxes plus safety stock")
	require.Equal(t, at(1, 8, 0), w1.Start, "span covers every related maker order")
	require.Equal(t, at(1, 14, 15), w1.End)
	require.Len(t, w1.MakerOrderIDs, 2)

	require.Equal(t, 105, byFeeder[feederKey{feeder: "W1", article: "YA02"}].Quantity)
	require.Equal(t, 158, byFeeder[feederKey{feeder: "W2", article: "YA01"}].Quantity)
}

func TestEmitSkipsReviewOrdersInFeederAggregation(t *testing.T) {
	env := defaultFixture().env(t)

	ok := testDraft("R1", 2)
	ok.Maker, ok.Feeder = "J1", "W1"
	flagged := testDraft("R2", 3)
	flagged.Maker, flagged.Feeder = "J2", "W1"
	flagged.Review = true
	flagged.ReviewReason = "no synchronized window for group R2 on 2024-11-01"
	flagged.Start, flagged.End = at(1, 13, 0), at(1, 15, 0)

	out, diags, err := Emit(context.Background(), env, "batch-1", "task-1", []plan.Draft{ok, flagged})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out.Makers, 2, "review orders are still emitted for the planner")
	require.Len(t, out.Feeders, 1)

	r2 := out.Makers[1]
	require.True(t, r2.Review)
	require.NotEmpty(t, r2.ReviewReason)
	require.Empty(t, r2.FeederOrderID, "review orders join no feeder order")
	require.Equal(t, 105, out.Feeders[0].Quantity, "only the clean order is aggregated")
}

func TestEmitWarnsOnMissingFeeder(t *testing.T) {
	env := defaultFixture().env(t)

	d := testDraft("R1", 2)
	d.Maker = "J1"
	d.Feeder = ""

	out, diags, err := Emit(context.Background(), env, "batch-1", "task-1", []plan.Draft{d})
	require.NoError(t, err)
	require.Len(t, out.Makers, 1)
	require.Empty(t, out.Feeders)
	require.Len(t, diags, 1)
	require.Equal(t, plan.DiagMissing, diags[0].Kind)
	require.Equal(t, "R1", diags[0].Value)
}

func TestEmitBacksUpArticleChangeAcrossMonths(t *testing.T) {
	env := defaultFixture().env(t)

	oct := testDraft("R1", 2)
	oct.Maker, oct.Feeder = "J1", "W1"
	oct.Start, oct.End = at(0, 8, 0), at(0, 12, 0) // October 31st
	nov := testDraft("R2", 3)
	nov.Maker, nov.Feeder, nov.Article = "J1", "W1", "YA02"

	out, _, err := Emit(context.Background(), env, "batch-1", "task-1", []plan.Draft{oct, nov})
	require.NoError(t, err)
	require.Len(t, out.Makers, 3, "the later order of the pair is duplicated")

	var backup plan.MakerOrder
	for _, m := range out.Makers {
		if m.IsBackup {
			backup = m
		}
	}
	require.True(t, backup.IsBackup)
	require.Equal(t, "YA02", backup.Article)
	require.Equal(t, at(1, 0, 0), backup.PlanDate)
	require.Empty(t, backup.FeederOrderID, "backups are maker-only")
	require.Contains(t, backup.BackupReason, "article change YA01 to YA02")

	// The backup numbers after the order it duplicates.
	original := out.Makers[1]
	require.Equal(t, 1, original.Sequence)
	require.Equal(t, 2, backup.Sequence)
	require.NotEqual(t, original.ID, backup.ID)
}

func TestEmitNoBackupWithinOneMonth(t *testing.T) {
	env := defaultFixture().env(t)

	a := testDraft("R1", 2)
	a.Maker, a.Feeder = "J1", "W1"
	b := testDraft("R2", 3)
	b.Maker, b.Feeder, b.Article = "J1", "W1", "YA02"
	b.Start, b.End = at(2, 8, 0), at(2, 12, 0)

	out, _, err := Emit(context.Background(), env, "batch-1", "task-1", []plan.Draft{a, b})
	require.NoError(t, err)
	require.Len(t, out.Makers, 2, "article changes inside a month need no backup")
}

func TestEmitNoBackupWhenArticleHolds(t *testing.T) {
	env := defaultFixture().env(t)

	oct := testDraft("R1", 2)
	oct.Maker, oct.Feeder = "J1", "W1"
	oct.Start, oct.End = at(0, 8, 0), at(0, 12, 0)
	nov := testDraft("R2", 3)
	nov.Maker, nov.Feeder = "J1", "W1"

	out, _, err := Emit(context.Background(), env, "batch-1", "task-1", []plan.Draft{oct, nov})
	require.NoError(t, err)
	require.Len(t, out.Makers, 2)
}

func TestEmitNumbersOrdersPerMachineAndDay(t *testing.T) {
	env := defaultFixture().env(t)

	early := testDraft("R1", 2)
	early.Maker, early.Feeder = "J1", "W1"
	late := testDraft("R2", 3)
	late.Maker, late.Feeder = "J1", "W1"
	late.Start, late.End = at(1, 13, 0), at(1, 15, 0)
	nextDay := testDraft("R3", 4)
	nextDay.Maker, nextDay.Feeder = "J1", "W1"
	nextDay.Start, nextDay.End = at(2, 8, 0), at(2, 12, 0)
	otherMachine := testDraft("R4", 5)
	otherMachine.Maker, otherMachine.Feeder = "J2", "W1"
	otherMachine.Start, otherMachine.End = at(1, 13, 0), at(1, 15, 0)

	out, _, err := Emit(context.Background(), env, "batch-1", "task-1",
		[]plan.Draft{early, late, nextDay, otherMachine})
	require.NoError(t, err)
	require.Len(t, out.Makers, 4)

	seqs := make(map[string]int)
	ids := make(map[string]string)
	for _, m := range out.Makers {
		key := m.Maker + "/" + m.Start.Format("01-02T15:04")
		seqs[key] = m.Sequence
		ids[key] = m.ID
	}
	require.Equal(t, 1, seqs["J1/11-01T08:00"])
	require.Equal(t, 2, seqs["J1/11-01T13:00"])
	require.Equal(t, 1, seqs["J1/11-02T08:00"], "numbering restarts each plan date")
	require.Equal(t, 1, seqs["J2/11-01T13:00"], "numbering is per machine")

	require.Equal(t, "HJB202411010001", ids["J1/11-01T08:00"])
	require.Equal(t, "HJB202411020001", ids["J1/11-02T08:00"], "id sequence is per day")
}

func TestEmitIsDeterministicUnderResetCounters(t *testing.T) {
	build := func() []plan.Draft {
		a := testDraft("R1", 2)
		a.Maker, a.Feeder = "J1", "W1"
		b := testDraft("R2", 3)
		b.Maker, b.Feeder = "J2", "W1"
		b.Start, b.End = at(1, 13, 0), at(1, 15, 0)
		return []plan.Draft{a, b}
	}

	first, _, err := Emit(context.Background(), defaultFixture().env(t), "batch-1", "task-1", build())
	require.NoError(t, err)

	reversed := build()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	second, _, err := Emit(context.Background(), defaultFixture().env(t), "batch-1", "task-1", reversed)
	require.NoError(t, err)

	require.Equal(t, first, second, "input order does not change ids or sequences")
}
