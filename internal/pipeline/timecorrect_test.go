package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafscale/aps/internal/plan"
)

func TestCorrectExtendsToRequiredDuration(t *testing.T) {
	env := defaultFixture().env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.InputQuantity, d.FinalQuantity = 300, 300 // 6 h at 50 boxes/h

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 1)

	require.Equal(t, at(1, 8, 0), out[0].Start)
	require.Equal(t, at(1, 14, 0), out[0].End, "end stretches to cover the quantity")
	require.Equal(t, 300, out[0].InputQuantity)
	require.Len(t, out[0].History, 1)
	require.Equal(t, "extended to required duration", out[0].History[0].Reason)
}

func TestCorrectShiftsOrderPastCoveringMaintenance(t *testing.T) {
	f := defaultFixture()
	f.maintenance = []plan.MaintenanceWindow{
		{Machine: "J1", Start: at(1, 7, 0), End: at(1, 9, 0)},
	}
	env := f.env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.InputQuantity, d.FinalQuantity = 200, 200 // exactly the 4 h interval

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 1)

	require.Equal(t, at(1, 9, 0), out[0].Start, "order starts when the window ends")
	require.Equal(t, at(1, 13, 0), out[0].End, "duration is preserved")
	require.Equal(t, 200, out[0].InputQuantity)
	require.False(t, out[0].Review)
}

func TestCorrectCutsAtMaintenanceAndCarriesRemainder(t *testing.T) {
	f := defaultFixture()
	f.maintenance = []plan.MaintenanceWindow{
		{Machine: "J1", Start: at(1, 12, 0), End: at(1, 14, 0)},
	}
	env := f.env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.InputQuantity, d.FinalQuantity = 400, 400
	d.End = at(1, 16, 0) // 8 h, exactly the required duration

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 2)

	head := byID(t, out, "R1")
	require.Equal(t, at(1, 8, 0), head.Start)
	require.Equal(t, at(1, 12, 0), head.End, "head stops where the window opens")
	require.Equal(t, 200, head.InputQuantity, "head keeps what it can finish")
	require.Equal(t, 200, head.FinalQuantity)

	rem := byID(t, out, "R1-m01")
	require.Equal(t, at(1, 14, 0), rem.Start, "remainder resumes when the window ends")
	require.Equal(t, at(1, 18, 0), rem.End)
	require.Equal(t, 200, rem.InputQuantity)
	require.Empty(t, rem.SplitFrom, "remainder is its own lineage root")
	require.Equal(t, []string{"R1"}, rem.Lineage)

	total := head.InputQuantity + rem.InputQuantity
	require.Equal(t, 400, total, "cutting never loses boxes")
}

func TestCorrectTruncatesAtMidnightWhenQuantityFits(t *testing.T) {
	env := defaultFixture().env(t)

	// A merged order spanning two days whose quantity needs only 2 h.
	d := testDraft("M202411011", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.Start, d.End = at(1, 8, 0), at(2, 12, 0)

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 1, "no remainder when the head covers the full quantity")

	require.Equal(t, at(2, 0, 0), out[0].End, "orders never cross midnight")
	require.Equal(t, 100, out[0].InputQuantity)
}

func TestCorrectDayCutSpawnsRemainder(t *testing.T) {
	env := defaultFixture().env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.InputQuantity, d.FinalQuantity = 900, 900 // 18 h, but only 16 h remain on day one
	d.End = at(1, 20, 0)

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 2)

	head := byID(t, out, "R1")
	require.Equal(t, at(2, 0, 0), head.End)
	require.Equal(t, 800, head.InputQuantity)

	rem := byID(t, out, "R1-m01")
	require.Equal(t, at(2, 0, 0), rem.Start, "default calendar works through midnight")
	require.Equal(t, at(2, 2, 0), rem.End)
	require.Equal(t, 100, rem.InputQuantity)
}

func TestCorrectMovesOrderWithNoCapacityBeforeCut(t *testing.T) {
	env := defaultFixture().env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.Start = at(1, 23, 59).Add(30 * time.Second)
	d.End = d.Start.Add(time.Minute)

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 1, "a sub-box head is moved, not cut")

	require.Equal(t, at(2, 0, 0), out[0].Start)
	require.Equal(t, at(2, 2, 0), out[0].End)
	require.Equal(t, 100, out[0].InputQuantity)
}

func TestCorrectMovesStartOntoShiftCalendar(t *testing.T) {
	f := defaultFixture()
	f.shifts = []plan.ShiftDef{
		{Name: "day", Machine: plan.Wildcard, Start: 8 * 60, End: 16 * 60},
	}
	env := f.env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.Start, d.End = at(1, 5, 0), at(1, 7, 0)

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 1)

	require.Equal(t, at(1, 8, 0), out[0].Start, "start snaps to the shift start")
	require.Equal(t, at(1, 10, 0), out[0].End)
}

func TestCorrectOvertimeExtendsTheWorkingDay(t *testing.T) {
	f := defaultFixture()
	f.shifts = []plan.ShiftDef{
		{Name: "day", Machine: plan.Wildcard, Start: 8 * 60, End: 16 * 60,
			OvertimeAllowed: true, MaxOvertime: 2 * time.Hour},
	}
	env := f.env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.InputQuantity, d.FinalQuantity = 550, 550 // 11 h against a 10 h overtime day

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 2)

	head := byID(t, out, "R1")
	require.Equal(t, at(1, 18, 0), head.End, "overtime pushes the cut past shift end")
	require.Equal(t, 500, head.InputQuantity)

	rem := byID(t, out, "R1-m01")
	require.Equal(t, at(2, 8, 0), rem.Start, "remainder waits for the next shift")
	require.Equal(t, 50, rem.InputQuantity)
}

func TestCorrectChainsRemaindersFromOneSource(t *testing.T) {
	f := defaultFixture()
	f.shifts = []plan.ShiftDef{
		{Name: "day", Machine: plan.Wildcard, Start: 8 * 60, End: 12 * 60},
	}
	env := f.env(t)

	// 500 boxes at 50 boxes/h against 4 h days: two cuts, three orders.
	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"
	d.InputQuantity, d.FinalQuantity = 500, 500

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Equal(t, []string{"R1", "R1-m01", "R1-m02"}, draftIDs(out),
		"cut remainders are numbered after the parent draft id")

	require.Equal(t, 200, out[0].InputQuantity)
	require.Equal(t, 200, out[1].InputQuantity)
	require.Equal(t, 100, out[2].InputQuantity)
	require.Equal(t, at(2, 8, 0), out[1].Start)
	require.Equal(t, at(3, 8, 0), out[2].Start)
}

func TestCorrectReviewsUnresolvableConflicts(t *testing.T) {
	f := defaultFixture()
	for day := 1; day <= 17; day++ {
		f.maintenance = append(f.maintenance, plan.MaintenanceWindow{
			Machine: "J1", Start: at(day, 0, 0), End: at(day+1, 0, 0),
		})
	}
	env := f.env(t)

	d := testDraft("R1", 2)
	d.Maker, d.Feeder = "J1", "W1"

	out, diags, err := Correct(context.Background(), env, []plan.Draft{d})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].Review)
	require.Contains(t, out[0].ReviewReason, "unresolved scheduling conflicts")
	require.Len(t, diags, 1)
	require.Equal(t, plan.DiagOutOfRange, diags[0].Kind)
}

func TestCorrectWarnsOnceForMissingSpeedRule(t *testing.T) {
	f := defaultFixture()
	f.speeds = []plan.SpeedRule{
		{Machine: "J1", Article: "YA01", BoxesPerHour: 50},
	}
	env := f.env(t)

	a := testDraft("R1", 2)
	a.Maker, a.Feeder, a.Article = "J1", "W1", "YA99"
	a.InputQuantity, a.FinalQuantity = 10, 10
	b := testDraft("R2", 3)
	b.Maker, b.Feeder, b.Article = "J1", "W1", "YA99"
	b.InputQuantity, b.FinalQuantity = 10, 10
	b.Start, b.End = at(2, 8, 0), at(2, 12, 0)

	out, diags, err := Correct(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, diags, 1, "one warning per article, not per draft")
	require.Equal(t, plan.DiagMissing, diags[0].Kind)
	require.Equal(t, "YA99", diags[0].Value)
}

func TestCorrectOrdersOutputDeterministically(t *testing.T) {
	f := defaultFixture()
	build := func() []plan.Draft {
		a := testDraft("R1", 2)
		a.Maker, a.Feeder = "J1", "W1"
		b := testDraft("R2", 3)
		b.Maker, b.Feeder = "J2", "W1"
		c := testDraft("R3", 4)
		c.Maker, c.Feeder = "J1", "W1"
		c.Start, c.End = at(1, 13, 0), at(1, 15, 0)
		return []plan.Draft{a, b, c}
	}

	forward, _, err := Correct(context.Background(), f.env(t), build())
	require.NoError(t, err)

	reversed := build()
	reversed[0], reversed[2] = reversed[2], reversed[0]
	backward, _, err := Correct(context.Background(), f.env(t), reversed)
	require.NoError(t, err)

	require.Equal(t, forward, backward)
}
