package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leafscale/aps/internal/plan"
)

// splitChild builds one member of a split group in the fixture shop.
func splitChild(parent string, index int, maker, feeder string) plan.Draft {
	d := testDraft(parent, 2)
	d.ID = parent + map[int]string{1: "-01", 2: "-02", 3: "-03"}[index]
	d.SplitFrom = parent
	d.SplitIndex = index
	d.Maker = maker
	d.Feeder = feeder
	return d
}

func TestSynchronizeUnifiesGroupOnIntersection(t *testing.T) {
	env := defaultFixture().env(t)

	a := splitChild("R1", 1, "J1", "W1")
	a.InputQuantity, a.FinalQuantity = 300, 300 // 6 h at 50 boxes/h
	a.Start, a.End = at(1, 9, 0), at(1, 17, 0)
	b := splitChild("R1", 2, "J2", "W1")
	b.InputQuantity, b.FinalQuantity = 300, 300
	b.Start, b.End = at(1, 8, 0), at(1, 15, 0)

	out, diags, err := Synchronize(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)
	require.Empty(t, diags)
	require.Len(t, out, 2)

	for _, d := range out {
		require.Equal(t, at(1, 9, 0), d.Start, "group starts at the latest member start")
		require.Equal(t, at(1, 15, 0), d.End, "group ends at the earliest member end")
		require.False(t, d.Review)
	}
}

func TestSynchronizeSearchesPastMaintenance(t *testing.T) {
	f := defaultFixture()
	f.maintenance = []plan.MaintenanceWindow{
		{Machine: "J2", Start: at(1, 9, 0), End: at(1, 10, 0)},
	}
	env := f.env(t)

	a := splitChild("R1", 1, "J1", "W1")
	a.InputQuantity, a.FinalQuantity = 300, 300
	a.Start, a.End = at(1, 8, 0), at(1, 14, 0)
	b := splitChild("R1", 2, "J2", "W1")
	b.InputQuantity, b.FinalQuantity = 300, 300
	b.Start, b.End = at(1, 8, 0), at(1, 14, 0)

	out, diags, err := Synchronize(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)
	require.Empty(t, diags)

	for _, d := range out {
		require.Equal(t, at(1, 10, 0), d.Start, "window starts after J2's maintenance")
		require.Equal(t, at(1, 16, 0), d.End)
		require.False(t, d.Review)
	}
}

func TestSynchronizeReviewsGroupWithoutSharedWindow(t *testing.T) {
	f := defaultFixture()
	f.maintenance = []plan.MaintenanceWindow{
		{Machine: "J2", Start: at(1, 16, 0), End: at(1, 17, 30)},
	}
	env := f.env(t)

	// 8 h required, 7 h intersection, and the search past the window would
	// cross midnight.
	a := splitChild("R1", 1, "J1", "W1")
	a.InputQuantity, a.FinalQuantity = 400, 400
	a.Start, a.End = at(1, 9, 0), at(1, 17, 0)
	b := splitChild("R1", 2, "J2", "W1")
	b.InputQuantity, b.FinalQuantity = 400, 400
	b.Start, b.End = at(1, 8, 0), at(1, 16, 0)

	out, diags, err := Synchronize(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)
	require.Len(t, out, 2)

	for _, d := range out {
		require.True(t, d.Review, "every group member goes to review together")
		require.Contains(t, d.ReviewReason, "no synchronized window for group R1")
	}
	require.Len(t, diags, 1)
	require.Equal(t, plan.DiagOutOfRange, diags[0].Kind)
	require.Equal(t, "R1", diags[0].Value)
}

func TestSynchronizeSpacesFeederOrdersByChangeover(t *testing.T) {
	env := defaultFixture().env(t)

	a := testDraft("R1", 2)
	a.Maker, a.Feeder = "J1", "W1"
	a.Start, a.End = at(1, 8, 0), at(1, 10, 0)
	b := testDraft("R2", 3)
	b.Maker, b.Feeder = "J2", "W1"
	b.Start, b.End = at(1, 8, 30), at(1, 10, 30)

	out, diags, err := Synchronize(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)
	require.Empty(t, diags)

	first := byID(t, out, "R1")
	require.Equal(t, at(1, 8, 0), first.Start, "the earlier order holds its slot")
	require.Equal(t, at(1, 10, 0), first.End)

	second := byID(t, out, "R2")
	require.Equal(t, at(1, 10, 15), second.Start, "changeover gap after the first order")
	require.Equal(t, at(1, 12, 15), second.End)
	require.False(t, second.Review)
}

func TestSynchronizeChainsByPriorityBeforeStart(t *testing.T) {
	env := defaultFixture().env(t)

	a := testDraft("R1", 2)
	a.Maker, a.Feeder = "J1", "W1"
	a.Start, a.End = at(1, 8, 0), at(1, 10, 0)
	b := testDraft("R2", 3)
	b.Maker, b.Feeder = "J2", "W1"
	b.Priority = 1 // more urgent than R1's default
	b.Start, b.End = at(1, 8, 30), at(1, 10, 30)

	out, _, err := Synchronize(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)

	urgent := byID(t, out, "R2")
	require.Equal(t, at(1, 8, 30), urgent.Start, "the urgent order keeps its slot")

	deferred := byID(t, out, "R1")
	require.Equal(t, at(1, 10, 45), deferred.Start)
	require.Equal(t, at(1, 12, 45), deferred.End)
}

func TestSynchronizeShiftsWholeGroupForChangeover(t *testing.T) {
	env := defaultFixture().env(t)

	single := testDraft("R2", 3)
	single.Maker, single.Feeder = "J1", "W1"
	single.InputQuantity, single.FinalQuantity = 50, 50
	single.Start, single.End = at(1, 7, 0), at(1, 8, 0)

	a := splitChild("R1", 1, "J1", "W1")
	a.InputQuantity, a.FinalQuantity = 200, 200
	b := splitChild("R1", 2, "J2", "W1")
	b.InputQuantity, b.FinalQuantity = 200, 200

	out, diags, err := Synchronize(context.Background(), env, []plan.Draft{single, a, b})
	require.NoError(t, err)
	require.Empty(t, diags)

	require.Equal(t, at(1, 7, 0), byID(t, out, "R2").Start)
	childA := byID(t, out, "R1-01")
	childB := byID(t, out, "R1-02")
	require.Equal(t, at(1, 8, 15), childA.Start, "the group clears the changeover gap")
	require.Equal(t, childA.Start, childB.Start, "group members move together")
	require.Equal(t, childA.End, childB.End)
	require.Equal(t, at(1, 12, 15), childA.End)
}

func TestSynchronizeVerifyFlagsMaintenanceLanding(t *testing.T) {
	f := defaultFixture()
	f.maintenance = []plan.MaintenanceWindow{
		{Machine: "J2", Start: at(1, 13, 0), End: at(1, 14, 0)},
	}
	env := f.env(t)

	a := testDraft("R1", 2)
	a.Maker, a.Feeder = "J1", "W1"
	a.InputQuantity, a.FinalQuantity = 200, 200 // holds [08:00, 12:00]
	b := testDraft("R2", 3)
	b.Maker, b.Feeder = "J2", "W1"
	b.InputQuantity, b.FinalQuantity = 100, 100
	b.Start, b.End = at(1, 8, 0), at(1, 10, 0)

	out, diags, err := Synchronize(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)

	// Changeover pushes R2 to [12:15, 14:15], straight onto J2's window.
	flagged := byID(t, out, "R2")
	require.True(t, flagged.Review)
	require.Contains(t, flagged.ReviewReason, "maintenance on J2")
	require.Len(t, diags, 1)

	require.False(t, byID(t, out, "R1").Review)
}

func TestSynchronizeLeavesIndependentOrdersAlone(t *testing.T) {
	env := defaultFixture().env(t)

	a := testDraft("R1", 2)
	a.Maker, a.Feeder = "J1", "W1"
	b := testDraft("R2", 3)
	b.Maker, b.Feeder = "J3", "W2"
	b.Start, b.End = at(1, 8, 0), at(1, 12, 0)

	out, diags, err := Synchronize(context.Background(), env, []plan.Draft{a, b})
	require.NoError(t, err)
	require.Empty(t, diags)

	require.Equal(t, at(1, 8, 0), byID(t, out, "R1").Start)
	require.Equal(t, at(1, 8, 0), byID(t, out, "R2").Start, "different feeders never chain")
	for _, d := range out {
		require.False(t, d.Review)
		require.Empty(t, d.History)
	}
}
