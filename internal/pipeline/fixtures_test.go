package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/refdata"
	"github.com/leafscale/aps/internal/sequence"
)

// testClock is the fixed instant the pipeline tests run at.
var testClock = time.Date(2024, 11, 1, 8, 0, 0, 0, time.UTC)

// fixture assembles the reference data of a small two-feeder shop:
// W1 supplies J1 and J2, W2 supplies J3, everything runs at 50 boxes/h
// unless a test overrides the speed table.
type fixture struct {
	machines    []plan.Machine
	relations   []plan.MachineRelation
	speeds      []plan.SpeedRule
	shifts      []plan.ShiftDef
	maintenance []plan.MaintenanceWindow
}

func defaultFixture() *fixture {
	return &fixture{
		machines: []plan.Machine{
			{Code: "J1", Kind: plan.MachineMaker},
			{Code: "J2", Kind: plan.MachineMaker},
			{Code: "J3", Kind: plan.MachineMaker},
			{Code: "W1", Kind: plan.MachineFeeder},
			{Code: "W2", Kind: plan.MachineFeeder},
		},
		relations: []plan.MachineRelation{
			{Feeder: "W1", Maker: "J1", Priority: 1},
			{Feeder: "W1", Maker: "J2", Priority: 2},
			{Feeder: "W2", Maker: "J3", Priority: 1},
		},
		speeds: []plan.SpeedRule{
			{Machine: plan.Wildcard, Article: plan.Wildcard, BoxesPerHour: 50},
		},
	}
}

func (f *fixture) snapshot(t *testing.T) *refdata.Snapshot {
	t.Helper()
	snap, err := refdata.NewSnapshot(f.machines, f.relations, f.speeds, f.shifts, f.maintenance, testClock)
	require.NoError(t, err)
	return snap
}

func (f *fixture) env(t *testing.T) Env {
	t.Helper()
	alloc, err := sequence.NewAllocator(sequence.NewMemoryStore(), sequence.Options{})
	require.NoError(t, err)
	return Env{
		Snapshot:  f.snapshot(t),
		Sequences: alloc,
		Workers:   1,
		Now:       func() time.Time { return testClock },
	}
}

// at anchors a clock time on a November 2024 day.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 11, day, hour, minute, 0, 0, time.UTC)
}

// testDraft builds a single-maker draft in the fixture shop.
func testDraft(id string, row int) plan.Draft {
	return plan.Draft{
		ID:            id,
		Batch:         "monthly_20241101_080000_testbatch",
		RowIndex:      row,
		PlanYear:      2024,
		PlanMonth:     11,
		Article:       "YA01",
		Unit:          "U1",
		Feeders:       []string{"W1"},
		Makers:        []string{"J1"},
		InputQuantity: 100,
		FinalQuantity: 100,
		Start:         at(1, 8, 0),
		End:           at(1, 12, 0),
		Priority:      DefaultPriority,
		Lineage:       []string{id},
	}
}

// draftIDs projects the ids of a draft slice, in order.
func draftIDs(drafts []plan.Draft) []string {
	ids := make([]string, len(drafts))
	for i, d := range drafts {
		ids[i] = d.ID
	}
	return ids
}

// byID indexes drafts for assertion lookups.
func byID(t *testing.T, drafts []plan.Draft, id string) plan.Draft {
	t.Helper()
	for _, d := range drafts {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("no draft %s in %v", id, draftIDs(drafts))
	return plan.Draft{}
}
