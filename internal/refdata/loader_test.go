package refdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafscale/aps/internal/plan"
)

// captureWriter records every replace call and the rows it received.
type captureWriter struct {
	calls       []string
	machines    []plan.Machine
	relations   []plan.MachineRelation
	speeds      []plan.SpeedRule
	shifts      []plan.ShiftDef
	maintenance []plan.MaintenanceWindow
	err         error
}

func (w *captureWriter) ReplaceMachines(_ context.Context, machines []plan.Machine) error {
	w.calls = append(w.calls, "machines")
	w.machines = machines
	return w.err
}

func (w *captureWriter) ReplaceRelations(_ context.Context, relations []plan.MachineRelation) error {
	w.calls = append(w.calls, "relations")
	w.relations = relations
	return w.err
}

func (w *captureWriter) ReplaceSpeedRules(_ context.Context, rules []plan.SpeedRule) error {
	w.calls = append(w.calls, "speeds")
	w.speeds = rules
	return w.err
}

func (w *captureWriter) ReplaceShifts(_ context.Context, shifts []plan.ShiftDef) error {
	w.calls = append(w.calls, "shifts")
	w.shifts = shifts
	return w.err
}

func (w *captureWriter) ReplaceMaintenanceWindows(_ context.Context, windows []plan.MaintenanceWindow) error {
	w.calls = append(w.calls, "maintenance")
	w.maintenance = windows
	return w.err
}

const fullSeed = `
machines:
  - code: C1
    kind: maker
    status: running
    model: ZJ112
  - code: C2
    kind: maker
  - code: W1
    kind: feeder
relations:
  - feeder: W1
    maker: C1
    priority: 1
    valid_from: 2024-01-01
  - feeder: W1
    maker: C2
    priority: 2
speeds:
  - machine: C1
    article: MB-RED
    boxes_per_hour: 50
    efficiency: 0.85
  - machine: "*"
    article: "*"
    boxes_per_hour: 8
shifts:
  - name: early
    machine: "*"
    start: "06:40"
    end: "15:40"
    overtime_allowed: true
    max_overtime: 2h
  - name: middle
    machine: "*"
    start: "15:40"
    end: "24:00"
maintenance:
  - machine: C1
    start: 2024-11-05T08:00:00Z
    end: 2024-11-05T12:00:00Z
    status: planned
`

func TestLoadSeedFullDocument(t *testing.T) {
	w := &captureWriter{}
	counts, err := LoadSeed(context.Background(), w, []byte(fullSeed))
	require.NoError(t, err)
	require.Equal(t, SeedCounts{Machines: 3, Relations: 2, Speeds: 2, Shifts: 2, Maintenance: 1}, counts)
	require.Equal(t, []string{"machines", "relations", "speeds", "shifts", "maintenance"}, w.calls)

	require.Equal(t, []plan.Machine{
		{Code: "C1", Kind: plan.MachineMaker, Status: "running", Model: "ZJ112"},
		{Code: "C2", Kind: plan.MachineMaker},
		{Code: "W1", Kind: plan.MachineFeeder},
	}, w.machines)

	require.Len(t, w.relations, 2)
	require.Equal(t, plan.MachineRelation{
		Feeder:    "W1",
		Maker:     "C1",
		Priority:  1,
		ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, w.relations[0])
	require.True(t, w.relations[1].ValidFrom.IsZero())

	require.Equal(t, []plan.SpeedRule{
		{Machine: "C1", Article: "MB-RED", BoxesPerHour: 50, Efficiency: 0.85},
		{Machine: plan.Wildcard, Article: plan.Wildcard, BoxesPerHour: 8},
	}, w.speeds)

	require.Equal(t, []plan.ShiftDef{
		{Name: "early", Machine: plan.Wildcard, Start: 6*60 + 40, End: 15*60 + 40, OvertimeAllowed: true, MaxOvertime: 2 * time.Hour},
		{Name: "middle", Machine: plan.Wildcard, Start: 15*60 + 40, End: 24 * 60},
	}, w.shifts)

	require.Equal(t, []plan.MaintenanceWindow{{
		Machine: "C1",
		Start:   time.Date(2024, 11, 5, 8, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC),
		Status:  "planned",
	}}, w.maintenance)
}

func TestLoadSeedSkipsAbsentSections(t *testing.T) {
	w := &captureWriter{}
	counts, err := LoadSeed(context.Background(), w, []byte("machines:\n  - code: C1\n    kind: maker\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"machines"}, w.calls)
	require.Equal(t, SeedCounts{Machines: 1}, counts)
}

func TestLoadSeedClearsEmptySections(t *testing.T) {
	w := &captureWriter{}
	_, err := LoadSeed(context.Background(), w, []byte("maintenance: []\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"maintenance"}, w.calls)
	require.NotNil(t, w.maintenance)
	require.Empty(t, w.maintenance)
}

func TestLoadSeedValidatesBeforeWriting(t *testing.T) {
	docs := map[string]string{
		"unknown machine kind": "machines:\n  - code: C1\n    kind: grinder\n",
		"inverted shift":       "shifts:\n  - name: odd\n    start: \"15:00\"\n    end: \"08:00\"\n",
		"zero-rate speed":      "speeds:\n  - machine: C1\n    article: \"*\"\n    boxes_per_hour: 0\n",
		"empty relation codes": "relations:\n  - feeder: \"\"\n    maker: C1\n",
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			w := &captureWriter{}
			_, err := LoadSeed(context.Background(), w, []byte(doc))
			require.Error(t, err)
			require.Empty(t, w.calls)
		})
	}
}

func TestLoadSeedRejectsMalformedClock(t *testing.T) {
	for _, bad := range []string{"25:00", "24:01", "8am", "07:61"} {
		w := &captureWriter{}
		doc := "shifts:\n  - name: odd\n    start: \"" + bad + "\"\n    end: \"15:00\"\n"
		_, err := LoadSeed(context.Background(), w, []byte(doc))
		require.Error(t, err, "clock %q should be rejected", bad)
		require.Empty(t, w.calls)
	}
}

func TestLoadSeedRejectsUnknownKeys(t *testing.T) {
	w := &captureWriter{}
	_, err := LoadSeed(context.Background(), w, []byte("machins:\n  - code: C1\n"))
	require.Error(t, err)
	require.Empty(t, w.calls)
}

func TestLoadSeedRejectsEmptyDocument(t *testing.T) {
	w := &captureWriter{}
	_, err := LoadSeed(context.Background(), w, nil)
	require.Error(t, err)
	require.Empty(t, w.calls)
}

func TestLoadSeedStopsOnWriteFailure(t *testing.T) {
	w := &captureWriter{err: errors.New("connection reset")}
	_, err := LoadSeed(context.Background(), w, []byte(fullSeed))
	require.ErrorContains(t, err, "replace machines")
	require.Equal(t, []string{"machines"}, w.calls)
}
