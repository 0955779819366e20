package refdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafscale/aps/internal/plan"
)

var refNow = time.Date(2025, 11, 1, 8, 0, 0, 0, time.UTC)

func TestSnapshotSpeedMostSpecificWins(t *testing.T) {
	snap, err := NewSnapshot(nil, nil, []plan.SpeedRule{
		{Machine: plan.Wildcard, Article: plan.Wildcard, BoxesPerHour: 8},
		{Machine: "JB01", Article: plan.Wildcard, BoxesPerHour: 10},
		{Machine: "JB01", Article: "云烟", BoxesPerHour: 12},
	}, nil, nil, refNow)
	require.NoError(t, err)

	rate, ok := snap.Speed("JB01", "云烟", refNow)
	require.True(t, ok)
	require.Equal(t, 12.0, rate)

	rate, ok = snap.Speed("JB01", "红塔山", refNow)
	require.True(t, ok)
	require.Equal(t, 10.0, rate)

	rate, ok = snap.Speed("JB02", "红塔山", refNow)
	require.True(t, ok)
	require.Equal(t, 8.0, rate)
}

func TestSnapshotSpeedDefaultFallback(t *testing.T) {
	snap, err := NewSnapshot(nil, nil, nil, nil, nil, refNow)
	require.NoError(t, err)

	rate, ok := snap.Speed("JB01", "云烟", refNow)
	require.False(t, ok, "missing rule must be reported so callers can warn")
	require.Equal(t, plan.DefaultBoxesPerHour, rate)
}

func TestSnapshotSpeedEfficiencyScales(t *testing.T) {
	snap, err := NewSnapshot(nil, nil, []plan.SpeedRule{
		{Machine: "JB01", Article: plan.Wildcard, BoxesPerHour: 10, Efficiency: 0.5},
	}, nil, nil, refNow)
	require.NoError(t, err)

	rate, ok := snap.Speed("JB01", "云烟", refNow)
	require.True(t, ok)
	require.Equal(t, 5.0, rate)
}

func TestSnapshotSpeedValidityWindow(t *testing.T) {
	snap, err := NewSnapshot(nil, nil, []plan.SpeedRule{
		{Machine: "JB01", Article: plan.Wildcard, BoxesPerHour: 10, ValidTo: refNow.Add(-time.Hour)},
	}, nil, nil, refNow)
	require.NoError(t, err)

	rate, ok := snap.Speed("JB01", "云烟", refNow)
	require.False(t, ok)
	require.Equal(t, plan.DefaultBoxesPerHour, rate)
}

func TestSnapshotShiftsFallbackChain(t *testing.T) {
	snap, err := NewSnapshot(nil, nil, nil, []plan.ShiftDef{
		{Name: "day", Machine: "JB01", Start: 8 * 60, End: 20 * 60},
		{Name: "early", Machine: plan.Wildcard, Start: 6 * 60, End: 14 * 60},
	}, nil, refNow)
	require.NoError(t, err)

	own := snap.Shifts("JB01")
	require.Len(t, own, 1)
	require.Equal(t, "day", own[0].Name)

	wildcard := snap.Shifts("JB02")
	require.Len(t, wildcard, 1)
	require.Equal(t, "early", wildcard[0].Name)

	empty, err := NewSnapshot(nil, nil, nil, nil, nil, refNow)
	require.NoError(t, err)
	require.Equal(t, plan.DefaultShifts(), empty.Shifts("JB03"))
}

func TestSnapshotMakersSortedAndFiltered(t *testing.T) {
	snap, err := NewSnapshot(nil, []plan.MachineRelation{
		{Feeder: "WS01", Maker: "JB03"},
		{Feeder: "WS01", Maker: "JB01"},
		{Feeder: "WS01", Maker: "JB02", ValidTo: refNow.Add(-time.Hour)},
	}, nil, nil, nil, refNow)
	require.NoError(t, err)

	require.Equal(t, []string{"JB01", "JB03"}, snap.Makers("WS01", refNow))
	require.Empty(t, snap.Makers("WS99", refNow))
}

func TestSnapshotFeederForPrefersLowPriority(t *testing.T) {
	snap, err := NewSnapshot(nil, []plan.MachineRelation{
		{Feeder: "WS02", Maker: "JB01", Priority: 2},
		{Feeder: "WS01", Maker: "JB01", Priority: 1},
	}, nil, nil, nil, refNow)
	require.NoError(t, err)

	feeder, ok := snap.FeederFor("JB01", refNow)
	require.True(t, ok)
	require.Equal(t, "WS01", feeder)

	_, ok = snap.FeederFor("JB99", refNow)
	require.False(t, ok)
}

func TestSnapshotPriority(t *testing.T) {
	snap, err := NewSnapshot(nil, []plan.MachineRelation{
		{Feeder: "WS01", Maker: "JB01", Priority: 3},
	}, nil, nil, nil, refNow)
	require.NoError(t, err)

	pri, ok := snap.Priority("WS01", "JB01", refNow)
	require.True(t, ok)
	require.Equal(t, 3, pri)

	_, ok = snap.Priority("WS01", "JB02", refNow)
	require.False(t, ok)
}

func TestSnapshotMaintenanceSorted(t *testing.T) {
	later := plan.MaintenanceWindow{Machine: "JB01", Start: refNow.Add(4 * time.Hour), End: refNow.Add(5 * time.Hour)}
	earlier := plan.MaintenanceWindow{Machine: "JB01", Start: refNow, End: refNow.Add(time.Hour)}

	snap, err := NewSnapshot(nil, nil, nil, nil, []plan.MaintenanceWindow{later, earlier}, refNow)
	require.NoError(t, err)

	ws := snap.Maintenance("JB01")
	require.Len(t, ws, 2)
	require.True(t, ws[0].Start.Before(ws[1].Start))
	require.Empty(t, snap.Maintenance("JB02"))
}

func TestSnapshotKinds(t *testing.T) {
	snap, err := NewSnapshot([]plan.Machine{
		{Code: "JB01", Kind: plan.MachineMaker},
		{Code: "WS01", Kind: plan.MachineFeeder},
	}, nil, nil, nil, nil, refNow)
	require.NoError(t, err)

	require.Equal(t, map[string]plan.MachineKind{
		"JB01": plan.MachineMaker,
		"WS01": plan.MachineFeeder,
	}, snap.Kinds())
}

func TestSnapshotRejectsMalformedRows(t *testing.T) {
	tests := []struct {
		name  string
		build func() error
	}{
		{name: "machine without code", build: func() error {
			_, err := NewSnapshot([]plan.Machine{{Kind: plan.MachineMaker}}, nil, nil, nil, nil, refNow)
			return err
		}},
		{name: "machine with unknown kind", build: func() error {
			_, err := NewSnapshot([]plan.Machine{{Code: "X", Kind: "other"}}, nil, nil, nil, nil, refNow)
			return err
		}},
		{name: "relation without maker", build: func() error {
			_, err := NewSnapshot(nil, []plan.MachineRelation{{Feeder: "WS01"}}, nil, nil, nil, refNow)
			return err
		}},
		{name: "speed rule with zero rate", build: func() error {
			_, err := NewSnapshot(nil, nil, []plan.SpeedRule{{Machine: "JB01"}}, nil, nil, refNow)
			return err
		}},
		{name: "shift ending before start", build: func() error {
			_, err := NewSnapshot(nil, nil, nil, []plan.ShiftDef{{Name: "bad", Start: 10 * 60, End: 8 * 60}}, nil, refNow)
			return err
		}},
		{name: "maintenance ending before start", build: func() error {
			_, err := NewSnapshot(nil, nil, nil, nil, []plan.MaintenanceWindow{{Machine: "JB01", Start: refNow, End: refNow}}, refNow)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.build())
		})
	}
}
