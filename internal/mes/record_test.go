package mes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafscale/aps/internal/plan"
)

func testMakerOrder() plan.MakerOrder {
	return plan.MakerOrder{
		ID:            "HJB202511010001",
		Batch:         "decade_20251101_080000_0a1b2c3d",
		Maker:         "JB01",
		Feeder:        "WS01",
		FeederOrderID: "HWS202511010001",
		Article:       "A-MILD-84",
		Unit:          "车间一",
		InputQuantity: 500,
		FinalQuantity: 480,
		Start:         time.Date(2025, 11, 1, 6, 40, 0, 0, time.UTC),
		End:           time.Date(2025, 11, 1, 14, 0, 0, 0, time.UTC),
		PlanDate:      time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		Sequence:      1,
	}
}

func testFeederOrder() plan.FeederOrder {
	return plan.FeederOrder{
		ID:            "HWS202511010001",
		Batch:         "decade_20251101_080000_0a1b2c3d",
		Feeder:        "WS01",
		Article:       "A-MILD-84",
		Unit:          "车间一",
		Quantity:      525,
		Start:         time.Date(2025, 11, 1, 6, 40, 0, 0, time.UTC),
		End:           time.Date(2025, 11, 1, 14, 0, 0, 0, time.UTC),
		PlanDate:      time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		Sequence:      1,
		MakerOrderIDs: []string{"HJB202511010001"},
	}
}

func TestMakerRecordFields(t *testing.T) {
	rec := MakerRecord(testMakerOrder(), "HJB000000042", "HWS000000007")

	require.Equal(t, "HJB000000042", rec.PlanID)
	require.Equal(t, "JB01", rec.ProductionLine)
	require.Equal(t, "A-MILD-84", rec.MaterialCode)
	require.Equal(t, 480, rec.Quantity)
	require.Equal(t, "2025/11/01 06:40:00", rec.PlanStartTime)
	require.Equal(t, "2025/11/01 14:00:00", rec.PlanEndTime)
	require.Equal(t, 1, rec.Sequence)
	require.Equal(t, "车间一", rec.Unit)
	require.Equal(t, "2025/11/01", rec.PlanDate)
	require.False(t, rec.IsBackup)

	require.Len(t, rec.InputBatch, 1)
	in := rec.InputBatch[0]
	require.Equal(t, "HWS000000007", in.InputPlanID)
	require.Equal(t, "A-MILD-84", in.MaterialCode)
	require.True(t, in.IsMainChannel)
	require.False(t, in.IsLastOne)
	require.False(t, in.IsDeleted)
}

func TestMakerRecordBackupCarriesNoInputs(t *testing.T) {
	order := testMakerOrder()
	order.IsBackup = true
	order.FeederOrderID = ""

	rec := MakerRecord(order, "HJB000000042", "")
	require.True(t, rec.IsBackup)
	require.Empty(t, rec.InputBatch)
	require.NotNil(t, rec.InputBatch)
}

func TestFeederRecordFields(t *testing.T) {
	rec := FeederRecord(testFeederOrder(), "HWS000000007")

	require.Equal(t, "HWS000000007", rec.PlanID)
	require.Equal(t, "WS01", rec.ProductionLine)
	require.Equal(t, 525, rec.Quantity)
	require.False(t, rec.IsBackup)

	require.Len(t, rec.InputBatch, 1)
	in := rec.InputBatch[0]
	require.Empty(t, in.InputPlanID)
	require.Equal(t, "A-MILD-84", in.MaterialCode)
	require.True(t, in.IsMainChannel)
	require.True(t, in.IsLastOne)
}

func TestValidateAcceptsWellFormedRecords(t *testing.T) {
	require.NoError(t, Validate(MakerRecord(testMakerOrder(), "HJB000000001", "HWS000000001")))
	require.NoError(t, Validate(FeederRecord(testFeederOrder(), "HWS000000001")))

	backup := testMakerOrder()
	backup.IsBackup = true
	require.NoError(t, Validate(MakerRecord(backup, "HJB000000002", "")))
}

func TestValidateRejectsMalformedRecords(t *testing.T) {
	mutate := []struct {
		name string
		mod  func(*Record)
	}{
		{"bad plan id prefix", func(r *Record) { r.PlanID = "XJB000000001" }},
		{"short plan id", func(r *Record) { r.PlanID = "HJB0001" }},
		{"empty production line", func(r *Record) { r.ProductionLine = "" }},
		{"empty material", func(r *Record) { r.MaterialCode = "" }},
		{"zero quantity", func(r *Record) { r.Quantity = 0 }},
		{"negative quantity", func(r *Record) { r.Quantity = -10 }},
		{"zero sequence", func(r *Record) { r.Sequence = 0 }},
		{"iso start time", func(r *Record) { r.PlanStartTime = "2025-11-01T06:40:00Z" }},
		{"dashed plan date", func(r *Record) { r.PlanDate = "2025-11-01" }},
		{"input missing material", func(r *Record) { r.InputBatch[0].MaterialCode = "" }},
	}
	for _, tc := range mutate {
		t.Run(tc.name, func(t *testing.T) {
			rec := MakerRecord(testMakerOrder(), "HJB000000001", "HWS000000001")
			tc.mod(&rec)
			err := Validate(rec)
			require.Error(t, err)
			require.ErrorContains(t, err, "dispatch record")
		})
	}
}

func TestParsePlanTimes(t *testing.T) {
	rec := MakerRecord(testMakerOrder(), "HJB000000001", "HWS000000001")
	start, end, err := ParsePlanTimes(rec)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 11, 1, 6, 40, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2025, 11, 1, 14, 0, 0, 0, time.UTC), end)

	rec.PlanEndTime = "soon"
	_, _, err = ParsePlanTimes(rec)
	require.ErrorContains(t, err, "parse plan end")
}
