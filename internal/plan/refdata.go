package plan

import (
	"fmt"
	"time"
)

type (
	// MachineKind distinguishes packing machines from cut feeders.
	MachineKind string

	// Machine is one piece of shop-floor equipment.
	Machine struct {
		Code   string
		Kind   MachineKind
		Status string
		Model  string
	}

	// MachineRelation maps a feeder to one maker it supplies. A feeder may
	// relate to several makers; the inverse mapping is the canonical
	// same-work-order grouping rule.
	MachineRelation struct {
		Feeder   string
		Maker    string
		Priority int
		// ValidFrom and ValidTo bound the relation; zero values mean
		// unbounded.
		ValidFrom time.Time
		ValidTo   time.Time
	}

	// SpeedRule gives the production rate for a machine and article, either
	// of which may be the Wildcard. Most-specific match wins:
	// machine+article beats machine+*, which beats *+*.
	SpeedRule struct {
		Machine string
		Article string
		// BoxesPerHour is the nominal rate.
		BoxesPerHour float64
		// Efficiency scales the nominal rate, as a fraction in (0, 1].
		Efficiency float64
		ValidFrom  time.Time
		ValidTo    time.Time
	}

	// ShiftDef names a working-time range, optionally machine-specific.
	// Start and End are minutes since midnight; End may be 1440 for a shift
	// that runs to 24:00, and a shift with End <= Start is rejected at load.
	ShiftDef struct {
		Name    string
		Machine string
		Start   ClockMinute
		End     ClockMinute
		// OvertimeAllowed and MaxOvertime bound extension past End.
		OvertimeAllowed bool
		MaxOvertime     time.Duration
	}

	// MaintenanceWindow is a scheduled downtime interval for one machine.
	MaintenanceWindow struct {
		Machine string
		Start   time.Time
		End     time.Time
		Status  string
	}

	// ClockMinute is a time of day expressed as minutes since midnight.
	// The value 1440 denotes end-of-day.
	ClockMinute int
)

const (
	MachineMaker  MachineKind = "maker"
	MachineFeeder MachineKind = "feeder"
)

// Wildcard matches any machine or article in reference-data rules.
const Wildcard = "*"

// DefaultBoxesPerHour is the conservative production rate assumed when no
// speed rule matches a machine and article.
const DefaultBoxesPerHour = 8.0

// DefaultShifts is the shift table used for machines with no configured
// shifts: late 00:00–06:40, early 06:40–15:40, middle 15:40–24:00. The
// table is sorted by start, like the configured tables a snapshot serves.
func DefaultShifts() []ShiftDef {
	return []ShiftDef{
		{Name: "late", Machine: Wildcard, Start: 0, End: 6*60 + 40},
		{Name: "early", Machine: Wildcard, Start: 6*60 + 40, End: 15*60 + 40},
		{Name: "middle", Machine: Wildcard, Start: 15*60 + 40, End: 24 * 60},
	}
}

// String renders the minute as HH:MM.
func (m ClockMinute) String() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// At anchors the clock minute on the given day.
func (m ClockMinute) At(day time.Time) time.Time {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return midnight.Add(time.Duration(m) * time.Minute)
}

// MinuteOf returns the clock minute of the given instant.
func MinuteOf(t time.Time) ClockMinute {
	return ClockMinute(t.Hour()*60 + t.Minute())
}

// Covers reports whether the window [Start, End) contains the instant.
func (w MaintenanceWindow) Covers(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether the window interior intersects [s, e). Touching
// boundaries do not overlap.
func (w MaintenanceWindow) Overlaps(s, e time.Time) bool {
	return s.Before(w.End) && w.Start.Before(e)
}

// InEffect reports whether the relation is valid at the instant. Zero bounds
// are open.
func (r MachineRelation) InEffect(t time.Time) bool {
	if !r.ValidFrom.IsZero() && t.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidTo.IsZero() && t.After(r.ValidTo) {
		return false
	}
	return true
}

// InEffect reports whether the speed rule is valid at the instant.
func (r SpeedRule) InEffect(t time.Time) bool {
	if !r.ValidFrom.IsZero() && t.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidTo.IsZero() && t.After(r.ValidTo) {
		return false
	}
	return true
}

// Specificity ranks the rule for most-specific-match resolution. Higher wins.
func (r SpeedRule) Specificity() int {
	score := 0
	if r.Machine != Wildcard && r.Machine != "" {
		score += 2
	}
	if r.Article != Wildcard && r.Article != "" {
		score++
	}
	return score
}
