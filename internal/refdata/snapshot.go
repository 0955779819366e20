// Package refdata loads and caches the factory reference data the scheduling
// stages consult: machines, feeder-maker relations, speed rules, shift
// tables, and maintenance windows. A Snapshot is an immutable, indexed view
// built from one consistent read; the Provider hands out the current
// snapshot and refreshes it in the background.
package refdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/leafscale/aps/internal/plan"
)

// Store reads reference rows from persistence. Implementations return the
// full row sets; filtering and indexing happen here.
type Store interface {
	ListMachines(ctx context.Context) ([]plan.Machine, error)
	ListRelations(ctx context.Context) ([]plan.MachineRelation, error)
	ListSpeedRules(ctx context.Context) ([]plan.SpeedRule, error)
	ListShifts(ctx context.Context) ([]plan.ShiftDef, error)
	ListMaintenanceWindows(ctx context.Context) ([]plan.MaintenanceWindow, error)
}

// Snapshot is an immutable indexed view of the reference data. All lookup
// methods are safe for concurrent use.
type Snapshot struct {
	builtAt time.Time

	machines     map[string]plan.Machine
	relsByFeeder map[string][]plan.MachineRelation
	relsByMaker  map[string][]plan.MachineRelation
	speedRules   map[string][]plan.SpeedRule
	shifts       map[string][]plan.ShiftDef
	maintenance  map[string][]plan.MaintenanceWindow
}

// NewSnapshot indexes the given rows. Malformed rows fail the build: a
// stale-but-consistent snapshot beats a fresh inconsistent one.
func NewSnapshot(
	machines []plan.Machine,
	relations []plan.MachineRelation,
	speeds []plan.SpeedRule,
	shifts []plan.ShiftDef,
	maintenance []plan.MaintenanceWindow,
	builtAt time.Time,
) (*Snapshot, error) {
	s := &Snapshot{
		builtAt:      builtAt,
		machines:     make(map[string]plan.Machine, len(machines)),
		relsByFeeder: make(map[string][]plan.MachineRelation),
		relsByMaker:  make(map[string][]plan.MachineRelation),
		speedRules:   make(map[string][]plan.SpeedRule),
		shifts:       make(map[string][]plan.ShiftDef),
		maintenance:  make(map[string][]plan.MaintenanceWindow),
	}

	for _, m := range machines {
		if m.Code == "" {
			return nil, fmt.Errorf("machine with empty code")
		}
		if m.Kind != plan.MachineMaker && m.Kind != plan.MachineFeeder {
			return nil, fmt.Errorf("machine %q has unknown kind %q", m.Code, m.Kind)
		}
		s.machines[m.Code] = m
	}

	for _, r := range relations {
		if r.Feeder == "" || r.Maker == "" {
			return nil, fmt.Errorf("relation with empty machine code")
		}
		s.relsByFeeder[r.Feeder] = append(s.relsByFeeder[r.Feeder], r)
		s.relsByMaker[r.Maker] = append(s.relsByMaker[r.Maker], r)
	}
	for _, rels := range s.relsByFeeder {
		sort.Slice(rels, func(i, j int) bool {
			if rels[i].Priority != rels[j].Priority {
				return rels[i].Priority < rels[j].Priority
			}
			return rels[i].Maker < rels[j].Maker
		})
	}
	for _, rels := range s.relsByMaker {
		sort.Slice(rels, func(i, j int) bool {
			if rels[i].Priority != rels[j].Priority {
				return rels[i].Priority < rels[j].Priority
			}
			return rels[i].Feeder < rels[j].Feeder
		})
	}

	for _, r := range speeds {
		if r.BoxesPerHour <= 0 {
			return nil, fmt.Errorf("speed rule %s/%s has non-positive rate", r.Machine, r.Article)
		}
		// Zero efficiency means unset and scales as 1.0 at lookup.
		if r.Efficiency < 0 || r.Efficiency > 1 {
			return nil, fmt.Errorf("speed rule %s/%s has efficiency outside [0, 1]", r.Machine, r.Article)
		}
		key := r.Machine
		if key == "" {
			key = plan.Wildcard
		}
		s.speedRules[key] = append(s.speedRules[key], r)
	}

	for _, sh := range shifts {
		if sh.End <= sh.Start || sh.End > 24*60 {
			return nil, fmt.Errorf("shift %q on %q has invalid range %s-%s", sh.Name, sh.Machine, sh.Start, sh.End)
		}
		key := sh.Machine
		if key == "" {
			key = plan.Wildcard
		}
		s.shifts[key] = append(s.shifts[key], sh)
	}
	for _, defs := range s.shifts {
		sort.Slice(defs, func(i, j int) bool { return defs[i].Start < defs[j].Start })
	}

	for _, w := range maintenance {
		if w.Machine == "" {
			return nil, fmt.Errorf("maintenance window with empty machine code")
		}
		if !w.End.After(w.Start) {
			return nil, fmt.Errorf("maintenance window on %q ends before it starts", w.Machine)
		}
		s.maintenance[w.Machine] = append(s.maintenance[w.Machine], w)
	}
	for _, ws := range s.maintenance {
		sort.Slice(ws, func(i, j int) bool { return ws[i].Start.Before(ws[j].Start) })
	}

	return s, nil
}

// BuiltAt reports when the snapshot's rows were read.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Machine looks up one machine by code.
func (s *Snapshot) Machine(code string) (plan.Machine, bool) {
	m, ok := s.machines[code]
	return m, ok
}

// Kinds returns the machine-kind map the workbook parser validates codes
// against.
func (s *Snapshot) Kinds() map[string]plan.MachineKind {
	kinds := make(map[string]plan.MachineKind, len(s.machines))
	for code, m := range s.machines {
		kinds[code] = m.Kind
	}
	return kinds
}

// Makers lists the makers a feeder supplies at the given instant, sorted
// lexicographically.
func (s *Snapshot) Makers(feeder string, at time.Time) []string {
	var makers []string
	seen := make(map[string]struct{})
	for _, r := range s.relsByFeeder[feeder] {
		if !r.InEffect(at) {
			continue
		}
		if _, dup := seen[r.Maker]; dup {
			continue
		}
		seen[r.Maker] = struct{}{}
		makers = append(makers, r.Maker)
	}
	sort.Strings(makers)
	return makers
}

// FeederFor resolves the feeder supplying a maker at the given instant. The
// lowest-priority in-effect relation wins; ties break on feeder code.
func (s *Snapshot) FeederFor(maker string, at time.Time) (string, bool) {
	for _, r := range s.relsByMaker[maker] {
		if r.InEffect(at) {
			return r.Feeder, true
		}
	}
	return "", false
}

// Priority returns the relation priority between a feeder and a maker at the
// given instant.
func (s *Snapshot) Priority(feeder, maker string, at time.Time) (int, bool) {
	for _, r := range s.relsByFeeder[feeder] {
		if r.Maker == maker && r.InEffect(at) {
			return r.Priority, true
		}
	}
	return 0, false
}

// Speed resolves the effective production rate in boxes per hour for a
// machine running an article at the given instant. The most specific
// in-effect rule wins; efficiency scales the nominal rate. The second result
// is false when no rule matched and the default rate was applied, which
// callers surface as a missing-rule warning.
func (s *Snapshot) Speed(machine, article string, at time.Time) (float64, bool) {
	var best *plan.SpeedRule
	for _, key := range []string{machine, plan.Wildcard} {
		for i := range s.speedRules[key] {
			r := &s.speedRules[key][i]
			if !r.InEffect(at) {
				continue
			}
			if r.Article != article && r.Article != plan.Wildcard && r.Article != "" {
				continue
			}
			if best == nil || r.Specificity() > best.Specificity() {
				best = r
			}
		}
	}
	if best == nil {
		return plan.DefaultBoxesPerHour, false
	}
	rate := best.BoxesPerHour
	if best.Efficiency > 0 {
		rate *= best.Efficiency
	}
	return rate, true
}

// Shifts returns the shift table for a machine: machine-specific shifts when
// configured, the wildcard table otherwise, the built-in default table when
// neither exists. The returned slice is shared; callers must not mutate it.
func (s *Snapshot) Shifts(machine string) []plan.ShiftDef {
	if defs, ok := s.shifts[machine]; ok {
		return defs
	}
	if defs, ok := s.shifts[plan.Wildcard]; ok {
		return defs
	}
	return plan.DefaultShifts()
}

// Maintenance returns the maintenance windows for a machine sorted by start
// time. The returned slice is shared; callers must not mutate it.
func (s *Snapshot) Maintenance(machine string) []plan.MaintenanceWindow {
	return s.maintenance[machine]
}
