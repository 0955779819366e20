package refdata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leafscale/aps/internal/plan"
)

// Writer replaces reference collections wholesale. The mongo Reference store
// implements it; the seed loader is its only caller.
type Writer interface {
	ReplaceMachines(ctx context.Context, machines []plan.Machine) error
	ReplaceRelations(ctx context.Context, relations []plan.MachineRelation) error
	ReplaceSpeedRules(ctx context.Context, rules []plan.SpeedRule) error
	ReplaceShifts(ctx context.Context, shifts []plan.ShiftDef) error
	ReplaceMaintenanceWindows(ctx context.Context, windows []plan.MaintenanceWindow) error
}

// SeedCounts reports how many rows of each kind a seed load wrote.
type SeedCounts struct {
	Machines    int
	Relations   int
	Speeds      int
	Shifts      int
	Maintenance int
}

type (
	seedDocument struct {
		Machines    []seedMachine     `yaml:"machines"`
		Relations   []seedRelation    `yaml:"relations"`
		Speeds      []seedSpeed       `yaml:"speeds"`
		Shifts      []seedShift       `yaml:"shifts"`
		Maintenance []seedMaintenance `yaml:"maintenance"`
	}

	seedMachine struct {
		Code   string `yaml:"code"`
		Kind   string `yaml:"kind"`
		Status string `yaml:"status"`
		Model  string `yaml:"model"`
	}

	seedRelation struct {
		Feeder    string    `yaml:"feeder"`
		Maker     string    `yaml:"maker"`
		Priority  int       `yaml:"priority"`
		ValidFrom time.Time `yaml:"valid_from"`
		ValidTo   time.Time `yaml:"valid_to"`
	}

	seedSpeed struct {
		Machine      string    `yaml:"machine"`
		Article      string    `yaml:"article"`
		BoxesPerHour float64   `yaml:"boxes_per_hour"`
		Efficiency   float64   `yaml:"efficiency"`
		ValidFrom    time.Time `yaml:"valid_from"`
		ValidTo      time.Time `yaml:"valid_to"`
	}

	seedShift struct {
		Name            string       `yaml:"name"`
		Machine         string       `yaml:"machine"`
		Start           string       `yaml:"start"`
		End             string       `yaml:"end"`
		OvertimeAllowed bool         `yaml:"overtime_allowed"`
		MaxOvertime     seedDuration `yaml:"max_overtime"`
	}

	seedMaintenance struct {
		Machine string    `yaml:"machine"`
		Start   time.Time `yaml:"start"`
		End     time.Time `yaml:"end"`
		Status  string    `yaml:"status"`
	}

	// seedDuration parses Go duration strings like "2h" in seed documents.
	seedDuration time.Duration
)

// LoadSeed replaces reference collections from a YAML seed document. Only
// sections present in the document are written: an absent section leaves its
// collection untouched, an empty one clears it. The whole document is
// validated before the first write, so a malformed seed never leaves the
// collections half replaced.
//
// Document format (shift times are HH:MM with 24:00 as end-of-day, machine
// and article accept "*" as a wildcard):
//
//	machines:
//	  - code: C1
//	    kind: maker
//	    status: running
//	    model: ZJ112
//	relations:
//	  - feeder: W1
//	    maker: C1
//	    priority: 1
//	    valid_from: 2024-01-01
//	speeds:
//	  - machine: C1
//	    article: "*"
//	    boxes_per_hour: 50
//	    efficiency: 0.85
//	shifts:
//	  - name: early
//	    machine: "*"
//	    start: "06:40"
//	    end: "15:40"
//	    overtime_allowed: true
//	    max_overtime: 2h
//	maintenance:
//	  - machine: C1
//	    start: 2024-11-05T08:00:00Z
//	    end: 2024-11-05T12:00:00Z
//	    status: planned
func LoadSeed(ctx context.Context, w Writer, data []byte) (SeedCounts, error) {
	if w == nil {
		return SeedCounts{}, errors.New("refdata: writer is required")
	}

	var doc seedDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return SeedCounts{}, errors.New("seed document is empty")
		}
		return SeedCounts{}, fmt.Errorf("parse seed document: %w", err)
	}

	machines := convertMachines(doc.Machines)
	relations := convertRelations(doc.Relations)
	speeds := convertSpeeds(doc.Speeds)
	shifts, err := convertShifts(doc.Shifts)
	if err != nil {
		return SeedCounts{}, fmt.Errorf("invalid seed document: %w", err)
	}
	maintenance := convertMaintenance(doc.Maintenance)

	// Building a snapshot runs the same row validation the provider applies
	// at refresh time, so a seed the loader accepts is one the engine can use.
	if _, err := NewSnapshot(machines, relations, speeds, shifts, maintenance, time.Now()); err != nil {
		return SeedCounts{}, fmt.Errorf("invalid seed document: %w", err)
	}

	if machines != nil {
		if err := w.ReplaceMachines(ctx, machines); err != nil {
			return SeedCounts{}, fmt.Errorf("replace machines: %w", err)
		}
	}
	if relations != nil {
		if err := w.ReplaceRelations(ctx, relations); err != nil {
			return SeedCounts{}, fmt.Errorf("replace relations: %w", err)
		}
	}
	if speeds != nil {
		if err := w.ReplaceSpeedRules(ctx, speeds); err != nil {
			return SeedCounts{}, fmt.Errorf("replace speed rules: %w", err)
		}
	}
	if shifts != nil {
		if err := w.ReplaceShifts(ctx, shifts); err != nil {
			return SeedCounts{}, fmt.Errorf("replace shifts: %w", err)
		}
	}
	if maintenance != nil {
		if err := w.ReplaceMaintenanceWindows(ctx, maintenance); err != nil {
			return SeedCounts{}, fmt.Errorf("replace maintenance windows: %w", err)
		}
	}

	return SeedCounts{
		Machines:    len(machines),
		Relations:   len(relations),
		Speeds:      len(speeds),
		Shifts:      len(shifts),
		Maintenance: len(maintenance),
	}, nil
}

func convertMachines(src []seedMachine) []plan.Machine {
	if src == nil {
		return nil
	}
	out := make([]plan.Machine, len(src))
	for i, m := range src {
		out[i] = plan.Machine{
			Code:   m.Code,
			Kind:   plan.MachineKind(m.Kind),
			Status: m.Status,
			Model:  m.Model,
		}
	}
	return out
}

func convertRelations(src []seedRelation) []plan.MachineRelation {
	if src == nil {
		return nil
	}
	out := make([]plan.MachineRelation, len(src))
	for i, r := range src {
		out[i] = plan.MachineRelation{
			Feeder:    r.Feeder,
			Maker:     r.Maker,
			Priority:  r.Priority,
			ValidFrom: r.ValidFrom,
			ValidTo:   r.ValidTo,
		}
	}
	return out
}

func convertSpeeds(src []seedSpeed) []plan.SpeedRule {
	if src == nil {
		return nil
	}
	out := make([]plan.SpeedRule, len(src))
	for i, r := range src {
		out[i] = plan.SpeedRule{
			Machine:      r.Machine,
			Article:      r.Article,
			BoxesPerHour: r.BoxesPerHour,
			Efficiency:   r.Efficiency,
			ValidFrom:    r.ValidFrom,
			ValidTo:      r.ValidTo,
		}
	}
	return out
}

func convertShifts(src []seedShift) ([]plan.ShiftDef, error) {
	if src == nil {
		return nil, nil
	}
	out := make([]plan.ShiftDef, len(src))
	for i, sh := range src {
		start, err := parseClock(sh.Start)
		if err != nil {
			return nil, fmt.Errorf("shift %q: %w", sh.Name, err)
		}
		end, err := parseClock(sh.End)
		if err != nil {
			return nil, fmt.Errorf("shift %q: %w", sh.Name, err)
		}
		out[i] = plan.ShiftDef{
			Name:            sh.Name,
			Machine:         sh.Machine,
			Start:           start,
			End:             end,
			OvertimeAllowed: sh.OvertimeAllowed,
			MaxOvertime:     time.Duration(sh.MaxOvertime),
		}
	}
	return out, nil
}

func convertMaintenance(src []seedMaintenance) []plan.MaintenanceWindow {
	if src == nil {
		return nil
	}
	out := make([]plan.MaintenanceWindow, len(src))
	for i, w := range src {
		out[i] = plan.MaintenanceWindow{
			Machine: w.Machine,
			Start:   w.Start,
			End:     w.End,
			Status:  w.Status,
		}
	}
	return out
}

// parseClock converts "HH:MM" to minutes since midnight. "24:00" is the
// end-of-day sentinel.
func parseClock(s string) (plan.ClockMinute, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("clock time %q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q has an invalid minute", s)
	}
	if h == 24 && m != 0 {
		return 0, fmt.Errorf("clock time %q is past 24:00", s)
	}
	return plan.ClockMinute(h*60 + m), nil
}

func (d *seedDuration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = seedDuration(parsed)
	return nil
}
