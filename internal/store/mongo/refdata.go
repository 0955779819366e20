package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/refdata"
)

// Reference is the MongoDB implementation of refdata.Store. It also carries
// the Replace* writers the seed loader uses; each Replace swaps a
// collection's full row set, matching how the factory publishes reference
// files.
type Reference struct {
	machines    *mongo.Collection
	relations   *mongo.Collection
	speeds      *mongo.Collection
	shifts      *mongo.Collection
	maintenance *mongo.Collection
}

var (
	_ refdata.Store  = (*Reference)(nil)
	_ refdata.Writer = (*Reference)(nil)
)

type (
	// machineDocument is the MongoDB document representation of a Machine.
	machineDocument struct {
		Code   string `bson:"_id"`
		Kind   string `bson:"kind"`
		Status string `bson:"status,omitempty"`
		Model  string `bson:"model,omitempty"`
	}

	// relationDocument is the MongoDB document representation of a
	// MachineRelation. Zero validity bounds are omitted and mean unbounded.
	relationDocument struct {
		Feeder    string    `bson:"feeder"`
		Maker     string    `bson:"maker"`
		Priority  int       `bson:"priority"`
		ValidFrom time.Time `bson:"valid_from,omitempty"`
		ValidTo   time.Time `bson:"valid_to,omitempty"`
	}

	// speedDocument is the MongoDB document representation of a SpeedRule.
	speedDocument struct {
		Machine      string    `bson:"machine"`
		Article      string    `bson:"article"`
		BoxesPerHour float64   `bson:"boxes_per_hour"`
		Efficiency   float64   `bson:"efficiency"`
		ValidFrom    time.Time `bson:"valid_from,omitempty"`
		ValidTo      time.Time `bson:"valid_to,omitempty"`
	}

	// shiftDocument is the MongoDB document representation of a ShiftDef.
	// Clock bounds and the overtime cap are stored as minutes.
	shiftDocument struct {
		Name            string `bson:"name"`
		Machine         string `bson:"machine"`
		StartMinute     int    `bson:"start_minute"`
		EndMinute       int    `bson:"end_minute"`
		OvertimeAllowed bool   `bson:"overtime_allowed"`
		MaxOvertimeMin  int    `bson:"max_overtime_minutes,omitempty"`
	}

	// maintenanceDocument is the MongoDB document representation of a
	// MaintenanceWindow.
	maintenanceDocument struct {
		Machine string    `bson:"machine"`
		Start   time.Time `bson:"start"`
		End     time.Time `bson:"end"`
		Status  string    `bson:"status,omitempty"`
	}
)

// NewReference creates a Reference store on the canonical collections.
func NewReference(db *mongo.Database) *Reference {
	return &Reference{
		machines:    db.Collection(CollMachines),
		relations:   db.Collection(CollRelations),
		speeds:      db.Collection(CollSpeeds),
		shifts:      db.Collection(CollShifts),
		maintenance: db.Collection(CollMaintenance),
	}
}

// ListMachines implements refdata.Store.
func (s *Reference) ListMachines(ctx context.Context) ([]plan.Machine, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.machines.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr("list machines", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []machineDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("list machines decode", err)
	}
	out := make([]plan.Machine, len(docs))
	for i, doc := range docs {
		out[i] = plan.Machine{
			Code:   doc.Code,
			Kind:   plan.MachineKind(doc.Kind),
			Status: doc.Status,
			Model:  doc.Model,
		}
	}
	return out, nil
}

// ListRelations implements refdata.Store.
func (s *Reference) ListRelations(ctx context.Context) ([]plan.MachineRelation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "feeder", Value: 1}, {Key: "priority", Value: 1}, {Key: "maker", Value: 1}})
	cursor, err := s.relations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr("list machine relations", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []relationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("list machine relations decode", err)
	}
	out := make([]plan.MachineRelation, len(docs))
	for i, doc := range docs {
		out[i] = plan.MachineRelation{
			Feeder:    doc.Feeder,
			Maker:     doc.Maker,
			Priority:  doc.Priority,
			ValidFrom: doc.ValidFrom,
			ValidTo:   doc.ValidTo,
		}
	}
	return out, nil
}

// ListSpeedRules implements refdata.Store.
func (s *Reference) ListSpeedRules(ctx context.Context) ([]plan.SpeedRule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "machine", Value: 1}, {Key: "article", Value: 1}})
	cursor, err := s.speeds.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr("list speed rules", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []speedDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("list speed rules decode", err)
	}
	out := make([]plan.SpeedRule, len(docs))
	for i, doc := range docs {
		out[i] = plan.SpeedRule{
			Machine:      doc.Machine,
			Article:      doc.Article,
			BoxesPerHour: doc.BoxesPerHour,
			Efficiency:   doc.Efficiency,
			ValidFrom:    doc.ValidFrom,
			ValidTo:      doc.ValidTo,
		}
	}
	return out, nil
}

// ListShifts implements refdata.Store.
func (s *Reference) ListShifts(ctx context.Context) ([]plan.ShiftDef, error) {
	opts := options.Find().SetSort(bson.D{{Key: "machine", Value: 1}, {Key: "start_minute", Value: 1}})
	cursor, err := s.shifts.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr("list shifts", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []shiftDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("list shifts decode", err)
	}
	out := make([]plan.ShiftDef, len(docs))
	for i, doc := range docs {
		out[i] = plan.ShiftDef{
			Name:            doc.Name,
			Machine:         doc.Machine,
			Start:           plan.ClockMinute(doc.StartMinute),
			End:             plan.ClockMinute(doc.EndMinute),
			OvertimeAllowed: doc.OvertimeAllowed,
			MaxOvertime:     time.Duration(doc.MaxOvertimeMin) * time.Minute,
		}
	}
	return out, nil
}

// ListMaintenanceWindows implements refdata.Store.
func (s *Reference) ListMaintenanceWindows(ctx context.Context) ([]plan.MaintenanceWindow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "machine", Value: 1}, {Key: "start", Value: 1}})
	cursor, err := s.maintenance.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr("list maintenance windows", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []maintenanceDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("list maintenance windows decode", err)
	}
	out := make([]plan.MaintenanceWindow, len(docs))
	for i, doc := range docs {
		out[i] = plan.MaintenanceWindow{
			Machine: doc.Machine,
			Start:   doc.Start,
			End:     doc.End,
			Status:  doc.Status,
		}
	}
	return out, nil
}

// ReplaceMachines swaps the machine collection's contents.
func (s *Reference) ReplaceMachines(ctx context.Context, machines []plan.Machine) error {
	docs := make([]any, len(machines))
	for i, m := range machines {
		docs[i] = machineDocument{
			Code:   m.Code,
			Kind:   string(m.Kind),
			Status: m.Status,
			Model:  m.Model,
		}
	}
	return s.replaceAll(ctx, s.machines, "machines", docs)
}

// ReplaceRelations swaps the machine-relation collection's contents.
func (s *Reference) ReplaceRelations(ctx context.Context, relations []plan.MachineRelation) error {
	docs := make([]any, len(relations))
	for i, r := range relations {
		docs[i] = relationDocument{
			Feeder:    r.Feeder,
			Maker:     r.Maker,
			Priority:  r.Priority,
			ValidFrom: r.ValidFrom,
			ValidTo:   r.ValidTo,
		}
	}
	return s.replaceAll(ctx, s.relations, "machine relations", docs)
}

// ReplaceSpeedRules swaps the speed-rule collection's contents.
func (s *Reference) ReplaceSpeedRules(ctx context.Context, rules []plan.SpeedRule) error {
	docs := make([]any, len(rules))
	for i, r := range rules {
		docs[i] = speedDocument{
			Machine:      r.Machine,
			Article:      r.Article,
			BoxesPerHour: r.BoxesPerHour,
			Efficiency:   r.Efficiency,
			ValidFrom:    r.ValidFrom,
			ValidTo:      r.ValidTo,
		}
	}
	return s.replaceAll(ctx, s.speeds, "speed rules", docs)
}

// ReplaceShifts swaps the shift collection's contents.
func (s *Reference) ReplaceShifts(ctx context.Context, shifts []plan.ShiftDef) error {
	docs := make([]any, len(shifts))
	for i, sh := range shifts {
		docs[i] = shiftDocument{
			Name:            sh.Name,
			Machine:         sh.Machine,
			StartMinute:     int(sh.Start),
			EndMinute:       int(sh.End),
			OvertimeAllowed: sh.OvertimeAllowed,
			MaxOvertimeMin:  int(sh.MaxOvertime / time.Minute),
		}
	}
	return s.replaceAll(ctx, s.shifts, "shifts", docs)
}

// ReplaceMaintenanceWindows swaps the maintenance collection's contents.
func (s *Reference) ReplaceMaintenanceWindows(ctx context.Context, windows []plan.MaintenanceWindow) error {
	docs := make([]any, len(windows))
	for i, w := range windows {
		docs[i] = maintenanceDocument{
			Machine: w.Machine,
			Start:   w.Start,
			End:     w.End,
			Status:  w.Status,
		}
	}
	return s.replaceAll(ctx, s.maintenance, "maintenance windows", docs)
}

func (s *Reference) replaceAll(ctx context.Context, coll *mongo.Collection, what string, docs []any) error {
	if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
		return wrapErr("clear "+what, err)
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := coll.InsertMany(ctx, docs); err != nil {
		return wrapErr("insert "+what, err)
	}
	return nil
}
