package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/store"
)

// Orders is the MongoDB implementation of store.Orders. Maker and feeder
// orders live in separate collections.
type Orders struct {
	makers  *mongo.Collection
	feeders *mongo.Collection
}

var _ store.Orders = (*Orders)(nil)

// makerOrderDocument is the MongoDB document representation of a MakerOrder.
type makerOrderDocument struct {
	ID            string    `bson:"_id"`
	BatchID       string    `bson:"batch_id"`
	TaskID        string    `bson:"task_id"`
	Maker         string    `bson:"maker"`
	Article       string    `bson:"article"`
	PackageType   string    `bson:"package_type"`
	Specification string    `bson:"specification"`
	Unit          string    `bson:"unit"`
	InputQuantity int       `bson:"input_quantity"`
	FinalQuantity int       `bson:"final_quantity"`
	Start         time.Time `bson:"start"`
	End           time.Time `bson:"end"`
	PlanDate      time.Time `bson:"plan_date"`
	Sequence      int       `bson:"sequence"`
	FeederOrderID string    `bson:"feeder_order_id,omitempty"`
	Feeder        string    `bson:"feeder"`
	IsBackup      bool      `bson:"is_backup"`
	BackupReason  string    `bson:"backup_reason,omitempty"`
	SplitFrom     string    `bson:"split_from,omitempty"`
	SplitIndex    int       `bson:"split_index,omitempty"`
	MergedFrom    []string  `bson:"merged_from,omitempty"`
	Review        bool      `bson:"review"`
	ReviewReason  string    `bson:"review_reason,omitempty"`
}

// feederOrderDocument is the MongoDB document representation of a FeederOrder.
type feederOrderDocument struct {
	ID            string    `bson:"_id"`
	BatchID       string    `bson:"batch_id"`
	TaskID        string    `bson:"task_id"`
	Feeder        string    `bson:"feeder"`
	Article       string    `bson:"article"`
	Unit          string    `bson:"unit"`
	Quantity      int       `bson:"quantity"`
	Start         time.Time `bson:"start"`
	End           time.Time `bson:"end"`
	PlanDate      time.Time `bson:"plan_date"`
	Sequence      int       `bson:"sequence"`
	MakerOrderIDs []string  `bson:"maker_order_ids"`
}

// NewOrders creates an Orders store on the canonical collections.
func NewOrders(db *mongo.Database) *Orders {
	return &Orders{
		makers:  db.Collection(CollMakerOrders),
		feeders: db.Collection(CollFeederOrders),
	}
}

// SaveMakerOrders implements store.Orders. Orders are upserted by id so a
// retried emission stage is idempotent.
func (s *Orders) SaveMakerOrders(ctx context.Context, orders []plan.MakerOrder) error {
	if len(orders) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, len(orders))
	for i := range orders {
		doc := makerToDocument(&orders[i])
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true)
	}
	if _, err := s.makers.BulkWrite(ctx, models); err != nil {
		return wrapErr("save maker orders", err)
	}
	return nil
}

// SaveFeederOrders implements store.Orders.
func (s *Orders) SaveFeederOrders(ctx context.Context, orders []plan.FeederOrder) error {
	if len(orders) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, len(orders))
	for i := range orders {
		doc := feederToDocument(&orders[i])
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true)
	}
	if _, err := s.feeders.BulkWrite(ctx, models); err != nil {
		return wrapErr("save feeder orders", err)
	}
	return nil
}

// orderSort keeps listings deterministic: chronological, then by sequence,
// then by id for orders sharing a start.
var orderSort = bson.D{{Key: "start", Value: 1}, {Key: "sequence", Value: 1}, {Key: "_id", Value: 1}}

// ListMakerOrders implements store.Orders.
func (s *Orders) ListMakerOrders(ctx context.Context, batchID string) ([]plan.MakerOrder, error) {
	cursor, err := s.makers.Find(ctx, bson.M{"batch_id": batchID}, options.Find().SetSort(orderSort))
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("list maker orders of batch %q", batchID), err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []makerOrderDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr(fmt.Sprintf("list maker orders of batch %q decode", batchID), err)
	}
	out := make([]plan.MakerOrder, len(docs))
	for i := range docs {
		out[i] = makerFromDocument(&docs[i])
	}
	return out, nil
}

// ListFeederOrders implements store.Orders.
func (s *Orders) ListFeederOrders(ctx context.Context, batchID string) ([]plan.FeederOrder, error) {
	cursor, err := s.feeders.Find(ctx, bson.M{"batch_id": batchID}, options.Find().SetSort(orderSort))
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("list feeder orders of batch %q", batchID), err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []feederOrderDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr(fmt.Sprintf("list feeder orders of batch %q decode", batchID), err)
	}
	out := make([]plan.FeederOrder, len(docs))
	for i := range docs {
		out[i] = feederFromDocument(&docs[i])
	}
	return out, nil
}

// DeleteBatch implements store.Orders. Emission clears a batch's orders
// before writing the new set, so a rescheduled batch never keeps stale
// orders around.
func (s *Orders) DeleteBatch(ctx context.Context, batchID string) error {
	if _, err := s.makers.DeleteMany(ctx, bson.M{"batch_id": batchID}); err != nil {
		return wrapErr(fmt.Sprintf("delete maker orders of batch %q", batchID), err)
	}
	if _, err := s.feeders.DeleteMany(ctx, bson.M{"batch_id": batchID}); err != nil {
		return wrapErr(fmt.Sprintf("delete feeder orders of batch %q", batchID), err)
	}
	return nil
}

func makerToDocument(o *plan.MakerOrder) *makerOrderDocument {
	return &makerOrderDocument{
		ID:            o.ID,
		BatchID:       o.Batch,
		TaskID:        o.TaskID,
		Maker:         o.Maker,
		Article:       o.Article,
		PackageType:   o.PackageType,
		Specification: o.Specification,
		Unit:          o.Unit,
		InputQuantity: o.InputQuantity,
		FinalQuantity: o.FinalQuantity,
		Start:         o.Start,
		End:           o.End,
		PlanDate:      o.PlanDate,
		Sequence:      o.Sequence,
		FeederOrderID: o.FeederOrderID,
		Feeder:        o.Feeder,
		IsBackup:      o.IsBackup,
		BackupReason:  o.BackupReason,
		SplitFrom:     o.SplitFrom,
		SplitIndex:    o.SplitIndex,
		MergedFrom:    o.MergedFrom,
		Review:        o.Review,
		ReviewReason:  o.ReviewReason,
	}
}

func makerFromDocument(doc *makerOrderDocument) plan.MakerOrder {
	return plan.MakerOrder{
		ID:            doc.ID,
		Batch:         doc.BatchID,
		TaskID:        doc.TaskID,
		Maker:         doc.Maker,
		Article:       doc.Article,
		PackageType:   doc.PackageType,
		Specification: doc.Specification,
		Unit:          doc.Unit,
		InputQuantity: doc.InputQuantity,
		FinalQuantity: doc.FinalQuantity,
		Start:         doc.Start,
		End:           doc.End,
		PlanDate:      doc.PlanDate,
		Sequence:      doc.Sequence,
		FeederOrderID: doc.FeederOrderID,
		Feeder:        doc.Feeder,
		IsBackup:      doc.IsBackup,
		BackupReason:  doc.BackupReason,
		SplitFrom:     doc.SplitFrom,
		SplitIndex:    doc.SplitIndex,
		MergedFrom:    doc.MergedFrom,
		Review:        doc.Review,
		ReviewReason:  doc.ReviewReason,
	}
}

func feederToDocument(o *plan.FeederOrder) *feederOrderDocument {
	return &feederOrderDocument{
		ID:            o.ID,
		BatchID:       o.Batch,
		TaskID:        o.TaskID,
		Feeder:        o.Feeder,
		Article:       o.Article,
		Unit:          o.Unit,
		Quantity:      o.Quantity,
		Start:         o.Start,
		End:           o.End,
		PlanDate:      o.PlanDate,
		Sequence:      o.Sequence,
		MakerOrderIDs: o.MakerOrderIDs,
	}
}

func feederFromDocument(doc *feederOrderDocument) plan.FeederOrder {
	return plan.FeederOrder{
		ID:            doc.ID,
		Batch:         doc.BatchID,
		TaskID:        doc.TaskID,
		Feeder:        doc.Feeder,
		Article:       doc.Article,
		Unit:          doc.Unit,
		Quantity:      doc.Quantity,
		Start:         doc.Start,
		End:           doc.End,
		PlanDate:      doc.PlanDate,
		Sequence:      doc.Sequence,
		MakerOrderIDs: doc.MakerOrderIDs,
	}
}
