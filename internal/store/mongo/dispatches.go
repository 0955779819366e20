package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/leafscale/aps/internal/mes"
	"github.com/leafscale/aps/internal/store"
)

// Dispatches is the MongoDB implementation of mes.DispatchStore.
type Dispatches struct {
	collection *mongo.Collection
}

var _ mes.DispatchStore = (*Dispatches)(nil)

type (
	// dispatchDocument is the MongoDB document representation of a
	// DispatchRecord.
	dispatchDocument struct {
		PlanID    string `bson:"_id"`
		BatchID   string `bson:"batch_id"`
		TaskID    string `bson:"task_id"`
		OrderID   string `bson:"order_id"`
		OrderType string `bson:"order_type"`

		Record dispatchPayloadDocument `bson:"record"`

		Status     string    `bson:"status"`
		Attempts   int       `bson:"attempts"`
		LastError  string    `bson:"last_error,omitempty"`
		EnqueuedAt time.Time `bson:"enqueued_at,omitempty"`
		SentAt     time.Time `bson:"sent_at,omitempty"`
	}

	// dispatchPayloadDocument mirrors the MES wire record so operators can
	// query what was actually sent.
	dispatchPayloadDocument struct {
		PlanID         string               `bson:"plan_id"`
		ProductionLine string               `bson:"production_line"`
		MaterialCode   string               `bson:"material_code"`
		Quantity       int                  `bson:"quantity"`
		PlanStartTime  string               `bson:"plan_start_time"`
		PlanEndTime    string               `bson:"plan_end_time"`
		Sequence       int                  `bson:"sequence"`
		Unit           string               `bson:"unit"`
		PlanDate       string               `bson:"plan_date"`
		IsBackup       bool                 `bson:"is_backup"`
		InputBatch     []inputBatchDocument `bson:"input_batch"`
	}

	// inputBatchDocument is one upstream supply entry on the wire record.
	inputBatchDocument struct {
		InputPlanID   string `bson:"input_plan_id,omitempty"`
		MaterialCode  string `bson:"material_code"`
		IsMainChannel bool   `bson:"is_main_channel"`
		IsLastOne     bool   `bson:"is_last_one"`
		IsDeleted     bool   `bson:"is_deleted"`
	}
)

// NewDispatches creates a Dispatches store on the canonical collection.
func NewDispatches(db *mongo.Database) *Dispatches {
	return &Dispatches{collection: db.Collection(CollDispatches)}
}

// Save implements mes.DispatchStore.
func (s *Dispatches) Save(ctx context.Context, rec *mes.DispatchRecord) error {
	doc := dispatchToDocument(rec)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": rec.PlanID}, doc, opts); err != nil {
		return wrapErr(fmt.Sprintf("save dispatch %q", rec.PlanID), err)
	}
	return nil
}

// Get implements mes.DispatchStore.
func (s *Dispatches) Get(ctx context.Context, planID string) (*mes.DispatchRecord, error) {
	var doc dispatchDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": planID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(fmt.Sprintf("get dispatch %q", planID), err)
	}
	return dispatchFromDocument(&doc), nil
}

// ListBatch implements mes.DispatchStore.
func (s *Dispatches) ListBatch(ctx context.Context, batchID string) ([]*mes.DispatchRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"batch_id": batchID}, opts)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("list dispatches of batch %q", batchID), err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []dispatchDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr(fmt.Sprintf("list dispatches of batch %q decode", batchID), err)
	}
	out := make([]*mes.DispatchRecord, len(docs))
	for i := range docs {
		out[i] = dispatchFromDocument(&docs[i])
	}
	return out, nil
}

// MarkSent implements mes.DispatchStore.
func (s *Dispatches) MarkSent(ctx context.Context, planID string, attempts int, at time.Time) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": planID}, bson.M{
		"$set":   bson.M{"status": string(mes.StatusSent), "attempts": attempts, "sent_at": at},
		"$unset": bson.M{"last_error": ""},
	})
	if err != nil {
		return wrapErr(fmt.Sprintf("mark dispatch %q sent", planID), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkFailed implements mes.DispatchStore.
func (s *Dispatches) MarkFailed(ctx context.Context, planID string, attempts int, reason string) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": planID}, bson.M{
		"$set": bson.M{"status": string(mes.StatusFailed), "attempts": attempts, "last_error": reason},
	})
	if err != nil {
		return wrapErr(fmt.Sprintf("mark dispatch %q failed", planID), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetStatus implements mes.DispatchStore.
func (s *Dispatches) SetStatus(ctx context.Context, planID string, status mes.DispatchStatus) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": planID},
		bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return wrapErr(fmt.Sprintf("set dispatch %q status", planID), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func dispatchToDocument(rec *mes.DispatchRecord) *dispatchDocument {
	doc := &dispatchDocument{
		PlanID:    rec.PlanID,
		BatchID:   rec.BatchID,
		TaskID:    rec.TaskID,
		OrderID:   rec.OrderID,
		OrderType: string(rec.OrderType),
		Record: dispatchPayloadDocument{
			PlanID:         rec.Record.PlanID,
			ProductionLine: rec.Record.ProductionLine,
			MaterialCode:   rec.Record.MaterialCode,
			Quantity:       rec.Record.Quantity,
			PlanStartTime:  rec.Record.PlanStartTime,
			PlanEndTime:    rec.Record.PlanEndTime,
			Sequence:       rec.Record.Sequence,
			Unit:           rec.Record.Unit,
			PlanDate:       rec.Record.PlanDate,
			IsBackup:       rec.Record.IsBackup,
		},
		Status:     string(rec.Status),
		Attempts:   rec.Attempts,
		LastError:  rec.LastError,
		EnqueuedAt: rec.EnqueuedAt,
		SentAt:     rec.SentAt,
	}
	doc.Record.InputBatch = make([]inputBatchDocument, len(rec.Record.InputBatch))
	for i, in := range rec.Record.InputBatch {
		doc.Record.InputBatch[i] = inputBatchDocument(in)
	}
	return doc
}

func dispatchFromDocument(doc *dispatchDocument) *mes.DispatchRecord {
	rec := &mes.DispatchRecord{
		PlanID:    doc.PlanID,
		BatchID:   doc.BatchID,
		TaskID:    doc.TaskID,
		OrderID:   doc.OrderID,
		OrderType: mes.OrderType(doc.OrderType),
		Record: mes.Record{
			PlanID:         doc.Record.PlanID,
			ProductionLine: doc.Record.ProductionLine,
			MaterialCode:   doc.Record.MaterialCode,
			Quantity:       doc.Record.Quantity,
			PlanStartTime:  doc.Record.PlanStartTime,
			PlanEndTime:    doc.Record.PlanEndTime,
			Sequence:       doc.Record.Sequence,
			Unit:           doc.Record.Unit,
			PlanDate:       doc.Record.PlanDate,
			IsBackup:       doc.Record.IsBackup,
		},
		Status:     mes.DispatchStatus(doc.Status),
		Attempts:   doc.Attempts,
		LastError:  doc.LastError,
		EnqueuedAt: doc.EnqueuedAt,
		SentAt:     doc.SentAt,
	}
	rec.Record.InputBatch = make([]mes.InputBatch, len(doc.Record.InputBatch))
	for i, in := range doc.Record.InputBatch {
		rec.Record.InputBatch[i] = mes.InputBatch(in)
	}
	return rec
}
