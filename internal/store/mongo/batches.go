package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/store"
)

// Batches is the MongoDB implementation of store.Batches.
type Batches struct {
	collection *mongo.Collection
}

var _ store.Batches = (*Batches)(nil)

// batchDocument is the MongoDB document representation of an ImportBatch.
type batchDocument struct {
	ID          string    `bson:"_id"`
	Cadence     string    `bson:"cadence"`
	FileName    string    `bson:"file_name"`
	FileSize    int64     `bson:"file_size"`
	FilePath    string    `bson:"file_path"`
	PlanYear    int       `bson:"plan_year"`
	UploadedAt  time.Time `bson:"uploaded_at"`
	State       string    `bson:"state"`
	TotalRows   int       `bson:"total_rows"`
	ValidRows   int       `bson:"valid_rows"`
	WarningRows int       `bson:"warning_rows"`
	ErrorRows   int       `bson:"error_rows"`
}

// NewBatches creates a Batches store on the canonical collection.
func NewBatches(db *mongo.Database) *Batches {
	return &Batches{collection: db.Collection(CollBatches)}
}

// Save implements store.Batches.
func (s *Batches) Save(ctx context.Context, b *plan.ImportBatch) error {
	doc := batchToDocument(b)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": b.ID}, doc, opts); err != nil {
		return wrapErr(fmt.Sprintf("save batch %q", b.ID), err)
	}
	return nil
}

// Get implements store.Batches.
func (s *Batches) Get(ctx context.Context, id string) (*plan.ImportBatch, error) {
	var doc batchDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(fmt.Sprintf("get batch %q", id), err)
	}
	return batchFromDocument(&doc), nil
}

// SetState implements store.Batches.
func (s *Batches) SetState(ctx context.Context, id string, state plan.BatchState) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"state": string(state)}})
	if err != nil {
		return wrapErr(fmt.Sprintf("set batch %q state", id), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetCounts implements store.Batches.
func (s *Batches) SetCounts(ctx context.Context, id string, counts plan.RowCounts) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"total_rows":   counts.Total,
		"valid_rows":   counts.Valid,
		"warning_rows": counts.Warning,
		"error_rows":   counts.Error,
	}})
	if err != nil {
		return wrapErr(fmt.Sprintf("set batch %q counts", id), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List implements store.Batches.
func (s *Batches) List(ctx context.Context, limit int64) ([]*plan.ImportBatch, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploaded_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr("list batches", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []batchDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("list batches decode", err)
	}
	out := make([]*plan.ImportBatch, len(docs))
	for i := range docs {
		out[i] = batchFromDocument(&docs[i])
	}
	return out, nil
}

func batchToDocument(b *plan.ImportBatch) *batchDocument {
	return &batchDocument{
		ID:          b.ID,
		Cadence:     string(b.Cadence),
		FileName:    b.FileName,
		FileSize:    b.FileSize,
		FilePath:    b.FilePath,
		PlanYear:    b.PlanYear,
		UploadedAt:  b.UploadedAt,
		State:       string(b.State),
		TotalRows:   b.Counts.Total,
		ValidRows:   b.Counts.Valid,
		WarningRows: b.Counts.Warning,
		ErrorRows:   b.Counts.Error,
	}
}

func batchFromDocument(doc *batchDocument) *plan.ImportBatch {
	return &plan.ImportBatch{
		ID:         doc.ID,
		Cadence:    plan.Cadence(doc.Cadence),
		FileName:   doc.FileName,
		FileSize:   doc.FileSize,
		FilePath:   doc.FilePath,
		PlanYear:   doc.PlanYear,
		UploadedAt: doc.UploadedAt,
		State:      plan.BatchState(doc.State),
		Counts: plan.RowCounts{
			Total:   doc.TotalRows,
			Valid:   doc.ValidRows,
			Warning: doc.WarningRows,
			Error:   doc.ErrorRows,
		},
	}
}
