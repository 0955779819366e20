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

// Rows is the MongoDB implementation of store.Rows.
type Rows struct {
	collection *mongo.Collection
}

var _ store.Rows = (*Rows)(nil)

// rowDocument is the MongoDB document representation of a PlanRow.
type rowDocument struct {
	ID            string            `bson:"_id"`
	BatchID       string            `bson:"batch_id"`
	RowIndex      int               `bson:"row_index"`
	WorkOrderID   string            `bson:"work_order_id"`
	Article       string            `bson:"article"`
	PackageType   string            `bson:"package_type"`
	Specification string            `bson:"specification"`
	Unit          string            `bson:"unit"`
	Feeders       []string          `bson:"feeders"`
	Makers        []string          `bson:"makers"`
	InputQuantity int               `bson:"input_quantity"`
	FinalQuantity int               `bson:"final_quantity"`
	Start         time.Time         `bson:"start"`
	End           time.Time         `bson:"end"`
	RawDateRange  string            `bson:"raw_date_range"`
	Status        string            `bson:"status"`
	Message       string            `bson:"message,omitempty"`
	Extra         map[string]string `bson:"extra,omitempty"`
}

// NewRows creates a Rows store on the canonical collection.
func NewRows(db *mongo.Database) *Rows {
	return &Rows{collection: db.Collection(CollRows)}
}

// ReplaceBatch implements store.Rows.
func (s *Rows) ReplaceBatch(ctx context.Context, batchID string, rows []plan.PlanRow) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"batch_id": batchID}); err != nil {
		return wrapErr(fmt.Sprintf("clear rows of batch %q", batchID), err)
	}
	if len(rows) == 0 {
		return nil
	}
	docs := make([]any, len(rows))
	for i := range rows {
		docs[i] = rowToDocument(batchID, &rows[i])
	}
	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return wrapErr(fmt.Sprintf("insert rows of batch %q", batchID), err)
	}
	return nil
}

// ListBatch implements store.Rows.
func (s *Rows) ListBatch(ctx context.Context, batchID string) ([]plan.PlanRow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "row_index", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"batch_id": batchID}, opts)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("list rows of batch %q", batchID), err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []rowDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr(fmt.Sprintf("list rows of batch %q decode", batchID), err)
	}
	out := make([]plan.PlanRow, len(docs))
	for i := range docs {
		out[i] = rowFromDocument(&docs[i])
	}
	return out, nil
}

func rowToDocument(batchID string, r *plan.PlanRow) *rowDocument {
	return &rowDocument{
		ID:            fmt.Sprintf("%s:%d", batchID, r.RowIndex),
		BatchID:       batchID,
		RowIndex:      r.RowIndex,
		WorkOrderID:   r.WorkOrderID,
		Article:       r.Article,
		PackageType:   r.PackageType,
		Specification: r.Specification,
		Unit:          r.Unit,
		Feeders:       r.Feeders,
		Makers:        r.Makers,
		InputQuantity: r.InputQuantity,
		FinalQuantity: r.FinalQuantity,
		Start:         r.Start,
		End:           r.End,
		RawDateRange:  r.RawDateRange,
		Status:        string(r.Status),
		Message:       r.Message,
		Extra:         r.Extra,
	}
}

func rowFromDocument(doc *rowDocument) plan.PlanRow {
	return plan.PlanRow{
		RowIndex:      doc.RowIndex,
		WorkOrderID:   doc.WorkOrderID,
		Article:       doc.Article,
		PackageType:   doc.PackageType,
		Specification: doc.Specification,
		Unit:          doc.Unit,
		Feeders:       doc.Feeders,
		Makers:        doc.Makers,
		InputQuantity: doc.InputQuantity,
		FinalQuantity: doc.FinalQuantity,
		Start:         doc.Start,
		End:           doc.End,
		RawDateRange:  doc.RawDateRange,
		Status:        plan.RowStatus(doc.Status),
		Message:       doc.Message,
		Extra:         doc.Extra,
	}
}
