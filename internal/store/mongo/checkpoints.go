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

// Checkpoints is the MongoDB implementation of store.Checkpoints. Each task
// keeps one document: saving a later stage replaces the earlier one, which
// is all a resume ever reads.
type Checkpoints struct {
	collection *mongo.Collection
}

var _ store.Checkpoints = (*Checkpoints)(nil)

// checkpointDocument is the MongoDB document representation of a Checkpoint.
type checkpointDocument struct {
	TaskID  string          `bson:"_id"`
	Stage   string          `bson:"stage"`
	SavedAt time.Time       `bson:"saved_at"`
	Drafts  []draftDocument `bson:"drafts"`
}

// draftDocument is the MongoDB document representation of an in-pipeline
// Draft, embedded in checkpoints.
type draftDocument struct {
	ID            string              `bson:"id"`
	Batch         string              `bson:"batch"`
	RowIndex      int                 `bson:"row_index"`
	PlanYear      int                 `bson:"plan_year"`
	PlanMonth     int                 `bson:"plan_month"`
	Article       string              `bson:"article"`
	PackageType   string              `bson:"package_type,omitempty"`
	Specification string              `bson:"specification,omitempty"`
	Unit          string              `bson:"unit,omitempty"`
	Feeders       []string            `bson:"feeders,omitempty"`
	Makers        []string            `bson:"makers,omitempty"`
	Maker         string              `bson:"maker,omitempty"`
	Feeder        string              `bson:"feeder,omitempty"`
	InputQuantity int                 `bson:"input_quantity"`
	FinalQuantity int                 `bson:"final_quantity"`
	Start         time.Time           `bson:"start"`
	End           time.Time           `bson:"end"`
	Priority      int                 `bson:"priority"`
	Lineage       []string            `bson:"lineage,omitempty"`
	MergedFrom    []string            `bson:"merged_from,omitempty"`
	SplitFrom     string              `bson:"split_from,omitempty"`
	SplitIndex    int                 `bson:"split_index,omitempty"`
	History       []transformDocument `bson:"history,omitempty"`
	Review        bool                `bson:"review,omitempty"`
	ReviewReason  string              `bson:"review_reason,omitempty"`
}

// transformDocument is one draft history entry.
type transformDocument struct {
	Stage  string `bson:"stage"`
	Before string `bson:"before,omitempty"`
	After  string `bson:"after,omitempty"`
	Reason string `bson:"reason,omitempty"`
}

// NewCheckpoints creates a Checkpoints store on the canonical collection.
func NewCheckpoints(db *mongo.Database) *Checkpoints {
	return &Checkpoints{collection: db.Collection(CollCheckpoints)}
}

// Save implements store.Checkpoints.
func (s *Checkpoints) Save(ctx context.Context, cp store.Checkpoint) error {
	doc := checkpointToDocument(&cp)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": cp.TaskID}, doc, opts); err != nil {
		return wrapErr(fmt.Sprintf("save checkpoint %s of task %q", cp.Stage, cp.TaskID), err)
	}
	return nil
}

// Latest implements store.Checkpoints.
func (s *Checkpoints) Latest(ctx context.Context, taskID string) (store.Checkpoint, error) {
	var doc checkpointDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.Checkpoint{}, store.ErrNotFound
		}
		return store.Checkpoint{}, wrapErr(fmt.Sprintf("get checkpoint of task %q", taskID), err)
	}
	return checkpointFromDocument(&doc), nil
}

// Clear implements store.Checkpoints.
func (s *Checkpoints) Clear(ctx context.Context, taskID string) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"_id": taskID}); err != nil {
		return wrapErr(fmt.Sprintf("clear checkpoints of task %q", taskID), err)
	}
	return nil
}

func checkpointToDocument(cp *store.Checkpoint) *checkpointDocument {
	doc := &checkpointDocument{
		TaskID:  cp.TaskID,
		Stage:   cp.Stage,
		SavedAt: cp.SavedAt,
		Drafts:  make([]draftDocument, len(cp.Drafts)),
	}
	for i := range cp.Drafts {
		doc.Drafts[i] = draftToDocument(&cp.Drafts[i])
	}
	return doc
}

func checkpointFromDocument(doc *checkpointDocument) store.Checkpoint {
	cp := store.Checkpoint{
		TaskID:  doc.TaskID,
		Stage:   doc.Stage,
		SavedAt: doc.SavedAt,
		Drafts:  make([]plan.Draft, len(doc.Drafts)),
	}
	for i := range doc.Drafts {
		cp.Drafts[i] = draftFromDocument(&doc.Drafts[i])
	}
	return cp
}

func draftToDocument(d *plan.Draft) draftDocument {
	doc := draftDocument{
		ID:            d.ID,
		Batch:         d.Batch,
		RowIndex:      d.RowIndex,
		PlanYear:      d.PlanYear,
		PlanMonth:     d.PlanMonth,
		Article:       d.Article,
		PackageType:   d.PackageType,
		Specification: d.Specification,
		Unit:          d.Unit,
		Feeders:       d.Feeders,
		Makers:        d.Makers,
		Maker:         d.Maker,
		Feeder:        d.Feeder,
		InputQuantity: d.InputQuantity,
		FinalQuantity: d.FinalQuantity,
		Start:         d.Start,
		End:           d.End,
		Priority:      d.Priority,
		Lineage:       d.Lineage,
		MergedFrom:    d.MergedFrom,
		SplitFrom:     d.SplitFrom,
		SplitIndex:    d.SplitIndex,
		Review:        d.Review,
		ReviewReason:  d.ReviewReason,
	}
	if len(d.History) > 0 {
		doc.History = make([]transformDocument, len(d.History))
		for i, tr := range d.History {
			doc.History[i] = transformDocument(tr)
		}
	}
	return doc
}

func draftFromDocument(doc *draftDocument) plan.Draft {
	d := plan.Draft{
		ID:            doc.ID,
		Batch:         doc.Batch,
		RowIndex:      doc.RowIndex,
		PlanYear:      doc.PlanYear,
		PlanMonth:     doc.PlanMonth,
		Article:       doc.Article,
		PackageType:   doc.PackageType,
		Specification: doc.Specification,
		Unit:          doc.Unit,
		Feeders:       doc.Feeders,
		Makers:        doc.Makers,
		Maker:         doc.Maker,
		Feeder:        doc.Feeder,
		InputQuantity: doc.InputQuantity,
		FinalQuantity: doc.FinalQuantity,
		Start:         doc.Start,
		End:           doc.End,
		Priority:      doc.Priority,
		Lineage:       doc.Lineage,
		MergedFrom:    doc.MergedFrom,
		SplitFrom:     doc.SplitFrom,
		SplitIndex:    doc.SplitIndex,
		Review:        doc.Review,
		ReviewReason:  doc.ReviewReason,
	}
	if len(doc.History) > 0 {
		d.History = make([]plan.Transform, len(doc.History))
		for i, tr := range doc.History {
			d.History[i] = plan.Transform(tr)
		}
	}
	return d
}
