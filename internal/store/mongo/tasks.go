package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/leafscale/aps/internal/store"
	"github.com/leafscale/aps/internal/task"
)

// Tasks is the MongoDB implementation of task.Store. Transition filters on
// the expected current state so concurrent managers cannot both move the
// same task; the losing write sees store.ErrNotFound.
type Tasks struct {
	collection *mongo.Collection
}

var _ task.Store = (*Tasks)(nil)

// taskDocument is the MongoDB document representation of a task Record.
// Options and Summary are flattened the way batchDocument flattens RowCounts.
type taskDocument struct {
	ID       string  `bson:"_id"`
	BatchID  string  `bson:"batch_id"`
	State    string  `bson:"state"`
	Progress float64 `bson:"progress"`
	Stage    string  `bson:"stage,omitempty"`

	MergeEnabled      bool `bson:"merge_enabled"`
	SplitEnabled      bool `bson:"split_enabled"`
	CorrectionEnabled bool `bson:"correction_enabled"`
	ParallelEnabled   bool `bson:"parallel_enabled"`

	Error string `bson:"error,omitempty"`

	MakerOrders  int `bson:"maker_orders"`
	FeederOrders int `bson:"feeder_orders"`
	ManualReview int `bson:"manual_review"`
	Warnings     int `bson:"warnings"`

	// Timings values are time.Duration, stored as int64 nanoseconds.
	Timings map[string]time.Duration `bson:"timings,omitempty"`

	CreatedAt  time.Time `bson:"created_at"`
	StartedAt  time.Time `bson:"started_at,omitempty"`
	FinishedAt time.Time `bson:"finished_at,omitempty"`
}

// NewTasks creates a Tasks store on the canonical collection.
func NewTasks(db *mongo.Database) *Tasks {
	return &Tasks{collection: db.Collection(CollTasks)}
}

// Create implements task.Store.
func (s *Tasks) Create(ctx context.Context, rec *task.Record) error {
	if _, err := s.collection.InsertOne(ctx, taskToDocument(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("task %s already exists", rec.ID)
		}
		return wrapErr(fmt.Sprintf("create task %q", rec.ID), err)
	}
	return nil
}

// Get implements task.Store.
func (s *Tasks) Get(ctx context.Context, id string) (*task.Record, error) {
	var doc taskDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(fmt.Sprintf("get task %q", id), err)
	}
	return taskFromDocument(&doc), nil
}

// FindActiveByBatch implements task.Store.
func (s *Tasks) FindActiveByBatch(ctx context.Context, batchID string) (*task.Record, error) {
	filter := bson.M{
		"batch_id": batchID,
		"state":    bson.M{"$in": []string{string(task.StatePending), string(task.StateRunning)}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc taskDocument
	err := s.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(fmt.Sprintf("find active task of batch %q", batchID), err)
	}
	return taskFromDocument(&doc), nil
}

// Transition implements task.Store. The filter carries the from state, so
// the update matches only when the task is still where the caller thinks it
// is. Moving back to pending clears the previous failure reason.
func (s *Tasks) Transition(ctx context.Context, id string, from, to task.State, update task.StateUpdate) error {
	set := bson.M{"state": string(to)}
	if update.Error != "" {
		set["error"] = update.Error
	}
	if to == task.StatePending {
		set["error"] = ""
	}
	if update.Summary != nil {
		set["maker_orders"] = update.Summary.MakerOrders
		set["feeder_orders"] = update.Summary.FeederOrders
		set["manual_review"] = update.Summary.ManualReview
		set["warnings"] = update.Summary.Warnings
	}
	if update.Timings != nil {
		set["timings"] = timingsToDocument(update.Timings)
	}
	if !update.StartedAt.IsZero() {
		set["started_at"] = update.StartedAt
	}
	if !update.FinishedAt.IsZero() {
		set["finished_at"] = update.FinishedAt
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id, "state": string(from)}, bson.M{"$set": set})
	if err != nil {
		return wrapErr(fmt.Sprintf("transition task %q from %s to %s", id, from, to), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateProgress implements task.Store.
func (s *Tasks) UpdateProgress(ctx context.Context, id string, stage task.Stage, progress float64) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"stage": string(stage), "progress": progress}})
	if err != nil {
		return wrapErr(fmt.Sprintf("update task %q progress", id), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListRunningBefore implements task.Store.
func (s *Tasks) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*task.Record, error) {
	filter := bson.M{
		"state":      string(task.StateRunning),
		"started_at": bson.M{"$lt": cutoff},
	}
	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, wrapErr("list running tasks", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("list running tasks decode", err)
	}
	out := make([]*task.Record, len(docs))
	for i := range docs {
		out[i] = taskFromDocument(&docs[i])
	}
	return out, nil
}

func timingsToDocument(timings map[task.Stage]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(timings))
	for stage, d := range timings {
		out[string(stage)] = d
	}
	return out
}

func taskToDocument(rec *task.Record) *taskDocument {
	doc := &taskDocument{
		ID:                rec.ID,
		BatchID:           rec.BatchID,
		State:             string(rec.State),
		Progress:          rec.Progress,
		Stage:             string(rec.Stage),
		MergeEnabled:      rec.Options.Merge,
		SplitEnabled:      rec.Options.Split,
		CorrectionEnabled: rec.Options.Correction,
		ParallelEnabled:   rec.Options.Parallel,
		Error:             rec.Error,
		MakerOrders:       rec.Summary.MakerOrders,
		FeederOrders:      rec.Summary.FeederOrders,
		ManualReview:      rec.Summary.ManualReview,
		Warnings:          rec.Summary.Warnings,
		CreatedAt:         rec.CreatedAt,
		StartedAt:         rec.StartedAt,
		FinishedAt:        rec.FinishedAt,
	}
	if rec.Timings != nil {
		doc.Timings = timingsToDocument(rec.Timings)
	}
	return doc
}

func taskFromDocument(doc *taskDocument) *task.Record {
	rec := &task.Record{
		ID:       doc.ID,
		BatchID:  doc.BatchID,
		State:    task.State(doc.State),
		Progress: doc.Progress,
		Stage:    task.Stage(doc.Stage),
		Options: task.Options{
			Merge:      doc.MergeEnabled,
			Split:      doc.SplitEnabled,
			Correction: doc.CorrectionEnabled,
			Parallel:   doc.ParallelEnabled,
		},
		Error: doc.Error,
		Summary: task.Summary{
			MakerOrders:  doc.MakerOrders,
			FeederOrders: doc.FeederOrders,
			ManualReview: doc.ManualReview,
			Warnings:     doc.Warnings,
		},
		CreatedAt:  doc.CreatedAt,
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
	}
	if doc.Timings != nil {
		rec.Timings = make(map[task.Stage]time.Duration, len(doc.Timings))
		for stage, d := range doc.Timings {
			rec.Timings[task.Stage(stage)] = d
		}
	}
	return rec
}
