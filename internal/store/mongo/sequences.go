package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/leafscale/aps/internal/sequence"
)

// Sequences is the MongoDB implementation of sequence.Store. Each counter is
// one document advanced with an upserted $inc, so blocks reserved by
// concurrent processes never overlap.
type Sequences struct {
	collection *mongo.Collection
}

var _ sequence.Store = (*Sequences)(nil)

// sequenceDocument is the MongoDB document representation of one counter.
// Value is the last id handed out.
type sequenceDocument struct {
	Name  string `bson:"_id"`
	Value int64  `bson:"value"`
}

// NewSequences creates a Sequences store on the canonical collection.
func NewSequences(db *mongo.Database) *Sequences {
	return &Sequences{collection: db.Collection(CollSequences)}
}

// Reserve implements sequence.Store. The returned value is the first id of
// the block [first, first+n); a counter's first block starts at 1.
func (s *Sequences) Reserve(ctx context.Context, name string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve from counter %q: block size %d is not positive", name, n)
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc sequenceDocument
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": n}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("reserve %d from counter %q", n, name), err)
	}
	return doc.Value - n + 1, nil
}
