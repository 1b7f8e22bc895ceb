package sink

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/m-lab/speedtrack/internal/record"
)

// insertOner is the subset of *mongo.Collection used by Mongo.
type insertOner interface {
	InsertOne(ctx context.Context, document interface{},
		opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Mongo stores each record as one document. The record id is the document
// _id, so a replayed record is absorbed as a duplicate.
type Mongo struct {
	client     *mongo.Client
	collection insertOner
}

// NewMongo returns a Mongo sink for the collection addressed by uri, db and
// collection. The driver connects lazily.
func NewMongo(ctx context.Context, uri, db, collection string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return &Mongo{
		client:     client,
		collection: client.Database(db).Collection(collection),
	}, nil
}

// Deliver inserts r.
func (m *Mongo) Deliver(ctx context.Context, r record.Record) (Outcome, error) {
	_, err := m.collection.InsertOne(ctx, r)
	return classifyMongo(ctx, err), err
}

func classifyMongo(ctx context.Context, err error) Outcome {
	var serverErr mongo.ServerError
	switch {
	case err == nil:
		return Delivered
	case mongo.IsDuplicateKeyError(err):
		return Delivered
	case classifyContext(ctx, err), mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return Unreachable
	case errors.Is(err, mongo.ErrUnacknowledgedWrite), errors.As(err, &serverErr):
		return Rejected
	}
	return Unreachable
}

func (m *Mongo) Name() string { return "mongodb" }

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
