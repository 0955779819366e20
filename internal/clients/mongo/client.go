// Package mongo hosts the MongoDB connection shared by the aps stores.
// Callers connect once at startup and hand collections to the individual
// stores; the client exposes a health pinger for readiness checks.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultConnectTimeout = 10 * time.Second
	clientName            = "aps-mongo"
)

type (
	// Options configures the MongoDB client.
	Options struct {
		// URI is the MongoDB connection string. Required.
		URI string
		// Database is the database holding the aps collections. Required.
		Database string
		// ConnectTimeout bounds the initial connection and ping. Defaults
		// to 10s.
		ConnectTimeout time.Duration
	}

	// Client exposes the MongoDB handles needed by the stores.
	Client interface {
		health.Pinger

		// Collection returns a handle to the named collection.
		Collection(name string) *mongodriver.Collection
		// Database returns the underlying database handle.
		Database() *mongodriver.Database
		// Disconnect closes the connection.
		Disconnect(ctx context.Context) error
	}

	client struct {
		mongo *mongodriver.Client
		db    *mongodriver.Database
	}
)

// Connect establishes the MongoDB connection and verifies it with a ping.
func Connect(ctx context.Context, opts Options) (Client, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	mc, err := mongodriver.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := mc.Ping(ctx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &client{mongo: mc, db: mc.Database(opts.Database)}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Collection(name string) *mongodriver.Collection {
	return c.db.Collection(name)
}

func (c *client) Database() *mongodriver.Database {
	return c.db
}

func (c *client) Disconnect(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}
