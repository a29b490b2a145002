package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// DefaultCollection holds audit records unless configured otherwise.
const DefaultCollection = "rabbit_messages"

type mongoRecord struct {
	ID          string    `bson:"_id"`
	Description string    `bson:"description"`
	CreatedAt   time.Time `bson:"created_at"`
}

// Inserter is the subset of *mongo.Collection the sink writes with.
type Inserter interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
}

// MongoSink writes audit records into a MongoDB collection.
type MongoSink struct {
	coll   Inserter
	logger *slog.Logger
	now    func() time.Time
}

var _ cbus.AuditSink = (*MongoSink)(nil)

// MongoOption configures MongoSink.
type MongoOption func(*MongoSink)

// WithMongoLogger sets the logger for the sink.
func WithMongoLogger(logger *slog.Logger) MongoOption {
	return func(s *MongoSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMongoClock overrides the record timestamp source.
func WithMongoClock(now func() time.Time) MongoOption {
	return func(s *MongoSink) { s.now = now }
}

// NewMongoSink creates a sink over coll, usually a *mongo.Collection.
func NewMongoSink(coll Inserter, opts ...MongoOption) *MongoSink {
	s := &MongoSink{coll: coll, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// InsertRawMessage stores body as a new audit record.
func (s *MongoSink) InsertRawMessage(ctx context.Context, body string) error {
	rec := newRecord(body, s.now)

	doc := mongoRecord{
		ID:          rec.ID.String(),
		Description: rec.Description,
		CreatedAt:   rec.CreatedAt,
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		s.logger.ErrorContext(ctx, "failed to insert audit record",
			slog.String("record_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

// ConnectMongo connects and pings MongoDB.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return client, nil
}
