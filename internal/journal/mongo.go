package journal

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamvault/internal/domain"
)

const collectionName = "recording_events"

// Mongo stores events in a MongoDB collection.
type Mongo struct {
	events *mongo.Collection
}

// NewMongo returns a journal on db and ensures its index exists.
func NewMongo(ctx context.Context, db *mongo.Database) (*Mongo, error) {
	coll := db.Collection(collectionName)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "stream_id", Value: 1}, {Key: "at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal index: %w", err)
	}
	return &Mongo{events: coll}, nil
}

func (m *Mongo) Record(ctx context.Context, ev domain.Event) error {
	if _, err := m.events.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s event for %s: %w", ev.Kind, ev.StreamID, err)
	}
	return nil
}

func (m *Mongo) List(ctx context.Context, streamID string, limit int) ([]domain.Event, error) {
	filter := bson.M{}
	if streamID != "" {
		filter["stream_id"] = streamID
	}
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer cursor.Close(ctx)

	events := []domain.Event{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode journal: %w", err)
	}
	return events, nil
}

var _ domain.Journal = (*Mongo)(nil)
