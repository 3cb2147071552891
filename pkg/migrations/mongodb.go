package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureRecordsCollection creates the indexes used to browse message records.
// The collection itself is created on first insert.
func EnsureRecordsCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "outcome", Value: 1}},
			Options: options.Index().SetName("idx_records_outcome"),
		},
		{
			Keys:    bson.D{{Key: "stored_at", Value: -1}},
			Options: options.Index().SetName("idx_records_stored_at"),
		},
		{
			Keys:    bson.D{{Key: "pipeline", Value: 1}, {Key: "outcome", Value: 1}},
			Options: options.Index().SetName("idx_records_pipeline_outcome"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}

	return nil
}
