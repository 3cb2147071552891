package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultMongoCollection = "message_records"

type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database, collection string) *MongoRepository {
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoRepository{collection: db.Collection(collection)}
}

func (r *MongoRepository) Backend() string {
	return "mongodb"
}

// Upsert replaces the document only when the stored outcome differs. When the
// id exists with the same outcome the filter misses, the upsert attempts an
// insert and the duplicate key error means nothing changed.
func (r *MongoRepository) Upsert(ctx context.Context, rec Record) (WriteResult, error) {
	filter := bson.M{
		"_id":     rec.MessageID,
		"outcome": bson.M{"$ne": rec.Outcome},
	}

	res, err := r.collection.ReplaceOne(ctx, filter, rec, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return WriteUnchanged, nil
		}
		return WriteUnchanged, fmt.Errorf("mongo upsert failed: %w", err)
	}

	if res.UpsertedCount > 0 {
		return WriteCreated, nil
	}
	if res.ModifiedCount > 0 || res.MatchedCount > 0 {
		return WriteUpdated, nil
	}
	return WriteUnchanged, nil
}

func (r *MongoRepository) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find failed: %w", err)
	}
	return &rec, nil
}

func (r *MongoRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo count failed: %w", err)
	}
	return n, nil
}
