package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw"
)

// IdempotencyStore implements mongoclaw.IdempotencyStore over the control
// store's "idempotency_keys" collection, whose _id is the key itself so
// Mongo's own unique index enforces spec.md §3's "unique constraint on
// key" without a separate index definition.
type IdempotencyStore struct {
	col *mongo.Collection
}

// NewIdempotencyStore builds an IdempotencyStore over db's
// CollectionIdempotencyKeys.
func NewIdempotencyStore(db *mongo.Database) *IdempotencyStore {
	return &IdempotencyStore{col: Collection(db, CollectionIdempotencyKeys)}
}

var _ mongoclaw.IdempotencyStore = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) Check(ctx context.Context, key string) (mongoclaw.IdempotencyRecord, bool, error) {
	var rec mongoclaw.IdempotencyRecord
	err := s.col.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongoclaw.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return mongoclaw.IdempotencyRecord{}, false, fmt.Errorf("mongostore: check idempotency key %s: %w", key, err)
	}
	return rec, true, nil
}

// Put inserts rec, failing with a wrapped duplicate-key error if key is
// already recorded - the race two concurrent workers can hit is resolved
// by whichever insert lands first winning spec.md §3's dedup.
func (s *IdempotencyStore) Put(ctx context.Context, rec mongoclaw.IdempotencyRecord) error {
	_, err := s.col.InsertOne(ctx, rec)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("mongostore: idempotency key %s already recorded: %w", rec.Key, err)
		}
		return fmt.Errorf("mongostore: put idempotency key %s: %w", rec.Key, err)
	}
	return nil
}
