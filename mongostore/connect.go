// Package mongostore implements every MongoDB-backed collaborator MongoClaw
// consumes as an interface: mongoclaw.DocumentStore (change feed + point
// writes), mongoclaw.AgentStore, mongoclaw.ExecutionRecorder,
// mongoclaw.IdempotencyStore, and the watch package's ResumeTokenSink/
// ResumeTokenSource.
//
// Grounded on the teacher's db.ConnectToMongo (client construction, ping) and
// stream.ChangeStreamWatcher/stream.ResumeRepository (change-stream pipeline
// shape, resume-point persistence pattern), generalized from the teacher's
// one fixed collection to any (database, collection) pair an Agent names.
package mongostore

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Connect dials MongoDB and returns the named control-store database,
// mirroring the teacher's db.ConnectToMongo but propagating errors instead
// of calling log.Fatalf - MongoClaw is a library, and a library does not
// get to kill its host process.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	log.Infof("mongostore: connecting to %s", dbName)

	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: failed to create client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: failed to ping: %w", err)
	}

	log.Info("mongostore: connection established")
	return client.Database(dbName), nil
}

// Collection returns col with the same write concern (w:1, j:false) the
// teacher uses for its watched collections.
func Collection(db *mongo.Database, col string) *mongo.Collection {
	return db.Collection(col, options.Collection().SetWriteConcern(writeconcern.New(writeconcern.W(1), writeconcern.J(false))))
}

// collectionNames used for the control store (spec.md §6 "Persisted
// layout").
const (
	CollectionAgents          = "agents"
	CollectionExecutions      = "executions"
	CollectionResumeTokens    = "resume_tokens"
	CollectionIdempotencyKeys = "idempotency_keys"
)

// EnsureIndexes creates the control store's TTL and uniqueness indexes
// (spec.md §6, §5): a 7-day TTL on executions, a 24h TTL plus implicit
// uniqueness (idempotency_keys._id is already unique) on idempotency_keys.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	executions := Collection(db, CollectionExecutions)
	if _, err := executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32((7 * 24 * time.Hour).Seconds())),
	}); err != nil {
		return fmt.Errorf("mongostore: failed to create executions TTL index: %w", err)
	}

	idempotency := Collection(db, CollectionIdempotencyKeys)
	if _, err := idempotency.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "executed_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32((24 * time.Hour).Seconds())),
	}); err != nil {
		return fmt.Errorf("mongostore: failed to create idempotency_keys TTL index: %w", err)
	}

	return nil
}
