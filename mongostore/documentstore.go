package mongostore

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw"
)

// Store implements mongoclaw.DocumentStore against a MongoDB client,
// watching and writing whatever (database, collection) pair an Agent names.
type Store struct {
	client *mongo.Client
}

// NewStore builds a Store over an already-connected client.
func NewStore(client *mongo.Client) *Store {
	return &Store{client: client}
}

var _ mongoclaw.DocumentStore = (*Store)(nil)

// Subscribe opens a change-stream cursor for (database, collection),
// resuming from resumeToken when given. Grounded on the teacher's
// ChangeStreamWatcher.getWatchCursor: UpdateLookup for post-images,
// Required-then-fallback-to-Off for pre-images (recent images are only
// available once changeStreamPreAndPostImages is enabled on the
// collection).
func (s *Store) Subscribe(ctx context.Context, database, collection string, resumeToken *mongoclaw.ResumeToken) (mongoclaw.ChangeFeed, error) {
	col := Collection(s.client.Database(database), collection)

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	opts.SetFullDocumentBeforeChange(options.Required)

	if resumeToken != nil && resumeToken.Token != nil {
		raw, ok := resumeToken.Token.(bson.Raw)
		if ok {
			opts.SetResumeAfter(raw)
		}
	}

	cursor, err := col.Watch(ctx, changeStreamPipeline(), opts)
	if err != nil {
		if strings.Contains(err.Error(), "NoMatchingDocument") {
			opts.SetFullDocumentBeforeChange(options.Off)
			cursor, err = col.Watch(ctx, changeStreamPipeline(), opts)
		}
		if err != nil {
			return nil, fmt.Errorf("mongostore: watch %s/%s: %w", database, collection, err)
		}
	}

	return &changeFeed{cursor: cursor, database: database, collection: collection}, nil
}

// changeStreamPipeline reshapes MongoDB's raw change event into
// mongoclaw.ChangeEvent's field names, grounded on the teacher's
// stream.buildPipeline.
func changeStreamPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete", "invalidate"}}}}}}},
		bson.D{{Key: "$addFields", Value: bson.D{
			{Key: "timestamp", Value: "$clusterTime"},
			{Key: "database", Value: "$ns.db"},
			{Key: "collection", Value: "$ns.coll"},
			{Key: "documentKey", Value: "$documentKey._id"},
		}}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "timestamp", Value: 1},
			{Key: "operationType", Value: 1},
			{Key: "database", Value: 1},
			{Key: "collection", Value: 1},
			{Key: "documentKey", Value: 1},
			{Key: "fullDocument", Value: 1},
		}}},
	}
}

// Update performs the single conditional point write the Write Engine
// issues (spec.md §4.5): apply patch to documentID only if precondition's
// idempotency key is not already recorded at precondition.Field.
func (s *Store) Update(ctx context.Context, database, collection, documentID string, patch map[string]interface{}, precondition mongoclaw.Precondition) (mongoclaw.UpdateResult, error) {
	col := Collection(s.client.Database(database), collection)

	filter := buildUpdateFilter(documentID, precondition)
	update := buildUpdateDoc(patch, precondition)

	res, err := col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(false))
	if err != nil {
		return mongoclaw.UpdateResult{}, fmt.Errorf("mongostore: update %s: %w", documentID, err)
	}

	// Matched==0 here is ambiguous between "document does not exist" and
	// "the precondition already holds" (a replayed or concurrent write) -
	// the Write Engine only inspects Modified, so it never needs telling
	// apart.
	return mongoclaw.UpdateResult{Matched: int(res.MatchedCount), Modified: int(res.ModifiedCount)}, nil
}

// buildUpdateFilter builds the conditional match: documentID, and either no
// value stored at Field yet, or a stored envelope whose idempotency_key
// differs from precondition.IdempotencyKey (spec.md §4.5's "conditional
// write: only apply if the current value differs").
//
// For WriteAppend, the guard instead checks that no element of the target
// array already carries this idempotency_key.
func buildUpdateFilter(documentID string, precondition mongoclaw.Precondition) bson.M {
	if precondition.CreateIfAbsent {
		return bson.M{
			"_id": documentID,
			precondition.Field: bson.M{
				"$not": bson.M{"$elemMatch": bson.M{"idempotency_key": precondition.IdempotencyKey}},
			},
		}
	}

	keyField := precondition.Field + ".idempotency_key"
	return bson.M{
		"_id": documentID,
		"$or": bson.A{
			bson.M{precondition.Field: bson.M{"$exists": false}},
			bson.M{keyField: bson.M{"$ne": precondition.IdempotencyKey}},
		},
	}
}

// buildUpdateDoc translates a writeengine patch (possibly carrying the
// "$append" sentinel key) into a Mongo update document.
func buildUpdateDoc(patch map[string]interface{}, precondition mongoclaw.Precondition) bson.M {
	if _, appendMode := patch["$append"]; appendMode {
		set := bson.M{}
		for field, v := range patch {
			if field == "$append" {
				continue
			}
			set[field] = bson.M{"$each": bson.A{v}}
		}
		return bson.M{"$push": set}
	}

	set := bson.M{}
	for field, v := range patch {
		set[field] = v
	}
	return bson.M{"$set": set}
}
