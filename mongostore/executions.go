package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw"
)

// ExecutionStore implements mongoclaw.ExecutionRecorder over the control
// store's "executions" collection (spec.md §6). Writes are idempotent
// upserts keyed on Execution.ID so a Worker retrying a Record call after a
// network blip never produces a duplicate ledger entry.
type ExecutionStore struct {
	col *mongo.Collection
}

// NewExecutionStore builds an ExecutionStore over db's CollectionExecutions.
func NewExecutionStore(db *mongo.Database) *ExecutionStore {
	return &ExecutionStore{col: Collection(db, CollectionExecutions)}
}

var _ mongoclaw.ExecutionRecorder = (*ExecutionStore)(nil)

func (s *ExecutionStore) Record(ctx context.Context, e mongoclaw.Execution) error {
	e = prepareExecution(e)
	_, err := s.col.UpdateOne(ctx,
		bson.M{"_id": e.ID},
		bson.M{"$set": e},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: record execution %s: %w", e.ID, err)
	}
	return nil
}

// LastExecutionAt returns agentID's most recent execution record (latest
// started_at), for status() (spec.md §6).
func (s *ExecutionStore) LastExecutionAt(ctx context.Context, agentID string) (mongoclaw.Execution, bool, error) {
	opts := options.FindOne().SetSort(bson.M{"started_at": -1})
	var e mongoclaw.Execution
	err := s.col.FindOne(ctx, bson.M{"agent_id": agentID}, opts).Decode(&e)
	if err == mongo.ErrNoDocuments {
		return mongoclaw.Execution{}, false, nil
	}
	if err != nil {
		return mongoclaw.Execution{}, false, fmt.Errorf("mongostore: last execution for %s: %w", agentID, err)
	}
	return e, true, nil
}

// prepareExecution fills CreatedAt from StartedAt when the caller left it
// zero, so the executions TTL index (keyed on created_at) always has
// something to expire against.
func prepareExecution(e mongoclaw.Execution) mongoclaw.Execution {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.StartedAt
	}
	return e
}
