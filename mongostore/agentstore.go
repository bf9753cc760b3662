package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw"
)

// AgentStore implements mongoclaw.AgentStore over the control store's
// "agents" collection. Grounded on the teacher's ChangeStreamWatcher,
// reused here to watch MongoClaw's own control plane instead of an
// end-user collection.
type AgentStore struct {
	col *mongo.Collection
}

// NewAgentStore builds an AgentStore over db's CollectionAgents.
func NewAgentStore(db *mongo.Database) *AgentStore {
	return &AgentStore{col: Collection(db, CollectionAgents)}
}

var _ mongoclaw.AgentStore = (*AgentStore)(nil)

func (s *AgentStore) ListEnabled(ctx context.Context) ([]mongoclaw.Agent, error) {
	cur, err := s.col.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list enabled agents: %w", err)
	}
	defer cur.Close(ctx)

	var agents []mongoclaw.Agent
	if err := cur.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("mongostore: decode agents: %w", err)
	}
	return agents, nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (mongoclaw.Agent, error) {
	var agent mongoclaw.Agent
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&agent)
	if err != nil {
		return mongoclaw.Agent{}, fmt.Errorf("mongostore: get agent %s: %w", id, err)
	}
	return agent, nil
}

// SubscribeChanges watches the agents collection itself and translates
// each change into an AgentChangeNotification, driving the agentcache's
// RCU refresh (spec.md §4.3's "near-real-time agent definition updates").
func (s *AgentStore) SubscribeChanges(ctx context.Context) (<-chan mongoclaw.AgentChangeNotification, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}}}}},
	}
	cursor, err := s.col.Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongostore: watch agents: %w", err)
	}

	out := make(chan mongoclaw.AgentChangeNotification, 64)
	go func() {
		defer close(out)
		defer cursor.Close(context.Background())
		for cursor.Next(ctx) {
			var raw struct {
				OperationType string `bson:"operationType"`
				DocumentKey   struct {
					ID string `bson:"_id"`
				} `bson:"documentKey"`
			}
			if err := cursor.Decode(&raw); err != nil {
				continue
			}
			kind := mongoclaw.AgentUpdated
			switch raw.OperationType {
			case "insert":
				kind = mongoclaw.AgentCreated
			case "delete":
				kind = mongoclaw.AgentDeleted
			}
			select {
			case out <- mongoclaw.AgentChangeNotification{Kind: kind, ID: raw.DocumentKey.ID}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
