// Package writeengine implements the Write Engine of spec.md §4.5: it takes
// a worker's model output and an Agent's write config and performs the
// single conditional point write back to the document store, in one of
// three strategies (merge, replace, append), optionally wrapped in a
// WriteEnvelope carrying the agent_id/agent_revision/idempotency_key the
// Dispatcher's loop-guard later inspects.
//
// Grounded on the teacher's db/tx conditional-update idiom (a single
// conditional Update call guarded by a precondition, rather than a
// read-modify-write transaction), generalized from "update if resume token
// unchanged" to "update if the target field's idempotency_key differs."
package writeengine

import (
	"context"
	"fmt"
	"time"

	"github.com/mongoclaw/mongoclaw"
)

// Engine performs conditional writes against a mongoclaw.DocumentStore.
type Engine struct {
	Store mongoclaw.DocumentStore
}

// New builds an Engine over store.
func New(store mongoclaw.DocumentStore) *Engine {
	return &Engine{Store: store}
}

// Write applies agent.Write's strategy to value and writes it to the
// document identified by documentID, conditioned on the target field not
// already carrying idempotencyKey (spec.md §4.5 "Conditional write: only
// apply if the current value differs").
//
// It returns (written=true) when the write actually applied, and
// (written=false, err=nil) when the precondition found the value already
// present - the spec.md §7 write_conflict disposition ("completed,
// written=false") for a concurrent or replayed write.
func (e *Engine) Write(ctx context.Context, agent mongoclaw.Agent, documentID, idempotencyKey string, value interface{}, executedAt time.Time) (written bool, err error) {
	if agent.Write.TargetField == "" {
		return false, fmt.Errorf("writeengine: agent %s has no write.target_field", agent.ID)
	}

	patch, err := e.buildPatch(agent, idempotencyKey, value, executedAt)
	if err != nil {
		return false, err
	}

	precondition := mongoclaw.Precondition{
		Field:          agent.Write.TargetField,
		IdempotencyKey: idempotencyKey,
		CreateIfAbsent: agent.Write.Strategy == mongoclaw.WriteAppend,
	}

	res, err := e.Store.Update(ctx, agent.Watch.Database, agent.Watch.Collection, documentID, patch, precondition)
	if err != nil {
		return false, fmt.Errorf("writeengine: update %s/%s/%s: %w", agent.Watch.Database, agent.Watch.Collection, documentID, err)
	}
	return res.Modified > 0, nil
}

// buildPatch shapes the document patch for the given strategy.
func (e *Engine) buildPatch(agent mongoclaw.Agent, idempotencyKey string, value interface{}, executedAt time.Time) (map[string]interface{}, error) {
	field := agent.Write.TargetField

	stored := value
	if agent.Write.IncludeMetadata {
		stored = mongoclaw.WriteEnvelope{
			Value:          value,
			AgentID:        agent.ID,
			AgentRevision:  agent.Revision,
			ExecutedAt:     executedAt,
			IdempotencyKey: idempotencyKey,
		}
	}

	switch agent.Write.Strategy {
	case mongoclaw.WriteMerge, mongoclaw.WriteReplace:
		return map[string]interface{}{field: stored}, nil
	case mongoclaw.WriteAppend:
		// Append semantics push a single envelope-wrapped entry into an
		// array field; dedup against a prior identical idempotency_key is
		// the store adapter's job (it sees the whole array), driven by the
		// precondition's CreateIfAbsent=true, IdempotencyKey=<this key>
		// meaning "skip if an entry with this key is already present."
		return map[string]interface{}{field: stored, "$append": true}, nil
	default:
		return nil, fmt.Errorf("writeengine: unknown write strategy %q", agent.Write.Strategy)
	}
}
