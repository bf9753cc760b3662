package writeengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw"
)

type fakeStore struct {
	lastPatch  map[string]interface{}
	lastPrecon mongoclaw.Precondition
	result     mongoclaw.UpdateResult
	err        error
}

func (f *fakeStore) Subscribe(ctx context.Context, database, collection string, resumeToken *mongoclaw.ResumeToken) (mongoclaw.ChangeFeed, error) {
	return nil, nil
}

func (f *fakeStore) Update(ctx context.Context, database, collection, documentID string, patch map[string]interface{}, precondition mongoclaw.Precondition) (mongoclaw.UpdateResult, error) {
	f.lastPatch = patch
	f.lastPrecon = precondition
	return f.result, f.err
}

func mergeAgent() mongoclaw.Agent {
	return mongoclaw.Agent{
		ID:       "agent-1",
		Revision: 2,
		Watch:    mongoclaw.Watch{Database: "app", Collection: "tickets"},
		Write:    mongoclaw.Write{Strategy: mongoclaw.WriteMerge, TargetField: "summary", IncludeMetadata: true},
	}
}

func TestWrite_MergeAppliesEnvelopeAndPrecondition(t *testing.T) {
	store := &fakeStore{result: mongoclaw.UpdateResult{Matched: 1, Modified: 1}}
	e := New(store)

	written, err := e.Write(context.Background(), mergeAgent(), "t1", "key-1", "generated summary", time.Unix(100, 0))
	require.NoError(t, err)
	assert.True(t, written)

	env, ok := store.lastPatch["summary"].(mongoclaw.WriteEnvelope)
	require.True(t, ok)
	assert.Equal(t, "generated summary", env.Value)
	assert.Equal(t, "agent-1", env.AgentID)
	assert.Equal(t, int64(2), env.AgentRevision)
	assert.Equal(t, "key-1", env.IdempotencyKey)
	assert.Equal(t, "summary", store.lastPrecon.Field)
	assert.Equal(t, "key-1", store.lastPrecon.IdempotencyKey)
	assert.False(t, store.lastPrecon.CreateIfAbsent)
}

func TestWrite_NoopWhenPreconditionAlreadySatisfied(t *testing.T) {
	store := &fakeStore{result: mongoclaw.UpdateResult{Matched: 1, Modified: 0}}
	e := New(store)

	written, err := e.Write(context.Background(), mergeAgent(), "t1", "key-1", "generated summary", time.Now())
	require.NoError(t, err)
	assert.False(t, written)
}

func TestWrite_AppendSetsCreateIfAbsent(t *testing.T) {
	agent := mergeAgent()
	agent.Write.Strategy = mongoclaw.WriteAppend
	store := &fakeStore{result: mongoclaw.UpdateResult{Matched: 1, Modified: 1}}
	e := New(store)

	_, err := e.Write(context.Background(), agent, "t1", "key-2", "entry", time.Now())
	require.NoError(t, err)
	assert.True(t, store.lastPrecon.CreateIfAbsent)
	assert.Equal(t, true, store.lastPatch["$append"])
}

func TestWrite_MissingTargetFieldErrors(t *testing.T) {
	agent := mergeAgent()
	agent.Write.TargetField = ""
	store := &fakeStore{}
	e := New(store)

	_, err := e.Write(context.Background(), agent, "t1", "key", "v", time.Now())
	assert.Error(t, err)
}
