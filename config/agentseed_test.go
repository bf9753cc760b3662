package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw"
)

func baseSeed() AgentSeed {
	var s AgentSeed
	s.ID = "classify"
	s.Name = "classify"
	s.Enabled = true
	s.Watch.Database = "support"
	s.Watch.Collection = "tickets"
	s.Watch.Operations = []string{"insert"}
	s.Watch.Filter = map[string]interface{}{"status": "open"}
	s.AI.Provider = "openai"
	s.AI.Model = "gpt-4"
	s.AI.Prompt = "cat={{document.category_hint}}"
	s.Write.Strategy = "merge"
	s.Write.TargetField = "ai_triage"
	s.Execution.MaxRetries = 3
	return s
}

func TestToAgent_ParsesFilterAndDefaults(t *testing.T) {
	agent, err := baseSeed().ToAgent()
	require.NoError(t, err)

	assert.Equal(t, "classify", agent.ID)
	assert.True(t, agent.Watch.HasOperation(mongoclaw.OpInsert))
	assert.False(t, agent.Watch.Filter.IsZero())
	assert.Equal(t, mongoclaw.ConsistencyEventual, agent.Exec.ConsistencyMode)
	assert.Equal(t, "{{document._id}}{{agent.id}}{{agent.revision}}", agent.Write.IdempotencyKey)
}

func TestToAgent_HonorsExplicitIdempotencyKeyAndConsistency(t *testing.T) {
	s := baseSeed()
	s.Write.IdempotencyKey = "{{document._id}}-custom"
	s.Execution.ConsistencyMode = "strong"

	agent, err := s.ToAgent()
	require.NoError(t, err)
	assert.Equal(t, "{{document._id}}-custom", agent.Write.IdempotencyKey)
	assert.Equal(t, mongoclaw.ConsistencyStrong, agent.Exec.ConsistencyMode)
}

func TestToAgent_RejectsInvalidAgent(t *testing.T) {
	s := baseSeed()
	s.Watch.Operations = nil

	_, err := s.ToAgent()
	assert.Error(t, err)
}

func TestToAgent_RejectsBadFilter(t *testing.T) {
	s := baseSeed()
	s.Watch.Filter = "not-an-object"

	_, err := s.ToAgent()
	assert.Error(t, err)
}
