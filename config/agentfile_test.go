package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoAgentSeeds = `
id: classify
name: classify
enabled: true
watch:
  database: support
  collection: tickets
  operations: [insert]
  filter:
    status: open
ai:
  provider: openai
  model: gpt-4
  prompt: "cat={{document.category_hint}}"
write:
  strategy: merge
  target_field: ai_triage
execution:
  max_retries: 3
---
id: summarize
name: summarize
enabled: true
watch:
  database: support
  collection: tickets
  operations: [update]
ai:
  provider: openai
  model: gpt-4
  prompt: "summarize {{document.body}}"
write:
  strategy: replace
  target_field: summary
execution:
  max_retries: 1
`

func TestLoadAgentSeeds_ParsesMultiDocumentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoAgentSeeds), 0o600))

	agents, err := LoadAgentSeeds(path)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "classify", agents[0].ID)
	assert.Equal(t, "summarize", agents[1].ID)
	assert.False(t, agents[0].Watch.Filter.IsZero())
}

func TestLoadAgentSeeds_MissingFileErrors(t *testing.T) {
	_, err := LoadAgentSeeds("/nonexistent/agents.yaml")
	assert.Error(t, err)
}
