package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"

	"github.com/mongoclaw/mongoclaw"
	"github.com/mongoclaw/mongoclaw/expr"
	"github.com/mongoclaw/mongoclaw/mongostore"
)

// AgentSeed is an Agent definition's on-disk YAML form, mirroring warren's
// WarrenResource (apiVersion/kind/metadata/spec) loosely but flattened to
// MongoClaw's own fields directly - there is only ever one "kind" of
// resource here, so the extra indirection warren needs for Service/Secret/
// Volume doesn't pay for itself.
//
// Watch.Filter and AI.ResponseSchema are decoded as raw YAML (map/list/
// scalar) rather than directly into mongoclaw.Expr, since that restricted
// grammar is built by package expr's parser, not by yaml.Unmarshal - see
// ToAgent.
type AgentSeed struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Enabled bool     `yaml:"enabled"`
	Tags    []string `yaml:"tags,omitempty"`
	Watch   struct {
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Operations []string      `yaml:"operations"`
		Filter     interface{}   `yaml:"filter,omitempty"`
	} `yaml:"watch"`
	AI struct {
		Provider       string      `yaml:"provider"`
		Model          string      `yaml:"model"`
		Prompt         string      `yaml:"prompt"`
		SystemPrompt   string      `yaml:"system_prompt,omitempty"`
		Temperature    float64     `yaml:"temperature"`
		MaxTokens      int         `yaml:"max_tokens"`
		ResponseSchema interface{} `yaml:"response_schema,omitempty"`
	} `yaml:"ai"`
	Write struct {
		Strategy        string `yaml:"strategy"`
		TargetField     string `yaml:"target_field"`
		IdempotencyKey  string `yaml:"idempotency_key,omitempty"`
		IncludeMetadata bool   `yaml:"include_metadata"`
	} `yaml:"write"`
	Execution struct {
		MaxRetries          int     `yaml:"max_retries"`
		RetryDelayMs        int     `yaml:"retry_delay_ms"`
		TimeoutMs           int     `yaml:"timeout_ms"`
		RateLimitPerMinute  int     `yaml:"rate_limit_per_minute"`
		CostLimitUSDPerHour float64 `yaml:"cost_limit_usd_per_hour"`
		ConsistencyMode     string  `yaml:"consistency_mode,omitempty"`
	} `yaml:"execution"`
	Revision int64 `yaml:"revision"`
}

// ToAgent parses the seed's raw filter/response_schema into package expr's
// restricted grammar and assembles a mongoclaw.Agent, defaulting
// idempotency_key and consistency_mode the way spec.md §3 says an Agent's
// defaults work.
func (s AgentSeed) ToAgent() (mongoclaw.Agent, error) {
	agent := mongoclaw.Agent{
		ID:      s.ID,
		Name:    s.Name,
		Enabled: s.Enabled,
		Tags:    s.Tags,
		Watch: mongoclaw.Watch{
			Database:   s.Watch.Database,
			Collection: s.Watch.Collection,
		},
		AI: mongoclaw.AI{
			Provider:     s.AI.Provider,
			Model:        s.AI.Model,
			Prompt:       s.AI.Prompt,
			SystemPrompt: s.AI.SystemPrompt,
			Temperature:  s.AI.Temperature,
			MaxTokens:    s.AI.MaxTokens,
		},
		Write: mongoclaw.Write{
			Strategy:        mongoclaw.WriteStrategy(s.Write.Strategy),
			TargetField:     s.Write.TargetField,
			IdempotencyKey:  s.Write.IdempotencyKey,
			IncludeMetadata: s.Write.IncludeMetadata,
		},
		Exec: mongoclaw.ExecutionConfig{
			MaxRetries:          s.Execution.MaxRetries,
			RetryDelayMs:        s.Execution.RetryDelayMs,
			TimeoutMs:           s.Execution.TimeoutMs,
			RateLimitPerMinute:  s.Execution.RateLimitPerMinute,
			CostLimitUSDPerHour: s.Execution.CostLimitUSDPerHour,
			ConsistencyMode:     mongoclaw.ConsistencyMode(s.Execution.ConsistencyMode),
		},
		Revision: s.Revision,
	}

	for _, op := range s.Watch.Operations {
		agent.Watch.Operations = append(agent.Watch.Operations, mongoclaw.Operation(op))
	}

	if agent.Write.IdempotencyKey == "" {
		agent.Write.IdempotencyKey = "{{document._id}}{{agent.id}}{{agent.revision}}"
	}
	if agent.Exec.ConsistencyMode == "" {
		agent.Exec.ConsistencyMode = mongoclaw.ConsistencyEventual
	}

	if s.Watch.Filter != nil {
		node, err := expr.ParseFilter(s.Watch.Filter)
		if err != nil {
			return mongoclaw.Agent{}, fmt.Errorf("config: agent %s: parse watch.filter: %w", s.ID, err)
		}
		agent.Watch.Filter = node
	}
	if s.AI.ResponseSchema != nil {
		node, err := expr.ParseFilter(s.AI.ResponseSchema)
		if err != nil {
			return mongoclaw.Agent{}, fmt.Errorf("config: agent %s: parse ai.response_schema: %w", s.ID, err)
		}
		agent.AI.ResponseSchema = node
	}

	if err := agent.Validate(); err != nil {
		return mongoclaw.Agent{}, fmt.Errorf("config: agent %s: %w", s.ID, err)
	}
	return agent, nil
}

// LoadAgentSeeds reads a multi-document YAML file (one Agent per "---"
// document, the same shape warren's operators hand-write for "apply -f")
// and parses every document into a mongoclaw.Agent.
func LoadAgentSeeds(path string) ([]mongoclaw.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read agent seed file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var agents []mongoclaw.Agent
	for {
		var seed AgentSeed
		if err := dec.Decode(&seed); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("config: failed to parse agent seed file %s: %w", path, err)
		}
		agent, err := seed.ToAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// ApplyAgentSeeds upserts every agent into the control store's "agents"
// collection keyed on ID, mirroring warren apply's create-or-update
// semantics (applyService: update if the resource already exists, create
// otherwise) but as a single upsert rather than a get-then-branch.
func ApplyAgentSeeds(ctx context.Context, db *mongo.Database, agents []mongoclaw.Agent) error {
	col := mongostore.Collection(db, mongostore.CollectionAgents)
	for _, agent := range agents {
		_, err := col.UpdateOne(ctx,
			bson.M{"_id": agent.ID},
			bson.M{"$set": agent},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("config: failed to apply agent seed %s: %w", agent.ID, err)
		}
	}
	return nil
}
