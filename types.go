/*
 * Copyright (c) 2023. Monimoto Authors.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 *  (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package mongoclaw holds the core domain types and the interfaces the
// streaming pipeline consumes from its collaborators (document store, model
// provider, durable queue, agent store, metrics sink).
package mongoclaw

import (
	"time"
)

// Operation is a change-feed operation type.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
	OpDelete  Operation = "delete"
)

// WriteStrategy is how a worker writes a model's response back to a document.
type WriteStrategy string

const (
	WriteMerge   WriteStrategy = "merge"
	WriteReplace WriteStrategy = "replace"
	WriteAppend  WriteStrategy = "append"
)

// ConsistencyMode controls whether per-document ordering is enforced.
type ConsistencyMode string

const (
	ConsistencyEventual ConsistencyMode = "eventual"
	ConsistencyStrong   ConsistencyMode = "strong"
)

// Trigger identifies how a WorkItem entered the queue.
type Trigger string

const (
	TriggerChange  Trigger = "change"
	TriggerWebhook Trigger = "webhook"
	TriggerRetry   Trigger = "retry"
)

// ExecutionStatus is the terminal (or in-flight) state of an Execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
	StatusDLQ       ExecutionStatus = "dlq"
)

// Watch describes the collection and filter an Agent subscribes to.
type Watch struct {
	Database   string      `bson:"database" json:"database" yaml:"database"`
	Collection string      `bson:"collection" json:"collection" yaml:"collection"`
	Operations []Operation `bson:"operations" json:"operations" yaml:"operations"`
	Filter     Expr        `bson:"filter" json:"filter" yaml:"filter"`
}

// AI describes the model invocation an Agent performs.
type AI struct {
	Provider       string  `bson:"provider" json:"provider" yaml:"provider"`
	Model          string  `bson:"model" json:"model" yaml:"model"`
	Prompt         string  `bson:"prompt" json:"prompt" yaml:"prompt"`
	SystemPrompt   string  `bson:"system_prompt,omitempty" json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature    float64 `bson:"temperature" json:"temperature" yaml:"temperature"`
	MaxTokens      int     `bson:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	ResponseSchema Expr    `bson:"response_schema,omitempty" json:"response_schema,omitempty" yaml:"response_schema,omitempty"`
}

// Write describes how a worker writes its result back to the document.
type Write struct {
	Strategy        WriteStrategy `bson:"strategy" json:"strategy" yaml:"strategy"`
	TargetField     string        `bson:"target_field" json:"target_field" yaml:"target_field"`
	IdempotencyKey  string        `bson:"idempotency_key" json:"idempotency_key" yaml:"idempotency_key"`
	IncludeMetadata bool          `bson:"include_metadata" json:"include_metadata" yaml:"include_metadata"`
}

// ExecutionConfig describes the retry/rate/cost/consistency envelope for an Agent.
type ExecutionConfig struct {
	MaxRetries          int             `bson:"max_retries" json:"max_retries" yaml:"max_retries"`
	RetryDelayMs        int             `bson:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
	TimeoutMs           int             `bson:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	RateLimitPerMinute  int             `bson:"rate_limit_per_minute" json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	CostLimitUSDPerHour float64         `bson:"cost_limit_usd_per_hour" json:"cost_limit_usd_per_hour" yaml:"cost_limit_usd_per_hour"`
	ConsistencyMode     ConsistencyMode `bson:"consistency_mode" json:"consistency_mode" yaml:"consistency_mode"`
}

// Agent is the declarative definition owned by the AgentStore.
type Agent struct {
	ID       string          `bson:"_id" json:"id" yaml:"id"`
	Name     string          `bson:"name" json:"name" yaml:"name"`
	Enabled  bool            `bson:"enabled" json:"enabled" yaml:"enabled"`
	Tags     []string        `bson:"tags,omitempty" json:"tags,omitempty" yaml:"tags,omitempty"`
	Watch    Watch           `bson:"watch" json:"watch" yaml:"watch"`
	AI       AI              `bson:"ai" json:"ai" yaml:"ai"`
	Write    Write           `bson:"write" json:"write" yaml:"write"`
	Exec     ExecutionConfig `bson:"execution" json:"execution" yaml:"execution"`
	Revision int64           `bson:"revision" json:"revision" yaml:"revision"`
}

// Validate checks the invariants spec.md §3 places on an Agent definition.
func (a Agent) Validate() error {
	if len(a.Watch.Operations) == 0 {
		return ErrEmptyOperations
	}
	if a.Write.Strategy == WriteMerge && !isTopLevelField(a.Write.TargetField) {
		return ErrTargetFieldNotTopLevel
	}
	if a.AI.Provider == "" || a.AI.Model == "" {
		return ErrMissingProviderOrModel
	}
	if a.Exec.MaxRetries < 0 {
		return ErrNegativeMaxRetries
	}
	return nil
}

func isTopLevelField(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		if r == '.' {
			return false
		}
	}
	return true
}

// HasOperation reports whether op is in the Agent's watched operation set.
func (w Watch) HasOperation(op Operation) bool {
	for _, o := range w.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// ChangeEvent is the normalized, ephemeral event the Watcher emits.
type ChangeEvent struct {
	WatcherID    string                 `json:"watcher_id"`
	ResumeToken  ResumeToken            `json:"resume_token"`
	Sequence     uint64                 `json:"sequence"`
	Operation    Operation              `json:"operation"`
	Database     string                 `json:"database"`
	Collection   string                 `json:"collection"`
	DocumentID   string                 `json:"document_id"`
	FullDocument map[string]interface{} `json:"full_document,omitempty"`
	ClusterTime  time.Time              `json:"cluster_time"`
	Invalidate   bool                   `json:"invalidate,omitempty"`
}

// WorkItem is the queue payload produced by the Dispatcher and consumed by
// the Worker pool.
type WorkItem struct {
	ItemID         string                 `json:"item_id"`
	AgentID        string                 `json:"agent_id"`
	AgentRevision  int64                  `json:"agent_revision"`
	DocumentID     string                 `json:"document_id"`
	Document       map[string]interface{} `json:"document"`
	Operation      Operation              `json:"operation"`
	EnqueuedAt     time.Time              `json:"enqueued_at"`
	Attempt        int                    `json:"attempt"`
	Trigger        Trigger                `json:"trigger"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// Execution is a write-once ledger entry recorded at pipeline boundaries.
type Execution struct {
	ID            string          `json:"id" bson:"_id"`
	AgentID       string          `json:"agent_id" bson:"agent_id"`
	DocumentID    string          `json:"document_id" bson:"document_id"`
	Status        ExecutionStatus `json:"status" bson:"status"`
	LifecycleState string         `json:"lifecycle_state" bson:"lifecycle_state"`
	Attempt       int             `json:"attempt" bson:"attempt"`
	StartedAt     time.Time       `json:"started_at" bson:"started_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
	TokensUsed    int             `json:"tokens_used,omitempty" bson:"tokens_used,omitempty"`
	CostUSD       float64         `json:"cost_usd,omitempty" bson:"cost_usd,omitempty"`
	Written       bool            `json:"written" bson:"written"`
	ErrorTag      ErrorTag        `json:"error_tag,omitempty" bson:"error_tag,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty" bson:"error_message,omitempty"`
	SkipReason    string          `json:"skip_reason,omitempty" bson:"skip_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at" bson:"created_at"`
}

// ResumeToken is the opaque per-watcher change-feed cursor.
type ResumeToken struct {
	WatcherID string      `bson:"watcher_id" json:"watcher_id"`
	Token     interface{} `bson:"token" json:"token"`
	UpdatedAt time.Time   `bson:"updated_at" json:"updated_at"`
}

// IdempotencyRecord is a stored entry in the idempotency_keys collection.
type IdempotencyRecord struct {
	Key              string    `bson:"_id" json:"key"`
	ExecutedAt       time.Time `bson:"executed_at" json:"executed_at"`
	ExecutionID      string    `bson:"execution_id" json:"execution_id"`
	ResultFingerprint string   `bson:"result_fingerprint" json:"result_fingerprint"`
}

// WriteEnvelope is the metadata wrapper the Write Engine attaches to a
// written value when include_metadata is set (spec.md §4.5), and the shape
// the Dispatcher's loop-guard inspects to recognize the pipeline's own
// writes coming back around through the change feed (spec.md §4.2,
// DESIGN NOTES §9 "Cyclic observations").
type WriteEnvelope struct {
	Value          interface{} `bson:"value" json:"value"`
	AgentID        string      `bson:"agent_id" json:"agent_id"`
	AgentRevision  int64       `bson:"agent_revision" json:"agent_revision"`
	ExecutedAt     time.Time   `bson:"executed_at" json:"executed_at"`
	IdempotencyKey string      `bson:"idempotency_key" json:"idempotency_key"`
}

// EnvelopeFromField extracts a WriteEnvelope from a decoded document field
// value, if it looks like one. Used by the loop-guard and is tolerant of
// the many shapes a document field can arrive in after a JSON/BSON
// round-trip (map[string]interface{} with string keys).
func EnvelopeFromField(v interface{}) (WriteEnvelope, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return WriteEnvelope{}, false
	}
	agentID, ok := m["agent_id"].(string)
	if !ok {
		return WriteEnvelope{}, false
	}
	key, _ := m["idempotency_key"].(string)
	var rev int64
	switch r := m["agent_revision"].(type) {
	case int64:
		rev = r
	case float64:
		rev = int64(r)
	case int32:
		rev = int64(r)
	case int:
		rev = int64(r)
	}
	return WriteEnvelope{Value: m["value"], AgentID: agentID, AgentRevision: rev, IdempotencyKey: key}, true
}

// IdempotencyTTL is the TTL applied to idempotency_keys entries (spec.md §5).
const IdempotencyTTL = 24 * time.Hour

// ExecutionTTL is the TTL applied to the executions ledger (spec.md §6).
const ExecutionTTL = 7 * 24 * time.Hour
