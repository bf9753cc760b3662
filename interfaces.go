package mongoclaw

import (
	"context"
	"time"

	"github.com/mongoclaw/mongoclaw/expr"
)

// Expr is a parsed restricted-grammar expression tree, used for both
// agent.watch.filter and ai.response_schema. See package expr.
type Expr = expr.Node

// DocumentStore is the consumed interface to the document store backing the
// change feed and point writes (spec.md §6). MongoClaw's own mongostore
// package implements this against MongoDB.
type DocumentStore interface {
	// Subscribe opens a change-feed subscription for (database, collection),
	// optionally resuming from a previous token.
	Subscribe(ctx context.Context, database, collection string, resumeToken *ResumeToken) (ChangeFeed, error)
	// Update performs a single conditional point write.
	Update(ctx context.Context, database, collection, documentID string, patch map[string]interface{}, precondition Precondition) (UpdateResult, error)
}

// ChangeFeed is a resumable cursor over change-stream events for one
// (database, collection) pair.
type ChangeFeed interface {
	// Next blocks (up to the store's block timeout) for the next event.
	// ok is false on a clean end-of-feed; err is non-nil on a feed error.
	Next(ctx context.Context) (ev ChangeEvent, ok bool, err error)
	Close(ctx context.Context) error
}

// Precondition asserts a conditional write should only apply when the
// stored value at Field currently differs from IdempotencyKey (or, for
// CreateIfAbsent, when no element of the array at Field already carries
// IdempotencyKey).
type Precondition struct {
	Field          string
	IdempotencyKey string
	CreateIfAbsent bool
}

// UpdateResult reports how many documents a conditional write touched.
type UpdateResult struct {
	Matched  int
	Modified int
}

// ModelClient is the consumed interface to the AI model provider (spec.md
// §6). The provider SDK itself is out of scope (spec.md §1); MongoClaw only
// depends on this interface, satisfied in tests by package nullmodel.
type ModelClient interface {
	Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// ModelRequest is the synchronous request spec.md §6 names.
type ModelRequest struct {
	Provider     string
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

// ModelResponse is the synchronous response spec.md §6 names.
type ModelResponse struct {
	Text       string
	TokensUsed int
	CostUSD    float64
}

// ModelErrorClass classifies a ModelClient error for the retry/DLQ
// disposition table in spec.md §7.
type ModelErrorClass string

const (
	ModelErrTimeout     ModelErrorClass = "timeout"
	ModelErrRateLimited ModelErrorClass = "rate_limited"
	ModelErr4xx         ModelErrorClass = "4xx"
	ModelErr5xx         ModelErrorClass = "5xx"
	ModelErrOther       ModelErrorClass = "other"
)

// ClassifiedModelError is returned by a ModelClient when it can classify
// its own failure.
type ClassifiedModelError struct {
	Class      ModelErrorClass
	StatusCode int
	Err        error
}

func (e *ClassifiedModelError) Error() string { return e.Err.Error() }
func (e *ClassifiedModelError) Unwrap() error { return e.Err }

// AgentStore is the consumed interface to agent CRUD storage (spec.md §6).
type AgentStore interface {
	ListEnabled(ctx context.Context) ([]Agent, error)
	Get(ctx context.Context, id string) (Agent, error)
	SubscribeChanges(ctx context.Context) (<-chan AgentChangeNotification, error)
}

// AgentChangeKind is the kind of AgentStore mutation notification.
type AgentChangeKind string

const (
	AgentCreated AgentChangeKind = "created"
	AgentUpdated AgentChangeKind = "updated"
	AgentDeleted AgentChangeKind = "deleted"
)

// AgentChangeNotification is emitted by AgentStore.SubscribeChanges.
type AgentChangeNotification struct {
	Kind AgentChangeKind
	ID   string
}

// KeyValueStream is the consumed interface to a durable stream store with
// consumer groups and TTL keys (spec.md §6) - semantically a stream
// database such as Redis Streams. package queue.Client is built on top of
// this; package redisqueue implements it against go-redis.
type KeyValueStream interface {
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)
	XAck(ctx context.Context, stream, group, id string) error
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]StreamMessage, error)
	XLen(ctx context.Context, stream string) (int64, error)
	XPending(ctx context.Context, stream, group string) (int64, error)
	XTrim(ctx context.Context, stream string, maxLen int64) error
	EnsureGroup(ctx context.Context, stream, group string) error

	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// StreamMessage is one delivered entry from a KeyValueStream consumer
// group read.
type StreamMessage struct {
	ID            string
	Fields        map[string]string
	DeliveryCount int64
}

// MetricsSink is the consumed interface for counters/gauges/histograms
// (spec.md §6). package metrics implements this against Prometheus.
type MetricsSink interface {
	CounterInc(name string, labels map[string]string)
	GaugeSet(name string, labels map[string]string, value float64)
	HistogramObserve(name string, labels map[string]string, value float64)
}

// ExecutionRecorder persists write-once Execution ledger entries
// (the "executions" control-store collection, spec.md §6).
type ExecutionRecorder interface {
	Record(ctx context.Context, e Execution) error
}

// IdempotencyStore is the control-store side of idempotency_keys: a unique
// constraint on Key with a 24h TTL (spec.md §3, §6).
type IdempotencyStore interface {
	// Check returns the existing record for key, if any.
	Check(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	// Put records key with TTL, failing if it already exists (spec.md §3:
	// "Unique constraint on key").
	Put(ctx context.Context, rec IdempotencyRecord) error
}

// StatusReport is the per-agent status exposed via status() (spec.md §6).
type StatusReport struct {
	AgentID         string
	Enabled         bool
	QueueDepth      int64
	DLQDepth        int64
	BreakerState    string
	LastExecutionAt time.Time
}
