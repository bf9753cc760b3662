package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw"
	"github.com/mongoclaw/mongoclaw/expr"
	"github.com/mongoclaw/mongoclaw/queue"
	"github.com/mongoclaw/mongoclaw/resilience"
)

type fakeCache struct {
	agents map[string]mongoclaw.Agent
}

func (f *fakeCache) Get(id string) (mongoclaw.Agent, bool) {
	a, ok := f.agents[id]
	return a, ok
}

func baseAgent() mongoclaw.Agent {
	filter, _ := expr.ParseFilter(map[string]interface{}{"status": "new"})
	return mongoclaw.Agent{
		ID:       "agent-1",
		Name:     "summarizer",
		Enabled:  true,
		Revision: 3,
		Watch: mongoclaw.Watch{
			Database:   "app",
			Collection: "tickets",
			Operations: []mongoclaw.Operation{mongoclaw.OpInsert, mongoclaw.OpUpdate},
			Filter:     filter,
		},
		AI: mongoclaw.AI{Provider: "openai", Model: "gpt-4"},
		Write: mongoclaw.Write{
			Strategy:    mongoclaw.WriteMerge,
			TargetField: "summary",
		},
	}
}

type fakeQueue struct {
	produced   []mongoclaw.WorkItem
	produceErr error
	depth      int64
	dlqDepth   int64
}

func (f *fakeQueue) Produce(ctx context.Context, agentID string, item mongoclaw.WorkItem) (string, error) {
	if f.produceErr != nil {
		return "", f.produceErr
	}
	f.produced = append(f.produced, item)
	return "1-0", nil
}
func (f *fakeQueue) Consume(ctx context.Context, agentID, consumer string, count int64, block time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}
func (f *fakeQueue) Ack(ctx context.Context, agentID, itemID string) error { return nil }
func (f *fakeQueue) Nack(ctx context.Context, agentID, itemID string, delay time.Duration) error {
	return nil
}
func (f *fakeQueue) ClaimPending(ctx context.Context, agentID, consumer string, minIdle time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}
func (f *fakeQueue) DLQPush(ctx context.Context, agentID string, entry queue.DLQEntry) error {
	return nil
}
func (f *fakeQueue) QueueDepth(ctx context.Context, agentID string) (int64, error) {
	return f.depth, nil
}
func (f *fakeQueue) DLQDepth(ctx context.Context, agentID string) (int64, error) {
	return f.dlqDepth, nil
}

type fakeLastExec struct {
	at    time.Time
	found bool
}

func (f *fakeLastExec) LastExecutionAt(ctx context.Context, agentID string) (mongoclaw.Execution, bool, error) {
	if !f.found {
		return mongoclaw.Execution{}, false, nil
	}
	return mongoclaw.Execution{StartedAt: f.at}, true, nil
}

func TestEnqueueManual_UnknownAgent(t *testing.T) {
	r := New(&fakeCache{agents: map[string]mongoclaw.Agent{}}, &fakeQueue{}, resilience.NewGates(), nil, nil)
	_, err := r.EnqueueManual(context.Background(), "missing", "t1", map[string]interface{}{"status": "new"})
	assert.ErrorIs(t, err, mongoclaw.ErrAgentNotFound)
}

func TestEnqueueManual_DisabledAgent(t *testing.T) {
	agent := baseAgent()
	agent.Enabled = false
	r := New(&fakeCache{agents: map[string]mongoclaw.Agent{agent.ID: agent}}, &fakeQueue{}, resilience.NewGates(), nil, nil)
	_, err := r.EnqueueManual(context.Background(), agent.ID, "t1", map[string]interface{}{"status": "new"})
	assert.ErrorIs(t, err, mongoclaw.ErrAgentDisabled)
}

func TestEnqueueManual_EnqueuesWithAttemptOne(t *testing.T) {
	agent := baseAgent()
	q := &fakeQueue{}
	r := New(&fakeCache{agents: map[string]mongoclaw.Agent{agent.ID: agent}}, q, resilience.NewGates(), nil, nil)

	item, err := r.EnqueueManual(context.Background(), agent.ID, "t1", map[string]interface{}{"status": "new"})
	require.NoError(t, err)
	require.Len(t, q.produced, 1)
	assert.Equal(t, 1, item.Attempt)
	assert.Equal(t, mongoclaw.TriggerWebhook, item.Trigger)
	assert.Equal(t, "1-0", item.ItemID)
	assert.Equal(t, agent.Revision, item.AgentRevision)
}

func TestEnqueueManual_SameDocumentRendersSameIdempotencyKeyAsDispatch(t *testing.T) {
	agent := baseAgent()
	agent.Write.IdempotencyKey = "{{agent_id}}:{{document._id}}"
	q := &fakeQueue{}
	r := New(&fakeCache{agents: map[string]mongoclaw.Agent{agent.ID: agent}}, q, resilience.NewGates(), nil, nil)

	doc := map[string]interface{}{"_id": "t1", "status": "new"}
	item, err := r.EnqueueManual(context.Background(), agent.ID, "t1", doc)
	require.NoError(t, err)
	assert.Equal(t, "agent-1:t1", item.IdempotencyKey)
}

func TestStatus_UnknownAgent(t *testing.T) {
	r := New(&fakeCache{agents: map[string]mongoclaw.Agent{}}, &fakeQueue{}, resilience.NewGates(), nil, nil)
	_, err := r.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, mongoclaw.ErrAgentNotFound)
}

func TestStatus_ReportsQueueAndBreakerState(t *testing.T) {
	agent := baseAgent()
	q := &fakeQueue{depth: 5, dlqDepth: 2}
	gates := resilience.NewGates()
	last := time.Now().Add(-time.Minute)
	lastExec := &fakeLastExec{at: last, found: true}
	r := New(&fakeCache{agents: map[string]mongoclaw.Agent{agent.ID: agent}}, q, gates, lastExec, nil)

	report, err := r.Status(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, report.AgentID)
	assert.True(t, report.Enabled)
	assert.Equal(t, int64(5), report.QueueDepth)
	assert.Equal(t, int64(2), report.DLQDepth)
	assert.Equal(t, string(resilience.BreakerClosed), report.BreakerState)
	assert.WithinDuration(t, last, report.LastExecutionAt, time.Second)
}

func TestDrain_WaitsForWorkersThenReturns(t *testing.T) {
	r := New(&fakeCache{}, &fakeQueue{}, resilience.NewGates(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	stopped := false
	go func() {
		<-ctx.Done()
		stopped = true
		wg.Done()
	}()
	r.Bind(cancel, &wg)

	err := r.Drain(time.Second)
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestDrain_DeadlineExceededReturnsError(t *testing.T) {
	r := New(&fakeCache{}, &fakeQueue{}, resilience.NewGates(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_ = ctx
	var wg sync.WaitGroup
	wg.Add(1) // never Done: simulates a worker stuck past the deadline
	r.Bind(cancel, &wg)

	err := r.Drain(10 * time.Millisecond)
	assert.Error(t, err)
}

func TestDrain_WithoutBindReturnsError(t *testing.T) {
	r := New(&fakeCache{}, &fakeQueue{}, resilience.NewGates(), nil, nil)
	err := r.Drain(time.Second)
	assert.Error(t, err)
}
