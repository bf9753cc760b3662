package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw"
	"github.com/mongoclaw/mongoclaw/expr"
	"github.com/mongoclaw/mongoclaw/queue"
)

type fakeMatcher struct {
	agents []mongoclaw.Agent
}

func (f *fakeMatcher) MatchCollection(database, collection string) []mongoclaw.Agent {
	return f.agents
}

type fakeAcker struct {
	acked []uint64
}

func (f *fakeAcker) Ack(ctx context.Context, watcherID string, seq uint64) {
	f.acked = append(f.acked, seq)
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

func TestDispatchOne_MatchesAndEnqueues(t *testing.T) {
	q := &fakeQueueProduceOnly{}
	acker := &fakeAcker{}
	d := &Dispatcher{Cache: &fakeMatcher{agents: []mongoclaw.Agent{baseAgent()}}, Queue: q, Tracker: acker, EnqueueRetries: 2}

	ev := mongoclaw.ChangeEvent{
		WatcherID:    "app.tickets",
		Sequence:     1,
		Operation:    mongoclaw.OpInsert,
		Database:     "app",
		Collection:   "tickets",
		DocumentID:   "t1",
		FullDocument: map[string]interface{}{"status": "new"},
	}
	d.handle(context.Background(), ev)

	require.Len(t, q.produced, 1)
	assert.Equal(t, "agent-1", q.produced[0].AgentID)
	assert.Equal(t, int64(3), q.produced[0].AgentRevision)
	assert.Equal(t, []uint64{1}, acker.acked)
}

func TestDispatchOne_FilterMismatchSkipsEnqueue(t *testing.T) {
	q := &fakeQueueProduceOnly{}
	acker := &fakeAcker{}
	d := &Dispatcher{Cache: &fakeMatcher{agents: []mongoclaw.Agent{baseAgent()}}, Queue: q, Tracker: acker}

	ev := mongoclaw.ChangeEvent{
		WatcherID:    "app.tickets",
		Sequence:     1,
		Operation:    mongoclaw.OpInsert,
		Database:     "app",
		Collection:   "tickets",
		DocumentID:   "t1",
		FullDocument: map[string]interface{}{"status": "closed"},
	}
	d.handle(context.Background(), ev)

	assert.Empty(t, q.produced)
	assert.Equal(t, []uint64{1}, acker.acked)
}

func TestDispatchOne_WrongOperationSkips(t *testing.T) {
	q := &fakeQueueProduceOnly{}
	acker := &fakeAcker{}
	d := &Dispatcher{Cache: &fakeMatcher{agents: []mongoclaw.Agent{baseAgent()}}, Queue: q, Tracker: acker}

	ev := mongoclaw.ChangeEvent{
		WatcherID:    "app.tickets",
		Sequence:     1,
		Operation:    mongoclaw.OpDelete,
		Database:     "app",
		Collection:   "tickets",
		DocumentID:   "t1",
	}
	d.handle(context.Background(), ev)

	assert.Empty(t, q.produced)
	assert.Equal(t, []uint64{1}, acker.acked)
}

func TestDispatchOne_LoopGuardSkipsOwnWrite(t *testing.T) {
	q := &fakeQueueProduceOnly{}
	acker := &fakeAcker{}
	agent := baseAgent()
	d := &Dispatcher{Cache: &fakeMatcher{agents: []mongoclaw.Agent{agent}}, Queue: q, Tracker: acker}

	ev := mongoclaw.ChangeEvent{
		WatcherID:  "app.tickets",
		Sequence:   1,
		Operation:  mongoclaw.OpUpdate,
		Database:   "app",
		Collection: "tickets",
		DocumentID: "t1",
		FullDocument: map[string]interface{}{
			"status": "new",
			"summary": map[string]interface{}{
				"agent_id":       "agent-1",
				"agent_revision": float64(3),
				"value":          "prior output",
			},
		},
	}
	d.handle(context.Background(), ev)

	assert.Empty(t, q.produced)
	assert.Equal(t, []uint64{1}, acker.acked)
}

func TestDispatchOne_StaleEnvelopeRevisionStillDispatches(t *testing.T) {
	q := &fakeQueueProduceOnly{}
	acker := &fakeAcker{}
	agent := baseAgent()
	agent.Revision = 4 // bumped since the envelope was written
	d := &Dispatcher{Cache: &fakeMatcher{agents: []mongoclaw.Agent{agent}}, Queue: q, Tracker: acker}

	ev := mongoclaw.ChangeEvent{
		WatcherID:  "app.tickets",
		Sequence:   1,
		Operation:  mongoclaw.OpUpdate,
		Database:   "app",
		Collection: "tickets",
		DocumentID: "t1",
		FullDocument: map[string]interface{}{
			"status": "new",
			"summary": map[string]interface{}{
				"agent_id":       "agent-1",
				"agent_revision": float64(3),
			},
		},
	}
	d.handle(context.Background(), ev)

	require.Len(t, q.produced, 1)
}

func TestDispatchOne_DeleteWithNoPostImageMatchesIDOnlyFilter(t *testing.T) {
	idFilter, _ := expr.ParseFilter(map[string]interface{}{"_id": map[string]interface{}{"$exists": true}})
	agent := baseAgent()
	agent.Watch.Filter = idFilter
	agent.Watch.Operations = []mongoclaw.Operation{mongoclaw.OpDelete}

	q := &fakeQueueProduceOnly{}
	acker := &fakeAcker{}
	d := &Dispatcher{Cache: &fakeMatcher{agents: []mongoclaw.Agent{agent}}, Queue: q, Tracker: acker}

	ev := mongoclaw.ChangeEvent{
		WatcherID:  "app.tickets",
		Sequence:   1,
		Operation:  mongoclaw.OpDelete,
		Database:   "app",
		Collection: "tickets",
		DocumentID: "t1",
	}
	d.handle(context.Background(), ev)

	require.Len(t, q.produced, 1)
	assert.Equal(t, "t1", q.produced[0].DocumentID)
}

func TestDispatchOne_EnqueueRetriesThenGivesUpWithoutAcking(t *testing.T) {
	q := &fakeQueueProduceOnly{failN: 10}
	acker := &fakeAcker{}
	d := &Dispatcher{Cache: &fakeMatcher{agents: []mongoclaw.Agent{baseAgent()}}, Queue: q, Tracker: acker, EnqueueRetries: 2}

	ev := mongoclaw.ChangeEvent{
		WatcherID:    "app.tickets",
		Sequence:     1,
		Operation:    mongoclaw.OpInsert,
		Database:     "app",
		Collection:   "tickets",
		DocumentID:   "t1",
		FullDocument: map[string]interface{}{"status": "new"},
	}
	start := time.Now()
	d.handle(context.Background(), ev)

	assert.Empty(t, q.produced)
	// A permanently-failed enqueue must leave the sequence un-acked so the
	// resume-token watermark stalls here and the event replays on
	// reconnect, rather than silently losing the WorkItem (spec.md §4.2).
	assert.Empty(t, acker.acked)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDispatchOne_QuarantinedAgentSkipsEnqueueButStillAcks(t *testing.T) {
	q := &fakeQueueProduceOnly{}
	acker := &fakeAcker{}
	d := &Dispatcher{
		Cache:      &fakeMatcher{agents: []mongoclaw.Agent{baseAgent()}},
		Queue:      q,
		Tracker:    acker,
		Quarantine: &fakeQuarantine{quarantined: map[string]bool{"agent-1": true}},
	}

	ev := mongoclaw.ChangeEvent{
		WatcherID:    "app.tickets",
		Sequence:     1,
		Operation:    mongoclaw.OpInsert,
		Database:     "app",
		Collection:   "tickets",
		DocumentID:   "t1",
		FullDocument: map[string]interface{}{"status": "new"},
	}
	d.handle(context.Background(), ev)

	assert.Empty(t, q.produced)
	assert.Equal(t, []uint64{1}, acker.acked)
}

type fakeQuarantine struct {
	quarantined map[string]bool
}

func (f *fakeQuarantine) Quarantined(agentID string) bool { return f.quarantined[agentID] }

// fakeQueueProduceOnly implements queue.Queue; the Dispatcher only ever
// calls Produce, so every other method is an unused stub.
type fakeQueueProduceOnly struct {
	produced []mongoclaw.WorkItem
	failN    int
}

func (f *fakeQueueProduceOnly) Produce(ctx context.Context, agentID string, item mongoclaw.WorkItem) (string, error) {
	if f.failN > 0 {
		f.failN--
		return "", assert.AnError
	}
	f.produced = append(f.produced, item)
	return "1-0", nil
}

func (f *fakeQueueProduceOnly) Consume(ctx context.Context, agentID, consumer string, count int64, block time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}
func (f *fakeQueueProduceOnly) Ack(ctx context.Context, agentID, itemID string) error { return nil }
func (f *fakeQueueProduceOnly) Nack(ctx context.Context, agentID, itemID string, delay time.Duration) error {
	return nil
}
func (f *fakeQueueProduceOnly) ClaimPending(ctx context.Context, agentID, consumer string, minIdle time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}
func (f *fakeQueueProduceOnly) DLQPush(ctx context.Context, agentID string, entry queue.DLQEntry) error {
	return nil
}
func (f *fakeQueueProduceOnly) QueueDepth(ctx context.Context, agentID string) (int64, error) {
	return 0, nil
}
func (f *fakeQueueProduceOnly) DLQDepth(ctx context.Context, agentID string) (int64, error) {
	return 0, nil
}
