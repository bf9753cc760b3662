// Package dispatch implements the Dispatcher component of spec.md §4.2: for
// every ChangeEvent it matches the agents watching that collection, applies
// the loop-guard, renders each match's idempotency key, and enqueues one
// WorkItem per matched agent before acknowledging the event's sequence.
//
// Grounded on the teacher's stream.Manager dispatch loop (one goroutine
// draining a channel of events and fanning each into per-collection
// handlers), generalized from "call a registered handler" to "match against
// a dynamic agent set and enqueue."
package dispatch

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mongoclaw/mongoclaw"
	"github.com/mongoclaw/mongoclaw/expr"
	"github.com/mongoclaw/mongoclaw/queue"
)

// AgentMatcher is the read side of the agent cache the Dispatcher consumes.
type AgentMatcher interface {
	MatchCollection(database, collection string) []mongoclaw.Agent
}

// Acker is the sequence-acknowledgement side of the resume token tracker.
type Acker interface {
	Ack(ctx context.Context, watcherID string, seq uint64)
}

// QuarantineChecker reports whether an agent is currently quarantined,
// satisfied by *resilience.Gates. A separate, narrower interface than the
// worker's full admission check: the dispatcher only needs to stop
// enqueueing for a quarantined agent (spec.md §4.6), not evaluate the
// breaker/rate/cost gates that gate the worker's model call.
type QuarantineChecker interface {
	Quarantined(agentID string) bool
}

// Dispatcher matches ChangeEvents against the agent cache and enqueues
// WorkItems, one per matched agent, honoring the loop-guard.
type Dispatcher struct {
	Cache      AgentMatcher
	Queue      queue.Queue
	Tracker    Acker
	Exec       mongoclaw.ExecutionRecorder
	Metrics    mongoclaw.MetricsSink
	Quarantine QuarantineChecker

	// EnqueueRetries bounds how many times Run retries a failing enqueue
	// fan-out for one event before giving up and leaving the event
	// unacknowledged for replay (spec.md §4.2: "Queue errors: retry with
	// backoff, do not ack event").
	EnqueueRetries int
}

// New builds a Dispatcher with the default enqueue retry budget.
func New(cache AgentMatcher, q queue.Queue, tracker Acker, exec mongoclaw.ExecutionRecorder, metrics mongoclaw.MetricsSink) *Dispatcher {
	return &Dispatcher{Cache: cache, Queue: q, Tracker: tracker, Exec: exec, Metrics: metrics, EnqueueRetries: 5}
}

// Run consumes events until the channel closes (the watch.Manager closes Out
// on shutdown), matching and enqueuing for each in turn.
func (d *Dispatcher) Run(ctx context.Context, events <-chan mongoclaw.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev mongoclaw.ChangeEvent) {
	if ev.Invalidate {
		// A feed-reset marker carries no document to match; nothing to
		// enqueue, but its sequence still needs acking so the watermark
		// does not stall behind it.
		d.Tracker.Ack(ctx, ev.WatcherID, ev.Sequence)
		return
	}

	candidates := d.Cache.MatchCollection(ev.Database, ev.Collection)
	allEnqueued := true
	for _, agent := range candidates {
		if !d.dispatchOne(ctx, agent, ev) {
			allEnqueued = false
		}
	}
	if !allEnqueued {
		// At least one matched agent's enqueue permanently failed: leave
		// the sequence un-acked so the tracker's watermark stalls here and
		// this event (and every agent's fan-out, not just the failed one)
		// replays on reconnect, rather than silently losing a WorkItem
		// (spec.md §4.2 "Queue errors: retry with backoff, do not ack
		// event").
		return
	}
	d.Tracker.Ack(ctx, ev.WatcherID, ev.Sequence)
}

// dispatchOne reports whether the event is safe to consider handled for
// agent - true for every outcome except a permanently-failed enqueue, which
// must block handle from acking the event's sequence.
func (d *Dispatcher) dispatchOne(ctx context.Context, agent mongoclaw.Agent, ev mongoclaw.ChangeEvent) bool {
	if !agent.HasOperation(ev.Operation) {
		return true
	}

	doc := ev.FullDocument
	if ev.Operation == mongoclaw.OpDelete && len(doc) == 0 {
		// No post-image to test most filters against; only filters that
		// reference nothing but _id can still be evaluated, against a
		// synthetic single-field document (spec.md §4.2 edge case).
		if !expr.ReferencesOnly(agent.Watch.Filter, "_id") {
			return true
		}
		doc = map[string]interface{}{"_id": ev.DocumentID}
	}

	matched, err := expr.Eval(agent.Watch.Filter, doc)
	if err != nil {
		d.recordSkip(ctx, agent, ev, mongoclaw.TagFilterError, err.Error(), "dispatch_skipped_total")
		return true
	}
	if !matched {
		return true
	}

	if d.loopGuard(agent, doc) {
		d.recordSkip(ctx, agent, ev, "", "loop-guard: event is this agent's own write", "loop_guard_skips_total")
		return true
	}

	if d.Quarantine != nil && d.Quarantine.Quarantined(agent.ID) {
		// spec.md §4.6: "dispatcher stops enqueueing" for a quarantined
		// agent - checked here, before the item ever enters the stream,
		// rather than only at the worker's admission gate.
		d.recordSkip(ctx, agent, ev, mongoclaw.TagQuarantined, "agent quarantined", "dispatch_skipped_total")
		return true
	}

	key, err := d.renderIdempotencyKey(agent, ev, doc)
	if err != nil {
		d.recordSkip(ctx, agent, ev, mongoclaw.TagConfigurationError, err.Error(), "dispatch_skipped_total")
		return true
	}

	item := mongoclaw.WorkItem{
		AgentID:        agent.ID,
		AgentRevision:  agent.Revision,
		DocumentID:     ev.DocumentID,
		Document:       doc,
		Operation:      ev.Operation,
		EnqueuedAt:     time.Now(),
		Attempt:        1,
		Trigger:        mongoclaw.TriggerChange,
		IdempotencyKey: key,
	}

	if err := d.produceWithRetry(ctx, agent.ID, item); err != nil {
		log.Errorf("dispatch: giving up enqueuing agent %s for document %s after %d attempts: %v", agent.ID, ev.DocumentID, d.EnqueueRetries+1, err)
		if d.Metrics != nil {
			d.Metrics.CounterInc("dispatch_enqueue_failed_total", map[string]string{"agent_id": agent.ID})
		}
		return false
	}
	if d.Metrics != nil {
		d.Metrics.CounterInc("dispatch_enqueued_total", map[string]string{"agent_id": agent.ID})
	}
	return true
}

// loopGuard reports whether doc's value at the agent's write target field is
// already this agent's own envelope at its current revision - i.e. this
// change event is an echo of the agent's own prior write, not new input
// (spec.md §4.2 "Loop prevention").
func (d *Dispatcher) loopGuard(agent mongoclaw.Agent, doc map[string]interface{}) bool {
	if agent.Write.TargetField == "" {
		return false
	}
	v, ok := doc[agent.Write.TargetField]
	if !ok {
		return false
	}
	env, ok := mongoclaw.EnvelopeFromField(v)
	if !ok {
		return false
	}
	return env.AgentID == agent.ID && env.AgentRevision == agent.Revision
}

// renderIdempotencyKey expands agent.Write.IdempotencyKey (a template,
// spec.md §4.2 step: "render idempotency_key from template") against the
// matched document and event metadata.
func (d *Dispatcher) renderIdempotencyKey(agent mongoclaw.Agent, ev mongoclaw.ChangeEvent, doc map[string]interface{}) (string, error) {
	return RenderIdempotencyKey(agent, doc, ev.DocumentID, ev.Operation)
}

// RenderIdempotencyKey expands agent.Write.IdempotencyKey against doc and
// the triggering event's metadata. Exported so a caller outside this
// package (package api's enqueue_manual, spec.md §6 and §8 scenario 2) can
// reconstruct the identical key a change-feed-triggered dispatch would
// produce for the same document, and so a manually-enqueued replay
// collides on the same idempotency record.
func RenderIdempotencyKey(agent mongoclaw.Agent, doc map[string]interface{}, documentID string, op mongoclaw.Operation) (string, error) {
	if agent.Write.IdempotencyKey == "" {
		return fmt.Sprintf("%s:%s:%d", agent.ID, documentID, agent.Revision), nil
	}
	ctx := map[string]interface{}{
		"document":  doc,
		"agent":     map[string]interface{}{"id": agent.ID, "revision": agent.Revision},
		"agent_id":  agent.ID,
		"operation": string(op),
	}
	return expr.Render(agent.Write.IdempotencyKey, ctx)
}

func (d *Dispatcher) produceWithRetry(ctx context.Context, agentID string, item mongoclaw.WorkItem) error {
	var lastErr error
	for attempt := 0; attempt <= d.EnqueueRetries; attempt++ {
		if _, err := d.Queue.Produce(ctx, agentID, item); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == d.EnqueueRetries {
			break
		}
		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

func (d *Dispatcher) recordSkip(ctx context.Context, agent mongoclaw.Agent, ev mongoclaw.ChangeEvent, tag mongoclaw.ErrorTag, reason, metricName string) {
	if d.Exec == nil {
		return
	}
	now := time.Now()
	err := d.Exec.Record(ctx, mongoclaw.Execution{
		ID:          fmt.Sprintf("%s:%s:%d:skip", agent.ID, ev.DocumentID, ev.Sequence),
		AgentID:     agent.ID,
		DocumentID:  ev.DocumentID,
		Status:      mongoclaw.StatusSkipped,
		Attempt:     0,
		StartedAt:   now,
		CompletedAt: now,
		Written:     false,
		ErrorTag:    tag,
		SkipReason:  reason,
		CreatedAt:   now,
	})
	if err != nil {
		log.Errorf("dispatch: failed to record skipped execution for agent %s: %v", agent.ID, err)
	}
	if d.Metrics != nil {
		d.Metrics.CounterInc(metricName, map[string]string{"agent_id": agent.ID, "reason": string(tag)})
	}
}
