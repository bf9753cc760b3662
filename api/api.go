// Package api exposes the operator-facing surface spec.md §6 names outside
// the change-feed path: enqueue_manual (bypass the watcher for one
// document), status (per-agent health snapshot), and drain (graceful
// shutdown). It is a separate top-level package rather than living in the
// root package mongoclaw because mongoclaw is imported by both queue and
// dispatch - a Runtime that depends on them could not also live under the
// package they import.
//
// Grounded on the teacher's examples/main.go wiring shape (a thin
// composition layer over the packages that do the real work) generalized
// from "construct and run" into "construct, run, and also expose control
// operations over what's running."
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mongoclaw/mongoclaw"
	"github.com/mongoclaw/mongoclaw/agentcache"
	"github.com/mongoclaw/mongoclaw/dispatch"
	"github.com/mongoclaw/mongoclaw/queue"
	"github.com/mongoclaw/mongoclaw/resilience"
)

// AgentMatcher is the read side of the agent cache Runtime consults - only
// the single-agent lookup enqueue_manual needs, not the collection match
// dispatch.Dispatcher uses.
type AgentMatcher interface {
	Get(id string) (mongoclaw.Agent, bool)
}

var _ AgentMatcher = (*agentcache.Cache)(nil)

// BreakerStateReporter is the read side of the resilience fabric status()
// needs.
type BreakerStateReporter interface {
	BreakerState(agentID string) resilience.BreakerState
}

var _ BreakerStateReporter = (*resilience.Gates)(nil)

// LastExecutionRecorder is the optional read side of the executions ledger
// status() uses for last_execution_at. It is kept separate from
// mongoclaw.ExecutionRecorder (a write-only interface) since not every
// ExecutionRecorder implementation can answer this query; Runtime degrades
// to a zero time when it isn't supplied.
type LastExecutionRecorder interface {
	LastExecutionAt(ctx context.Context, agentID string) (mongoclaw.Execution, bool, error)
}

// Runtime wraps the running pipeline's shared collaborators to expose
// spec.md §6's control operations: enqueue_manual, status, drain.
type Runtime struct {
	Cache    AgentMatcher
	Queue    queue.Queue
	Gates    BreakerStateReporter
	LastExec LastExecutionRecorder
	Metrics  mongoclaw.MetricsSink

	// DrainTimeout bounds the /drain HTTP handler's wait (spec.md §4's
	// default 30s hard deadline); Drain itself takes an explicit deadline
	// for callers that want a different bound.
	DrainTimeout time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	shutdown *sync.WaitGroup
}

// New builds a Runtime over the pipeline's already-constructed
// collaborators.
func New(cache AgentMatcher, q queue.Queue, gates BreakerStateReporter, lastExec LastExecutionRecorder, metrics mongoclaw.MetricsSink) *Runtime {
	return &Runtime{Cache: cache, Queue: q, Gates: gates, LastExec: lastExec, Metrics: metrics, DrainTimeout: 30 * time.Second}
}

// Bind records the cancellation function and wait group main owns for the
// pipeline's background goroutines, so Drain can trigger and wait on them.
// Call once, before serving control traffic.
func (r *Runtime) Bind(cancel context.CancelFunc, wg *sync.WaitGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = cancel
	r.shutdown = wg
}

// EnqueueManual implements spec.md §6's enqueue_manual(agent_id, document):
// bypass the watcher and dispatcher entirely and place one WorkItem
// directly on the agent's queue, attempt counter 1 (spec.md §8 scenario 2's
// idempotent-replay check calls this with the same document to confirm the
// second call is recognized via the same idempotency key a change-feed
// dispatch would have rendered).
func (r *Runtime) EnqueueManual(ctx context.Context, agentID, documentID string, doc map[string]interface{}) (mongoclaw.WorkItem, error) {
	agent, ok := r.Cache.Get(agentID)
	if !ok {
		return mongoclaw.WorkItem{}, mongoclaw.ErrAgentNotFound
	}
	if !agent.Enabled {
		return mongoclaw.WorkItem{}, mongoclaw.ErrAgentDisabled
	}

	key, err := dispatch.RenderIdempotencyKey(agent, doc, documentID, mongoclaw.OpUpdate)
	if err != nil {
		return mongoclaw.WorkItem{}, fmt.Errorf("api: render idempotency key for %s: %w", agentID, err)
	}

	item := mongoclaw.WorkItem{
		AgentID:        agent.ID,
		AgentRevision:  agent.Revision,
		DocumentID:     documentID,
		Document:       doc,
		Operation:      mongoclaw.OpUpdate,
		EnqueuedAt:     time.Now(),
		Attempt:        1,
		Trigger:        mongoclaw.TriggerWebhook,
		IdempotencyKey: key,
	}

	itemID, err := r.Queue.Produce(ctx, agentID, item)
	if err != nil {
		return mongoclaw.WorkItem{}, fmt.Errorf("api: enqueue manual item for %s: %w", agentID, err)
	}
	item.ItemID = itemID

	if r.Metrics != nil {
		r.Metrics.CounterInc("manual_enqueued_total", map[string]string{"agent_id": agentID})
	}
	log.Infof("api: manually enqueued %s for agent %s (item %s)", documentID, agentID, itemID)
	return item, nil
}

// Status implements spec.md §6's status(): per-agent
// {enabled, queue_depth, dlq_depth, breaker_state, last_execution_at}.
func (r *Runtime) Status(ctx context.Context, agentID string) (mongoclaw.StatusReport, error) {
	agent, ok := r.Cache.Get(agentID)
	if !ok {
		return mongoclaw.StatusReport{}, mongoclaw.ErrAgentNotFound
	}

	report := mongoclaw.StatusReport{
		AgentID: agent.ID,
		Enabled: agent.Enabled,
	}

	if depth, err := r.Queue.QueueDepth(ctx, agentID); err == nil {
		report.QueueDepth = depth
	} else {
		log.Errorf("api: status queue_depth for %s: %v", agentID, err)
	}
	if depth, err := r.Queue.DLQDepth(ctx, agentID); err == nil {
		report.DLQDepth = depth
	} else {
		log.Errorf("api: status dlq_depth for %s: %v", agentID, err)
	}
	if r.Gates != nil {
		report.BreakerState = string(r.Gates.BreakerState(agentID))
	}
	if r.LastExec != nil {
		if e, found, err := r.LastExec.LastExecutionAt(ctx, agentID); err != nil {
			log.Errorf("api: status last_execution_at for %s: %v", agentID, err)
		} else if found {
			report.LastExecutionAt = e.StartedAt
		}
	}
	return report, nil
}

// Drain implements spec.md §6's drain(): graceful shutdown. It cancels the
// pipeline context (stopping watchers from reading and letting the
// dispatcher drain its handoff queue) then waits for the bound WaitGroup -
// workers finishing their current item - up to deadline. A hard deadline
// forces Drain to return early, as spec.md §4 prescribes: in-flight items
// are left unacked so replay covers them once a worker resumes claiming.
func (r *Runtime) Drain(deadline time.Duration) error {
	r.mu.Lock()
	cancel, wg := r.cancel, r.shutdown
	r.mu.Unlock()
	if cancel == nil || wg == nil {
		return fmt.Errorf("api: drain called before Bind")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Infof("api: drain completed, all workers stopped")
		return nil
	case <-time.After(deadline):
		log.Errorf("api: drain deadline of %s exceeded, forcing abort", deadline)
		return fmt.Errorf("api: drain deadline of %s exceeded", deadline)
	}
}
