// Package worker implements the Worker pool of spec.md §4.4: claim an item,
// check idempotency, pass admission gates, render the prompt, invoke the
// model, parse and validate the response, write it back, and finalize with
// an idempotency record and Execution ledger entry.
//
// Grounded on the teacher's DocumentProcessor.StartWithRetry
// (backoff-driven retry loop around one unit of work), generalized from
// "retry the whole processor" to "retry one work item, dispositioned by
// spec.md §7's error taxonomy."
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mongoclaw/mongoclaw"
	"github.com/mongoclaw/mongoclaw/expr"
	"github.com/mongoclaw/mongoclaw/queue"
	"github.com/mongoclaw/mongoclaw/resilience"
	"github.com/mongoclaw/mongoclaw/writeengine"
)

// AgentLookup is the read side of the agent cache the Worker consults
// (satisfied by *agentcache.Cache).
type AgentLookup interface {
	Get(id string) (mongoclaw.Agent, bool)
	IsStaleRevision(id string, revision int64) bool
}

// Worker runs the per-item pipeline for a fixed set of agent streams.
type Worker struct {
	Consumer string
	Queue    queue.Queue
	Cache    AgentLookup
	Idem     mongoclaw.IdempotencyStore
	Exec     mongoclaw.ExecutionRecorder
	Model    mongoclaw.ModelClient
	Write    *writeengine.Engine
	Gates    *resilience.Gates
	Metrics  mongoclaw.MetricsSink
	SLO      *resilience.SLOTracker

	locks sync.Map // (agentID+"/"+documentID) -> *sync.Mutex, for consistency_mode=strong
}

// New builds a Worker. Consumer should be unique per goroutine (spec.md §4.4
// "cooperative assignment... round robin").
func New(consumer string, q queue.Queue, cache AgentLookup, idem mongoclaw.IdempotencyStore, exec mongoclaw.ExecutionRecorder, model mongoclaw.ModelClient, write *writeengine.Engine, gates *resilience.Gates, metrics mongoclaw.MetricsSink, slo *resilience.SLOTracker) *Worker {
	return &Worker{Consumer: consumer, Queue: q, Cache: cache, Idem: idem, Exec: exec, Model: model, Write: write, Gates: gates, Metrics: metrics, SLO: slo}
}

// Run polls agentIDs round-robin until ctx is cancelled (spec.md §4.4's
// "every worker reads from every enabled agent's stream... in round-robin").
func (w *Worker) Run(ctx context.Context, agentIDs func() []string, pollBlock time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ids := agentIDs()
		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBlock):
			}
			continue
		}
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return
			default:
			}
			w.pollAgent(ctx, id, pollBlock)
		}
	}
}

func (w *Worker) pollAgent(ctx context.Context, agentID string, block time.Duration) {
	deliveries, err := w.Queue.Consume(ctx, agentID, w.Consumer, 1, block)
	if err != nil {
		log.Errorf("worker[%s]: consume agent %s: %v", w.Consumer, agentID, err)
		return
	}
	if w.Metrics != nil {
		if depth, err := w.Queue.QueueDepth(ctx, agentID); err == nil {
			w.Metrics.GaugeSet("queue_pending", map[string]string{"agent_id": agentID}, float64(depth))
		}
	}
	claimed, err := w.Queue.ClaimPending(ctx, agentID, w.Consumer, 30*time.Second)
	if err != nil {
		log.Errorf("worker[%s]: claim_pending agent %s: %v", w.Consumer, agentID, err)
	} else {
		deliveries = append(deliveries, claimed...)
	}
	for _, d := range deliveries {
		w.process(ctx, agentID, d)
	}
}

// process runs the full per-item pipeline (spec.md §4.4 steps 1-8) for one
// delivered WorkItem.
func (w *Worker) process(ctx context.Context, agentID string, d queue.Delivery) {
	started := time.Now()
	attempt := int(d.DeliveryCount)
	if attempt < 1 {
		attempt = 1
	}

	agent, ok := w.Cache.Get(agentID)
	if !ok || w.Cache.IsStaleRevision(agentID, d.Item.AgentRevision) {
		w.finishSkip(ctx, agentID, d, mongoclaw.TagAgentGone, "agent deleted or revision stale")
		return
	}

	// Step 1: claim. Best-effort "running" marker under its own ":running"
	// id; the finalize/skip paths below record the authoritative terminal
	// entry as a separate record, so a lost running-record never blocks replay.
	if w.Exec != nil {
		_ = w.Exec.Record(ctx, mongoclaw.Execution{
			ID:         fmt.Sprintf("%s:%s:%d:running", agentID, d.Item.DocumentID, started.UnixNano()),
			AgentID:    agentID,
			DocumentID: d.Item.DocumentID,
			Status:     mongoclaw.StatusRunning,
			Attempt:    attempt,
			StartedAt:  started,
			CreatedAt:  started,
		})
	}

	// Step 2: idempotency check.
	if d.Item.IdempotencyKey != "" {
		if rec, found, err := w.Idem.Check(ctx, d.Item.IdempotencyKey); err == nil && found {
			_ = rec
			w.finishSkip(ctx, agentID, d, "", "idempotent_replay")
			return
		}
	}

	// Step 3: admission.
	reason := w.Gates.Admit(agentID, agent.Exec.RateLimitPerMinute, agent.Exec.CostLimitUSDPerHour)
	if reason != resilience.AdmitOK {
		delay := backoffDelay(agent.Exec.RetryDelayMs, attempt)
		if err := w.Queue.Nack(ctx, agentID, d.ItemID, delay); err != nil {
			log.Errorf("worker[%s]: nack on admission gate %s: %v", w.Consumer, reason, err)
		}
		if w.Metrics != nil {
			w.Metrics.CounterInc("admission_denied_total", map[string]string{"agent_id": agentID, "reason": string(reason)})
			w.Metrics.CounterInc("retries_scheduled_total", map[string]string{"agent_id": agentID, "reason": string(reason)})
		}
		return
	}

	// Strong consistency: serialize work for this (agent, document) pair.
	var mu *sync.Mutex
	if agent.Exec.ConsistencyMode == mongoclaw.ConsistencyStrong {
		mu = w.lockFor(agentID, d.Item.DocumentID)
		if !mu.TryLock() {
			delay := backoffDelay(agent.Exec.RetryDelayMs, attempt)
			_ = w.Queue.Nack(ctx, agentID, d.ItemID, delay)
			if w.Metrics != nil {
				w.Metrics.CounterInc("retries_scheduled_total", map[string]string{"agent_id": agentID, "reason": "lock_contention"})
			}
			return
		}
		defer mu.Unlock()
	}

	w.finalize(ctx, agentID, d, agent, attempt)

	duration := time.Since(started)
	if w.SLO != nil {
		w.SLO.Observe(agentID, duration)
		if w.Metrics != nil && w.SLO.Violating(agentID) {
			w.Metrics.CounterInc("agent_latency_slo_violations_total", map[string]string{"agent_id": agentID})
		}
	}
	if w.Metrics != nil {
		w.Metrics.HistogramObserve("agent_latency_seconds", map[string]string{"agent_id": agentID}, duration.Seconds())
	}
	w.emitGateMetrics(agentID)
}

// emitGateMetrics surfaces the admission fabric's already-computed
// per-agent state (spec.md §6's circuit_breaker_state and
// quarantine_active), called after every point where Gates.RecordOutcome
// could have changed it.
func (w *Worker) emitGateMetrics(agentID string) {
	if w.Metrics == nil || w.Gates == nil {
		return
	}
	w.Metrics.GaugeSet("circuit_breaker_state", map[string]string{"agent_id": agentID}, breakerStateValue(w.Gates.BreakerState(agentID)))
	quarantined := 0.0
	if w.Gates.Quarantined(agentID) {
		quarantined = 1
	}
	w.Metrics.GaugeSet("quarantine_active", map[string]string{"agent_id": agentID}, quarantined)
}

func breakerStateValue(s resilience.BreakerState) float64 {
	switch s {
	case resilience.BreakerOpen:
		return 2
	case resilience.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

// pipelineResult carries what step 8 (finalize) needs out of steps 4-7.
type pipelineResult struct {
	written  bool
	value    interface{}
	tokens   int
	costUSD  float64
}

func (w *Worker) runPipeline(ctx context.Context, agent mongoclaw.Agent, item mongoclaw.WorkItem, attempt int) (res pipelineResult) {
	timeout := time.Duration(agent.Exec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Step 4: render prompt.
	tctx := templateContext(agent, item)
	prompt, err := expr.Render(agent.AI.Prompt, tctx)
	if err != nil {
		panic(taggedError{mongoclaw.TagConfigurationError, fmt.Errorf("render prompt: %w", err)})
	}
	systemPrompt := agent.AI.SystemPrompt
	if systemPrompt != "" {
		systemPrompt, err = expr.Render(systemPrompt, tctx)
		if err != nil {
			panic(taggedError{mongoclaw.TagConfigurationError, fmt.Errorf("render system_prompt: %w", err)})
		}
	}

	// Step 5: invoke model.
	resp, err := w.Model.Invoke(callCtx, mongoclaw.ModelRequest{
		Provider:     agent.AI.Provider,
		Model:        agent.AI.Model,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Temperature:  agent.AI.Temperature,
		MaxTokens:    agent.AI.MaxTokens,
		Timeout:      timeout,
	})
	if err != nil {
		panic(taggedError{classifyModelErr(err), err})
	}
	res.tokens = resp.TokensUsed
	res.costUSD = resp.CostUSD

	// Step 6: parse/validate.
	value, err := parseResponse(agent, resp.Text)
	if err != nil {
		panic(taggedError{mongoclaw.TagParseError, err})
	}
	res.value = value

	// Step 7: write.
	written, err := w.Write.Write(ctx, agent, item.DocumentID, item.IdempotencyKey, value, time.Now())
	if err != nil {
		panic(taggedError{mongoclaw.TagTransientWriteError, err})
	}
	res.written = written
	return res
}

// taggedError is recovered in finalize's caller boundary (runPipeline is
// invoked via a deferred-recover wrapper in finalize) to turn a panic back
// into an Outcome without threading an (Outcome, error) pair through every
// one of steps 4-7's early returns.
type taggedError struct {
	tag mongoclaw.ErrorTag
	err error
}

func (w *Worker) finalize(ctx context.Context, agentID string, d queue.Delivery, agent mongoclaw.Agent, attempt int) {
	// runPipeline is called here, wrapped in a recover, so its panics become
	// a single Outcome value regardless of which step raised them.
	var outcome *mongoclaw.Outcome
	var res pipelineResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				te, ok := r.(taggedError)
				if !ok {
					panic(r)
				}
				outcome = mongoclaw.NewOutcome(te.tag, te.err)
			}
		}()
		res = w.runPipeline(ctx, agent, d.Item, attempt)
	}()

	if outcome != nil {
		w.handleOutcome(ctx, agentID, d, agent, attempt, outcome)
		return
	}

	// Success path: step 8 finalize.
	fingerprint := fingerprintOf(res.value)
	execID := fmt.Sprintf("%s:%s:%d", agentID, d.Item.DocumentID, d.Item.EnqueuedAt.UnixNano())
	if d.Item.IdempotencyKey != "" {
		if err := w.Idem.Put(ctx, mongoclaw.IdempotencyRecord{
			Key:               d.Item.IdempotencyKey,
			ExecutedAt:        time.Now(),
			ExecutionID:       execID,
			ResultFingerprint: fingerprint,
		}); err != nil {
			log.Errorf("worker[%s]: failed to record idempotency key for agent %s: %v", w.Consumer, agentID, err)
		}
	}

	status := mongoclaw.StatusCompleted
	skipReason := ""
	if !res.written {
		skipReason = "write_conflict"
	}
	if w.Cache.IsStaleRevision(agentID, d.Item.AgentRevision) {
		skipReason = "stale_agent"
	}
	now := time.Now()
	if err := w.Exec.Record(ctx, mongoclaw.Execution{
		ID:          execID,
		AgentID:     agentID,
		DocumentID:  d.Item.DocumentID,
		Status:      status,
		Attempt:     attempt,
		StartedAt:   d.Item.EnqueuedAt,
		CompletedAt: now,
		DurationMs:  now.Sub(d.Item.EnqueuedAt).Milliseconds(),
		TokensUsed:  res.tokens,
		CostUSD:     res.costUSD,
		Written:     res.written,
		SkipReason:  skipReason,
		CreatedAt:   now,
	}); err != nil {
		log.Errorf("worker[%s]: failed to record execution for agent %s: %v", w.Consumer, agentID, err)
	}

	if err := w.Queue.Ack(ctx, agentID, d.ItemID); err != nil {
		log.Errorf("worker[%s]: ack agent %s item %s: %v", w.Consumer, agentID, d.ItemID, err)
	}
	w.Gates.RecordOutcome(agentID, true, false, res.costUSD)
	if w.Metrics != nil {
		w.Metrics.CounterInc("executions_completed_total", map[string]string{"agent_id": agentID})
		w.Metrics.HistogramObserve("model_cost_usd", map[string]string{"agent_id": agentID}, res.costUSD)
	}
}

// handleOutcome applies spec.md §7's fixed tag->disposition table.
func (w *Worker) handleOutcome(ctx context.Context, agentID string, d queue.Delivery, agent mongoclaw.Agent, attempt int, outcome *mongoclaw.Outcome) {
	disposition := mongoclaw.DispositionFor(outcome.Tag)

	// spec.md §7: max_retries bounds the number of *retries*, so the total
	// delivery attempts allowed is max_retries+1 (e.g. max_retries=2 ->
	// attempts 1,2,3, DLQ only after the 3rd fails).
	retryExhausted := attempt > agent.Exec.MaxRetries
	if disposition == mongoclaw.DispositionRetry || disposition == mongoclaw.DispositionRetryElongated {
		if retryExhausted {
			disposition = mongoclaw.DispositionDLQ
		}
	}

	switch disposition {
	case mongoclaw.DispositionSkipAck:
		w.finishSkip(ctx, agentID, d, outcome.Tag, outcome.Error())
	case mongoclaw.DispositionCompletedNoWrite:
		w.recordTerminal(ctx, agentID, d, attempt, mongoclaw.StatusCompleted, outcome.Tag, "")
		_ = w.Queue.Ack(ctx, agentID, d.ItemID)
		w.Gates.RecordOutcome(agentID, true, false, 0)
	case mongoclaw.DispositionNackNoAttempt:
		delay := backoffDelay(agent.Exec.RetryDelayMs, 1)
		_ = w.Queue.Nack(ctx, agentID, d.ItemID, delay)
		if w.Metrics != nil {
			w.Metrics.CounterInc("retries_scheduled_total", map[string]string{"agent_id": agentID, "reason": string(outcome.Tag)})
		}
	case mongoclaw.DispositionRetryElongated:
		delay := backoffDelay(agent.Exec.RetryDelayMs, attempt) * 3
		_ = w.Queue.Nack(ctx, agentID, d.ItemID, capDelay(delay))
		w.Gates.RecordOutcome(agentID, false, false, 0)
		if w.Metrics != nil {
			w.Metrics.CounterInc("retries_scheduled_total", map[string]string{"agent_id": agentID, "reason": string(outcome.Tag)})
		}
	case mongoclaw.DispositionRetry:
		delay := backoffDelay(agent.Exec.RetryDelayMs, attempt)
		_ = w.Queue.Nack(ctx, agentID, d.ItemID, delay)
		w.Gates.RecordOutcome(agentID, false, false, 0)
		if w.Metrics != nil {
			w.Metrics.CounterInc("retries_scheduled_total", map[string]string{"agent_id": agentID, "reason": string(outcome.Tag)})
		}
	case mongoclaw.DispositionDLQ:
		w.recordTerminal(ctx, agentID, d, attempt, mongoclaw.StatusDLQ, outcome.Tag, outcome.Error())
		if err := w.Queue.DLQPush(ctx, agentID, queue.DLQEntry{
			Item:           d.Item,
			Reason:         outcome.Tag,
			OriginStream:   queue.AgentStream(agentID),
			OriginItemID:   d.ItemID,
			FinalAttempt:   attempt,
			DeadLetteredAt: time.Now(),
		}); err != nil {
			log.Errorf("worker[%s]: dlq_push agent %s item %s: %v", w.Consumer, agentID, d.ItemID, err)
		}
		w.Gates.RecordOutcome(agentID, false, true, 0)
		if w.Metrics != nil {
			w.Metrics.CounterInc("dlq_size", map[string]string{"agent_id": agentID})
		}
	}
}

func (w *Worker) finishSkip(ctx context.Context, agentID string, d queue.Delivery, tag mongoclaw.ErrorTag, reason string) {
	now := time.Now()
	if err := w.Exec.Record(ctx, mongoclaw.Execution{
		ID:          fmt.Sprintf("%s:%s:%d:skip", agentID, d.Item.DocumentID, now.UnixNano()),
		AgentID:     agentID,
		DocumentID:  d.Item.DocumentID,
		Status:      mongoclaw.StatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		ErrorTag:    tag,
		SkipReason:  reason,
		CreatedAt:   now,
	}); err != nil {
		log.Errorf("worker[%s]: failed to record skipped execution for agent %s: %v", w.Consumer, agentID, err)
	}
	if err := w.Queue.Ack(ctx, agentID, d.ItemID); err != nil {
		log.Errorf("worker[%s]: ack agent %s item %s: %v", w.Consumer, agentID, d.ItemID, err)
	}
}

func (w *Worker) recordTerminal(ctx context.Context, agentID string, d queue.Delivery, attempt int, status mongoclaw.ExecutionStatus, tag mongoclaw.ErrorTag, msg string) {
	now := time.Now()
	if err := w.Exec.Record(ctx, mongoclaw.Execution{
		ID:           fmt.Sprintf("%s:%s:%d:terminal", agentID, d.Item.DocumentID, now.UnixNano()),
		AgentID:      agentID,
		DocumentID:   d.Item.DocumentID,
		Status:       status,
		Attempt:      attempt,
		StartedAt:    d.Item.EnqueuedAt,
		CompletedAt:  now,
		ErrorTag:     tag,
		ErrorMessage: msg,
		CreatedAt:    now,
	}); err != nil {
		log.Errorf("worker[%s]: failed to record terminal execution for agent %s: %v", w.Consumer, agentID, err)
	}
}

func (w *Worker) lockFor(agentID, documentID string) *sync.Mutex {
	key := agentID + "/" + documentID
	v, _ := w.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// backoffDelay implements spec.md §4.4's retry_delay_ms * 2^(attempt-1),
// capped at 60s.
func backoffDelay(retryDelayMs, attempt int) time.Duration {
	if retryDelayMs <= 0 {
		retryDelayMs = 1000
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(retryDelayMs) * time.Millisecond * time.Duration(1<<uint(attempt-1))
	return capDelay(d)
}

func capDelay(d time.Duration) time.Duration {
	if d > 60*time.Second {
		return 60 * time.Second
	}
	return d
}

func templateContext(agent mongoclaw.Agent, item mongoclaw.WorkItem) map[string]interface{} {
	return map[string]interface{}{
		"document":  map[string]interface{}(item.Document),
		"operation": string(item.Operation),
		"now":       time.Now().UTC().Format(time.RFC3339),
		"agent": map[string]interface{}{
			"id":   agent.ID,
			"name": agent.Name,
		},
	}
}

func parseResponse(agent mongoclaw.Agent, text string) (interface{}, error) {
	if agent.AI.ResponseSchema.IsZero() {
		return text, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("parse_error: response is not valid JSON: %w", err)
	}
	ok, err := expr.Eval(agent.AI.ResponseSchema, parsed)
	if err != nil {
		return nil, fmt.Errorf("parse_error: schema evaluation failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("parse_error: response did not satisfy response_schema")
	}
	return parsed, nil
}

// fingerprintOf hashes value's JSON encoding for the idempotency record's
// result_fingerprint (spec.md §4.4 step 8). encoding/json + crypto/sha256
// are stdlib: no library in the pack offers content fingerprinting, and a
// fixed-size hash of a marshaled value needs nothing beyond what the
// standard library already provides.
func fingerprintOf(value interface{}) string {
	b, err := json.Marshal(value)
	if err != nil {
		b = []byte(fmt.Sprint(value))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func classifyModelErr(err error) mongoclaw.ErrorTag {
	var ce *mongoclaw.ClassifiedModelError
	if errors.As(err, &ce) {
		switch ce.Class {
		case mongoclaw.ModelErrTimeout:
			return mongoclaw.TagModelTimeout
		case mongoclaw.ModelErrRateLimited:
			return mongoclaw.TagModelRateLimited
		case mongoclaw.ModelErr5xx:
			return mongoclaw.TagModel5xx
		case mongoclaw.ModelErr4xx:
			return mongoclaw.TagModel4xx
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mongoclaw.TagModelTimeout
	}
	return mongoclaw.TagModel5xx
}
