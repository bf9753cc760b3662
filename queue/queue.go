// Package queue implements the durable queue component of spec.md §4.3: an
// append-only stream with consumer groups, per-item acknowledgement, and
// per-item retry counters - semantically equivalent to a stream database
// with consumer groups. Client is built entirely on the mongoclaw.
// KeyValueStream consumed interface, so it works against any backing store
// that satisfies it; package redisqueue supplies the concrete adapter this
// repository ships, grounded on Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mongoclaw/mongoclaw"
)

// Group is the single consumer group name every agent stream uses
// (spec.md §4.3: "one consumer group per agent (workers)").
const Group = "workers"

// AgentStream is the stream name for an agent's work items.
func AgentStream(agentID string) string { return "agent:" + agentID }

// AgentDLQStream is the stream name for an agent's dead-letter items.
func AgentDLQStream(agentID string) string { return "agent:" + agentID + ":dlq" }

// DLQEntry wraps a WorkItem with its dead-letter origin metadata
// (spec.md §4.3 dlq_push: "append to a parallel dead-letter stream, with
// origin metadata").
type DLQEntry struct {
	Item          mongoclaw.WorkItem `json:"item"`
	Reason        mongoclaw.ErrorTag `json:"reason"`
	OriginStream  string             `json:"origin_stream"`
	OriginItemID  string             `json:"origin_item_id"`
	FinalAttempt  int                `json:"final_attempt"`
	DeadLetteredAt time.Time         `json:"dead_lettered_at"`
}

// Delivery is a WorkItem delivered to a consumer, carrying the queue's own
// item_id and redelivery count so the worker can tell attempt apart from
// admission-gate nacks (which do not increment attempt, spec.md §4.4).
type Delivery struct {
	ItemID        string
	Item          mongoclaw.WorkItem
	DeliveryCount int64
}

// Queue is the interface the Dispatcher and Worker pool use.
type Queue interface {
	Produce(ctx context.Context, agentID string, item mongoclaw.WorkItem) (string, error)
	Consume(ctx context.Context, agentID, consumer string, count int64, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, agentID, itemID string) error
	Nack(ctx context.Context, agentID, itemID string, delay time.Duration) error
	ClaimPending(ctx context.Context, agentID, consumer string, minIdle time.Duration) ([]Delivery, error)
	DLQPush(ctx context.Context, agentID string, entry DLQEntry) error
	QueueDepth(ctx context.Context, agentID string) (int64, error)
	DLQDepth(ctx context.Context, agentID string) (int64, error)
}

// Client implements Queue atop any mongoclaw.KeyValueStream.
type Client struct {
	kv mongoclaw.KeyValueStream
	// TrimMaxLen is the length-cap trim policy applied opportunistically
	// after Ack (spec.md §4.3 "Trim policy: length-cap + age-cap").
	TrimMaxLen int64
}

// NewClient builds a Client with the default trim length cap.
func NewClient(kv mongoclaw.KeyValueStream) *Client {
	return &Client{kv: kv, TrimMaxLen: 100_000}
}

func (c *Client) Produce(ctx context.Context, agentID string, item mongoclaw.WorkItem) (string, error) {
	stream := AgentStream(agentID)
	if err := c.kv.EnsureGroup(ctx, stream, Group); err != nil {
		return "", fmt.Errorf("queue: ensure group for %s: %w", stream, err)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("queue: marshal work item: %w", err)
	}
	id, err := c.kv.XAdd(ctx, stream, map[string]string{"item": string(payload)})
	if err != nil {
		return "", fmt.Errorf("queue: produce to %s: %w", stream, err)
	}
	return id, nil
}

func (c *Client) Consume(ctx context.Context, agentID, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	stream := AgentStream(agentID)
	if err := c.kv.EnsureGroup(ctx, stream, Group); err != nil {
		return nil, fmt.Errorf("queue: ensure group for %s: %w", stream, err)
	}
	msgs, err := c.kv.XReadGroup(ctx, stream, Group, consumer, count, block)
	if err != nil {
		return nil, fmt.Errorf("queue: consume from %s: %w", stream, err)
	}
	return toDeliveries(msgs)
}

func (c *Client) Ack(ctx context.Context, agentID, itemID string) error {
	stream := AgentStream(agentID)
	if err := c.kv.XAck(ctx, stream, Group, itemID); err != nil {
		return fmt.Errorf("queue: ack %s on %s: %w", itemID, stream, err)
	}
	if c.TrimMaxLen > 0 {
		_ = c.kv.XTrim(ctx, stream, c.TrimMaxLen)
	}
	return nil
}

// Nack schedules redelivery after delay. KeyValueStream has no native
// delayed-redelivery primitive (neither does Redis Streams), so Client
// approximates it the way stream-database consumers conventionally do:
// it leaves the item unacked (eligible for claim_pending once min-idle
// elapses) and additionally records a short-TTL "not-before" marker workers
// consult before re-claiming, so the delay is honored even when min-idle
// is shorter than the requested backoff.
func (c *Client) Nack(ctx context.Context, agentID, itemID string, delay time.Duration) error {
	key := "nack:" + agentID + ":" + itemID
	return c.kv.SetWithTTL(ctx, key, "1", delay)
}

// notBeforeElapsed reports whether a prior Nack's delay has elapsed.
func (c *Client) notBeforeElapsed(ctx context.Context, agentID, itemID string) bool {
	key := "nack:" + agentID + ":" + itemID
	_, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return true
	}
	return !found
}

func (c *Client) ClaimPending(ctx context.Context, agentID, consumer string, minIdle time.Duration) ([]Delivery, error) {
	stream := AgentStream(agentID)
	msgs, err := c.kv.XClaim(ctx, stream, Group, consumer, minIdle)
	if err != nil {
		return nil, fmt.Errorf("queue: claim_pending on %s: %w", stream, err)
	}
	deliveries, err := toDeliveries(msgs)
	if err != nil {
		return nil, err
	}
	filtered := deliveries[:0]
	for _, d := range deliveries {
		if c.notBeforeElapsed(ctx, agentID, d.ItemID) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (c *Client) DLQPush(ctx context.Context, agentID string, entry DLQEntry) error {
	stream := AgentDLQStream(agentID)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal dlq entry: %w", err)
	}
	if _, err := c.kv.XAdd(ctx, stream, map[string]string{"entry": string(payload)}); err != nil {
		return fmt.Errorf("queue: dlq_push to %s: %w", stream, err)
	}
	return c.Ack(ctx, agentID, entry.OriginItemID)
}

func (c *Client) QueueDepth(ctx context.Context, agentID string) (int64, error) {
	return c.kv.XLen(ctx, AgentStream(agentID))
}

func (c *Client) DLQDepth(ctx context.Context, agentID string) (int64, error) {
	return c.kv.XLen(ctx, AgentDLQStream(agentID))
}

func toDeliveries(msgs []mongoclaw.StreamMessage) ([]Delivery, error) {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Fields["item"]
		if !ok {
			continue
		}
		var item mongoclaw.WorkItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("queue: unmarshal item %s: %w", m.ID, err)
		}
		out = append(out, Delivery{ItemID: m.ID, Item: item, DeliveryCount: m.DeliveryCount})
	}
	return out, nil
}
