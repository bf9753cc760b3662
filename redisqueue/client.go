// Package redisqueue implements mongoclaw.KeyValueStream against Redis
// Streams, using go-redis/v8. Grounded on Kocoro-lab/Shannon's
// internal/streaming.Manager, a Redis-Streams pub/sub manager built the
// same way (a *redis.Client field, XAdd/XReadGroup-shaped methods).
package redisqueue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mongoclaw/mongoclaw"
)

// Client adapts a *redis.Client to mongoclaw.KeyValueStream.
type Client struct {
	rdb *redis.Client
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

var _ mongoclaw.KeyValueStream = (*Client)(nil)

func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *Client) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

func (c *Client) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]mongoclaw.StreamMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var out []mongoclaw.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toStreamMessage(m, 1))
		}
	}
	return out, nil
}

func (c *Client) XAck(ctx context.Context, stream, group, id string) error {
	return c.rdb.XAck(ctx, stream, group, id).Err()
}

func (c *Client) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]mongoclaw.StreamMessage, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]mongoclaw.StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toStreamMessage(m, deliveries[m.ID]+1))
	}
	return out, nil
}

func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, stream).Result()
}

func (c *Client) XPending(ctx context.Context, stream, group string) (int64, error) {
	summary, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return summary.Count, nil
}

func (c *Client) XTrim(ctx context.Context, stream string, maxLen int64) error {
	return c.rdb.XTrimMaxLen(ctx, stream, maxLen).Err()
}

func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func toStreamMessage(m redis.XMessage, deliveryCount int64) mongoclaw.StreamMessage {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		switch t := v.(type) {
		case string:
			fields[k] = t
		default:
			fields[k] = toString(t)
		}
	}
	return mongoclaw.StreamMessage{ID: m.ID, Fields: fields, DeliveryCount: deliveryCount}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
