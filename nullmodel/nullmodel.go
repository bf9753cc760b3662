// Package nullmodel provides a deterministic in-memory mongoclaw.ModelClient
// test double - MongoClaw's own model provider SDK integration is out of
// scope (spec.md §1 Non-goals), so the worker tests in this repo drive the
// pipeline against this instead of a real provider.
//
// Grounded on the teacher's examples/watchers mock pattern: a small struct
// recording calls and returning canned or computed responses, rather than a
// generated mock framework.
package nullmodel

import (
	"context"
	"fmt"
	"sync"

	"github.com/mongoclaw/mongoclaw"
)

// Client is a canned/echo ModelClient. With no Responses configured it
// echoes the prompt back as Text, at zero cost - enough to exercise the
// write path in tests without asserting on model content.
type Client struct {
	// Responses, if non-nil, is consulted by Prompt exact-match before
	// falling back to the echo behavior.
	Responses map[string]mongoclaw.ModelResponse
	// Err, if set, is returned by every Invoke call (for testing the
	// dispatch/worker error-classification paths).
	Err *mongoclaw.ClassifiedModelError

	mu    sync.Mutex
	calls []mongoclaw.ModelRequest
}

// New builds an echo Client.
func New() *Client {
	return &Client{Responses: map[string]mongoclaw.ModelResponse{}}
}

var _ mongoclaw.ModelClient = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, req mongoclaw.ModelRequest) (mongoclaw.ModelResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if c.Err != nil {
		return mongoclaw.ModelResponse{}, c.Err
	}
	if resp, ok := c.Responses[req.Prompt]; ok {
		return resp, nil
	}
	return mongoclaw.ModelResponse{
		Text:       fmt.Sprintf("echo: %s", req.Prompt),
		TokensUsed: len(req.Prompt) / 4,
		CostUSD:    0,
	}, nil
}

// Calls returns every request Invoke has received so far, for test
// assertions.
func (c *Client) Calls() []mongoclaw.ModelRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mongoclaw.ModelRequest, len(c.calls))
	copy(out, c.calls)
	return out
}
