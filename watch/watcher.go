// Package watch implements the Watcher component of spec.md §4.1:
// it subscribes to the document store's change feed per watched
// collection, survives reconnection via resume tokens, and emits
// normalized ChangeEvents through a bounded handoff channel.
//
// Grounded on the teacher's stream.ChangeStreamWatcher / stream.Manager
// (start/stop/cancel lifecycle, invalidate-triggers-restart handling), but
// generalized to push events onto a channel instead of calling dispatch
// funcs in-line, which is the "bounded in-memory handoff" spec.md calls for.
package watch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mongoclaw/mongoclaw"
)

// DefaultHandoffDepth is W from spec.md §4.1.
const DefaultHandoffDepth = 256

// ErrFeedReset is returned (and logged, never treated as fatal to the
// process) when the store invalidates our resume point - a feed gap the
// watcher cannot recover from and must restart from "now" for.
var ErrFeedReset = errors.New("watch: feed reset, resubscribing from now")

// ResumeTokenSource supplies the last durable token for a watcher, and is
// advanced only by the dispatcher acknowledging sequences (spec.md §4.1's
// "resume token policy": the watcher itself never persists a token).
type ResumeTokenSource interface {
	LastToken(ctx context.Context, watcherID string) (*mongoclaw.ResumeToken, error)
}

// Subscription watches one (database, collection) pair and emits
// ChangeEvents onto Events until Stop is called or ctx is cancelled.
type Subscription struct {
	ID         string
	store      mongoclaw.DocumentStore
	tokens     ResumeTokenSource
	database   string
	collection string

	Events chan mongoclaw.ChangeEvent

	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64
}

// NewSubscription builds a Subscription with the default handoff depth.
func NewSubscription(id string, store mongoclaw.DocumentStore, tokens ResumeTokenSource, database, collection string) *Subscription {
	return &Subscription{
		ID:         id,
		store:      store,
		tokens:     tokens,
		database:   database,
		collection: collection,
		Events:     make(chan mongoclaw.ChangeEvent, DefaultHandoffDepth),
		done:       make(chan struct{}),
	}
}

// Start launches the subscription's run loop in the background.
func (s *Subscription) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
}

// Stop cancels the subscription; it drains (closes Events) once run exits.
func (s *Subscription) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.Events)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tok, err := s.tokens.LastToken(ctx, s.ID)
		if err != nil {
			log.Errorf("watch[%s]: failed to load resume token: %v", s.ID, err)
		}

		err = s.watchOnce(ctx, tok)
		if err == nil {
			return // clean shutdown (ctx cancelled mid-feed)
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, ErrFeedReset) {
			log.Errorf("watch[%s]: %v (events in the gap are lost; re-drive via webhook if needed)", s.ID, err)
			attempt = 0
			continue
		}

		delay := backoffDelay(attempt)
		log.Errorf("watch[%s]: feed error, reconnecting in %s: %v", s.ID, delay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		attempt++
	}
}

// backoffDelay implements spec.md §4.1's exponential backoff:
// min(2^n * 200ms, 30s).
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func (s *Subscription) watchOnce(ctx context.Context, tok *mongoclaw.ResumeToken) error {
	feed, err := s.store.Subscribe(ctx, s.database, s.collection, tok)
	if err != nil {
		return fmt.Errorf("watch[%s]: subscribe: %w", s.ID, err)
	}
	defer feed.Close(ctx)

	for {
		ev, ok, err := feed.Next(ctx)
		if err != nil {
			return fmt.Errorf("watch[%s]: feed.Next: %w", s.ID, err)
		}
		if !ok {
			return nil
		}
		ev.WatcherID = s.ID
		s.seq++
		ev.Sequence = s.seq

		if ev.Invalidate {
			select {
			case s.Events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			return ErrFeedReset
		}

		select {
		case s.Events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
