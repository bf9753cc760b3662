package watch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mongoclaw/mongoclaw"
)

// ResumeTokenSink persists the durable resume token for a watcher. Saves
// are best-effort within ~1s of acknowledgement (spec.md §5 timeouts).
type ResumeTokenSink interface {
	SaveResumeToken(ctx context.Context, token mongoclaw.ResumeToken) error
}

type watcherState struct {
	pending   map[uint64]mongoclaw.ResumeToken
	acked     map[uint64]bool
	watermark uint64
}

// Tracker implements spec.md §4.1's resume token policy: "the watcher does
// not persist the token itself; it tags each ChangeEvent with its token
// and a sequence number, and the dispatcher acknowledges the sequence
// after enqueue. The watcher advances the persisted token to the highest
// contiguously acknowledged sequence." One watermark is tracked per
// watcher_id, since events from distinct watchers are fanned into a single
// dispatcher input channel.
//
// Grounded on the teacher's ResumeRepository.SaveResumePoint, generalized
// from "persist every event" to "persist only the watermark."
type Tracker struct {
	mu    sync.Mutex
	sink  ResumeTokenSink
	state map[string]*watcherState
}

// NewTracker builds a Tracker that persists through sink.
func NewTracker(sink ResumeTokenSink) *Tracker {
	return &Tracker{sink: sink, state: map[string]*watcherState{}}
}

func (t *Tracker) stateFor(watcherID string) *watcherState {
	s, ok := t.state[watcherID]
	if !ok {
		s = &watcherState{pending: map[uint64]mongoclaw.ResumeToken{}, acked: map[uint64]bool{}}
		t.state[watcherID] = s
	}
	return s
}

// Observe records an event's sequence/token pair as in-flight.
func (t *Tracker) Observe(ev mongoclaw.ChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(ev.WatcherID)
	s.pending[ev.Sequence] = ev.ResumeToken
}

// Ack marks a sequence acknowledged (all of its WorkItems were enqueued, or
// it was deliberately dropped by filter/loop-guard/config error) and
// advances+persists that watcher's watermark if this closes a contiguous
// run.
func (t *Tracker) Ack(ctx context.Context, watcherID string, seq uint64) {
	t.mu.Lock()
	s := t.stateFor(watcherID)
	s.acked[seq] = true

	advanced := false
	var tok mongoclaw.ResumeToken
	haveTok := false
	for {
		next := s.watermark + 1
		if !s.acked[next] {
			break
		}
		if t, ok := s.pending[next]; ok {
			tok, haveTok = t, true
		}
		delete(s.acked, next)
		delete(s.pending, next)
		s.watermark = next
		advanced = true
	}
	t.mu.Unlock()

	if !advanced || !haveTok {
		return
	}
	tok.WatcherID = watcherID
	tok.UpdatedAt = time.Now()
	if err := t.sink.SaveResumeToken(ctx, tok); err != nil {
		log.Errorf("watch[%s]: failed to persist resume token: %v", watcherID, err)
	}
}

// Pending reports the number of sequences observed but not yet cleared by a
// contiguous ack, across all watchers - useful for operational visibility
// and for tests asserting crash-recovery replay behavior (spec.md §8
// scenario 6).
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.state {
		n += len(s.pending)
	}
	return n
}
