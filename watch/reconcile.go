package watch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mongoclaw/mongoclaw"
)

// CollectionSource reports the set of (database, collection) pairs any
// enabled agent currently watches - satisfied by *agentcache.Cache.
type CollectionSource interface {
	WatchedCollections() []mongoclaw.Watch
}

// Manager runs one Subscription per distinct (database, collection) pair
// referenced by any enabled agent, reconciling the desired set against the
// active set every interval (spec.md §4.1 "Membership changes", default
// R=5s), and fans every subscription's events into a single Out channel.
//
// Grounded on the teacher's stream.Manager (single manager owning
// start/stop of a watcher), generalized from one fixed subscription to an
// arbitrary, changing set of subscriptions.
type Manager struct {
	store  mongoclaw.DocumentStore
	tokens ResumeTokenSource
	cache  CollectionSource

	Out chan mongoclaw.ChangeEvent

	mu   sync.Mutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

// NewManager builds a reconciling watcher Manager.
func NewManager(store mongoclaw.DocumentStore, tokens ResumeTokenSource, cache CollectionSource) *Manager {
	return &Manager{
		store:  store,
		tokens: tokens,
		cache:  cache,
		Out:    make(chan mongoclaw.ChangeEvent, DefaultHandoffDepth),
		subs:   map[string]*Subscription{},
	}
}

// Run reconciles every interval until ctx is cancelled, then stops every
// active subscription and closes Out once all forwarders have drained.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	m.reconcile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			close(m.Out)
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func watchKey(w mongoclaw.Watch) string { return w.Database + "." + w.Collection }

func (m *Manager) reconcile(ctx context.Context) {
	desired := m.cache.WatchedCollections()
	desiredSet := make(map[string]mongoclaw.Watch, len(desired))
	for _, w := range desired {
		desiredSet[watchKey(w)] = w
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, w := range desiredSet {
		if _, active := m.subs[key]; active {
			continue
		}
		sub := NewSubscription(key, m.store, m.tokens, w.Database, w.Collection)
		sub.Start(ctx)
		m.subs[key] = sub
		m.wg.Add(1)
		go m.forward(sub)
		log.Infof("watch: started subscription for %s", key)
	}

	for key, sub := range m.subs {
		if _, stillDesired := desiredSet[key]; stillDesired {
			continue
		}
		log.Infof("watch: draining orphaned subscription for %s", key)
		sub.Stop()
		delete(m.subs, key)
	}
}

func (m *Manager) forward(sub *Subscription) {
	defer m.wg.Done()
	for ev := range sub.Events {
		m.Out <- ev
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subs {
		sub.Stop()
		delete(m.subs, key)
	}
}
