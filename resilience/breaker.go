// Package resilience implements the admission-control fabric of spec.md
// §4.6: a per-agent circuit breaker, token-bucket rate limiter, rolling-hour
// cost limiter, consecutive-DLQ quarantine, and p95 SLO tracker, all gating
// a Worker's decision to invoke the model for a given agent.
//
// Grounded on the teacher's use of cenkalti/backoff for watcher
// reconnection; the circuit breaker's cooldown here reuses the same
// doubling idiom for the open->half-open wait instead of a connection
// retry wait.
package resilience

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BreakerState mirrors spec.md §4.6's three circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig holds the fixed thresholds spec.md §4.6 names.
type BreakerConfig struct {
	WindowSize       int           // rolling outcome window, default 60
	ErrorThreshold   float64       // fraction, default 0.5
	MinCooldown      time.Duration // default 30s
	MaxCooldown      time.Duration // default 5m
	HalfOpenProbes   int           // consecutive successes to close, default 1
}

// DefaultBreakerConfig matches spec.md §4.6's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{WindowSize: 60, ErrorThreshold: 0.5, MinCooldown: 30 * time.Second, MaxCooldown: 5 * time.Minute, HalfOpenProbes: 1}
}

// Breaker is a per-agent circuit breaker over a rolling outcome window.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	outcomes   []bool // true = success
	cooldown   time.Duration
	openedAt   time.Time
	halfOpenOK int
	backoffCd  backoff.BackOff
}

// NewBreaker builds a closed Breaker with cfg (DefaultBreakerConfig() if
// the zero value is passed).
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.WindowSize == 0 {
		cfg = DefaultBreakerConfig()
	}
	b := &Breaker{cfg: cfg, state: BreakerClosed, cooldown: cfg.MinCooldown}
	b.backoffCd = newCooldownBackoff(cfg.MinCooldown, cfg.MaxCooldown)
	return b
}

// newCooldownBackoff doubles from min to max with jitter randomization
// disabled (the breaker's cooldown, unlike the watcher's reconnect backoff,
// should be deterministic so tests can assert exact durations).
func newCooldownBackoff(min, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Allow reports whether a call should be attempted right now, transitioning
// open->half_open once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenOK = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordResult feeds one call's outcome back into the breaker.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		if !success {
			b.trip()
			return
		}
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.close()
		}
		return
	case BreakerOpen:
		return
	}

	b.outcomes = append(b.outcomes, success)
	if len(b.outcomes) > b.cfg.WindowSize {
		b.outcomes = b.outcomes[len(b.outcomes)-b.cfg.WindowSize:]
	}
	if len(b.outcomes) < b.cfg.WindowSize {
		return
	}
	failures := 0
	for _, ok := range b.outcomes {
		if !ok {
			failures++
		}
	}
	if float64(failures)/float64(len(b.outcomes)) >= b.cfg.ErrorThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	next := b.backoffCd.NextBackOff()
	if next == backoff.Stop {
		next = b.cfg.MaxCooldown
	}
	b.cooldown = next
}

func (b *Breaker) close() {
	b.state = BreakerClosed
	b.outcomes = nil
	b.backoffCd.Reset()
	b.cooldown = b.cfg.MinCooldown
}

// State reports the breaker's current state, for status() reporting
// (spec.md §6 StatusReport.BreakerState).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
