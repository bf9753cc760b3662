package resilience

import "sync"

// Gates bundles the per-agent admission fabric the Worker consults before
// invoking a model (spec.md §4.4 step "admission gates", §4.6).
type Gates struct {
	mu         sync.Mutex
	breakers   map[string]*Breaker
	rates      *RateLimiters
	costs      *CostLimiters
	quarantine *Quarantine
}

// NewGates builds an empty Gates set.
func NewGates() *Gates {
	return &Gates{
		breakers:   map[string]*Breaker{},
		rates:      NewRateLimiters(),
		costs:      NewCostLimiters(),
		quarantine: NewQuarantine(),
	}
}

func (g *Gates) breakerFor(agentID string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[agentID]
	if !ok {
		b = NewBreaker(DefaultBreakerConfig())
		g.breakers[agentID] = b
	}
	return b
}

// AdmitReason names which gate, if any, denied admission.
type AdmitReason string

const (
	AdmitOK             AdmitReason = ""
	AdmitQuarantined    AdmitReason = "quarantined"
	AdmitBreakerOpen    AdmitReason = "breaker_open"
	AdmitRateLimited    AdmitReason = "rate_limited"
	AdmitCostExhausted  AdmitReason = "cost_exhausted"
)

// Admit checks every gate in spec.md §4.6's priority order (quarantine,
// breaker, rate, cost) and reports the first one that denies the call.
func (g *Gates) Admit(agentID string, rateLimitPerMinute int, costLimitUSDPerHour float64) AdmitReason {
	if g.quarantine.IsQuarantined(agentID) {
		return AdmitQuarantined
	}
	if !g.breakerFor(agentID).Allow() {
		return AdmitBreakerOpen
	}
	if !g.rates.Allow(agentID, rateLimitPerMinute) {
		return AdmitRateLimited
	}
	if !g.costs.Allow(agentID, costLimitUSDPerHour) {
		return AdmitCostExhausted
	}
	return AdmitOK
}

// RecordOutcome feeds a completed call's result back into the breaker and
// quarantine streak, and its cost into the rolling cost window.
func (g *Gates) RecordOutcome(agentID string, success bool, dlq bool, costUSD float64) {
	g.breakerFor(agentID).RecordResult(success)
	if dlq {
		g.quarantine.RecordDLQ(agentID)
	} else {
		g.quarantine.RecordSuccess(agentID)
	}
	if costUSD > 0 {
		g.costs.Record(agentID, costUSD)
	}
}

// BreakerState reports agentID's current breaker state, for status().
func (g *Gates) BreakerState(agentID string) BreakerState {
	return g.breakerFor(agentID).State()
}

// QuarantineReset clears agentID's quarantine (operator intervention).
func (g *Gates) QuarantineReset(agentID string) {
	g.quarantine.Reset(agentID)
}

// Quarantined reports whether agentID is currently quarantined, for
// collaborators that only care about that one gate - the Dispatcher's
// stop-enqueueing check (spec.md §4.6) and the quarantine_active metric,
// neither of which should also evaluate the breaker/rate/cost gates Admit
// bundles together for the worker's narrower admission decision.
func (g *Gates) Quarantined(agentID string) bool {
	return g.quarantine.IsQuarantined(agentID)
}
