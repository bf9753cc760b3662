package resilience

import "sync"

// DefaultQuarantineThreshold is spec.md §4.6's default: 20 consecutive
// DLQ'd items for one agent trips quarantine.
const DefaultQuarantineThreshold = 20

// Quarantine tracks consecutive dead-lettered items per agent and reports
// the agent quarantined once the threshold is reached (spec.md §4.6
// "Quarantine: N consecutive dlq_push calls for one agent"). A quarantined
// agent's items are nacked without incrementing attempt (disposition
// DispositionNackNoAttempt, spec.md §7 quarantined) until an operator
// intervenes - Reset clears it.
type Quarantine struct {
	mu        sync.Mutex
	threshold int
	streak    map[string]int
	tripped   map[string]bool
}

// NewQuarantine builds a Quarantine with the default threshold.
func NewQuarantine() *Quarantine {
	return &Quarantine{threshold: DefaultQuarantineThreshold, streak: map[string]int{}, tripped: map[string]bool{}}
}

// RecordDLQ records one more dead-lettered item for agentID.
func (q *Quarantine) RecordDLQ(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streak[agentID]++
	if q.streak[agentID] >= q.threshold {
		q.tripped[agentID] = true
	}
}

// RecordSuccess resets agentID's consecutive-DLQ streak (any non-DLQ
// terminal outcome breaks the streak).
func (q *Quarantine) RecordSuccess(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streak[agentID] = 0
}

// IsQuarantined reports whether agentID is currently quarantined.
func (q *Quarantine) IsQuarantined(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tripped[agentID]
}

// Reset clears agentID's quarantine and streak, for operator intervention.
func (q *Quarantine) Reset(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tripped, agentID)
	q.streak[agentID] = 0
}
