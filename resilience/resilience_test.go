package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_TripsAtErrorThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{WindowSize: 10, ErrorThreshold: 0.5, MinCooldown: 50 * time.Millisecond, MaxCooldown: time.Second})
	for i := 0; i < 5; i++ {
		b.RecordResult(true)
	}
	for i := 0; i < 5; i++ {
		b.RecordResult(false)
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordResult(true)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{WindowSize: 2, ErrorThreshold: 0.5, MinCooldown: 10 * time.Millisecond, MaxCooldown: time.Second})
	b.RecordResult(false)
	b.RecordResult(false)
	require := assert.New(t)
	require.Equal(BreakerOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	require.True(b.Allow())
	b.RecordResult(false)
	require.Equal(BreakerOpen, b.State())
}

func TestRateLimiters_DeniesBeyondBurst(t *testing.T) {
	r := NewRateLimiters()
	allowed := 0
	for i := 0; i < 5; i++ {
		if r.Allow("a1", 3) {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestRateLimiters_UnlimitedWhenZero(t *testing.T) {
	r := NewRateLimiters()
	for i := 0; i < 100; i++ {
		assert.True(t, r.Allow("a1", 0))
	}
}

func TestCostLimiters_DeniesOverLimit(t *testing.T) {
	c := NewCostLimiters()
	assert.True(t, c.Allow("a1", 1.0))
	c.Record("a1", 0.6)
	assert.True(t, c.Allow("a1", 1.0))
	c.Record("a1", 0.6)
	assert.False(t, c.Allow("a1", 1.0))
}

func TestQuarantine_TripsAfterThreshold(t *testing.T) {
	q := &Quarantine{threshold: 3, streak: map[string]int{}, tripped: map[string]bool{}}
	q.RecordDLQ("a1")
	q.RecordDLQ("a1")
	assert.False(t, q.IsQuarantined("a1"))
	q.RecordDLQ("a1")
	assert.True(t, q.IsQuarantined("a1"))

	q.Reset("a1")
	assert.False(t, q.IsQuarantined("a1"))
}

func TestQuarantine_SuccessResetsStreak(t *testing.T) {
	q := &Quarantine{threshold: 2, streak: map[string]int{}, tripped: map[string]bool{}}
	q.RecordDLQ("a1")
	q.RecordSuccess("a1")
	q.RecordDLQ("a1")
	assert.False(t, q.IsQuarantined("a1"))
}

func TestSLOTracker_P95AndViolation(t *testing.T) {
	tr := NewSLOTracker(SLOConfig{TargetP95: 100 * time.Millisecond, SustainedWindow: 10 * time.Millisecond})
	for i := 0; i < 20; i++ {
		tr.Observe("a1", 200*time.Millisecond)
	}
	time.Sleep(15 * time.Millisecond)
	assert.True(t, tr.Violating("a1"))
}

func TestGates_AdmitOrdersGatesAndRecordsOutcome(t *testing.T) {
	g := NewGates()
	assert.Equal(t, AdmitOK, g.Admit("a1", 0, 0))

	for i := 0; i < DefaultBreakerConfig().WindowSize; i++ {
		g.RecordOutcome("a1", false, false, 0)
	}
	assert.Equal(t, AdmitBreakerOpen, g.Admit("a1", 0, 0))
}
