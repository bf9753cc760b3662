package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSink_CounterIncAccumulates(t *testing.T) {
	s := New()
	s.CounterInc("dispatch_enqueued_total", map[string]string{"agent_id": "a1"})
	s.CounterInc("dispatch_enqueued_total", map[string]string{"agent_id": "a1"})
	s.CounterInc("dispatch_enqueued_total", map[string]string{"agent_id": "a2"})

	count, err := testutil.GatherAndCount(s.registry, "dispatch_enqueued_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSink_GaugeSetOverwrites(t *testing.T) {
	s := New()
	s.GaugeSet("queue_depth", map[string]string{"agent_id": "a1"}, 5)
	s.GaugeSet("queue_depth", map[string]string{"agent_id": "a1"}, 9)

	count, err := testutil.GatherAndCount(s.registry, "queue_depth")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSink_HistogramObserveRegistersOnce(t *testing.T) {
	s := New()
	s.HistogramObserve("worker_duration_seconds", map[string]string{"agent_id": "a1"}, 0.2)
	s.HistogramObserve("worker_duration_seconds", map[string]string{"agent_id": "a1"}, 0.4)

	assert.NotNil(t, s.Handler())
}

func TestSanitize_ReplacesDotsAndDashes(t *testing.T) {
	assert.Equal(t, "dispatch_enqueued_total", sanitize("dispatch.enqueued-total"))
}
