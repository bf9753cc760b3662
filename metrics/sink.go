// Package metrics implements mongoclaw.MetricsSink against Prometheus,
// grounded on cuemby-warren's pkg/metrics (package-level Counter/Gauge/
// HistogramVec collectors, MustRegister at construction, a Handler() for
// serving /metrics via promhttp).
//
// Unlike warren - a single long-running binary that registers into the
// global default registry once at process start - MongoClaw is consumed as
// a library and may be constructed more than once within a process (tests,
// multiple pipelines), so Sink owns a private prometheus.Registry instead
// of registering into prometheus.DefaultRegisterer.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mongoclaw/mongoclaw"
)

// Sink implements mongoclaw.MetricsSink, lazily registering one collector
// per metric name on first use, keyed on that first call's label set.
type Sink struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// New builds a Sink with its own private registry.
func New() *Sink {
	return &Sink{
		registry:   prometheus.NewRegistry(),
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

var _ mongoclaw.MetricsSink = (*Sink)(nil)

// Handler serves the Sink's private registry over HTTP, mirroring warren's
// metrics.Handler().
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *Sink) CounterInc(name string, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sanitize(name),
			Help: fmt.Sprintf("mongoclaw counter %s", name),
		}, labelNames(labels))
		s.registry.MustRegister(vec)
		s.counters[name] = vec
	}
	s.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Inc()
}

func (s *Sink) GaugeSet(name string, labels map[string]string, value float64) {
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitize(name),
			Help: fmt.Sprintf("mongoclaw gauge %s", name),
		}, labelNames(labels))
		s.registry.MustRegister(vec)
		s.gauges[name] = vec
	}
	s.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
}

func (s *Sink) HistogramObserve(name string, labels map[string]string, value float64) {
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitize(name),
			Help:    fmt.Sprintf("mongoclaw histogram %s", name),
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		s.registry.MustRegister(vec)
		s.histograms[name] = vec
	}
	s.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Observe(value)
}

// sanitize mongoclaw's dotted/colon metric names (e.g. "dispatch.enqueued")
// into Prometheus's [a-zA-Z_:][a-zA-Z0-9_:]* name grammar.
func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
