// Package config loads MongoClaw's on-disk configuration: the runtime
// settings a deployment wires up (store URIs, concurrency, intervals) and
// the Agent definitions' YAML seed form.
//
// Grounded on cuemby-warren's cmd/warren/apply.go: gopkg.in/yaml.v3,
// yaml.Unmarshal into a tagged struct, a handful of getString/getInt-style
// defaulting helpers rather than a validating schema library.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mongoclaw/mongoclaw/watch"
)

// Runtime is the deployment-level configuration the program wiring MongoClaw
// together reads once at startup.
type Runtime struct {
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Worker struct {
		ConsumerPrefix string `yaml:"consumer_prefix"`
		PollCount      int64  `yaml:"poll_count"`
		PollBlockMs    int    `yaml:"poll_block_ms"`
	} `yaml:"worker"`
	Watch struct {
		ReconcileIntervalMs int `yaml:"reconcile_interval_ms"`
		HandoffDepth        int `yaml:"handoff_depth"`
	} `yaml:"watch"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// ControlAddr serves the operator control surface (spec.md §6:
	// enqueue_manual, status, drain) over HTTP, package api.
	ControlAddr    string `yaml:"control_addr,omitempty"`
	DrainTimeoutMs int    `yaml:"drain_timeout_ms"`
}

// DefaultRuntime returns a Runtime with the same defaults the spec names
// (watch.DefaultHandoffDepth, the §4.1 R=5s reconcile interval) so a
// deployment only needs a config file for the values it wants to override.
func DefaultRuntime() Runtime {
	var r Runtime
	r.Mongo.URI = "mongodb://localhost:27017"
	r.Mongo.Database = "mongoclaw"
	r.Redis.Addr = "localhost:6379"
	r.Worker.ConsumerPrefix = "worker"
	r.Worker.PollCount = 10
	r.Worker.PollBlockMs = 2000
	r.Watch.ReconcileIntervalMs = 5000
	r.Watch.HandoffDepth = watch.DefaultHandoffDepth
	r.DrainTimeoutMs = 30000 // spec.md §4 cancellation: 30s hard deadline
	return r
}

// ReconcileInterval and PollBlock convert the YAML's millisecond fields
// into the time.Duration the rest of the codebase works in.
func (r Runtime) ReconcileInterval() time.Duration {
	return time.Duration(r.Watch.ReconcileIntervalMs) * time.Millisecond
}

func (r Runtime) PollBlock() time.Duration {
	return time.Duration(r.Worker.PollBlockMs) * time.Millisecond
}

func (r Runtime) DrainTimeout() time.Duration {
	return time.Duration(r.DrainTimeoutMs) * time.Millisecond
}

// LoadRuntime reads and parses a Runtime config file, starting from
// DefaultRuntime so an omitted field keeps its default instead of zeroing
// out.
func LoadRuntime(path string) (Runtime, error) {
	r := DefaultRuntime()
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, fmt.Errorf("config: failed to read runtime config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Runtime{}, fmt.Errorf("config: failed to parse runtime config %s: %w", path, err)
	}
	return r, nil
}
