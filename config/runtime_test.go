package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntime_HasSaneDefaults(t *testing.T) {
	r := DefaultRuntime()
	assert.Equal(t, "mongodb://localhost:27017", r.Mongo.URI)
	assert.Equal(t, 5*time.Second, r.ReconcileInterval())
	assert.Equal(t, 2*time.Second, r.PollBlock())
}

func TestLoadRuntime_OverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mongo:
  uri: mongodb://prod:27017
  database: mongoclaw_prod
worker:
  poll_count: 25
`), 0o600))

	r, err := LoadRuntime(path)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://prod:27017", r.Mongo.URI)
	assert.Equal(t, "mongoclaw_prod", r.Mongo.Database)
	assert.EqualValues(t, 25, r.Worker.PollCount)
	// untouched fields keep their default
	assert.Equal(t, "localhost:6379", r.Redis.Addr)
}

func TestLoadRuntime_MissingFileErrors(t *testing.T) {
	_, err := LoadRuntime("/nonexistent/path.yaml")
	assert.Error(t, err)
}
