package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mongoclaw/mongoclaw"
)

func TestPrepareExecution_DefaultsCreatedAtFromStartedAt(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := prepareExecution(mongoclaw.Execution{ID: "e1", StartedAt: started})
	assert.Equal(t, started, e.CreatedAt)
}

func TestPrepareExecution_LeavesExplicitCreatedAtAlone(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	e := prepareExecution(mongoclaw.Execution{ID: "e1", StartedAt: started, CreatedAt: created})
	assert.Equal(t, created, e.CreatedAt)
}

func TestPrepareToken_DefaultsUpdatedAt(t *testing.T) {
	tok := prepareToken(mongoclaw.ResumeToken{WatcherID: "w1"})
	assert.False(t, tok.UpdatedAt.IsZero())
}

func TestPrepareToken_LeavesExplicitUpdatedAtAlone(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := prepareToken(mongoclaw.ResumeToken{WatcherID: "w1", UpdatedAt: ts})
	assert.Equal(t, ts, tok.UpdatedAt)
}
