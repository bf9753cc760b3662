package mongostore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongoclaw/mongoclaw"
)

func TestBuildUpdateFilter_MergeGuardsOnStoredIdempotencyKey(t *testing.T) {
	filter := buildUpdateFilter("doc-1", mongoclaw.Precondition{Field: "summary", IdempotencyKey: "key-1"})

	assert.Equal(t, "doc-1", filter["_id"])
	or, ok := filter["$or"].(bson.A)
	assert.True(t, ok)
	assert.Len(t, or, 2)
}

func TestBuildUpdateFilter_AppendGuardsOnElemMatch(t *testing.T) {
	filter := buildUpdateFilter("doc-1", mongoclaw.Precondition{Field: "history", IdempotencyKey: "key-1", CreateIfAbsent: true})

	historyGuard, ok := filter["history"].(bson.M)
	assert.True(t, ok)
	notClause, ok := historyGuard["$not"].(bson.M)
	assert.True(t, ok)
	assert.Contains(t, notClause, "$elemMatch")
}

func TestBuildUpdateDoc_MergeUsesSet(t *testing.T) {
	update := buildUpdateDoc(map[string]interface{}{"summary": "hello"}, mongoclaw.Precondition{Field: "summary"})

	set, ok := update["$set"].(bson.M)
	assert.True(t, ok)
	assert.Equal(t, "hello", set["summary"])
}

func TestBuildUpdateDoc_AppendUsesPushWithEach(t *testing.T) {
	update := buildUpdateDoc(map[string]interface{}{"history": "entry", "$append": true}, mongoclaw.Precondition{Field: "history", CreateIfAbsent: true})

	push, ok := update["$push"].(bson.M)
	assert.True(t, ok)
	historyPush, ok := push["history"].(bson.M)
	assert.True(t, ok)
	each, ok := historyPush["$each"].(bson.A)
	assert.True(t, ok)
	assert.Equal(t, bson.A{"entry"}, each)
	_, hasAppendKey := push["$append"]
	assert.False(t, hasAppendKey)
}
