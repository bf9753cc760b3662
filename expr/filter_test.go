package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ParseFilter_BareEquality(t *testing.T) {
	n, err := ParseFilter(map[string]interface{}{"status": "open"})
	assert.NoError(t, err)
	ok, err := Eval(n, map[string]interface{}{"status": "open"})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = Eval(n, map[string]interface{}{"status": "closed"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func Test_ParseFilter_Operators(t *testing.T) {
	n, err := ParseFilter(map[string]interface{}{
		"$and": []interface{}{
			map[string]interface{}{"status": map[string]interface{}{"$in": []interface{}{"open", "pending"}}},
			map[string]interface{}{"priority": map[string]interface{}{"$gte": 2}},
		},
	})
	assert.NoError(t, err)

	ok, err := Eval(n, map[string]interface{}{"status": "open", "priority": 3})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = Eval(n, map[string]interface{}{"status": "closed", "priority": 3})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func Test_ParseFilter_Exists(t *testing.T) {
	n, err := ParseFilter(map[string]interface{}{"category_hint": map[string]interface{}{"$exists": true}})
	assert.NoError(t, err)

	ok, _ := Eval(n, map[string]interface{}{"category_hint": "billing"})
	assert.True(t, ok)

	ok, _ = Eval(n, map[string]interface{}{})
	assert.False(t, ok)
}

func Test_ReferencesOnly(t *testing.T) {
	n, err := ParseFilter(map[string]interface{}{"_id": "t1"})
	assert.NoError(t, err)
	assert.True(t, ReferencesOnly(n, "_id"))

	n2, err := ParseFilter(map[string]interface{}{"status": "open"})
	assert.NoError(t, err)
	assert.False(t, ReferencesOnly(n2, "_id"))
}

func Test_Render_VariableAndFunctions(t *testing.T) {
	ctx := map[string]interface{}{
		"document": map[string]interface{}{
			"category_hint": "billing",
			"amount":        float64(42),
		},
	}
	out, err := Render("cat={{document.category_hint}} amt={{document.amount}}", ctx)
	assert.NoError(t, err)
	assert.Equal(t, "cat=billing amt=42", out)

	out, err = Render("{{default(document.missing, \"fallback\")}}", ctx)
	assert.NoError(t, err)
	assert.Equal(t, "fallback", out)

	out, err = Render("{{tojson(document)}}", ctx)
	assert.NoError(t, err)
	assert.Contains(t, out, "billing")
}

func Test_Render_Arithmetic(t *testing.T) {
	ctx := map[string]interface{}{"document": map[string]interface{}{"count": float64(3)}}
	out, err := Render("{{document.count * 2 + 1}}", ctx)
	assert.NoError(t, err)
	assert.Equal(t, "7", out)
}
