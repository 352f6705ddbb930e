package explorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConformanceMismatch(t *testing.T) {
	g := NewStateGraph()
	g.AddTransition(Transition{
		FromState: "a",
		Action:    NewAction("GET", "/todos/1"),
		ToState:   "b",
		Response:  map[string]any{"id": "not-a-number"},
		Success:   true,
	})

	schemas := map[string]map[string]any{
		"GET /todos/{todoId}": {
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "integer"}},
			"required":   []any{"id"},
		},
	}

	issues := CheckConformance(g, schemas)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityLow, issues[0].Severity)
	assert.Equal(t, "conformance", issues[0].Category)
	assert.Contains(t, issues[0].Error, "GET /todos/1")
}

func TestCheckConformanceTemplateMatching(t *testing.T) {
	schemas := map[string]map[string]any{
		"GET /todos/{todoId}": {"type": "object"},
	}
	idx := newSchemaIndex(schemas)

	_, ok := idx.lookup("GET", "/todos/42")
	assert.True(t, ok)
	_, ok = idx.lookup("GET", "/todos/42/attachments")
	assert.False(t, ok, "template matches one segment only")
	_, ok = idx.lookup("POST", "/todos/42")
	assert.False(t, ok, "method must match")
}

func TestCheckConformanceSkipsFailuresAndValidBodies(t *testing.T) {
	g := NewStateGraph()
	g.AddTransition(Transition{
		FromState: "a",
		Action:    NewAction("GET", "/todos/1"),
		ToState:   "b",
		Response:  map[string]any{"id": float64(1)},
		Success:   true,
	})
	g.AddTransition(Transition{
		FromState: "a",
		Action:    NewAction("GET", "/todos/2"),
		ToState:   "c",
		Response:  map[string]any{"error": "boom"},
		Success:   false,
	})

	schemas := map[string]map[string]any{
		"GET /todos/{todoId}": {
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "integer"}},
			"required":   []any{"id"},
		},
	}

	assert.Empty(t, CheckConformance(g, schemas))
	assert.Empty(t, CheckConformance(g, nil))
}
