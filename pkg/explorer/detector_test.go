package explorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStableAndShort(t *testing.T) {
	d := NewStateDetector()
	response := map[string]any{"id": float64(42), "status": "open", "title": "x"}

	fp1 := d.Fingerprint(response)
	fp2 := d.Fingerprint(map[string]any{"id": float64(42), "status": "open", "title": "x"})

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 16)
}

func TestFingerprintDistinguishesStatus(t *testing.T) {
	d := NewStateDetector()
	open := d.Fingerprint(map[string]any{"id": float64(1), "status": "open"})
	closed := d.Fingerprint(map[string]any{"id": float64(1), "status": "closed"})
	assert.NotEqual(t, open, closed)
}

func TestFingerprintIgnoresTokenValues(t *testing.T) {
	d := NewStateDetector()
	a := d.Fingerprint(map[string]any{"token": "aaa"})
	b := d.Fingerprint(map[string]any{"token": "bbb"})
	assert.Equal(t, a, b, "auth presence matters, token value does not")
}

func TestDetectStateCacheReturnsSameObject(t *testing.T) {
	d := NewStateDetector()
	response := map[string]any{"id": float64(42), "status": "open"}

	s1 := d.DetectState(response, "/todos/42", "GET")
	s2 := d.DetectState(map[string]any{"id": float64(42), "status": "open"}, "/todos/42", "GET")

	require.Same(t, s1, s2, "identical fingerprints must yield the same State object")
}

func TestDetectStateNameInference(t *testing.T) {
	d := NewStateDetector()

	s := d.DetectState(map[string]any{"status": "in_progress"}, "", "")
	assert.Equal(t, "In Progress", s.Name)

	s = d.DetectState(map[string]any{"title": "x"}, "/todos/{id}", "GET")
	assert.Equal(t, "State_todos_id", s.Name)

	s = d.DetectState(map[string]any{"other": true}, "", "")
	assert.Equal(t, "Unknown_State", s.Name)
}

func TestDetectStateCustomExtractorWins(t *testing.T) {
	d := NewStateDetector()
	custom := &State{ID: "custom", Name: "Custom"}
	d.AddStateExtractor(func(response map[string]any) *State { return custom })

	got := d.DetectState(map[string]any{"status": "open"}, "/x", "GET")
	assert.Same(t, custom, got)
	assert.Same(t, custom, d.KnownState("custom"))
}

func TestJSONPathStateKeyField(t *testing.T) {
	d := NewStateDetector()
	d.AddStateKeyField("$.data.phase")

	a := d.Fingerprint(map[string]any{"data": map[string]any{"phase": "one"}})
	b := d.Fingerprint(map[string]any{"data": map[string]any{"phase": "two"}})
	assert.NotEqual(t, a, b)
}

func TestStructureSignature(t *testing.T) {
	sig := structureSignature(map[string]any{
		"b": "x",
		"a": []any{map[string]any{"k": float64(1)}},
		"c": true,
		"d": nil,
	}, 0)
	assert.Equal(t, "{a,b,c,d}", sig)

	assert.Equal(t, "[{k}]", structureSignature([]any{map[string]any{"k": 1}}, 0))
	assert.Equal(t, "str", structureSignature("x", 0))
	assert.Equal(t, "null", structureSignature(nil, 0))
}

func TestHATEOASExtractionHAL(t *testing.T) {
	d := NewStateDetector()
	actions := d.DetectAvailableActions(map[string]any{
		"_links": map[string]any{
			"self":   map[string]any{"href": "/a"},
			"cancel": map[string]any{"href": "/a/cancel", "method": "POST"},
		},
	})

	require.Len(t, actions, 1)
	assert.Equal(t, "POST", actions[0].Method)
	assert.Equal(t, "/a/cancel", actions[0].Endpoint)
}

func TestHATEOASExtractionLinksArray(t *testing.T) {
	d := NewStateDetector()
	actions := d.DetectAvailableActions(map[string]any{
		"links": []any{
			map[string]any{"href": "/orders/1", "rel": "detail"},
			map[string]any{"url": "/orders/1/cancel", "rel": "cancel", "method": "post"},
			map[string]any{"href": "/orders/1", "rel": "self"},
		},
	})

	require.Len(t, actions, 2)
	assert.Equal(t, "GET", actions[0].Method)
	assert.Equal(t, "POST", actions[1].Method)
}

func TestHATEOASExtractionJSONAPIMethodFromRel(t *testing.T) {
	d := NewStateDetector()
	actions := d.DetectAvailableActions(map[string]any{
		"links": map[string]any{
			"self":   "/todos/1",
			"delete": "/todos/1",
			"update": map[string]any{"href": "/todos/1"},
			"next":   "/todos?page=2",
		},
	})

	methods := map[string]string{}
	for _, a := range actions {
		methods[a.Description] = a.Method
	}
	assert.Equal(t, map[string]string{"delete": "DELETE", "update": "PUT", "next": "GET"}, methods)
}

func TestHATEOASExtractionActionsArrayAndDedup(t *testing.T) {
	d := NewStateDetector()
	actions := d.DetectAvailableActions(map[string]any{
		"actions": []any{
			map[string]any{"endpoint": "/ship", "type": "post", "name": "ship"},
			map[string]any{"url": "/ship", "method": "POST", "title": "ship again"},
		},
	})

	require.Len(t, actions, 1, "deduplicated by (method, endpoint)")
	assert.Equal(t, "POST", actions[0].Method)
}

func TestDetectAuthState(t *testing.T) {
	d := NewStateDetector()

	auth := d.DetectAuthState(map[string]any{
		"access_token": "abc",
		"user":         map[string]any{"name": "ada", "roles": []any{"admin"}},
	})
	assert.True(t, auth.IsAuthenticated)
	assert.True(t, auth.HasToken)
	assert.Equal(t, "access_token", auth.TokenType)
	assert.Equal(t, []string{"admin"}, auth.Roles)

	nested := d.DetectAuthState(map[string]any{
		"data": map[string]any{"token": "abc"},
	})
	assert.True(t, nested.HasToken)

	anon := d.DetectAuthState(map[string]any{"title": "x"})
	assert.False(t, anon.IsAuthenticated)
}

func TestDetectEntityState(t *testing.T) {
	d := NewStateDetector()
	entity := d.DetectEntityState(map[string]any{
		"id":     float64(42),
		"status": "open",
		"title":  "buy milk",
		"tags":   []any{"home", "errand"},
	}, "/api/v1/todos/42")

	assert.Equal(t, "todo", entity.EntityType)
	assert.Equal(t, "42", entity.EntityID)
	assert.Equal(t, "open", entity.Status)
	assert.Equal(t, "buy milk", entity.Properties["title"])
	assert.Equal(t, 2, entity.Properties["tags_count"])
}

func TestIsSameState(t *testing.T) {
	d := NewStateDetector()
	a := &State{ID: "x", Properties: map[string]any{"status": "open"}}
	b := &State{ID: "x"}
	c := &State{ID: "y", Properties: map[string]any{"status": "open"}}
	e := &State{ID: "z", Properties: map[string]any{"status": "closed"}}

	assert.True(t, d.IsSameState(a, b))
	assert.True(t, d.IsSameState(a, c), "equal state-key fields")
	assert.False(t, d.IsSameState(a, e))
}

func TestDetectStateMetadataSubStates(t *testing.T) {
	d := NewStateDetector()
	state := d.DetectState(map[string]any{
		"id":    float64(1),
		"token": "t",
	}, "/todos/1", "GET")

	require.Contains(t, state.Metadata, "auth_state")
	require.Contains(t, state.Metadata, "entity_state")
	assert.Equal(t, "/todos/1", state.Metadata["endpoint"])
}

func TestClearCache(t *testing.T) {
	d := NewStateDetector()
	s := d.DetectState(map[string]any{"id": float64(1)}, "/a", "GET")
	require.NotNil(t, d.KnownState(s.ID))
	d.ClearCache()
	assert.Nil(t, d.KnownState(s.ID))
	assert.Empty(t, d.KnownStates())
}
