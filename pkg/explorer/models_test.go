package explorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionKeyEquality(t *testing.T) {
	a := Action{Method: "POST", Endpoint: "/todos", Body: map[string]any{"title": "x"}}
	b := Action{Method: "POST", Endpoint: "/todos", Body: map[string]any{"title": "x"}}
	c := Action{Method: "POST", Endpoint: "/todos", Body: map[string]any{"title": "y"}}

	assert.True(t, a.Same(b))
	assert.False(t, a.Same(c))
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestActionKeyIgnoresHeaders(t *testing.T) {
	a := Action{Method: "GET", Endpoint: "/todos", Headers: map[string]string{"X-A": "1"}}
	b := Action{Method: "GET", Endpoint: "/todos", Headers: map[string]string{"X-A": "2"}}
	assert.True(t, a.Same(b))
}

func TestNewActionUppercasesMethod(t *testing.T) {
	assert.Equal(t, "DELETE", NewAction("delete", "/todos/1").Method)
}

func TestWithEndpointDoesNotMutate(t *testing.T) {
	a := Action{Method: "GET", Endpoint: "/todos/{todoId}"}
	b := a.WithEndpoint("/todos/42")
	assert.Equal(t, "/todos/{todoId}", a.Endpoint)
	assert.Equal(t, "/todos/42", b.Endpoint)
}

func TestStateGraphInitialStatePinned(t *testing.T) {
	g := NewStateGraph()
	g.AddState(&State{ID: "first", Name: "First"})
	g.AddState(&State{ID: "second", Name: "Second"})

	assert.Equal(t, "first", g.InitialState)
}

func TestStateGraphAddTransitionCreatesPlaceholders(t *testing.T) {
	g := NewStateGraph()
	g.AddTransition(Transition{
		FromState: "a",
		Action:    NewAction("GET", "/x"),
		ToState:   "b",
		Success:   true,
	})

	require.Contains(t, g.States, "a")
	require.Contains(t, g.States, "b")
	assert.Equal(t, "State_a", g.States["a"].Name)
	assert.NoError(t, g.Validate())
}

func TestStateGraphDeduplicatesTransitions(t *testing.T) {
	g := NewStateGraph()
	tr := Transition{FromState: "a", Action: NewAction("GET", "/x"), ToState: "b", Success: true}
	g.AddTransition(tr)
	g.AddTransition(tr)

	assert.Len(t, g.Transitions, 1)

	// Same edge, different action: kept.
	other := tr
	other.Action = NewAction("POST", "/x")
	g.AddTransition(other)
	assert.Len(t, g.Transitions, 2)
}

func TestStateGraphNeighborsAndPaths(t *testing.T) {
	g := NewStateGraph()
	g.AddTransition(Transition{FromState: "a", Action: NewAction("GET", "/1"), ToState: "b"})
	g.AddTransition(Transition{FromState: "b", Action: NewAction("GET", "/2"), ToState: "c"})
	g.AddTransition(Transition{FromState: "c", Action: NewAction("GET", "/3"), ToState: "a"})

	assert.Equal(t, []string{"b"}, g.Neighbors("a"))
	assert.True(t, g.HasPath("a", "c"))
	assert.True(t, g.HasPath("c", "b"))
	assert.False(t, g.HasPath("a", "missing"))
	assert.Len(t, g.TransitionsFrom("a"), 1)
	assert.Len(t, g.TransitionsTo("a"), 1)
	assert.Len(t, g.AllActions(), 3)
}

func TestStateGraphValidateDetectsUnknownStates(t *testing.T) {
	g := NewStateGraph()
	g.AddState(&State{ID: "a"})
	g.Transitions = append(g.Transitions, Transition{FromState: "a", ToState: "ghost"})

	assert.Error(t, g.Validate())
}

func TestResultIssueFilters(t *testing.T) {
	result := &ExplorationResult{
		Issues: []Issue{
			{Severity: SeverityCritical, Error: "boom"},
			{Severity: SeverityMedium, Error: "meh"},
			{Severity: SeverityCritical, Error: "boom2"},
		},
	}

	assert.Len(t, result.CriticalIssues(), 2)
	assert.Len(t, result.IssuesBySeverity(SeverityMedium), 1)
	assert.Empty(t, result.IssuesBySeverity(SeverityLow))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 10, config.MaxDepth)
	assert.Equal(t, 100, config.MaxStates)
	assert.Equal(t, 500, config.MaxTransitions)
	assert.Equal(t, 300, config.TimeoutSeconds)
	assert.Equal(t, 30, config.RequestTimeoutSeconds)
	assert.True(t, config.FollowRedirects)
	assert.True(t, config.VerifySSL)
}
