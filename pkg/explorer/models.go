// Package explorer implements automated state-space exploration of HTTP/JSON
// APIs. It discovers endpoints from OpenAPI/Swagger specifications or Postman
// collections, executes actions against a live API, infers application states
// from responses, and builds a directed graph of states and transitions.
package explorer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StateID identifies a state in the graph.
type StateID = string

// IssueSeverity is the severity level of a discovered issue.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
	SeverityInfo     IssueSeverity = "info"
)

// PathParamsKey is the reserved params key holding example values for path
// placeholders. It is never sent on the wire.
const PathParamsKey = "_path_params"

// Action represents an API request that can trigger a state transition.
// Actions are value objects: once emitted they are never mutated. When a
// placeholder endpoint is substituted, a new Action is produced.
type Action struct {
	Method       string            `json:"method"`
	Endpoint     string            `json:"endpoint"`
	Params       map[string]any    `json:"params,omitempty"`
	Body         any               `json:"body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Description  string            `json:"description,omitempty"`
	RequiresAuth bool              `json:"requires_auth"`
}

// NewAction builds an action with the method uppercased.
func NewAction(method, endpoint string) Action {
	return Action{Method: upperMethod(method), Endpoint: endpoint}
}

func upperMethod(m string) string {
	up := make([]byte, len(m))
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		up[i] = c
	}
	return string(up)
}

// Key returns the identity of the action: method, endpoint, params and body.
// Two actions with the same key are the same action for deduplication
// purposes. Map serialization through encoding/json is key-sorted, so the
// key is deterministic.
func (a Action) Key() string {
	return fmt.Sprintf("%s %s %s %s", a.Method, a.Endpoint, mustJSON(a.Params), mustJSON(a.Body))
}

// Same reports whether two actions have equal identity.
func (a Action) Same(other Action) bool {
	return a.Key() == other.Key()
}

// WithEndpoint returns a copy of the action pointing at a concrete endpoint.
func (a Action) WithEndpoint(endpoint string) Action {
	b := a
	b.Endpoint = endpoint
	return b
}

func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// State captures a snapshot of the application: a stable fingerprint id,
// a human-readable name, scalar properties, and the actions reachable from it.
type State struct {
	ID               StateID        `json:"id"`
	Name             string         `json:"name"`
	Properties       map[string]any `json:"properties,omitempty"`
	AvailableActions []Action       `json:"available_actions,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	DiscoveredAt     time.Time      `json:"discovered_at"`
}

// Same reports state equality, which is identity of the fingerprint id.
func (s *State) Same(other *State) bool {
	return other != nil && s.ID == other.ID
}

// Transition is a directed edge in the state graph: performing an action
// from one state produced another.
type Transition struct {
	FromState    StateID   `json:"from_state"`
	Action       Action    `json:"action"`
	ToState      StateID   `json:"to_state"`
	Response     any       `json:"response,omitempty"`
	StatusCode   int       `json:"status_code,omitempty"`
	DurationMs   float64   `json:"duration_ms,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

func (t Transition) key() string {
	return t.FromState + "\x00" + t.Action.Key() + "\x00" + t.ToState
}

// StateGraph owns the discovered states and transitions.
//
// Invariants: every transition endpoint is a key of States (placeholder
// states are auto-created when a transition references an unknown id);
// duplicate transitions (same from, action, to) are suppressed; the first
// state added becomes the initial state and is never reassigned.
type StateGraph struct {
	States       map[StateID]*State `json:"states"`
	Transitions  []Transition       `json:"transitions"`
	InitialState StateID            `json:"initial_state,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`

	seen map[string]struct{}
}

// NewStateGraph returns an empty graph.
func NewStateGraph() *StateGraph {
	return &StateGraph{
		States: make(map[StateID]*State),
		seen:   make(map[string]struct{}),
	}
}

// AddState adds or replaces a state. The first state added is pinned as the
// graph's initial state.
func (g *StateGraph) AddState(state *State) {
	g.States[state.ID] = state
	if g.InitialState == "" {
		g.InitialState = state.ID
	}
}

// AddTransition appends a transition, creating minimal placeholder states
// for unknown endpoints and dropping exact duplicates.
func (g *StateGraph) AddTransition(t Transition) {
	if _, ok := g.States[t.FromState]; !ok {
		g.AddState(&State{ID: t.FromState, Name: "State_" + t.FromState})
	}
	if _, ok := g.States[t.ToState]; !ok {
		g.AddState(&State{ID: t.ToState, Name: "State_" + t.ToState})
	}
	if g.seen == nil {
		g.seen = make(map[string]struct{})
	}
	key := t.key()
	if _, dup := g.seen[key]; dup {
		return
	}
	g.seen[key] = struct{}{}
	g.Transitions = append(g.Transitions, t)
}

// GetState looks a state up by id.
func (g *StateGraph) GetState(id StateID) *State {
	return g.States[id]
}

// Neighbors returns the ids reachable from a state in one transition.
func (g *StateGraph) Neighbors(id StateID) []StateID {
	var out []StateID
	present := make(map[StateID]struct{})
	for _, t := range g.Transitions {
		if t.FromState != id {
			continue
		}
		if _, ok := present[t.ToState]; ok {
			continue
		}
		present[t.ToState] = struct{}{}
		out = append(out, t.ToState)
	}
	return out
}

// TransitionsFrom returns all transitions originating at a state.
func (g *StateGraph) TransitionsFrom(id StateID) []Transition {
	var out []Transition
	for _, t := range g.Transitions {
		if t.FromState == id {
			out = append(out, t)
		}
	}
	return out
}

// TransitionsTo returns all transitions arriving at a state.
func (g *StateGraph) TransitionsTo(id StateID) []Transition {
	var out []Transition
	for _, t := range g.Transitions {
		if t.ToState == id {
			out = append(out, t)
		}
	}
	return out
}

// AllActions returns the unique actions labeling transitions in the graph.
func (g *StateGraph) AllActions() []Action {
	var out []Action
	present := make(map[string]struct{})
	for _, t := range g.Transitions {
		key := t.Action.Key()
		if _, ok := present[key]; ok {
			continue
		}
		present[key] = struct{}{}
		out = append(out, t.Action)
	}
	return out
}

// HasPath reports whether a directed path exists between two states.
func (g *StateGraph) HasPath(from, to StateID) bool {
	if from == to {
		return true
	}
	visited := make(map[StateID]struct{})
	queue := []StateID{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == to {
			return true
		}
		if _, ok := visited[current]; ok {
			continue
		}
		visited[current] = struct{}{}
		queue = append(queue, g.Neighbors(current)...)
	}
	return false
}

// Validate checks graph well-formedness: every transition endpoint must be a
// known state. A violation aborts the run and surfaces on the result.
func (g *StateGraph) Validate() error {
	for _, t := range g.Transitions {
		if _, ok := g.States[t.FromState]; !ok {
			return fmt.Errorf("invariant violation: transition references unknown from_state %q", t.FromState)
		}
		if _, ok := g.States[t.ToState]; !ok {
			return fmt.Errorf("invariant violation: transition references unknown to_state %q", t.ToState)
		}
	}
	return nil
}

// Issue is a problem surfaced during exploration: an error status, a
// timeout, a transport failure, or a conformance mismatch.
type Issue struct {
	Severity     IssueSeverity  `json:"severity"`
	State        StateID        `json:"state,omitempty"`
	Action       *Action        `json:"action,omitempty"`
	Error        string         `json:"error"`
	Suggestion   string         `json:"suggestion,omitempty"`
	Category     string         `json:"category,omitempty"`
	ResponseData any            `json:"response_data,omitempty"`
	DiscoveredAt time.Time      `json:"discovered_at"`
}

// CoverageReport summarizes how much of the discovered surface was exercised.
type CoverageReport struct {
	StatesFound         int            `json:"states_found"`
	TransitionsFound    int            `json:"transitions_found"`
	EndpointsDiscovered int            `json:"endpoints_discovered"`
	EndpointsTested     int            `json:"endpoints_tested"`
	CoveragePercent     float64        `json:"coverage_percent"`
	UncoveredActions    []Action       `json:"uncovered_actions,omitempty"`
	StateBreakdown      map[string]int `json:"state_breakdown,omitempty"`
	TransitionBreakdown map[string]int `json:"transition_breakdown,omitempty"`
}

// ExplorationConfig controls budgets, filtering and transport behavior.
type ExplorationConfig struct {
	MaxDepth              int               `json:"max_depth" mapstructure:"max_depth"`
	MaxStates             int               `json:"max_states" mapstructure:"max_states"`
	MaxTransitions        int               `json:"max_transitions" mapstructure:"max_transitions"`
	TimeoutSeconds        int               `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	RequestTimeoutSeconds int               `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	IncludePatterns       []string          `json:"include_patterns,omitempty" mapstructure:"include_patterns"`
	ExcludePatterns       []string          `json:"exclude_patterns,omitempty" mapstructure:"exclude_patterns"`
	AuthToken             string            `json:"auth_token,omitempty" mapstructure:"auth_token"`
	Headers               map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	FollowRedirects       bool              `json:"follow_redirects" mapstructure:"follow_redirects"`
	VerifySSL             bool              `json:"verify_ssl" mapstructure:"verify_ssl"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() ExplorationConfig {
	return ExplorationConfig{
		MaxDepth:              10,
		MaxStates:             100,
		MaxTransitions:        500,
		TimeoutSeconds:        300,
		RequestTimeoutSeconds: 30,
		Headers:               map[string]string{},
		FollowRedirects:       true,
		VerifySSL:             true,
	}
}

// ChainState records the per-branch bookkeeping for one state reached
// through a context chain: the context accumulated on that branch, the depth
// it was first reached at, and the action that produced it.
type ChainState struct {
	State        *State         `json:"state"`
	Name         string         `json:"name"`
	Context      map[string]any `json:"context,omitempty"`
	Depth        int            `json:"depth"`
	ParentAction *Action        `json:"parent_action,omitempty"`
}

// ExplorationResult is the single output of one exploration run.
type ExplorationResult struct {
	RunID          string                 `json:"run_id"`
	Graph          *StateGraph            `json:"graph"`
	Issues         []Issue                `json:"issues,omitempty"`
	Coverage       CoverageReport         `json:"coverage"`
	Duration       time.Duration          `json:"duration_ns"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
	Config         ExplorationConfig      `json:"config"`
	Error          string                 `json:"error,omitempty"`
	Success        bool                   `json:"success"`
	SkippedActions []Action               `json:"skipped_actions,omitempty"`
	ChainStates    map[StateID]ChainState `json:"chain_states,omitempty"`
}

func newRunID() string {
	return uuid.NewString()
}

// CriticalIssues returns the critical-severity issues.
func (r *ExplorationResult) CriticalIssues() []Issue {
	return r.IssuesBySeverity(SeverityCritical)
}

// IssuesBySeverity filters issues by severity.
func (r *ExplorationResult) IssuesBySeverity(severity IssueSeverity) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			out = append(out, issue)
		}
	}
	return out
}
