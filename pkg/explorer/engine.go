package explorer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Detector turns a response into a State. Returning nil is permitted and
// triggers the engine's fallback state synthesis.
type Detector interface {
	Detect(response map[string]any, endpoint string, statusCode int) *State
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(response map[string]any, endpoint string, statusCode int) *State

// Detect implements Detector.
func (f DetectorFunc) Detect(response map[string]any, endpoint string, statusCode int) *State {
	return f(response, endpoint, statusCode)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExecutor injects the executor used to run actions. Without one, the
// engine creates and owns a built-in HTTP executor.
func WithExecutor(executor Executor) EngineOption {
	return func(e *Engine) { e.executor = executor }
}

// WithDetector injects the state detector.
func WithDetector(detector Detector) EngineOption {
	return func(e *Engine) { e.detector = detector }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithRand injects the PRNG driving the random strategy, for deterministic
// runs under test.
func WithRand(rng *rand.Rand) EngineOption {
	return func(e *Engine) { e.rng = rng }
}

// Engine drives the exploration: it manages the frontier for the chosen
// strategy, executes actions through the injected Executor, threads the
// branch context through substitution and extraction, enforces the
// depth/state/transition/time budgets, and records transitions and issues.
//
// An Engine instance is single-use per run and not safe for concurrent
// exploration; its graph, visited sets and issue list must not be touched by
// callers while Explore runs.
type Engine struct {
	config   ExplorationConfig
	strategy Strategy
	baseURL  string

	executor     Executor
	ownsExecutor bool
	detector     Detector
	log          zerolog.Logger
	rng          *rand.Rand

	graph               *StateGraph
	issues              []Issue
	visitedStates       map[StateID]struct{}
	visitedTransitions  map[string]struct{}
	attemptedActions    map[string]struct{}
	allDiscovered       map[string]Action
	executed            map[string]Action
	skipped             []Action
	skippedKeys         map[string]struct{}
	chainStates         map[StateID]ChainState
	seedActions         []Action
	currentDepth        int
	deadline            time.Time
}

// NewEngine builds an engine for the given base URL, config and strategy.
func NewEngine(baseURL string, config ExplorationConfig, strategy Strategy, opts ...EngineOption) *Engine {
	e := &Engine{
		config:   config,
		strategy: strategy,
		baseURL:  baseURL,
		log:      zerolog.Nop(),
	}
	e.resetState()
	for _, opt := range opts {
		opt(e)
	}
	if e.executor == nil {
		e.executor = NewHTTPExecutor(baseURL, config)
		e.ownsExecutor = true
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

func (e *Engine) resetState() {
	e.graph = NewStateGraph()
	e.issues = nil
	e.visitedStates = make(map[StateID]struct{})
	e.visitedTransitions = make(map[string]struct{})
	e.attemptedActions = make(map[string]struct{})
	e.allDiscovered = make(map[string]Action)
	e.executed = make(map[string]Action)
	e.skipped = nil
	e.skippedKeys = make(map[string]struct{})
	e.chainStates = make(map[StateID]ChainState)
	e.seedActions = nil
	e.currentDepth = 0
}

// Reset prepares the engine for a new run.
func (e *Engine) Reset() {
	e.resetState()
}

// Graph returns the state graph being built.
func (e *Engine) Graph() *StateGraph { return e.graph }

// Issues returns the issues recorded so far.
func (e *Engine) Issues() []Issue { return e.issues }

// SkippedActions returns actions dropped because a placeholder could not be
// substituted from the branch context.
func (e *Engine) SkippedActions() []Action { return e.skipped }

// ChainStates returns the per-branch bookkeeping keyed by state id.
func (e *Engine) ChainStates() map[StateID]ChainState { return e.chainStates }

// Explore traverses the state space starting at initialState, trying
// initialActions in addition to the state's own available actions, and
// returns the resulting graph. Per-action failures never propagate; they
// become issues and failed transitions.
func (e *Engine) Explore(ctx context.Context, initialState *State, initialActions []Action) (*StateGraph, error) {
	e.graph.AddState(initialState)
	e.visitedStates[initialState.ID] = struct{}{}

	for _, action := range initialState.AvailableActions {
		e.allDiscovered[action.Key()] = action
	}
	for _, action := range initialActions {
		found := false
		for _, existing := range initialState.AvailableActions {
			if existing.Same(action) {
				found = true
				break
			}
		}
		if !found {
			initialState.AvailableActions = append(initialState.AvailableActions, action)
			e.allDiscovered[action.Key()] = action
		}
	}

	// Seed actions stay candidates from every state until executed once:
	// a template like GET /todos/{todoId} is unusable from the initial
	// state but fires as soon as some branch has extracted a todo_id.
	e.seedActions = append([]Action(nil), initialState.AvailableActions...)

	e.deadline = time.Now().Add(time.Duration(e.config.TimeoutSeconds) * time.Second)
	initial := frontierEntry{state: initialState, depth: 0, ctx: NewContext()}
	e.chainStates[initialState.ID] = ChainState{
		State:   initialState,
		Name:    initialState.Name,
		Context: initial.ctx.Data(),
		Depth:   0,
	}

	defer func() {
		if closer, ok := e.executor.(interface{ Close() }); ok && e.ownsExecutor {
			closer.Close()
		}
	}()

	switch e.strategy {
	case StrategyDFS:
		e.exploreFrontier(ctx, newFrontier(StrategyDFS, e.unexploredCount), initial, true)
	case StrategyRandom:
		e.exploreRandom(ctx, initial)
	case StrategyGreedy:
		e.exploreFrontier(ctx, newFrontier(StrategyGreedy, e.unexploredCount), initial, false)
	case StrategyHybrid:
		e.exploreHybrid(ctx, initial)
	default:
		e.exploreFrontier(ctx, newFrontier(StrategyBFS, e.unexploredCount), initial, false)
	}

	return e.graph, nil
}

// Discovery is the outcome of one executed action: the successor state,
// the recorded transition, and the branch context extended by extraction.
type Discovery struct {
	State      *State
	Transition Transition
	Context    *Context

	isNew bool
}

// ExploreFromState executes every admissible, untried action of a state and
// returns what was discovered. Budgets are checked before and after each
// action.
func (e *Engine) ExploreFromState(ctx context.Context, state *State, depth int, branch *Context) []Discovery {
	var discovered []Discovery

	if depth >= e.config.MaxDepth {
		e.log.Debug().Int("max_depth", e.config.MaxDepth).Str("state", state.ID).Msg("max depth reached")
		return discovered
	}
	if !e.withinBudgets(ctx) {
		return discovered
	}
	if depth > e.currentDepth {
		e.currentDepth = depth
	}

	for _, action := range e.candidateActions(state) {
		result, ok := e.ExecuteAction(ctx, action, state, depth, branch)
		if ok {
			discovered = append(discovered, result)
			e.markVisited(state.ID, action, result.State.ID)
			e.executed[action.Key()] = action
			for _, newAction := range result.State.AvailableActions {
				e.allDiscovered[newAction.Key()] = newAction
			}
		}

		if !e.withinBudgets(ctx) {
			break
		}
	}

	return discovered
}

// ExecuteAction substitutes the action's endpoint from the branch context,
// runs it through the executor, and records the transition (and any issue)
// regardless of outcome. The bool is false when substitution failed and the
// action was skipped; no transition is recorded then.
func (e *Engine) ExecuteAction(ctx context.Context, action Action, fromState *State, depth int, branch *Context) (Discovery, bool) {
	concrete := action
	if HasUnresolvedPlaceholders(action.Endpoint) {
		resolved, ok := SubstitutePathParams(action.Endpoint, branch)
		if !ok {
			e.recordSkipped(action)
			return Discovery{}, false
		}
		concrete = action.WithEndpoint(resolved)
	}

	start := time.Now()
	var (
		body       map[string]any
		rawBody    any
		statusCode int
		errMsg     string
	)
	success := true

	resp, err := e.executor.Execute(ctx, concrete)
	switch {
	case err != nil:
		success = false
		errMsg = err.Error()
		severity := SeverityHigh
		suggestion := ""
		if errors.Is(err, ErrRequestTimeout) {
			severity = SeverityMedium
			suggestion = "Consider increasing the request timeout"
		}
		e.recordIssue(severity, fmt.Sprintf("Failed to execute %s %s: %v", concrete.Method, concrete.Endpoint, err), fromState.ID, &concrete, suggestion)
	default:
		statusCode = resp.StatusCode
		rawBody = resp.Body
		body = resp.BodyMap()
		if statusCode >= 400 {
			success = false
			errMsg = fmt.Sprintf("HTTP %d", statusCode)
			severity := SeverityMedium
			if statusCode >= 500 {
				severity = SeverityHigh
			}
			e.recordIssue(severity,
				fmt.Sprintf("Action %s %s returned %d", concrete.Method, concrete.Endpoint, statusCode),
				fromState.ID, &concrete,
				"Check if the endpoint requires authentication or different parameters")
		}
	}
	durationMs := float64(time.Since(start)) / float64(time.Millisecond)

	next := branch.Copy()
	ExtractContextFromResponse(body, concrete.Endpoint, next)

	var resultState *State
	if e.detector != nil {
		resultState = e.detector.Detect(body, concrete.Endpoint, statusCode)
	}
	if resultState == nil {
		resultState = e.fallbackState(concrete, body, statusCode, success, next)
	}

	isNew := false
	if _, seen := e.visitedStates[resultState.ID]; !seen {
		e.graph.AddState(resultState)
		e.visitedStates[resultState.ID] = struct{}{}
		isNew = true
	}
	if _, tracked := e.chainStates[resultState.ID]; !tracked || isNew {
		e.chainStates[resultState.ID] = ChainState{
			State:        resultState,
			Name:         GenerateStateName(next, body),
			Context:      next.Data(),
			Depth:        depth + 1,
			ParentAction: &concrete,
		}
	}

	transition := Transition{
		FromState:    fromState.ID,
		Action:       concrete,
		ToState:      resultState.ID,
		Response:     rawBody,
		StatusCode:   statusCode,
		DurationMs:   durationMs,
		Success:      success,
		Error:        errMsg,
		DiscoveredAt: time.Now(),
	}
	e.graph.AddTransition(transition)

	return Discovery{State: resultState, Transition: transition, Context: next, isNew: isNew}, true
}

// fallbackState synthesizes a state when the detector declined: an error
// state keyed by status and endpoint on failure, or a shape-keyed state on
// success, seeded with whatever links the response carries.
func (e *Engine) fallbackState(action Action, body map[string]any, statusCode int, success bool, branch *Context) *State {
	endpointKey := strings.ReplaceAll(action.Endpoint, "/", "_")

	var id, name string
	if !success {
		id = fmt.Sprintf("error_%d_%s", statusCode, endpointKey)
		name = fmt.Sprintf("Error State (%d)", statusCode)
	} else {
		id = fmt.Sprintf("state_%s_%s", endpointKey, keysHash(body))
		name = fmt.Sprintf("State after %s %s", action.Method, action.Endpoint)
	}
	if branch != nil {
		if chainName := GenerateStateName(branch, body); chainName != "" {
			name = chainName
		}
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &State{
		ID:               id,
		Name:             name,
		Properties:       map[string]any{"status_code": statusCode, "success": success, "from_action": action.Method + " " + action.Endpoint},
		AvailableActions: fallbackLinks(body),
		Metadata:         map[string]any{"response_keys": keys},
		DiscoveredAt:     time.Now(),
	}
}

// fallbackLinks reads _links or links from a response for fallback states.
func fallbackLinks(body map[string]any) []Action {
	links, ok := body["_links"]
	if !ok {
		links = body["links"]
	}
	switch v := links.(type) {
	case map[string]any:
		rels := make([]string, 0, len(v))
		for rel := range v {
			rels = append(rels, rel)
		}
		sort.Strings(rels)
		var actions []Action
		for _, rel := range rels {
			switch link := v[rel].(type) {
			case map[string]any:
				if href, ok := link["href"].(string); ok {
					actions = append(actions, Action{
						Method:      upperMethod(stringOr(link["method"], "GET")),
						Endpoint:    href,
						Description: rel,
					})
				}
			case string:
				actions = append(actions, Action{Method: "GET", Endpoint: link, Description: rel})
			}
		}
		return actions
	case []any:
		var actions []Action
		for _, item := range v {
			link, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if href, ok := link["href"].(string); ok {
				actions = append(actions, Action{
					Method:      upperMethod(stringOr(link["method"], "GET")),
					Endpoint:    href,
					Description: stringOr(link["rel"], ""),
				})
			}
		}
		return actions
	}
	return nil
}

func keysHash(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return shortHash(strings.Join(keys, ","))
}

// exploreFrontier runs the queue/stack/heap strategies. For DFS, discovered
// children are pushed in reversed order so left-to-right exploration is
// preserved when the stack pops them.
func (e *Engine) exploreFrontier(ctx context.Context, f frontier, initial frontierEntry, reversed bool) {
	f.insert(initial)

	for f.size() > 0 {
		if !e.withinBudgets(ctx) {
			e.log.Info().Str("strategy", string(e.strategy)).Msg("exploration budgets reached")
			break
		}

		entry, ok := f.next()
		if !ok {
			break
		}
		if entry.depth >= e.config.MaxDepth {
			continue
		}

		discovered := e.ExploreFromState(ctx, entry.state, entry.depth, entry.ctx)

		order := discovered
		if reversed {
			order = make([]Discovery, len(discovered))
			for i, d := range discovered {
				order[len(discovered)-1-i] = d
			}
		}
		for _, d := range order {
			if d.isNew {
				f.insert(frontierEntry{state: d.State, depth: entry.depth + 1, ctx: d.Context})
				continue
			}
			if reversed {
				continue
			}
			// Already visited, but untried actions remain: give it
			// another turn.
			if e.unexploredCount(d.State) > 0 {
				f.insert(frontierEntry{state: d.State, depth: entry.depth + 1, ctx: d.Context})
			}
		}
	}
}

// exploreRandom walks randomly: from the current state it picks uniformly
// among untried actions; when none remain it jumps to a random visited
// state and the depth rolls over. The loop is capped at 2 x max_states
// iterations.
func (e *Engine) exploreRandom(ctx context.Context, initial frontierEntry) {
	current := initial
	maxIterations := e.config.MaxStates * 2

	for i := 0; i < maxIterations; i++ {
		if !e.withinBudgets(ctx) {
			break
		}
		if current.depth >= e.config.MaxDepth {
			current = frontierEntry{state: initial.state, depth: 0, ctx: initial.ctx}
			continue
		}

		untried := e.candidateActions(current.state)

		if len(untried) == 0 {
			if len(e.graph.States) == 0 {
				break
			}
			ids := make([]string, 0, len(e.graph.States))
			for id := range e.graph.States {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			target := ids[e.rng.Intn(len(ids))]
			next := frontierEntry{state: e.graph.States[target], depth: 0, ctx: NewContext()}
			if chain, ok := e.chainStates[target]; ok {
				restored := NewContext()
				restored.Update(chain.Context)
				next.ctx = restored.Copy()
			}
			current = next
			continue
		}

		action := untried[e.rng.Intn(len(untried))]
		result, ok := e.ExecuteAction(ctx, action, current.state, current.depth, current.ctx)
		if !ok {
			continue
		}
		e.markVisited(current.state.ID, action, result.State.ID)
		e.executed[action.Key()] = action
		for _, newAction := range result.State.AvailableActions {
			e.allDiscovered[newAction.Key()] = newAction
		}
		current = frontierEntry{state: result.State, depth: current.depth + 1, ctx: result.Context}
	}
}

// exploreHybrid runs a shallow BFS pass for breadth, then greedy with the
// full depth budget.
func (e *Engine) exploreHybrid(ctx context.Context, initial frontierEntry) {
	originalMaxDepth := e.config.MaxDepth
	if originalMaxDepth > 2 {
		e.config.MaxDepth = 2
	}
	e.exploreFrontier(ctx, newFrontier(StrategyBFS, e.unexploredCount), initial, false)

	e.config.MaxDepth = originalMaxDepth
	e.exploreFrontier(ctx, newFrontier(StrategyGreedy, e.unexploredCount), initial, false)
}

// shouldExploreAction applies the engine's admission patterns: substring or
// prefix matches on the endpoint.
func (e *Engine) shouldExploreAction(action Action) bool {
	endpoint := action.Endpoint
	for _, pattern := range e.config.ExcludePatterns {
		if strings.Contains(endpoint, pattern) || strings.HasPrefix(endpoint, pattern) {
			return false
		}
	}
	if len(e.config.IncludePatterns) > 0 {
		for _, pattern := range e.config.IncludePatterns {
			if strings.Contains(endpoint, pattern) || strings.HasPrefix(endpoint, pattern) {
				return true
			}
		}
		return false
	}
	return true
}

// candidateActions lists what may run from a state: its own admissible,
// untried actions plus any seed action not yet executed anywhere.
func (e *Engine) candidateActions(state *State) []Action {
	var out []Action
	present := make(map[string]struct{})
	for _, action := range state.AvailableActions {
		if !e.shouldExploreAction(action) {
			continue
		}
		if _, tried := e.attemptedActions[attemptKey(state.ID, action)]; tried {
			continue
		}
		present[action.Key()] = struct{}{}
		out = append(out, action)
	}
	for _, action := range e.seedActions {
		key := action.Key()
		if _, dup := present[key]; dup {
			continue
		}
		if _, ran := e.executed[key]; ran {
			continue
		}
		if !e.shouldExploreAction(action) {
			continue
		}
		if _, tried := e.attemptedActions[attemptKey(state.ID, action)]; tried {
			continue
		}
		out = append(out, action)
	}
	return out
}

func (e *Engine) unexploredCount(state *State) int {
	return len(e.candidateActions(state))
}

func attemptKey(stateID StateID, action Action) string {
	return stateID + "\x00" + action.Method + ":" + action.Endpoint
}

func (e *Engine) markVisited(from StateID, action Action, to StateID) {
	e.attemptedActions[attemptKey(from, action)] = struct{}{}
	e.visitedTransitions[from+"\x00"+action.Method+":"+action.Endpoint+"\x00"+to] = struct{}{}
}

func (e *Engine) recordSkipped(action Action) {
	key := action.Key()
	if _, ok := e.skippedKeys[key]; ok {
		return
	}
	e.skippedKeys[key] = struct{}{}
	e.skipped = append(e.skipped, action)
	e.log.Debug().Str("endpoint", action.Endpoint).Msg("skipping action with unresolved placeholders")
}

func (e *Engine) recordIssue(severity IssueSeverity, errMsg string, state StateID, action *Action, suggestion string) {
	e.issues = append(e.issues, Issue{
		Severity:     severity,
		State:        state,
		Action:       action,
		Error:        errMsg,
		Suggestion:   suggestion,
		DiscoveredAt: time.Now(),
	})
}

// withinBudgets reports whether exploration may continue: state, transition
// and depth budgets plus the wall clock and caller cancellation.
func (e *Engine) withinBudgets(ctx context.Context) bool {
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	if !e.deadline.IsZero() && time.Now().After(e.deadline) {
		return false
	}
	if len(e.visitedStates) >= e.config.MaxStates {
		return false
	}
	if len(e.visitedTransitions) >= e.config.MaxTransitions {
		return false
	}
	if e.currentDepth >= e.config.MaxDepth {
		return false
	}
	return true
}

// CoverageReport computes the coverage metrics from the engine's own
// bookkeeping.
func (e *Engine) CoverageReport() CoverageReport {
	discovered := make(map[string]struct{})
	tested := make(map[string]struct{})
	for _, action := range e.allDiscovered {
		discovered[action.Endpoint] = struct{}{}
	}
	for _, action := range e.executed {
		tested[action.Endpoint] = struct{}{}
	}

	coverage := 0.0
	if len(discovered) > 0 {
		coverage = float64(len(tested)) / float64(len(discovered)) * 100
		if coverage > 100 {
			coverage = 100
		}
	}

	keys := make([]string, 0, len(e.allDiscovered))
	for key := range e.allDiscovered {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var uncovered []Action
	for _, key := range keys {
		if _, ok := e.executed[key]; !ok {
			uncovered = append(uncovered, e.allDiscovered[key])
		}
	}

	stateBreakdown := make(map[string]int)
	for _, state := range e.graph.States {
		bucket := "success"
		if v, ok := state.Properties["success"].(bool); ok && !v {
			bucket = "error"
		}
		stateBreakdown[bucket]++
	}
	transitionBreakdown := make(map[string]int)
	for _, t := range e.graph.Transitions {
		if t.Success {
			transitionBreakdown["success"]++
		} else {
			transitionBreakdown["failed"]++
		}
	}

	return CoverageReport{
		StatesFound:         len(e.visitedStates),
		TransitionsFound:    len(e.visitedTransitions),
		EndpointsDiscovered: len(discovered),
		EndpointsTested:     len(tested),
		CoveragePercent:     coverage,
		UncoveredActions:    uncovered,
		StateBreakdown:      stateBreakdown,
		TransitionBreakdown: transitionBreakdown,
	}
}
