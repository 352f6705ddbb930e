package explorer

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// ExplorerOption configures a StateExplorer.
type ExplorerOption func(*StateExplorer)

// WithLogger sets the logger shared by the explorer's components.
func WithLogger(log zerolog.Logger) ExplorerOption {
	return func(x *StateExplorer) { x.log = log }
}

// WithExplorerExecutor injects a custom executor instead of the built-in
// HTTP client.
func WithExplorerExecutor(executor Executor) ExplorerOption {
	return func(x *StateExplorer) { x.executor = executor }
}

// WithConformanceChecks toggles the post-run response-schema validation.
// It is on by default and only has an effect when the spec the endpoints
// were discovered from declared response schemas.
func WithConformanceChecks(enabled bool) ExplorerOption {
	return func(x *StateExplorer) { x.conformance = enabled }
}

// WithSeed fixes the PRNG seed for the random strategy.
func WithSeed(seed int64) ExplorerOption {
	return func(x *StateExplorer) { x.rng = rand.New(rand.NewSource(seed)) }
}

// StateExplorer wires the discoverer, detector and engine into the full
// workflow: discover endpoints, explore from an initial state, collect
// issues, and assemble the result.
type StateExplorer struct {
	baseURL  string
	config   ExplorationConfig
	strategy Strategy

	Discoverer *Discoverer
	Detector   *StateDetector

	executor    Executor
	log         zerolog.Logger
	rng         *rand.Rand
	conformance bool

	engine       *Engine
	initialState *State
	result       *ExplorationResult
}

// NewStateExplorer creates an explorer for the given API base URL.
func NewStateExplorer(baseURL string, config ExplorationConfig, strategy Strategy, opts ...ExplorerOption) *StateExplorer {
	x := &StateExplorer{
		baseURL:     baseURL,
		config:      config,
		strategy:    strategy,
		Discoverer:  NewDiscoverer(baseURL, config),
		Detector:    NewStateDetector(),
		log:         zerolog.Nop(),
		conformance: true,
	}
	for _, opt := range opts {
		opt(x)
	}
	x.engine = x.newEngine()
	return x
}

func (x *StateExplorer) newEngine() *Engine {
	opts := []EngineOption{
		WithDetector(DetectorFunc(func(response map[string]any, endpoint string, statusCode int) *State {
			return x.Detector.DetectState(response, endpoint, "")
		})),
		WithEngineLogger(x.log),
	}
	if x.executor != nil {
		opts = append(opts, WithExecutor(x.executor))
	}
	if x.rng != nil {
		opts = append(opts, WithRand(x.rng))
	}
	return NewEngine(x.baseURL, x.config, x.strategy, opts...)
}

// Engine exposes the underlying engine, mainly for inspection in tests.
func (x *StateExplorer) Engine() *Engine { return x.engine }

// DiscoverEndpoints parses a specification (map, JSON/YAML text, or file
// path) into seed actions. Only an invalid top level is an error.
func (x *StateExplorer) DiscoverEndpoints(spec any) ([]Action, error) {
	return x.Discoverer.ParseOpenAPISpec(spec)
}

// AddSeedEndpoint registers a single (method, path) seed.
func (x *StateExplorer) AddSeedEndpoint(method, path string) {
	x.Discoverer.AddSeedEndpoints([][2]string{{method, path}})
}

// AddStateKeyField adds a field used for state identity.
func (x *StateExplorer) AddStateKeyField(field string) {
	x.Detector.AddStateKeyField(field)
}

// SetInitialState fixes the state exploration starts from.
func (x *StateExplorer) SetInitialState(state *State) {
	x.initialState = state
}

// Explore runs the full exploration and assembles the result. Per-action
// failures surface as issues on the result, never as an error; a graph
// invariant violation marks the result failed and fills its Error field.
func (x *StateExplorer) Explore(ctx context.Context, initialActions []Action) (*ExplorationResult, error) {
	startedAt := time.Now()
	success := true
	errMsg := ""

	initial := x.initialState
	if initial == nil {
		initial = &State{
			ID:           "initial",
			Name:         "Initial",
			Properties:   map[string]any{"authenticated": x.config.AuthToken != ""},
			DiscoveredAt: startedAt,
		}
	}

	if len(initialActions) == 0 {
		initialActions = x.Discoverer.DiscoveredActions()
	}

	if _, err := x.engine.Explore(ctx, initial, initialActions); err != nil {
		success = false
		errMsg = err.Error()
	}

	issues := append([]Issue(nil), x.engine.Issues()...)
	if err := x.engine.Graph().Validate(); err != nil {
		success = false
		errMsg = err.Error()
	}
	if x.conformance {
		issues = append(issues, CheckConformance(x.engine.Graph(), x.Discoverer.ResponseSchemas())...)
	}

	finishedAt := time.Now()
	x.result = &ExplorationResult{
		RunID:          newRunID(),
		Graph:          x.engine.Graph(),
		Issues:         issues,
		Coverage:       x.engine.CoverageReport(),
		Duration:       finishedAt.Sub(startedAt),
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
		Config:         x.config,
		Error:          errMsg,
		Success:        success,
		SkippedActions: x.engine.SkippedActions(),
		ChainStates:    x.engine.ChainStates(),
	}

	x.log.Info().
		Int("states", x.result.Coverage.StatesFound).
		Int("transitions", x.result.Coverage.TransitionsFound).
		Float64("coverage", x.result.Coverage.CoveragePercent).
		Msg("exploration finished")

	return x.result, nil
}

// Result returns the latest exploration result, or nil.
func (x *StateExplorer) Result() *ExplorationResult { return x.result }

// Graph returns the latest state graph, or nil.
func (x *StateExplorer) Graph() *StateGraph {
	if x.result == nil {
		return nil
	}
	return x.result.Graph
}

// Issues returns the latest run's issues.
func (x *StateExplorer) Issues() []Issue {
	if x.result == nil {
		return nil
	}
	return x.result.Issues
}

// Coverage returns the latest coverage report, or nil.
func (x *StateExplorer) Coverage() *CoverageReport {
	if x.result == nil {
		return nil
	}
	coverage := x.result.Coverage
	return &coverage
}

// Reset clears all run state so the explorer can be reused.
func (x *StateExplorer) Reset() {
	x.initialState = nil
	x.result = nil
	x.Detector.ClearCache()
	x.Discoverer.Clear()
	x.engine = x.newEngine()
}
