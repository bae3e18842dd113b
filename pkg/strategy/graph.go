package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/responder"
	"github.com/olehsavchenko/ava/pkg/session"
)

// StepEnd as an edge target terminates the graph.
const StepEnd = ""

// GraphState is the context threaded step to step. Handlers receive it by
// value and return the updated copy; there is no shared mutable state.
type GraphState struct {
	Query    string
	Context  string
	Response string
	Err      string
}

// StepHandler runs one step. It returns the updated state and an outcome
// label that selects the outgoing edge.
type StepHandler func(ctx context.Context, rt *GraphRuntime, state GraphState) (GraphState, string, error)

// Step is a named node with its outcome-labelled edges
type Step struct {
	Name  string
	Run   StepHandler
	Edges map[string]string
}

// GraphSpec declares a graph: the entry step and the step set. Cycles are
// allowed; the executor's step ceiling bounds them.
type GraphSpec struct {
	Entry string
	Steps []Step
}

// Graph walks an explicit directed graph of steps
type Graph struct {
	core
	entry string
	steps map[string]Step
}

// NewGraph creates a graph executor after validating the spec wiring
func NewGraph(opts Options, spec GraphSpec) (*Graph, error) {
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("graph has no steps")
	}

	steps := make(map[string]Step, len(spec.Steps))
	for _, step := range spec.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("graph step has no name")
		}
		if step.Run == nil {
			return nil, fmt.Errorf("graph step %s has no handler", step.Name)
		}
		if _, exists := steps[step.Name]; exists {
			return nil, fmt.Errorf("duplicate graph step: %s", step.Name)
		}
		steps[step.Name] = step
	}

	if _, ok := steps[spec.Entry]; !ok {
		return nil, fmt.Errorf("graph entry step %s does not exist", spec.Entry)
	}
	for _, step := range spec.Steps {
		for outcome, target := range step.Edges {
			if target == StepEnd {
				continue
			}
			if _, ok := steps[target]; !ok {
				return nil, fmt.Errorf("step %s edge %s targets unknown step %s", step.Name, outcome, target)
			}
		}
	}

	return &Graph{core: core{opts: opts}, entry: spec.Entry, steps: steps}, nil
}

// Name implements Executor
func (g *Graph) Name() string { return "graph" }

// Produce implements Executor
func (g *Graph) Produce(ctx context.Context, snapshot *session.Session, userText string, stream *responder.Stream) (session.Turn, error) {
	ctx, span := tracing.StartSpan(ctx, "strategy", "strategy.graph",
		attribute.String("session.id", snapshot.ID),
		attribute.String("entry", g.entry),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	agg := responder.NewAggregator()
	rt := &GraphRuntime{core: &g.core, snapshot: snapshot, agg: agg, stream: stream, budget: g.newBudget()}

	state := GraphState{Query: userText}
	current := g.entry

	for count := 0; count < g.opts.StepLimit; count++ {
		// Cancellation checkpoint between step transitions.
		select {
		case <-ctx.Done():
			return agg.Turn(session.TurnCancelled), nil
		default:
		}

		step := g.steps[current]
		logger.Debug().Str("step", current).Int("count", count).Msg("Running graph step")

		nextState, outcome, err := step.Run(ctx, rt, state)
		if err != nil {
			logger.Error().Err(err).Str("step", current).Msg("Graph step failed")
			return g.failTurn(agg, stream, fmt.Sprintf("The %s step failed: %v", current, err)), nil
		}
		state = nextState

		next, ok := step.Edges[outcome]
		if !ok {
			logger.Error().Str("step", current).Str("outcome", outcome).Msg("Graph step outcome has no edge")
			return g.failTurn(agg, stream, fmt.Sprintf("The %s step produced an unroutable outcome %q.", current, outcome)), nil
		}

		logger.Debug().Str("step", current).Str("outcome", outcome).Str("next", next).Msg("Graph step finished")

		if next == StepEnd {
			if state.Err != "" {
				return agg.Turn(session.TurnFailed), nil
			}
			return agg.Turn(session.TurnComplete), nil
		}
		current = next
	}

	logger.Warn().Int("step_limit", g.opts.StepLimit).Msg("Graph hit its step ceiling")
	note := fmt.Sprintf("I stopped after %d steps without finishing. Here is what I found so far.", g.opts.StepLimit)
	stream.EmitText(note)
	agg.AddText(note)
	return agg.Turn(session.TurnPartial), nil
}

// GraphRuntime is the facility surface handed to step handlers
type GraphRuntime struct {
	core     *core
	snapshot *session.Session
	agg      *responder.Aggregator
	stream   *responder.Stream
	budget   *callBudget
}

// Call executes a single tool call through the gateway, recording it on
// the turn and the stream
func (rt *GraphRuntime) Call(ctx context.Context, tool string, args map[string]interface{}) gateway.CallResult {
	return rt.CallParallel(ctx, []gateway.CallRequest{{Tool: tool, Arguments: args}})[0]
}

// CallParallel executes independent calls concurrently, each under its own
// timeout, and joins all results in request order. Calls past the turn
// budget are refused without reaching the gateway.
func (rt *GraphRuntime) CallParallel(ctx context.Context, reqs []gateway.CallRequest) []gateway.CallResult {
	for i := range reqs {
		if reqs[i].ID == "" {
			reqs[i].ID = newCallID()
		}
	}

	granted := rt.budget.take(len(reqs))
	for i := 0; i < granted; i++ {
		rt.stream.EmitToolEvent(responder.ToolEvent{CallID: reqs[i].ID, Tool: reqs[i].Tool, Status: "running"})
	}

	results := rt.core.opts.Gateway.ExecuteParallel(ctx, reqs[:granted])
	for _, req := range reqs[granted:] {
		results = append(results, refusedResult(req.ID))
	}

	for i, result := range results {
		rt.stream.EmitToolEvent(responder.ToolEvent{CallID: reqs[i].ID, Tool: reqs[i].Tool, Status: string(result.Status)})
		rt.agg.AddCall(session.CallRecord{
			ID:        reqs[i].ID,
			Tool:      reqs[i].Tool,
			Arguments: reqs[i].Arguments,
			Status:    string(result.Status),
			Error:     result.Error,
		})
	}
	return results
}

// Complete asks the model for text with the session history and the given
// prompt, no tools on offer
func (rt *GraphRuntime) Complete(ctx context.Context, prompt string) (string, error) {
	messages := rt.core.history(rt.snapshot, prompt)
	response, err := rt.core.complete(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return response.Text, nil
}

// Emit forwards text to the stream and the turn under construction
func (rt *GraphRuntime) Emit(text string) {
	emitText(text, rt.agg, rt.stream)
}

// DefaultGraph is the stock flow: route the query by keyword, gather
// context from the knowledge base or the record store, then synthesize an
// answer. Failures drain into the handle_error sink.
func DefaultGraph() GraphSpec {
	return GraphSpec{
		Entry: "analyze",
		Steps: []Step{
			{
				Name: "analyze",
				Run:  analyzeStep,
				Edges: map[string]string{
					"search":  "search_knowledge",
					"records": "query_records",
					"direct":  "respond",
					"error":   "handle_error",
				},
			},
			{
				Name: "search_knowledge",
				Run:  searchKnowledgeStep,
				Edges: map[string]string{
					"ok":    "respond",
					"error": "handle_error",
				},
			},
			{
				Name: "query_records",
				Run:  queryRecordsStep,
				Edges: map[string]string{
					"ok":    "respond",
					"error": "handle_error",
				},
			},
			{
				Name:  "respond",
				Run:   respondStep,
				Edges: map[string]string{"done": StepEnd, "error": "handle_error"},
			},
			{
				Name:  "handle_error",
				Run:   handleErrorStep,
				Edges: map[string]string{"done": StepEnd},
			},
		},
	}
}

var (
	searchHints = []string{"search", "find", "what is", "tell me about", "explain", "definition"}
	recordHints = []string{"user", "product", "database", "count", "list", "show"}
)

// analyzeStep picks a processing route from query keywords
func analyzeStep(_ context.Context, _ *GraphRuntime, state GraphState) (GraphState, string, error) {
	query := strings.ToLower(state.Query)
	for _, hint := range searchHints {
		if strings.Contains(query, hint) {
			return state, "search", nil
		}
	}
	for _, hint := range recordHints {
		if strings.Contains(query, hint) {
			return state, "records", nil
		}
	}
	return state, "direct", nil
}

// searchKnowledgeStep gathers context from the knowledge base
func searchKnowledgeStep(ctx context.Context, rt *GraphRuntime, state GraphState) (GraphState, string, error) {
	result := rt.Call(ctx, "knowledge_search", map[string]interface{}{
		"query": state.Query,
		"k":     3,
	})
	if !result.OK() {
		state.Err = result.Error
		return state, "error", nil
	}

	state.Context = "Knowledge base results:\n" + payloadText(result.Payload)
	return state, "ok", nil
}

// queryRecordsStep gathers context from the record store. When the query
// names no collection it fetches both counts, and those calls are
// independent so they run in parallel.
func queryRecordsStep(ctx context.Context, rt *GraphRuntime, state GraphState) (GraphState, string, error) {
	query := strings.ToLower(state.Query)

	switch {
	case strings.Contains(query, "user"):
		result := rt.Call(ctx, "records_query", map[string]interface{}{
			"collection": "users",
			"limit":      5,
		})
		if !result.OK() {
			state.Err = result.Error
			return state, "error", nil
		}
		state.Context = "Users in the record store:\n" + payloadText(result.Payload)

	case strings.Contains(query, "product"):
		result := rt.Call(ctx, "records_query", map[string]interface{}{
			"collection": "products",
			"limit":      5,
		})
		if !result.OK() {
			state.Err = result.Error
			return state, "error", nil
		}
		state.Context = "Products in the record store:\n" + payloadText(result.Payload)

	default:
		results := rt.CallParallel(ctx, []gateway.CallRequest{
			{Tool: "records_count", Arguments: map[string]interface{}{"collection": "users"}},
			{Tool: "records_count", Arguments: map[string]interface{}{"collection": "products"}},
		})
		for _, result := range results {
			if !result.OK() {
				state.Err = result.Error
				return state, "error", nil
			}
		}
		state.Context = fmt.Sprintf("Record store statistics:\nusers: %s\nproducts: %s",
			payloadText(results[0].Payload), payloadText(results[1].Payload))
	}

	return state, "ok", nil
}

// respondStep synthesizes the answer from the query and gathered context
func respondStep(ctx context.Context, rt *GraphRuntime, state GraphState) (GraphState, string, error) {
	prompt := state.Query
	if state.Context != "" {
		prompt = fmt.Sprintf("%s\n\nAvailable context:\n%s\n\nAnswer the question using the context above.", state.Query, state.Context)
	}

	text, err := rt.Complete(ctx, prompt)
	if err != nil {
		state.Err = err.Error()
		return state, "error", nil
	}

	state.Response = text
	rt.Emit(text)
	return state, "done", nil
}

// handleErrorStep is the sink that turns an accumulated error into an
// apologetic answer
func handleErrorStep(_ context.Context, rt *GraphRuntime, state GraphState) (GraphState, string, error) {
	state.Response = "I ran into a problem while answering: " + state.Err
	rt.Emit(state.Response)
	return state, "done", nil
}

// payloadText renders a tool payload for prompt context
func payloadText(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
