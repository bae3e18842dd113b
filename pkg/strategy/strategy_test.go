package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/model"
	"github.com/olehsavchenko/ava/pkg/registry"
	"github.com/olehsavchenko/ava/pkg/responder"
	"github.com/olehsavchenko/ava/pkg/session"
)

type scriptStep struct {
	response *model.Response
	err      error
}

// scriptedProvider replays a fixed sequence of responses. When the script
// runs out it repeats the last step, which models a backend that never
// changes its mind.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []scriptStep
	requests []model.Request
}

func (p *scriptedProvider) Complete(_ context.Context, request model.Request) (*model.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, request)

	if len(p.script) == 0 {
		return &model.Response{Text: "no script"}, nil
	}
	step := p.script[0]
	if len(p.script) > 1 {
		p.script = p.script[1:]
	}
	return step.response, step.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textResponse(text string) scriptStep {
	return scriptStep{response: &model.Response{Text: text}}
}

func toolResponse(calls ...model.ToolCall) scriptStep {
	return scriptStep{response: &model.Response{ToolCalls: calls}}
}

func echoTool(invocations *atomic.Int32) registry.Descriptor {
	return registry.Descriptor{
		Name:        "echo",
		Description: "Echo text back to the caller",
		Parameters: []registry.Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			invocations.Add(1)
			return args["text"], nil
		},
	}
}

func testOptions(t *testing.T, provider model.Provider, descriptors ...registry.Descriptor) Options {
	t.Helper()

	reg := registry.New()
	for _, desc := range descriptors {
		require.NoError(t, reg.Register(desc))
	}
	reg.Freeze()

	return Options{
		Provider:       provider,
		Gateway:        gateway.New(reg, gateway.Config{Timeout: 2 * time.Second}),
		Registry:       reg,
		MaxIterations:  3,
		MaxRetries:     2,
		StepLimit:      10,
		ToolCallBudget: 8,
	}
}

func snapshot(strategy string) *session.Session {
	return &session.Session{ID: "s1", Strategy: strategy}
}

func TestNew_UnknownStrategy(t *testing.T) {
	provider := &scriptedProvider{}
	opts := testOptions(t, provider)

	_, err := New("oracle", opts)
	assert.Error(t, err)

	for _, name := range []string{"direct", "agent", "graph"} {
		exec, err := New(name, opts)
		require.NoError(t, err)
		assert.Equal(t, name, exec.Name())
	}
}

func TestDirect_NoToolCall(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{textResponse("Just an answer.")}}
	exec, err := New("direct", testOptions(t, provider))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("direct"), "hello", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	assert.Equal(t, "Just an answer.", turn.Content)
	assert.Empty(t, turn.Calls)
	assert.Equal(t, 1, provider.requestCount())
}

func TestDirect_SingleToolRound(t *testing.T) {
	var invocations atomic.Int32
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(model.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}}),
		textResponse("The tool said ping."),
	}}
	exec, err := New("direct", testOptions(t, provider, echoTool(&invocations)))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("direct"), "echo ping", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	assert.Equal(t, "The tool said ping.", turn.Content)
	require.Len(t, turn.Calls, 1)
	assert.Equal(t, "echo", turn.Calls[0].Tool)
	assert.Equal(t, string(gateway.StatusSuccess), turn.Calls[0].Status)
	assert.Equal(t, int32(1), invocations.Load())

	// The final answer is requested with no tools on offer.
	require.Equal(t, 2, provider.requestCount())
	assert.Empty(t, provider.request(1).Tools)
	tool := provider.request(1).Messages[len(provider.request(1).Messages)-1]
	assert.Equal(t, session.RoleTool, tool.Role)
}

func TestDirect_NeverRunsSecondRound(t *testing.T) {
	var invocations atomic.Int32
	// The script repeats its last step, so the model keeps demanding tools.
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(model.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "one"}}),
	}}
	exec, err := New("direct", testOptions(t, provider, echoTool(&invocations)))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("direct"), "keep calling", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnFailed, turn.State)
	assert.Equal(t, int32(1), invocations.Load())
	require.Len(t, turn.Calls, 1)
}

func TestDirect_ToolCallBudget(t *testing.T) {
	var invocations atomic.Int32

	calls := make([]model.ToolCall, 5)
	for i := range calls {
		calls[i] = model.ToolCall{Name: "echo", Arguments: map[string]interface{}{"text": fmt.Sprintf("msg %d", i)}}
	}
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(calls...),
		textResponse("Echoed what I could."),
	}}

	opts := testOptions(t, provider, echoTool(&invocations))
	opts.ToolCallBudget = 3
	exec, err := New("direct", opts)
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("direct"), "echo a lot", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	// Only the budgeted calls reach their handlers.
	assert.Equal(t, int32(3), invocations.Load())
	require.Len(t, turn.Calls, 5)
	for _, call := range turn.Calls[:3] {
		assert.Equal(t, string(gateway.StatusSuccess), call.Status)
	}
	for _, call := range turn.Calls[3:] {
		assert.Equal(t, string(gateway.StatusFailure), call.Status)
		assert.Contains(t, call.Error, "budget exhausted")
	}
}

func TestDirect_CorrectiveRetryAfterValidation(t *testing.T) {
	var invocations atomic.Int32
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(model.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"wrong": "x"}}),
		toolResponse(model.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]interface{}{"text": "fixed"}}),
		textResponse("Echoed fixed."),
	}}
	exec, err := New("direct", testOptions(t, provider, echoTool(&invocations)))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("direct"), "echo something", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	assert.Equal(t, "Echoed fixed.", turn.Content)
	require.Len(t, turn.Calls, 2)
	assert.Equal(t, string(gateway.StatusFailure), turn.Calls[0].Status)
	assert.Equal(t, string(gateway.StatusSuccess), turn.Calls[1].Status)
	assert.Equal(t, int32(1), invocations.Load())
}

func TestDirect_ModelFailure(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{{err: errors.New("invalid api key")}}}
	exec, err := New("direct", testOptions(t, provider))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("direct"), "hello", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnFailed, turn.State)
	assert.Contains(t, turn.Content, "invalid api key")
	// Permanent errors are not retried.
	assert.Equal(t, 1, provider.requestCount())
}

func TestAgent_FinalAnswerWithToolResult(t *testing.T) {
	countProducts := registry.Descriptor{
		Name:        "count_products",
		Description: "Count products in stock",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"count": 42}, nil
		},
	}
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(model.ToolCall{ID: "c1", Name: "count_products", Arguments: map[string]interface{}{}}),
		textResponse("There are 42 products in stock."),
	}}

	opts := testOptions(t, provider, countProducts)
	opts.MaxIterations = 2
	exec, err := New("agent", opts)
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("agent"), "How many products are in stock?", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	assert.Contains(t, turn.Content, "42")
	require.Len(t, turn.Calls, 1)
	assert.Equal(t, string(gateway.StatusSuccess), turn.Calls[0].Status)
}

func TestAgent_TerminatesAtMaxIterations(t *testing.T) {
	var invocations atomic.Int32
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(model.ToolCall{Name: "echo", Arguments: map[string]interface{}{"text": "again"}}),
	}}

	opts := testOptions(t, provider, echoTool(&invocations))
	opts.MaxIterations = 3
	exec, err := New("agent", opts)
	require.NoError(t, err)

	done := make(chan session.Turn, 1)
	go func() {
		turn, _ := exec.Produce(context.Background(), snapshot("agent"), "loop forever", responder.NewStream())
		done <- turn
	}()

	select {
	case turn := <-done:
		assert.Equal(t, session.TurnPartial, turn.State)
		assert.Len(t, turn.Calls, 3)
		assert.Equal(t, int32(3), invocations.Load())
		assert.Contains(t, turn.Content, "3")
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not terminate")
	}
}

func TestAgent_BudgetWithdrawsTools(t *testing.T) {
	var invocations atomic.Int32
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(
			model.ToolCall{Name: "echo", Arguments: map[string]interface{}{"text": "one"}},
			model.ToolCall{Name: "echo", Arguments: map[string]interface{}{"text": "two"}},
		),
		textResponse("That is all the budget allowed."),
	}}

	opts := testOptions(t, provider, echoTool(&invocations))
	opts.ToolCallBudget = 2
	exec, err := New("agent", opts)
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("agent"), "echo twice", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	assert.Equal(t, int32(2), invocations.Load())
	require.Equal(t, 2, provider.requestCount())
	// A spent budget withdraws the tools from the follow-up request.
	assert.NotEmpty(t, provider.request(0).Tools)
	assert.Empty(t, provider.request(1).Tools)
}

func TestAgent_StoreUnavailableShortCircuits(t *testing.T) {
	flaky := registry.Descriptor{
		Name:        "flaky",
		Description: "Always hits an unreachable store",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("%w: connect refused", gateway.ErrStoreUnavailable)
		},
	}
	provider := &scriptedProvider{script: []scriptStep{
		toolResponse(model.ToolCall{ID: "c1", Name: "flaky", Arguments: map[string]interface{}{}}),
	}}
	exec, err := New("agent", testOptions(t, provider, flaky))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("agent"), "try the store", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnFailed, turn.State)
	assert.Contains(t, turn.Content, "unavailable")
}

func TestAgent_CancelledBeforeFirstIteration(t *testing.T) {
	provider := &scriptedProvider{}
	exec, err := New("agent", testOptions(t, provider))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	turn, err := exec.Produce(ctx, snapshot("agent"), "hello", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnCancelled, turn.State)
	assert.Equal(t, 0, provider.requestCount())
}

func graphTools(searchErr error) []registry.Descriptor {
	return []registry.Descriptor{
		{
			Name:        "knowledge_search",
			Description: "Search the knowledge base",
			Parameters: []registry.Parameter{
				{Name: "query", Type: "string", Description: "Search query", Required: true},
				{Name: "k", Type: "integer", Description: "Result count", Default: 5},
			},
			Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
				if searchErr != nil {
					return nil, searchErr
				}
				return map[string]interface{}{"results": []string{"warranty lasts two years"}}, nil
			},
		},
		{
			Name:        "records_query",
			Description: "Query records",
			Parameters: []registry.Parameter{
				{Name: "collection", Type: "string", Description: "Collection name", Required: true},
				{Name: "limit", Type: "integer", Description: "Max records", Default: 20},
			},
			Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"results": []string{"record for " + args["collection"].(string)}}, nil
			},
		},
		{
			Name:        "records_count",
			Description: "Count records",
			Parameters: []registry.Parameter{
				{Name: "collection", Type: "string", Description: "Collection name", Required: true},
			},
			Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"count": 2}, nil
			},
		},
	}
}

func TestGraph_SearchRoute(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{textResponse("The warranty lasts two years.")}}
	exec, err := New("graph", testOptions(t, provider, graphTools(nil)...))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("graph"), "tell me about the warranty", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	assert.Equal(t, "The warranty lasts two years.", turn.Content)
	require.Len(t, turn.Calls, 1)
	assert.Equal(t, "knowledge_search", turn.Calls[0].Tool)

	// The respond step gets the gathered context in its prompt.
	prompt := provider.request(0).Messages[len(provider.request(0).Messages)-1].Content
	assert.Contains(t, prompt, "Knowledge base results")
}

func TestGraph_ParallelCountsRoute(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{textResponse("There are 2 users and 2 products.")}}
	exec, err := New("graph", testOptions(t, provider, graphTools(nil)...))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("graph"), "show me database totals", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnComplete, turn.State)
	require.Len(t, turn.Calls, 2)
	assert.Equal(t, "records_count", turn.Calls[0].Tool)
	assert.Equal(t, "records_count", turn.Calls[1].Tool)
}

func TestGraph_ParallelCallsRespectBudget(t *testing.T) {
	provider := &scriptedProvider{}
	opts := testOptions(t, provider, graphTools(nil)...)
	opts.ToolCallBudget = 1
	exec, err := New("graph", opts)
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("graph"), "show me database totals", responder.NewStream())
	require.NoError(t, err)

	// The second count is refused and drains into the error sink.
	assert.Equal(t, session.TurnFailed, turn.State)
	assert.Contains(t, turn.Content, "budget exhausted")
	require.Len(t, turn.Calls, 2)
	assert.Equal(t, string(gateway.StatusSuccess), turn.Calls[0].Status)
	assert.Equal(t, string(gateway.StatusFailure), turn.Calls[1].Status)
	assert.Equal(t, 0, provider.requestCount())
}

func TestGraph_ErrorSink(t *testing.T) {
	provider := &scriptedProvider{}
	exec, err := New("graph", testOptions(t, provider, graphTools(errors.New("index corrupted"))...))
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("graph"), "find the manual", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnFailed, turn.State)
	assert.Contains(t, turn.Content, "problem")
	assert.Contains(t, turn.Content, "index corrupted")
	// The model is never consulted on the error path.
	assert.Equal(t, 0, provider.requestCount())
}

func TestGraph_CycleHitsStepCeiling(t *testing.T) {
	var steps atomic.Int32
	spec := GraphSpec{
		Entry: "spin",
		Steps: []Step{
			{
				Name: "spin",
				Run: func(_ context.Context, _ *GraphRuntime, state GraphState) (GraphState, string, error) {
					steps.Add(1)
					return state, "again", nil
				},
				Edges: map[string]string{"again": "spin"},
			},
		},
	}

	opts := testOptions(t, &scriptedProvider{})
	opts.StepLimit = 4
	exec, err := NewGraph(opts, spec)
	require.NoError(t, err)

	done := make(chan session.Turn, 1)
	go func() {
		turn, _ := exec.Produce(context.Background(), snapshot("graph"), "spin", responder.NewStream())
		done <- turn
	}()

	select {
	case turn := <-done:
		assert.Equal(t, session.TurnPartial, turn.State)
		assert.Equal(t, int32(4), steps.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("graph did not terminate")
	}
}

func TestNewGraph_Validation(t *testing.T) {
	opts := testOptions(t, &scriptedProvider{})

	noop := func(_ context.Context, _ *GraphRuntime, state GraphState) (GraphState, string, error) {
		return state, "done", nil
	}

	_, err := NewGraph(opts, GraphSpec{Entry: "missing", Steps: []Step{{Name: "a", Run: noop}}})
	assert.ErrorContains(t, err, "entry")

	_, err = NewGraph(opts, GraphSpec{
		Entry: "a",
		Steps: []Step{{Name: "a", Run: noop, Edges: map[string]string{"done": "ghost"}}},
	})
	assert.ErrorContains(t, err, "unknown step")

	_, err = NewGraph(opts, GraphSpec{})
	assert.Error(t, err)
}

func TestGraph_UnroutableOutcome(t *testing.T) {
	spec := GraphSpec{
		Entry: "odd",
		Steps: []Step{
			{
				Name: "odd",
				Run: func(_ context.Context, _ *GraphRuntime, state GraphState) (GraphState, string, error) {
					return state, "surprise", nil
				},
				Edges: map[string]string{"done": StepEnd},
			},
		},
	}

	exec, err := NewGraph(testOptions(t, &scriptedProvider{}), spec)
	require.NoError(t, err)

	turn, err := exec.Produce(context.Background(), snapshot("graph"), "odd", responder.NewStream())
	require.NoError(t, err)

	assert.Equal(t, session.TurnFailed, turn.State)
	assert.Contains(t, turn.Content, "surprise")
}

func TestHistoryConversion(t *testing.T) {
	c := core{}
	snap := &session.Session{
		ID: "s1",
		Turns: []session.Turn{
			{Seq: 1, Role: session.RoleUser, Content: "hi"},
			{Seq: 2, Role: session.RoleAssistant, Content: "hello"},
			{Seq: 3, Role: session.RoleAssistant, Content: ""},
		},
	}

	messages := c.history(snap, "next question")
	require.Len(t, messages, 3)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, "hello", messages[1].Content)
	assert.Equal(t, session.RoleUser, messages[2].Role)
	assert.Equal(t, "next question", messages[2].Content)
}

func TestResultContent(t *testing.T) {
	ok := gateway.CallResult{Status: gateway.StatusSuccess, Payload: map[string]interface{}{"count": 2}}
	assert.JSONEq(t, `{"count":2}`, resultContent(ok))

	failed := gateway.CallResult{Status: gateway.StatusFailure, ErrorKind: gateway.KindValidation, Error: "bad args"}
	content := resultContent(failed)
	assert.True(t, strings.Contains(content, "validation") && strings.Contains(content, "bad args"))
}
