// Package strategy implements the three control-flow policies that drive a
// conversation turn: direct (one tool round), agent (bounded loop), and
// graph (explicit step machine).
//
// Executors are stateless between turns. They read a session snapshot, emit
// progress on a responder stream, and hand back the finished turn; the
// engine owns persisting it.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/model"
	"github.com/olehsavchenko/ava/pkg/registry"
	"github.com/olehsavchenko/ava/pkg/responder"
	"github.com/olehsavchenko/ava/pkg/session"
)

const (
	defaultMaxIterations  = 5
	defaultMaxRetries     = 2
	defaultStepLimit      = 10
	defaultToolCallBudget = 8
)

// budgetExhaustedNote is fed back to the model for calls that were refused
// because the turn's tool-call budget ran out.
const budgetExhaustedNote = "per-turn tool call budget exhausted"

// Executor produces one assistant turn from a session snapshot. The
// snapshot is read-only; the returned turn carries the final state.
type Executor interface {
	Produce(ctx context.Context, snapshot *session.Session, userText string, stream *responder.Stream) (session.Turn, error)

	// Name returns the strategy name.
	Name() string
}

// Options configures an executor
type Options struct {
	Provider model.Provider
	Gateway  *gateway.Gateway
	Registry *registry.Registry

	Model       string
	System      string
	Temperature float64
	MaxTokens   int

	// MaxIterations bounds the agent loop.
	MaxIterations int
	// MaxRetries bounds corrective attempts and model call retries.
	MaxRetries int
	// StepLimit is the hard graph step ceiling.
	StepLimit int
	// ToolCallBudget caps executed tool calls per turn across all rounds.
	ToolCallBudget int
}

// New creates the named executor
func New(name string, opts Options) (Executor, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.StepLimit <= 0 {
		opts.StepLimit = defaultStepLimit
	}
	if opts.ToolCallBudget <= 0 {
		opts.ToolCallBudget = defaultToolCallBudget
	}

	core := core{opts: opts}
	switch name {
	case "direct":
		return &Direct{core: core}, nil
	case "agent":
		return &Agent{core: core}, nil
	case "graph":
		return NewGraph(opts, DefaultGraph())
	default:
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
}

// core carries the shared plumbing of all three executors
type core struct {
	opts Options
}

// callBudget is one turn's tool-call allowance. Every strategy deducts
// from a single budget, so a turn never runs more handlers than
// configured no matter how many rounds or steps it takes.
type callBudget struct {
	remaining int
}

func (c *core) newBudget() *callBudget {
	return &callBudget{remaining: c.opts.ToolCallBudget}
}

// take reserves up to n calls and returns how many were granted
func (b *callBudget) take(n int) int {
	if n > b.remaining {
		n = b.remaining
	}
	b.remaining -= n
	return n
}

func (b *callBudget) exhausted() bool {
	return b.remaining <= 0
}

// refusedResult is the synthetic failure for a call past the budget. The
// handler is never invoked.
func refusedResult(id string) gateway.CallResult {
	return gateway.CallResult{
		ID:        id,
		Status:    gateway.StatusFailure,
		ErrorKind: gateway.KindInternal,
		Error:     budgetExhaustedNote,
	}
}

// toolSpecs declares the registry's tools to the model, sorted by name so
// requests are deterministic
func (c *core) toolSpecs() []model.ToolSpec {
	descriptors := c.opts.Registry.List()
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})

	specs := make([]model.ToolSpec, 0, len(descriptors))
	for _, desc := range descriptors {
		specs = append(specs, model.ToolSpec{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema(),
		})
	}
	return specs
}

// history converts the session snapshot plus the new user message into the
// model conversation. Tool call detail is not replayed across turns, only
// the exchanged text.
func (c *core) history(snapshot *session.Session, userText string) []model.Message {
	messages := make([]model.Message, 0, len(snapshot.Turns)+1)
	for _, turn := range snapshot.Turns {
		if turn.Content == "" {
			continue
		}
		switch turn.Role {
		case session.RoleUser, session.RoleAssistant, session.RoleSystem:
			messages = append(messages, model.Message{Role: turn.Role, Content: turn.Content})
		}
	}
	return append(messages, model.Message{Role: session.RoleUser, Content: userText})
}

// complete makes one model call with retry on transient provider errors.
// An empty response (no text, no tool calls) gets one corrective retry
// before surfacing as a protocol violation.
func (c *core) complete(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (*model.Response, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	request := model.Request{
		Model:       c.opts.Model,
		System:      c.opts.System,
		Messages:    messages,
		Tools:       tools,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	var lastErr error
	violated := false
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Second * (1 << (attempt - 1))
			logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Retrying model call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		response, err := c.opts.Provider.Complete(ctx, request)
		if err != nil {
			lastErr = err
			if !model.IsRetryable(err) {
				return nil, err
			}
			continue
		}

		if response.Text == "" && len(response.ToolCalls) == 0 {
			if violated {
				return nil, fmt.Errorf("%w: model returned neither text nor tool calls", gateway.ErrProtocolViolation)
			}
			violated = true
			logger.Warn().Str("provider", c.opts.Provider.Name()).Msg("Empty model response, retrying once")
			continue
		}
		return response, nil
	}
	return nil, fmt.Errorf("model call failed after %d retries: %w", c.opts.MaxRetries, lastErr)
}

// runRound executes one round of proposed tool calls sequentially. It
// appends the assistant proposal and each tool result to messages, records
// calls on the aggregator, and reports progress on the stream. Calls past
// the turn budget are refused without invoking their handlers.
func (c *core) runRound(ctx context.Context, calls []model.ToolCall, messages *[]model.Message, agg *responder.Aggregator, stream *responder.Stream, budget *callBudget) []gateway.CallResult {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = newCallID()
		}
	}

	*messages = append(*messages, model.Message{Role: session.RoleAssistant, ToolCalls: calls})

	granted := budget.take(len(calls))
	if granted < len(calls) {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Int("requested", len(calls)).Int("granted", granted).Msg("Tool round exceeds the turn budget")
	}

	results := make([]gateway.CallResult, len(calls))
	for i, call := range calls {
		if i >= granted {
			results[i] = refusedResult(call.ID)
			stream.EmitToolEvent(responder.ToolEvent{CallID: call.ID, Tool: call.Name, Status: string(gateway.StatusFailure)})
			agg.AddCall(session.CallRecord{
				ID:        call.ID,
				Tool:      call.Name,
				Arguments: call.Arguments,
				Status:    string(gateway.StatusFailure),
				Error:     budgetExhaustedNote,
			})
			*messages = append(*messages, model.Message{
				Role:       session.RoleTool,
				ToolCallID: call.ID,
				Content:    resultContent(results[i]),
			})
			continue
		}

		stream.EmitToolEvent(responder.ToolEvent{CallID: call.ID, Tool: call.Name, Status: "running"})

		result := c.opts.Gateway.Execute(ctx, gateway.CallRequest{
			ID:        call.ID,
			Tool:      call.Name,
			Arguments: call.Arguments,
		})
		results[i] = result

		stream.EmitToolEvent(responder.ToolEvent{CallID: call.ID, Tool: call.Name, Status: string(result.Status)})
		agg.AddCall(session.CallRecord{
			ID:        call.ID,
			Tool:      call.Name,
			Arguments: call.Arguments,
			Status:    string(result.Status),
			Error:     result.Error,
		})

		*messages = append(*messages, model.Message{
			Role:       session.RoleTool,
			ToolCallID: call.ID,
			Content:    resultContent(result),
		})
	}
	return results
}

// failTurn emits the note and closes the turn as failed
func (c *core) failTurn(agg *responder.Aggregator, stream *responder.Stream, note string) session.Turn {
	stream.EmitText(note)
	agg.AddText(note)
	return agg.Turn(session.TurnFailed)
}

// emitText forwards model text to both the stream and the aggregator
func emitText(text string, agg *responder.Aggregator, stream *responder.Stream) {
	if text == "" {
		return
	}
	stream.EmitText(text)
	agg.AddText(text)
}

// resultContent renders a call result as the tool message fed back to the
// model
func resultContent(result gateway.CallResult) string {
	if !result.OK() {
		return fmt.Sprintf("error (%s): %s", result.ErrorKind, result.Error)
	}
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return fmt.Sprintf("%v", result.Payload)
	}
	return string(payload)
}

// allCorrectable reports whether every result failed in a way the model
// can fix with different arguments
func allCorrectable(results []gateway.CallResult) bool {
	for _, result := range results {
		if !result.Correctable() {
			return false
		}
	}
	return len(results) > 0
}

// anyUnavailable reports whether a result hit an unreachable backing store
func anyUnavailable(results []gateway.CallResult) bool {
	for _, result := range results {
		if result.ErrorKind == gateway.KindUnavailable {
			return true
		}
	}
	return false
}

func newCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("call-%d", time.Now().UnixNano())
	}
	return "call-" + id
}
