package strategy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/responder"
	"github.com/olehsavchenko/ava/pkg/session"
)

// Agent loops the model against the tools until it emits a final answer
// or the iteration bound is reached. Hitting the bound yields a partial
// turn, not an error.
type Agent struct {
	core
}

// Name implements Executor
func (a *Agent) Name() string { return "agent" }

// Produce implements Executor
func (a *Agent) Produce(ctx context.Context, snapshot *session.Session, userText string, stream *responder.Stream) (session.Turn, error) {
	ctx, span := tracing.StartSpan(ctx, "strategy", "strategy.agent",
		attribute.String("session.id", snapshot.ID),
		attribute.Int("max_iterations", a.opts.MaxIterations),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	agg := responder.NewAggregator()
	budget := a.newBudget()
	messages := a.history(snapshot, userText)
	tools := a.toolSpecs()

	for iteration := 0; iteration < a.opts.MaxIterations; iteration++ {
		// Cancellation checkpoint between iterations.
		select {
		case <-ctx.Done():
			return agg.Turn(session.TurnCancelled), nil
		default:
		}

		response, err := a.complete(ctx, messages, tools)
		if err != nil {
			return a.failTurn(agg, stream, modelFailureNote(err)), nil
		}
		emitText(response.Text, agg, stream)

		if len(response.ToolCalls) == 0 {
			return agg.Turn(session.TurnComplete), nil
		}

		results := a.runRound(ctx, response.ToolCalls, &messages, agg, stream, budget)
		if anyUnavailable(results) {
			return a.failTurn(agg, stream, "A backing store is unavailable, please try again later."), nil
		}

		// Once the budget is spent the model only gets to answer.
		if budget.exhausted() {
			tools = nil
		}
	}

	logger.Warn().
		Int("max_iterations", a.opts.MaxIterations).
		Err(gateway.ErrIterationLimit).
		Msg("Agent loop hit its iteration bound")

	note := fmt.Sprintf("I stopped after %d tool iterations without reaching a final answer. Here is what I found so far.", a.opts.MaxIterations)
	stream.EmitText(note)
	agg.AddText(note)
	return agg.Turn(session.TurnPartial), nil
}
