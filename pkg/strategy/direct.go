package strategy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/responder"
	"github.com/olehsavchenko/ava/pkg/session"
)

// Direct answers with at most one tool round. A failed round may be
// retried with corrected arguments, but once a round lands the model must
// produce a final answer with no tools on offer.
type Direct struct {
	core
}

// Name implements Executor
func (d *Direct) Name() string { return "direct" }

// Produce implements Executor
func (d *Direct) Produce(ctx context.Context, snapshot *session.Session, userText string, stream *responder.Stream) (session.Turn, error) {
	ctx, span := tracing.StartSpan(ctx, "strategy", "strategy.direct",
		attribute.String("session.id", snapshot.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	agg := responder.NewAggregator()
	budget := d.newBudget()
	messages := d.history(snapshot, userText)
	tools := d.toolSpecs()

	response, err := d.complete(ctx, messages, tools)
	if err != nil {
		return d.failTurn(agg, stream, modelFailureNote(err)), nil
	}
	emitText(response.Text, agg, stream)

	if len(response.ToolCalls) == 0 {
		return agg.Turn(session.TurnComplete), nil
	}

	for attempt := 0; ; attempt++ {
		results := d.runRound(ctx, response.ToolCalls, &messages, agg, stream, budget)

		if anyUnavailable(results) {
			return d.failTurn(agg, stream, "A backing store is unavailable, please try again later."), nil
		}

		// A correctable failure repeats the round with the error fed back;
		// the round only counts once it lands.
		if allCorrectable(results) && attempt < d.opts.MaxRetries {
			logger.Warn().Int("attempt", attempt+1).Msg("Tool round failed validation, letting the model correct it")
			response, err = d.complete(ctx, messages, tools)
			if err != nil {
				return d.failTurn(agg, stream, modelFailureNote(err)), nil
			}
			emitText(response.Text, agg, stream)
			if len(response.ToolCalls) == 0 {
				return agg.Turn(session.TurnComplete), nil
			}
			continue
		}
		break
	}

	// The single round is spent; require a final answer with no tools.
	response, err = d.complete(ctx, messages, nil)
	if err != nil {
		return d.failTurn(agg, stream, modelFailureNote(err)), nil
	}
	if len(response.ToolCalls) > 0 && response.Text == "" {
		logger.Warn().Msg("Model requested tools after its single round")
		return d.failTurn(agg, stream, "The model kept requesting tool calls past its budget."), nil
	}
	emitText(response.Text, agg, stream)

	return agg.Turn(session.TurnComplete), nil
}

func modelFailureNote(err error) string {
	return fmt.Sprintf("The model call failed: %v", err)
}
