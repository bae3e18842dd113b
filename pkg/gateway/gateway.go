// Package gateway mediates between strategy executors and tool handlers.
//
// Every call goes through the same pipeline: registry lookup, argument
// validation, then handler execution under a timeout with panic recovery.
// Failures come back as results, not errors, so a strategy can always
// correlate an outcome with the request that produced it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/registry"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxPayload = 10000
)

var (
	errTimedOut  = errors.New("tool execution timed out")
	errCancelled = errors.New("tool execution cancelled")
)

// Config holds gateway settings
type Config struct {
	// Timeout bounds a single handler invocation.
	Timeout time.Duration
	// MaxPayloadBytes caps string payloads before truncation.
	MaxPayloadBytes int
	// TransientRetries is the number of extra attempts after a
	// store-unavailable error.
	TransientRetries int
	// RetryBackoff is the base delay between transient retries, doubled
	// per attempt.
	RetryBackoff time.Duration
}

// Gateway executes tool calls against a frozen registry
type Gateway struct {
	registry *registry.Registry
	config   Config
}

// New creates a gateway over the given registry
func New(reg *registry.Registry, config Config) *Gateway {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = defaultMaxPayload
	}
	if config.TransientRetries < 0 {
		config.TransientRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	return &Gateway{registry: reg, config: config}
}

// Execute runs a single tool call through the full pipeline. The returned
// result always carries the request's ID; Execute never returns an error,
// call problems are encoded in the result status.
func (g *Gateway) Execute(ctx context.Context, req CallRequest) CallResult {
	ctx, span := tracing.StartSpan(ctx, "gateway", "gateway.execute",
		attribute.String("tool.name", req.Tool),
		attribute.String("call.id", req.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()

	if req.ID == "" {
		return g.finish(ctx, req, start, CallResult{
			Status:    StatusFailure,
			Error:     fmt.Sprintf("%v: call has no id", ErrProtocolViolation),
			ErrorKind: KindInternal,
		})
	}

	desc, err := g.registry.Lookup(req.Tool)
	if err != nil {
		logger.Warn().Str("tool", req.Tool).Msg("Tool call for unknown tool")
		return g.finish(ctx, req, start, CallResult{
			ID:        req.ID,
			Status:    StatusFailure,
			Error:     err.Error(),
			ErrorKind: KindNotFound,
		})
	}

	args, err := desc.Validate(req.Arguments)
	if err != nil {
		logger.Warn().Str("tool", req.Tool).Err(err).Msg("Tool call failed validation")
		return g.finish(ctx, req, start, CallResult{
			ID:        req.ID,
			Status:    StatusFailure,
			Error:     err.Error(),
			ErrorKind: KindValidation,
		})
	}

	result := g.invoke(ctx, logger, desc, req, args)
	return g.finish(ctx, req, start, result)
}

// ExecuteParallel runs independent calls concurrently, each under its own
// timeout. Results come back in request order.
func (g *Gateway) ExecuteParallel(ctx context.Context, reqs []CallRequest) []CallResult {
	results := make([]CallResult, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req CallRequest) {
			defer wg.Done()
			results[i] = g.Execute(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return results
}

// invoke runs the handler with timeout retry and transient-error backoff
func (g *Gateway) invoke(ctx context.Context, logger zerolog.Logger, desc *registry.Descriptor, req CallRequest, args map[string]interface{}) CallResult {
	timeoutRetried := false
	transientTries := 0

	for {
		payload, err := g.run(ctx, desc.Handler, args)

		switch {
		case err == nil:
			payload, truncated := g.truncate(payload)
			return CallResult{
				ID:        req.ID,
				Status:    StatusSuccess,
				Payload:   payload,
				Truncated: truncated,
			}

		case errors.Is(err, errCancelled):
			return CallResult{
				ID:        req.ID,
				Status:    StatusFailure,
				Error:     err.Error(),
				ErrorKind: KindCancelled,
			}

		case errors.Is(err, errTimedOut):
			if !timeoutRetried {
				timeoutRetried = true
				logger.Warn().Str("tool", req.Tool).Dur("timeout", g.config.Timeout).Msg("Tool timed out, retrying once")
				continue
			}
			return CallResult{
				ID:        req.ID,
				Status:    StatusTimeout,
				Error:     fmt.Sprintf("tool %s exceeded %s twice", req.Tool, g.config.Timeout),
				ErrorKind: KindTimeout,
			}

		case errors.Is(err, ErrStoreUnavailable):
			if transientTries < g.config.TransientRetries {
				delay := g.config.RetryBackoff * (1 << transientTries)
				transientTries++
				logger.Warn().Str("tool", req.Tool).Int("attempt", transientTries).Dur("backoff", delay).Msg("Backing store unavailable, backing off")
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return CallResult{
						ID:        req.ID,
						Status:    StatusFailure,
						Error:     errCancelled.Error(),
						ErrorKind: KindCancelled,
					}
				}
			}
			return CallResult{
				ID:        req.ID,
				Status:    StatusFailure,
				Error:     err.Error(),
				ErrorKind: KindUnavailable,
			}

		default:
			return CallResult{
				ID:        req.ID,
				Status:    StatusFailure,
				Error:     err.Error(),
				ErrorKind: classify(err),
			}
		}
	}
}

// run executes the handler in a goroutine so a hung tool can never block
// the calling strategy past the timeout
func (g *Gateway) run(ctx context.Context, handler registry.Handler, args map[string]interface{}) (interface{}, error) {
	execCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool handler panicked: %v", r)
			}
		}()

		out, err := handler(execCtx, args)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- out
	}()

	select {
	case out := <-resultChan:
		return out, nil
	case err := <-errChan:
		// A handler may surface the context error itself instead of
		// letting the Done branch win the select.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errTimedOut
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, errCancelled
		}
		return nil, err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		return nil, errTimedOut
	}
}

// truncate caps oversized string payloads so a single tool cannot flood
// the model context
func (g *Gateway) truncate(payload interface{}) (interface{}, bool) {
	s, ok := payload.(string)
	if !ok || len(s) <= g.config.MaxPayloadBytes {
		return payload, false
	}
	return s[:g.config.MaxPayloadBytes] + "\n... (output truncated)", true
}

// finish stamps duration, records metrics and audit, and returns the result
func (g *Gateway) finish(ctx context.Context, req CallRequest, start time.Time, result CallResult) CallResult {
	result.Duration = time.Since(start)

	observability.RecordToolExecution(req.Tool, result.Duration, result.OK())
	observability.RecordToolAudit(ctx, req.Tool, tracing.GetSessionID(ctx), string(result.Status), nil)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	event := logger.Debug()
	if !result.OK() {
		event = logger.Warn().Str("error_kind", string(result.ErrorKind))
	}
	event.
		Str("tool", req.Tool).
		Str("call_id", req.ID).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg("Tool call finished")

	return result
}
