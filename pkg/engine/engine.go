// Package engine ties the conversation pipeline together: session
// bookkeeping, strategy execution, tool calls, and the response stream.
//
// Work is serialized per session through the lane queue, so concurrent
// submissions on one session id can never interleave their turns while
// different sessions run side by side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/queue"
	"github.com/olehsavchenko/ava/pkg/responder"
	"github.com/olehsavchenko/ava/pkg/session"
	"github.com/olehsavchenko/ava/pkg/strategy"
)

// DefaultStrategy is used when a new session names none
const DefaultStrategy = "agent"

// Config tunes the engine
type Config struct {
	// DefaultStrategy is pinned to sessions created without an explicit one.
	DefaultStrategy string
}

// Engine runs conversation turns
type Engine struct {
	sessions        *session.Manager
	queue           *queue.Queue
	executors       map[string]strategy.Executor
	defaultStrategy string

	runs   map[string][]*activeRun
	runsMu sync.Mutex
}

type activeRun struct {
	stream *responder.Stream

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *activeRun) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
}

func (r *activeRun) abort() {
	r.stream.Cancel()
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// New builds an engine with one executor per strategy
func New(sessions *session.Manager, opts strategy.Options, cfg Config) (*Engine, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = DefaultStrategy
	}

	executors := make(map[string]strategy.Executor, 3)
	for _, name := range []string{"direct", "agent", "graph"} {
		exec, err := strategy.New(name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s executor: %w", name, err)
		}
		executors[name] = exec
	}
	if _, ok := executors[cfg.DefaultStrategy]; !ok {
		return nil, fmt.Errorf("unknown default strategy: %s", cfg.DefaultStrategy)
	}

	return &Engine{
		sessions:        sessions,
		queue:           queue.New(),
		executors:       executors,
		defaultStrategy: cfg.DefaultStrategy,
		runs:            make(map[string][]*activeRun),
	}, nil
}

// Sessions exposes the session manager for the API surface
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

// QueueStats returns per-lane queue statistics
func (e *Engine) QueueStats() map[string]map[string]int {
	return e.queue.Stats()
}

// Strategies returns the available strategy names
func (e *Engine) Strategies() []string {
	return []string{"direct", "agent", "graph"}
}

// Submit starts one conversation turn and returns its chunk stream. The
// turn itself runs on the session's queue lane; the stream terminates with
// a done or error chunk unless aborted first.
func (e *Engine) Submit(ctx context.Context, sessionID, strategyName, text string) (*responder.Stream, error) {
	if text == "" {
		return nil, errors.New("message text cannot be empty")
	}
	if strategyName != "" {
		if _, ok := e.executors[strategyName]; !ok {
			return nil, fmt.Errorf("unknown strategy: %s", strategyName)
		}
	}

	stream := responder.NewStream()
	run := &activeRun{stream: stream}
	e.trackRun(sessionID, run)

	// The turn outlives the submitting request; only Abort cancels it.
	ctx = tracing.CloneContext(ctx)

	go func() {
		defer e.untrackRun(sessionID, run)

		_, err := e.queue.Enqueue(ctx, sessionID, func(runCtx context.Context) (interface{}, error) {
			return nil, e.runTurn(runCtx, run, sessionID, strategyName, text, stream)
		})
		if err != nil {
			stream.Fail(err)
		}
	}()

	return stream, nil
}

// Abort cancels every active and queued run for the session. The active
// strategy notices at its next checkpoint; in-flight tool calls finish and
// their results are discarded.
func (e *Engine) Abort(sessionID string) bool {
	e.runsMu.Lock()
	runs := e.runs[sessionID]
	delete(e.runs, sessionID)
	e.runsMu.Unlock()

	for _, run := range runs {
		run.abort()
	}
	rejected := e.queue.Reset(sessionID)

	if len(runs) > 0 || rejected > 0 {
		log.Info().Str("session_id", sessionID).Int("aborted", len(runs)).Int("rejected", rejected).Msg("Session aborted")
		return true
	}
	return false
}

// Close drains the queue and shuts the engine down
func (e *Engine) Close() error {
	e.queue.WaitForActive(5 * time.Second)
	return e.queue.Close()
}

func (e *Engine) trackRun(sessionID string, run *activeRun) {
	e.runsMu.Lock()
	e.runs[sessionID] = append(e.runs[sessionID], run)
	e.runsMu.Unlock()
}

func (e *Engine) untrackRun(sessionID string, run *activeRun) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	runs := e.runs[sessionID]
	for i, r := range runs {
		if r == run {
			e.runs[sessionID] = append(runs[:i], runs[i+1:]...)
			break
		}
	}
	if len(e.runs[sessionID]) == 0 {
		delete(e.runs, sessionID)
	}
}

// runTurn executes one full turn on the session's lane
func (e *Engine) runTurn(ctx context.Context, run *activeRun, sessionID, strategyName, text string, stream *responder.Stream) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "engine", "engine.run_turn",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	start := time.Now()

	sess, err := e.ensureSession(ctx, sessionID, strategyName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stream.Fail(err)
		return err
	}
	ctx = tracing.WithStrategy(ctx, sess.Strategy)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	exec, ok := e.executors[sess.Strategy]
	if !ok {
		err := fmt.Errorf("session %s is pinned to unknown strategy %s", sessionID, sess.Strategy)
		stream.Fail(err)
		return err
	}

	// Snapshot before appending so the executor sees the history and gets
	// the new message separately.
	snapshot, err := e.sessions.Snapshot(ctx, sessionID)
	if err != nil {
		stream.Fail(err)
		return err
	}
	if _, err := e.sessions.Append(ctx, sessionID, session.Turn{Role: session.RoleUser, Content: text}); err != nil {
		stream.Fail(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run.setCancel(cancel)

	turn, err := exec.Produce(runCtx, snapshot, text, stream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stream.Fail(err)
		return err
	}

	if stream.Cancelled() {
		turn.State = session.TurnCancelled
	}
	if turn.Content == "" && len(turn.Calls) == 0 {
		turn.Content = "(no response)"
	}

	appended, err := e.sessions.Append(ctx, sessionID, turn)
	if err != nil {
		stream.Fail(err)
		return err
	}

	duration := time.Since(start)
	observability.RecordTurn(sess.Strategy, duration, string(appended.State))
	observability.RecordTurnAudit(ctx, sessionID, sess.Strategy, string(appended.State), nil)

	logger.Info().
		Str("session_id", sessionID).
		Str("strategy", sess.Strategy).
		Str("state", string(appended.State)).
		Int("calls", len(appended.Calls)).
		Dur("duration", duration).
		Msg("Turn finished")

	if stream.Cancelled() {
		return nil
	}
	stream.Done(appended)
	return nil
}

// ensureSession loads the session, creating it with the requested or
// default strategy when missing
func (e *Engine) ensureSession(ctx context.Context, sessionID, strategyName string) (*session.Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err == nil {
		if strategyName != "" && sess.Strategy != strategyName {
			return nil, fmt.Errorf("%w: session %s is pinned to %s", session.ErrStrategyMismatch, sessionID, sess.Strategy)
		}
		return sess, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return nil, err
	}

	if strategyName == "" {
		strategyName = e.defaultStrategy
	}
	return e.sessions.Create(ctx, sessionID, strategyName)
}
