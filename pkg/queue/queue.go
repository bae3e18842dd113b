// Package queue serializes work per session lane.
//
// Each lane runs one task at a time in FIFO order, so two queries for the
// same session can never interleave their turns. Different lanes run
// concurrently.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/internal/tracing"
)

// Task is an asynchronous operation executed on a lane
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// Queue provides lane-based task serialization
type Queue struct {
	lanes  map[string]*laneState
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue. Lanes spring into existence on first use
// with a concurrency of one.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *Queue) lane(name string) *laneState {
	q.mu.RLock()
	ls, ok := q.lanes[name]
	q.mu.RUnlock()
	if ok {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[name]; ok {
		return ls
	}
	ls = &laneState{concurrency: 1}
	q.lanes[name] = ls
	log.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

// Enqueue adds a task to the lane and blocks until it has run. Tasks on
// the same lane execute strictly in arrival order.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "queue", "queue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	ls := q.lane(lane)

	taskID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}

	record := &taskRecord{
		id:         fmt.Sprintf("%s-%s", lane, taskID),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	go q.processLane(lane)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

// processLane starts queued tasks while the lane has capacity
func (q *Queue) processLane(lane string) {
	ls := q.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: fmt.Errorf("task cancelled by lane reset")}
			close(record.result)
			continue
		}

		ls.running++

		q.wg.Add(1)
		go q.executeTask(lane, ls, record)
	}
}

func (q *Queue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "queue", "queue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	go q.processLane(lane)
}

// Size returns the number of queued tasks for a lane
func (q *Queue) Size(lane string) int {
	q.mu.RLock()
	ls, ok := q.lanes[lane]
	q.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running returns the number of executing tasks for a lane
func (q *Queue) Running(lane string) int {
	q.mu.RLock()
	ls, ok := q.lanes[lane]
	q.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Stats returns queue statistics per lane
func (q *Queue) Stats() map[string]map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]map[string]int, len(q.lanes))
	for lane, ls := range q.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// Reset bumps the lane generation and rejects everything still queued.
// The running task is unaffected.
func (q *Queue) Reset(lane string) int {
	q.mu.RLock()
	ls, ok := q.lanes[lane]
	q.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("lane reset")}
		close(record.result)
	}
	ls.queue = nil

	log.Info().Str("lane", lane).Int("rejected", count).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)

	return count
}

// WaitForActive waits for all running tasks to complete, up to timeout
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if ls.running > 0 || len(ls.queue) > 0 {
				drained = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels the run context of every active task and waits for them
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
