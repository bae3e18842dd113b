package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_ReturnsTaskResult(t *testing.T) {
	q := New()
	defer q.Close()

	value, err := q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestEnqueue_PropagatesError(t *testing.T) {
	q := New()
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("task exploded")
	})
	assert.EqualError(t, err, "task exploded")
}

func TestEnqueue_SameLaneIsSerial(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var active int
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
		// Stagger the enqueues so arrival order is deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEnqueue_DifferentLanesRunConcurrently(t *testing.T) {
	q := New()
	defer q.Close()

	barrier := make(chan struct{})
	var wg sync.WaitGroup

	for _, lane := range []string{"chat-1", "chat-2"} {
		wg.Add(1)
		lane := lane
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				// Both tasks must be running at once for either to pass
				// this rendezvous.
				select {
				case barrier <- struct{}{}:
				case <-barrier:
				case <-time.After(2 * time.Second):
					return nil, errors.New("lanes did not run concurrently")
				}
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestReset_RejectsQueuedTasks(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	// Wait for the blocker to start, then stack a task behind it.
	require.Eventually(t, func() bool { return q.Running("chat-1") == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		assert.Error(t, err)
	}()
	require.Eventually(t, func() bool { return q.Size("chat-1") == 1 }, time.Second, 5*time.Millisecond)

	rejected := q.Reset("chat-1")
	assert.Equal(t, 1, rejected)

	close(release)
	wg.Wait()
}

func TestStats(t *testing.T) {
	q := New()
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	stats := q.Stats()
	require.Contains(t, stats, "chat-1")
	assert.Equal(t, 1, stats["chat-1"]["concurrency"])
	assert.Equal(t, 0, stats["chat-1"]["running"])
}

func TestWaitForActive(t *testing.T) {
	q := New()
	defer q.Close()

	go func() {
		_, _ = q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		})
	}()

	require.Eventually(t, func() bool { return q.Running("chat-1") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, q.WaitForActive(2*time.Second))
}

func TestClose_CancelsRunContext(t *testing.T) {
	q := New()

	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := q.Enqueue(context.Background(), "chat-1", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()

	<-started
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not observe shutdown")
	}
}
