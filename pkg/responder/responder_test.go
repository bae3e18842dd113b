package responder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehsavchenko/ava/pkg/session"
)

func collect(t *testing.T, s *Stream) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-s.Out():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestStream_OrderedDelivery(t *testing.T) {
	s := NewStream()

	assert.True(t, s.EmitText("Hel"))
	assert.True(t, s.EmitToolEvent(ToolEvent{CallID: "c1", Tool: "knowledge_search", Status: "started"}))
	assert.True(t, s.EmitText("lo"))
	assert.True(t, s.Done(session.Turn{Role: session.RoleAssistant, Content: "Hello", State: session.TurnComplete}))

	chunks := collect(t, s)
	require.Len(t, chunks, 4)
	assert.Equal(t, ChunkDeltaText, chunks[0].Kind)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, ChunkToolEvent, chunks[1].Kind)
	assert.Equal(t, "knowledge_search", chunks[1].Tool.Tool)
	assert.Equal(t, ChunkDeltaText, chunks[2].Kind)
	assert.Equal(t, ChunkDone, chunks[3].Kind)
	assert.Equal(t, "Hello", chunks[3].Turn.Content)
}

func TestStream_ErrorTerminates(t *testing.T) {
	s := NewStream()

	assert.True(t, s.EmitText("partial"))
	assert.True(t, s.Fail(errors.New("model unreachable")))

	// Emits after the terminal chunk are dropped.
	assert.False(t, s.EmitText("late"))
	assert.False(t, s.Done(session.Turn{}))

	chunks := collect(t, s)
	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkError, chunks[1].Kind)
	assert.Equal(t, "model unreachable", chunks[1].Err)
}

func TestStream_CancelStopsDelivery(t *testing.T) {
	s := NewStream()

	assert.True(t, s.EmitText("before"))
	s.Cancel()

	assert.True(t, s.Cancelled())
	assert.False(t, s.EmitText("after"))
	assert.False(t, s.EmitToolEvent(ToolEvent{CallID: "c1"}))
	assert.False(t, s.Done(session.Turn{}))
	assert.False(t, s.Fail(errors.New("nope")))
}

func TestStream_CancelUnblocksFullBuffer(t *testing.T) {
	s := NewStream()

	// Fill the buffer so the next emit blocks.
	for i := 0; i < 64; i++ {
		require.True(t, s.EmitText("x"))
	}

	done := make(chan bool, 1)
	go func() {
		done <- s.EmitText("blocked")
	}()

	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case delivered := <-done:
		assert.False(t, delivered)
	case <-time.After(2 * time.Second):
		t.Fatal("emit did not unblock on cancel")
	}
}

func TestStream_DoubleCancel(t *testing.T) {
	s := NewStream()
	s.Cancel()
	s.Cancel()
	assert.True(t, s.Cancelled())
}

func TestAggregator_BuildsTurn(t *testing.T) {
	a := NewAggregator()

	a.AddText("The answer ")
	a.AddCall(session.CallRecord{ID: "c1", Tool: "count_products", Status: "success"})
	a.AddText("is 42.")

	turn := a.Turn(session.TurnComplete)
	assert.Equal(t, session.RoleAssistant, turn.Role)
	assert.Equal(t, "The answer is 42.", turn.Content)
	require.Len(t, turn.Calls, 1)
	assert.Equal(t, "count_products", turn.Calls[0].Tool)
	assert.Equal(t, session.TurnComplete, turn.State)
}

func TestAggregator_PartialState(t *testing.T) {
	a := NewAggregator()
	a.AddText("got as far as this")

	turn := a.Turn(session.TurnPartial)
	assert.Equal(t, session.TurnPartial, turn.State)
	assert.Equal(t, "got as far as this", turn.Content)
}
