// Package responder turns strategy output into an ordered chunk stream
// and aggregates it into the final conversation turn.
package responder

import (
	"strings"
	"sync"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/pkg/session"
)

// ChunkKind discriminates stream chunks
type ChunkKind string

const (
	ChunkDeltaText ChunkKind = "delta_text"
	ChunkToolEvent ChunkKind = "tool_event"
	ChunkDone      ChunkKind = "done"
	ChunkError     ChunkKind = "error"
)

// ToolEvent reports the lifecycle of one tool call on the stream
type ToolEvent struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
}

// Chunk is one element of a response stream. Exactly one payload field is
// set, matching Kind.
type Chunk struct {
	Kind ChunkKind     `json:"kind"`
	Text string        `json:"text,omitempty"`
	Tool *ToolEvent    `json:"tool,omitempty"`
	Turn *session.Turn `json:"turn,omitempty"`
	Err  string        `json:"error,omitempty"`
}

// Stream carries chunks from a running strategy to one consumer. A stream
// ends with exactly one done or error chunk, unless cancelled first; after
// Cancel no chunk is ever delivered.
//
// The data channel is only ever written or closed under mu. Cancel closes
// the cancel channel alone, which unblocks any in-flight send.
type Stream struct {
	ch         chan Chunk
	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu         sync.Mutex
	terminated bool
	cancelled  bool
}

// NewStream creates a stream with a small delivery buffer
func NewStream() *Stream {
	return &Stream{
		ch:       make(chan Chunk, 64),
		cancelCh: make(chan struct{}),
	}
}

// Out is the consumer side. It is closed after the terminal chunk or on
// cancellation.
func (s *Stream) Out() <-chan Chunk {
	return s.ch
}

// Cancel stops delivery immediately. The consumer must stop reading Out
// after calling Cancel; anything still buffered is discarded with the
// stream.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// CancelCh is closed when the stream is cancelled. Consumers select on it
// alongside Out, since a cancelled stream never closes its data channel.
func (s *Stream) CancelCh() <-chan struct{} {
	return s.cancelCh
}

// Cancelled reports whether the stream was cancelled
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// EmitText sends a text delta. Returns false once the stream is finished
// or cancelled.
func (s *Stream) EmitText(text string) bool {
	if text == "" {
		return !s.closedForSend()
	}
	return s.send(Chunk{Kind: ChunkDeltaText, Text: text})
}

// EmitToolEvent sends a tool lifecycle event
func (s *Stream) EmitToolEvent(event ToolEvent) bool {
	return s.send(Chunk{Kind: ChunkToolEvent, Tool: &event})
}

// Done terminates the stream with the final turn
func (s *Stream) Done(turn session.Turn) bool {
	return s.terminate(Chunk{Kind: ChunkDone, Turn: &turn})
}

// Fail terminates the stream with an error chunk
func (s *Stream) Fail(err error) bool {
	return s.terminate(Chunk{Kind: ChunkError, Err: err.Error()})
}

func (s *Stream) closedForSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated || s.cancelled
}

func (s *Stream) send(chunk Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.cancelled {
		return false
	}

	select {
	case s.ch <- chunk:
		observability.RecordStreamChunk(string(chunk.Kind))
		return true
	case <-s.cancelCh:
		s.cancelled = true
		return false
	}
}

func (s *Stream) terminate(chunk Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.cancelled {
		return false
	}

	select {
	case s.ch <- chunk:
		observability.RecordStreamChunk(string(chunk.Kind))
	case <-s.cancelCh:
		s.cancelled = true
		return false
	}
	s.terminated = true
	close(s.ch)
	return true
}

// Aggregator accumulates stream content into the final assistant turn
type Aggregator struct {
	text  strings.Builder
	calls []session.CallRecord
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AddText appends a text delta
func (a *Aggregator) AddText(text string) {
	a.text.WriteString(text)
}

// AddCall records a completed tool call in arrival order
func (a *Aggregator) AddCall(call session.CallRecord) {
	a.calls = append(a.calls, call)
}

// Text returns the accumulated response text
func (a *Aggregator) Text() string {
	return a.text.String()
}

// Calls returns the recorded tool calls
func (a *Aggregator) Calls() []session.CallRecord {
	return a.calls
}

// Turn builds the assistant turn with the given final state
func (a *Aggregator) Turn(state session.TurnState) session.Turn {
	return session.Turn{
		Role:    session.RoleAssistant,
		Content: a.text.String(),
		Calls:   a.calls,
		State:   state,
	}
}
