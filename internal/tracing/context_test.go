package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")

	assert.Equal(t, "trace-123", GetTraceID(ctx))
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestFromContext_AllFields(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithSessionID(ctx, "session-1")
	ctx = WithStrategy(ctx, "agent")

	tc := FromContext(ctx)

	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "turn-1", tc.TurnID)
	assert.Equal(t, "session-1", tc.SessionID)
	assert.Equal(t, "agent", tc.Strategy)
}

func TestFromContext_Empty(t *testing.T) {
	tc := FromContext(context.Background())

	assert.Empty(t, tc.TraceID)
	assert.Empty(t, tc.TurnID)
	assert.Empty(t, tc.SessionID)
	assert.Empty(t, tc.Strategy)
}

func TestNewContext_RoundTrip(t *testing.T) {
	tc := &TraceContext{
		TraceID:   "trace-9",
		SessionID: "session-9",
		Strategy:  "graph",
	}

	ctx := NewContext(context.Background(), tc)

	assert.Equal(t, "trace-9", GetTraceID(ctx))
	assert.Equal(t, "session-9", GetSessionID(ctx))
	assert.Equal(t, "graph", GetStrategy(ctx))
	assert.Empty(t, GetTurnID(ctx))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}
