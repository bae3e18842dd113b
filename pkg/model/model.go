// Package model abstracts chat-completion providers behind one interface.
package model

import (
	"context"
	"fmt"
	"strings"
)

// Provider is a chat-completion backend capable of tool calling
type Provider interface {
	// Complete makes one model call.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name.
	Name() string
}

// ToolCall is a tool invocation proposed by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one entry of the conversation sent to the model
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec declares a callable tool to the model
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request contains the parameters for one model call
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// New creates a provider by name
func New(provider, apiKey string) (Provider, error) {
	switch provider {
	case "openai":
		return NewOpenAI(apiKey), nil
	case "anthropic":
		return NewAnthropic(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// IsRetryable reports whether a provider error is worth another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	for _, marker := range []string{
		"ECONNRESET", "ETIMEDOUT", "connection reset", "connection refused",
		"429", "rate limit",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens gives a rough token count at four characters per token
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	return (totalChars + 3) / 4
}
