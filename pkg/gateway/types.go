package gateway

import "time"

// Status is the outcome of a tool call
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// ErrorKind classifies a failed call for the strategy layer
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindNotFound    ErrorKind = "not_found"
	KindValidation  ErrorKind = "validation"
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindCancelled   ErrorKind = "cancelled"
	KindInternal    ErrorKind = "internal"
)

// CallRequest is a single tool invocation issued by a strategy executor.
// ID is unique within its turn and correlates the eventual result.
type CallRequest struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CallResult is the uniform response shape for a tool call. Every result
// carries the ID of exactly one request, whatever the outcome.
type CallResult struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	Payload   interface{}   `json:"payload,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// OK reports whether the call succeeded
func (r CallResult) OK() bool {
	return r.Status == StatusSuccess
}

// Correctable reports whether the model could plausibly fix the call by
// adjusting its arguments or choosing a different tool.
func (r CallResult) Correctable() bool {
	switch r.ErrorKind {
	case KindValidation, KindNotFound:
		return true
	default:
		return false
	}
}
