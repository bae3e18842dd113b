// Package session manages persistent conversation history using JSONL files.
//
// Invariants:
// - Session IDs are validated and path-safe.
// - A session's strategy is fixed at creation.
// - Turn sequence numbers are strictly increasing; trimming may leave gaps.
// - Writes for the same session are serialized.
package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for operations on a missing session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session that exists.
	ErrSessionExists = errors.New("session already exists")
	// ErrStrategyMismatch is returned when an existing session is addressed
	// with a different strategy. Strategy is fixed at creation.
	ErrStrategyMismatch = errors.New("session strategy mismatch")
	// ErrSeqOutOfOrder is returned when an appended turn carries a sequence
	// number other than the next expected one.
	ErrSeqOutOfOrder = errors.New("turn sequence out of order")
)

// TurnState records how a turn ended
type TurnState string

const (
	TurnComplete  TurnState = "complete"
	TurnPartial   TurnState = "partial"
	TurnFailed    TurnState = "failed"
	TurnCancelled TurnState = "cancelled"
)

// Role identifies the author of a turn
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// CallRecord is the durable trace of one tool call made during a turn
type CallRecord struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Status    string                 `json:"status"`
	Error     string                 `json:"error,omitempty"`
}

// Turn is a single conversation turn
type Turn struct {
	Seq       int          `json:"seq"`
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	Calls     []CallRecord `json:"calls,omitempty"`
	State     TurnState    `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

// Session is a conversation with its pinned strategy
type Session struct {
	ID        string    `json:"id"`
	Strategy  string    `json:"strategy"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// LastSeq returns the sequence number of the newest turn, 0 when empty
func (s *Session) LastSeq() int {
	if len(s.Turns) == 0 {
		return 0
	}
	return s.Turns[len(s.Turns)-1].Seq
}

// clone returns a deep copy safe to hand out while the manager keeps
// mutating the original
func (s *Session) clone() *Session {
	out := &Session{
		ID:        s.ID,
		Strategy:  s.Strategy,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Turns:     make([]Turn, len(s.Turns)),
	}
	for i, turn := range s.Turns {
		out.Turns[i] = turn.clone()
	}
	return out
}

func (t Turn) clone() Turn {
	out := t
	if t.Calls != nil {
		out.Calls = make([]CallRecord, len(t.Calls))
		for i, call := range t.Calls {
			out.Calls[i] = call
			if call.Arguments != nil {
				args := make(map[string]interface{}, len(call.Arguments))
				for k, v := range call.Arguments {
					args[k] = v
				}
				out.Calls[i].Arguments = args
			}
		}
	}
	return out
}

// historyChars is the rough character weight of the session used by the
// trim guard
func (s *Session) historyChars() int {
	total := 0
	for _, turn := range s.Turns {
		total += len(turn.Content)
	}
	return total
}
