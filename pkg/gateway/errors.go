package gateway

import "errors"

var (
	// ErrStoreUnavailable marks a transient backing-store outage. Handlers
	// wrap it so the gateway knows the call is worth one backoff retry.
	ErrStoreUnavailable = errors.New("backing store unavailable")

	// ErrProtocolViolation marks a malformed tool-call envelope from the
	// model, such as a missing call ID or an unparseable arguments blob.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrIterationLimit is returned by strategies when a reasoning loop
	// reaches its configured iteration ceiling.
	ErrIterationLimit = errors.New("iteration limit exceeded")
)

// classify maps a handler error onto the result taxonomy
func classify(err error) ErrorKind {
	if errors.Is(err, ErrStoreUnavailable) {
		return KindUnavailable
	}
	return KindInternal
}
