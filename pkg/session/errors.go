package session

import "errors"

// Caller-visible failure conditions. Salt exhaustion is deliberately not
// among them: an empty salt store is expected operational state, handled by
// the dispatcher's background refresh, and is never surfaced to callers.
var (
	// ErrClosed is returned for requests submitted to, or in flight on,
	// a dispatcher that has shut down.
	ErrClosed = errors.New("session: dispatcher closed")

	// ErrSendFailed is returned for a request whose frame could not be
	// written after the bounded retry budget was spent.
	ErrSendFailed = errors.New("session: send failed after retries")
)
