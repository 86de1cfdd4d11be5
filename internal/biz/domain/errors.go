package domain

import "errors"

// Error kinds returned by the escalation engine. Callers match them with
// errors.Is and translate them into plain-language replies; none of them is
// ever fatal.
var (
	// ErrInvalidTransition means the operation is not allowed in the user's
	// current status (e.g. cancel while normal).
	ErrInvalidTransition = errors.New("operation not allowed in current status")

	// ErrAlreadyQueuedOrActive means a duplicate escalate attempt.
	ErrAlreadyQueuedOrActive = errors.New("user already queued or in a session")

	// ErrNotFound means a claim raced with another operator (or with a
	// cancel) and the request is gone.
	ErrNotFound = errors.New("request not found")

	// ErrNoActiveSession means end/relay was attempted without a session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrDuplicateSession should be unreachable given the queue's claim
	// exclusivity. If it surfaces, it is a programming fault and is logged
	// loudly rather than silently continued from.
	ErrDuplicateSession = errors.New("session already exists for user")

	// ErrSessionLimit means the operator already holds the configured
	// maximum number of concurrent sessions.
	ErrSessionLimit = errors.New("operator session limit reached")

	// ErrNotOperator means the caller is not on the operator allow-list.
	ErrNotOperator = errors.New("not an operator")
)
