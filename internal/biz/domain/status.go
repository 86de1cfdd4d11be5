package domain

// UserStatus represents where a user currently is in the handoff life-cycle.
// It is the sole routing authority for incoming user messages: every inbound
// event is dispatched on this value and nothing else.
type UserStatus int

const (
	// StatusNormal means the bot answers automatically.
	StatusNormal UserStatus = iota
	// StatusWaitingOperator means the user has a request in the waiting queue.
	StatusWaitingOperator
	// StatusWithOperator means the user is in a live session with an operator.
	StatusWithOperator
	// StatusRatingOperator means the session ended and the user is being asked
	// for a 1..5 rating.
	StatusRatingOperator
)

// String returns the status name for logs and diagnostics.
func (s UserStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusWaitingOperator:
		return "waiting_operator"
	case StatusWithOperator:
		return "with_operator"
	case StatusRatingOperator:
		return "rating_operator"
	default:
		return "unknown"
	}
}
