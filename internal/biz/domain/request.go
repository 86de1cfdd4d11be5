package domain

import "time"

// MaxPendingMessages bounds how many messages a waiting request keeps.
// Only the tail matters to the operator who eventually claims the request;
// older messages are discarded.
const MaxPendingMessages = 5

// PendingMessage represents a message the user sent while waiting in queue.
type PendingMessage struct {
	Content string
	Kind    MessageKind
	SentAt  time.Time
}

// WaitingRequest represents one user's pending escalation request.
type WaitingRequest struct {
	UserID          string
	DisplayName     string
	ChatID          string
	RequestedAt     time.Time
	QueuePosition   int
	OriginalMessage string
	Pending         []PendingMessage
}

// AppendPending records a message sent while waiting, keeping only the last
// MaxPendingMessages entries.
func (r *WaitingRequest) AppendPending(msg PendingMessage) {
	r.Pending = append(r.Pending, msg)
	if len(r.Pending) > MaxPendingMessages {
		r.Pending = r.Pending[len(r.Pending)-MaxPendingMessages:]
	}
}

// Clone returns a deep copy, safe to hand out of the queue's lock.
func (r *WaitingRequest) Clone() *WaitingRequest {
	cp := *r
	cp.Pending = make([]PendingMessage, len(r.Pending))
	copy(cp.Pending, r.Pending)
	return &cp
}
