package usecase

import (
	"sync"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
)

// WaitingQueue holds pending escalation requests in request-time order. All
// mutations happen under one mutex; Claim in particular is a single
// take-if-present step, so two operators racing for the same user can never
// both succeed.
type WaitingQueue struct {
	mu     sync.Mutex
	order  []*domain.WaitingRequest
	byUser map[string]*domain.WaitingRequest
}

// NewWaitingQueue creates an empty queue.
func NewWaitingQueue() *WaitingQueue {
	return &WaitingQueue{
		byUser: make(map[string]*domain.WaitingRequest),
	}
}

// Enqueue appends a request and returns its 1-based position. A user already
// in the queue is rejected, not duplicated.
func (q *WaitingQueue) Enqueue(req *domain.WaitingRequest) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[req.UserID]; ok {
		return 0, domain.ErrAlreadyQueuedOrActive
	}

	q.order = append(q.order, req)
	q.byUser[req.UserID] = req
	q.renumberLocked()
	return req.QueuePosition, nil
}

// Claim removes and returns the request for userID in one indivisible step.
// It returns nil when the request is absent, which callers surface as
// "already handled by someone else".
func (q *WaitingQueue) Claim(userID string) *domain.WaitingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byUser[userID]
	if !ok {
		return nil
	}
	q.removeLocked(userID)
	q.renumberLocked()
	return req
}

// Cancel removes the request without consuming it. It reports whether a
// request was present.
func (q *WaitingQueue) Cancel(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[userID]; !ok {
		return false
	}
	q.removeLocked(userID)
	q.renumberLocked()
	return true
}

// AppendPending records a message the user sent while waiting. The request
// keeps at most domain.MaxPendingMessages of them.
func (q *WaitingQueue) AppendPending(userID string, msg domain.PendingMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byUser[userID]
	if !ok {
		return false
	}
	req.AppendPending(msg)
	return true
}

// Get returns a copy of the user's request, or nil.
func (q *WaitingQueue) Get(userID string) *domain.WaitingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req, ok := q.byUser[userID]; ok {
		return req.Clone()
	}
	return nil
}

// Contains reports whether userID has a pending request.
func (q *WaitingQueue) Contains(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byUser[userID]
	return ok
}

// Position returns the 1-based position for userID, or 0 if absent.
func (q *WaitingQueue) Position(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req, ok := q.byUser[userID]; ok {
		return req.QueuePosition
	}
	return 0
}

// Len returns the number of waiting requests.
func (q *WaitingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Snapshot returns a deep copy of the queue in position order, safe for
// status displays.
func (q *WaitingQueue) Snapshot() []*domain.WaitingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.WaitingRequest, 0, len(q.order))
	for _, req := range q.order {
		out = append(out, req.Clone())
	}
	return out
}

func (q *WaitingQueue) removeLocked(userID string) {
	delete(q.byUser, userID)
	for i, req := range q.order {
		if req.UserID == userID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// renumberLocked recomputes contiguous 1..N positions. The order slice is
// append-only at enqueue time, so it already ascends by request time.
func (q *WaitingQueue) renumberLocked() {
	for i, req := range q.order {
		req.QueuePosition = i + 1
	}
}
