package usecase

import (
	"sync"

	"github.com/google/uuid"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

// SessionRegistry holds the active sessions, keyed by user id. One user has
// at most one session; one operator may hold any number of them.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*domain.ActiveSession
	clock    repo.Clock
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(clock repo.Clock) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*domain.ActiveSession),
		clock:    clock,
	}
}

// Open turns a claimed waiting request into a live session. The duplicate
// check is defensive: the queue's claim exclusivity should make it
// unreachable.
func (r *SessionRegistry) Open(req *domain.WaitingRequest, operator domain.Operator) (*domain.ActiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[req.UserID]; ok {
		return nil, domain.ErrDuplicateSession
	}

	now := r.clock.Now()
	session := &domain.ActiveSession{
		SessionID:       uuid.NewString(),
		UserID:          req.UserID,
		DisplayName:     req.DisplayName,
		ChatID:          req.ChatID,
		OperatorID:      operator.OperatorID,
		OperatorName:    operator.DisplayName,
		OriginalMessage: req.OriginalMessage,
		ConnectedAt:     now,
		LastActivityAt:  now,
	}
	r.sessions[req.UserID] = session
	return cloneSession(session), nil
}

// Get returns a copy of the user's session, or nil.
func (r *SessionRegistry) Get(userID string) *domain.ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	return cloneSession(session)
}

// FindByOperator returns the operator's most recently connected session, or
// nil. When an operator holds several sessions, their messages go to the
// newest one.
func (r *SessionRegistry) FindByOperator(operatorID string) *domain.ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *domain.ActiveSession
	for _, session := range r.sessions {
		if session.OperatorID != operatorID {
			continue
		}
		if latest == nil || session.ConnectedAt.After(latest.ConnectedAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil
	}
	return cloneSession(latest)
}

// CountByOperator returns how many sessions the operator currently holds.
func (r *SessionRegistry) CountByOperator(operatorID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, session := range r.sessions {
		if session.OperatorID == operatorID {
			n++
		}
	}
	return n
}

// AppendTranscript appends an entry to the user's session transcript,
// preserving arrival order.
func (r *SessionRegistry) AppendTranscript(userID string, entry domain.TranscriptEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return domain.ErrNoActiveSession
	}
	session.Append(entry)
	return nil
}

// Close removes the user's session and returns its history record with the
// computed duration.
func (r *SessionRegistry) Close(userID, reason string) (*domain.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return nil, domain.ErrNoActiveSession
	}
	delete(r.sessions, userID)

	now := r.clock.Now()
	return &domain.HistoryRecord{
		Session:   session,
		EndReason: reason,
		EndedAt:   now,
		Duration:  now.Sub(session.ConnectedAt),
	}, nil
}

// Contains reports whether the user has an active session.
func (r *SessionRegistry) Contains(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[userID]
	return ok
}

// Count returns the number of active sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func cloneSession(s *domain.ActiveSession) *domain.ActiveSession {
	cp := *s
	cp.Transcript = make([]domain.TranscriptEntry, len(s.Transcript))
	copy(cp.Transcript, s.Transcript)
	return &cp
}
