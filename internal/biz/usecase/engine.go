package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

// EngineConfig carries the engine's tunables.
type EngineConfig struct {
	// MaxSessionsPerOperator caps concurrent sessions per operator.
	// 0 means unlimited, which is the default.
	MaxSessionsPerOperator int
}

// ratingContext remembers which session a user is rating, so the rating step
// never trusts a client-supplied operator id alone.
type ratingContext struct {
	operatorID string
	sessionID  string
}

// EscalationEngine coordinates the queue, the session registry, the operator
// directory and the fanout, and owns every status transition:
//
//	normal           --escalate-->  waiting_operator
//	waiting_operator --cancel-->    normal
//	waiting_operator --claim-->     with_operator
//	with_operator    --end-->       rating_operator
//	rating_operator  --rate|skip--> normal
//
// One mutex serializes all transitions: status, queue and registry always
// mutate as a single unit, so no interleaving can leave them inconsistent.
// Outbound I/O (notices, relays, archive writes) happens strictly after the
// transition is committed and is never rolled back on delivery failure.
type EscalationEngine struct {
	queue     *WaitingQueue
	registry  *SessionRegistry
	directory *OperatorDirectory
	fanout    *NotificationFanout
	messenger repo.Messenger
	history   repo.HistoryRepo
	clock     repo.Clock
	log       *zap.Logger
	cfg       EngineConfig

	mu            sync.Mutex
	statuses      map[string]domain.UserStatus
	pendingRating map[string]ratingContext
}

// NewEscalationEngine wires the engine. It is constructed once at startup
// and injected wherever escalation state is needed; there is no package
// state.
func NewEscalationEngine(
	queue *WaitingQueue,
	registry *SessionRegistry,
	directory *OperatorDirectory,
	fanout *NotificationFanout,
	messenger repo.Messenger,
	history repo.HistoryRepo,
	clock repo.Clock,
	log *zap.Logger,
	cfg EngineConfig,
) *EscalationEngine {
	return &EscalationEngine{
		queue:         queue,
		registry:      registry,
		directory:     directory,
		fanout:        fanout,
		messenger:     messenger,
		history:       history,
		clock:         clock,
		log:           log.Named("engine"),
		cfg:           cfg,
		statuses:      make(map[string]domain.UserStatus),
		pendingRating: make(map[string]ratingContext),
	}
}

// EscalateParams carries everything needed to open a waiting request.
type EscalateParams struct {
	UserID          string
	DisplayName     string
	ChatID          string
	OriginalMessage string
}

// Status returns the user's current status; unknown users are normal.
func (e *EscalationEngine) Status(userID string) domain.UserStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statuses[userID]
}

// Escalate queues the user for a human operator and fans out availability
// notices. It returns the 1-based queue position. Users who are already
// queued or in a session are rejected, not duplicated; a user in the rating
// step must finish (or skip) it first.
func (e *EscalationEngine) Escalate(ctx context.Context, params EscalateParams) (int, error) {
	e.mu.Lock()
	switch e.statuses[params.UserID] {
	case domain.StatusNormal:
	case domain.StatusWaitingOperator, domain.StatusWithOperator:
		e.mu.Unlock()
		return 0, domain.ErrAlreadyQueuedOrActive
	default:
		e.mu.Unlock()
		return 0, domain.ErrInvalidTransition
	}

	req := &domain.WaitingRequest{
		UserID:          params.UserID,
		DisplayName:     params.DisplayName,
		ChatID:          params.ChatID,
		RequestedAt:     e.clock.Now(),
		OriginalMessage: params.OriginalMessage,
	}
	position, err := e.queue.Enqueue(req)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.statuses[params.UserID] = domain.StatusWaitingOperator
	snapshot := req.Clone()
	e.mu.Unlock()

	e.log.Info("user escalated",
		zap.String("user_id", params.UserID),
		zap.Int("position", position))

	// Fanout happens outside the lock: a slow operator send must not block
	// other users' transitions.
	e.fanout.Notify(ctx, snapshot)
	return position, nil
}

// Cancel removes the user's waiting request. Cancelling when there is
// nothing to cancel reports ErrInvalidTransition and changes nothing, so a
// double cancel is harmless.
func (e *EscalationEngine) Cancel(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.statuses[userID] != domain.StatusWaitingOperator {
		e.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	e.queue.Cancel(userID)
	delete(e.statuses, userID)
	e.mu.Unlock()

	e.log.Info("waiting cancelled", zap.String("user_id", userID))
	return nil
}

// Claim resolves the race for a waiting request. The take-if-present step of
// the queue guarantees at most one operator ever receives the request; a
// loser gets ErrNotFound, surfaced as "already handled by someone else".
// On success both parties are notified (best-effort).
func (e *EscalationEngine) Claim(ctx context.Context, operatorID, userID string) (*domain.ActiveSession, error) {
	e.mu.Lock()
	operator, ok := e.directory.Info(operatorID)
	if !ok {
		e.mu.Unlock()
		return nil, domain.ErrNotOperator
	}
	if e.cfg.MaxSessionsPerOperator > 0 &&
		e.registry.CountByOperator(operatorID) >= e.cfg.MaxSessionsPerOperator {
		e.mu.Unlock()
		return nil, domain.ErrSessionLimit
	}

	req := e.queue.Claim(userID)
	if req == nil {
		e.mu.Unlock()
		return nil, domain.ErrNotFound
	}

	session, err := e.registry.Open(req, operator)
	if err != nil {
		// Unreachable if the claim exclusivity holds. Restore the request
		// so it is not lost, and fail loudly.
		_, _ = e.queue.Enqueue(req)
		e.mu.Unlock()
		e.log.Error("duplicate session on claim, restoring request",
			zap.String("user_id", userID),
			zap.String("operator_id", operatorID),
			zap.Error(err))
		return nil, err
	}
	e.statuses[userID] = domain.StatusWithOperator
	e.mu.Unlock()

	e.log.Info("request claimed",
		zap.String("user_id", userID),
		zap.String("operator_id", operatorID),
		zap.String("session_id", session.SessionID))

	e.sendCardToUser(ctx, userID, repo.Card{
		Kind:  repo.CardEndSession,
		Title: "Consultant connected",
		Body: fmt.Sprintf("A consultant has joined the conversation.\n"+
			"You are now talking directly to %s.", operator.DisplayName),
		SubjectID: userID,
	})
	e.sendCardToOperator(ctx, operatorID, repo.Card{
		Kind:  repo.CardOperatorEnd,
		Title: "Connected to user",
		Body: fmt.Sprintf("You are connected to %s.\nOriginal request:\n%s\n\n"+
			"Everything you send will be relayed to the user.",
			session.DisplayName, session.OriginalMessage),
		SubjectID: userID,
	})
	return session, nil
}

// AppendWaiting records a message sent while the user waits in queue. The
// request keeps only the last few; the operator sees them on claim.
func (e *EscalationEngine) AppendWaiting(userID, content string, kind domain.MessageKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.statuses[userID] != domain.StatusWaitingOperator {
		return false
	}
	return e.queue.AppendPending(userID, domain.PendingMessage{
		Content: content,
		Kind:    kind,
		SentAt:  e.clock.Now(),
	})
}

// RelayFromUser appends the user's message to the transcript and forwards it
// to the session's operator. The transcript append is committed before the
// send; a delivery failure is returned for the caller to surface but rolls
// nothing back.
func (e *EscalationEngine) RelayFromUser(ctx context.Context, userID, content string, kind domain.MessageKind) error {
	e.mu.Lock()
	if e.statuses[userID] != domain.StatusWithOperator {
		e.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	session := e.registry.Get(userID)
	if session == nil {
		e.mu.Unlock()
		e.log.Error("status with_operator but no session", zap.String("user_id", userID))
		return domain.ErrNoActiveSession
	}
	_ = e.registry.AppendTranscript(userID, domain.TranscriptEntry{
		Sender:    domain.SenderUser,
		Content:   content,
		Kind:      kind,
		Timestamp: e.clock.Now(),
	})
	e.mu.Unlock()

	text := fmt.Sprintf("%s: %s", session.DisplayName, content)
	if kind == domain.KindMedia {
		text = fmt.Sprintf("%s sent a media attachment: %s", session.DisplayName, content)
	}
	if err := e.messenger.SendToOperator(ctx, session.OperatorID, text); err != nil {
		e.log.Warn("relay to operator failed",
			zap.String("user_id", userID),
			zap.String("operator_id", session.OperatorID),
			zap.Error(err))
		return err
	}
	return nil
}

// RelayFromOperator forwards an operator's message to their most recently
// connected session and returns that session.
func (e *EscalationEngine) RelayFromOperator(ctx context.Context, operatorID, content string) (*domain.ActiveSession, error) {
	e.mu.Lock()
	if !e.directory.IsOperator(operatorID) {
		e.mu.Unlock()
		return nil, domain.ErrNotOperator
	}
	session := e.registry.FindByOperator(operatorID)
	if session == nil {
		e.mu.Unlock()
		return nil, domain.ErrNoActiveSession
	}
	_ = e.registry.AppendTranscript(session.UserID, domain.TranscriptEntry{
		Sender:    domain.SenderOperator,
		Content:   content,
		Kind:      domain.KindText,
		Timestamp: e.clock.Now(),
	})
	e.mu.Unlock()

	if err := e.messenger.SendToUser(ctx, session.UserID, content); err != nil {
		e.log.Warn("relay to user failed",
			zap.String("user_id", session.UserID),
			zap.String("operator_id", operatorID),
			zap.Error(err))
		return session, err
	}
	return session, nil
}

// End closes the user's session, archives it and moves the user into the
// rating step. A failed rating prompt leaves the user in rating_operator;
// they can still rate, skip, or be reminded.
func (e *EscalationEngine) End(ctx context.Context, userID, reason string) (*domain.HistoryRecord, error) {
	e.mu.Lock()
	record, err := e.endLocked(userID, reason)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.afterEnd(ctx, record)
	return record, nil
}

// EndByOperator closes the operator's most recently connected session.
func (e *EscalationEngine) EndByOperator(ctx context.Context, operatorID, reason string) (*domain.HistoryRecord, error) {
	e.mu.Lock()
	if !e.directory.IsOperator(operatorID) {
		e.mu.Unlock()
		return nil, domain.ErrNotOperator
	}
	session := e.registry.FindByOperator(operatorID)
	if session == nil {
		e.mu.Unlock()
		return nil, domain.ErrNoActiveSession
	}
	record, err := e.endLocked(session.UserID, reason)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.afterEnd(ctx, record)
	return record, nil
}

// endLocked commits the end transition. Caller holds e.mu.
func (e *EscalationEngine) endLocked(userID, reason string) (*domain.HistoryRecord, error) {
	if e.statuses[userID] != domain.StatusWithOperator {
		return nil, domain.ErrInvalidTransition
	}
	record, err := e.registry.Close(userID, reason)
	if err != nil {
		e.log.Error("status with_operator but registry close failed",
			zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	e.statuses[userID] = domain.StatusRatingOperator
	e.pendingRating[userID] = ratingContext{
		operatorID: record.Session.OperatorID,
		sessionID:  record.Session.SessionID,
	}
	return record, nil
}

// afterEnd performs the post-transition I/O: archive append, rating prompt,
// operator notice. All best-effort.
func (e *EscalationEngine) afterEnd(ctx context.Context, record *domain.HistoryRecord) {
	session := record.Session

	e.log.Info("session ended",
		zap.String("user_id", session.UserID),
		zap.String("operator_id", session.OperatorID),
		zap.String("session_id", session.SessionID),
		zap.String("reason", record.EndReason),
		zap.Duration("duration", record.Duration))

	if err := e.history.Append(ctx, record); err != nil {
		e.log.Warn("history append failed",
			zap.String("session_id", session.SessionID), zap.Error(err))
	}

	e.sendCardToUser(ctx, session.UserID, repo.Card{
		Kind:  repo.CardRate,
		Title: "Session ended",
		Body: fmt.Sprintf("Your session with the consultant has ended (%s).\n"+
			"Duration: %d min, messages: %d.\n\nPlease rate the consultation:",
			record.EndReason,
			int(record.Duration/time.Minute),
			session.MessageCount()),
		SubjectID: session.UserID,
	})

	if err := e.messenger.SendToOperator(ctx, session.OperatorID,
		fmt.Sprintf("Session with %s ended (%s).", session.DisplayName, record.EndReason)); err != nil {
		e.log.Warn("operator end notice failed",
			zap.String("operator_id", session.OperatorID), zap.Error(err))
	}
}

// Rate folds the user's stars into the operator's rating and finishes the
// cycle. operatorID may be empty; when given it must match the session being
// rated.
func (e *EscalationEngine) Rate(ctx context.Context, userID, operatorID string, stars int) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("rating %d out of range 1..5", stars)
	}

	e.mu.Lock()
	if e.statuses[userID] != domain.StatusRatingOperator {
		e.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	rc := e.pendingRating[userID]
	if operatorID != "" && operatorID != rc.operatorID {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	if err := e.directory.RecordRating(rc.operatorID, stars); err != nil {
		e.mu.Unlock()
		return err
	}
	delete(e.statuses, userID)
	delete(e.pendingRating, userID)
	e.mu.Unlock()

	e.log.Info("operator rated",
		zap.String("user_id", userID),
		zap.String("operator_id", rc.operatorID),
		zap.Int("stars", stars))

	if err := e.history.AttachRating(ctx, rc.sessionID, stars); err != nil {
		e.log.Warn("history rating attach failed",
			zap.String("session_id", rc.sessionID), zap.Error(err))
	}
	return nil
}

// Skip finishes the rating step without recording a rating.
func (e *EscalationEngine) Skip(ctx context.Context, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.statuses[userID] != domain.StatusRatingOperator {
		return domain.ErrInvalidTransition
	}
	delete(e.statuses, userID)
	delete(e.pendingRating, userID)
	return nil
}

// Refresh manually re-sends the availability notices for a still-waiting
// request. It is idempotent: notices may go out any number of times, the
// claim can still succeed at most once.
func (e *EscalationEngine) Refresh(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.statuses[userID] != domain.StatusWaitingOperator {
		e.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	req := e.queue.Get(userID)
	e.mu.Unlock()

	if req == nil {
		return domain.ErrNotFound
	}
	e.fanout.Notify(ctx, req)
	return nil
}

// RefreshStale re-fans-out every request that has been waiting at least
// olderThan. Used by the periodic reminder; returns how many requests were
// re-announced.
func (e *EscalationEngine) RefreshStale(ctx context.Context, olderThan time.Duration) int {
	now := e.clock.Now()
	refreshed := 0
	for _, req := range e.queue.Snapshot() {
		if now.Sub(req.RequestedAt) >= olderThan {
			e.fanout.Notify(ctx, req)
			refreshed++
		}
	}
	return refreshed
}

// QueueInfo is the read-only diagnostic view of the subsystem.
type QueueInfo struct {
	WaitingCount    int
	ActiveSessions  int
	ActiveOperators int
	Queue           []*domain.WaitingRequest
}

// Info returns the current queue/session/operator counts and a queue
// snapshot for status displays.
func (e *EscalationEngine) Info() QueueInfo {
	return QueueInfo{
		WaitingCount:    e.queue.Len(),
		ActiveSessions:  e.registry.Count(),
		ActiveOperators: len(e.directory.ListActive()),
		Queue:           e.queue.Snapshot(),
	}
}

// Session returns a copy of the user's active session, or nil.
func (e *EscalationEngine) Session(userID string) *domain.ActiveSession {
	return e.registry.Get(userID)
}

// sendCardToUser delivers a card best-effort, logging failures.
func (e *EscalationEngine) sendCardToUser(ctx context.Context, userID string, card repo.Card) {
	if err := e.messenger.SendCardToUser(ctx, userID, card); err != nil {
		e.log.Warn("user card delivery failed",
			zap.String("user_id", userID),
			zap.String("card", string(card.Kind)),
			zap.Error(err))
	}
}

// sendCardToOperator delivers a card best-effort, logging failures.
func (e *EscalationEngine) sendCardToOperator(ctx context.Context, operatorID string, card repo.Card) {
	if err := e.messenger.SendCardToOperator(ctx, operatorID, card); err != nil {
		e.log.Warn("operator card delivery failed",
			zap.String("operator_id", operatorID),
			zap.String("card", string(card.Kind)),
			zap.Error(err))
	}
}
