package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/feishu"
	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
	"github.com/anthropics/feishu-handoff/internal/biz/usecase"
	"github.com/anthropics/feishu-handoff/internal/data"
	"github.com/anthropics/feishu-handoff/internal/service"
)

// HandoffServer routes Feishu events into the escalation engine. Every
// inbound message is dispatched on the sender's role and current status;
// card button presses map one-to-one onto engine operations.
type HandoffServer struct {
	feishuClient *feishu.Client
	messenger    repo.Messenger
	engine       *usecase.EscalationEngine
	directory    *usecase.OperatorDirectory
	advisor      *service.EscalationAdvisor
	reminder     *service.QueueReminder
	log          *zap.Logger

	// Message deduplication cache
	seenMsgsMu sync.RWMutex
	seenMsgs   map[string]time.Time // msgID -> timestamp
}

// NewHandoffServer creates a new handoff server
func NewHandoffServer(
	feishuClient *feishu.Client,
	messenger repo.Messenger,
	engine *usecase.EscalationEngine,
	directory *usecase.OperatorDirectory,
	advisor *service.EscalationAdvisor,
	reminder *service.QueueReminder,
	log *zap.Logger,
) *HandoffServer {
	return &HandoffServer{
		feishuClient: feishuClient,
		messenger:    messenger,
		engine:       engine,
		directory:    directory,
		advisor:      advisor,
		reminder:     reminder,
		log:          log.Named("server"),
		seenMsgs:     make(map[string]time.Time),
	}
}

// Start starts the server and blocks on the Feishu connection
func (s *HandoffServer) Start() error {
	if s.reminder != nil {
		s.reminder.Start(context.Background())
	}

	s.feishuClient.OnMessage(s.handleMessage)
	s.feishuClient.OnCardAction(s.handleCardAction)
	return s.feishuClient.Start()
}

// Stop stops the server
func (s *HandoffServer) Stop() {
	if s.reminder != nil {
		s.reminder.Stop()
	}
	s.feishuClient.Stop()
}

// handleMessage routes one inbound message
func (s *HandoffServer) handleMessage(msg *feishu.Message) {
	if msg.SenderOpenID == "" {
		return
	}
	if s.isMessageSeen(msg.MsgID) {
		s.log.Debug("duplicate message ignored", zap.String("msg_id", msg.MsgID))
		return
	}
	s.markMessageSeen(msg.MsgID)

	ctx := context.Background()

	if s.directory.IsOperator(msg.SenderOpenID) {
		s.handleOperatorMessage(ctx, msg)
		return
	}
	s.handleUserMessage(ctx, msg)
}

// handleOperatorMessage handles commands and relays from operators
func (s *HandoffServer) handleOperatorMessage(ctx context.Context, msg *feishu.Message) {
	operatorID := msg.SenderOpenID
	content := strings.TrimSpace(msg.Content)

	switch {
	case content == "/end":
		record, err := s.engine.EndByOperator(ctx, operatorID, "closed by operator")
		if errors.Is(err, domain.ErrNoActiveSession) {
			s.reply(ctx, operatorID, "You have no active session.")
			return
		}
		if err != nil {
			s.log.Warn("operator end failed", zap.String("operator_id", operatorID), zap.Error(err))
			return
		}
		s.reply(ctx, operatorID, fmt.Sprintf("Session with %s closed.", record.Session.DisplayName))

	case content == "/stats":
		s.reply(ctx, operatorID, s.formatStats(operatorID))

	case content == "/queue":
		s.reply(ctx, operatorID, s.formatQueue())

	default:
		session, err := s.engine.RelayFromOperator(ctx, operatorID, msg.Content)
		if errors.Is(err, domain.ErrNoActiveSession) {
			s.reply(ctx, operatorID, "You have no active session. Accept a request first.")
			return
		}
		if err != nil {
			s.log.Warn("operator relay failed",
				zap.String("operator_id", operatorID), zap.Error(err))
			return
		}
		s.log.Debug("operator message relayed",
			zap.String("operator_id", operatorID),
			zap.String("user_id", session.UserID))
	}
}

// handleUserMessage dispatches on the user's current status
func (s *HandoffServer) handleUserMessage(ctx context.Context, msg *feishu.Message) {
	userID := msg.SenderOpenID
	content := strings.TrimSpace(msg.Content)

	switch {
	case content == "/operator" || content == "/human":
		s.escalate(ctx, msg, "requested a human consultant")
		return
	case content == "/cancel":
		s.cancelWaiting(ctx, userID)
		return
	}

	switch s.engine.Status(userID) {
	case domain.StatusWaitingOperator:
		kind := domain.KindText
		if msg.IsMedia {
			kind = domain.KindMedia
		}
		s.engine.AppendWaiting(userID, msg.Content, kind)
		s.reply(ctx, userID, "A consultant will reply to you as soon as one is free. Your message has been saved.")

	case domain.StatusWithOperator:
		kind := domain.KindText
		if msg.IsMedia {
			kind = domain.KindMedia
		}
		if err := s.engine.RelayFromUser(ctx, userID, msg.Content, kind); err != nil {
			s.log.Warn("user relay failed", zap.String("user_id", userID), zap.Error(err))
		}

	case domain.StatusRatingOperator:
		// Accept a bare digit as a rating alongside the card buttons
		if stars, err := strconv.Atoi(content); err == nil && stars >= 1 && stars <= 5 {
			if err := s.engine.Rate(ctx, userID, "", stars); err == nil {
				s.reply(ctx, userID, "Thank you for your feedback!")
				return
			}
		}
		s.reply(ctx, userID, "Please rate the consultation with the buttons above, send a number from 1 to 5, or press Skip.")

	default:
		if msg.IsMedia {
			s.reply(ctx, userID, "I can only handle text. Send /operator to talk to a human consultant.")
			return
		}
		s.advisor.HandleQuestion(ctx, userID, msg.Content)
	}
}

// escalate queues the user and confirms with a cancel card
func (s *HandoffServer) escalate(ctx context.Context, msg *feishu.Message, originalMessage string) {
	userID := msg.SenderOpenID

	position, err := s.engine.Escalate(ctx, usecase.EscalateParams{
		UserID:          userID,
		DisplayName:     msg.SenderName,
		ChatID:          msg.ChatID,
		OriginalMessage: originalMessage,
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyQueuedOrActive):
		s.reply(ctx, userID, "You are already waiting for a consultant or talking to one.")
		return
	case errors.Is(err, domain.ErrInvalidTransition):
		s.reply(ctx, userID, "Please finish rating your previous consultation first.")
		return
	case err != nil:
		s.log.Warn("escalate failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	s.advisor.Forget(userID)
	s.sendCard(ctx, userID, repo.Card{
		Kind:  repo.CardCancelWaiting,
		Title: "Waiting for a consultant",
		Body: fmt.Sprintf("You are number %d in the queue.\n"+
			"Anything you send while waiting will be passed to the consultant.", position),
		SubjectID: userID,
	})
}

// cancelWaiting cancels the user's waiting request
func (s *HandoffServer) cancelWaiting(ctx context.Context, userID string) {
	err := s.engine.Cancel(ctx, userID)
	if errors.Is(err, domain.ErrInvalidTransition) {
		s.reply(ctx, userID, "You are not in the queue.")
		return
	}
	if err != nil {
		s.log.Warn("cancel failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.reply(ctx, userID, "Your request has been cancelled. Ask me anything, or send /operator to queue again.")
}

// handleCardAction maps button presses to engine operations and returns the
// toast shown to the presser.
func (s *HandoffServer) handleCardAction(action *feishu.CardAction) string {
	ctx := context.Background()
	presser := action.OperatorOpenID
	subject := action.Value["user_id"]

	switch action.Action {
	case data.ActionRequestOperator:
		msg := &feishu.Message{
			SenderOpenID: presser,
			SenderName:   s.feishuClient.ResolveName(presser),
		}
		s.escalate(ctx, msg, "requested a human after an assistant answer")
		return ""

	case data.ActionAcceptRequest:
		session, err := s.engine.Claim(ctx, presser, subject)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return "Already handled by someone else."
		case errors.Is(err, domain.ErrSessionLimit):
			return "You already have the maximum number of sessions."
		case errors.Is(err, domain.ErrNotOperator):
			return "Only registered operators can accept requests."
		case err != nil:
			s.log.Warn("claim failed", zap.String("operator_id", presser), zap.Error(err))
			return "Could not accept the request."
		}
		return fmt.Sprintf("Connected to %s.", session.DisplayName)

	case data.ActionCancelWaiting:
		if err := s.engine.Cancel(ctx, presser); err != nil {
			return "You are not in the queue."
		}
		s.reply(ctx, presser, "Your request has been cancelled.")
		return "Cancelled."

	case data.ActionEndSession:
		_, err := s.engine.End(ctx, presser, "closed by user")
		if err != nil {
			return "You have no active consultation."
		}
		return "Consultation ended."

	case data.ActionOperatorEnd:
		session := s.engine.Session(subject)
		if session == nil || session.OperatorID != presser {
			return "This is not your session."
		}
		record, err := s.engine.End(ctx, subject, "closed by operator")
		if err != nil {
			return "Session is already closed."
		}
		return fmt.Sprintf("Session with %s closed.", record.Session.DisplayName)

	case data.ActionRate:
		stars, err := strconv.Atoi(action.Value["stars"])
		if err != nil {
			return "Invalid rating."
		}
		if err := s.engine.Rate(ctx, presser, "", stars); err != nil {
			return "There is nothing to rate right now."
		}
		s.reply(ctx, presser, "Thank you for your feedback!")
		return "Thanks!"

	case data.ActionRateSkip:
		if err := s.engine.Skip(ctx, presser); err != nil {
			return "There is nothing to rate right now."
		}
		return "Skipped."
	}

	s.log.Debug("unknown card action", zap.String("action", action.Action))
	return ""
}

// formatStats renders an operator's personal stats plus queue counts
func (s *HandoffServer) formatStats(operatorID string) string {
	info := s.engine.Info()
	var sb strings.Builder

	if op, ok := s.directory.Info(operatorID); ok {
		fmt.Fprintf(&sb, "Your rating: %.2f over %d rated sessions.\n", op.Rating, op.TotalSessions)
	}
	fmt.Fprintf(&sb, "Waiting users: %d\nActive sessions: %d\nActive operators: %d",
		info.WaitingCount, info.ActiveSessions, info.ActiveOperators)
	return sb.String()
}

// formatQueue renders the waiting queue for operators
func (s *HandoffServer) formatQueue() string {
	info := s.engine.Info()
	if len(info.Queue) == 0 {
		return "The queue is empty."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Waiting users (%d):\n", len(info.Queue))
	for _, req := range info.Queue {
		fmt.Fprintf(&sb, "%d. %s since %s: %s\n",
			req.QueuePosition,
			req.DisplayName,
			req.RequestedAt.Format("15:04:05"),
			truncate(req.OriginalMessage, 60))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// reply sends best-effort text to one recipient
func (s *HandoffServer) reply(ctx context.Context, openID, text string) {
	if err := s.feishuClient.SendText(ctx, openID, text); err != nil {
		s.log.Warn("reply failed", zap.String("open_id", openID), zap.Error(err))
	}
}

// sendCard sends a best-effort card to one recipient
func (s *HandoffServer) sendCard(ctx context.Context, openID string, card repo.Card) {
	if err := s.messenger.SendCardToUser(ctx, openID, card); err != nil {
		s.log.Warn("card failed", zap.String("open_id", openID), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// isMessageSeen checks if a message has been processed
func (s *HandoffServer) isMessageSeen(msgID string) bool {
	s.seenMsgsMu.RLock()
	defer s.seenMsgsMu.RUnlock()
	_, exists := s.seenMsgs[msgID]
	return exists
}

// markMessageSeen marks a message as processed
func (s *HandoffServer) markMessageSeen(msgID string) {
	s.seenMsgsMu.Lock()
	defer s.seenMsgsMu.Unlock()
	s.seenMsgs[msgID] = time.Now()

	// Drop records older than 5 minutes to keep the cache bounded
	cutoff := time.Now().Add(-5 * time.Minute)
	for id, ts := range s.seenMsgs {
		if ts.Before(cutoff) {
			delete(s.seenMsgs, id)
		}
	}
}
