package service

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

const maxRecentExchanges = 6

// EscalationAdvisor answers ordinary questions with the assistant and offers
// a human operator whenever the assistant is missing, failing, or unsure.
type EscalationAdvisor struct {
	assistant repo.AssistantRepo
	messenger repo.Messenger
	threshold float64
	log       *zap.Logger

	mu     sync.Mutex
	recent map[string][]string
}

// NewEscalationAdvisor creates the advisor. assistant may be nil, in which
// case every question gets the escalation offer.
func NewEscalationAdvisor(assistant repo.AssistantRepo, messenger repo.Messenger, threshold float64, log *zap.Logger) *EscalationAdvisor {
	return &EscalationAdvisor{
		assistant: assistant,
		messenger: messenger,
		threshold: threshold,
		log:       log.Named("advisor"),
		recent:    make(map[string][]string),
	}
}

// HandleQuestion answers the user's question. It returns true when the
// escalation offer was shown.
func (a *EscalationAdvisor) HandleQuestion(ctx context.Context, userID, question string) bool {
	if a.assistant == nil {
		a.offer(ctx, userID, "")
		return true
	}

	answer, err := a.assistant.Answer(ctx, question, a.recentContext(userID))
	if err != nil {
		a.log.Warn("assistant failed", zap.String("user_id", userID), zap.Error(err))
		a.offer(ctx, userID, "I could not come up with an answer right now.")
		return true
	}

	a.remember(userID, "User: "+question)
	a.remember(userID, "Assistant: "+answer.Text)

	if err := a.messenger.SendToUser(ctx, userID, answer.Text); err != nil {
		a.log.Warn("answer delivery failed", zap.String("user_id", userID), zap.Error(err))
	}

	if answer.Confidence < a.threshold {
		a.log.Info("low confidence answer, offering escalation",
			zap.String("user_id", userID),
			zap.Float64("confidence", answer.Confidence))
		a.offer(ctx, userID, "I am not fully sure my answer resolves this.")
		return true
	}
	return false
}

// offer sends the talk-to-a-human card
func (a *EscalationAdvisor) offer(ctx context.Context, userID, lead string) {
	body := "Would you like to talk to a human consultant?"
	if lead != "" {
		body = lead + "\n" + body
	}
	err := a.messenger.SendCardToUser(ctx, userID, repo.Card{
		Kind:      repo.CardOfferEscalation,
		Title:     "Need more help?",
		Body:      body,
		SubjectID: userID,
	})
	if err != nil {
		a.log.Warn("escalation offer delivery failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// recentContext returns the user's last few exchanges as one block
func (a *EscalationAdvisor) recentContext(userID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.recent[userID], "\n")
}

// remember appends one line to the user's rolling context
func (a *EscalationAdvisor) remember(userID, line string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lines := append(a.recent[userID], line)
	if len(lines) > maxRecentExchanges {
		lines = lines[len(lines)-maxRecentExchanges:]
	}
	a.recent[userID] = lines
}

// Forget drops the user's rolling context. Called when a session with a
// human starts so stale bot exchanges do not leak into later answers.
func (a *EscalationAdvisor) Forget(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.recent, userID)
}
