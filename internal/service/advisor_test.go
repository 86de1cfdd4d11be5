package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

type stubAssistant struct {
	answer *repo.Answer
	err    error
	lastQ  string
	lastCx string
}

func (s *stubAssistant) Answer(ctx context.Context, question, recentContext string) (*repo.Answer, error) {
	s.lastQ = question
	s.lastCx = recentContext
	if s.err != nil {
		return nil, s.err
	}
	return s.answer, nil
}

type recordingMessenger struct {
	texts []string
	cards []repo.Card
}

func (m *recordingMessenger) SendToUser(ctx context.Context, userID, text string) error {
	m.texts = append(m.texts, text)
	return nil
}

func (m *recordingMessenger) SendToOperator(ctx context.Context, operatorID, text string) error {
	return nil
}

func (m *recordingMessenger) SendCardToUser(ctx context.Context, userID string, card repo.Card) error {
	m.cards = append(m.cards, card)
	return nil
}

func (m *recordingMessenger) SendCardToOperator(ctx context.Context, operatorID string, card repo.Card) error {
	return nil
}

func TestConfidentAnswerNoOffer(t *testing.T) {
	assistant := &stubAssistant{answer: &repo.Answer{Text: "Use the settings page.", Confidence: 0.95}}
	messenger := &recordingMessenger{}
	advisor := NewEscalationAdvisor(assistant, messenger, 0.7, zap.NewNop())

	offered := advisor.HandleQuestion(context.Background(), "u1", "how do I reset my password?")
	if offered {
		t.Error("confident answer should not trigger the offer")
	}
	if len(messenger.texts) != 1 || messenger.texts[0] != "Use the settings page." {
		t.Errorf("answer not delivered: %v", messenger.texts)
	}
	if len(messenger.cards) != 0 {
		t.Errorf("unexpected cards: %v", messenger.cards)
	}
}

func TestLowConfidenceOffersEscalation(t *testing.T) {
	assistant := &stubAssistant{answer: &repo.Answer{Text: "Maybe contact billing?", Confidence: 0.3}}
	messenger := &recordingMessenger{}
	advisor := NewEscalationAdvisor(assistant, messenger, 0.7, zap.NewNop())

	offered := advisor.HandleQuestion(context.Background(), "u1", "where is my refund?")
	if !offered {
		t.Fatal("low confidence should trigger the offer")
	}
	if len(messenger.texts) != 1 {
		t.Error("the answer should still be delivered")
	}
	if len(messenger.cards) != 1 || messenger.cards[0].Kind != repo.CardOfferEscalation {
		t.Errorf("expected escalation offer card, got %v", messenger.cards)
	}
}

func TestAssistantErrorOffersEscalation(t *testing.T) {
	assistant := &stubAssistant{err: errors.New("upstream down")}
	messenger := &recordingMessenger{}
	advisor := NewEscalationAdvisor(assistant, messenger, 0.7, zap.NewNop())

	if !advisor.HandleQuestion(context.Background(), "u1", "hello?") {
		t.Fatal("assistant failure should trigger the offer")
	}
	if len(messenger.cards) != 1 {
		t.Errorf("expected one offer card, got %d", len(messenger.cards))
	}
}

func TestNoAssistantAlwaysOffers(t *testing.T) {
	messenger := &recordingMessenger{}
	advisor := NewEscalationAdvisor(nil, messenger, 0.7, zap.NewNop())

	if !advisor.HandleQuestion(context.Background(), "u1", "anyone there?") {
		t.Fatal("missing assistant should trigger the offer")
	}
}

func TestRecentContextRollsAndForgets(t *testing.T) {
	assistant := &stubAssistant{answer: &repo.Answer{Text: "ok", Confidence: 0.9}}
	messenger := &recordingMessenger{}
	advisor := NewEscalationAdvisor(assistant, messenger, 0.7, zap.NewNop())
	ctx := context.Background()

	advisor.HandleQuestion(ctx, "u1", "first question")
	advisor.HandleQuestion(ctx, "u1", "second question")
	if assistant.lastCx == "" {
		t.Error("second question should carry the first exchange as context")
	}

	advisor.Forget("u1")
	advisor.HandleQuestion(ctx, "u1", "third question")
	if assistant.lastCx != "" {
		t.Errorf("context should be empty after Forget, got %q", assistant.lastCx)
	}
}
