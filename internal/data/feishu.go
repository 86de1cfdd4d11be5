package data

import (
	"context"
	"fmt"

	"github.com/anthropics/feishu-handoff/feishu"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

// Card action names carried in button values. The server matches on these
// when a card callback arrives.
const (
	ActionRequestOperator = "request_operator"
	ActionAcceptRequest   = "accept_request"
	ActionCancelWaiting   = "cancel_waiting"
	ActionEndSession      = "end_session"
	ActionOperatorEnd     = "operator_end"
	ActionRate            = "rate"
	ActionRateSkip        = "rate_skip"
)

// feishuMessenger implements the Messenger repository over the Feishu client.
// Users and operators are both addressed by open_id.
type feishuMessenger struct {
	client *feishu.Client
}

// NewFeishuMessenger creates a Messenger backed by Feishu
func NewFeishuMessenger(client *feishu.Client) repo.Messenger {
	return &feishuMessenger{client: client}
}

func (m *feishuMessenger) SendToUser(ctx context.Context, userID, text string) error {
	return m.client.SendText(ctx, userID, text)
}

func (m *feishuMessenger) SendToOperator(ctx context.Context, operatorID, text string) error {
	return m.client.SendText(ctx, operatorID, text)
}

func (m *feishuMessenger) SendCardToUser(ctx context.Context, userID string, card repo.Card) error {
	return m.client.SendCard(ctx, userID, buildCardPayload(card))
}

func (m *feishuMessenger) SendCardToOperator(ctx context.Context, operatorID string, card repo.Card) error {
	return m.client.SendCard(ctx, operatorID, buildCardPayload(card))
}

// buildCardPayload attaches the buttons each card kind implies
func buildCardPayload(card repo.Card) *feishu.CardPayload {
	payload := &feishu.CardPayload{
		Title: card.Title,
		Body:  card.Body,
	}
	subject := map[string]string{"user_id": card.SubjectID}

	switch card.Kind {
	case repo.CardOfferEscalation:
		payload.Buttons = []feishu.CardButton{
			{Text: "Talk to a human", Action: ActionRequestOperator, Value: subject, Primary: true},
		}
	case repo.CardAcceptRequest:
		payload.Buttons = []feishu.CardButton{
			{Text: "Accept", Action: ActionAcceptRequest, Value: subject, Primary: true},
		}
	case repo.CardCancelWaiting:
		payload.Buttons = []feishu.CardButton{
			{Text: "Cancel waiting", Action: ActionCancelWaiting, Value: subject},
		}
	case repo.CardEndSession:
		payload.Buttons = []feishu.CardButton{
			{Text: "End consultation", Action: ActionEndSession, Value: subject},
		}
	case repo.CardOperatorEnd:
		payload.Buttons = []feishu.CardButton{
			{Text: "End session", Action: ActionOperatorEnd, Value: subject},
		}
	case repo.CardRate:
		for stars := 1; stars <= 5; stars++ {
			payload.Buttons = append(payload.Buttons, feishu.CardButton{
				Text:   fmt.Sprintf("%d ★", stars),
				Action: ActionRate,
				Value: map[string]string{
					"user_id": card.SubjectID,
					"stars":   fmt.Sprintf("%d", stars),
				},
			})
		}
		payload.Buttons = append(payload.Buttons, feishu.CardButton{
			Text:   "Skip",
			Action: ActionRateSkip,
			Value:  subject,
		})
	}
	return payload
}
