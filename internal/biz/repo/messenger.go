package repo

import "context"

// CardKind enumerates the interactive cards the bot can send.
type CardKind string

const (
	// CardOfferEscalation offers the user a "talk to a human" button.
	CardOfferEscalation CardKind = "offer_escalation"
	// CardAcceptRequest is the operator-side availability notice with an
	// accept button.
	CardAcceptRequest CardKind = "accept_request"
	// CardCancelWaiting gives a queued user a cancel button.
	CardCancelWaiting CardKind = "cancel_waiting"
	// CardEndSession gives the user an end-consultation button.
	CardEndSession CardKind = "end_session"
	// CardOperatorEnd gives the operator an end-session button.
	CardOperatorEnd CardKind = "operator_end"
	// CardRate asks the user for a 1..5 rating with a skip option.
	CardRate CardKind = "rate"
)

// Card represents an interactive message: body text plus the buttons implied
// by Kind. SubjectID carries the user a button action refers to, so a card
// sent to an operator can act on a specific request.
type Card struct {
	Kind      CardKind
	Title     string
	Body      string
	SubjectID string
}

// Messenger delivers outbound messages to users and operators. Implementations
// return an error on delivery failure and never panic into the engine; the
// engine logs failures and moves on (state transitions are already committed
// by the time anything is sent).
type Messenger interface {
	// SendToUser delivers plain text to a user.
	SendToUser(ctx context.Context, userID, text string) error

	// SendToOperator delivers plain text to an operator.
	SendToOperator(ctx context.Context, operatorID, text string) error

	// SendCardToUser delivers an interactive card to a user.
	SendCardToUser(ctx context.Context, userID string, card Card) error

	// SendCardToOperator delivers an interactive card to an operator.
	SendCardToOperator(ctx context.Context, operatorID string, card Card) error
}
