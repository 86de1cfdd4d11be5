package repo

import "context"

// Answer is the automated assistant's reply to a user question, with the
// model's self-reported confidence in [0,1]. Low confidence is the trigger
// for offering escalation to a human.
type Answer struct {
	Text       string
	Confidence float64
}

// AssistantRepo is the LLM-backed answer generator. It is an external
// collaborator: the escalation core never depends on how answers are
// produced, only on the confidence signal.
type AssistantRepo interface {
	// Answer generates a reply to the question, optionally using recent
	// conversation context.
	Answer(ctx context.Context, question, recentContext string) (*Answer, error)
}
