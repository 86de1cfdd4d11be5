package data

import (
	"context"

	"github.com/anthropics/feishu-handoff/deepseek"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

// deepseekAssistant implements the Assistant repository over DeepSeek
type deepseekAssistant struct {
	client *deepseek.Client
}

// NewDeepSeekAssistant creates an Assistant backed by DeepSeek
func NewDeepSeekAssistant(client *deepseek.Client) repo.AssistantRepo {
	return &deepseekAssistant{client: client}
}

func (a *deepseekAssistant) Answer(ctx context.Context, question, recentContext string) (*repo.Answer, error) {
	text, confidence, err := a.client.Answer(ctx, question, recentContext)
	if err != nil {
		return nil, err
	}
	return &repo.Answer{Text: text, Confidence: confidence}, nil
}
