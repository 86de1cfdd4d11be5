package data

import (
	"github.com/anthropics/feishu-handoff/deepseek"
	"github.com/anthropics/feishu-handoff/feishu"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

// Repositories contains all repositories
type Repositories struct {
	Messenger repo.Messenger
	History   repo.HistoryRepo
	Assistant repo.AssistantRepo
}

// NewRepositories creates all repositories. deepseekClient may be nil, in
// which case Assistant is nil and the bot escalates without trying to answer.
func NewRepositories(
	feishuClient *feishu.Client,
	deepseekClient *deepseek.Client,
	historyDBPath string,
) (*Repositories, error) {
	historyRepo, err := NewHistoryRepo(historyDBPath)
	if err != nil {
		return nil, err
	}

	repos := &Repositories{
		Messenger: NewFeishuMessenger(feishuClient),
		History:   historyRepo,
	}
	if deepseekClient != nil {
		repos.Assistant = NewDeepSeekAssistant(deepseekClient)
	}
	return repos, nil
}
