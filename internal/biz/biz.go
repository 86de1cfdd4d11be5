package biz

import (
	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
	"github.com/anthropics/feishu-handoff/internal/biz/usecase"
)

// Usecases contains the escalation subsystem's components.
type Usecases struct {
	Queue     *usecase.WaitingQueue
	Registry  *usecase.SessionRegistry
	Directory *usecase.OperatorDirectory
	Fanout    *usecase.NotificationFanout
	Engine    *usecase.EscalationEngine
}

// NewUsecases wires the escalation subsystem together.
func NewUsecases(
	operators []domain.Operator,
	messenger repo.Messenger,
	history repo.HistoryRepo,
	log *zap.Logger,
	cfg usecase.EngineConfig,
) *Usecases {
	clock := repo.SystemClock()
	queue := usecase.NewWaitingQueue()
	registry := usecase.NewSessionRegistry(clock)
	directory := usecase.NewOperatorDirectory(operators)
	fanout := usecase.NewNotificationFanout(directory, messenger, log)
	engine := usecase.NewEscalationEngine(queue, registry, directory, fanout,
		messenger, history, clock, log, cfg)

	return &Usecases{
		Queue:     queue,
		Registry:  registry,
		Directory: directory,
		Fanout:    fanout,
		Engine:    engine,
	}
}
