package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/usecase"
)

// QueueReminder periodically re-announces requests that have been waiting
// for at least one full interval, so operators who missed the first notice
// get another chance.
type QueueReminder struct {
	engine   *usecase.EscalationEngine
	interval time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueueReminder creates a new queue reminder
func NewQueueReminder(engine *usecase.EscalationEngine, interval time.Duration, log *zap.Logger) *QueueReminder {
	return &QueueReminder{
		engine:   engine,
		interval: interval,
		log:      log.Named("reminder"),
	}
}

// Start starts the reminder loop
func (r *QueueReminder) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.loop()

	r.log.Info("started", zap.Duration("interval", r.interval))
}

// Stop stops the reminder loop
func (r *QueueReminder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("stopped")
}

func (r *QueueReminder) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n := r.engine.RefreshStale(r.ctx, r.interval); n > 0 {
				r.log.Info("re-announced stale requests", zap.Int("count", n))
			}
		}
	}
}
