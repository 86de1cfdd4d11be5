package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

// NotificationFanout dispatches availability notices for a new request to
// every active operator. Delivery is best-effort and independent per
// operator: one unreachable operator never blocks the rest, failures are
// logged and swallowed, and the request stays claimable regardless.
type NotificationFanout struct {
	directory *OperatorDirectory
	messenger repo.Messenger
	log       *zap.Logger
}

// NewNotificationFanout creates a fanout over the directory and messenger.
func NewNotificationFanout(directory *OperatorDirectory, messenger repo.Messenger, log *zap.Logger) *NotificationFanout {
	return &NotificationFanout{
		directory: directory,
		messenger: messenger,
		log:       log.Named("fanout"),
	}
}

// Notify sends the accept card to all active operators and returns how many
// deliveries succeeded. Re-sending for a still-waiting request is safe: the
// claim stays a single take-if-present step no matter how many notices are
// out.
func (f *NotificationFanout) Notify(ctx context.Context, req *domain.WaitingRequest) int {
	operators := f.directory.ListActive()
	if len(operators) == 0 {
		f.log.Warn("no active operators, request stays queued",
			zap.String("user_id", req.UserID))
		return 0
	}

	card := repo.Card{
		Kind:      repo.CardAcceptRequest,
		Title:     "New support request",
		Body:      formatRequestNotice(req),
		SubjectID: req.UserID,
	}

	delivered := 0
	for _, operatorID := range operators {
		if err := f.messenger.SendCardToOperator(ctx, operatorID, card); err != nil {
			f.log.Warn("operator notice delivery failed",
				zap.String("operator_id", operatorID),
				zap.String("user_id", req.UserID),
				zap.Error(err))
			continue
		}
		delivered++
	}

	f.log.Info("request fanned out",
		zap.String("user_id", req.UserID),
		zap.Int("operators", len(operators)),
		zap.Int("delivered", delivered))
	return delivered
}

func formatRequestNotice(req *domain.WaitingRequest) string {
	body := fmt.Sprintf("User: %s\nRequested at: %s\nQueue position: %d\n\nRequest:\n%s",
		req.DisplayName,
		req.RequestedAt.Format("15:04:05"),
		req.QueuePosition,
		req.OriginalMessage,
	)
	if len(req.Pending) > 0 {
		body += "\n\nWhile waiting:"
		for _, msg := range req.Pending {
			body += "\n- " + msg.Content
		}
	}
	return body
}
