package repo

import (
	"context"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
)

// HistoryRepo is the archive of finished sessions (SQLite). It is
// write-mostly: the live engine never reads archived state back, the archive
// exists for audit and rating analytics.
type HistoryRepo interface {
	// Append stores a finished session.
	Append(ctx context.Context, record *domain.HistoryRecord) error

	// AttachRating records the user's stars on an archived session.
	AttachRating(ctx context.Context, sessionID string, stars int) error

	// RecentByUser lists a user's most recent archived sessions, newest first.
	RecentByUser(ctx context.Context, userID string, limit int) ([]*domain.HistoryRecord, error)

	// Count returns the total number of archived sessions.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying store.
	Close() error
}
