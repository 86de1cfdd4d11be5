package data

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"
)

func newTestHistory(t *testing.T) repo.HistoryRepo {
	t.Helper()
	r, err := NewHistoryRepo(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewHistoryRepo: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleRecord(sessionID, userID string, endedAt time.Time) *domain.HistoryRecord {
	connected := endedAt.Add(-10 * time.Minute)
	return &domain.HistoryRecord{
		Session: &domain.ActiveSession{
			SessionID:       sessionID,
			UserID:          userID,
			DisplayName:     "User " + userID,
			ChatID:          "chat-" + userID,
			OperatorID:      "op-1",
			OperatorName:    "Alice",
			OriginalMessage: "please help",
			ConnectedAt:     connected,
			Transcript: []domain.TranscriptEntry{
				{Sender: domain.SenderUser, Content: "hello", Kind: domain.KindText, Timestamp: connected.Add(time.Minute)},
				{Sender: domain.SenderOperator, Content: "hi there", Kind: domain.KindText, Timestamp: connected.Add(2 * time.Minute)},
			},
		},
		EndReason: "resolved",
		EndedAt:   endedAt,
		Duration:  10 * time.Minute,
	}
}

func TestAppendAndRecentByUser(t *testing.T) {
	r := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := r.Append(ctx, sampleRecord("s1", "u1", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.Append(ctx, sampleRecord("s2", "u1", base.Add(time.Hour))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.Append(ctx, sampleRecord("s3", "u2", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := r.RecentByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentByUser: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Session.SessionID != "s2" {
		t.Errorf("newest first: got %s, want s2", records[0].Session.SessionID)
	}

	got := records[1]
	if got.EndReason != "resolved" || got.Duration != 10*time.Minute {
		t.Errorf("record round trip: reason=%q duration=%v", got.EndReason, got.Duration)
	}
	if got.UserRating != nil {
		t.Error("rating should be nil before AttachRating")
	}
	if len(got.Session.Transcript) != 2 {
		t.Fatalf("transcript = %d entries, want 2", len(got.Session.Transcript))
	}
	if got.Session.Transcript[1].Sender != domain.SenderOperator {
		t.Errorf("transcript sender = %s, want operator", got.Session.Transcript[1].Sender)
	}

	count, err := r.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestAttachRating(t *testing.T) {
	r := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := r.Append(ctx, sampleRecord("s1", "u1", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.AttachRating(ctx, "s1", 4); err != nil {
		t.Fatalf("AttachRating: %v", err)
	}

	records, err := r.RecentByUser(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("RecentByUser: %v", err)
	}
	if records[0].UserRating == nil || *records[0].UserRating != 4 {
		t.Errorf("rating = %v, want 4", records[0].UserRating)
	}

	if err := r.AttachRating(ctx, "missing", 4); err != domain.ErrNotFound {
		t.Errorf("attach to unknown session error = %v, want ErrNotFound", err)
	}
}

func TestRecentByUserEmpty(t *testing.T) {
	r := newTestHistory(t)

	records, err := r.RecentByUser(context.Background(), "nobody", 5)
	if err != nil {
		t.Fatalf("RecentByUser: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}
