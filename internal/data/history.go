package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
	"github.com/anthropics/feishu-handoff/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// historyRepo implements the History repository on SQLite
type historyRepo struct {
	db *sql.DB
}

// NewHistoryRepo creates a new History repository
func NewHistoryRepo(dbPath string) (repo.HistoryRepo, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			operator_id TEXT NOT NULL,
			operator_name TEXT NOT NULL,
			original_message TEXT NOT NULL,
			connected_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			end_reason TEXT NOT NULL,
			rating INTEGER,
			transcript TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_history_user_ended ON history(user_id, ended_at)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &historyRepo{db: db}, nil
}

// transcriptEntry is the stored transcript row shape
type transcriptEntry struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"ts"`
}

// Append archives a finished session
func (r *historyRepo) Append(ctx context.Context, record *domain.HistoryRecord) error {
	session := record.Session

	entries := make([]transcriptEntry, 0, len(session.Transcript))
	for _, e := range session.Transcript {
		entries = append(entries, transcriptEntry{
			Sender:    string(e.Sender),
			Content:   e.Content,
			Kind:      string(e.Kind),
			Timestamp: e.Timestamp.Unix(),
		})
	}
	transcriptJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	var rating interface{}
	if record.UserRating != nil {
		rating = *record.UserRating
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO history
			(session_id, user_id, display_name, chat_id, operator_id, operator_name,
			 original_message, connected_at, ended_at, duration_seconds, end_reason, rating, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.SessionID,
		session.UserID,
		session.DisplayName,
		session.ChatID,
		session.OperatorID,
		session.OperatorName,
		session.OriginalMessage,
		session.ConnectedAt.Unix(),
		record.EndedAt.Unix(),
		int64(record.Duration/time.Second),
		record.EndReason,
		rating,
		string(transcriptJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// AttachRating sets the user rating on an archived session
func (r *historyRepo) AttachRating(ctx context.Context, sessionID string, stars int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE history SET rating = ? WHERE session_id = ?
	`, stars, sessionID)
	if err != nil {
		return fmt.Errorf("failed to attach rating: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to attach rating: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecentByUser returns the user's most recent archived sessions, newest first
func (r *historyRepo) RecentByUser(ctx context.Context, userID string, limit int) ([]*domain.HistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, user_id, display_name, chat_id, operator_id, operator_name,
		       original_message, connected_at, ended_at, duration_seconds, end_reason, rating, transcript
		FROM history
		WHERE user_id = ?
		ORDER BY ended_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []*domain.HistoryRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (*domain.HistoryRecord, error) {
	var (
		session         domain.ActiveSession
		record          domain.HistoryRecord
		connectedAt     int64
		endedAt         int64
		durationSeconds int64
		rating          sql.NullInt64
		transcriptJSON  string
	)
	err := rows.Scan(
		&session.SessionID,
		&session.UserID,
		&session.DisplayName,
		&session.ChatID,
		&session.OperatorID,
		&session.OperatorName,
		&session.OriginalMessage,
		&connectedAt,
		&endedAt,
		&durationSeconds,
		&record.EndReason,
		&rating,
		&transcriptJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan history row: %w", err)
	}

	session.ConnectedAt = time.Unix(connectedAt, 0)
	record.EndedAt = time.Unix(endedAt, 0)
	record.Duration = time.Duration(durationSeconds) * time.Second
	if rating.Valid {
		stars := int(rating.Int64)
		record.UserRating = &stars
	}

	var entries []transcriptEntry
	if err := json.Unmarshal([]byte(transcriptJSON), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	for _, e := range entries {
		session.Transcript = append(session.Transcript, domain.TranscriptEntry{
			Sender:    domain.Sender(e.Sender),
			Content:   e.Content,
			Kind:      domain.MessageKind(e.Kind),
			Timestamp: time.Unix(e.Timestamp, 0),
		})
	}

	record.Session = &session
	return &record, nil
}

// Count returns the number of archived sessions
func (r *historyRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (r *historyRepo) Close() error {
	return r.db.Close()
}
