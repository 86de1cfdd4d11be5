package domain

import "time"

// Sender identifies which side of a session produced a transcript entry.
type Sender string

const (
	SenderUser     Sender = "user"
	SenderOperator Sender = "operator"
)

// MessageKind distinguishes plain text from media payloads.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindMedia MessageKind = "media"
)

// TranscriptEntry represents one relayed message inside a live session.
type TranscriptEntry struct {
	Sender    Sender
	Content   string
	Kind      MessageKind
	Timestamp time.Time
}

// ActiveSession represents a live, claimed conversation between one user and
// one operator. The transcript is append-only and unbounded: it is the audit
// record of the whole session, unlike the bounded pending history of the
// waiting phase.
type ActiveSession struct {
	SessionID       string
	UserID          string
	DisplayName     string
	ChatID          string
	OperatorID      string
	OperatorName    string
	OriginalMessage string
	ConnectedAt     time.Time
	LastActivityAt  time.Time
	Transcript      []TranscriptEntry
}

// Append adds an entry to the transcript and refreshes the activity time.
func (s *ActiveSession) Append(entry TranscriptEntry) {
	s.Transcript = append(s.Transcript, entry)
	s.LastActivityAt = entry.Timestamp
}

// MessageCount returns how many messages were relayed during the session.
func (s *ActiveSession) MessageCount() int {
	return len(s.Transcript)
}

// HistoryRecord represents a finished session, archived with the reason and
// timing of its end. UserRating is nil until (and unless) the user rates.
type HistoryRecord struct {
	Session    *ActiveSession
	EndReason  string
	EndedAt    time.Time
	Duration   time.Duration
	UserRating *int
}
