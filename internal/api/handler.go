package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/repo"
	"github.com/anthropics/feishu-handoff/internal/biz/usecase"
)

// Server exposes a read-only diagnostics HTTP API over the escalation state.
// It is meant for localhost dashboards and scripts; nothing here mutates.
type Server struct {
	engine    *usecase.EscalationEngine
	directory *usecase.OperatorDirectory
	history   repo.HistoryRepo
	log       *zap.Logger

	server *http.Server
	addr   string
}

// NewServer creates a new API server
func NewServer(engine *usecase.EscalationEngine, directory *usecase.OperatorDirectory, history repo.HistoryRepo, addr string, log *zap.Logger) *Server {
	return &Server{
		engine:    engine,
		directory: directory,
		history:   history,
		log:       log.Named("api"),
		addr:      addr,
	}
}

// Handler returns the HTTP handler, exposed for tests
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/operators", s.handleOperators)
	mux.HandleFunc("/api/users/", s.handleUser)
	mux.HandleFunc("/api/history/count", s.handleHistoryCount)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.log.Info("starting http server", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Shutdown(context.Background())
	}
	return nil
}

// queueEntry is the JSON shape of one waiting request
type queueEntry struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Position     int    `json:"position"`
	RequestedAt  string `json:"requested_at"`
	Original     string `json:"original_message"`
	PendingCount int    `json:"pending_count"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := s.engine.Info()
	entries := make([]queueEntry, 0, len(info.Queue))
	for _, req := range info.Queue {
		entries = append(entries, queueEntry{
			UserID:       req.UserID,
			DisplayName:  req.DisplayName,
			Position:     req.QueuePosition,
			RequestedAt:  req.RequestedAt.Format(time.RFC3339),
			Original:     req.OriginalMessage,
			PendingCount: len(req.Pending),
		})
	}

	s.writeJSON(w, map[string]interface{}{
		"waiting_count":    info.WaitingCount,
		"active_sessions":  info.ActiveSessions,
		"active_operators": info.ActiveOperators,
		"queue":            entries,
	})
}

// operatorEntry is the JSON shape of one operator
type operatorEntry struct {
	OperatorID    string  `json:"operator_id"`
	DisplayName   string  `json:"display_name"`
	IsActive      bool    `json:"is_active"`
	Rating        float64 `json:"rating"`
	TotalSessions int     `json:"total_sessions"`
}

func (s *Server) handleOperators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	all := s.directory.All()
	entries := make([]operatorEntry, 0, len(all))
	for _, op := range all {
		entries = append(entries, operatorEntry{
			OperatorID:    op.OperatorID,
			DisplayName:   op.DisplayName,
			IsActive:      op.IsActive,
			Rating:        op.Rating,
			TotalSessions: op.TotalSessions,
		})
	}
	s.writeJSON(w, map[string]interface{}{"operators": entries})
}

// handleUser serves /api/users/{id}/status and /api/users/{id}/history
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/users/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	userID := parts[0]

	switch parts[1] {
	case "status":
		s.handleUserStatus(w, userID)
	case "history":
		s.handleUserHistory(w, r, userID)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

func (s *Server) handleUserStatus(w http.ResponseWriter, userID string) {
	result := map[string]interface{}{
		"user_id": userID,
		"status":  s.engine.Status(userID).String(),
	}
	if session := s.engine.Session(userID); session != nil {
		result["session"] = map[string]interface{}{
			"session_id":    session.SessionID,
			"operator_id":   session.OperatorID,
			"operator_name": session.OperatorName,
			"connected_at":  session.ConnectedAt.Format(time.RFC3339),
			"message_count": session.MessageCount(),
		}
	}
	s.writeJSON(w, result)
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	records, err := s.history.RecentByUser(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type historyEntry struct {
		SessionID    string `json:"session_id"`
		OperatorName string `json:"operator_name"`
		EndReason    string `json:"end_reason"`
		EndedAt      string `json:"ended_at"`
		Duration     string `json:"duration"`
		Rating       *int   `json:"rating"`
		MessageCount int    `json:"message_count"`
	}
	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			SessionID:    rec.Session.SessionID,
			OperatorName: rec.Session.OperatorName,
			EndReason:    rec.EndReason,
			EndedAt:      rec.EndedAt.Format(time.RFC3339),
			Duration:     rec.Duration.String(),
			Rating:       rec.UserRating,
			MessageCount: rec.Session.MessageCount(),
		})
	}
	s.writeJSON(w, map[string]interface{}{"sessions": entries})
}

func (s *Server) handleHistoryCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	count, err := s.history.Count(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"count": count})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
