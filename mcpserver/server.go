package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/internal/biz/repo"
	"github.com/anthropics/feishu-handoff/internal/biz/usecase"
)

// HandoffMCPServer exposes the escalation state as MCP tools, so agents and
// internal tooling can inspect the queue, operator stats, and transcripts.
// All tools are read-only.
type HandoffMCPServer struct {
	server    *mcp.Server
	engine    *usecase.EscalationEngine
	directory *usecase.OperatorDirectory
	history   repo.HistoryRepo
	log       *zap.Logger

	httpServer *http.Server
}

// NewServer creates a new handoff MCP server
func NewServer(engine *usecase.EscalationEngine, directory *usecase.OperatorDirectory, history repo.HistoryRepo, log *zap.Logger) *HandoffMCPServer {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "handoff-tools",
		Version: "v1.0.0",
	}, nil)

	s := &HandoffMCPServer{
		server:    server,
		engine:    engine,
		directory: directory,
		history:   history,
		log:       log.Named("mcp"),
	}
	s.registerTools()
	return s
}

// registerTools registers all handoff MCP tools
func (s *HandoffMCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "handoff_queue_info",
		Description: "Get the current waiting queue: who is waiting for a human operator, since when, and overall session counts.",
	}, s.handleQueueInfo)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "handoff_operator_stats",
		Description: "Get the operator roster with ratings and rated-session counts.",
	}, s.handleOperatorStats)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "handoff_session_transcript",
		Description: "Get the transcript of a user's current live session with an operator.",
	}, s.handleSessionTranscript)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "handoff_user_history",
		Description: "Get a user's recent archived consultations: operator, end reason, duration, and rating.",
	}, s.handleUserHistory)
}

// QueueInfoInput is empty - no input needed
type QueueInfoInput struct{}

// QueueEntry is one waiting request in the tool output
type QueueEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Position    int    `json:"position"`
	RequestedAt string `json:"requested_at"`
	Original    string `json:"original_message"`
}

// QueueInfoOutput contains the queue snapshot
type QueueInfoOutput struct {
	WaitingCount    int          `json:"waiting_count"`
	ActiveSessions  int          `json:"active_sessions"`
	ActiveOperators int          `json:"active_operators"`
	Queue           []QueueEntry `json:"queue"`
}

func (s *HandoffMCPServer) handleQueueInfo(ctx context.Context, req *mcp.CallToolRequest, input QueueInfoInput) (*mcp.CallToolResult, QueueInfoOutput, error) {
	info := s.engine.Info()

	out := QueueInfoOutput{
		WaitingCount:    info.WaitingCount,
		ActiveSessions:  info.ActiveSessions,
		ActiveOperators: info.ActiveOperators,
		Queue:           make([]QueueEntry, 0, len(info.Queue)),
	}
	for _, r := range info.Queue {
		out.Queue = append(out.Queue, QueueEntry{
			UserID:      r.UserID,
			DisplayName: r.DisplayName,
			Position:    r.QueuePosition,
			RequestedAt: r.RequestedAt.Format("2006-01-02 15:04:05"),
			Original:    r.OriginalMessage,
		})
	}
	return nil, out, nil
}

// OperatorStatsInput is empty - no input needed
type OperatorStatsInput struct{}

// OperatorStat is one operator in the tool output
type OperatorStat struct {
	OperatorID    string  `json:"operator_id"`
	DisplayName   string  `json:"display_name"`
	IsActive      bool    `json:"is_active"`
	Rating        float64 `json:"rating"`
	TotalSessions int     `json:"total_sessions"`
}

// OperatorStatsOutput contains the operator roster
type OperatorStatsOutput struct {
	Operators []OperatorStat `json:"operators"`
}

func (s *HandoffMCPServer) handleOperatorStats(ctx context.Context, req *mcp.CallToolRequest, input OperatorStatsInput) (*mcp.CallToolResult, OperatorStatsOutput, error) {
	all := s.directory.All()
	out := OperatorStatsOutput{Operators: make([]OperatorStat, 0, len(all))}
	for _, op := range all {
		out.Operators = append(out.Operators, OperatorStat{
			OperatorID:    op.OperatorID,
			DisplayName:   op.DisplayName,
			IsActive:      op.IsActive,
			Rating:        op.Rating,
			TotalSessions: op.TotalSessions,
		})
	}
	return nil, out, nil
}

// SessionTranscriptInput names the user whose live session to read
type SessionTranscriptInput struct {
	UserID string `json:"user_id" jsonschema:"description=The open_id of the user whose live session transcript to fetch"`
}

// SessionTranscriptOutput contains the rendered transcript
type SessionTranscriptOutput struct {
	SessionID    string `json:"session_id,omitempty"`
	OperatorName string `json:"operator_name,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *HandoffMCPServer) handleSessionTranscript(ctx context.Context, req *mcp.CallToolRequest, input SessionTranscriptInput) (*mcp.CallToolResult, SessionTranscriptOutput, error) {
	session := s.engine.Session(input.UserID)
	if session == nil {
		return nil, SessionTranscriptOutput{Error: "user has no live session"}, nil
	}

	var sb strings.Builder
	for _, entry := range session.Transcript {
		fmt.Fprintf(&sb, "[%s] %s: %s\n",
			entry.Timestamp.Format("15:04:05"), entry.Sender, entry.Content)
	}
	return nil, SessionTranscriptOutput{
		SessionID:    session.SessionID,
		OperatorName: session.OperatorName,
		Transcript:   sb.String(),
	}, nil
}

// UserHistoryInput names the user whose archive to read
type UserHistoryInput struct {
	UserID string `json:"user_id" jsonschema:"description=The open_id of the user"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of sessions to return (default 10)"`
}

// UserHistoryEntry is one archived session
type UserHistoryEntry struct {
	SessionID    string `json:"session_id"`
	OperatorName string `json:"operator_name"`
	EndReason    string `json:"end_reason"`
	EndedAt      string `json:"ended_at"`
	Duration     string `json:"duration"`
	Rating       *int   `json:"rating"`
}

// UserHistoryOutput contains the archived sessions
type UserHistoryOutput struct {
	Sessions []UserHistoryEntry `json:"sessions"`
	Error    string             `json:"error,omitempty"`
}

func (s *HandoffMCPServer) handleUserHistory(ctx context.Context, req *mcp.CallToolRequest, input UserHistoryInput) (*mcp.CallToolResult, UserHistoryOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	records, err := s.history.RecentByUser(ctx, input.UserID, limit)
	if err != nil {
		return nil, UserHistoryOutput{Error: err.Error()}, nil
	}

	out := UserHistoryOutput{Sessions: make([]UserHistoryEntry, 0, len(records))}
	for _, rec := range records {
		out.Sessions = append(out.Sessions, UserHistoryEntry{
			SessionID:    rec.Session.SessionID,
			OperatorName: rec.Session.OperatorName,
			EndReason:    rec.EndReason,
			EndedAt:      rec.EndedAt.Format("2006-01-02 15:04:05"),
			Duration:     rec.Duration.String(),
			Rating:       rec.UserRating,
		})
	}
	return nil, out, nil
}

// Start serves the MCP server over streamable HTTP on addr
func (s *HandoffMCPServer) Start(addr string) error {
	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	s.log.Info("starting mcp server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP listener down
func (s *HandoffMCPServer) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(context.Background())
	}
	return nil
}

// Run starts the MCP server with stdio transport
func (s *HandoffMCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
