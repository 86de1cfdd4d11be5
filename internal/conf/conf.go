package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/anthropics/feishu-handoff/internal/biz/usecase"
)

// Config represents application configuration
type Config struct {
	// Feishu configuration
	Feishu FeishuConfig

	// DeepSeek configuration (optional; without it the bot only relays)
	DeepSeek DeepSeekConfig

	// History archive configuration
	History HistoryConfig

	// Engine configuration
	Engine EngineConfig

	// API configuration (diagnostics HTTP)
	API APIConfig

	// MCP configuration
	MCP MCPConfig

	// OperatorsPath is the operators.yaml location ("" = search defaults)
	OperatorsPath string

	// Debug mode
	Debug bool
}

// FeishuConfig contains Feishu configuration
type FeishuConfig struct {
	AppID     string
	AppSecret string
}

// DeepSeekConfig contains DeepSeek configuration
type DeepSeekConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// HistoryConfig contains history archive configuration
type HistoryConfig struct {
	DBPath string
}

// EngineConfig contains escalation engine configuration
type EngineConfig struct {
	MaxSessionsPerOperator int
	ConfidenceThreshold    float64
	ReminderMinutes        int
}

// APIConfig contains diagnostics API configuration
type APIConfig struct {
	Addr string
}

// MCPConfig contains MCP server configuration
type MCPConfig struct {
	Addr string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// History DB path
	historyDBPath := os.Getenv("HISTORY_DB_PATH")
	if historyDBPath == "" {
		homeDir, _ := os.UserHomeDir()
		historyDBPath = filepath.Join(homeDir, ".feishu-handoff", "history.db")
	}

	// Per-operator session cap, 0 = unlimited
	maxSessions := 0
	if val := os.Getenv("HANDOFF_MAX_SESSIONS_PER_OPERATOR"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			maxSessions = parsed
		}
	}

	// Assistant confidence below this offers escalation
	confidenceThreshold := 0.7
	if val := os.Getenv("HANDOFF_CONFIDENCE_THRESHOLD"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			confidenceThreshold = parsed
		}
	}

	// Queue reminder interval
	reminderMinutes := 5
	if val := os.Getenv("HANDOFF_REMINDER_MINUTES"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			reminderMinutes = parsed
		}
	}

	deepseekBaseURL := os.Getenv("DEEPSEEK_BASE_URL")
	if deepseekBaseURL == "" {
		deepseekBaseURL = "https://api.deepseek.com/v1"
	}
	deepseekModel := os.Getenv("DEEPSEEK_MODEL")
	if deepseekModel == "" {
		deepseekModel = "deepseek-chat"
	}

	apiAddr := os.Getenv("API_ADDR")
	if apiAddr == "" {
		apiAddr = "127.0.0.1:8077"
	}
	mcpAddr := os.Getenv("MCP_ADDR")
	if mcpAddr == "" {
		mcpAddr = "127.0.0.1:8078"
	}

	return &Config{
		Feishu: FeishuConfig{
			AppID:     os.Getenv("FEISHU_APP_ID"),
			AppSecret: os.Getenv("FEISHU_APP_SECRET"),
		},
		DeepSeek: DeepSeekConfig{
			APIKey:  os.Getenv("DEEPSEEK_API_KEY"),
			BaseURL: deepseekBaseURL,
			Model:   deepseekModel,
		},
		History: HistoryConfig{
			DBPath: historyDBPath,
		},
		Engine: EngineConfig{
			MaxSessionsPerOperator: maxSessions,
			ConfidenceThreshold:    confidenceThreshold,
			ReminderMinutes:        reminderMinutes,
		},
		API: APIConfig{
			Addr: apiAddr,
		},
		MCP: MCPConfig{
			Addr: mcpAddr,
		},
		OperatorsPath: os.Getenv("OPERATORS_CONFIG_PATH"),
		Debug:         os.Getenv("DEBUG") == "true",
	}
}

// ToEngineConfig converts to the usecase engine configuration
func (c *Config) ToEngineConfig() usecase.EngineConfig {
	return usecase.EngineConfig{
		MaxSessionsPerOperator: c.Engine.MaxSessionsPerOperator,
	}
}

// ReminderInterval returns the queue reminder interval
func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.Engine.ReminderMinutes) * time.Minute
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
		return &ConfigError{Field: "FEISHU_APP_ID/FEISHU_APP_SECRET", Message: "required"}
	}
	if c.Engine.ConfidenceThreshold < 0 || c.Engine.ConfidenceThreshold > 1 {
		return &ConfigError{Field: "HANDOFF_CONFIDENCE_THRESHOLD", Message: "must be in [0, 1]"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
