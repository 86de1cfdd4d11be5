package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/anthropics/feishu-handoff/deepseek"
	"github.com/anthropics/feishu-handoff/feishu"
	"github.com/anthropics/feishu-handoff/internal/api"
	"github.com/anthropics/feishu-handoff/internal/biz"
	"github.com/anthropics/feishu-handoff/internal/conf"
	"github.com/anthropics/feishu-handoff/internal/data"
	"github.com/anthropics/feishu-handoff/internal/server"
	"github.com/anthropics/feishu-handoff/internal/service"
	"github.com/anthropics/feishu-handoff/mcpserver"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := conf.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Operator allow-list
	operators, operatorsPath, err := conf.LoadOperators(cfg.OperatorsPath)
	if err != nil {
		logger.Fatal("failed to load operators", zap.Error(err))
	}
	logger.Info("operators loaded",
		zap.String("path", operatorsPath),
		zap.Int("count", len(operators)))

	// Clients
	feishuClient := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret, logger)

	var deepseekClient *deepseek.Client
	if cfg.DeepSeek.APIKey != "" {
		deepseekClient = deepseek.NewClient(cfg.DeepSeek.APIKey, cfg.DeepSeek.BaseURL, cfg.DeepSeek.Model)
		logger.Info("assistant enabled", zap.String("model", cfg.DeepSeek.Model))
	} else {
		logger.Warn("DEEPSEEK_API_KEY not set, every question gets the escalation offer")
	}

	// Repositories
	repos, err := data.NewRepositories(feishuClient, deepseekClient, cfg.History.DBPath)
	if err != nil {
		logger.Fatal("failed to create repositories", zap.Error(err))
	}
	defer repos.History.Close()

	// Escalation subsystem
	usecases := biz.NewUsecases(operators, repos.Messenger, repos.History, logger, cfg.ToEngineConfig())

	// Services
	advisor := service.NewEscalationAdvisor(repos.Assistant, repos.Messenger, cfg.Engine.ConfidenceThreshold, logger)
	reminder := service.NewQueueReminder(usecases.Engine, cfg.ReminderInterval(), logger)

	// Diagnostics surfaces
	apiServer := api.NewServer(usecases.Engine, usecases.Directory, repos.History, cfg.API.Addr, logger)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", zap.Error(err))
		}
	}()

	mcpServer := mcpserver.NewServer(usecases.Engine, usecases.Directory, repos.History, logger)
	go func() {
		if err := mcpServer.Start(cfg.MCP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mcp server failed", zap.Error(err))
		}
	}()

	srv := server.NewHandoffServer(feishuClient, repos.Messenger, usecases.Engine,
		usecases.Directory, advisor, reminder, logger)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		srv.Stop()
		apiServer.Stop()
		mcpServer.Stop()
		repos.History.Close()
		os.Exit(0)
	}()

	logger.Info("starting feishu handoff bot")
	if err := srv.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
