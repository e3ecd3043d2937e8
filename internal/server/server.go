// Package server wires every AgentDeck component together and runs them:
// the SQLite store, the worker pool, the Telegram bot, and the dashboard
// HTTP API, with one graceful shutdown path.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/executor"
	"github.com/agentdeck/agentdeck/internal/files"
	"github.com/agentdeck/agentdeck/internal/httpapi"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/procrunner"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/streamer"
	"github.com/agentdeck/agentdeck/internal/telegram"
	"github.com/agentdeck/agentdeck/internal/worker"
	"github.com/agentdeck/agentdeck/model"
)

// Server owns the lifecycle of all AgentDeck components.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *store.Store
	orch     *orchestrator.Orchestrator
	pool     *worker.Pool
	streamer *streamer.Streamer
	bot      *telegram.Bot
	api      *httpapi.Handler
}

// New builds the full component graph from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, store: st}

	if _, err := s.reloadProjects(); err != nil {
		logger.Warn("projects config not loaded; configure it and /reload_projects",
			zap.String("path", cfg.ProjectsConfigPath), zap.Error(err))
	}

	sandbox := files.NewSandbox(cfg.DataDir, cfg.MaxUploadBytes, st, logger)
	runner := procrunner.New(logger)

	orch := orchestrator.New(st, nil, orchestrator.Config{
		KillSwitch:   func() bool { return cfg.KillSwitchDisableRuns },
		UnsafeForRun: s.unsafeForRun,
	}, logger)
	// The executor asks the orchestrator about cancellation, the
	// orchestrator calls the executor; break the cycle after both exist.
	exec := executor.New(runner, orch.RunCancelled, executor.Config{
		ClaudeBin:   cfg.ClaudeBin,
		OpenCodeBin: cfg.OpenCodeBin,
	}, logger)
	orch.SetExecutor(exec)
	s.orch = orch

	s.pool = worker.New(orch, exec, worker.Config{}, logger)

	bot, err := telegram.NewBot(cfg.TelegramBotToken, nil, logger)
	if err != nil {
		return nil, err
	}
	s.streamer = streamer.New(bot, streamer.DefaultEditInterval, logger)
	orch.SetEventSink(s.streamer)

	handler := telegram.NewHandler(st, orch, s.streamer, sandbox, telegram.Config{
		OwnerID:        cfg.OwnerUserID,
		KillSwitch:     func() bool { return cfg.KillSwitchDisableRuns },
		FetchFile:      bot.FetchFile,
		ReloadProjects: s.reloadProjects,
	}, logger)
	bot.SetHandler(handler)
	s.bot = bot

	s.api = httpapi.New(st, orch, s.pool, httpapi.Config{
		BasicAuthUser: cfg.DashboardBasicAuthUser,
		BasicAuthPass: cfg.DashboardBasicAuthPass,
	}, logger)

	return s, nil
}

// Start runs everything until ctx is cancelled, then shuts down in order:
// HTTP first, then the worker pool (which cancels child processes), then
// the streamer and the store.
func (s *Server) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.bot.Run(ctx)
	}()

	srv := &http.Server{
		Addr:    s.cfg.DashboardAddr(),
		Handler: s.api.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("dashboard listening", zap.String("addr", s.cfg.DashboardAddr()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	wg.Wait()
	s.streamer.Close()
	if err := s.store.Close(); err != nil {
		return err
	}
	return s.logger.Sync()
}

// reloadProjects re-reads the projects registry, upserting every entry and
// removing projects no longer listed. Returns the registered count.
func (s *Server) reloadProjects() (int, error) {
	projects, err := config.LoadProjects(s.cfg.ProjectsConfigPath)
	if err != nil {
		return 0, err
	}
	keep := make([]string, 0, len(projects))
	for _, p := range projects {
		if err := s.store.UpsertProject(p); err != nil {
			return 0, fmt.Errorf("upserting project %s: %w", p.ID, err)
		}
		keep = append(keep, p.ID)
	}
	if err := s.store.DeleteProjectsNotIn(keep); err != nil {
		return 0, fmt.Errorf("pruning projects: %w", err)
	}
	s.logger.Info("projects loaded", zap.Int("count", len(projects)))
	return len(projects), nil
}

// unsafeForRun reports whether the run's chat has an open unsafe window at
// the moment execution starts. Checked at start, not enqueue, so a window
// expiring while a run waits in the queue does not elevate it.
func (s *Server) unsafeForRun(run *model.Run) bool {
	sess, err := s.store.GetSession(run.SessionID)
	if err != nil || sess.ChatID == "" {
		return false
	}
	chat, err := s.store.GetChat(sess.ChatID)
	if err != nil {
		return false
	}
	return chat.UnsafeUntil > model.NowMillis()
}

// NewLogger builds the process logger from the configured level and format.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
