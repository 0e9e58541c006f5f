package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"govex/internal/api"
	"govex/internal/codexrun"
	"govex/internal/config"
	"govex/internal/core"
	"govex/internal/entity"
	"govex/internal/governance"
	"govex/internal/logging"
	govexmcp "govex/internal/mcp"
	"govex/internal/notify"
	"govex/internal/override"
	"govex/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	baseCtx := context.Background()
	entities, err := entity.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open entity store", "err", err)
		os.Exit(1)
	}
	defer entities.Close()

	storeInst := store.New(entities)

	registry := override.NewRegistry(logger)
	if _, err := governance.NewService(entities, registry); err != nil {
		logger.Error("register governance methods", "err", err)
		os.Exit(1)
	}

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	runner := codexrun.NewShellRunner(logger)
	transport := codexrun.NewLocalTransport(logger)
	codexes := core.NewCodexRegistry(storeInst, logger)

	engine := core.NewEngine(storeInst, runner, transport, logger)
	transport.Bind(engine.DeliverReply)
	if cfg.WebhookURL != "" {
		notifier := notify.NewWebhookNotifier(cfg.WebhookURL, logger)
		engine.SetFinalizeHook(notifier.ExecutionFinished)
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	go engine.Run(ctx)

	if err := engine.Recover(baseCtx); err != nil {
		logger.Error("recover interrupted executions", "err", err)
		os.Exit(1)
	}

	scheduler := core.NewScheduler(storeInst, engine, logger, location, cfg.PollInterval)
	scheduler.Start()

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, engine, codexes, scheduler, logger)
	case "mcp":
		runMCPMode(storeInst, engine, codexes, scheduler, logger, cancel)
	case "both":
		runBothMode(cfg, storeInst, engine, codexes, scheduler, logger)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, store *store.Store, engine *core.Engine, codexes *core.CodexRegistry, scheduler *core.Scheduler, logger *slog.Logger) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, store, engine, codexes, scheduler, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	stopScheduler(scheduler, cfg.ShutdownGrace, logger)
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(store *store.Store, engine *core.Engine, codexes *core.CodexRegistry, scheduler *core.Scheduler, logger *slog.Logger, cancel context.CancelFunc) {
	mcpServer := govexmcp.NewMCPServer(store, engine, codexes, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		scheduler.Stop()
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts both HTTP and MCP servers.
func runBothMode(cfg *config.Config, store *store.Store, engine *core.Engine, codexes *core.CodexRegistry, scheduler *core.Scheduler, logger *slog.Logger) {
	mcpServer := govexmcp.NewMCPServer(store, engine, codexes, logger)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, store, engine, codexes, scheduler, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	stopScheduler(scheduler, cfg.ShutdownGrace, logger)

	logger.Info("shutdown complete")
}

func stopScheduler(scheduler *core.Scheduler, grace time.Duration, logger *slog.Logger) {
	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("scheduler stop timed out")
	}
}
