package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/kastel/remedia/internal/ai"
	"github.com/kastel/remedia/internal/assist"
	"github.com/kastel/remedia/internal/engine"
	"github.com/kastel/remedia/internal/executor"
	"github.com/kastel/remedia/internal/expressions"
	"github.com/kastel/remedia/internal/incidents"
	"github.com/kastel/remedia/internal/logging"
	"github.com/kastel/remedia/internal/monitor"
	"github.com/kastel/remedia/internal/session"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/internal/streaming"
	"github.com/kastel/remedia/internal/validation"
	"github.com/kastel/remedia/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "remedia:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init cel engine: %w", err)
	}
	exprs := expressions.NewRegistry(
		expressions.NewGoJQEngine(),
		expressions.NewExprEngine(),
		celEngine,
	)

	hub := streaming.NewMemoryHub()

	shell := executor.NewShellExecutor(st, executorConfig(cfg), logger)

	var engineOpts []engine.Option
	if len(cfg.Guards) > 0 {
		engineOpts = append(engineOpts, engine.WithGuards(celEngine, cfg.Guards))
	}
	coordinator := engine.NewCoordinator(shell, hub, logger, engineOpts...)

	model, err := ollama.New(
		ollama.WithServerURL(cfg.OllamaURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return fmt.Errorf("init model client: %w", err)
	}
	client := ai.NewClient(model, logger)
	matcher := ai.NewCatalogMatcher(st, ai.MatchThreshold, logger)
	planner := ai.NewPlanner(client)
	extractor := ai.NewExtractor(client)
	drafter := ai.NewTaskDrafter(client)
	procGen := ai.NewProcedureGenerator(client)

	resolver := incidents.NewResolver(st, st, planner, matcher, extractor, exprs, logger)
	adapter := assist.NewAdapter(matcher, drafter, hub, logger)
	sessions := session.NewManager(validator, st, hub, logger)

	srv := mcp.NewRemediaServer(mcp.RemediaServerDeps{
		Store:     st,
		Sessions:  sessions,
		Runner:    coordinator,
		Assist:    adapter,
		Resolver:  resolver,
		Drafter:   procGen,
		Validator: validator,
		Logger:    logger,
	})

	notifier := mcp.NewStreamNotifier(srv.MCPServer(), hub, srv.Clients(), logger)
	go func() {
		if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("notifier stopped", "error", err)
		}
	}()

	if cfg.MonitorEnabled {
		runner := monitor.NewCoordinatorRunner(coordinator)
		mon, err := monitor.NewMonitor(st, resolver, runner, cfg.MonitorSchedule, logger)
		if err != nil {
			return fmt.Errorf("init monitor: %w", err)
		}
		if err := mon.Start(ctx); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
		defer mon.Stop()
	}

	logger.Info("remedia server starting",
		"version", version,
		"db_path", cfg.DBPath,
		"model", cfg.Model,
		"monitor", cfg.MonitorEnabled)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
