// Command flowline runs the workflow automation engine: an embedded SQLite
// store, a cron-driven queue processor, and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"flowline/internal/actions"
	"flowline/internal/api"
	"flowline/internal/conditions"
	"flowline/internal/engine"
	"flowline/internal/expressions"
	"flowline/internal/logging"
	"flowline/internal/scheduler"
	"flowline/internal/store"
	"flowline/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowline:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	evaluator := conditions.NewEvaluator()
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	if err := evaluator.RegisterEngine(celEngine); err != nil {
		return err
	}
	if err := evaluator.RegisterEngine(expressions.NewExprEngine()); err != nil {
		return err
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, st, cfg.FallbackAssigneeID); err != nil {
		return err
	}
	executor := actions.NewExecutor(st, registry, logger)

	dispatcher := engine.NewDispatcher(st, evaluator, executor, logger)
	if cfg.MaxLoops > 0 {
		dispatcher.SetMaxLoops(cfg.MaxLoops)
	}
	processor := engine.NewProcessor(st, dispatcher, logger)
	if cfg.BatchSize > 0 {
		processor.SetBatchSize(cfg.BatchSize)
	}
	trigger := engine.NewTrigger(st, processor, logger)

	validator, err := validation.NewValidator(evaluator)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(processor, cfg.TickSchedule, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(processor, trigger, st, st, validator, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sched.Stop()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	})
	return slog.New(logging.NewCorrelationHandler(handler))
}
