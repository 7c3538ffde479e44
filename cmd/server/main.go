// Package main provides the entry point for the transcription pipeline server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kdelacruz/transcribepipe/internal/bootstrap"
	"github.com/kdelacruz/transcribepipe/internal/config"
	"github.com/kdelacruz/transcribepipe/internal/server"
)

const workerPollInterval = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting transcription pipeline",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.Int("worker_concurrency", cfg.WorkerConcurrency),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("enable_webhooks", cfg.EnableWebhooks),
		slog.Bool("enable_diarization", cfg.EnableDiarization),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	logger.Info("stage runner initialized", slog.String("worker_id", deps.WorkerID))

	router := server.NewRouter(deps.Handlers, logger, server.DefaultConfig())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Allow for long transcription uploads
		IdleTimeout:  60 * time.Second,
	}

	runnerCtx, stopRunner := context.WithCancel(context.Background())
	defer stopRunner()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()
	go func() {
		logger.Info("stage runner polling", slog.Duration("poll_interval", workerPollInterval))
		if err := deps.Runner.Run(runnerCtx, workerPollInterval); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("stage runner failed: %w", err)
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		stopRunner()
		return err
	}

	stopRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
