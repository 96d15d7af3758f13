package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/roddomr/familyhub-sub000/internal/accounts"
	"github.com/roddomr/familyhub-sub000/internal/amqp"
	"github.com/roddomr/familyhub-sub000/internal/config"
	"github.com/roddomr/familyhub-sub000/internal/services"
	"github.com/roddomr/familyhub-sub000/internal/storage"
	"github.com/roddomr/familyhub-sub000/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting recurring-worker")

	// Load configuration
	cfg := config.Load()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	// Initialize SQLite repository
	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// Initialize AMQP client for publishing audit events (optional)
	var events services.EventPublisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without audit events", "error", err)
		} else {
			defer amqpClient.Close()
			events = amqpClient
			logger.Info("AMQP client initialized - audit events enabled")
		}
	} else {
		logger.Info("AMQP disabled - audit events will not be published")
	}

	// Wire up the scheduler pipeline
	checker := accounts.NewChecker(repo, cfg.AccountCacheTTL)
	txService := services.NewTransactionService(repo, checker)
	tracker := services.NewExecutionTracker(services.RetryPolicy{
		MaxRetries:       cfg.MaxRetries,
		PassInterval:     cfg.PassInterval,
		MaxBackoffPasses: 8,
	})
	runner := services.NewSchedulerRunner(repo, repo, txService, tracker, events, services.RunnerConfig{
		Workers:            cfg.Workers,
		SafetyCap:          cfg.SafetyCap,
		MaterializeTimeout: cfg.MaterializeTimeout,
	})

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedulerWorker := worker.NewSchedulerWorker(runner, cfg.PassSchedule)
	if err := schedulerWorker.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler worker", "error", err)
		os.Exit(1)
	}

	logger.Info("Scheduler worker configured",
		"schedule", cfg.PassSchedule,
		"workers", cfg.Workers,
		"sqlite_db", cfg.SQLiteDBPath)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down recurring-worker...")
	cancel()

	if err := schedulerWorker.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler worker shutdown incomplete", "error", err)
	} else {
		logger.Info("Recurring-worker shutdown complete")
	}
}
