package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/roddomr/familyhub-sub000/internal/accounts"
	"github.com/roddomr/familyhub-sub000/internal/amqp"
	"github.com/roddomr/familyhub-sub000/internal/config"
	apphttp "github.com/roddomr/familyhub-sub000/internal/http"
	"github.com/roddomr/familyhub-sub000/internal/services"
	"github.com/roddomr/familyhub-sub000/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// AMQP audit sink is optional; the manual trigger still works without it.
	var events services.EventPublisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without audit events", "error", err)
		} else {
			defer amqpClient.Close()
			events = amqpClient
		}
	}

	// The manual "process now" endpoint shares the same runner the
	// background worker uses, so a manual trigger behaves exactly like a
	// periodic pass.
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

	srv := apphttp.NewServer(":"+cfg.Port, repo, runner)
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	// Graceful shutdown handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting familyhub server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
