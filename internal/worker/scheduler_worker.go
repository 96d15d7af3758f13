package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roddomr/familyhub-sub000/internal/services"
)

// SchedulerWorker drives the scheduler runner: an immediate catch-up pass
// at startup, then periodic passes on a cron schedule. It is the background
// half of the trigger surface; the HTTP API provides the manual half
// through the same runner.
type SchedulerWorker struct {
	runner   *services.SchedulerRunner
	schedule string

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

func NewSchedulerWorker(runner *services.SchedulerRunner, schedule string) *SchedulerWorker {
	return &SchedulerWorker{
		runner:   runner,
		schedule: schedule,
	}
}

// Start runs the startup pass and registers the periodic one. It returns
// after registration; passes run on the cron's goroutine until Stop.
func (w *SchedulerWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("scheduler worker already started")
	}

	// Catch up anything that came due while the worker was down.
	slog.InfoContext(ctx, "Running startup scheduler pass")
	w.runPass(ctx)

	c := cron.New()
	if _, err := c.AddFunc(w.schedule, func() {
		w.runPass(ctx)
	}); err != nil {
		return fmt.Errorf("register pass schedule %q: %w", w.schedule, err)
	}
	c.Start()

	w.cron = c
	w.running = true
	slog.InfoContext(ctx, "Scheduler worker started", "schedule", w.schedule)
	return nil
}

// Stop halts the periodic trigger and waits for an in-flight pass to
// finish.
func (w *SchedulerWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}

	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		slog.WarnContext(ctx, "Timed out waiting for in-flight pass")
		return ctx.Err()
	}

	w.running = false
	slog.InfoContext(ctx, "Scheduler worker stopped")
	return nil
}

func (w *SchedulerWorker) runPass(ctx context.Context) {
	start := time.Now()
	summary, err := w.runner.RunPass(ctx, start)
	if err != nil {
		slog.ErrorContext(ctx, "Scheduler pass failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "Scheduler pass finished",
		"processed", summary.ProcessedCount,
		"failed", summary.FailedCount,
		"errors", len(summary.Errors),
		"duration_ms", time.Since(start).Milliseconds())
}
