package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/execd/internal/app"
	"github.com/dontdude/execd/internal/config"
	"github.com/dontdude/execd/internal/dispatch"
)

// A standalone worker executes Jobs from the shared queue. Live results are
// relayed through Redis to the server process that holds the connection.
func main() {
	// 1. Initialize Logger
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	slog.Info("Starting exec worker...", "concurrency", cfg.Concurrency, "backend", cfg.Backend)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Redis Queue
	q, err := app.NewQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	// 3. Initialize execution backend
	runner, release, err := app.NewRunner(ctx, cfg, logger.With("component", "runner"))
	if err != nil {
		return err
	}
	defer release()

	relay := dispatch.NewRelay(q, logger.With("component", "relay"))
	dispatcher := dispatch.NewDispatcher(relay, dispatch.NewWebhookNotifier(cfg.WebhookTimeout), logger.With("component", "dispatch"))

	wake, err := q.Wakeups(ctx)
	if err != nil {
		return err
	}

	// 4. Start the pool and block until a shutdown signal
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	pool := app.NewPool(cfg, q, runner, dispatcher, logger.With("component", "worker"))
	pool.Start(ctx, wake)

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	pool.Stop()
	return nil
}
