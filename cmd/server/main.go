package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dontdude/execd/internal/admission"
	"github.com/dontdude/execd/internal/api"
	"github.com/dontdude/execd/internal/app"
	"github.com/dontdude/execd/internal/config"
	"github.com/dontdude/execd/internal/dispatch"
	"github.com/dontdude/execd/internal/gateway"
	"github.com/dontdude/execd/internal/platform/web"
	"github.com/dontdude/execd/internal/worker"
)

func main() {
	// 1. Initialize logger
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
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

	// 3. Trust service
	tokens, err := app.NewAuth(cfg, logger)
	if err != nil {
		return err
	}

	// 4. Gateway, admission and result dispatch
	controller := admission.NewController(q, logger.With("component", "admission"))
	registry := gateway.NewRegistry()
	gw := gateway.New(gateway.Options{
		Verifier:  tokens,
		Admitter:  controller,
		Canceller: q,
		Registry:  registry,
		Logger:    logger.With("component", "gateway"),
	})
	// Connections held by other gateway processes are reached through Redis.
	live := dispatch.Chain{registry, dispatch.NewRelay(q, logger.With("component", "relay"))}
	dispatcher := dispatch.NewDispatcher(live, dispatch.NewWebhookNotifier(cfg.WebhookTimeout), logger.With("component", "dispatch"))

	// 5. Rate limiter for one-shot submissions
	limiter := web.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	srv := api.NewServer(api.Options{
		Addr:        cfg.HTTPAddr,
		Admitter:    controller,
		Verifier:    tokens,
		Gateway:     gw,
		Limit:       limiter.Middleware,
		Ready:       q.Ping,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger.With("component", "api"),
	})

	// 6. Embedded workers
	var pool *worker.Pool
	var wake <-chan struct{}
	if cfg.Concurrency > 0 {
		runner, release, err := app.NewRunner(ctx, cfg, logger.With("component", "runner"))
		if err != nil {
			return err
		}
		defer release()

		wake, err = q.Wakeups(ctx)
		if err != nil {
			return err
		}
		pool = app.NewPool(cfg, q, runner, dispatcher, logger.With("component", "worker"))
	} else {
		logger.Info("embedded workers disabled", "concurrency", cfg.Concurrency)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	// Results produced by standalone workers arrive over Redis.
	g.Go(func() error {
		return dispatch.RunRelayListener(ctx, q, registry, logger.With("component", "relay"))
	})

	g.Go(func() error {
		q.StartRecoveryRoutine(ctx, cfg.RecoveryInterval, worker.DeliverAbandoned(dispatcher))
		return nil
	})

	if pool != nil {
		pool.Start(ctx, wake)
		g.Go(func() error {
			<-ctx.Done()
			pool.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		gw.Shutdown()
		return nil
	})

	return g.Wait()
}
