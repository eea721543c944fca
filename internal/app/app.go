// Package app builds the collaborators shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dontdude/execd/internal/auth"
	"github.com/dontdude/execd/internal/config"
	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/platform/docker"
	"github.com/dontdude/execd/internal/platform/queue"
	"github.com/dontdude/execd/internal/platform/stub"
	"github.com/dontdude/execd/internal/worker"
)

// NewQueue connects to Redis.
func NewQueue(cfg config.Config) (*queue.RedisQueue, error) {
	return queue.NewRedisQueue(queue.Options{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		Prefix:        cfg.RedisPrefix,
		LeaseTTL:      cfg.LeaseTTL,
		MaxDeliveries: cfg.MaxDeliveries,
	})
}

// NewRunner selects the execution backend. The returned func releases it.
func NewRunner(ctx context.Context, cfg config.Config, logger *slog.Logger) (domain.Runner, func(), error) {
	switch cfg.Backend {
	case "stub":
		return stub.New(cfg.StubDelay, logger), func() {}, nil
	case "docker":
		r, err := docker.NewRunner(ctx, docker.Options{
			Images:   cfg.DockerImages,
			MemoryMB: cfg.DockerMemoryMB,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown EXEC_BACKEND %q", cfg.Backend)
	}
}

// NewAuth builds the token service. Without a configured private key an
// ephemeral one is generated, which only suits development.
func NewAuth(cfg config.Config, logger *slog.Logger) (*auth.Service, error) {
	trusted, err := auth.LoadTrustedKeys(cfg.JWTTrustedKeys)
	if err != nil {
		return nil, err
	}

	var opts auth.Options
	if cfg.JWTPrivateKeyFile != "" {
		opts.PrivateKey, err = auth.LoadPrivateKey(cfg.JWTPrivateKeyFile)
	} else {
		logger.Warn("JWT_PRIVATE_KEY_FILE not set, generating an ephemeral signing key")
		opts.PrivateKey, err = auth.GenerateKey()
	}
	if err != nil {
		return nil, err
	}
	opts.Issuer = cfg.JWTIssuer
	opts.TrustedKeys = trusted
	opts.AuthorizedIssuers = cfg.AuthorizedIssuers
	return auth.NewService(opts)
}

// NewPool builds a worker pool from cfg.
func NewPool(cfg config.Config, q domain.JobQueue, runner domain.Runner, d worker.Deliverer, logger *slog.Logger) *worker.Pool {
	return worker.NewPool(worker.Options{
		Concurrency:  cfg.Concurrency,
		ExecTimeout:  cfg.ExecTimeout,
		PollInterval: cfg.PollInterval,
		LeaseTTL:     cfg.LeaseTTL,
	}, q, runner, d, logger)
}
