// Command client submits one execution request over the live connection
// protocol and prints the pushed result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/execd/internal/auth"
	"github.com/dontdude/execd/internal/client"
	"github.com/dontdude/execd/internal/config"
	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws", "gateway websocket URL")
		token    = flag.String("token", os.Getenv("EXEC_TOKEN"), "credential (defaults to $EXEC_TOKEN)")
		keyFile  = flag.String("sign-key", "", "sign a development credential with this RSA private key")
		issuer   = flag.String("issuer", "http://localhost:8080", "issuer and audience of a self-signed credential")
		userID   = flag.String("user", "", "user id of a self-signed credential")
		execType = flag.String("type", string(domain.ExecTypeCompiler), "request type (compiler|match)")
		language = flag.String("language", domain.DefaultLanguage, "language of the code")
		code     = flag.String("code", "", "code to execute")
		wait     = flag.Duration("wait", time.Minute, "how long to wait for the result")
		logLevel = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	logger := config.NewLogger(os.Stderr, parseLevel(*logLevel))

	tokens, err := tokenSource(*token, *keyFile, *issuer, *userID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	req := domain.ExecRequest{Type: domain.ExecType(*execType), Code: *code, Language: *language}
	if err := req.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(*url, tokens, req, *wait, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(url string, tokens client.TokenSource, req domain.ExecRequest, wait time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lost := make(chan error, 1)
	m := client.New(client.Options{
		URL:          url,
		Tokens:       tokens,
		Logger:       logger,
		OnDisconnect: func(err error) { lost <- err },
	})

	results := make(chan protocol.ExecResult, 1)
	if err := m.RegisterResultListener("cli", func(r protocol.ExecResult) {
		select {
		case results <- r:
		default:
		}
	}); err != nil {
		return err
	}

	if err := m.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer m.Disconnect()

	if err := m.Submit(ctx, req); err != nil {
		if errors.Is(err, client.ErrAlreadyRunning) {
			return errors.New("a previous request is still running for this user")
		}
		return fmt.Errorf("submit: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r := <-results:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case err := <-lost:
		return fmt.Errorf("connection lost: %w", err)
	case <-timer.C:
		return fmt.Errorf("no result after %s", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tokenSource prefers an explicit token. With a signing key it issues a fresh
// short-lived credential on every call, which exercises in-band renewal.
func tokenSource(token, keyFile, issuer, userID string) (client.TokenSource, error) {
	if token != "" {
		return client.StaticToken(token), nil
	}
	if keyFile == "" {
		return nil, errors.New("a credential is required: pass -token, set EXEC_TOKEN or use -sign-key with -user")
	}
	if userID == "" {
		return nil, errors.New("-user is required with -sign-key")
	}
	key, err := auth.LoadPrivateKey(keyFile)
	if err != nil {
		return nil, err
	}
	svc, err := auth.NewService(auth.Options{Issuer: issuer, PrivateKey: key})
	if err != nil {
		return nil, err
	}
	return client.TokenFunc(func(context.Context) (string, error) {
		return svc.Sign(auth.Claims{UserID: userID}, 5*time.Minute, issuer)
	}), nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelWarn
	}
	return level
}
