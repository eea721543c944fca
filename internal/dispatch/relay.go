package dispatch

import (
	"context"
	"log/slog"

	"github.com/dontdude/execd/internal/domain"
)

// Broadcaster publishes live results to every gateway process.
type Broadcaster interface {
	Broadcast(ctx context.Context, result domain.LiveResult) error
}

// ResultSubscriber streams results published by Broadcaster.
type ResultSubscriber interface {
	SubscribeResults(ctx context.Context) (<-chan domain.LiveResult, error)
}

// Relay publishes live results for whichever gateway process holds the connection.
// It cannot observe whether the connection still exists, so Push reports success
// once the result is published; the receiving gateway drops it if the connection is gone.
type Relay struct {
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewRelay returns a Relay publishing through b.
func NewRelay(b Broadcaster, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{broadcaster: b, logger: logger}
}

// Push publishes the result.
func (r *Relay) Push(ctx context.Context, connID, jobID string, result domain.ExecResult) bool {
	err := r.broadcaster.Broadcast(ctx, domain.LiveResult{ConnID: connID, JobID: jobID, Result: result})
	if err != nil {
		r.logger.Error("failed to relay exec result", "job_id", jobID, "conn_id", connID, "error", err)
		return false
	}
	return true
}

// RunRelayListener forwards relayed results into local until ctx is done.
func RunRelayListener(ctx context.Context, sub ResultSubscriber, local LivePusher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	results, err := sub.SubscribeResults(ctx)
	if err != nil {
		return err
	}

	logger.Info("relay listener started")
	for msg := range results {
		if !local.Push(ctx, msg.ConnID, msg.JobID, msg.Result) {
			// Another gateway process may own the connection.
			logger.Debug("relayed result has no local connection", "job_id", msg.JobID, "conn_id", msg.ConnID)
		}
	}
	return nil
}

// Chain tries each LivePusher in order and stops at the first that accepts
// the result. A gateway process chains its registry before a Relay so results
// for connections held by another process still reach them.
type Chain []LivePusher

// Push reports whether any pusher accepted the result.
func (c Chain) Push(ctx context.Context, connID, jobID string, result domain.ExecResult) bool {
	for _, p := range c {
		if p != nil && p.Push(ctx, connID, jobID, result) {
			return true
		}
	}
	return false
}
