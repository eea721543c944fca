// Package dispatch delivers completed Job results to the channel chosen at admission.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/metrics"
)

// LivePusher delivers a result to an open gateway connection.
// Push reports false when the connection is gone.
type LivePusher interface {
	Push(ctx context.Context, connID, jobID string, result domain.ExecResult) bool
}

// Notifier sends a result to a caller-supplied webhook.
type Notifier interface {
	Notify(ctx context.Context, callbackURL, requestID string, result domain.ExecResult) error
}

// Dispatcher routes results. Delivery is best-effort: nothing is retried and
// failures never reach the caller of Deliver.
type Dispatcher struct {
	live     LivePusher
	notifier Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. Either target may be nil, in which case
// results for that channel kind are dropped and logged.
func NewDispatcher(live LivePusher, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{live: live, notifier: notifier, logger: logger}
}

// Deliver sends result for jobID through channel.
func (d *Dispatcher) Deliver(ctx context.Context, jobID string, channel domain.ResultChannel, result domain.ExecResult) {
	switch channel.Kind {
	case domain.ChannelLive:
		d.deliverLive(ctx, jobID, channel.ConnID, result)
	case domain.ChannelWebhook:
		d.deliverWebhook(ctx, jobID, channel, result)
	default:
		metrics.Deliveries.WithLabelValues("unknown", "dropped").Inc()
		d.logger.Error("unknown callback type", "job_id", jobID, "kind", string(channel.Kind))
	}
}

func (d *Dispatcher) deliverLive(ctx context.Context, jobID, connID string, result domain.ExecResult) {
	if d.live == nil || !d.live.Push(ctx, connID, jobID, result) {
		metrics.Deliveries.WithLabelValues(string(domain.ChannelLive), "dropped").Inc()
		d.logger.Warn("connection not found for exec result", "job_id", jobID, "conn_id", connID)
		return
	}
	metrics.Deliveries.WithLabelValues(string(domain.ChannelLive), "delivered").Inc()
	d.logger.Debug("exec result pushed", "job_id", jobID, "conn_id", connID)
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, jobID string, channel domain.ResultChannel, result domain.ExecResult) {
	if d.notifier == nil {
		metrics.Deliveries.WithLabelValues(string(domain.ChannelWebhook), "dropped").Inc()
		d.logger.Error("no webhook notifier configured", "job_id", jobID)
		return
	}
	if err := d.notifier.Notify(ctx, channel.CallbackURL, channel.RequestID, result); err != nil {
		metrics.Deliveries.WithLabelValues(string(domain.ChannelWebhook), "failed").Inc()
		d.logger.Error("failed to send exec callback", "job_id", jobID, "callback_url", channel.CallbackURL, "error", err)
		return
	}
	metrics.Deliveries.WithLabelValues(string(domain.ChannelWebhook), "delivered").Inc()
	d.logger.Debug("exec callback sent", "job_id", jobID, "callback_url", channel.CallbackURL)
}
