// Package admission decides whether an execution request becomes a queued Job.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/metrics"
)

// Controller maps requests onto Jobs keyed by caller identity.
// It holds no state of its own: the queue decides atomically whether a Job
// with the same identity is still live.
type Controller struct {
	queue  domain.JobQueue
	logger *slog.Logger
	now    func() time.Time
}

// NewController returns a Controller admitting into q. A nil q makes every
// admission report OutcomeError.
func NewController(q domain.JobQueue, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{queue: q, logger: logger, now: time.Now}
}

// Admit enqueues req under identity unless a non-terminal Job already holds it.
func (c *Controller) Admit(ctx context.Context, identity string, req domain.ExecRequest, channel domain.ResultChannel, priority domain.Priority) domain.Outcome {
	outcome := c.admit(ctx, identity, req, channel, priority)
	metrics.Admissions.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (c *Controller) admit(ctx context.Context, identity string, req domain.ExecRequest, channel domain.ResultChannel, priority domain.Priority) domain.Outcome {
	if c == nil {
		slog.Error("Exec queue is not initialized")
		return domain.OutcomeError
	}
	if c.queue == nil {
		c.logger.Error("Exec queue is not initialized")
		return domain.OutcomeError
	}
	if identity == "" {
		c.logger.Error("rejecting admission without identity")
		return domain.OutcomeError
	}
	if !priority.Valid() {
		c.logger.Error("rejecting admission with unknown priority", "job_id", identity, "priority", int(priority))
		return domain.OutcomeError
	}
	if !validChannel(channel) {
		c.logger.Error("rejecting admission with malformed result channel", "job_id", identity, "channel", channel.String())
		return domain.OutcomeError
	}

	added, err := c.queue.Add(ctx, domain.Job{
		ID:        identity,
		Priority:  priority,
		Request:   req,
		Channel:   channel,
		State:     domain.StateSubmitted,
		CreatedAt: c.now(),
	})
	if err != nil {
		c.logger.Error("failed to enqueue job", "job_id", identity, "error", err)
		return domain.OutcomeError
	}
	if !added {
		c.logger.Debug("job already running", "job_id", identity)
		return domain.OutcomeAlreadyRunning
	}

	c.logger.Info("job queued", "job_id", identity, "priority", int(priority), "channel", channel.String())
	return domain.OutcomeQueued
}

func validChannel(ch domain.ResultChannel) bool {
	switch ch.Kind {
	case domain.ChannelLive:
		return ch.ConnID != ""
	case domain.ChannelWebhook:
		return ch.CallbackURL != "" && ch.RequestID != ""
	default:
		return false
	}
}
