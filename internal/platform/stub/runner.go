// Package stub provides a simulated execution backend.
package stub

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/execd/internal/domain"
)

// DefaultDelay is how long a simulated execution takes.
const DefaultDelay = 2 * time.Second

// Output is the canned stdout of every simulated execution.
const Output = "Execution output"

// Runner pretends to execute requests. It waits Delay and reports success.
type Runner struct {
	Delay  time.Duration
	Logger *slog.Logger
}

var _ domain.Runner = (*Runner)(nil)

func New(delay time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Delay: delay, Logger: logger}
}

func (r *Runner) Run(ctx context.Context, req domain.ExecRequest) (domain.ExecResult, error) {
	if err := req.Validate(); err != nil {
		return domain.ExecResult{}, err
	}
	r.Logger.Debug("simulating execution", "type", string(req.Type), "delay", r.Delay)

	timer := time.NewTimer(r.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.ExecResult{}, ctx.Err()
	case <-timer.C:
	}
	return domain.ExecResult{Stdout: Output, Stderr: "", ExitCode: 0}, nil
}
