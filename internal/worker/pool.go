package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/metrics"
	"github.com/google/uuid"
)

const (
	defaultExecTimeout  = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	defaultLeaseTTL     = 30 * time.Second
	completeTimeout     = 5 * time.Second
)

// ErrWorkerLost is the failure delivered for a Job whose worker disappeared mid-run.
var ErrWorkerLost = errors.New("execution abandoned: worker stopped responding")

// Deliverer hands a finished Job's result to its caller.
type Deliverer interface {
	Deliver(ctx context.Context, jobID string, channel domain.ResultChannel, result domain.ExecResult)
}

// Options tunes a Pool.
type Options struct {
	// Concurrency is the maximum number of Jobs executing at once.
	Concurrency int
	// ExecTimeout bounds a single backend invocation.
	ExecTimeout time.Duration
	// PollInterval is how long an idle worker waits before checking the queue
	// again when no wake-up arrives.
	PollInterval time.Duration
	// LeaseTTL must match the queue's lease; workers renew at a third of it.
	LeaseTTL time.Duration
}

// Pool implements a fixed-size worker pool pattern.
// Each worker pulls the next ready Job itself, so at most Concurrency Jobs are
// running and a Job stays queued until a worker is free to take it.
type Pool struct {
	// workerCount determines how many Jobs can run concurrently.
	workerCount int
	opts        Options
	queue       domain.JobQueue
	runner      domain.Runner
	dispatcher  Deliverer
	logger      *slog.Logger
	// instance is unique per process so lease ownership survives restarts.
	instance string

	// kick fans queue wake-ups out to idle workers.
	kick chan struct{}
	// wg tracks active workers to ensure graceful shutdown.
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(opts Options, q domain.JobQueue, runner domain.Runner, dispatcher Deliverer, logger *slog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workerCount: opts.Concurrency,
		opts:        opts,
		queue:       q,
		runner:      runner,
		dispatcher:  dispatcher,
		logger:      logger,
		instance:    uuid.NewString(),
		kick:        make(chan struct{}, opts.Concurrency),
	}
}

// Start spawns the fixed number of worker goroutines and returns immediately.
// wake may be nil, in which case workers rely on polling alone.
func (p *Pool) Start(ctx context.Context, wake <-chan struct{}) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("Starting worker pool", "concurrency", p.workerCount)

	if wake != nil {
		p.wg.Add(1)
		go p.forwardWakeups(ctx, wake)
	}
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop initiates a graceful shutdown.
// Idle workers exit immediately; busy workers finish and deliver their current Job.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool, waiting for tasks to drain...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) forwardWakeups(ctx context.Context, wake <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
			p.signal()
		}
	}
}

// signal wakes one idle worker, if any is waiting.
func (p *Pool) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("%s-%d", p.instance, id)
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("Worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("Worker stopped")
			return
		}

		job, err := p.queue.Next(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("Failed to dequeue job", "error", err)
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}

		// Another Job may be waiting behind this one.
		p.signal()
		p.process(logger, workerID, job)
	}
}

func (p *Pool) idle(ctx context.Context) {
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.kick:
	case <-timer.C:
	}
}

// process runs one Job to a terminal state and delivers its result exactly once.
// It deliberately ignores pool cancellation so a started Job always finishes.
func (p *Pool) process(logger *slog.Logger, workerID string, job *domain.Job) {
	logger = logger.With("job_id", job.ID)
	logger.Info("Processing job", "deliveries", job.Deliveries)

	leaseCtx, stopLease := context.WithCancel(context.Background())
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		p.keepLease(leaseCtx, logger, job.ID, workerID)
	}()

	start := time.Now()
	execCtx, cancel := context.WithTimeout(context.Background(), p.opts.ExecTimeout)
	result, err := p.run(execCtx, job.Request)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()
	stopLease()
	<-leaseDone
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	state := domain.StateCompleted
	if err != nil {
		state = domain.StateFailed
		if timedOut {
			err = fmt.Errorf("execution timed out after %s", p.opts.ExecTimeout)
		}
		logger.Error("Job execution failed", "error", err)
		result = domain.FailedResult(err)
	}

	ctx, cancelComplete := context.WithTimeout(context.Background(), completeTimeout)
	owned, err := p.queue.Complete(ctx, job.ID, workerID)
	cancelComplete()
	if err != nil {
		// Ownership is unknown. The lease will expire and recovery delivers a failure instead.
		logger.Error("Failed to complete job", "error", err)
		return
	}
	if !owned {
		logger.Warn("Job lease lost before completion, dropping result")
		return
	}

	metrics.Jobs.WithLabelValues(string(state)).Inc()
	logger.Info("Job finished, sending result", "state", string(state), "exit_code", result.ExitCode)
	// The webhook client carries its own timeout.
	p.dispatcher.Deliver(context.Background(), job.ID, job.Channel, result)
}

// run invokes the backend, turning a panic into an ordinary execution failure.
func (p *Pool) run(ctx context.Context, req domain.ExecRequest) (result domain.ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution backend panicked: %v", r)
		}
	}()
	return p.runner.Run(ctx, req)
}

func (p *Pool) keepLease(ctx context.Context, logger *slog.Logger, jobID, workerID string) {
	ticker := time.NewTicker(p.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, jobID, workerID); err != nil && ctx.Err() == nil {
				logger.Warn("Failed to extend job lease", "error", err)
			}
		}
	}
}

// DeliverAbandoned returns a recovery callback that reports a failed result for
// Jobs whose worker vanished.
func DeliverAbandoned(d Deliverer) func(ctx context.Context, jobID string, channel domain.ResultChannel) {
	return func(ctx context.Context, jobID string, channel domain.ResultChannel) {
		metrics.Jobs.WithLabelValues(string(domain.StateFailed)).Inc()
		d.Deliver(ctx, jobID, channel, domain.FailedResult(ErrWorkerLost))
	}
}
