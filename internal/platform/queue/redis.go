package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dontdude/execd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the queue has no usable Redis connection.
var ErrUnavailable = errors.New("queue unavailable")

const defaultLeaseTTL = 30 * time.Second

// Options configures a RedisQueue.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel used by the queue.
	Prefix string
	// LeaseTTL is how long a running Job stays owned without renewal.
	LeaseTTL time.Duration
	// MaxDeliveries bounds how many times a Job may be dequeued.
	MaxDeliveries int
}

// RedisQueue implements domain.JobQueue using Redis sorted sets and hashes.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	leaseTTL      time.Duration
	maxDeliveries int
	now           func() time.Time
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue connects to Redis and verifies the connection with a ping.
func NewRedisQueue(opts Options) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewFromClient(rdb, opts), nil
}

// NewFromClient wraps an existing client without pinging it.
func NewFromClient(rdb *redis.Client, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "exec"
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	maxDeliveries := opts.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	return &RedisQueue{
		client:        rdb,
		prefix:        prefix,
		leaseTTL:      leaseTTL,
		maxDeliveries: maxDeliveries,
		now:           time.Now,
	}
}

// Close releases the underlying Redis connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Ping reports whether Redis is reachable.
func (r *RedisQueue) Ping(ctx context.Context) error {
	if r == nil || r.client == nil {
		return ErrUnavailable
	}
	return r.client.Ping(ctx).Err()
}

// LeaseTTL returns how long a Job lease lasts without renewal.
func (r *RedisQueue) LeaseTTL() time.Duration {
	return r.leaseTTL
}

func (r *RedisQueue) jobKeyPrefix() string { return r.prefix + ":job:" }
func (r *RedisQueue) jobKey(id string) string {
	return r.jobKeyPrefix() + id
}
func (r *RedisQueue) pendingKey() string { return r.prefix + ":pending" }
func (r *RedisQueue) activeKey() string  { return r.prefix + ":active" }
func (r *RedisQueue) seqKey() string     { return r.prefix + ":seq" }
func (r *RedisQueue) wakeChannel() string {
	return r.prefix + ":wake"
}
func (r *RedisQueue) resultsChannel() string {
	return r.prefix + ":results"
}

func (r *RedisQueue) usable() error {
	if r == nil || r.client == nil {
		return ErrUnavailable
	}
	return nil
}

// Add enqueues job unless a Job with the same ID is still queued or running.
// The existence check and the insert run in one Lua script, so concurrent
// callers with the same ID see exactly one success.
func (r *RedisQueue) Add(ctx context.Context, job domain.Job) (bool, error) {
	if err := r.usable(); err != nil {
		return false, err
	}
	request, err := json.Marshal(job.Request)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}
	channel, err := json.Marshal(job.Channel)
	if err != nil {
		return false, fmt.Errorf("failed to marshal channel: %w", err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	added, err := addScript.Run(ctx, r.client,
		[]string{r.jobKey(job.ID), r.pendingKey(), r.seqKey()},
		job.ID, int(job.Priority), request, channel, job.Channel.ConnID, createdAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis add failed: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	// Wake idle workers. Losing this signal only delays pickup until the next poll.
	if err := r.client.Publish(ctx, r.wakeChannel(), job.ID).Err(); err != nil {
		slog.Warn("Failed to publish wake signal", "job_id", job.ID, "error", err)
	}
	return true, nil
}

// Next pops the highest priority Job and leases it to workerID.
func (r *RedisQueue) Next(ctx context.Context, workerID string) (*domain.Job, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	now := r.now()
	res, err := nextScript.Run(ctx, r.client,
		[]string{r.pendingKey(), r.activeKey()},
		r.jobKeyPrefix(), workerID, now.Add(r.leaseTTL).UnixMilli(), now.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis dequeue failed: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	if len(res) != 6 {
		return nil, fmt.Errorf("redis dequeue returned %d fields", len(res))
	}

	job := &domain.Job{
		ID:       res[0],
		State:    domain.StateRunning,
		WorkerID: workerID,
	}
	priority, err := strconv.Atoi(res[1])
	if err != nil {
		return nil, fmt.Errorf("invalid priority for job %s: %w", job.ID, err)
	}
	job.Priority = domain.Priority(priority)
	if err := json.Unmarshal([]byte(res[2]), &job.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(res[3]), &job.Channel); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel for job %s: %w", job.ID, err)
	}
	if ms, err := strconv.ParseInt(res[4], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	job.Deliveries, _ = strconv.Atoi(res[5])
	return job, nil
}

// Extend pushes the lease deadline of a running Job forward.
func (r *RedisQueue) Extend(ctx context.Context, jobID, workerID string) error {
	if err := r.usable(); err != nil {
		return err
	}
	deadline := r.now().Add(r.leaseTTL).UnixMilli()
	owned, err := extendScript.Run(ctx, r.client,
		[]string{r.activeKey(), r.jobKey(jobID)},
		jobID, workerID, deadline,
	).Int()
	if err != nil {
		return fmt.Errorf("redis extend failed: %w", err)
	}
	if owned == 0 {
		return fmt.Errorf("job %s is no longer owned by %s", jobID, workerID)
	}
	return nil
}

// Complete removes a running Job owned by workerID.
func (r *RedisQueue) Complete(ctx context.Context, jobID, workerID string) (bool, error) {
	if err := r.usable(); err != nil {
		return false, err
	}
	removed, err := completeScript.Run(ctx, r.client,
		[]string{r.activeKey(), r.jobKey(jobID)},
		jobID, workerID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis complete failed: %w", err)
	}
	return removed == 1, nil
}

// Cancel removes a Job only while it is still waiting in the pending set.
// An empty connID cancels regardless of which connection the Job belongs to.
func (r *RedisQueue) Cancel(ctx context.Context, jobID, connID string) (bool, error) {
	if err := r.usable(); err != nil {
		return false, err
	}
	removed, err := cancelScript.Run(ctx, r.client,
		[]string{r.pendingKey(), r.jobKey(jobID)},
		jobID, connID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis cancel failed: %w", err)
	}
	return removed == 1, nil
}

// State returns the state of a live Job.
func (r *RedisQueue) State(ctx context.Context, jobID string) (domain.JobState, bool, error) {
	if err := r.usable(); err != nil {
		return "", false, err
	}
	state, err := r.client.HGet(ctx, r.jobKey(jobID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis state lookup failed: %w", err)
	}
	return domain.JobState(state), true, nil
}

// Pending returns the number of Jobs waiting to be picked up.
func (r *RedisQueue) Pending(ctx context.Context) (int64, error) {
	if err := r.usable(); err != nil {
		return 0, err
	}
	return r.client.ZCard(ctx, r.pendingKey()).Result()
}

// Wakeups returns a channel that receives a value whenever a Job is added.
// The channel has a one-slot buffer, so bursts coalesce into a single signal.
func (r *RedisQueue) Wakeups(ctx context.Context) (<-chan struct{}, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	pubsub := r.client.Subscribe(ctx, r.wakeChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to wakeups: %w", err)
	}

	outCh := make(chan struct{}, 1)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case outCh <- struct{}{}:
				default:
				}
			}
		}
	}()
	return outCh, nil
}

// Broadcast publishes a live result so whichever gateway holds the connection can deliver it.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.LiveResult) error {
	if err := r.usable(); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.client.Publish(ctx, r.resultsChannel(), data).Err()
}

// SubscribeResults streams results published by Broadcast from all workers.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan domain.LiveResult, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	// Create the PubSub connection
	pubsub := r.client.Subscribe(ctx, r.resultsChannel())

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.LiveResult)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.LiveResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					slog.Error("Failed to unmarshal result", "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
