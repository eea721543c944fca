package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/execd/internal/dispatch"
	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/platform/queue"
)

type delivery struct {
	jobID   string
	channel domain.ResultChannel
	result  domain.ExecResult
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) Deliver(_ context.Context, jobID string, channel domain.ResultChannel, result domain.ExecResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{jobID: jobID, channel: channel, result: result})
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

type runnerFunc func(ctx context.Context, req domain.ExecRequest) (domain.ExecResult, error)

func (f runnerFunc) Run(ctx context.Context, req domain.ExecRequest) (domain.ExecResult, error) {
	return f(ctx, req)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewFromClient(rdb, queue.Options{Prefix: "pool"})
}

func startPool(t *testing.T, q *queue.RedisQueue, runner domain.Runner, d Deliverer, opts Options) *Pool {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	p := NewPool(opts, q, runner, d, discardLogger())
	p.Start(context.Background(), nil)
	t.Cleanup(p.Stop)
	return p
}

func enqueue(t *testing.T, q *queue.RedisQueue, id string, channel domain.ResultChannel) {
	t.Helper()
	added, err := q.Add(context.Background(), domain.Job{
		ID:       id,
		Priority: domain.PriorityHigh,
		Request:  domain.ExecRequest{Type: domain.ExecTypeCompiler, Code: id},
		Channel:  channel,
	})
	require.NoError(t, err)
	require.True(t, added)
}

func TestPoolExecutesAndDeliversOnce(t *testing.T) {
	q := newQueue(t)
	rec := &recorder{}
	runner := runnerFunc(func(_ context.Context, req domain.ExecRequest) (domain.ExecResult, error) {
		return domain.ExecResult{Stdout: "ran " + req.Code}, nil
	})
	startPool(t, q, runner, rec, Options{Concurrency: 2})

	enqueue(t, q, "user-42", domain.LiveConnection("c1"))

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.deliveries()[0]
	assert.Equal(t, "user-42", got.jobID)
	assert.Equal(t, domain.LiveConnection("c1"), got.channel)
	assert.Equal(t, "ran user-42", got.result.Stdout)

	_, ok, err := q.State(context.Background(), "user-42")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.deliveries(), 1)
}

func TestPoolRespectsConcurrencyCeiling(t *testing.T) {
	q := newQueue(t)
	rec := &recorder{}

	var running, peak atomic.Int32
	release := make(chan struct{})
	runner := runnerFunc(func(context.Context, domain.ExecRequest) (domain.ExecResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return domain.ExecResult{}, nil
	})
	startPool(t, q, runner, rec, Options{Concurrency: 2})

	for _, id := range []string{"user-1", "user-2", "user-3", "user-4", "user-5"} {
		enqueue(t, q, id, domain.LiveConnection(id))
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, pending)

	close(release)
	require.Eventually(t, func() bool { return len(rec.deliveries()) == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, peak.Load())
}

func TestPoolDeliversFailureWithoutRetry(t *testing.T) {
	q := newQueue(t)
	rec := &recorder{}
	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, domain.ExecRequest) (domain.ExecResult, error) {
		calls.Add(1)
		return domain.ExecResult{}, errors.New("sandbox exploded")
	})
	startPool(t, q, runner, rec, Options{Concurrency: 1})

	enqueue(t, q, "user-1", domain.LiveConnection("c1"))

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.deliveries()[0].result
	assert.Equal(t, -1, got.ExitCode)
	assert.Equal(t, "sandbox exploded", got.Stderr)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPoolContainsBackendPanic(t *testing.T) {
	q := newQueue(t)
	rec := &recorder{}
	runner := runnerFunc(func(context.Context, domain.ExecRequest) (domain.ExecResult, error) {
		panic("boom")
	})
	startPool(t, q, runner, rec, Options{Concurrency: 1})

	enqueue(t, q, "user-1", domain.LiveConnection("c1"))

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.deliveries()[0].result.Stderr, "panicked")
}

func TestPoolEnforcesExecTimeout(t *testing.T) {
	q := newQueue(t)
	rec := &recorder{}
	runner := runnerFunc(func(ctx context.Context, _ domain.ExecRequest) (domain.ExecResult, error) {
		<-ctx.Done()
		return domain.ExecResult{}, ctx.Err()
	})
	startPool(t, q, runner, rec, Options{Concurrency: 1, ExecTimeout: 50 * time.Millisecond})

	enqueue(t, q, "user-1", domain.LiveConnection("c1"))

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.deliveries()[0].result.Stderr, "timed out")
}

func TestWebhookFailureStillTerminatesJob(t *testing.T) {
	q := newQueue(t)
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()

	var runs atomic.Int32
	runner := runnerFunc(func(context.Context, domain.ExecRequest) (domain.ExecResult, error) {
		runs.Add(1)
		return domain.ExecResult{Stdout: "done"}, nil
	})
	d := dispatch.NewDispatcher(nil, dispatch.NewWebhookNotifier(time.Second), discardLogger())
	startPool(t, q, runner, d, Options{Concurrency: 1})

	enqueue(t, q, domain.RequestIdentity("r1"), domain.Webhook(hook.URL, "r1"))

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok, err := q.State(context.Background(), "id-r1")
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 1, runs.Load())
	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDeliverAbandonedReportsWorkerLoss(t *testing.T) {
	rec := &recorder{}
	DeliverAbandoned(rec)(context.Background(), "id-r1", domain.Webhook("http://cb", "r1"))

	got := rec.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, domain.FailedResult(ErrWorkerLost), got[0].result)
}

type ctxRecorder struct {
	mu   sync.Mutex
	ctxs []context.Context
}

func (r *ctxRecorder) Deliver(ctx context.Context, _ string, _ domain.ResultChannel, _ domain.ExecResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctxs = append(r.ctxs, ctx)
}

func (r *ctxRecorder) delivered() []context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]context.Context(nil), r.ctxs...)
}

func TestDeliveryIsNotBoundByCompletionTimeout(t *testing.T) {
	q := newQueue(t)
	rec := &ctxRecorder{}
	runner := runnerFunc(func(context.Context, domain.ExecRequest) (domain.ExecResult, error) {
		return domain.ExecResult{Stdout: "done"}, nil
	})
	startPool(t, q, runner, rec, Options{Concurrency: 1})

	enqueue(t, q, domain.RequestIdentity("r1"), domain.Webhook("http://cb.example", "r1"))

	require.Eventually(t, func() bool { return len(rec.delivered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ctx := rec.delivered()[0]
	deadline, ok := ctx.Deadline()
	if ok {
		assert.Greater(t, time.Until(deadline), completeTimeout)
	}
	assert.NoError(t, ctx.Err())
}
