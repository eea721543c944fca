package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/execd/internal/domain"
)

func newTestQueue(t *testing.T, opts Options) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	if opts.Prefix == "" {
		opts.Prefix = "test"
	}
	return NewFromClient(rdb, opts), mr
}

func compilerJob(id string, priority domain.Priority, channel domain.ResultChannel) domain.Job {
	return domain.Job{
		ID:       id,
		Priority: priority,
		Request:  domain.ExecRequest{Type: domain.ExecTypeCompiler, Code: "print(1)"},
		Channel:  channel,
	}
}

func TestAddIsAddIfAbsent(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	added, err := q.Add(ctx, compilerJob("user-1", domain.PriorityHigh, domain.LiveConnection("c1")))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Add(ctx, compilerJob("user-1", domain.PriorityHigh, domain.LiveConnection("c2")))
	require.NoError(t, err)
	assert.False(t, added)

	state, ok, err := q.State(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StateQueued, state)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestAddConcurrentSameIdentityAdmitsOnce(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := q.Add(ctx, compilerJob("id-r1", domain.PriorityLow, domain.Webhook("http://cb", "r1")))
			if err == nil && added {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, admitted.Load())
}

func TestNextHonoursPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	for _, job := range []domain.Job{
		compilerJob("id-low-1", domain.PriorityLow, domain.Webhook("http://cb", "low-1")),
		compilerJob("user-a", domain.PriorityHigh, domain.LiveConnection("a")),
		compilerJob("id-low-2", domain.PriorityLow, domain.Webhook("http://cb", "low-2")),
		compilerJob("user-b", domain.PriorityHigh, domain.LiveConnection("b")),
	} {
		added, err := q.Add(ctx, job)
		require.NoError(t, err)
		require.True(t, added)
	}

	var order []string
	for {
		job, err := q.Next(ctx, "w1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"user-a", "user-b", "id-low-1", "id-low-2"}, order)
}

func TestNextMarksRunningAndDecodesJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, compilerJob("id-r9", domain.PriorityLow, domain.Webhook("http://cb/hook", "r9")))
	require.NoError(t, err)

	job, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "id-r9", job.ID)
	assert.Equal(t, domain.PriorityLow, job.Priority)
	assert.Equal(t, "print(1)", job.Request.Code)
	assert.Equal(t, domain.Webhook("http://cb/hook", "r9"), job.Channel)
	assert.Equal(t, 1, job.Deliveries)
	assert.Equal(t, "w1", job.WorkerID)

	state, ok, err := q.State(ctx, "id-r9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StateRunning, state)

	// Still non-terminal, so a duplicate is rejected.
	added, err := q.Add(ctx, compilerJob("id-r9", domain.PriorityLow, domain.Webhook("http://cb/hook", "r9")))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestCompleteChecksOwnership(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, compilerJob("user-7", domain.PriorityHigh, domain.LiveConnection("c")))
	require.NoError(t, err)
	_, err = q.Next(ctx, "w1")
	require.NoError(t, err)

	done, err := q.Complete(ctx, "user-7", "w2")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = q.Complete(ctx, "user-7", "w1")
	require.NoError(t, err)
	assert.True(t, done)

	_, ok, err := q.State(ctx, "user-7")
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := q.Add(ctx, compilerJob("user-7", domain.PriorityHigh, domain.LiveConnection("c")))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestCancelOnlyRemovesQueuedJobOfConnection(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, compilerJob("user-1", domain.PriorityHigh, domain.LiveConnection("conn-a")))
	require.NoError(t, err)

	removed, err := q.Cancel(ctx, "user-1", "conn-b")
	require.NoError(t, err)
	assert.False(t, removed, "job bound to another connection must survive")

	removed, err = q.Cancel(ctx, "user-1", "conn-a")
	require.NoError(t, err)
	assert.True(t, removed)

	job, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)

	_, err = q.Add(ctx, compilerJob("user-2", domain.PriorityHigh, domain.LiveConnection("conn-c")))
	require.NoError(t, err)
	_, err = q.Next(ctx, "w1")
	require.NoError(t, err)

	removed, err = q.Cancel(ctx, "user-2", "conn-c")
	require.NoError(t, err)
	assert.False(t, removed, "running job is never cancelled")

	state, ok, err := q.State(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StateRunning, state)
}

func TestExtendRequiresOwnership(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, compilerJob("user-3", domain.PriorityHigh, domain.LiveConnection("c")))
	require.NoError(t, err)
	_, err = q.Next(ctx, "w1")
	require.NoError(t, err)

	assert.NoError(t, q.Extend(ctx, "user-3", "w1"))
	assert.Error(t, q.Extend(ctx, "user-3", "w2"))
}

func TestReclaimAbandonsAtMaxDeliveries(t *testing.T) {
	q, _ := newTestQueue(t, Options{LeaseTTL: time.Second, MaxDeliveries: 1})
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Add(ctx, compilerJob("id-r1", domain.PriorityLow, domain.Webhook("http://cb", "r1")))
	require.NoError(t, err)
	_, err = q.Next(ctx, "crashed")
	require.NoError(t, err)

	// Lease still valid.
	stats, err := q.ReclaimExpired(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ReclaimStats{}, stats)

	now = now.Add(2 * time.Second)
	var abandoned []string
	var channels []domain.ResultChannel
	stats, err = q.ReclaimExpired(ctx, func(_ context.Context, jobID string, ch domain.ResultChannel) {
		abandoned = append(abandoned, jobID)
		channels = append(channels, ch)
	})
	require.NoError(t, err)
	assert.Equal(t, ReclaimStats{Abandoned: 1}, stats)
	assert.Equal(t, []string{"id-r1"}, abandoned)
	assert.Equal(t, []domain.ResultChannel{domain.Webhook("http://cb", "r1")}, channels)

	_, ok, err := q.State(ctx, "id-r1")
	require.NoError(t, err)
	assert.False(t, ok)

	// The crashed worker's late completion must not deliver.
	done, err := q.Complete(ctx, "id-r1", "crashed")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestReclaimRequeuesBelowMaxDeliveries(t *testing.T) {
	q, _ := newTestQueue(t, Options{LeaseTTL: time.Second, MaxDeliveries: 2})
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	_, err := q.Add(ctx, compilerJob("user-5", domain.PriorityHigh, domain.LiveConnection("c")))
	require.NoError(t, err)
	_, err = q.Next(ctx, "crashed")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	stats, err := q.ReclaimExpired(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ReclaimStats{Requeued: 1}, stats)

	job, err := q.Next(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Deliveries)

	done, err := q.Complete(ctx, "user-5", "crashed")
	require.NoError(t, err)
	assert.False(t, done)
	done, err = q.Complete(ctx, "user-5", "w2")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := q.SubscribeResults(ctx)
	require.NoError(t, err)

	want := domain.LiveResult{ConnID: "c1", JobID: "user-1", Result: domain.ExecResult{Stdout: "hi"}}
	require.NoError(t, q.Broadcast(ctx, want))

	select {
	case got := <-results:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast result")
	}
}

func TestWakeupsSignalOnAdd(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := q.Wakeups(ctx)
	require.NoError(t, err)

	_, err = q.Add(ctx, compilerJob("user-9", domain.PriorityHigh, domain.LiveConnection("c")))
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wakeup")
	}
}

func TestNilQueueIsUnavailable(t *testing.T) {
	var q *RedisQueue
	_, err := q.Add(context.Background(), compilerJob("user-1", domain.PriorityHigh, domain.LiveConnection("c")))
	assert.ErrorIs(t, err, ErrUnavailable)
}
