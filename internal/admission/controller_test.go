package admission

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/platform/queue"
)

var code = domain.ExecRequest{Type: domain.ExecTypeCompiler, Code: "print('hi')"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T) (*Controller, *queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewFromClient(rdb, queue.Options{Prefix: "adm"})
	return NewController(q, discardLogger()), q, mr
}

func TestAdmitUserScenario(t *testing.T) {
	c, q, _ := newController(t)
	ctx := context.Background()
	identity := domain.UserIdentity("42")
	require.Equal(t, "user-42", identity)

	assert.Equal(t, domain.OutcomeQueued, c.Admit(ctx, identity, code, domain.LiveConnection("c1"), domain.PriorityHigh))
	assert.Equal(t, domain.OutcomeAlreadyRunning, c.Admit(ctx, identity, code, domain.LiveConnection("c1"), domain.PriorityHigh))

	job, err := q.Next(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.OutcomeAlreadyRunning, c.Admit(ctx, identity, code, domain.LiveConnection("c1"), domain.PriorityHigh))

	done, err := q.Complete(ctx, job.ID, "w1")
	require.NoError(t, err)
	require.True(t, done)

	assert.Equal(t, domain.OutcomeQueued, c.Admit(ctx, identity, code, domain.LiveConnection("c1"), domain.PriorityHigh))
}

func TestAdmitOneShotRetryIsIdempotent(t *testing.T) {
	c, q, _ := newController(t)
	ctx := context.Background()
	identity := domain.RequestIdentity("r1")
	channel := domain.Webhook("http://caller/hook", "r1")

	assert.Equal(t, domain.OutcomeQueued, c.Admit(ctx, identity, code, channel, domain.PriorityLow))
	assert.Equal(t, domain.OutcomeAlreadyRunning, c.Admit(ctx, identity, code, channel, domain.PriorityLow))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestAdmitConcurrentSameIdentity(t *testing.T) {
	c, _, _ := newController(t)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[domain.Outcome]int{}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := c.Admit(ctx, "user-1", code, domain.LiveConnection("c"), domain.PriorityHigh)
			mu.Lock()
			counts[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, counts[domain.OutcomeQueued])
	assert.Equal(t, 29, counts[domain.OutcomeAlreadyRunning])
	assert.Zero(t, counts[domain.OutcomeError])
}

func TestAdmitWithoutQueueReportsError(t *testing.T) {
	var buf bytes.Buffer
	c := NewController(nil, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Equal(t, domain.OutcomeError, c.Admit(context.Background(), "user-1", code, domain.LiveConnection("c"), domain.PriorityHigh))
	assert.Contains(t, buf.String(), "Exec queue is not initialized")

	var nilController *Controller
	assert.Equal(t, domain.OutcomeError, nilController.Admit(context.Background(), "user-1", code, domain.LiveConnection("c"), domain.PriorityHigh))
}

func TestAdmitBrokenQueueReportsError(t *testing.T) {
	c, _, mr := newController(t)
	mr.Close()
	assert.Equal(t, domain.OutcomeError, c.Admit(context.Background(), "user-1", code, domain.LiveConnection("c"), domain.PriorityHigh))
}

func TestAdmitRejectsInvalidArguments(t *testing.T) {
	c, q, _ := newController(t)
	ctx := context.Background()

	assert.Equal(t, domain.OutcomeError, c.Admit(ctx, "", code, domain.LiveConnection("c"), domain.PriorityHigh))
	assert.Equal(t, domain.OutcomeError, c.Admit(ctx, "user-1", code, domain.LiveConnection("c"), domain.Priority(3)))
	assert.Equal(t, domain.OutcomeError, c.Admit(ctx, "user-1", code, domain.ResultChannel{Kind: domain.ChannelLive}, domain.PriorityHigh))
	assert.Equal(t, domain.OutcomeError, c.Admit(ctx, "id-r1", code, domain.Webhook("", "r1"), domain.PriorityLow))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
