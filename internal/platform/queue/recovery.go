package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// reclaimBatch is how many expired leases are inspected per round trip.
const reclaimBatch = 10

// AbandonFunc is called for a Job whose worker vanished and which may not be delivered again.
type AbandonFunc func(ctx context.Context, jobID string, channel domain.ResultChannel)

// ReclaimStats summarizes one recovery pass.
type ReclaimStats struct {
	Requeued  int
	Abandoned int
}

// StartRecoveryRoutine polls for running Jobs whose lease expired and reclaims them.
// It blocks until ctx is cancelled.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval time.Duration, onAbandoned AbandonFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting Redis Recovery Routine", "interval", interval, "lease_ttl", r.leaseTTL, "max_deliveries", r.maxDeliveries)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := r.ReclaimExpired(ctx, onAbandoned)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Recovery routine failed", "error", err)
				continue
			}
			if stats.Requeued > 0 || stats.Abandoned > 0 {
				slog.Info("Recovered stale jobs", "requeued", stats.Requeued, "abandoned", stats.Abandoned)
			}
		}
	}
}

// ReclaimExpired runs a single recovery pass over expired leases.
// A Job below MaxDeliveries goes back to the pending set; any other Job is
// removed and handed to onAbandoned so its caller gets a failure result.
func (r *RedisQueue) ReclaimExpired(ctx context.Context, onAbandoned AbandonFunc) (ReclaimStats, error) {
	var stats ReclaimStats
	if err := r.usable(); err != nil {
		return stats, err
	}

	for {
		now := r.now().UnixMilli()
		ids, err := r.client.ZRangeByScore(ctx, r.activeKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now, 10),
			Count: reclaimBatch,
		}).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to scan leases: %w", err)
		}
		if len(ids) == 0 {
			return stats, nil
		}

		for _, id := range ids {
			res, err := reclaimScript.Run(ctx, r.client,
				[]string{r.activeKey(), r.pendingKey(), r.jobKey(id), r.seqKey()},
				id, now, r.maxDeliveries,
			).Slice()
			if err != nil {
				return stats, fmt.Errorf("failed to reclaim job %s: %w", id, err)
			}

			code, _ := res[0].(int64)
			switch code {
			case 1:
				stats.Requeued++
				metrics.RecoveredJobs.WithLabelValues("requeued").Inc()
				slog.Warn("Stale job re-queued", "job_id", id)
				if err := r.client.Publish(ctx, r.wakeChannel(), id).Err(); err != nil {
					slog.Warn("Failed to publish wake signal", "job_id", id, "error", err)
				}
			case 2:
				stats.Abandoned++
				metrics.RecoveredJobs.WithLabelValues("abandoned").Inc()
				slog.Warn("Stale job abandoned", "job_id", id)
				if onAbandoned == nil || len(res) < 2 {
					continue
				}
				raw, _ := res[1].(string)
				var channel domain.ResultChannel
				if err := json.Unmarshal([]byte(raw), &channel); err != nil {
					slog.Error("Failed to unmarshal channel of abandoned job", "job_id", id, "error", err)
					continue
				}
				onAbandoned(ctx, id, channel)
			}
		}

		if len(ids) < reclaimBatch {
			return stats, nil
		}
	}
}
