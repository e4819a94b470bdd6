package ledgerworker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/cachetier"
)

const (
	maintenanceInterval  = 10 * time.Minute
	maintenanceScanCount = 200
)

// maintenanceLoop runs the spec §4.8 housekeeping pass: trim the durable
// event stream to its configured length (XAdd's MaxLen is approximate,
// so a periodic exact trim keeps memory bounded), trim every per-tenant
// audit stream the same way, and drop zset entries older than their
// retention window, deleting the key entirely once it's empty. All of
// this is safe to run concurrently with drainLoop/claimLoop since none
// of it touches the consumer group's pending entries list.
func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runMaintenance(ctx)
		}
	}
}

func (w *Worker) runMaintenance(ctx context.Context) {
	if err := w.redis.XTrimMaxLen(ctx, cachetier.EventStreamName, 100_000).Err(); err != nil {
		w.logger.Warn("event stream trim failed", zap.Error(err))
	}

	w.scanAndApply(ctx, "tag_usage_stream:*", func(key string) {
		if err := w.redis.XTrimMaxLen(ctx, key, 10_000).Err(); err != nil {
			w.logger.Warn("tag usage stream trim failed", zap.String("key", key), zap.Error(err))
		}
	})

	cutoff := strconv.FormatInt(time.Now().Add(-zsetEntryTTL).Unix(), 10)
	w.scanAndApply(ctx, "tag_usage_zset:*", func(key string) {
		if _, err := w.redis.ZRemRangeByScore(ctx, key, "-inf", cutoff).Result(); err != nil {
			w.logger.Warn("tag usage zset trim failed", zap.String("key", key), zap.Error(err))
			return
		}
		if n, err := w.redis.ZCard(ctx, key).Result(); err == nil && n == 0 {
			w.redis.Del(ctx, key)
		}
	})
}

// scanAndApply walks the keyspace with SCAN (never KEYS, to avoid
// blocking Redis under load) and invokes fn for every key matching
// pattern.
func (w *Worker) scanAndApply(ctx context.Context, pattern string, fn func(key string)) {
	var cursor uint64
	for {
		keys, next, err := w.redis.Scan(ctx, cursor, pattern, maintenanceScanCount).Result()
		if err != nil {
			w.logger.Warn("maintenance scan failed", zap.String("pattern", pattern), zap.Error(err))
			return
		}
		for _, key := range keys {
			fn(key)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
