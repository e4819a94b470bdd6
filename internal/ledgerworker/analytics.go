package ledgerworker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/budget"
	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/models"
)

var analyticsPeriods = []models.BudgetPeriod{models.PeriodDaily, models.PeriodMonthly}

type zsetMember struct {
	USD       string  `json:"usd"`
	Weight    float64 `json:"weight"`
	Ts        int64   `json:"ts"`
	SessionID string  `json:"sessionId,omitempty"`
	Model     string  `json:"model"`
}

// recordAnalytics maintains the spec §4.8 cache-tier projection: an
// audit-trail stream, two sorted sets, two aggregate counters, and one
// real-time counter per (tenant, tag, period). Idempotency here rides on
// the same (usageLedgerId, tagId) marker the relational insert used —
// a replayed event that already inserted the marker is skipped
// entirely so the analytics counters never double-count.
func (w *Worker) recordAnalytics(ctx context.Context, ev *usageEvent) error {
	if w.redis == nil || len(ev.Tags) == 0 {
		return nil
	}

	cost, err := decimal.NewFromString(ev.CostUSD)
	if err != nil {
		return fmt.Errorf("parse cost: %w", err)
	}

	for _, tag := range ev.Tags {
		marker := cachetier.TagUsageEventMarkerKey(fmt.Sprintf("%s:%s", ev.UsageLedgerID, tag.ID))
		ok, err := w.redis.SetNX(ctx, marker, "1", eventMarkerTTL).Result()
		if err != nil {
			w.logger.Warn("tag usage idempotency marker check failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		weighted := cost.Mul(decimal.NewFromFloat(tag.Weight))
		f, _ := weighted.Float64()

		sessionID := ""
		if ev.SessionID != nil {
			sessionID = ev.SessionID.String()
		}
		member, err := json.Marshal(zsetMember{
			USD: weighted.StringFixed(6), Weight: tag.Weight,
			Ts: ev.Timestamp.Unix(), SessionID: sessionID, Model: ev.Model,
		})
		if err != nil {
			return fmt.Errorf("marshal zset member: %w", err)
		}

		auditKey := cachetier.TagUsageStreamKey(ev.TenantID)
		w.redis.XAdd(ctx, &redis.XAddArgs{
			Stream: auditKey,
			MaxLen: 10_000,
			Approx: true,
			Values: map[string]interface{}{"data": string(member)},
		})

		for _, period := range analyticsPeriods {
			start, end := budget.Window(period, ev.Timestamp)
			periodKey := budget.PeriodKey(period, start, end)

			zkey := cachetier.TagUsageZSetKey(ev.TenantID, tag.ID, string(period))
			zmember := redis.Z{Score: float64(ev.Timestamp.Unix()), Member: string(member)}
			if err := w.redis.ZAdd(ctx, zkey, zmember).Err(); err != nil {
				w.logger.Warn("tag usage zset add failed", zap.Error(err))
			}
			w.redis.Expire(ctx, zkey, zsetEntryTTL)

			aggKey := cachetier.TagUsageAggKey(ev.TenantID, tag.ID, periodKey)
			if err := w.redis.IncrByFloat(ctx, aggKey, f).Err(); err != nil {
				w.logger.Warn("tag usage aggregate increment failed", zap.Error(err))
			}
		}

		rtKey := cachetier.TagUsageRealtimeKey(ev.TenantID, tag.ID)
		if err := w.redis.IncrByFloat(ctx, rtKey, f).Err(); err != nil {
			w.logger.Warn("tag usage realtime increment failed", zap.Error(err))
		}
		w.redis.Expire(ctx, rtKey, realtimeCounterTTL)
	}

	return nil
}
