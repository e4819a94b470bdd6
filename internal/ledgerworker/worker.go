// Package ledgerworker implements spec §4.7 LedgerWorker: a long-running
// consumer that drains the durable bg_events stream into the relational
// store and maintains the cache-tier tag-usage analytics projection
// described in spec §4.8.
package ledgerworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/metrics"
	"github.com/llmguard/llmguard/internal/models"
)

const (
	consumerGroup     = "ledgerworker"
	claimMinIdleTime  = 5 * time.Minute
	eventMarkerTTL    = 24 * time.Hour
	zsetEntryTTL      = 32 * 24 * time.Hour
	realtimeCounterTTL = 5 * time.Minute
)

// Config mirrors spec §6's WORKER configuration knobs.
type Config struct {
	BatchSize        int64
	PollInterval     time.Duration
	ConsumerName     string
	ClaimMinIdleTime time.Duration
}

type Worker struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
	cfg    Config
	stopCh chan struct{}
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger, cfg Config) *Worker {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-1"
	}
	if cfg.ClaimMinIdleTime == 0 {
		cfg.ClaimMinIdleTime = claimMinIdleTime
	}
	return &Worker{db: db, redis: rdb, logger: logger, cfg: cfg, stopCh: make(chan struct{})}
}

// Start ensures the consumer group exists and launches the drain, claim
// and maintenance loops. It returns once all three goroutines are spawned; it
// does not block.
func (w *Worker) Start(ctx context.Context) error {
	if w.redis == nil {
		w.logger.Warn("ledger worker started without a cache tier, nothing to drain")
		return nil
	}
	err := w.redis.XGroupCreateMkStream(ctx, cachetier.EventStreamName, consumerGroup, "0").Err()
	if err != nil && err != redis.Nil {
		// BUSYGROUP means the group already exists, which is fine.
		if !isBusyGroupErr(err) {
			return fmt.Errorf("create consumer group: %w", err)
		}
	}

	go w.drainLoop(ctx)
	go w.claimLoop(ctx)
	go w.maintenanceLoop(ctx)
	return nil
}

func (w *Worker) Stop() {
	close(w.stopCh)
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (w *Worker) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: w.cfg.ConsumerName,
			Streams:  []string{cachetier.EventStreamName, ">"},
			Count:    w.cfg.BatchSize,
			Block:    w.cfg.PollInterval,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				w.logger.Warn("stream read failed, backing off", zap.Error(err))
				time.Sleep(w.cfg.PollInterval)
			}
			continue
		}

		if len(streams) == 0 {
			continue
		}
		batchStart := time.Now()
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.processMessage(ctx, msg)
			}
		}
		metrics.LedgerWorkerBatchesTotal.Inc()
		metrics.LedgerWorkerBatchDuration.Observe(time.Since(batchStart).Seconds())
	}
}

// claimLoop periodically reclaims messages that were delivered to a
// consumer that died before acknowledging, so a crashed worker never
// loses events.
func (w *Worker) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ClaimMinIdleTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reclaimPending(ctx)
		}
	}
}

func (w *Worker) reclaimPending(ctx context.Context) {
	pending, err := w.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: cachetier.EventStreamName,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(w.cfg.BatchSize),
	}).Result()
	if err != nil {
		if err != redis.Nil {
			w.logger.Warn("xpending failed", zap.Error(err))
		}
		return
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= w.cfg.ClaimMinIdleTime {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return
	}

	claimed, err := w.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   cachetier.EventStreamName,
		Group:    consumerGroup,
		Consumer: w.cfg.ConsumerName,
		MinIdle:  w.cfg.ClaimMinIdleTime,
		Messages: stale,
	}).Result()
	if err != nil {
		w.logger.Warn("xclaim failed", zap.Error(err))
		return
	}
	for _, msg := range claimed {
		w.processMessage(ctx, msg)
	}
}

func (w *Worker) processMessage(ctx context.Context, msg redis.XMessage) {
	ev, err := parseEvent(msg)
	if err != nil {
		w.logger.Error("dropping malformed usage event", zap.String("id", msg.ID), zap.Error(err))
		metrics.LedgerWorkerEventsTotal.WithLabelValues("malformed").Inc()
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.persist(ctx, ev); err != nil {
		w.logger.Warn("usage event persist failed, leaving unacknowledged for retry",
			zap.String("id", msg.ID), zap.Error(err))
		metrics.LedgerWorkerEventsTotal.WithLabelValues("retry").Inc()
		return
	}

	if err := w.recordAnalytics(ctx, ev); err != nil {
		w.logger.Warn("tag usage analytics update failed", zap.String("id", msg.ID), zap.Error(err))
	}

	metrics.LedgerWorkerEventsTotal.WithLabelValues("persisted").Inc()
	w.ack(ctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.redis.XAck(ctx, cachetier.EventStreamName, consumerGroup, id).Err(); err != nil {
		w.logger.Warn("xack failed", zap.String("id", id), zap.Error(err))
	}
}

type usageEvent struct {
	UsageLedgerID uuid.UUID
	Timestamp     time.Time
	TenantID      uuid.UUID
	TenantName    string
	Route         string
	Model         string
	CostUSD       string
	PromptTokens  int
	CompTokens    int
	SessionID     *uuid.UUID
	Tags          []models.ResolvedTag
}

func parseEvent(msg redis.XMessage) (*usageEvent, error) {
	get := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}

	ledgerID, err := uuid.Parse(get("usageLedgerId"))
	if err != nil {
		return nil, fmt.Errorf("parse usageLedgerId: %w", err)
	}
	tenantID, err := uuid.Parse(get("tenant"))
	if err != nil {
		return nil, fmt.Errorf("parse tenant: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, get("ts"))
	if err != nil {
		return nil, fmt.Errorf("parse ts: %w", err)
	}
	promptTok, _ := strconv.Atoi(get("promptTok"))
	compTok, _ := strconv.Atoi(get("compTok"))

	var tags []models.ResolvedTag
	if raw := get("tags"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}

	var sessionID *uuid.UUID
	if raw := get("sessionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err == nil {
			sessionID = &id
		}
	}

	return &usageEvent{
		UsageLedgerID: ledgerID,
		Timestamp:     ts,
		TenantID:      tenantID,
		TenantName:    get("tenantName"),
		Route:         get("route"),
		Model:         get("model"),
		CostUSD:       get("usd"),
		PromptTokens:  promptTok,
		CompTokens:    compTok,
		SessionID:     sessionID,
		Tags:          tags,
	}, nil
}
