// Package session implements spec §4.5 SessionTracker: get-or-create by
// (tenantId, sessionKey), effective-budget resolution, and an atomic
// cost increment backed by a cache-tier counter with DB fallback.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/models"
)

const sessionTTL = 30 * time.Minute

type Tracker struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, redis: rdb, logger: logger}
}

// Resolve returns the session for (tenantID, sessionKey), creating it
// transactionally on first use. tagSessionBudgets is the set of
// session-scoped budgets among the request's resolved tags, used only
// when the session is created; the effective budget of an existing
// session is not recomputed.
func (t *Tracker) Resolve(ctx context.Context, tenantID uuid.UUID, sessionKey, name, path string, tenantDefaultBudget decimal.Decimal, attachedTags []models.ResolvedTag, tagSessionBudgets map[uuid.UUID]decimal.Decimal) (*models.Session, error) {
	if cached, ok := t.getCached(ctx, sessionKey); ok {
		cost, err := t.currentCost(ctx, sessionKey, cached.ID)
		if err != nil {
			return nil, err
		}
		cached.CurrentCostUSD = cost
		return cached, nil
	}

	var sess models.Session
	err := t.db.WithContext(ctx).Where("tenant_id = ? AND session_key = ?", tenantID, sessionKey).First(&sess).Error
	if err == nil {
		t.setCached(ctx, &sess)
		cost, cerr := t.currentCost(ctx, sessionKey, sess.ID)
		if cerr != nil {
			return nil, cerr
		}
		sess.CurrentCostUSD = cost
		return &sess, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	effective := EffectiveBudget(tenantDefaultBudget, attachedTags, tagSessionBudgets)

	sess = models.Session{
		TenantID:           tenantID,
		SessionKey:         sessionKey,
		Name:               name,
		Path:               path,
		EffectiveBudgetUSD: effective,
		CurrentCostUSD:     decimal.Zero,
		Status:             models.SessionActive,
		LastActiveAt:       time.Now().UTC(),
	}

	txErr := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sess).Error; err != nil {
			return err
		}
		for _, tag := range attachedTags {
			if err := tx.Create(&models.SessionTag{SessionID: sess.ID, TagID: tag.ID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("create session: %w", txErr)
	}

	t.setCached(ctx, &sess)
	t.primeCost(ctx, sessionKey)

	return &sess, nil
}

// EffectiveBudget computes min(tag session budgets) if any are set,
// otherwise the tenant default.
func EffectiveBudget(tenantDefault decimal.Decimal, tags []models.ResolvedTag, tagBudgets map[uuid.UUID]decimal.Decimal) decimal.Decimal {
	var lowest decimal.Decimal
	found := false
	for _, tag := range tags {
		amt, ok := tagBudgets[tag.ID]
		if !ok {
			continue
		}
		if !found || amt.LessThan(lowest) {
			lowest = amt
			found = true
		}
	}
	if found {
		return lowest
	}
	return tenantDefault
}

// IncrementCost atomically bumps the cache-tier session cost counter and
// best-effort updates LastActiveAt in the DB. The DB's CurrentCostUSD is
// only written when the cache tier is unavailable.
func (t *Tracker) IncrementCost(ctx context.Context, sess *models.Session, usd decimal.Decimal) error {
	if t.redis != nil {
		cctx, cancel := cachetier.WithShortDeadline(ctx)
		defer cancel()
		amount, _ := usd.Float64()
		key := cachetier.SessionCostKey(sess.SessionKey)
		if err := t.redis.IncrByFloat(cctx, key, amount).Err(); err == nil {
			t.redis.Expire(cctx, key, sessionTTL)
			t.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", sess.ID).
				Update("last_active_at", time.Now().UTC())
			return nil
		} else {
			t.logger.Warn("session cost cache increment failed, falling back to db", zap.Error(err))
		}
	}

	return t.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", sess.ID).
		Updates(map[string]interface{}{
			"current_cost_usd": gorm.Expr("current_cost_usd + ?", usd),
			"last_active_at":   time.Now().UTC(),
		}).Error
}

// MarkExceeded transitions the session to budget_exceeded, write-through
// to cache and DB.
func (t *Tracker) MarkExceeded(ctx context.Context, sess *models.Session) error {
	sess.Status = models.SessionBudgetExceeded
	if err := t.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", sess.ID).
		Update("status", models.SessionBudgetExceeded).Error; err != nil {
		return fmt.Errorf("mark session exceeded: %w", err)
	}
	t.setCached(ctx, sess)
	return nil
}

func (t *Tracker) currentCost(ctx context.Context, sessionKey string, sessionID uuid.UUID) (decimal.Decimal, error) {
	if t.redis != nil {
		cctx, cancel := cachetier.WithShortDeadline(ctx)
		defer cancel()
		val, err := t.redis.Get(cctx, cachetier.SessionCostKey(sessionKey)).Result()
		if err == nil {
			return decimal.NewFromString(val)
		}
		if err != redis.Nil {
			t.logger.Warn("session cost cache read failed, falling back to db", zap.Error(err))
		}
	}

	var sess models.Session
	if err := t.db.WithContext(ctx).Select("current_cost_usd").First(&sess, "id = ?", sessionID).Error; err != nil {
		return decimal.Zero, fmt.Errorf("lookup session cost: %w", err)
	}
	return sess.CurrentCostUSD, nil
}

func (t *Tracker) primeCost(ctx context.Context, sessionKey string) {
	if t.redis == nil {
		return
	}
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()
	if err := t.redis.Set(cctx, cachetier.SessionCostKey(sessionKey), "0", sessionTTL).Err(); err != nil {
		t.logger.Warn("prime session cost cache failed", zap.Error(err))
	}
}

func (t *Tracker) getCached(ctx context.Context, sessionKey string) (*models.Session, bool) {
	if t.redis == nil {
		return nil, false
	}
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()
	raw, err := t.redis.Get(cctx, cachetier.SessionKey(sessionKey)).Bytes()
	if err != nil {
		return nil, false
	}
	var sess models.Session
	if json.Unmarshal(raw, &sess) != nil {
		return nil, false
	}
	return &sess, true
}

func (t *Tracker) setCached(ctx context.Context, sess *models.Session) {
	if t.redis == nil {
		return
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return
	}
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()
	if err := t.redis.Set(cctx, cachetier.SessionKey(sess.SessionKey), raw, sessionTTL).Err(); err != nil {
		t.logger.Warn("session cache write failed", zap.Error(err))
	}
}
