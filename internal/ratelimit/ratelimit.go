// Package ratelimit implements spec §4.3 RateLimiter: a tenant-keyed
// fixed-window counter over the shared cache tier, with an in-process
// TTL cache of each tenant's configured limit and an in-memory fallback
// for when the cache tier is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/models"
)

const (
	window          = time.Minute
	limitCacheTTL   = 60 * time.Second
	unlimitedMarker = math.MaxInt32
)

type limitEntry struct {
	limit     int
	expiresAt time.Time
}

// Limiter enforces the per-tenant fixed window. It degrades to an
// in-process counter when Redis is unavailable, matching the cache-tier
// degrade policy for ambient (non-budget) checks.
type Limiter struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger

	mu        sync.Mutex
	limits    map[uuid.UUID]limitEntry
	fallback  map[string]fallbackBucket
	defaultPM int
}

type fallbackBucket struct {
	count      int
	windowEnds time.Time
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger, defaultPerMinute int) *Limiter {
	return &Limiter{
		db:        db,
		redis:     rdb,
		logger:    logger,
		limits:    make(map[uuid.UUID]limitEntry),
		fallback:  make(map[string]fallbackBucket),
		defaultPM: defaultPerMinute,
	}
}

// Allow reports whether the tenant may make one more request in the
// current 60-second window.
func (l *Limiter) Allow(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	limit, err := l.limitFor(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if limit == unlimitedMarker {
		return true, nil
	}

	windowStart := time.Now().Unix() / int64(window.Seconds())
	return l.allowCounted(ctx, cachetier.RateLimitKey(tenantID, windowStart), fmt.Sprintf("%s:%d", tenantID, windowStart), limit)
}

// AllowPreAuth implements the admission pipeline's fast first-phase flood
// guard, run before identity is known. It buckets by client IP rather
// than tenant and checks against the server's configured default
// per-minute limit rather than a per-tenant one read from the database,
// so an unauthenticated flood of credential-guessing requests is
// throttled before a single request reaches AuthCache's DB-backed
// lookup.
func (l *Limiter) AllowPreAuth(ctx context.Context, clientIP string) (bool, error) {
	limit := l.normalizedDefault()
	if limit == unlimitedMarker {
		return true, nil
	}
	windowStart := time.Now().Unix() / int64(window.Seconds())
	return l.allowCounted(ctx, cachetier.RateLimitPreAuthKey(clientIP, windowStart), fmt.Sprintf("preauth:%s:%d", clientIP, windowStart), limit)
}

// allowCounted increments the window counter at cacheKey (Redis) or
// fallbackKey (in-process), returning whether the result is still within
// limit.
func (l *Limiter) allowCounted(ctx context.Context, cacheKey, fallbackKey string, limit int) (bool, error) {
	if l.redis != nil {
		cctx, cancel := cachetier.WithShortDeadline(ctx)
		defer cancel()
		count, err := l.redis.Incr(cctx, cacheKey).Result()
		if err == nil {
			if count == 1 {
				l.redis.Expire(cctx, cacheKey, window)
			}
			return int(count) <= limit, nil
		}
		l.logger.Warn("rate limit cache increment failed, using in-process fallback", zap.Error(err))
	}

	return l.allowFallback(fallbackKey, limit), nil
}

func (l *Limiter) allowFallback(key string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.fallback[key]
	b.count++
	l.fallback[key] = b
	return b.count <= limit
}

// limitFor reads a tenant's configured per-minute limit, caching the
// result for 60 seconds. A stored value of 0 means unlimited.
func (l *Limiter) limitFor(ctx context.Context, tenantID uuid.UUID) (int, error) {
	l.mu.Lock()
	entry, ok := l.limits[tenantID]
	l.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.limit, nil
	}

	var tenant models.Tenant
	if err := l.db.WithContext(ctx).Select("rate_limit_per_min").First(&tenant, "id = ?", tenantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return l.normalizedDefault(), nil
		}
		return 0, fmt.Errorf("load tenant rate limit: %w", err)
	}

	limit := tenant.RateLimitPerMin
	if limit == 0 {
		limit = unlimitedMarker
	}

	l.mu.Lock()
	l.limits[tenantID] = limitEntry{limit: limit, expiresAt: time.Now().Add(limitCacheTTL)}
	l.mu.Unlock()

	return limit, nil
}

func (l *Limiter) normalizedDefault() int {
	if l.defaultPM == 0 {
		return unlimitedMarker
	}
	return l.defaultPM
}
