package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/ratelimit"
	"github.com/llmguard/llmguard/internal/testutil"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme", RateLimitPerMin: 100}
	require.NoError(t, db.Create(&tenant).Error)

	limiter := ratelimit.New(db, rdb, zap.NewNop(), 100)

	for i := 0; i < 100; i++ {
		ok, err := limiter.Allow(context.Background(), tenant.ID)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := limiter.Allow(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.False(t, ok, "101st request should be rate limited")
}

func TestLimiter_ZeroMeansUnlimited(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme", RateLimitPerMin: 0}
	require.NoError(t, db.Create(&tenant).Error)

	limiter := ratelimit.New(db, rdb, zap.NewNop(), 100)

	for i := 0; i < 500; i++ {
		ok, err := limiter.Allow(context.Background(), tenant.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLimiter_AllowPreAuthKeysByIPNotTenant(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	limiter := ratelimit.New(db, rdb, zap.NewNop(), 3)

	for i := 0; i < 3; i++ {
		ok, err := limiter.AllowPreAuth(context.Background(), "203.0.113.5")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := limiter.AllowPreAuth(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, ok, "4th request from the same IP should be throttled")

	ok, err = limiter.AllowPreAuth(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, ok, "a different IP has its own bucket")
}

func TestLimiter_AllowPreAuthZeroDefaultMeansUnlimited(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	limiter := ratelimit.New(db, rdb, zap.NewNop(), 0)

	for i := 0; i < 50; i++ {
		ok, err := limiter.AllowPreAuth(context.Background(), "198.51.100.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
