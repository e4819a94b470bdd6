package session_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/session"
	"github.com/llmguard/llmguard/internal/testutil"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestTracker_CreatesFreshSessionAtZeroCost(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	tracker := session.New(db, rdb, zap.NewNop())

	sess, err := tracker.Resolve(context.Background(), tenant.ID, "S1", "", "",
		decimal.NewFromFloat(10), nil, nil)
	require.NoError(t, err)
	assert.True(t, sess.CurrentCostUSD.IsZero())
	assert.Equal(t, models.SessionActive, sess.Status)
}

func TestTracker_EffectiveBudgetPrefersLowestTagBudget(t *testing.T) {
	tagA := uuid.New()
	tagB := uuid.New()
	tags := []models.ResolvedTag{{ID: tagA, Name: "a"}, {ID: tagB, Name: "b"}}
	budgets := map[uuid.UUID]decimal.Decimal{
		tagA: decimal.NewFromFloat(5),
		tagB: decimal.NewFromFloat(2),
	}

	got := session.EffectiveBudget(decimal.NewFromFloat(100), tags, budgets)
	assert.True(t, got.Equal(decimal.NewFromFloat(2)))
}

func TestTracker_EffectiveBudgetFallsBackToTenantDefault(t *testing.T) {
	got := session.EffectiveBudget(decimal.NewFromFloat(10), nil, nil)
	assert.True(t, got.Equal(decimal.NewFromFloat(10)))
}

func TestTracker_IncrementCostAccumulatesInCache(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	tracker := session.New(db, rdb, zap.NewNop())
	sess, err := tracker.Resolve(context.Background(), tenant.ID, "S1", "", "",
		decimal.NewFromFloat(0.000001), nil, nil)
	require.NoError(t, err)

	require.NoError(t, tracker.IncrementCost(context.Background(), sess, decimal.NewFromFloat(0.000002)))

	refreshed, err := tracker.Resolve(context.Background(), tenant.ID, "S1", "", "",
		decimal.NewFromFloat(0.000001), nil, nil)
	require.NoError(t, err)
	assert.True(t, refreshed.CurrentCostUSD.GreaterThan(decimal.Zero))
}
