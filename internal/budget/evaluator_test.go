package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/apierror"
	"github.com/llmguard/llmguard/internal/budget"
	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/testutil"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestEvaluator_AllowsUnderBudget(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	eval := budget.New(db, rdb, zap.NewNop(), budget.Config{
		DefaultBudgetUSD: decimal.NewFromFloat(100),
		Periods:          []models.BudgetPeriod{models.PeriodDaily},
	})

	err := eval.EvaluateTenant(context.Background(), tenant.ID, time.Now())
	assert.NoError(t, err)
}

func TestEvaluator_BlocksWhenLedgerAtOrAboveAmount(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	eval := budget.New(db, rdb, zap.NewNop(), budget.Config{
		DefaultBudgetUSD: decimal.NewFromFloat(1),
		Periods:          []models.BudgetPeriod{models.PeriodDaily},
	})

	now := time.Now().UTC()
	start, end := budget.Window(models.PeriodDaily, now)
	periodKey := budget.PeriodKey(models.PeriodDaily, start, end)
	require.NoError(t, rdb.Set(context.Background(), cachetier.LedgerKey(tenant.ID, periodKey), "1.0", 0).Err())

	err := eval.EvaluateTenant(context.Background(), tenant.ID, now)
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.BudgetExceeded, apiErr.Kind)
}

func TestEvaluator_TagStrictOnlyBlocksOnOwnBreach(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	parent := models.Tag{TenantID: tenant.ID, Name: "parent", IsActive: true}
	require.NoError(t, db.Create(&parent).Error)
	child := models.Tag{TenantID: tenant.ID, Name: "child", ParentID: &parent.ID, IsActive: true}
	require.NoError(t, db.Create(&child).Error)

	now := time.Now().UTC()
	start, end := budget.Window(models.PeriodDaily, now)

	parentBudget := models.TagBudget{
		TagID: parent.ID, Period: models.PeriodDaily, AmountUSD: decimal.NewFromFloat(1),
		StartsAt: start, EndsAt: end, Inheritance: models.InheritanceLenient, IsActive: true,
	}
	require.NoError(t, db.Create(&parentBudget).Error)

	childBudget := models.TagBudget{
		TagID: child.ID, Period: models.PeriodDaily, AmountUSD: decimal.NewFromFloat(100),
		StartsAt: start, EndsAt: end, Inheritance: models.InheritanceStrict, IsActive: true,
	}
	require.NoError(t, db.Create(&childBudget).Error)

	periodKey := budget.PeriodKey(models.PeriodDaily, start, end)
	require.NoError(t, rdb.Set(context.Background(), cachetier.TagLedgerKey(tenant.ID, parent.ID, periodKey), "1.0", 0).Err())

	eval := budget.New(db, rdb, zap.NewNop(), budget.Config{DefaultBudgetUSD: decimal.NewFromFloat(100)})

	err := eval.EvaluateTags(context.Background(), tenant.ID, []models.Tag{child}, now)
	assert.NoError(t, err, "STRICT child should not block on ancestor breach")
}

func TestEvaluator_TagLenientBlocksOnAncestorBreach(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	parent := models.Tag{TenantID: tenant.ID, Name: "parent", IsActive: true}
	require.NoError(t, db.Create(&parent).Error)
	child := models.Tag{TenantID: tenant.ID, Name: "child", ParentID: &parent.ID, IsActive: true}
	require.NoError(t, db.Create(&child).Error)

	now := time.Now().UTC()
	start, end := budget.Window(models.PeriodDaily, now)

	parentBudget := models.TagBudget{
		TagID: parent.ID, Period: models.PeriodDaily, AmountUSD: decimal.NewFromFloat(1),
		StartsAt: start, EndsAt: end, Inheritance: models.InheritanceLenient, IsActive: true,
	}
	require.NoError(t, db.Create(&parentBudget).Error)

	childBudget := models.TagBudget{
		TagID: child.ID, Period: models.PeriodDaily, AmountUSD: decimal.NewFromFloat(100),
		StartsAt: start, EndsAt: end, Inheritance: models.InheritanceLenient, IsActive: true,
	}
	require.NoError(t, db.Create(&childBudget).Error)

	periodKey := budget.PeriodKey(models.PeriodDaily, start, end)
	require.NoError(t, rdb.Set(context.Background(), cachetier.TagLedgerKey(tenant.ID, parent.ID, periodKey), "1.0", 0).Err())

	eval := budget.New(db, rdb, zap.NewNop(), budget.Config{DefaultBudgetUSD: decimal.NewFromFloat(100)})

	err := eval.EvaluateTags(context.Background(), tenant.ID, []models.Tag{child}, now)
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.TagBudgetExceeded, apiErr.Kind)
}

func TestPeriodKey_Formats(t *testing.T) {
	d := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	start, end := budget.Window(models.PeriodDaily, d)
	assert.Equal(t, "2026-03-05", budget.PeriodKey(models.PeriodDaily, start, end))

	start, end = budget.Window(models.PeriodMonthly, d)
	assert.Equal(t, "2026-03", budget.PeriodKey(models.PeriodMonthly, start, end))
}
