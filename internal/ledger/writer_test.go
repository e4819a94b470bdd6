package ledger_test

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

	"github.com/llmguard/llmguard/internal/ledger"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/testutil"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestWriter_ComputesCostFromReportedUsage(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	pricing := models.ModelPricing{
		ModelID:         "gpt-4o-mini",
		Provider:        "openai",
		InputPricePerM:  decimal.NewFromFloat(1),
		OutputPricePerM: decimal.NewFromFloat(2),
	}
	require.NoError(t, db.Create(&pricing).Error)

	w := ledger.New(db, rdb, zap.NewNop(), nil, nil)

	promptTok, compTok := 1_000_000, 500_000
	res, err := w.Record(context.Background(), ledger.Input{
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
		Route:      "/v1/chat/completions",
		Model:      "gpt-4o-mini",
		Reported:   ledger.Usage{PromptTokens: &promptTok, CompletionTokens: &compTok},
	})
	require.NoError(t, err)

	// cost = (1_000_000*1 + 500_000*2) / 1_000_000 = 2.0
	assert.True(t, res.CostUSD.Equal(decimal.NewFromFloat(2)), "got %s", res.CostUSD)
	assert.NotEqual(t, uuid.Nil, res.UsageLedgerID)
}

func TestWriter_SelectsHighTierAliasOnLongContext(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	base := models.ModelPricing{
		ModelID:         "gemini-2.5-pro",
		Provider:        "google",
		InputPricePerM:  decimal.NewFromFloat(1),
		OutputPricePerM: decimal.NewFromFloat(2),
		Aliases:         []string{"gemini-2.5-pro-low", "gemini-2.5-pro-high"},
	}
	require.NoError(t, db.Create(&base).Error)
	high := models.ModelPricing{
		ModelID:         "gemini-2.5-pro-high",
		Provider:        "google",
		InputPricePerM:  decimal.NewFromFloat(5),
		OutputPricePerM: decimal.NewFromFloat(10),
	}
	require.NoError(t, db.Create(&high).Error)

	w := ledger.New(db, rdb, zap.NewNop(), nil, nil)

	prompt, comp := 200_000, 30_000
	res, err := w.Record(context.Background(), ledger.Input{
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
		Route:      "/v1/responses",
		Model:      "gemini-2.5-pro",
		Reported:   ledger.Usage{PromptTokens: &prompt, CompletionTokens: &comp},
	})
	require.NoError(t, err)

	expected := decimal.NewFromInt(200_000).Mul(decimal.NewFromFloat(5)).
		Add(decimal.NewFromInt(30_000).Mul(decimal.NewFromFloat(10))).
		Div(decimal.NewFromInt(1_000_000))
	assert.True(t, res.CostUSD.Equal(expected), "got %s want %s", res.CostUSD, expected)
}

func TestWriter_IncrementsTenantLedgerCounter(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	pricing := models.ModelPricing{
		ModelID:         "gpt-4o-mini",
		Provider:        "openai",
		InputPricePerM:  decimal.NewFromFloat(1),
		OutputPricePerM: decimal.NewFromFloat(1),
	}
	require.NoError(t, db.Create(&pricing).Error)

	w := ledger.New(db, rdb, zap.NewNop(), nil, []models.BudgetPeriod{models.PeriodDaily})

	prompt, comp := 500_000, 500_000
	_, err := w.Record(context.Background(), ledger.Input{
		TenantID: tenant.ID, TenantName: tenant.Name, Route: "/v1/chat/completions", Model: "gpt-4o-mini",
		Reported: ledger.Usage{PromptTokens: &prompt, CompletionTokens: &comp},
	})
	require.NoError(t, err)

	keys, err := rdb.Keys(context.Background(), "ledger:"+tenant.ID.String()+":*").Result()
	require.NoError(t, err)
	require.Len(t, keys, 1)

	val, err := rdb.Get(context.Background(), keys[0]).Result()
	require.NoError(t, err)
	got, err := decimal.NewFromString(val)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromFloat(1)), "got %s", got)
}
