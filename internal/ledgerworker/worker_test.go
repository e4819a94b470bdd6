package ledgerworker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/testutil"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// TestWorker_ReplayIsIdempotent feeds the same usage event through
// persist and recordAnalytics twice, as a stream redelivery after a
// crashed ack would. The relational insert is expected to land exactly
// once (unique idempotency_key, ON CONFLICT DO NOTHING) and the
// cache-tier aggregate is expected to move exactly once (SETNX marker).
func TestWorker_ReplayIsIdempotent(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)
	tag := models.Tag{TenantID: tenant.ID, Name: "team-a", Path: "team-a", Level: 0, IsActive: true}
	require.NoError(t, db.Create(&tag).Error)

	w := New(db, rdb, zap.NewNop(), Config{})

	ev := &usageEvent{
		UsageLedgerID: uuid.New(),
		Timestamp:     time.Now().UTC(),
		TenantID:      tenant.ID,
		TenantName:    tenant.Name,
		Route:         "/v1/chat/completions",
		Model:         "gpt-4o-mini",
		CostUSD:       "1.500000",
		PromptTokens:  1000,
		CompTokens:    500,
		Tags:          []models.ResolvedTag{{ID: tag.ID, Name: tag.Name, Weight: 1.0}},
	}

	ctx := context.Background()
	require.NoError(t, w.persist(ctx, ev))
	require.NoError(t, w.recordAnalytics(ctx, ev))

	require.NoError(t, w.persist(ctx, ev))
	require.NoError(t, w.recordAnalytics(ctx, ev))

	var count int64
	require.NoError(t, db.Model(&models.UsageLedger{}).Where("idempotency_key = ?", ev.UsageLedgerID.String()).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var tagCount int64
	require.NoError(t, db.Model(&models.RequestTag{}).Where("usage_ledger_id = ?", ev.UsageLedgerID).Count(&tagCount).Error)
	assert.Equal(t, int64(1), tagCount)

	rtKey := "tag_usage_rt:" + tenant.ID.String() + ":" + tag.ID.String()
	val, err := rdb.Get(ctx, rtKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "1.5", val)
}

func TestParseEvent_RoundTripsXMessageValues(t *testing.T) {
	ledgerID := uuid.New()
	tenantID := uuid.New()
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	msg := redis.XMessage{
		ID: "1-1",
		Values: map[string]interface{}{
			"usageLedgerId": ledgerID.String(),
			"tenant":        tenantID.String(),
			"tenantName":    "acme",
			"route":         "/v1/chat/completions",
			"model":         "gpt-4o-mini",
			"usd":           "2.000000",
			"promptTok":     "1000000",
			"compTok":       "500000",
			"ts":            ts,
			"tags":          "null",
		},
	}

	ev, err := parseEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, ledgerID, ev.UsageLedgerID)
	assert.Equal(t, tenantID, ev.TenantID)
	assert.Equal(t, "acme", ev.TenantName)
	assert.Equal(t, 1000000, ev.PromptTokens)
	assert.Equal(t, 500000, ev.CompTokens)
	assert.Nil(t, ev.SessionID)
	assert.Empty(t, ev.Tags)
}

func TestParseEvent_RejectsMissingLedgerID(t *testing.T) {
	msg := redis.XMessage{ID: "1-1", Values: map[string]interface{}{"tenant": uuid.New().String()}}
	_, err := parseEvent(msg)
	assert.Error(t, err)
}
