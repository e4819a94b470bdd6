package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/admission"
	"github.com/llmguard/llmguard/internal/authcache"
	"github.com/llmguard/llmguard/internal/budget"
	"github.com/llmguard/llmguard/internal/config"
	"github.com/llmguard/llmguard/internal/httpapi"
	"github.com/llmguard/llmguard/internal/ledger"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/opsauth"
	"github.com/llmguard/llmguard/internal/provider"
	"github.com/llmguard/llmguard/internal/ratelimit"
	"github.com/llmguard/llmguard/internal/session"
	"github.com/llmguard/llmguard/internal/tagresolver"
	"github.com/llmguard/llmguard/internal/testutil"
)

type stubProvider struct {
	name            string
	lastOverrideKey *string
}

func (s stubProvider) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}
func (s stubProvider) ChatCompletion(ctx context.Context, req provider.Request) (provider.Response, error) {
	if s.lastOverrideKey != nil {
		*s.lastOverrideKey = req.OverrideKey
	}
	body, _ := json.Marshal(map[string]interface{}{"usage": map[string]int{"prompt_tokens": 1, "completion_tokens": 1}})
	return provider.Response{Status: 200, Data: body}, nil
}
func (s stubProvider) Responses(ctx context.Context, req provider.Request) (provider.Response, error) {
	return s.ChatCompletion(ctx, req)
}
func (stubProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{Healthy: true}
}

func newRouterWithProvider(t *testing.T, stub stubProvider) (http.Handler, string) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()

	tenant := models.Tenant{Name: "acme", Slug: "acme", RateLimitPerMin: 1000}
	require.NoError(t, db.Create(&tenant).Error)
	plaintext, hash, prefix, err := models.GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.ApiKey{TenantID: tenant.ID, Name: "primary", KeyHash: hash, KeyPrefix: prefix, IsActive: true}).Error)
	require.NoError(t, db.Create(&models.ModelPricing{
		ModelID: "gpt-4o-mini", Provider: "stub",
		InputPricePerM: decimal.NewFromFloat(1), OutputPricePerM: decimal.NewFromFloat(1),
	}).Error)

	registry := provider.NewRegistry(db)
	registry.Register("stub", stub)

	pipeline := admission.New(admission.Config{
		DB:           db,
		Logger:       logger,
		RateLimiter:  ratelimit.New(db, rdb, logger, 1000),
		AuthCache:    authcache.New(db, logger),
		TagResolver:  tagresolver.New(db, rdb, logger),
		Sessions:     session.New(db, rdb, logger),
		BudgetEval:   budget.New(db, rdb, logger, budget.Config{DefaultBudgetUSD: decimal.NewFromFloat(1000)}),
		Providers:    registry,
		LedgerWriter: ledger.New(db, rdb, logger, nil, nil),
	})

	cfg := &config.Config{}
	ops := opsauth.New(opsauth.Config{MasterKey: "test-master-key", JWTSecret: []byte("test-secret")})
	return httpapi.NewRouter(cfg, logger, pipeline, registry, rdb, ops), plaintext
}

func newRouter(t *testing.T) (http.Handler, string) {
	t.Helper()
	return newRouterWithProvider(t, stubProvider{})
}

func TestRouter_ChatCompletionsHappyPath(t *testing.T) {
	router, plaintext := newRouter(t)

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_OpsCacheStatsRequiresToken(t *testing.T) {
	router, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ops/cache/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tokenReq := httptest.NewRequest(http.MethodPost, "/ops/token", nil)
	tokenReq.Header.Set("X-Master-Key", "test-master-key")
	tokenRec := httptest.NewRecorder()
	router.ServeHTTP(tokenRec, tokenReq)
	require.Equal(t, http.StatusOK, tokenRec.Code)

	var tokenBody struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(tokenRec.Body).Decode(&tokenBody))
	require.NotEmpty(t, tokenBody.Token)

	statsReq := httptest.NewRequest(http.MethodGet, "/ops/cache/stats", nil)
	statsReq.Header.Set("Authorization", "Bearer "+tokenBody.Token)
	statsRec := httptest.NewRecorder()
	router.ServeHTTP(statsRec, statsReq)
	require.Equal(t, http.StatusOK, statsRec.Code)
}

func TestRouter_MissingAuthReturns401(t *testing.T) {
	router, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_ForwardsProviderKeyOverrideHeader(t *testing.T) {
	var seenKey string
	router, plaintext := newRouterWithProvider(t, stubProvider{name: "openai", lastOverrideKey: &seenKey})

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+plaintext)
	req.Header.Set("X-OpenAI-Key", "sk-caller-supplied")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "sk-caller-supplied", seenKey)
}

func TestRouter_HealthReflectsProviderStatus(t *testing.T) {
	router, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
