package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/admission"
	"github.com/llmguard/llmguard/internal/authcache"
	"github.com/llmguard/llmguard/internal/budget"
	"github.com/llmguard/llmguard/internal/config"
	"github.com/llmguard/llmguard/internal/dbconn"
	"github.com/llmguard/llmguard/internal/httpapi"
	"github.com/llmguard/llmguard/internal/ledger"
	"github.com/llmguard/llmguard/internal/logger"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/opsauth"
	"github.com/llmguard/llmguard/internal/policy"
	"github.com/llmguard/llmguard/internal/provider"
	"github.com/llmguard/llmguard/internal/ratelimit"
	"github.com/llmguard/llmguard/internal/session"
	"github.com/llmguard/llmguard/internal/tagresolver"
	"github.com/llmguard/llmguard/internal/tokencount"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := dbconn.Open(dbconn.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	rdb, err := newRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	registry := buildProviderRegistry(db, cfg.Providers, log)

	policyEngine, err := buildPolicyEngine(context.Background(), cfg.Policy, log)
	if err != nil {
		log.Fatal("failed to initialize policy engine", zap.Error(err))
	}

	pipeline := admission.New(admission.Config{
		DB:          db,
		Logger:      log,
		RateLimiter: ratelimit.New(db, rdb, log, cfg.RateLimit.DefaultPerMinute),
		AuthCache:   authcache.New(db, log),
		TagResolver: tagresolver.New(db, rdb, log),
		Sessions:    session.New(db, rdb, log),
		BudgetEval: budget.New(db, rdb, log, budget.Config{
			DefaultBudgetUSD: decimal.NewFromFloat(cfg.Budget.DefaultAlertAt),
			Periods:          []models.BudgetPeriod{models.BudgetPeriod(cfg.Budget.DefaultTenantPeriod)},
			CacheTTL:         cfg.Budget.CacheTTL,
		}),
		PolicyEngine: policyEngine,
		Providers:    registry,
		LedgerWriter: ledger.New(db, rdb, log, tokencount.NewTiktokenCounter(), nil),
	})

	ops := opsauth.New(opsauth.Config{
		MasterKey: os.Getenv("LLMGUARD_MASTER_KEY"),
		JWTSecret: []byte(cfg.JWT.SecretKey),
	})

	handler := httpapi.NewRouter(cfg, log, pipeline, registry, rdb, ops)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("admission gateway listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("gateway server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gateway...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Error("gateway server forced to shutdown", zap.Error(err))
	}
	log.Info("gateway shutdown complete")
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize != 0 {
		opt.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// buildProviderRegistry registers one adapter per configured provider
// block, keyed by its "kind" (openai | anthropic | google), same
// convention as the teacher's model_list provider wiring.
func buildProviderRegistry(db *gorm.DB, providers []config.ProviderConfig, log *zap.Logger) *provider.Registry {
	reg := provider.NewRegistry(db)
	for _, p := range providers {
		switch p.Kind {
		case "openai":
			reg.Register(p.Kind, provider.NewOpenAIAdapter(p.APIKey, p.BaseURL))
		case "anthropic":
			reg.Register(p.Kind, provider.NewAnthropicAdapter(p.APIKey, p.BaseURL))
		case "google":
			adapter, err := provider.NewGoogleAdapter(context.Background(), p.APIKey, p.BaseURL)
			if err != nil {
				log.Warn("skipping google provider, client init failed", zap.Error(err))
				continue
			}
			reg.Register(p.Kind, adapter)
		default:
			log.Warn("unknown provider kind, skipping", zap.String("kind", p.Kind))
		}
	}
	return reg
}

func buildPolicyEngine(ctx context.Context, cfg config.PolicyConfig, log *zap.Logger) (policy.Engine, error) {
	if !cfg.Enabled {
		return policy.NoopEngine{}, nil
	}
	return policy.NewOPAEngine(ctx, cfg.BundlePath, cfg.Query, log)
}
