package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/config"
	"github.com/llmguard/llmguard/internal/dbconn"
	"github.com/llmguard/llmguard/internal/ledgerworker"
	"github.com/llmguard/llmguard/internal/logger"
)

func main() {
	var configPath = flag.String("config", "", "Path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
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

	w := ledgerworker.New(db, rdb, log, ledgerworker.Config{
		BatchSize:        int64(cfg.Worker.BatchSize),
		PollInterval:     cfg.Worker.ProcessingInterval,
		ConsumerName:     consumerName(),
		ClaimMinIdleTime: cfg.Worker.ClaimMinIdleTime,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		log.Fatal("failed to start ledger worker", zap.Error(err))
	}
	log.Info("ledger worker started",
		zap.Int("batch_size", cfg.Worker.BatchSize),
		zap.Duration("poll_interval", cfg.Worker.ProcessingInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, draining ledger worker...")
	cancel()
	w.Stop()

	time.Sleep(2 * time.Second)
	log.Info("ledger worker shutdown complete")
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("ledgerworker-%d", os.Getpid())
	}
	return fmt.Sprintf("ledgerworker-%s-%d", host, os.Getpid())
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
