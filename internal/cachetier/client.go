// Package cachetier owns the Redis client lifecycle and the stable
// cache-tier key layout shared by every admission-path component.
package cachetier

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// NewClient dials Redis and verifies connectivity. Returns (nil, nil)
// when cfg.URL is empty — callers degrade cache-tier ops to no-ops per
// the REDIS_URL-absence contract in spec configuration.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
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

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// ShortDeadline bounds a single cache-tier round trip; callers fall back
// to the DB when it expires, per spec §5's ~1s cache-tier timeout.
const ShortDeadline = time.Second

func WithShortDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ShortDeadline)
}
