package cachetier

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const opsScanCount = 200

// InvalidateTenant deletes every cache-tier key carrying tenantID
// anywhere in its name. The key helpers in keys.go embed the tenant ID
// verbatim for budgets, ledgers, tag sets, tenant rate-limit windows, and
// the tag-usage stream, sorted sets and counters, so a single substring
// SCAN covers those. Session, session-cost, tag-usage event-marker and
// pre-auth rate-limit keys carry no tenant ID and are not deleted.
func InvalidateTenant(ctx context.Context, rdb *redis.Client, tenantID uuid.UUID) (int, error) {
	pattern := "*" + tenantID.String() + "*"
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, opsScanCount).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Stats reports a coarse key count per cache-tier category, enough for
// the ops CLI's "cache stats" command to show whether the tiers are
// populated without dumping key contents.
func Stats(ctx context.Context, rdb *redis.Client) (map[string]int, error) {
	categories := map[string]string{
		"budgets":     "budget:*",
		"ledgers":     "ledger:*",
		"sessions":    "session:*",
		"tag_sets":    "tagset:*",
		"tag_usage":   "tag_usage_*",
		"rate_limits": "ratelimit:*",
	}
	out := make(map[string]int, len(categories))
	for name, pattern := range categories {
		count := 0
		var cursor uint64
		for {
			keys, next, err := rdb.Scan(ctx, cursor, pattern, opsScanCount).Result()
			if err != nil {
				return nil, err
			}
			count += len(keys)
			cursor = next
			if cursor == 0 {
				break
			}
		}
		out[name] = count
	}
	return out, nil
}
