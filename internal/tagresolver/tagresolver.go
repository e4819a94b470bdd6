// Package tagresolver implements spec §4.5 TagResolver: name-set to
// validated tag IDs with weights, backed by a two-level cache (per-query
// tagset cache, per-tenant full-set cache) in front of the relational
// tag table.
package tagresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/models"
)

const (
	tagSetTTL  = 2 * time.Minute
	tenantTTL  = 5 * time.Minute
)

// ValidationError reports the tag names a tenant does not have an active
// tag for; callers translate this into spec's 400 TagValidationError.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tags not found for this tenant: %s", strings.Join(e.Missing, ", "))
}

type Resolver struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *Resolver {
	return &Resolver{db: db, redis: rdb, logger: logger}
}

// Resolve returns the validated tag set for the requested names, or a
// *ValidationError naming whichever names the tenant has no active tag
// for.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, names []string) ([]models.ResolvedTag, error) {
	if len(names) == 0 {
		return nil, nil
	}

	setKey := cachetier.TagSetKey(tenantID, names)
	if cached, ok := r.getTagSet(ctx, setKey); ok {
		return cached, nil
	}

	active, err := r.tenantActiveTags(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]models.Tag, len(active))
	for _, t := range active {
		byName[t.Name] = t
	}

	var missing []string
	resolved := make([]models.ResolvedTag, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		tag, ok := byName[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		resolved = append(resolved, models.ResolvedTag{ID: tag.ID, Name: tag.Name, Weight: 1.0})
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	r.setTagSet(ctx, setKey, resolved)
	return resolved, nil
}

func (r *Resolver) tenantActiveTags(ctx context.Context, tenantID uuid.UUID) ([]models.Tag, error) {
	key := cachetier.TenantTagsKey(tenantID)
	if r.redis != nil {
		cctx, cancel := cachetier.WithShortDeadline(ctx)
		defer cancel()
		raw, err := r.redis.Get(cctx, key).Bytes()
		if err == nil {
			var tags []models.Tag
			if json.Unmarshal(raw, &tags) == nil {
				return tags, nil
			}
		} else if err != redis.Nil {
			r.logger.Warn("tag cache read failed, falling back to db", zap.Error(err))
		}
	}

	var tags []models.Tag
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("load tenant tags: %w", err)
	}

	if r.redis != nil {
		if raw, err := json.Marshal(tags); err == nil {
			cctx, cancel := cachetier.WithShortDeadline(ctx)
			defer cancel()
			if err := r.redis.Set(cctx, key, raw, tenantTTL).Err(); err != nil {
				r.logger.Warn("tag cache write failed", zap.Error(err))
			}
		}
	}

	return tags, nil
}

func (r *Resolver) getTagSet(ctx context.Context, key string) ([]models.ResolvedTag, bool) {
	if r.redis == nil {
		return nil, false
	}
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()
	raw, err := r.redis.Get(cctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var resolved []models.ResolvedTag
	if json.Unmarshal(raw, &resolved) != nil {
		return nil, false
	}
	return resolved, true
}

func (r *Resolver) setTagSet(ctx context.Context, key string, resolved []models.ResolvedTag) {
	if r.redis == nil {
		return
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()
	if err := r.redis.Set(cctx, key, raw, tagSetTTL).Err(); err != nil {
		r.logger.Warn("tagset cache write failed", zap.Error(err))
	}
}

// InvalidateTenant deletes the per-tenant full-set cache and every
// tagset cache entry for that tenant, called on any tag mutation.
func (r *Resolver) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	if r.redis == nil {
		return nil
	}
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()

	if err := r.redis.Del(cctx, cachetier.TenantTagsKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("invalidate tenant tags: %w", err)
	}

	pattern := cachetier.TagSetPrefix(tenantID) + "*"
	iter := r.redis.Scan(cctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(cctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan tagset keys: %w", err)
	}
	if len(keys) > 0 {
		if err := r.redis.Del(cctx, keys...).Err(); err != nil {
			return fmt.Errorf("delete tagset keys: %w", err)
		}
	}
	return nil
}

// AncestorChain walks a tag to the root using the materialized path,
// returning ids from the tag itself up to the root, inclusive.
func AncestorChain(tag models.Tag) []uuid.UUID {
	parts := strings.Split(strings.Trim(tag.Path, "/"), "/")
	ids := make([]uuid.UUID, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		if id, err := uuid.Parse(parts[i]); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// sortNames returns a sorted copy of names.
func sortNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
