// Package authcache implements spec §4.6 AuthCache: an in-process,
// TTL-bounded cache in front of the (deliberately expensive) API-key
// verification path, modeled on the teacher's simpleCache pattern in
// internal/core/auth/cached_service.go.
package authcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/models"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Entry is the cached verification result for one key prefix.
type Entry struct {
	Hash      string
	TenantID  uuid.UUID
	KeyID     uuid.UUID
	Active    bool
	ExpiresAt *time.Time
}

type cacheItem struct {
	entry     Entry
	expiresAt time.Time
}

const (
	defaultTTL       = 5 * time.Minute
	evictionInterval = 5 * time.Minute
)

type AuthCache struct {
	db     *gorm.DB
	logger *zap.Logger

	mu    sync.RWMutex
	items map[string]cacheItem

	stopCh chan struct{}
}

func New(db *gorm.DB, logger *zap.Logger) *AuthCache {
	c := &AuthCache{
		db:     db,
		logger: logger,
		items:  make(map[string]cacheItem),
		stopCh: make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

func (c *AuthCache) Stop() {
	close(c.stopCh)
}

// Verify resolves a plaintext API key to its tenant and key identity. It
// checks the in-process cache by prefix first; on miss it reads the DB,
// performs the constant-time hash compare, and populates the cache.
func (c *AuthCache) Verify(ctx context.Context, plaintext string) (*Entry, error) {
	if len(plaintext) < 8 {
		return nil, ErrUnauthenticated
	}
	prefix := derivePrefix(plaintext)

	if entry, ok := c.get(prefix); ok {
		if !entry.Active || isExpired(entry.ExpiresAt) {
			return nil, ErrUnauthenticated
		}
		if !models.VerifyAPIKey(plaintext, entry.Hash) {
			return nil, ErrUnauthenticated
		}
		return &entry, nil
	}

	var key models.ApiKey
	if err := c.db.WithContext(ctx).Where("key_prefix = ?", prefix).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	if !models.VerifyAPIKey(plaintext, key.KeyHash) {
		return nil, ErrUnauthenticated
	}

	entry := Entry{
		Hash:      key.KeyHash,
		TenantID:  key.TenantID,
		KeyID:     key.ID,
		Active:    key.IsActive,
		ExpiresAt: key.ExpiresAt,
	}
	c.set(prefix, entry)

	if !entry.Active || isExpired(entry.ExpiresAt) {
		return nil, ErrUnauthenticated
	}

	return &entry, nil
}

// Invalidate flips the cached entry to inactive immediately, in addition
// to whatever DB write the caller performs — used by key deactivation.
func (c *AuthCache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[prefix]; ok {
		item.entry.Active = false
		c.items[prefix] = item
	}
}

func (c *AuthCache) get(prefix string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[prefix]
	if !ok || time.Now().After(item.expiresAt) {
		return Entry{}, false
	}
	return item.entry, true
}

func (c *AuthCache) set(prefix string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[prefix] = cacheItem{entry: entry, expiresAt: time.Now().Add(defaultTTL)}
}

func (c *AuthCache) evictLoop() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *AuthCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
}

func isExpired(t *time.Time) bool {
	return t != nil && time.Now().After(*t)
}

// derivePrefix mirrors models.GenerateAPIKey's prefix length so lookups
// and writes stay consistent without importing a shared constant.
func derivePrefix(plaintext string) string {
	const prefixLen = len("llmg_sk_") + 8
	if len(plaintext) < prefixLen {
		return plaintext
	}
	return plaintext[:prefixLen]
}
