package authcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/authcache"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/testutil"
)

func TestAuthCache_VerifyAndCache(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	plaintext, hash, prefix, err := models.GenerateAPIKey()
	require.NoError(t, err)

	key := models.ApiKey{TenantID: tenant.ID, KeyHash: hash, KeyPrefix: prefix, IsActive: true}
	require.NoError(t, db.Create(&key).Error)

	cache := authcache.New(db, zap.NewNop())
	defer cache.Stop()

	entry, err := cache.Verify(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, entry.TenantID)
	assert.Equal(t, key.ID, entry.KeyID)

	// Second call should hit the in-process cache; same result.
	entry2, err := cache.Verify(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, entry.KeyID, entry2.KeyID)
}

func TestAuthCache_WrongSecretRejected(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	plaintext, hash, prefix, err := models.GenerateAPIKey()
	require.NoError(t, err)
	key := models.ApiKey{TenantID: tenant.ID, KeyHash: hash, KeyPrefix: prefix, IsActive: true}
	require.NoError(t, db.Create(&key).Error)

	cache := authcache.New(db, zap.NewNop())
	defer cache.Stop()

	replacement := "0"
	if plaintext[len(plaintext)-1] == '0' {
		replacement = "1"
	}
	forged := plaintext[:len(plaintext)-1] + replacement
	_, err = cache.Verify(context.Background(), forged)
	assert.ErrorIs(t, err, authcache.ErrUnauthenticated)
}

func TestAuthCache_InactiveKeyRejected(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	plaintext, hash, prefix, err := models.GenerateAPIKey()
	require.NoError(t, err)
	key := models.ApiKey{TenantID: tenant.ID, KeyHash: hash, KeyPrefix: prefix, IsActive: false}
	require.NoError(t, db.Create(&key).Error)

	cache := authcache.New(db, zap.NewNop())
	defer cache.Stop()

	_, err = cache.Verify(context.Background(), plaintext)
	assert.ErrorIs(t, err, authcache.ErrUnauthenticated)
}
