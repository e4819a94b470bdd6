package tagresolver_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/tagresolver"
	"github.com/llmguard/llmguard/internal/testutil"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestResolver_ResolveKnownTags(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	a := models.Tag{TenantID: tenant.ID, Name: "a", Path: "", Level: 0, IsActive: true}
	require.NoError(t, db.Create(&a).Error)

	resolver := tagresolver.New(db, rdb, zap.NewNop())

	resolved, err := resolver.Resolve(context.Background(), tenant.ID, []string{"a"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "a", resolved[0].Name)
	assert.Equal(t, 1.0, resolved[0].Weight)
}

func TestResolver_UnknownTagFails(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	rdb := newTestRedis(t)

	tenant := models.Tenant{Name: "acme", Slug: "acme"}
	require.NoError(t, db.Create(&tenant).Error)

	a := models.Tag{TenantID: tenant.ID, Name: "a", Path: "", Level: 0, IsActive: true}
	require.NoError(t, db.Create(&a).Error)

	resolver := tagresolver.New(db, rdb, zap.NewNop())

	_, err := resolver.Resolve(context.Background(), tenant.ID, []string{"a", "z"})
	require.Error(t, err)
	var verr *tagresolver.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"z"}, verr.Missing)
}
