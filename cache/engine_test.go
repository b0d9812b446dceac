package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3db.evalgo.org/cache/driver"
	"s3db.evalgo.org/objectstore"
	"s3db.evalgo.org/resource"
)

func newEngineAndResource(t *testing.T) (*Engine, resource.Resource) {
	t.Helper()
	mem, err := driver.NewMemoryDriver(driver.MemoryConfig{MaxBytes: 1 << 20})
	require.NoError(t, err)

	e := New(Config{Driver: mem, Slug: "cache-plugin", RetryAttempts: 2, RetryDelay: time.Millisecond})

	res := resource.New(objectstore.NewMemStore(), resource.Schema{Name: "users", CreatedBy: "user"})
	require.NoError(t, e.InstallOnResource(res, Filter{Include: []string{"users"}}))
	return e, res
}

// TestReadThroughMissThenHit: list() misses once,
// the underlying resource is reached, and the result is cached; a second
// call is a hit and does not reach the underlying resource again.
func TestReadThroughMissThenHit(t *testing.T) {
	e, res := newEngineAndResource(t)
	ctx := context.Background()

	_, err := res.Insert(ctx, resource.Record{"id": "u9", "name": "Nile"})
	require.NoError(t, err)

	_, err = res.List(ctx, resource.QueryOptions{})
	require.NoError(t, err)
	snap := e.Stats()
	assert.Equal(t, int64(0), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Writes)

	_, err = res.List(ctx, resource.QueryOptions{})
	require.NoError(t, err)
	snap = e.Stats()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Writes)
}

func TestInvalidationOnUpdateForcesNextReadToMiss(t *testing.T) {
	e, res := newEngineAndResource(t)
	ctx := context.Background()

	inserted, err := res.Insert(ctx, resource.Record{"id": "u9", "name": "Nile"})
	require.NoError(t, err)

	_, err = res.List(ctx, resource.QueryOptions{})
	require.NoError(t, err)

	_, err = res.Update(ctx, inserted.ID(), resource.Record{"name": "Ada"})
	require.NoError(t, err)

	e.ResetStats()
	_, err = res.List(ctx, resource.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Stats().Misses)
}

func TestSkipCacheBypassesDriverEntirely(t *testing.T) {
	e, res := newEngineAndResource(t)
	ctx := context.Background()

	_, err := res.Insert(ctx, resource.Record{"id": "u1"})
	require.NoError(t, err)

	_, err = res.Get(ctx, "u1", resource.QueryOptions{SkipCache: true})
	require.NoError(t, err)

	snap := e.Stats()
	assert.Equal(t, int64(0), snap.Hits)
	assert.Equal(t, int64(0), snap.Misses)
}

func TestResetStatsZeroesCountersAtomically(t *testing.T) {
	e, res := newEngineAndResource(t)
	ctx := context.Background()
	_, _ = res.Insert(ctx, resource.Record{"id": "u1"})
	_, _ = res.List(ctx, resource.QueryOptions{})

	e.ResetStats()
	snap := e.Stats()
	assert.Zero(t, snap.Hits)
	assert.Zero(t, snap.Misses)
	assert.Zero(t, snap.Writes)
}

func TestFilterExcludesPluginCreatedResourcesByDefault(t *testing.T) {
	mem, err := driver.NewMemoryDriver(driver.MemoryConfig{MaxBytes: 1 << 20})
	require.NoError(t, err)
	e := New(Config{Driver: mem, Slug: "cache-plugin"})

	res := resource.New(objectstore.NewMemStore(), resource.Schema{Name: "plg_ttl_expiration_index", CreatedBy: "ttl-plugin"})
	require.NoError(t, e.InstallOnResource(res, Filter{}))

	ctx := context.Background()
	_, err = res.Insert(ctx, resource.Record{"id": "x"})
	require.NoError(t, err)
	_, err = res.List(ctx, resource.QueryOptions{})
	require.NoError(t, err)

	// No middleware installed means no cache activity at all.
	snap := e.Stats()
	assert.Zero(t, snap.Hits)
	assert.Zero(t, snap.Misses)
}
