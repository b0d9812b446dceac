package pluginstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/objectstore"
)

func TestSetGetRoundTripsUnderSlugPrefix(t *testing.T) {
	mem := objectstore.NewMemStore()
	s := New(mem, "cache-plugin", nil)

	require.NoError(t, s.Set(context.Background(), "config", map[string]string{"tier": "memory"}))

	var out map[string]string
	require.NoError(t, s.Get(context.Background(), "config", &out))
	assert.Equal(t, "memory", out["tier"])

	// Keys are namespaced under plg/<slug>/ on the backing store.
	_, err := mem.GetObject(context.Background(), "plg/cache-plugin/config")
	assert.NoError(t, err)
}

func TestGetMissingKeyIsDriverNotFound(t *testing.T) {
	s := New(objectstore.NewMemStore(), "cache-plugin", nil)
	var out map[string]string
	err := s.Get(context.Background(), "missing", &out)
	assert.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestDeleteMissingKeyIsNotAnError(t *testing.T) {
	s := New(objectstore.NewMemStore(), "cache-plugin", nil)
	assert.NoError(t, s.Delete(context.Background(), "missing"))
}

func TestListStripsSlugPrefix(t *testing.T) {
	s := New(objectstore.NewMemStore(), "ttl-plugin", nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "locks/a", "x"))
	require.NoError(t, s.Set(ctx, "locks/b", "y"))
	require.NoError(t, s.Set(ctx, "other/c", "z"))

	keys, err := s.List(ctx, "locks/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"locks/a", "locks/b"}, keys)
}

func TestTwoSlugsDoNotCollide(t *testing.T) {
	mem := objectstore.NewMemStore()
	a := New(mem, "cache-plugin", nil)
	b := New(mem, "ttl-plugin", nil)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", "fromA"))
	require.NoError(t, b.Set(ctx, "k", "fromB"))

	var av, bv string
	require.NoError(t, a.Get(ctx, "k", &av))
	require.NoError(t, b.Get(ctx, "k", &bv))
	assert.Equal(t, "fromA", av)
	assert.Equal(t, "fromB", bv)
}
