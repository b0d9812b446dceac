package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPartitionAwareTestDriver(t *testing.T) *PartitionAwareFilesystemDriver {
	t.Helper()
	fs, err := OpenFilesystemDriver(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return NewPartitionAwareFilesystemDriver(fs)
}

func TestPartitionAwareSetTracksStatsForPartitionKeys(t *testing.T) {
	d := newPartitionAwareTestDriver(t)
	ctx := context.Background()

	key := "resource=orders/action=list/partition:byStatus/status:open.json"
	require.NoError(t, d.Set(ctx, key, []byte("12345")))

	stats, err := d.GetPartitionStats(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "byStatus", stats[0].Partition)
	assert.Equal(t, int64(1), stats[0].KeyCount)
	assert.Equal(t, int64(5), stats[0].Bytes)
}

func TestPartitionAwareSetIgnoresNonPartitionKeys(t *testing.T) {
	d := newPartitionAwareTestDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, "resource=orders/action=get/o1.json", []byte("x")))

	stats, err := d.GetPartitionStats(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestClearPartitionRemovesMatchingKeysAndStats(t *testing.T) {
	d := newPartitionAwareTestDriver(t)
	ctx := context.Background()

	openKey := "resource=orders/action=list/partition:byStatus/status:open.json"
	closedKey := "resource=orders/action=list/partition:byStatus/status:closed.json"
	require.NoError(t, d.Set(ctx, openKey, []byte("a")))
	require.NoError(t, d.Set(ctx, closedKey, []byte("b")))

	require.NoError(t, d.ClearPartition(ctx, "orders", "byStatus", "status:open"))

	_, hitOpen, err := d.Get(ctx, openKey)
	require.NoError(t, err)
	assert.False(t, hitOpen)

	_, hitClosed, err := d.Get(ctx, closedKey)
	require.NoError(t, err)
	assert.True(t, hitClosed)
}

func TestGetCacheRecommendationsFlagsHighKeyCountPartitions(t *testing.T) {
	d := newPartitionAwareTestDriver(t)
	ctx := context.Background()

	for i := 0; i < 1001; i++ {
		key := "resource=orders/action=list/partition:byStatus/status:open.json.x" + string(rune('a'+i%26))
		require.NoError(t, d.Set(ctx, key, []byte("v")))
	}

	recs, err := d.GetCacheRecommendations(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "archive", recs[0].Action)
}

func TestWarmPartitionCacheStoresLoaderResult(t *testing.T) {
	d := newPartitionAwareTestDriver(t)
	ctx := context.Background()

	require.NoError(t, d.WarmPartitionCache(ctx, "orders", "byStatus", "status:open", func() ([]byte, error) {
		return []byte("warmed"), nil
	}))

	value, hit, err := d.Get(ctx, "resource=orders/action=warm/partition:byStatus/status:open")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("warmed"), value)
}
