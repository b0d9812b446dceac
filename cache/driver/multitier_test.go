package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMem(t *testing.T) *MemoryDriver {
	t.Helper()
	d, err := NewMemoryDriver(MemoryConfig{MaxBytes: 1 << 20})
	require.NoError(t, err)
	return d
}

// TestMultiTierMissThenRefillResolvesAtTopTier: after a miss-then-refill,
// a subsequent read resolves at the top tier.
func TestMultiTierMissThenRefillResolvesAtTopTier(t *testing.T) {
	top := newMem(t)
	bottom := newMem(t)

	mt := NewMultiTierDriver(MultiTierConfig{
		Tiers:        []TierConfig{{Driver: top}, {Driver: bottom}},
		PromoteOnHit: true,
		Strategy:     WriteBack,
	})
	ctx := context.Background()

	// WriteBack only populates the first tier; simulate a value that only
	// exists on the bottom tier, as if it had been written there directly.
	require.NoError(t, bottom.Set(ctx, "k", []byte("v")))

	value, hit, err := mt.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("v"), value)

	topValue, topHit, err := top.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, topHit, "promote-on-hit should have written into the tier above the hit")
	assert.Equal(t, []byte("v"), topValue)
}

func TestMultiTierWriteThroughWritesEveryTier(t *testing.T) {
	a := newMem(t)
	b := newMem(t)
	mt := NewMultiTierDriver(MultiTierConfig{Tiers: []TierConfig{{Driver: a}, {Driver: b}}, Strategy: WriteThrough})
	ctx := context.Background()

	require.NoError(t, mt.Set(ctx, "k", []byte("v")))

	_, hitA, _ := a.Get(ctx, "k")
	_, hitB, _ := b.Get(ctx, "k")
	assert.True(t, hitA)
	assert.True(t, hitB)
}

func TestMultiTierWriteBackWritesOnlyFirstTier(t *testing.T) {
	a := newMem(t)
	b := newMem(t)
	mt := NewMultiTierDriver(MultiTierConfig{Tiers: []TierConfig{{Driver: a}, {Driver: b}}, Strategy: WriteBack})
	ctx := context.Background()

	require.NoError(t, mt.Set(ctx, "k", []byte("v")))

	_, hitA, _ := a.Get(ctx, "k")
	_, hitB, _ := b.Get(ctx, "k")
	assert.True(t, hitA)
	assert.False(t, hitB)
}

// erroringDriver always fails Get, to exercise fallbackOnError.
type erroringDriver struct{ MemoryDriver }

func (e *erroringDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, assert.AnError
}

func TestMultiTierFallbackOnErrorContinuesToNextTier(t *testing.T) {
	bad := &erroringDriver{}
	good := newMem(t)
	ctx := context.Background()
	require.NoError(t, good.Set(ctx, "k", []byte("v")))

	mt := NewMultiTierDriver(MultiTierConfig{
		Tiers: []TierConfig{{Driver: bad, FallbackOnError: true}, {Driver: good}},
	})

	value, hit, err := mt.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("v"), value)
}

func TestMultiTierSurfacesErrorWithoutFallback(t *testing.T) {
	bad := &erroringDriver{}
	good := newMem(t)
	mt := NewMultiTierDriver(MultiTierConfig{Tiers: []TierConfig{{Driver: bad}, {Driver: good}}})

	_, _, err := mt.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestMultiTierTotalMissReturnsFalse(t *testing.T) {
	mt := NewMultiTierDriver(MultiTierConfig{Tiers: []TierConfig{{Driver: newMem(t)}, {Driver: newMem(t)}}})
	_, hit, err := mt.Get(context.Background(), "missing")
	assert.NoError(t, err)
	assert.False(t, hit)
}
