package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTiers struct {
	memory *MemoryTier[string]
	disk   *DiskTier[string]
	remote *RemoteTier[string]
	cache  *Tiered[string]
	clock  *clock.Fake
}

func newTestTiers(t *testing.T, objects ObjectStore) testTiers {
	t.Helper()

	clk := clock.NewFake(epoch)

	memory, err := NewMemoryTier[string](TierConfig{MaxSize: 2, DefaultTTL: time.Minute}, WithClock(clk))
	require.NoError(t, err)

	disk, err := NewDiskTier[string](TierConfig{MaxSize: 4, DefaultTTL: time.Hour}, afero.NewMemMapFs(), "/disk", JSONCodec[string]{}, WithClock(clk))
	require.NoError(t, err)

	if objects == nil {
		objects = newObjects(t)
	}

	remote, err := NewRemoteTier[string](TierConfig{MaxSize: 8, DefaultTTL: 24 * time.Hour}, openIndex(t), objects, JSONCodec[string]{}, WithClock(clk))
	require.NoError(t, err)

	c, err := NewTiered[string](clk, remote, memory, disk)
	require.NoError(t, err)

	return testTiers{memory: memory, disk: disk, remote: remote, cache: c, clock: clk}
}

func TestTiered_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tt := newTestTiers(t, nil)

	require.NoError(t, tt.cache.Put(ctx, "k", "v"))

	got, ok := tt.cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	for _, tier := range []Tier[string]{tt.memory, tt.disk, tt.remote} {
		e, ok, err := tier.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok, tier.Level().String())
		assert.Equal(t, "v", e.Value)
	}

	_, ok = tt.cache.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestTiered_PromotesFromSlowerTiers(t *testing.T) {
	ctx := context.Background()
	tt := newTestTiers(t, nil)

	require.NoError(t, tt.cache.Put(ctx, "k", "v", WithLevels(LevelRemote)))

	_, ok, _ := tt.memory.Get(ctx, "k")
	require.False(t, ok)

	got, ok := tt.cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	e, ok, err := tt.memory.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), e.ExpiresAt, "promotion uses the faster tier's ttl")

	e, ok, err = tt.disk.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), e.ExpiresAt.UTC())
}

func TestTiered_PromotionKeepsEarlierExpiry(t *testing.T) {
	ctx := context.Background()
	tt := newTestTiers(t, nil)

	require.NoError(t, tt.cache.Put(ctx, "k", "v", WithLevels(LevelDisk), WithTTL(30*time.Second)))

	_, ok := tt.cache.Get(ctx, "k")
	require.True(t, ok)

	e, ok, _ := tt.memory.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(30*time.Second), e.ExpiresAt.UTC())
}

func TestTiered_ExpiredIsNeverReturned(t *testing.T) {
	ctx := context.Background()

	for _, ttl := range []time.Duration{0, -time.Second} {
		tt := newTestTiers(t, nil)

		require.NoError(t, tt.cache.Put(ctx, "k", "v", WithTTL(ttl)))

		_, ok := tt.cache.Get(ctx, "k")
		assert.False(t, ok)

		stats := tt.cache.Stats()
		for _, level := range []Level{LevelMemory, LevelDisk, LevelRemote} {
			assert.Equal(t, int64(1), stats[level.String()].Misses, level.String())
			assert.Zero(t, stats[level.String()].Hits, level.String())
			assert.Zero(t, stats[level.String()].Size, level.String())
		}
	}
}

func TestTiered_ExpiresWithTime(t *testing.T) {
	ctx := context.Background()
	tt := newTestTiers(t, nil)

	require.NoError(t, tt.cache.Put(ctx, "k", "v"))

	tt.clock.Advance(2 * time.Minute)

	_, ok, _ := tt.memory.Get(ctx, "k")
	assert.False(t, ok, "memory ttl elapsed")

	got, ok := tt.cache.Get(ctx, "k")
	require.True(t, ok, "disk still holds it")
	assert.Equal(t, "v", got)
}

type brokenObjects struct{}

func (brokenObjects) PutObject(context.Context, string, []byte) error {
	return errors.New("remote down")
}

func (brokenObjects) GetObject(context.Context, string) ([]byte, error) {
	return nil, errors.New("remote down")
}

func (brokenObjects) RemoveObject(context.Context, string) error {
	return errors.New("remote down")
}

func TestTiered_TierFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	tt := newTestTiers(t, brokenObjects{})

	require.NoError(t, tt.cache.Put(ctx, "k", "v"), "other tiers accepted the write")
	assert.Equal(t, int64(1), tt.cache.Stats()["remote"].Errors)

	err := tt.cache.Put(ctx, "r", "v", WithLevels(LevelRemote))

	var tierErr *TierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, LevelRemote, tierErr.Level)

	got, ok := tt.cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestTiered_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	tt := newTestTiers(t, nil)

	require.NoError(t, tt.cache.Put(ctx, "a", "1"))
	require.NoError(t, tt.cache.Put(ctx, "b", "2"))

	existed, err := tt.cache.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = tt.cache.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, tt.cache.Clear(ctx, LevelMemory))

	stats := tt.cache.Stats()
	assert.Zero(t, stats["memory"].Size)
	assert.Equal(t, 1, stats["disk"].Size)

	require.NoError(t, tt.cache.Clear(ctx))

	_, ok := tt.cache.Get(ctx, "b")
	assert.False(t, ok)
}

func TestTiered_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	tt := newTestTiers(t, nil)

	require.NoError(t, tt.cache.Put(ctx, "a", "1", WithTTL(time.Second)))
	require.NoError(t, tt.cache.Put(ctx, "b", "2"))

	tt.clock.Advance(time.Second)

	n, err := tt.cache.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNewTiered_Validation(t *testing.T) {
	_, err := NewTiered[string](nil)
	require.ErrorIs(t, err, ErrNoTiers)

	m1, err := NewMemoryTier[string](TierConfig{MaxSize: 1, DefaultTTL: time.Second})
	require.NoError(t, err)

	m2, err := NewMemoryTier[string](TierConfig{MaxSize: 1, DefaultTTL: time.Second})
	require.NoError(t, err)

	_, err = NewTiered[string](nil, m1, m2)
	assert.Error(t, err)
}
