package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/objectstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openIndex(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "index.db"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func newRemote(t *testing.T, objects ObjectStore, maxSize int) (*RemoteTier[string], *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(epoch)

	tier, err := NewRemoteTier[string](TierConfig{MaxSize: maxSize, DefaultTTL: 24 * time.Hour}, openIndex(t), objects, JSONCodec[string]{}, WithClock(clk))
	require.NoError(t, err)

	return tier, clk
}

func newObjects(t *testing.T) *objectstore.FSStore {
	t.Helper()

	store, err := objectstore.NewFSStore(afero.NewMemMapFs(), "/objects")
	require.NoError(t, err)

	return store
}

func TestRemoteTier_RoundTripTracksAccess(t *testing.T) {
	ctx := context.Background()
	tier, clk := newRemote(t, newObjects(t), 4)

	require.NoError(t, tier.Put(ctx, "a", "value", time.Time{}))

	clk.Advance(time.Minute)

	e, ok, err := tier.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", e.Value)
	assert.Equal(t, int64(1), e.AccessCount)
	assert.Equal(t, epoch.Add(time.Minute), e.LastAccessed.UTC())

	meta, found, err := tier.lookup("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, contentName("a"), meta.Location)
	assert.Equal(t, int64(1), meta.AccessCount)
}

func TestRemoteTier_EvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	objects := newObjects(t)
	tier, clk := newRemote(t, objects, 2)

	require.NoError(t, tier.Put(ctx, "a", "1", time.Time{}))
	clk.Advance(time.Second)
	require.NoError(t, tier.Put(ctx, "b", "2", time.Time{}))
	clk.Advance(time.Second)

	_, ok, _ := tier.Get(ctx, "a")
	require.True(t, ok)
	clk.Advance(time.Second)

	require.NoError(t, tier.Put(ctx, "c", "3", time.Time{}))

	_, ok, _ = tier.Get(ctx, "b")
	assert.False(t, ok)

	_, err := objects.GetObject(ctx, contentName("b"))
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound, "evicted object is removed")

	_, ok, _ = tier.Get(ctx, "a")
	assert.True(t, ok)

	assert.Equal(t, int64(1), tier.Stats().Evictions)
	assert.Equal(t, 2, tier.Stats().Size)
}

func TestRemoteTier_NeverExceedsMaxSize(t *testing.T) {
	ctx := context.Background()
	tier, clk := newRemote(t, newObjects(t), 3)

	for i := range 6 {
		require.NoError(t, tier.Put(ctx, fmt.Sprintf("k%d", i), "v", time.Time{}))
		clk.Advance(time.Second)
		assert.LessOrEqual(t, tier.Stats().Size, 3)
	}

	for i := range 3 {
		_, ok, _ := tier.Get(ctx, fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}
}

func TestRemoteTier_ExpiryAndMissingObject(t *testing.T) {
	ctx := context.Background()
	objects := newObjects(t)
	tier, clk := newRemote(t, objects, 4)

	require.NoError(t, tier.Put(ctx, "short", "x", epoch.Add(time.Second)))
	require.NoError(t, tier.Put(ctx, "gone", "y", time.Time{}))
	require.NoError(t, objects.RemoveObject(ctx, contentName("gone")))

	_, ok, err := tier.Get(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, _ := tier.lookup("gone")
	assert.False(t, found, "index entry without object is dropped")

	clk.Advance(time.Second)

	_, ok, err = tier.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), tier.Stats().Misses)
}

func TestRemoteTier_DeleteClearPurge(t *testing.T) {
	ctx := context.Background()
	tier, clk := newRemote(t, newObjects(t), 10)

	require.NoError(t, tier.Put(ctx, "a", "1", time.Time{}))
	require.NoError(t, tier.Put(ctx, "b", "2", epoch.Add(time.Second)))
	require.NoError(t, tier.Put(ctx, "c", "3", time.Time{}))

	existed, err := tier.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = tier.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, existed)

	clk.Advance(time.Second)

	n, err := tier.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tier.Stats().Size)

	require.NoError(t, tier.Clear(ctx))
	assert.Zero(t, tier.Stats().Size)

	require.NoError(t, tier.Put(ctx, "d", "4", time.Time{}))
	assert.Equal(t, 1, tier.Stats().Size)
}
