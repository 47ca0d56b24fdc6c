package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/objectstore"
	bolt "go.etcd.io/bbolt"
)

var indexBucket = []byte("cache_index")

// ObjectStore holds the values of the remote tier. Missing objects are
// reported with objectstore.ErrObjectNotFound.
type ObjectStore interface {
	PutObject(ctx context.Context, name string, data []byte) error
	GetObject(ctx context.Context, name string) ([]byte, error)
	RemoveObject(ctx context.Context, name string) error
}

// indexEntry is the metadata the remote tier keeps per key.
type indexEntry struct {
	Location     string    `json:"location"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// RemoteTier keeps values in an object store and their metadata in a bbolt
// index. Eviction removes the entries with the oldest last access.
type RemoteTier[V any] struct {
	cfg     TierConfig
	index   *bolt.DB
	objects ObjectStore
	codec   Codec[V]
	clock   clock.Clock
	stats   *counters

	// mu serializes index mutations that span the object store.
	mu sync.Mutex
}

func NewRemoteTier[V any](cfg TierConfig, index *bolt.DB, objects ObjectStore, codec Codec[V], opts ...TierOption) (*RemoteTier[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	err := index.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)

		return err
	})
	if err != nil {
		return nil, &TierError{Level: LevelRemote, Op: "init", Err: err}
	}

	o := applyTierOptions(opts)

	return &RemoteTier[V]{
		cfg:     cfg,
		index:   index,
		objects: objects,
		codec:   codec,
		clock:   o.clock,
		stats:   &counters{level: LevelRemote, telemetry: o.telemetry},
	}, nil
}

func (t *RemoteTier[V]) Level() Level       { return LevelRemote }
func (t *RemoteTier[V]) Config() TierConfig { return t.cfg }

func (t *RemoteTier[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	now := t.clock.Now()

	meta, ok, err := t.lookup(key)
	if err != nil {
		return Entry[V]{}, false, t.stats.fail("get", err)
	}

	if !ok {
		t.stats.miss(false)

		return Entry[V]{}, false, nil
	}

	if !isLive(meta.ExpiresAt, now) {
		if _, err := t.removeIf(ctx, key, func(m indexEntry) bool { return !isLive(m.ExpiresAt, now) }); err != nil {
			_ = t.stats.fail("purge", err)
		}

		t.stats.miss(true)

		return Entry[V]{}, false, nil
	}

	data, err := t.objects.GetObject(ctx, meta.Location)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		if _, err := t.removeIf(ctx, key, func(m indexEntry) bool { return m.Location == meta.Location }); err != nil {
			_ = t.stats.fail("purge", err)
		}

		t.stats.miss(false)

		return Entry[V]{}, false, nil
	}

	if err != nil {
		return Entry[V]{}, false, t.stats.fail("get", err)
	}

	value, err := t.codec.Decode(data)
	if err != nil {
		return Entry[V]{}, false, t.stats.fail("decode", err)
	}

	meta.AccessCount++
	meta.LastAccessed = now

	err = t.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		var cur indexEntry
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}

		cur.AccessCount++
		cur.LastAccessed = now

		return putIndex(b, key, cur)
	})
	if err != nil {
		_ = t.stats.fail("touch", err)
	}

	t.stats.hit()

	return Entry[V]{
		Key:          key,
		Value:        value,
		CreatedAt:    meta.CreatedAt,
		ExpiresAt:    meta.ExpiresAt,
		AccessCount:  meta.AccessCount,
		LastAccessed: meta.LastAccessed,
	}, true, nil
}

func (t *RemoteTier[V]) Put(ctx context.Context, key string, value V, expiresAt time.Time) error {
	now := t.clock.Now()

	data, err := t.codec.Encode(value)
	if err != nil {
		return t.stats.fail("encode", err)
	}

	meta := indexEntry{
		Location:     contentName(key),
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		LastAccessed: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.objects.PutObject(ctx, meta.Location, data); err != nil {
		return t.stats.fail("put", err)
	}

	var victims []indexEntry

	err = t.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)

		if err := putIndex(b, key, meta); err != nil {
			return err
		}

		victims, err = t.evict(b, key)

		return err
	})
	if err != nil {
		return t.stats.fail("put", err)
	}

	t.stats.evicted(len(victims))

	for _, v := range victims {
		if err := t.objects.RemoveObject(ctx, v.Location); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
			_ = t.stats.fail("evict", err)
		}
	}

	return nil
}

// evict drops index entries with the oldest last access until the index is
// back under its bound, never touching keep. It returns the dropped entries.
func (t *RemoteTier[V]) evict(b *bolt.Bucket, keep string) ([]indexEntry, error) {
	type candidate struct {
		key  string
		meta indexEntry
	}

	var all []candidate

	err := b.ForEach(func(k, v []byte) error {
		var meta indexEntry
		if err := json.Unmarshal(v, &meta); err != nil {
			return fmt.Errorf("decode index entry %q: %w", k, err)
		}

		all = append(all, candidate{key: string(k), meta: meta})

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(all) <= t.cfg.MaxSize {
		return nil, nil
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].meta.LastAccessed.Equal(all[j].meta.LastAccessed) {
			return all[i].meta.LastAccessed.Before(all[j].meta.LastAccessed)
		}

		return all[i].key < all[j].key
	})

	excess := len(all) - t.cfg.MaxSize
	victims := make([]indexEntry, 0, excess)

	for _, c := range all {
		if len(victims) == excess {
			break
		}

		if c.key == keep {
			continue
		}

		if err := b.Delete([]byte(c.key)); err != nil {
			return nil, err
		}

		victims = append(victims, c.meta)
	}

	return victims, nil
}

func (t *RemoteTier[V]) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := t.removeIf(ctx, key, func(indexEntry) bool { return true })
	if err != nil {
		return existed, t.stats.fail("delete", err)
	}

	return existed, nil
}

func (t *RemoteTier[V]) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var locations []string

	err := t.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)

		err := b.ForEach(func(_, v []byte) error {
			var meta indexEntry
			if err := json.Unmarshal(v, &meta); err == nil {
				locations = append(locations, meta.Location)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if err := tx.DeleteBucket(indexBucket); err != nil {
			return err
		}

		_, err = tx.CreateBucket(indexBucket)

		return err
	})
	if err != nil {
		return t.stats.fail("clear", err)
	}

	for _, loc := range locations {
		if err := t.objects.RemoveObject(ctx, loc); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
			return t.stats.fail("clear", err)
		}
	}

	return nil
}

func (t *RemoteTier[V]) PurgeExpired(ctx context.Context) (int, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []indexEntry

	err := t.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)

		var keys [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var meta indexEntry
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil
			}

			if !isLive(meta.ExpiresAt, now) {
				keys = append(keys, append([]byte(nil), k...))
				expired = append(expired, meta)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, t.stats.fail("purge", err)
	}

	for _, meta := range expired {
		if err := t.objects.RemoveObject(ctx, meta.Location); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
			return len(expired), t.stats.fail("purge", err)
		}
	}

	return len(expired), nil
}

func (t *RemoteTier[V]) Stats() TierStats {
	now := t.clock.Now()
	size := 0

	_ = t.index.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(_, v []byte) error {
			var meta indexEntry
			if err := json.Unmarshal(v, &meta); err == nil && isLive(meta.ExpiresAt, now) {
				size++
			}

			return nil
		})
	})

	return t.stats.snapshot(size)
}

func (t *RemoteTier[V]) lookup(key string) (indexEntry, bool, error) {
	var (
		meta  indexEntry
		found bool
	)

	err := t.index.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(indexBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &meta)
	})

	return meta, found, err
}

// removeIf drops key from the index and the object store when cond holds
// for its current metadata.
func (t *RemoteTier[V]) removeIf(ctx context.Context, key string, cond func(indexEntry) bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		meta    indexEntry
		removed bool
	)

	err := t.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &meta); err != nil {
			return err
		}

		if !cond(meta) {
			return nil
		}

		removed = true

		return b.Delete([]byte(key))
	})
	if err != nil || !removed {
		return false, err
	}

	if err := t.objects.RemoveObject(ctx, meta.Location); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
		return true, err
	}

	return true, nil
}

func putIndex(b *bolt.Bucket, key string, meta indexEntry) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), data)
}
