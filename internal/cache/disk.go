package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

const (
	diskEntryExt = ".entry"
	dirPerm      = 0o755
	filePerm     = 0o644
)

// diskRecord is the on-disk envelope of an entry.
type diskRecord struct {
	Key         string    `json:"key"`
	Value       []byte    `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	AccessCount int64     `json:"access_count"`
}

// DiskTier stores one file per key, named by the BLAKE3 hash of the key.
// Eviction removes the files with the oldest modification time, which
// tracks the last write rather than the last read.
type DiskTier[V any] struct {
	cfg   TierConfig
	fs    afero.Fs
	dir   string
	codec Codec[V]
	clock clock.Clock
	stats *counters

	mu sync.RWMutex
}

func NewDiskTier[V any](cfg TierConfig, afs afero.Fs, dir string, codec Codec[V], opts ...TierOption) (*DiskTier[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := afs.MkdirAll(dir, dirPerm); err != nil {
		return nil, &TierError{Level: LevelDisk, Op: "init", Err: err}
	}

	o := applyTierOptions(opts)

	return &DiskTier[V]{
		cfg:   cfg,
		fs:    afs,
		dir:   dir,
		codec: codec,
		clock: o.clock,
		stats: &counters{level: LevelDisk, telemetry: o.telemetry},
	}, nil
}

func (t *DiskTier[V]) Level() Level       { return LevelDisk }
func (t *DiskTier[V]) Config() TierConfig { return t.cfg }

// contentName returns the deterministic file name for key.
func contentName(key string) string {
	sum := blake3.Sum256([]byte(key))

	return hex.EncodeToString(sum[:])
}

func (t *DiskTier[V]) path(key string) string {
	return filepath.Join(t.dir, contentName(key)+diskEntryExt)
}

func (t *DiskTier[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	now := t.clock.Now()

	t.mu.RLock()
	rec, modTime, err := t.read(t.path(key))
	t.mu.RUnlock()

	switch {
	case errors.Is(err, fs.ErrNotExist):
		t.stats.miss(false)

		return Entry[V]{}, false, nil
	case err != nil:
		return Entry[V]{}, false, t.stats.fail("get", err)
	}

	if !isLive(rec.ExpiresAt, now) {
		t.purge(key, now)
		t.stats.miss(true)

		return Entry[V]{}, false, nil
	}

	value, err := t.codec.Decode(rec.Value)
	if err != nil {
		return Entry[V]{}, false, t.stats.fail("decode", err)
	}

	t.stats.hit()

	return Entry[V]{
		Key:          rec.Key,
		Value:        value,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		AccessCount:  rec.AccessCount,
		LastAccessed: modTime,
	}, true, nil
}

func (t *DiskTier[V]) Put(_ context.Context, key string, value V, expiresAt time.Time) error {
	now := t.clock.Now()

	raw, err := t.codec.Encode(value)
	if err != nil {
		return t.stats.fail("encode", err)
	}

	data, err := json.Marshal(diskRecord{Key: key, Value: raw, CreatedAt: now, ExpiresAt: expiresAt})
	if err != nil {
		return t.stats.fail("encode", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.path(key)

	if err := afero.WriteFile(t.fs, p, data, filePerm); err != nil {
		return t.stats.fail("put", err)
	}

	if err := t.fs.Chtimes(p, now, now); err != nil {
		return t.stats.fail("put", err)
	}

	evicted, err := t.evict(p)
	t.stats.evicted(evicted)

	if err != nil {
		return t.stats.fail("evict", err)
	}

	return nil
}

// evict removes the oldest files until the tier is back under its bound.
// keep is never removed. Must be called with mu held.
func (t *DiskTier[V]) evict(keep string) (int, error) {
	files, err := t.list()
	if err != nil {
		return 0, err
	}

	if len(files) <= t.cfg.MaxSize {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime().Equal(files[j].ModTime()) {
			return files[i].ModTime().Before(files[j].ModTime())
		}

		return files[i].Name() < files[j].Name()
	})

	excess := len(files) - t.cfg.MaxSize
	evicted := 0

	for _, f := range files {
		if evicted == excess {
			break
		}

		p := filepath.Join(t.dir, f.Name())
		if p == keep {
			continue
		}

		if err := t.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return evicted, err
		}

		evicted++
	}

	return evicted, nil
}

func (t *DiskTier[V]) Delete(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.fs.Remove(t.path(key))

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, t.stats.fail("delete", err)
	}

	return true, nil
}

func (t *DiskTier[V]) Clear(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	files, err := t.list()
	if err != nil {
		return t.stats.fail("clear", err)
	}

	for _, f := range files {
		if err := t.fs.Remove(filepath.Join(t.dir, f.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return t.stats.fail("clear", err)
		}
	}

	return nil
}

func (t *DiskTier[V]) PurgeExpired(context.Context) (int, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	files, err := t.list()
	if err != nil {
		return 0, t.stats.fail("purge", err)
	}

	purged := 0

	for _, f := range files {
		p := filepath.Join(t.dir, f.Name())

		rec, _, err := t.read(p)
		if err != nil || isLive(rec.ExpiresAt, now) {
			continue
		}

		if err := t.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return purged, t.stats.fail("purge", err)
		}

		purged++
	}

	return purged, nil
}

func (t *DiskTier[V]) Stats() TierStats {
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	size := 0

	files, err := t.list()
	if err == nil {
		for _, f := range files {
			rec, _, err := t.read(filepath.Join(t.dir, f.Name()))
			if err == nil && isLive(rec.ExpiresAt, now) {
				size++
			}
		}
	}

	return t.stats.snapshot(size)
}

// purge removes key if it is still expired once the write lock is held.
func (t *DiskTier[V]) purge(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.path(key)

	rec, _, err := t.read(p)
	if err != nil || isLive(rec.ExpiresAt, now) {
		return
	}

	if err := t.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = t.stats.fail("purge", err)
	}
}

func (t *DiskTier[V]) read(p string) (diskRecord, time.Time, error) {
	info, err := t.fs.Stat(p)
	if err != nil {
		return diskRecord{}, time.Time{}, err
	}

	data, err := afero.ReadFile(t.fs, p)
	if err != nil {
		return diskRecord{}, time.Time{}, err
	}

	var rec diskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return diskRecord{}, time.Time{}, err
	}

	return rec, info.ModTime(), nil
}

func (t *DiskTier[V]) list() ([]fs.FileInfo, error) {
	infos, err := afero.ReadDir(t.fs, t.dir)
	if err != nil {
		return nil, err
	}

	files := infos[:0]

	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), diskEntryExt) {
			files = append(files, info)
		}
	}

	return files, nil
}
