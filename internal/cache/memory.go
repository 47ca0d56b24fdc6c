package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
)

// MemoryTier is a recency-ordered LRU held in process memory.
type MemoryTier[V any] struct {
	cfg   TierConfig
	clock clock.Clock
	stats *counters

	// A lookup reorders the recency list, so reads take the same lock as writes.
	mu    sync.Mutex
	order *list.List // front is most recently used; values are *Entry[V]
	items map[string]*list.Element
}

func NewMemoryTier[V any](cfg TierConfig, opts ...TierOption) (*MemoryTier[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := applyTierOptions(opts)

	return &MemoryTier[V]{
		cfg:   cfg,
		clock: o.clock,
		stats: &counters{level: LevelMemory, telemetry: o.telemetry},
		order: list.New(),
		items: make(map[string]*list.Element),
	}, nil
}

func (t *MemoryTier[V]) Level() Level       { return LevelMemory }
func (t *MemoryTier[V]) Config() TierConfig { return t.cfg }

func (t *MemoryTier[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[key]
	if !ok {
		t.stats.miss(false)

		return Entry[V]{}, false, nil
	}

	e := el.Value.(*Entry[V])
	if !e.Live(now) {
		t.remove(el)
		t.stats.miss(true)

		return Entry[V]{}, false, nil
	}

	e.AccessCount++
	e.LastAccessed = now
	t.order.MoveToFront(el)
	t.stats.hit()

	return *e, true, nil
}

func (t *MemoryTier[V]) Put(_ context.Context, key string, value V, expiresAt time.Time) error {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[key]; ok {
		e := el.Value.(*Entry[V])
		e.Value = value
		e.CreatedAt = now
		e.ExpiresAt = expiresAt
		e.LastAccessed = now
		t.order.MoveToFront(el)

		return nil
	}

	t.items[key] = t.order.PushFront(&Entry[V]{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		LastAccessed: now,
	})

	evicted := 0
	for t.order.Len() > t.cfg.MaxSize {
		t.remove(t.order.Back())
		evicted++
	}

	t.stats.evicted(evicted)

	return nil
}

func (t *MemoryTier[V]) Delete(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[key]
	if !ok {
		return false, nil
	}

	t.remove(el)

	return true, nil
}

func (t *MemoryTier[V]) Clear(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.order.Init()
	clear(t.items)

	return nil
}

func (t *MemoryTier[V]) PurgeExpired(context.Context) (int, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	purged := 0

	for el := t.order.Front(); el != nil; {
		next := el.Next()
		if !el.Value.(*Entry[V]).Live(now) {
			t.remove(el)
			purged++
		}

		el = next
	}

	return purged, nil
}

func (t *MemoryTier[V]) Stats() TierStats {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	size := 0

	for el := t.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry[V]).Live(now) {
			size++
		}
	}

	return t.stats.snapshot(size)
}

// remove must be called with mu held.
func (t *MemoryTier[V]) remove(el *list.Element) {
	t.order.Remove(el)
	delete(t.items, el.Value.(*Entry[V]).Key)
}
