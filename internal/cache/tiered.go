package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/logctx"
)

// Tiered searches its tiers fastest first and promotes hits from slower tiers
// into the faster ones.
type Tiered[V any] struct {
	tiers []Tier[V]
	clock clock.Clock
}

// NewTiered builds a cache over tiers. Tiers are ordered by level, and each
// level may appear once.
func NewTiered[V any](clk clock.Clock, tiers ...Tier[V]) (*Tiered[V], error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}

	sorted := slices.Clone(tiers)
	slices.SortFunc(sorted, func(a, b Tier[V]) int { return int(a.Level()) - int(b.Level()) })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Level() == sorted[i-1].Level() {
			return nil, fmt.Errorf("duplicate %s tier", sorted[i].Level())
		}
	}

	if clk == nil {
		clk = clock.Real{}
	}

	return &Tiered[V]{tiers: sorted, clock: clk}, nil
}

// PutOption customizes a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	ttl    *time.Duration
	levels []Level
}

// WithTTL overrides every tier's default TTL. A ttl of zero or less stores
// an entry that is already expired.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = &ttl }
}

// WithLevels restricts the write to the given tiers.
func WithLevels(levels ...Level) PutOption {
	return func(o *putOptions) { o.levels = levels }
}

// Get returns the value for key from the fastest tier holding a live entry.
// A tier failing with an I/O error counts as a miss for that tier only.
func (c *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	logger := logctx.LoggerFromContext(ctx)

	for i, t := range c.tiers {
		e, ok, err := t.Get(ctx, key)
		if err != nil {
			logger.Warn("cache tier lookup failed", "tier", t.Level().String(), "key", key, "err", err)

			continue
		}

		if !ok {
			continue
		}

		c.promote(ctx, e, c.tiers[:i])

		return e.Value, true
	}

	var zero V

	return zero, false
}

func (c *Tiered[V]) promote(ctx context.Context, e Entry[V], faster []Tier[V]) {
	if len(faster) == 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	now := c.clock.Now()

	for _, t := range faster {
		expiresAt := minExpiry(e.ExpiresAt, now.Add(t.Config().DefaultTTL))

		if err := t.Put(ctx, e.Key, e.Value, expiresAt); err != nil {
			logger.Warn("cache promotion failed", "tier", t.Level().String(), "key", e.Key, "err", err)
		}
	}
}

// Put writes value to the requested tiers, all of them by default. It only
// fails when every requested tier failed.
func (c *Tiered[V]) Put(ctx context.Context, key string, value V, opts ...PutOption) error {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := c.clock.Now()

	var (
		errs    []error
		written int
	)

	for _, t := range c.tiers {
		if o.levels != nil && !slices.Contains(o.levels, t.Level()) {
			continue
		}

		ttl := t.Config().DefaultTTL
		if o.ttl != nil {
			ttl = *o.ttl
		}

		if err := t.Put(ctx, key, value, now.Add(max(ttl, 0))); err != nil {
			errs = append(errs, err)

			continue
		}

		written++
	}

	if written == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}

	if len(errs) > 0 {
		logctx.LoggerFromContext(ctx).Warn("cache put partially failed", "key", key, "err", errors.Join(errs...))
	}

	return nil
}

// Delete removes key from every tier and reports whether any tier held it.
func (c *Tiered[V]) Delete(ctx context.Context, key string) (bool, error) {
	var (
		existed bool
		errs    []error
	)

	for _, t := range c.tiers {
		ok, err := t.Delete(ctx, key)
		if err != nil {
			errs = append(errs, err)
		}

		existed = existed || ok
	}

	return existed, errors.Join(errs...)
}

// Clear purges the given tiers, or every tier when none are given.
func (c *Tiered[V]) Clear(ctx context.Context, levels ...Level) error {
	var errs []error

	for _, t := range c.tiers {
		if len(levels) > 0 && !slices.Contains(levels, t.Level()) {
			continue
		}

		if err := t.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// PurgeExpired sweeps every tier and returns how many entries were removed.
func (c *Tiered[V]) PurgeExpired(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)

	for _, t := range c.tiers {
		n, err := t.PurgeExpired(ctx)
		total += n

		if err != nil {
			errs = append(errs, err)
		}
	}

	return total, errors.Join(errs...)
}

// Stats returns a snapshot of every tier's counters keyed by tier name.
func (c *Tiered[V]) Stats() map[string]TierStats {
	stats := make(map[string]TierStats, len(c.tiers))
	for _, t := range c.tiers {
		stats[t.Level().String()] = t.Stats()
	}

	return stats
}
