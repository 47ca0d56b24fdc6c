package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/telemetry"
)

// Tier is one level of the cache. Every tier enforces its own capacity and
// counts its own hits, misses, evictions and errors.
type Tier[V any] interface {
	Level() Level
	Config() TierConfig
	// Get returns the live entry for key. Expired entries are purged and
	// reported as a miss.
	Get(ctx context.Context, key string) (Entry[V], bool, error)
	// Put stores value under key until expiresAt, evicting as needed.
	Put(ctx context.Context, key string, value V, expiresAt time.Time) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	// PurgeExpired removes every expired entry and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
	Stats() TierStats
}

// TierStats is a snapshot of one tier's counters.
type TierStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Errors    int64 `json:"errors"`
	Size      int   `json:"size"`
}

// TierOption configures a tier.
type TierOption func(*tierOptions)

type tierOptions struct {
	clock     clock.Clock
	telemetry *telemetry.Telemetry
}

func WithClock(c clock.Clock) TierOption {
	return func(o *tierOptions) { o.clock = c }
}

func WithTelemetry(t *telemetry.Telemetry) TierOption {
	return func(o *tierOptions) { o.telemetry = t }
}

func applyTierOptions(opts []TierOption) tierOptions {
	o := tierOptions{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// counters holds a tier's statistics and mirrors them to telemetry.
type counters struct {
	level     Level
	telemetry *telemetry.Telemetry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	errors    atomic.Int64
}

func (c *counters) hit() {
	c.hits.Add(1)
	c.telemetry.RecordCacheLookup(c.level.String(), "hit")
}

func (c *counters) miss(expired bool) {
	c.misses.Add(1)

	result := "miss"
	if expired {
		result = "expired"
	}

	c.telemetry.RecordCacheLookup(c.level.String(), result)
}

func (c *counters) evicted(n int) {
	if n <= 0 {
		return
	}

	c.evictions.Add(int64(n))
	c.telemetry.RecordCacheEviction(c.level.String(), n)
}

// fail counts err and wraps it as a TierError.
func (c *counters) fail(op string, err error) error {
	c.errors.Add(1)
	c.telemetry.RecordCacheError(c.level.String(), op)

	return &TierError{Level: c.level, Op: op, Err: err}
}

func (c *counters) snapshot(size int) TierStats {
	return TierStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Errors:    c.errors.Load(),
		Size:      size,
	}
}
