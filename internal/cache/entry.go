package cache

import "time"

// Entry is a cached value together with its bookkeeping.
type Entry[V any] struct {
	Key          string
	Value        V
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means the entry never expires
	AccessCount  int64
	LastAccessed time.Time
}

// isLive is the single expiry rule every tier uses for lookups, eviction and stats.
func isLive(expiresAt, now time.Time) bool {
	return expiresAt.IsZero() || now.Before(expiresAt)
}

// Live reports whether e has not expired at now.
func (e Entry[V]) Live(now time.Time) bool {
	return isLive(e.ExpiresAt, now)
}

// minExpiry returns the earlier of two expirations, treating zero as never.
func minExpiry(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}
