package cache

import (
	"errors"
	"fmt"
)

// ErrNoTiers is returned when a Tiered cache is built without tiers.
var ErrNoTiers = errors.New("cache needs at least one tier")

// TierError represents an I/O failure inside one tier. Tiered treats it as a
// miss for that tier and continues with the others.
type TierError struct {
	Level Level  // Tier that failed
	Op    string // Operation (e.g., "get", "put", "evict")
	Err   error  // Underlying error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s tier %s: %v", e.Level, e.Op, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}
