package cache

import (
	"errors"
	"fmt"
	"time"
)

// Level identifies a cache tier. Lower levels are faster.
type Level int

const (
	LevelMemory Level = iota
	LevelDisk
	LevelRemote
)

func (l Level) String() string {
	switch l {
	case LevelMemory:
		return "memory"
	case LevelDisk:
		return "disk"
	case LevelRemote:
		return "remote"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ErrInvalidTierConfig is returned when a tier is configured without a
// positive size bound or default TTL.
var ErrInvalidTierConfig = errors.New("invalid tier config")

// TierConfig bounds a single tier.
type TierConfig struct {
	MaxSize    int
	DefaultTTL time.Duration
}

func (c TierConfig) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidTierConfig, c.MaxSize)
	}

	if c.DefaultTTL <= 0 {
		return fmt.Errorf("%w: default ttl must be positive, got %s", ErrInvalidTierConfig, c.DefaultTTL)
	}

	return nil
}

// Tiers groups the configuration of all three tiers.
type Tiers struct {
	Memory TierConfig
	Disk   TierConfig
	Remote TierConfig
}

func (t Tiers) Validate() error {
	for _, c := range []struct {
		level Level
		cfg   TierConfig
	}{
		{LevelMemory, t.Memory},
		{LevelDisk, t.Disk},
		{LevelRemote, t.Remote},
	} {
		if err := c.cfg.Validate(); err != nil {
			return fmt.Errorf("%s tier: %w", c.level, err)
		}
	}

	return nil
}
