package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateItem   = errors.New("duplicate work item")
	ErrUnknownItem     = errors.New("unknown work item")
	ErrItemNotActive   = errors.New("work item is not active")
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrInvalidItem     = errors.New("invalid work item")
	ErrUnknownPriority = errors.New("unknown priority")
)

// ItemError describes a caller-misuse failure for a specific work item.
// It matches its Kind sentinel with errors.Is.
type ItemError struct {
	ID     string // Work item id the call referred to
	Status Status // Bucket the item was found in, empty if absent
	Kind   error  // One of the package sentinels
}

func (e *ItemError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: %q (status %s)", e.Kind, e.ID, e.Status)
	}

	return fmt.Sprintf("%s: %q", e.Kind, e.ID)
}

func (e *ItemError) Unwrap() error {
	return e.Kind
}
