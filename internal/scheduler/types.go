package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks pending work. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority maps a case-insensitive name to a Priority. Unknown names
// return ErrUnknownPriority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

// Status is the bucket a WorkItem currently lives in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is COMPLETED or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkItem is a unit of schedulable work.
type WorkItem struct {
	ID           string
	Priority     Priority
	Dependencies []string
	Status       Status
	CreatedAt    time.Time
	Err          error
}

// Counts is a snapshot of the bucket sizes.
type Counts struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// item is the scheduler's internal record; deps is the dependency id-set.
type item struct {
	WorkItem

	deps map[string]struct{}
}

func newItem(w WorkItem) *item {
	deps := make(map[string]struct{}, len(w.Dependencies))
	for _, d := range w.Dependencies {
		deps[d] = struct{}{}
	}

	w.Dependencies = make([]string, 0, len(deps))
	for d := range deps {
		w.Dependencies = append(w.Dependencies, d)
	}

	return &item{WorkItem: w, deps: deps}
}

func (it *item) snapshot() WorkItem {
	w := it.WorkItem
	w.Dependencies = append([]string(nil), it.WorkItem.Dependencies...)

	return w
}

// before reports whether it outranks other: higher priority first, then earliest creation.
func (it *item) before(other *item) bool {
	if it.Priority != other.Priority {
		return it.Priority > other.Priority
	}

	if !it.CreatedAt.Equal(other.CreatedAt) {
		return it.CreatedAt.Before(other.CreatedAt)
	}

	return it.ID < other.ID
}
