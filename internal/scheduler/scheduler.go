// Package scheduler orders pending work items by priority and dependency
// readiness while bounding the number of items in flight.
//
// All bucket mutations happen under a single mutex so GetNextItem's
// check-and-move is atomic: two workers never receive the same item and the
// active count never exceeds the configured bound. The scheduler performs no
// I/O and never blocks callers beyond that mutex.
package scheduler

import (
	"sync"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/telemetry"
)

// Scheduler hands out pending work items to workers.
type Scheduler struct {
	mu            sync.Mutex
	maxConcurrent int
	detectCycles  bool
	clock         clock.Clock
	telemetry     *telemetry.Telemetry

	pending   map[string]*item
	active    map[string]*item
	completed map[string]*item
	failed    map[string]*item

	// completedIDs outlives acknowledged records so dependents stay eligible.
	completedIDs map[string]struct{}

	ready chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used to stamp items without a CreatedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithCycleDetection makes AddItem reject items that close a dependency cycle.
func WithCycleDetection() Option {
	return func(s *Scheduler) {
		s.detectCycles = true
	}
}

// WithTelemetry records scheduler events on t.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.telemetry = t
	}
}

// New creates a Scheduler allowing at most maxConcurrent active items.
// Values below 1 are treated as 1.
func New(maxConcurrent int, opts ...Option) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	s := &Scheduler{
		maxConcurrent: maxConcurrent,
		clock:         clock.Real{},
		pending:       make(map[string]*item),
		active:        make(map[string]*item),
		completed:     make(map[string]*item),
		failed:        make(map[string]*item),
		completedIDs:  make(map[string]struct{}),
		ready:         make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// MaxConcurrent returns the active-item bound.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}

// Ready returns a channel that receives a value whenever the scheduler state
// changed in a way that may make an item eligible. Signals are coalesced.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// AddItem inserts w into the pending bucket. Ids must be unique across all
// buckets; a duplicate returns an *ItemError matching ErrDuplicateItem.
func (s *Scheduler) AddItem(w WorkItem) error {
	if w.ID == "" {
		return &ItemError{Kind: ErrInvalidItem}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.statusLocked(w.ID); ok {
		s.telemetry.RecordSchedulerEvent("rejected")

		return &ItemError{ID: w.ID, Status: status, Kind: ErrDuplicateItem}
	}

	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.clock.Now()
	}

	w.Status = StatusPending
	w.Err = nil
	it := newItem(w)

	if s.detectCycles && s.closesCycleLocked(it) {
		s.telemetry.RecordSchedulerEvent("rejected")

		return &ItemError{ID: w.ID, Kind: ErrDependencyCycle}
	}

	delete(s.completedIDs, w.ID)
	s.pending[w.ID] = it
	s.telemetry.RecordSchedulerEvent("submitted")
	s.signal()

	return nil
}

// RemoveItem drops a pending item. It reports false when the id is active,
// terminal or absent.
func (s *Scheduler) RemoveItem(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return false
	}

	delete(s.pending, id)
	s.telemetry.RecordSchedulerEvent("removed")

	return true
}

// GetNextItem moves the best eligible pending item to ACTIVE and returns it.
// An item is eligible when every dependency has completed. Nothing is returned
// while the active bound is reached. The bool is false when no item is
// available, which is a normal outcome for polling workers.
func (s *Scheduler) GetNextItem() (WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= s.maxConcurrent {
		return WorkItem{}, false
	}

	var best *item

	for _, it := range s.pending {
		if !s.dependenciesMetLocked(it) {
			continue
		}

		if best == nil || it.before(best) {
			best = it
		}
	}

	if best == nil {
		return WorkItem{}, false
	}

	delete(s.pending, best.ID)
	best.Status = StatusActive
	s.active[best.ID] = best

	s.telemetry.RecordSchedulerEvent("started")
	s.telemetry.IncrementActiveItems()

	return best.snapshot(), true
}

// MarkItemCompleted moves an active item to COMPLETED. Dependents become
// eligible on the next GetNextItem call.
func (s *Scheduler) MarkItemCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.takeActiveLocked(id)
	if err != nil {
		return err
	}

	it.Status = StatusCompleted
	s.completed[id] = it
	s.completedIDs[id] = struct{}{}

	s.telemetry.RecordSchedulerEvent("completed")
	s.telemetry.DecrementActiveItems()
	s.signal()

	return nil
}

// MarkItemFailed moves an active item to FAILED, recording cause.
func (s *Scheduler) MarkItemFailed(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.takeActiveLocked(id)
	if err != nil {
		return err
	}

	it.Status = StatusFailed
	it.Err = cause
	s.failed[id] = it

	s.telemetry.RecordSchedulerEvent("failed")
	s.telemetry.DecrementActiveItems()
	s.signal()

	return nil
}

// UpdateItemPriority re-ranks a pending item. Active and terminal items are
// left untouched and false is returned.
func (s *Scheduler) UpdateItemPriority(id string, p Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.pending[id]
	if !ok {
		return false
	}

	it.Priority = p
	s.signal()

	return true
}

// Acknowledge destroys the record of a terminal item. A completed id keeps
// satisfying dependents after acknowledgement.
func (s *Scheduler) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.completed[id]; ok {
		delete(s.completed, id)

		return true
	}

	if _, ok := s.failed[id]; ok {
		delete(s.failed, id)

		return true
	}

	return false
}

// Get returns a copy of the item with the given id.
func (s *Scheduler) Get(id string) (WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bucket := range []map[string]*item{s.pending, s.active, s.completed, s.failed} {
		if it, ok := bucket[id]; ok {
			return it.snapshot(), true
		}
	}

	return WorkItem{}, false
}

// Counts returns the current bucket sizes.
func (s *Scheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Counts{
		Pending:   len(s.pending),
		Active:    len(s.active),
		Completed: len(s.completed),
		Failed:    len(s.failed),
	}
}

func (s *Scheduler) statusLocked(id string) (Status, bool) {
	switch {
	case s.pending[id] != nil:
		return StatusPending, true
	case s.active[id] != nil:
		return StatusActive, true
	case s.completed[id] != nil:
		return StatusCompleted, true
	case s.failed[id] != nil:
		return StatusFailed, true
	}

	return "", false
}

func (s *Scheduler) takeActiveLocked(id string) (*item, error) {
	it, ok := s.active[id]
	if ok {
		delete(s.active, id)

		return it, nil
	}

	if status, found := s.statusLocked(id); found {
		return nil, &ItemError{ID: id, Status: status, Kind: ErrItemNotActive}
	}

	return nil, &ItemError{ID: id, Kind: ErrUnknownItem}
}

func (s *Scheduler) dependenciesMetLocked(it *item) bool {
	for dep := range it.deps {
		if _, ok := s.completedIDs[dep]; !ok {
			return false
		}
	}

	return true
}

// closesCycleLocked walks the dependency graph of non-completed items from
// candidate and reports whether it reaches candidate again.
func (s *Scheduler) closesCycleLocked(candidate *item) bool {
	visited := make(map[string]struct{})
	stack := make([]string, 0, len(candidate.deps))

	for dep := range candidate.deps {
		stack = append(stack, dep)
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if id == candidate.ID {
			return true
		}

		if _, seen := visited[id]; seen {
			continue
		}

		visited[id] = struct{}{}

		next, ok := s.pending[id]
		if !ok {
			next, ok = s.active[id]
		}

		if !ok {
			continue
		}

		for dep := range next.deps {
			stack = append(stack, dep)
		}
	}

	return false
}
