package transfer

import (
	"errors"
	"fmt"
)

// ErrUnknownTransfer is returned when an operation names a transfer id the manager is not tracking.
var ErrUnknownTransfer = errors.New("unknown transfer")

// StoreError represents a failure of the durable resume store. Retry policy
// belongs to the caller, so these are always surfaced.
type StoreError struct {
	Op  string // The store operation that failed (e.g., "save", "load", "delete")
	ID  string // Transfer id the operation was for
	Err error  // Underlying error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("resume store %s failed for transfer %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ArtifactError represents a failure to read the on-disk partial artifact
// while computing its digest.
type ArtifactError struct {
	Path   string // Path of the partial artifact
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *ArtifactError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact %s: %s: %v", e.Path, e.Reason, e.Err)
	}

	return fmt.Sprintf("artifact %s: %s", e.Path, e.Reason)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

func unknown(id string) error {
	return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
}
