package state

import (
	"errors"
	"fmt"
)

// CorruptionError reports a violated state invariant: a referenced entity
// that does not exist, an illegal status transition, or an unreadable state
// file. It is fatal to the pipeline run.
type CorruptionError struct {
	Entity    string // "task", "objective", "state_file"
	ID        string
	Invariant string
	Err       error
}

func (e *CorruptionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("state corruption: %s %q: %s", e.Entity, e.ID, e.Invariant)
	}
	return fmt.Sprintf("state corruption: %s: %s", e.Entity, e.Invariant)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// PersistenceError reports a failed state write after its single retry.
// It is fatal to the pipeline run.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting state to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrNotFound is returned by store lookups for unknown IDs.
var ErrNotFound = errors.New("not found")

// IsFatal reports whether err aborts the pipeline run.
func IsFatal(err error) bool {
	var ce *CorruptionError
	var pe *PersistenceError
	return errors.As(err, &ce) || errors.As(err, &pe)
}
