package store

import (
	"errors"
	"fmt"
)

// Store errors
var (
	// ErrProjectNotFound indicates no project exists with the given ID.
	ErrProjectNotFound = errors.New("project not found")

	// ErrSegmentNotFound indicates no segment exists with the given ID.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrNoteNotFound indicates no note exists with the given ID.
	ErrNoteNotFound = errors.New("note not found")

	// ErrExplanationNotFound indicates no cached explanation exists for the
	// key. This is expected control flow on a cache miss, not a failure.
	ErrExplanationNotFound = errors.New("explanation not found")

	// ErrTurnNotFound indicates no turn exists with the given sequence.
	ErrTurnNotFound = errors.New("conversation turn not found")

	// ErrCorruption indicates the database failed its integrity check.
	// Distinct from not-found: the file exists but cannot be trusted.
	ErrCorruption = errors.New("database corruption detected")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// IOError wraps a storage I/O failure with the operation that hit it.
type IOError struct {
	Op  string // Operation that failed (e.g., "appendTurn", "commit")
	Err error  // Underlying error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ioErr wraps err as an IOError unless it is nil or already a known
// sentinel.
func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}
