package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown command id
	ErrNotFound = errors.New("queue: command not found")
	// ErrInvalidTransition is returned when a command is not in a state
	// that allows the requested operation
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrInvalidCommand is returned by Enqueue for malformed commands
	ErrInvalidCommand = errors.New("queue: invalid command")
)

// StorageError reports a failure of the durable store. The queue never
// leaves a command half-updated when it returns one.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("queue: %s: storage failure: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue: %s %s: storage failure: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err came from the durable store
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
