package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig    = errors.New("invalid task config")
	ErrCapacityExceeded = errors.New("task capacity exceeded")
	ErrTaskNotFound     = errors.New("task not found")
	ErrLockTimeout      = errors.New("scheduler lock timeout")
	ErrSpawnFailed      = errors.New("execution unit spawn failed")
	ErrNotRunnable      = errors.New("task is not runnable")
)

// PanicError is recorded when a task body panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panic: %v", e.Value) }

func notFound(id ID) error { return fmt.Errorf("%w: id=%d", ErrTaskNotFound, id) }
