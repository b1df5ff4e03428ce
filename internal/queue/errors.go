package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrDisposed is returned by Enqueue once the queue has been disposed.
	ErrDisposed = errors.New("queue is disposed")
	// ErrCancelled settles handles of operations cancelled before they ran.
	ErrCancelled = errors.New("operation cancelled")
	// ErrSinkWrite matches every *WriteError.
	ErrSinkWrite = errors.New("sink write failed")
	// ErrSinkRemove matches every *RemoveError.
	ErrSinkRemove = errors.New("sink remove failed")
)

// WriteError reports a failed write of a Push operation.
type WriteError struct {
	Op Push
	// Step is "init" or "media".
	Step string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %s data of %s: %v", e.Step, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSinkWrite) hold.
func (e *WriteError) Is(target error) bool { return target == ErrSinkWrite }

// RemoveError reports a failed Remove operation.
type RemoveError struct {
	Op  Remove
	Err error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSinkRemove) hold.
func (e *RemoveError) Is(target error) bool { return target == ErrSinkRemove }

func wrapSinkError(op Operation, step stepKind, err error) error {
	switch op := op.(type) {
	case Push:
		return &WriteError{Op: op, Step: step.String(), Err: err}
	case Remove:
		return &RemoveError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
