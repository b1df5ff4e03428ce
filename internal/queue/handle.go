package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handle tracks one enqueued operation. It settles exactly once: with nil
// when the operation ran, with a sink error, or with ErrCancelled.
type Handle struct {
	id    uuid.UUID
	op    Operation
	queue *Queue

	once sync.Once
	done chan struct{}
	err  error
}

func newHandle(q *Queue, op Operation) *Handle {
	return &Handle{
		id:    uuid.New(),
		op:    op,
		queue: q,
		done:  make(chan struct{}),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Operation returns the operation the handle tracks.
func (h *Handle) Operation() Operation {
	return h.op
}

// Done returns a channel closed once the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the outcome of a settled handle, and nil while it is pending.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel removes the operation from the queue if it has not started yet and
// settles the handle with ErrCancelled. It returns false when the operation is
// already running or settled.
func (h *Handle) Cancel() bool {
	return h.queue.cancelHandle(h)
}

func (h *Handle) settle(err error) bool {
	settled := false
	h.once.Do(func() {
		h.err = err
		close(h.done)
		settled = true
	})
	return settled
}
