// Package queue serializes mutations against a single sink. At most one sink
// call is in flight at any time, operations run in FIFO order, and the
// inventory is updated from the results.
package queue

import (
	"context"
	"fmt"
	"math"
	"mediabuf/internal/config"
	"mediabuf/internal/inventory"
	"mediabuf/internal/logger"
	"mediabuf/internal/metrics"
	"mediabuf/internal/models"
	"mediabuf/internal/sink"
	"sync"
	"time"
)

const defaultLivenessInterval = time.Second

// item is a queued operation together with its execution state.
type item struct {
	handle *Handle
	steps  []stepKind
	next   int

	// step is the sink call in flight when inFlight is set.
	step        stepKind
	inFlight    bool
	token       uint64
	issuedAt    time.Time
	submittedAt time.Time

	err error
}

func (it *item) op() Operation {
	return it.handle.op
}

// Queue drives one sink. Enqueue never blocks on the sink: work happens in a
// drive loop run by whichever goroutine triggers it, one goroutine at a time.
type Queue struct {
	sink      sink.Sink
	inventory *inventory.Inventory
	cfg       config.QueueConfig
	logger    logger.Logger
	metrics   *metrics.Metrics

	mutex         sync.Mutex
	pending       []*item
	current       *item
	lastInit      *models.InitSegment
	token         uint64
	driving       bool
	redrive       bool
	syncRequested bool
	disposed      bool

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Queue.
type Option func(*Queue)

// WithMetrics records operation outcomes and sink call durations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New creates a queue driving s and recording results in inv, and starts
// its liveness checker. The sink must outlive the queue.
func New(s sink.Sink, inv *inventory.Inventory, cfg config.QueueConfig, log logger.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:      s,
		inventory: inv,
		cfg:       cfg,
		logger:    log.With("component", "queue"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.livenessWorker()
	return q
}

// Enqueue appends op to the queue and returns its handle.
func (q *Queue) Enqueue(op Operation) (*Handle, error) {
	if op == nil {
		return nil, fmt.Errorf("enqueueing nil operation")
	}

	q.mutex.Lock()
	if q.disposed {
		q.mutex.Unlock()
		return nil, ErrDisposed
	}
	h := newHandle(q, op)
	q.pending = append(q.pending, &item{handle: h, steps: steps(op)})
	q.mutex.Unlock()

	q.logger.Debugf("Enqueued %s (%s)", op, h.id)
	q.drive()
	return h, nil
}

// Pending returns the operations not yet settled, the running one first.
func (q *Queue) Pending() []Operation {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	out := make([]Operation, 0, len(q.pending)+1)
	if q.current != nil {
		out = append(out, q.current.op())
	}
	for _, it := range q.pending {
		out = append(out, it.op())
	}
	return out
}

// Synchronize asks for the inventory to be reconciled with the sink as soon
// as the sink is idle.
func (q *Queue) Synchronize() {
	q.mutex.Lock()
	if q.disposed {
		q.mutex.Unlock()
		return
	}
	q.syncRequested = true
	q.mutex.Unlock()
	q.drive()
}

// Dispose settles every queued and running operation with ErrCancelled and
// makes the queue unusable. A sink completion arriving afterwards is ignored.
func (q *Queue) Dispose() {
	q.mutex.Lock()
	if q.disposed {
		q.mutex.Unlock()
		return
	}
	q.disposed = true
	items := q.pending
	if q.current != nil {
		items = append([]*item{q.current}, items...)
	}
	q.pending = nil
	q.current = nil
	q.mutex.Unlock()

	q.cancel()
	for _, it := range items {
		q.metrics.IncOperations(kindOf(it.op()), metrics.StatusCancelled)
		it.handle.settle(ErrCancelled)
	}
	q.logger.Infof("Queue disposed, %d operations cancelled", len(items))
}

func (q *Queue) cancelHandle(h *Handle) bool {
	q.mutex.Lock()
	for i, it := range q.pending {
		if it.handle == h {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			q.mutex.Unlock()
			q.logger.Debugf("Cancelled %s (%s)", h.op, h.id)
			q.metrics.IncOperations(kindOf(h.op), metrics.StatusCancelled)
			return h.settle(ErrCancelled)
		}
	}
	q.mutex.Unlock()
	return false
}

// drive runs actions until there is nothing left to do without waiting on
// the sink. A call made while another goroutine drives only flags that the
// state changed.
func (q *Queue) drive() {
	q.mutex.Lock()
	if q.driving || q.disposed {
		q.redrive = true
		q.mutex.Unlock()
		return
	}
	q.driving = true
	q.mutex.Unlock()

	for {
		q.mutex.Lock()
		q.redrive = false
		q.mutex.Unlock()

		busy := q.sink.IsBusy()

		q.mutex.Lock()
		action := q.nextActionLocked(busy)
		if action == nil {
			if q.redrive && !q.disposed {
				q.mutex.Unlock()
				continue
			}
			q.driving = false
			q.mutex.Unlock()
			return
		}
		q.mutex.Unlock()

		action()
	}
}

// nextActionLocked advances the state machine and returns the work to do
// outside the lock, or nil when the queue has to wait.
func (q *Queue) nextActionLocked(busy bool) func() {
	if q.disposed {
		return nil
	}
	it := q.current
	if it != nil && it.inFlight {
		return nil
	}
	if busy {
		return nil
	}

	if q.syncRequested {
		q.syncRequested = false
		return q.synchronizeInventory
	}

	if it == nil {
		if len(q.pending) == 0 {
			return nil
		}
		q.current = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.logger.Debugf("Starting %s", q.current.op())
		return func() {}
	}

	if it.err != nil {
		q.current = nil
		return func() {
			q.logger.Warnf("Operation %s failed: %v", it.op(), it.err)
			q.metrics.IncOperations(kindOf(it.op()), metrics.StatusFailed)
			it.handle.settle(it.err)
		}
	}

	for it.next < len(it.steps) {
		kind := it.steps[it.next]
		if kind == stepInit && it.op().(Push).Init == q.lastInit {
			q.logger.Debugf("Skipping init data of %s: already written", it.op())
			it.next++
			continue
		}
		q.token++
		it.step = kind
		it.inFlight = true
		it.token = q.token
		it.issuedAt = time.Now()
		it.submittedAt = time.Time{}
		token := q.token
		return func() { q.submit(it, kind, token) }
	}

	q.current = nil
	return func() { q.finish(it) }
}

// submit issues one sink call for it.
func (q *Queue) submit(it *item, kind stepKind, token uint64) {
	done := q.completion(it, kind, token)

	var err error
	switch op := it.op().(type) {
	case Push:
		windowStart, windowEnd := op.appendWindow()
		req := sink.WriteRequest{
			Codec:             op.Codec,
			TimestampOffset:   op.TimestampOffset,
			AppendWindowStart: windowStart,
			AppendWindowEnd:   windowEnd,
		}
		if kind == stepInit {
			req.Data = op.Init.Data
		} else {
			req.Data = op.Media
			req.Range = op.Range
		}
		q.logger.Debugf("Writing %s data of %s (%d bytes)", kind, op, len(req.Data))
		err = q.sink.Write(req, done)
	case Remove:
		q.logger.Debugf("Removing [%.3f, %.3f)", op.Start, op.End)
		err = q.sink.Remove(op.Start, op.End, done)
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.current != it || !it.inFlight || it.token != token {
		// Already settled by a synchronous completion, or disposed.
		return
	}
	if err != nil {
		it.inFlight = false
		q.stepSettledLocked(it, err)
		return
	}
	it.submittedAt = time.Now()
}

func (q *Queue) completion(it *item, kind stepKind, token uint64) sink.CompletionFunc {
	return func(err error) {
		q.mutex.Lock()
		if q.disposed || q.current != it || !it.inFlight || it.token != token {
			q.mutex.Unlock()
			q.logger.Debugf("Ignoring late completion of %s step of %s", kind, it.op())
			return
		}
		it.inFlight = false
		q.stepSettledLocked(it, err)
		q.mutex.Unlock()

		q.drive()
	}
}

func (q *Queue) stepSettledLocked(it *item, err error) {
	q.metrics.ObserveSinkCall(it.step.String(), time.Since(it.issuedAt).Seconds())
	if err != nil {
		it.err = wrapSinkError(it.op(), it.step, err)
		if it.step != stepRemove {
			// The sink state is unknown after a failed write.
			q.lastInit = nil
		}
		return
	}
	if it.step == stepInit {
		q.lastInit = it.op().(Push).Init
	}
	it.next++
}

// finish applies the side effect of a fully executed operation and resolves
// its handle.
func (q *Queue) finish(it *item) {
	switch op := it.op().(type) {
	case Push:
		q.recordPush(op)
	case EndOfSegment:
		q.inventory.CompleteSegment(op.Content)
	}
	q.synchronizeInventory()
	q.metrics.IncOperations(kindOf(it.op()), metrics.StatusOK)
	it.handle.settle(nil)
	q.logger.Debugf("Completed %s", it.op())
}

func (q *Queue) recordPush(op Push) {
	if op.Content.IsInit || len(op.Media) == 0 || op.Range == nil {
		return
	}
	start, end := op.Range.Start, op.Range.End
	preciseStart, preciseEnd := op.PreciseStart, op.PreciseEnd
	windowStart, windowEnd := op.appendWindow()
	if windowStart > start {
		start = windowStart
		preciseStart = false
	}
	if windowEnd < end {
		end = windowEnd
		preciseEnd = false
	}
	if !(end > start) || math.IsInf(start, 0) || math.IsInf(end, 0) {
		q.logger.Debugf("Nothing of %s falls in its append window", op)
		return
	}
	q.inventory.Insert(op.Content, start, end, preciseStart, preciseEnd)
}

func (q *Queue) synchronizeInventory() {
	q.inventory.SynchronizeBuffered(q.sink.Buffered())
	q.metrics.SetInventoryChunks(q.inventory.Len())
}

// livenessWorker periodically recovers from a completion the sink never
// delivered.
func (q *Queue) livenessWorker() {
	ticker := time.NewTicker(q.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.checkLiveness()
		}
	}
}

func (q *Queue) checkLiveness() {
	busy := q.sink.IsBusy()

	q.mutex.Lock()
	it := q.current
	if !q.disposed && it != nil && it.inFlight && !busy &&
		!it.submittedAt.IsZero() && time.Since(it.submittedAt) >= q.cfg.LivenessInterval {
		q.logger.Warnf("Sink is idle but %s step of %s never completed, assuming it did", it.step, it.op())
		it.inFlight = false
		q.stepSettledLocked(it, nil)
		q.metrics.IncLivenessRecoveries()
	}
	q.mutex.Unlock()

	q.drive()
}
