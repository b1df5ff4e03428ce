// Package segmentbuffer is the producer-facing entry point of the buffer
// core. It owns the inventory and the operation queue of one sink.
package segmentbuffer

import (
	"errors"
	"fmt"
	"math"
	"mediabuf/internal/config"
	"mediabuf/internal/inventory"
	"mediabuf/internal/logger"
	"mediabuf/internal/metrics"
	"mediabuf/internal/models"
	"mediabuf/internal/queue"
	"mediabuf/internal/sink"
	"sync/atomic"
)

// ErrInvalidRange is returned for removals whose end does not follow their start.
var ErrInvalidRange = errors.New("invalid range")

// PushParams describes one chunk to write.
type PushParams struct {
	Content models.ContentDescriptor
	// Init is written first unless it is the same pointer as the last
	// initialization segment written.
	Init  *models.InitSegment
	Media []byte

	Codec           string
	TimestampOffset float64
	// AppendWindow bounds what the sink keeps. Nil leaves it open. Finite
	// edges are widened by the configured margins.
	AppendWindow *models.TimeRange

	// Range is the estimated presentation range of Media.
	Range        *models.TimeRange
	PreciseStart bool
	PreciseEnd   bool
}

// Option customizes a SegmentBuffer.
type Option func(*SegmentBuffer)

// WithAnomalyHandler forwards inventory anomalies to fn.
func WithAnomalyHandler(fn inventory.AnomalyFunc) Option {
	return func(b *SegmentBuffer) {
		b.onAnomaly = fn
	}
}

// WithMetrics instruments the queue and counts inventory anomalies in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *SegmentBuffer) {
		b.metrics = m
	}
}

// SegmentBuffer serializes pushes and removals against one sink and keeps
// track of what the sink holds.
type SegmentBuffer struct {
	sink      sink.Sink
	cfg       config.BufferConfig
	logger    logger.Logger
	inventory *inventory.Inventory
	queue     *queue.Queue

	onAnomaly inventory.AnomalyFunc
	anomalies atomic.Int64
	metrics   *metrics.Metrics
}

// New creates a SegmentBuffer writing to s.
func New(s sink.Sink, cfg config.Config, log logger.Logger, opts ...Option) *SegmentBuffer {
	if log == nil {
		log = logger.Nop()
	}
	b := &SegmentBuffer{
		sink:   s,
		cfg:    cfg.Buffer,
		logger: log.With("component", "segment-buffer"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.inventory = inventory.New(cfg.Inventory, log, b.recordAnomaly)
	b.queue = queue.New(s, b.inventory, cfg.Queue, log, queue.WithMetrics(b.metrics))
	return b
}

// PushChunk queues the write of one chunk.
func (b *SegmentBuffer) PushChunk(p PushParams) (*queue.Handle, error) {
	return b.queue.Enqueue(queue.Push{
		Content:         p.Content,
		Init:            p.Init,
		Media:           p.Media,
		Codec:           p.Codec,
		TimestampOffset: p.TimestampOffset,
		AppendWindow:    b.widenAppendWindow(p.AppendWindow),
		Range:           p.Range,
		PreciseStart:    p.PreciseStart,
		PreciseEnd:      p.PreciseEnd,
	})
}

// RemoveRange queues the removal of [start, end).
func (b *SegmentBuffer) RemoveRange(start, end float64) (*queue.Handle, error) {
	if math.IsNaN(start) || math.IsNaN(end) || end <= start {
		return nil, fmt.Errorf("%w: [%v, %v)", ErrInvalidRange, start, end)
	}
	return b.queue.Enqueue(queue.Remove{Start: start, End: end})
}

// EndOfSegment queues the completion of content, once every chunk pushed
// before it has been written.
func (b *SegmentBuffer) EndOfSegment(content models.ContentDescriptor) (*queue.Handle, error) {
	return b.queue.Enqueue(queue.EndOfSegment{Content: content})
}

// SynchronizeInventory reconciles the inventory with the sink as soon as no
// call is in flight.
func (b *SegmentBuffer) SynchronizeInventory() {
	b.queue.Synchronize()
}

// Inventory returns a snapshot of the chunks believed to be buffered.
func (b *SegmentBuffer) Inventory() []inventory.Chunk {
	return b.inventory.Snapshot()
}

// PendingOperations returns the operations not yet settled, the running one first.
func (b *SegmentBuffer) PendingOperations() []queue.Operation {
	return b.queue.Pending()
}

// Buffered returns what the sink reports holding.
func (b *SegmentBuffer) Buffered() models.TimeRanges {
	return b.sink.Buffered()
}

// Anomalies returns how many inventory anomalies were detected.
func (b *SegmentBuffer) Anomalies() int {
	return int(b.anomalies.Load())
}

// Dispose cancels every pending operation and forgets the inventory. The
// buffer cannot be used afterwards.
func (b *SegmentBuffer) Dispose() {
	b.queue.Dispose()
	b.inventory.Reset()
	b.logger.Infof("Segment buffer disposed")
}

func (b *SegmentBuffer) recordAnomaly(a inventory.Anomaly) {
	b.anomalies.Add(1)
	b.metrics.IncAnomalies(a.Kind.String())
	if b.onAnomaly != nil {
		b.onAnomaly(a)
	}
}

func (b *SegmentBuffer) widenAppendWindow(w *models.TimeRange) *models.TimeRange {
	if w == nil {
		return nil
	}
	out := *w
	if !math.IsInf(out.Start, 0) {
		out.Start = math.Max(0, out.Start-b.cfg.AppendWindowStartMargin)
	}
	if !math.IsInf(out.End, 0) {
		out.End += b.cfg.AppendWindowEndMargin
	}
	return &out
}
