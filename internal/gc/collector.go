package gc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mediabuf/internal/config"
	"mediabuf/internal/logger"
	"mediabuf/internal/metrics"
	"mediabuf/internal/models"
	"mediabuf/internal/queue"
	"sync"
	"time"
)

// Remover submits a removal through the operation queue.
type Remover interface {
	RemoveRange(start, end float64) (*queue.Handle, error)
}

// BufferedSource reports what the sink currently holds.
type BufferedSource interface {
	Buffered() models.TimeRanges
}

// Collector re-evaluates the eviction window when the playback position moves
// far enough, when the window changes, and periodically.
type Collector struct {
	cfg     config.GCConfig
	remover Remover
	source  BufferedSource
	logger  logger.Logger
	metrics *metrics.Metrics

	mutex         sync.Mutex
	position      float64
	lastEvaluated float64
	behind        float64
	ahead         float64

	trigger chan struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Collector.
type Option func(*Collector)

// WithMetrics counts submitted removals in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}

// New creates a Collector with the window from cfg. Call Start to run the
// background worker.
func New(cfg config.GCConfig, remover Remover, source BufferedSource, log logger.Logger, opts ...Option) *Collector {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		cfg:           cfg,
		remover:       remover,
		source:        source,
		logger:        log.With("component", "gc"),
		lastEvaluated: math.NaN(),
		behind:        cfg.Behind(),
		ahead:         cfg.Ahead(),
		trigger:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the background eviction worker.
func (c *Collector) Start() {
	c.logger.Infof("Starting eviction worker (behind=%v, ahead=%v)", c.behind, c.ahead)
	go c.evictionWorker()
}

// Stop shuts down the eviction worker.
func (c *Collector) Stop() {
	c.logger.Infof("Stopping eviction worker...")
	c.cancel()
}

// SetPosition records the playback position and triggers an evaluation when
// it moved by at least the configured threshold since the last one.
func (c *Collector) SetPosition(position float64) {
	c.mutex.Lock()
	c.position = position
	moved := math.IsNaN(c.lastEvaluated) || math.Abs(position-c.lastEvaluated) >= c.cfg.PositionThreshold
	c.mutex.Unlock()

	if moved {
		c.notify()
	}
}

// SetWindow changes the kept window and triggers an evaluation. Zero or
// negative values mean unbounded.
func (c *Collector) SetWindow(behind, ahead float64) {
	c.mutex.Lock()
	c.behind = config.GCConfig{WindowBehind: behind}.Behind()
	c.ahead = config.GCConfig{WindowAhead: ahead}.Ahead()
	c.mutex.Unlock()

	c.notify()
}

// Collect computes the ranges outside the window and submits one removal
// per range. It returns the handles of the submitted removals.
func (c *Collector) Collect() ([]*queue.Handle, error) {
	c.mutex.Lock()
	position, behind, ahead := c.position, c.behind, c.ahead
	c.lastEvaluated = position
	c.mutex.Unlock()

	ranges := SelectRanges(position, c.source.Buffered(), behind, ahead)
	if len(ranges) == 0 {
		c.logger.Debugf("Nothing to evict around %.3f", position)
		return nil, nil
	}

	handles := make([]*queue.Handle, 0, len(ranges))
	for _, r := range ranges {
		h, err := c.remover.RemoveRange(r.Start, r.End)
		if err != nil {
			c.metrics.AddRemovals(len(handles))
			return handles, fmt.Errorf("submitting removal of %s: %w", r, err)
		}
		handles = append(handles, h)
	}
	c.metrics.AddRemovals(len(handles))
	c.logger.Infof("Evicting %d ranges outside the window around %.3f: %v", len(ranges), position, ranges)
	return handles, nil
}

func (c *Collector) notify() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// evictionWorker runs in the background until Stop.
func (c *Collector) evictionWorker() {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Infof("Eviction worker stopped.")
			return
		case <-ticker.C:
			c.runEviction()
		case <-c.trigger:
			c.runEviction()
		}
	}
}

func (c *Collector) runEviction() {
	handles, err := c.Collect()
	if err != nil {
		c.logger.Warnf("Eviction failed: %v", err)
	}
	if len(handles) > 0 {
		go c.watch(handles)
	}
}

// watch logs removals that did not succeed.
func (c *Collector) watch(handles []*queue.Handle) {
	for _, h := range handles {
		select {
		case <-c.ctx.Done():
			return
		case <-h.Done():
		}
		if err := h.Err(); err != nil && !errors.Is(err, queue.ErrCancelled) {
			c.logger.Warnf("Removal %s failed: %v", h.Operation(), err)
		}
	}
}
