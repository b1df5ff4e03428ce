// Package simulate drives the buffer core with a synthetic producer and a
// playback clock, against an in-memory sink that may lose data on its own.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"mediabuf/internal/config"
	"mediabuf/internal/gc"
	"mediabuf/internal/inventory"
	"mediabuf/internal/logger"
	"mediabuf/internal/metrics"
	"mediabuf/internal/models"
	"mediabuf/internal/queue"
	"mediabuf/internal/segmentbuffer"
	"mediabuf/internal/sink"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Report summarizes a simulation run.
type Report struct {
	RunID     string            `yaml:"run_id"`
	Elapsed   time.Duration     `yaml:"elapsed"`
	Position  float64           `yaml:"position"`
	Codec     string            `yaml:"codec"`
	Stalls    int               `yaml:"stalls"`
	GapJumps  int               `yaml:"gap_jumps"`
	Pushes    int               `yaml:"pushes"`
	Failures  int               `yaml:"failures"`
	Anomalies int               `yaml:"anomalies"`
	Sink      sink.MemoryStats  `yaml:"sink"`
	Buffered  models.TimeRanges `yaml:"buffered"`
	Inventory []inventory.Chunk `yaml:"inventory"`

	// Metrics holds the run's counters and gauges, keyed by name and labels.
	Metrics map[string]float64 `yaml:"metrics"`
}

// Simulator runs one playback session per Run call.
type Simulator struct {
	cfg    config.Config
	logger logger.Logger
}

// New creates a Simulator.
func New(cfg config.Config, log logger.Logger) *Simulator {
	if log == nil {
		log = logger.Nop()
	}
	return &Simulator{cfg: cfg, logger: log}
}

// playhead is the simulated playback position shared by the producer and the
// playback loop.
type playhead struct {
	mutex    sync.RWMutex
	position float64
}

func (p *playhead) get() float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.position
}

func (p *playhead) set(position float64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.position = position
}

// run holds the state of one simulation.
type run struct {
	cfg       config.SimulationConfig
	logger    logger.Logger
	sink      *sink.MemorySink
	buffer    *segmentbuffer.SegmentBuffer
	collector *gc.Collector
	playhead  playhead

	segments []scheduledSegment
	total    float64
	longest  float64

	// lead is how far ahead of the playhead a segment may start when pushed.
	lead float64

	producerDone atomic.Bool
	pushes       atomic.Int64
	failures     atomic.Int64
	stalls       int
	gapJumps     int
}

// Run plays the configured content to its end, or until ctx is done.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	runID := uuid.NewString()
	log := s.logger.With("component", "simulate", "run_id", runID)
	simCfg := s.cfg.Simulation

	timeline := simCfg.Timeline
	if len(timeline) == 0 {
		timeline = uniformTimeline(simCfg.SegmentCount, simCfg.SegmentDuration, simCfg.Timescale)
	}
	segments, err := expandTimeline(timeline, simCfg.Timescale)
	if err != nil {
		return nil, fmt.Errorf("building segment timeline: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	memSink := sink.NewMemory(sink.MemoryOptions{Latency: simCfg.SinkLatency, Logger: log})
	defer func() {
		if err := memSink.Close(); err != nil {
			log.Warnf("Closing sink: %v", err)
		}
	}()
	buffer := segmentbuffer.New(memSink, s.cfg, log, segmentbuffer.WithMetrics(m))
	defer buffer.Dispose()

	collector := gc.New(s.cfg.GC, buffer, buffer, log, gc.WithMetrics(m))
	collector.Start()
	defer collector.Stop()

	r := &run{
		cfg:       simCfg,
		logger:    log,
		sink:      memSink,
		buffer:    buffer,
		collector: collector,
		segments:  segments,
		total:     segments[len(segments)-1].End(),
		longest:   longestDuration(segments),
	}
	r.lead = pushLead(simCfg.BufferGoal, s.cfg.GC.Ahead(), r.longest)
	if r.lead < simCfg.BufferGoal {
		log.Infof("Buffer goal %.1fs capped to %.1fs by the %.1fs ahead window", simCfg.BufferGoal, r.lead, s.cfg.GC.Ahead())
	}

	log.Infof("Starting simulation of %d segments (%.1fs of media)", len(segments), r.total)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer r.producerDone.Store(true)
		return r.produce(gctx)
	})
	g.Go(func() error {
		return r.play(gctx)
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("simulation %s: %w", runID, err)
	}

	if err := r.settle(ctx); err != nil {
		return nil, fmt.Errorf("simulation %s: %w", runID, err)
	}

	summary, err := metrics.Summarize(registry)
	if err != nil {
		return nil, fmt.Errorf("simulation %s: %w", runID, err)
	}

	report := &Report{
		RunID:     runID,
		Elapsed:   time.Since(started),
		Position:  r.playhead.get(),
		Codec:     memSink.Codec(),
		Stalls:    r.stalls,
		GapJumps:  r.gapJumps,
		Pushes:    int(r.pushes.Load()),
		Failures:  int(r.failures.Load()),
		Anomalies: buffer.Anomalies(),
		Sink:      memSink.Stats(),
		Buffered:  buffer.Buffered(),
		Inventory: buffer.Inventory(),
		Metrics:   summary,
	}
	log.Infof("Simulation finished at %.3f after %s: %d pushes, %d failures, %d anomalies",
		report.Position, report.Elapsed, report.Pushes, report.Failures, report.Anomalies)
	return report, nil
}

// produce pushes every segment, chunk by chunk, staying at most the buffer
// goal ahead of the playhead.
func (r *run) produce(ctx context.Context) error {
	initSeg := &models.InitSegment{
		ID:   fmt.Sprintf("%s/%s/init", r.cfg.TrackID, r.cfg.RepresentationID),
		Data: []byte("ftyp+moov"),
	}
	window := &models.TimeRange{Start: 0, End: r.total}

	for _, seg := range r.segments {
		if err := r.waitForRoom(ctx, seg.Start); err != nil {
			return err
		}

		content := models.ContentDescriptor{
			PeriodID:         r.cfg.PeriodID,
			TrackID:          r.cfg.TrackID,
			RepresentationID: r.cfg.RepresentationID,
			SegmentID:        seg.ID,
		}
		chunkDuration := seg.Duration / float64(r.cfg.ChunksPerSegment)
		for c := 0; c < r.cfg.ChunksPerSegment; c++ {
			start := seg.Start + float64(c)*chunkDuration
			end := start + chunkDuration
			if c == r.cfg.ChunksPerSegment-1 {
				end = seg.End()
			}
			h, err := r.buffer.PushChunk(segmentbuffer.PushParams{
				Content:      content,
				Init:         initSeg,
				Media:        []byte(fmt.Sprintf("moof+mdat %s #%d", content, c)),
				Codec:        r.cfg.Codec,
				AppendWindow: window,
				Range:        &models.TimeRange{Start: start, End: end},
				// Only segment boundaries are known exactly.
				PreciseStart: c == 0,
				PreciseEnd:   c == r.cfg.ChunksPerSegment-1,
			})
			if err := r.await(ctx, h, err); err != nil {
				return err
			}
			r.pushes.Add(1)
		}

		h, err := r.buffer.EndOfSegment(content)
		if err := r.await(ctx, h, err); err != nil {
			return err
		}
	}
	r.logger.Debugf("All segments pushed")
	return nil
}

// await waits for h and only returns errors that should end the run. Sink
// failures are counted and skipped.
func (r *run) await(ctx context.Context, h *queue.Handle, err error) error {
	if err != nil {
		return err
	}
	err = h.Wait(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrSinkWrite), errors.Is(err, queue.ErrSinkRemove):
		r.failures.Add(1)
		r.logger.Warnf("Operation %s failed: %v", h.Operation(), err)
		return nil
	default:
		return err
	}
}

// pushLead caps the buffer goal so that a pushed segment ends inside the
// ahead window. Data pushed past it would be evicted before being played.
func pushLead(goal, ahead, longest float64) float64 {
	if math.IsInf(ahead, 1) {
		return goal
	}
	return math.Min(goal, ahead-longest)
}

func longestDuration(segments []scheduledSegment) float64 {
	longest := 0.0
	for _, seg := range segments {
		longest = math.Max(longest, seg.Duration)
	}
	return longest
}

// waitForRoom blocks until the segment starting at segStart is within the
// lead of the playhead, or the playhead has nothing buffered to play.
func (r *run) waitForRoom(ctx context.Context, segStart float64) error {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	for {
		position := r.playhead.get()
		if segStart-position < r.lead || r.sink.Buffered().IndexOf(position) == -1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// play advances the playhead while the position is buffered, jumps over gaps
// in the buffered data, feeds the collector, and randomly lets the sink drop
// data behind the playhead.
func (r *run) play(ctx context.Context) error {
	rng := rand.New(rand.NewSource(r.cfg.Seed))
	step := r.cfg.Tick.Seconds() * r.cfg.PlaybackRate

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		position := r.playhead.get()
		if position >= r.total {
			r.logger.Debugf("Reached the end of content at %.3f", position)
			return nil
		}

		buffered := r.sink.Buffered()
		if buffered.IndexOf(position) == -1 {
			if next, ok := nextStart(buffered, position); ok {
				r.logger.Infof("Jumping gap [%.3f, %.3f)", position, next)
				r.gapJumps++
				position = next
				r.playhead.set(position)
				r.collector.SetPosition(position)
				continue
			}
			if !r.producerDone.Load() {
				r.stalls++
				continue
			}
		}

		position = math.Min(position+step, r.total)
		r.playhead.set(position)
		r.collector.SetPosition(position)

		if rng.Float64() < r.cfg.SinkGCProbability {
			r.evictBehind(rng, position)
		}
	}
}

// nextStart returns the start of the first buffered range after position.
func nextStart(buffered models.TimeRanges, position float64) (float64, bool) {
	for _, r := range buffered {
		if r.Start > position {
			return r.Start, true
		}
	}
	return 0, false
}

// evictBehind drops a random part of the oldest buffered range, as long as
// it lies at least the longest segment behind the playhead.
func (r *run) evictBehind(rng *rand.Rand, position float64) {
	buffered := r.sink.Buffered()
	if len(buffered) == 0 {
		return
	}
	limit := math.Min(buffered[0].End, position-r.longest)
	start := buffered[0].Start
	if limit <= start {
		return
	}
	end := start + rng.Float64()*(limit-start)
	r.sink.Evict(start, end)
	r.buffer.SynchronizeInventory()
}

// settle runs a last eviction pass and waits for it so the report reflects
// the final window.
func (r *run) settle(ctx context.Context) error {
	handles, err := r.collector.Collect()
	if err != nil {
		return err
	}
	for _, h := range handles {
		if err := r.await(ctx, h, nil); err != nil {
			return err
		}
	}
	r.buffer.SynchronizeInventory()
	return nil
}
