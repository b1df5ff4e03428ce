package sink

import (
	"math"
	"mediabuf/internal/logger"
	"mediabuf/internal/models"
	"sync"
	"time"
)

// MemoryOptions configures a MemorySink.
type MemoryOptions struct {
	// Latency delays every completion. Zero completes calls synchronously,
	// before Write or Remove returns.
	Latency time.Duration
	// SupportedCodecs restricts codec switches. Empty accepts any codec.
	SupportedCodecs []string
	Logger          logger.Logger
}

// MemoryStats holds counters about what a MemorySink was asked to do.
type MemoryStats struct {
	Writes       int   `yaml:"writes"`
	Removes      int   `yaml:"removes"`
	Failures     int   `yaml:"failures"`
	CodecChanges int   `yaml:"codec_changes"`
	Evictions    int   `yaml:"evictions"`
	BytesWritten int64 `yaml:"bytes_written"`
	// Violations counts calls that arrived while a previous one was settling.
	Violations int `yaml:"violations"`
}

// MemorySink is a simulated sink keeping only the time ranges it holds.
// It behaves like a browser source buffer: one call at a time, optional
// asynchronous completion, codec switching, append windows, and data that may
// disappear without notice through Evict.
type MemorySink struct {
	opts   MemoryOptions
	logger logger.Logger

	mutex           sync.Mutex
	busy            bool
	closed          bool
	buffered        models.TimeRanges
	codec           string
	timestampOffset float64
	failNext        error
	swallowNext     bool
	stats           MemoryStats
}

// NewMemory creates an empty MemorySink.
func NewMemory(opts MemoryOptions) *MemorySink {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &MemorySink{
		opts:   opts,
		logger: log.With("component", "memory-sink"),
	}
}

// IsBusy reports whether an accepted call is still settling.
func (s *MemorySink) IsBusy() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.busy
}

// Write appends the requested range, clipped to the append window.
func (s *MemorySink) Write(req WriteRequest, done CompletionFunc) error {
	s.mutex.Lock()
	if err := s.acceptLocked(); err != nil {
		s.mutex.Unlock()
		return err
	}
	if req.Codec != "" && req.Codec != s.codec {
		if !s.supports(req.Codec) {
			s.stats.Failures++
			s.mutex.Unlock()
			return ErrCodecUnsupported
		}
		s.logger.Debugf("Switching codec from %q to %q", s.codec, req.Codec)
		s.codec = req.Codec
		s.stats.CodecChanges++
	}
	s.timestampOffset = req.TimestampOffset
	s.busy = true
	failure := s.takeFailureLocked()
	s.mutex.Unlock()

	apply := func() {
		s.stats.Writes++
		s.stats.BytesWritten += int64(len(req.Data))
		if req.Range == nil {
			return
		}
		r := models.TimeRange{
			Start: math.Max(req.Range.Start, req.AppendWindowStart),
			End:   math.Min(req.Range.End, req.AppendWindowEnd),
		}
		s.buffered = s.buffered.Add(r)
	}
	s.settle(apply, failure, done)
	return nil
}

// Remove discards [start, end).
func (s *MemorySink) Remove(start, end float64, done CompletionFunc) error {
	s.mutex.Lock()
	if err := s.acceptLocked(); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.busy = true
	failure := s.takeFailureLocked()
	s.mutex.Unlock()

	apply := func() {
		s.stats.Removes++
		s.buffered = s.buffered.Subtract(models.TimeRange{Start: start, End: end})
	}
	s.settle(apply, failure, done)
	return nil
}

// Buffered returns a copy of the ranges held.
func (s *MemorySink) Buffered() models.TimeRanges {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.buffered.Clone()
}

// Evict silently drops [start, end), the way a browser reclaims memory
// without telling anyone.
func (s *MemorySink) Evict(start, end float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.buffered = s.buffered.Subtract(models.TimeRange{Start: start, End: end})
	s.stats.Evictions++
	s.logger.Debugf("Evicted [%.3f, %.3f) without notice", start, end)
}

// FailNext makes the next accepted call settle with err.
func (s *MemorySink) FailNext(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failNext = err
}

// SwallowNextCompletion makes the next accepted call settle without ever
// invoking its completion callback.
func (s *MemorySink) SwallowNextCompletion() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.swallowNext = true
}

// Codec returns the codec currently configured.
func (s *MemorySink) Codec() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.codec
}

// Stats returns a copy of the sink counters.
func (s *MemorySink) Stats() MemoryStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

// Close makes every later call fail with ErrClosed.
func (s *MemorySink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

func (s *MemorySink) acceptLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.busy {
		s.stats.Violations++
		s.logger.Warnf("Call received while a previous one is still settling")
		return ErrBusy
	}
	return nil
}

func (s *MemorySink) takeFailureLocked() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *MemorySink) supports(codec string) bool {
	if len(s.opts.SupportedCodecs) == 0 {
		return true
	}
	for _, c := range s.opts.SupportedCodecs {
		if c == codec {
			return true
		}
	}
	return false
}

// settle applies the call (unless it failed), clears the busy flag, then
// notifies the caller.
func (s *MemorySink) settle(apply func(), failure error, done CompletionFunc) {
	finish := func() {
		s.mutex.Lock()
		if failure == nil {
			apply()
		} else {
			s.stats.Failures++
		}
		s.busy = false
		swallow := s.swallowNext
		s.swallowNext = false
		s.mutex.Unlock()

		if swallow {
			s.logger.Debugf("Dropping completion notification")
			return
		}
		if done != nil {
			done(failure)
		}
	}

	if s.opts.Latency <= 0 {
		finish()
		return
	}
	time.AfterFunc(s.opts.Latency, finish)
}
