// Package inventory keeps an ordered, non-overlapping index of the media
// chunks believed to be held by a sink, and reconciles it with what the sink
// actually reports.
package inventory

import (
	"fmt"
	"math"
	"mediabuf/internal/config"
	"mediabuf/internal/logger"
	"mediabuf/internal/models"
	"sync"
)

// Chunk is one contiguous interval of buffered media tied to one segment, or
// a fragment of it.
type Chunk struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
	// BufferedStart and BufferedEnd are the best estimates of where the sink's
	// stored data for this chunk begins and ends. Nil means unknown.
	BufferedStart *float64 `yaml:"buffered_start,omitempty"`
	BufferedEnd   *float64 `yaml:"buffered_end,omitempty"`
	PreciseStart  bool     `yaml:"precise_start"`
	PreciseEnd    bool     `yaml:"precise_end"`
	IsComplete    bool     `yaml:"complete"`
	// Split is set on a completed segment whose chunks were not contiguous.
	Split   bool                     `yaml:"split,omitempty"`
	Content models.ContentDescriptor `yaml:"content"`
}

// Duration returns End - Start.
func (c Chunk) Duration() float64 {
	return c.End - c.Start
}

func (c Chunk) bufferedStartOrStart() float64 {
	if c.BufferedStart != nil {
		return *c.BufferedStart
	}
	return c.Start
}

func (c Chunk) bufferedEndOrEnd() float64 {
	if c.BufferedEnd != nil {
		return *c.BufferedEnd
	}
	return c.End
}

func (c Chunk) clone() Chunk {
	if c.BufferedStart != nil {
		c.BufferedStart = ptr(*c.BufferedStart)
	}
	if c.BufferedEnd != nil {
		c.BufferedEnd = ptr(*c.BufferedEnd)
	}
	return c
}

func ptr(v float64) *float64 {
	return &v
}

// Inventory is the index of chunks believed to be buffered. Chunks are kept
// sorted by Start and never overlap between calls. It is safe for concurrent
// use, though it is meant to be mutated by a single owner.
type Inventory struct {
	cfg       config.InventoryConfig
	logger    logger.Logger
	onAnomaly AnomalyFunc

	mutex  sync.RWMutex
	chunks []Chunk
}

// New creates an empty inventory. onAnomaly may be nil.
func New(cfg config.InventoryConfig, log logger.Logger, onAnomaly AnomalyFunc) *Inventory {
	if log == nil {
		log = logger.Nop()
	}
	return &Inventory{
		cfg:       cfg,
		logger:    log.With("component", "inventory"),
		onAnomaly: onAnomaly,
	}
}

// Snapshot returns a copy of the chunks in order. It is not updated by later calls.
func (inv *Inventory) Snapshot() []Chunk {
	inv.mutex.RLock()
	defer inv.mutex.RUnlock()
	out := make([]Chunk, len(inv.chunks))
	for i, c := range inv.chunks {
		out[i] = c.clone()
	}
	return out
}

// Len returns the number of chunks.
func (inv *Inventory) Len() int {
	inv.mutex.RLock()
	defer inv.mutex.RUnlock()
	return len(inv.chunks)
}

// Reset empties the inventory.
func (inv *Inventory) Reset() {
	inv.mutex.Lock()
	defer inv.mutex.Unlock()
	inv.chunks = nil
}

// Insert records a freshly written chunk of content covering [start, end).
// Existing chunks overlapping it are replaced, clipped or split so that the
// inventory stays free of overlaps. Initialization content is not tracked.
func (inv *Inventory) Insert(content models.ContentDescriptor, start, end float64, preciseStart, preciseEnd bool) {
	if content.IsInit {
		return
	}
	if math.IsNaN(start) || math.IsNaN(end) || end <= start {
		inv.report(Anomaly{
			Kind:    AnomalyInvalidChunk,
			Content: content,
			Detail:  fmt.Sprintf("refusing to insert chunk [%v, %v)", start, end),
		})
		return
	}

	inserted := Chunk{
		Start:        start,
		End:          end,
		PreciseStart: preciseStart,
		PreciseEnd:   preciseEnd,
		Content:      content,
	}

	inv.mutex.Lock()
	defer inv.mutex.Unlock()

	out := make([]Chunk, 0, len(inv.chunks)+2)
	placed := false
	place := func() {
		if !placed {
			out = append(out, inserted)
			placed = true
		}
	}

	for _, c := range inv.chunks {
		switch {
		case c.End <= start:
			// Entirely before. Its buffered estimate may not reach into the new chunk.
			if c.BufferedEnd != nil && *c.BufferedEnd > start {
				c.BufferedEnd = ptr(start)
			}
			out = append(out, c)

		case c.Start >= end:
			// Entirely after.
			if c.BufferedStart != nil && *c.BufferedStart < end {
				c.BufferedStart = ptr(end)
			}
			place()
			out = append(out, c)

		case c.Start < start && c.End > end:
			// The new chunk sits inside c: split c around it.
			before, after := c, c
			before.End = start
			before.BufferedEnd = nil
			before.PreciseEnd = c.PreciseEnd && preciseStart
			after.Start = end
			after.BufferedStart = nil
			after.PreciseStart = c.PreciseStart && preciseEnd
			inv.logger.Debugf("Splitting %s [%.3f, %.3f) around %s [%.3f, %.3f)",
				c.Content, c.Start, c.End, content, start, end)
			out = append(out, before)
			place()
			out = append(out, after)

		case c.Start < start:
			// c overlaps the new chunk's start: keep its head.
			c.End = start
			c.BufferedEnd = nil
			c.PreciseEnd = c.PreciseEnd && preciseStart
			out = append(out, c)

		case c.End > end:
			// c overlaps the new chunk's end: keep its tail.
			c.Start = end
			c.BufferedStart = nil
			c.PreciseStart = c.PreciseStart && preciseEnd
			place()
			out = append(out, c)

		default:
			// c lies within [start, end): replaced.
			inv.logger.Debugf("Replacing %s [%.3f, %.3f) with %s", c.Content, c.Start, c.End, content)
		}
	}
	place()

	inv.chunks = out
}

// CompleteSegment marks content as fully written. Consecutive chunks of the
// segment are merged into one. If the segment's chunks are not contiguous,
// every run is completed on its own and flagged as split.
func (inv *Inventory) CompleteSegment(content models.ContentDescriptor) {
	if content.IsInit {
		return
	}

	inv.mutex.Lock()
	out := make([]Chunk, 0, len(inv.chunks))
	var runs []int
	for i := 0; i < len(inv.chunks); {
		c := inv.chunks[i]
		if !c.Content.Equal(content) {
			out = append(out, c)
			i++
			continue
		}

		merged := c
		j := i + 1
		for ; j < len(inv.chunks) && inv.chunks[j].Content.Equal(content); j++ {
			last := inv.chunks[j]
			merged.End = last.End
			merged.BufferedEnd = last.BufferedEnd
			merged.PreciseEnd = last.PreciseEnd
		}
		merged.IsComplete = true
		runs = append(runs, len(out))
		out = append(out, merged)
		i = j
	}

	if len(runs) > 1 {
		for _, idx := range runs {
			out[idx].Split = true
		}
	}
	if len(runs) > 0 {
		inv.chunks = out
	}
	inv.mutex.Unlock()

	switch {
	case len(runs) == 0:
		inv.report(Anomaly{
			Kind:    AnomalyNotFound,
			Content: content,
			Detail:  "completed segment has no chunk in the inventory",
		})
	case len(runs) > 1:
		inv.report(Anomaly{
			Kind:    AnomalySplitSegment,
			Content: content,
			Detail:  fmt.Sprintf("completed segment is split in %d parts", len(runs)),
		})
	default:
		inv.logger.Debugf("Segment %s completed", content)
	}
}

func (inv *Inventory) report(a Anomaly) {
	inv.logger.Warnf("Inventory anomaly: %s", a)
	if inv.onAnomaly != nil {
		inv.onAnomaly(a)
	}
}
