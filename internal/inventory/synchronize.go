package inventory

import (
	"math"
	"mediabuf/internal/models"
)

// SynchronizeBuffered reconciles the inventory with the ranges the sink
// reports as buffered. Both are walked in order:
//   - chunks that fall in a gap between reported ranges were evicted by the
//     sink and are dropped;
//   - the first and last chunk of a range take their buffered edge from the
//     range edge, while contiguous chunks inside a range share edges;
//   - an imprecise edge found within the configured tolerance of the observed
//     edge becomes precise and is snapped onto it.
//
// Ranges narrower than the minimum chunk size are ignored. Calling it twice
// with the same ranges leaves the inventory unchanged the second time.
func (inv *Inventory) SynchronizeBuffered(buffered models.TimeRanges) {
	inv.mutex.Lock()
	defer inv.mutex.Unlock()

	minSize := inv.cfg.MinChunkSize
	chunks := inv.chunks
	kept := make([]Chunk, 0, len(chunks))
	idx := 0

	for ri, r := range buffered {
		if idx >= len(chunks) {
			break
		}
		if r.End-r.Start < minSize {
			inv.logger.Debugf("Ignoring buffered range %s: too small", r)
			continue
		}

		// Everything ending before this range is gone.
		for idx < len(chunks) && chunks[idx].bufferedEndOrEnd()-r.Start < minSize {
			gone := chunks[idx]
			inv.logger.Debugf("Chunk %s [%.3f, %.3f) was garbage collected", gone.Content, gone.Start, gone.End)
			idx++
		}
		if idx >= len(chunks) {
			break
		}

		first := chunks[idx]
		if r.End-first.bufferedStartOrStart() < minSize {
			// The next chunk belongs to a later range.
			continue
		}
		prevEnd := math.Inf(-1)
		if len(kept) > 0 {
			prevEnd = kept[len(kept)-1].End
		}
		inv.guessBufferedStart(&first, r.Start, prevEnd)
		kept = append(kept, first)
		idx++

		nextRangeStart := math.Inf(1)
		if ri+1 < len(buffered) {
			nextRangeStart = buffered[ri+1].Start
		}
		for idx < len(chunks) {
			c := chunks[idx]
			cStart, cEnd := c.bufferedStartOrStart(), c.bufferedEndOrEnd()
			if r.End-cStart < minSize {
				break
			}
			// A chunk mostly held by the next range belongs to it.
			if r.End-cStart < cEnd-nextRangeStart {
				break
			}

			prev := &kept[len(kept)-1]
			if prev.BufferedEnd == nil {
				// Contiguous chunks: the real boundary cannot be observed.
				if c.PreciseStart {
					prev.BufferedEnd = ptr(c.Start)
				} else {
					prev.BufferedEnd = ptr(prev.End)
				}
			}
			c.BufferedStart = ptr(*prev.BufferedEnd)
			kept = append(kept, c)
			idx++
		}

		nextStart := math.Inf(1)
		if idx < len(chunks) {
			nextStart = chunks[idx].Start
		}
		inv.guessBufferedEnd(&kept[len(kept)-1], r.End, nextStart)
	}

	if idx < len(chunks) {
		inv.logger.Debugf("%d trailing chunks were garbage collected", len(chunks)-idx)
	}
	inv.chunks = kept
}

// guessBufferedStart sets the buffered start of the first chunk of a range.
// prevEnd is the end of the chunk kept before it, which a snapped start must
// not cross.
func (inv *Inventory) guessBufferedStart(c *Chunk, rangeStart, prevEnd float64) {
	tolerance := inv.cfg.EdgeTolerance

	switch {
	case c.BufferedStart != nil:
		if *c.BufferedStart < rangeStart {
			inv.logger.Debugf("Chunk %s partially garbage collected at the start (%.3f -> %.3f)",
				c.Content, *c.BufferedStart, rangeStart)
			c.BufferedStart = ptr(rangeStart)
		}
	case c.PreciseStart:
		c.BufferedStart = ptr(math.Max(c.Start, rangeStart))
	case c.Start-rangeStart <= tolerance:
		// Either the true start or a start eaten by the sink.
		c.BufferedStart = ptr(rangeStart)
	default:
		// The range starts well before the chunk: untracked data precedes it.
		c.BufferedStart = ptr(c.Start)
	}

	observed := *c.BufferedStart
	// Only a range edge is an observation of the chunk's own edge.
	if !c.PreciseStart && observed == rangeStart && math.Abs(c.Start-observed) <= tolerance &&
		observed >= prevEnd && observed < c.End {
		c.Start = observed
		c.PreciseStart = true
	}
}

// guessBufferedEnd sets the buffered end of the last chunk of a range.
// nextStart is the start of the following chunk, which a snapped end must not
// cross.
func (inv *Inventory) guessBufferedEnd(c *Chunk, rangeEnd, nextStart float64) {
	tolerance := inv.cfg.EdgeTolerance

	switch {
	case c.BufferedEnd != nil:
		if *c.BufferedEnd > rangeEnd {
			inv.logger.Debugf("Chunk %s partially garbage collected at the end (%.3f -> %.3f)",
				c.Content, *c.BufferedEnd, rangeEnd)
			c.BufferedEnd = ptr(rangeEnd)
		}
	case c.PreciseEnd:
		c.BufferedEnd = ptr(math.Min(c.End, rangeEnd))
	case rangeEnd-c.End <= tolerance:
		c.BufferedEnd = ptr(rangeEnd)
	default:
		// The range goes well past the chunk: untracked data follows it.
		c.BufferedEnd = ptr(c.End)
	}
	if *c.BufferedEnd > nextStart {
		c.BufferedEnd = ptr(nextStart)
	}

	observed := *c.BufferedEnd
	if !c.PreciseEnd && observed == rangeEnd && math.Abs(c.End-observed) <= tolerance &&
		observed <= nextStart && observed > c.Start {
		c.End = observed
		c.PreciseEnd = true
	}
}
