package simulate

import (
	"fmt"
	"math"
	"mediabuf/internal/config"
	"strconv"
)

// scheduledSegment is one segment of the simulated stream, in seconds.
type scheduledSegment struct {
	ID       string
	Start    float64
	Duration float64
}

func (s scheduledSegment) End() float64 {
	return s.Start + s.Duration
}

// uniformTimeline describes count back-to-back segments of duration seconds.
func uniformTimeline(count int, duration float64, timescale uint64) []config.TimelineEntry {
	return []config.TimelineEntry{{
		D: uint64(math.Round(duration * float64(timescale))),
		R: count - 1,
	}}
}

// expandTimeline flattens a segment timeline into the list of segments it
// describes. Segment IDs are their start times in timeline units.
func expandTimeline(timeline []config.TimelineEntry, timescale uint64) ([]scheduledSegment, error) {
	if timescale == 0 {
		return nil, fmt.Errorf("invalid timescale 0")
	}

	var segments []scheduledSegment
	var currentTime uint64

	for i, s := range timeline {
		// A non-zero T is an absolute start time.
		if s.T > 0 {
			if s.T < currentTime {
				return nil, fmt.Errorf("timeline entry %d starts at %d, before the previous segment ends at %d", i, s.T, currentTime)
			}
			currentTime = s.T
		}
		if s.D == 0 {
			return nil, fmt.Errorf("timeline entry %d has no duration", i)
		}

		for n := 0; n <= s.R; n++ {
			segments = append(segments, scheduledSegment{
				ID:       strconv.FormatUint(currentTime, 10),
				Start:    float64(currentTime) / float64(timescale),
				Duration: float64(s.D) / float64(timescale),
			})
			currentTime += s.D
		}
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("timeline describes no segments")
	}
	return segments, nil
}
