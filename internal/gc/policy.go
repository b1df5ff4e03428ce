// Package gc evicts buffered media that falls outside the window kept around
// the playback position.
package gc

import (
	"math"
	"mediabuf/internal/models"
)

// SelectRanges returns the ranges to remove so that only
// [position-behind, position+ahead) is kept. Pass math.Inf(1) for an
// unbounded side. The range containing position (the inner range) loses its
// parts outside the window; every other range is removed entirely or trimmed
// to the window. Empty results are dropped, overlaps are not merged.
func SelectRanges(position float64, buffered models.TimeRanges, behind, ahead float64) []models.TimeRange {
	if math.IsInf(behind, 1) && math.IsInf(ahead, 1) {
		return nil
	}
	low := position - behind
	high := position + ahead

	var out []models.TimeRange
	add := func(start, end float64) {
		if end > start {
			out = append(out, models.TimeRange{Start: start, End: end})
		}
	}

	for _, r := range buffered {
		if r.Contains(position) {
			add(r.Start, math.Min(r.End, low))
			add(math.Max(r.Start, high), r.End)
			continue
		}

		switch {
		case r.End <= low || r.Start >= high:
			add(r.Start, r.End)
		case r.End <= position:
			// Trailing range straddling the window start.
			add(r.Start, low)
		default:
			// Leading range straddling the window end.
			add(high, r.End)
		}
	}
	return out
}
