package models

import (
	"fmt"
	"math"
	"sort"
)

// TimeRange is a half-open [Start, End) interval of media time in seconds.
type TimeRange struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
}

// Duration returns the width of the range, or 0 for empty or inverted ranges.
func (r TimeRange) Duration() float64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether position lies inside the range.
func (r TimeRange) Contains(position float64) bool {
	return position >= r.Start && position < r.End
}

// Unbounded returns a range covering all of media time.
func Unbounded() TimeRange {
	return TimeRange{Start: math.Inf(-1), End: math.Inf(1)}
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%.3f, %.3f)", r.Start, r.End)
}

// TimeRanges is an ordered list of disjoint ranges, the shape in which a sink
// reports what it has buffered.
type TimeRanges []TimeRange

// Clone returns an independent copy.
func (rs TimeRanges) Clone() TimeRanges {
	if rs == nil {
		return nil
	}
	out := make(TimeRanges, len(rs))
	copy(out, rs)
	return out
}

// Add returns the union of rs and r. Touching ranges are merged.
func (rs TimeRanges) Add(r TimeRange) TimeRanges {
	if r.Duration() == 0 {
		return rs.Clone()
	}
	out := make(TimeRanges, 0, len(rs)+1)
	inserted := false
	for _, cur := range rs {
		switch {
		case cur.End < r.Start:
			out = append(out, cur)
		case r.End < cur.Start:
			if !inserted {
				out = append(out, r)
				inserted = true
			}
			out = append(out, cur)
		default:
			r.Start = math.Min(r.Start, cur.Start)
			r.End = math.Max(r.End, cur.End)
		}
	}
	if !inserted {
		out = append(out, r)
		sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	}
	return out
}

// Subtract returns rs with r cut out of it.
func (rs TimeRanges) Subtract(r TimeRange) TimeRanges {
	if r.Duration() == 0 {
		return rs.Clone()
	}
	out := make(TimeRanges, 0, len(rs)+1)
	for _, cur := range rs {
		if cur.End <= r.Start || cur.Start >= r.End {
			out = append(out, cur)
			continue
		}
		if cur.Start < r.Start {
			out = append(out, TimeRange{Start: cur.Start, End: r.Start})
		}
		if cur.End > r.End {
			out = append(out, TimeRange{Start: r.End, End: cur.End})
		}
	}
	return out
}

// IndexOf returns the index of the range containing position, or -1.
func (rs TimeRanges) IndexOf(position float64) int {
	for i, r := range rs {
		if r.Contains(position) {
			return i
		}
	}
	return -1
}
