package queue

import (
	"fmt"
	"mediabuf/internal/models"
)

// Operation is a mutation request against the sink. It is one of Push,
// Remove or EndOfSegment.
type Operation interface {
	fmt.Stringer
	operation()
}

// Push writes a chunk of a segment, preceded by its initialization data when
// that data is not already the last one written.
type Push struct {
	Content models.ContentDescriptor
	// Init is written before Media unless it is the very same *InitSegment
	// as the last one written.
	Init  *models.InitSegment
	Media []byte

	Codec           string
	TimestampOffset float64
	// AppendWindow bounds what the sink keeps. Nil leaves it open; use
	// math.Inf for a single open edge.
	AppendWindow *models.TimeRange

	// Range is the estimated presentation range covered by Media. It is what
	// gets recorded in the inventory once the write settles.
	Range        *models.TimeRange
	PreciseStart bool
	PreciseEnd   bool
}

// Remove discards [Start, End) from the sink.
type Remove struct {
	Start float64
	End   float64
}

// EndOfSegment records that every chunk of Content has been pushed.
type EndOfSegment struct {
	Content models.ContentDescriptor
}

func (Push) operation()         {}
func (Remove) operation()       {}
func (EndOfSegment) operation() {}

func (p Push) appendWindow() (start, end float64) {
	if p.AppendWindow == nil {
		w := models.Unbounded()
		return w.Start, w.End
	}
	return p.AppendWindow.Start, p.AppendWindow.End
}

func (p Push) String() string {
	if p.Range == nil {
		return fmt.Sprintf("push(%s)", p.Content)
	}
	return fmt.Sprintf("push(%s %s)", p.Content, p.Range)
}

func (r Remove) String() string {
	return fmt.Sprintf("remove([%.3f, %.3f))", r.Start, r.End)
}

func (e EndOfSegment) String() string {
	return fmt.Sprintf("end-of-segment(%s)", e.Content)
}

type stepKind int

const (
	stepInit stepKind = iota
	stepMedia
	stepRemove
)

func (k stepKind) String() string {
	switch k {
	case stepInit:
		return "init"
	case stepMedia:
		return "media"
	default:
		return "remove"
	}
}

// steps lists the physical sink calls an operation needs, in order.
func steps(op Operation) []stepKind {
	switch op := op.(type) {
	case Push:
		var out []stepKind
		if op.Init != nil {
			out = append(out, stepInit)
		}
		if len(op.Media) > 0 {
			out = append(out, stepMedia)
		}
		return out
	case Remove:
		return []stepKind{stepRemove}
	default:
		return nil
	}
}

// kindOf names the variant of op for metrics.
func kindOf(op Operation) string {
	switch op.(type) {
	case Push:
		return "push"
	case Remove:
		return "remove"
	case EndOfSegment:
		return "end_of_segment"
	default:
		return "unknown"
	}
}
