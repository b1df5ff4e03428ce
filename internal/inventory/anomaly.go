package inventory

import (
	"fmt"
	"mediabuf/internal/models"
)

// AnomalyKind classifies an inventory anomaly.
type AnomalyKind int

const (
	// AnomalyInvalidChunk is reported when a chunk with a zero, negative or
	// non-numeric duration is offered for insertion. The chunk is ignored.
	AnomalyInvalidChunk AnomalyKind = iota
	// AnomalyNotFound is reported when a segment is completed but none of its
	// chunks are in the inventory anymore, usually because the sink evicted
	// them before completion was recorded.
	AnomalyNotFound
	// AnomalySplitSegment is reported when a completed segment's chunks are
	// not contiguous in the inventory.
	AnomalySplitSegment
)

func (k AnomalyKind) String() string {
	switch k {
	case AnomalyInvalidChunk:
		return "invalid-chunk"
	case AnomalyNotFound:
		return "completed-segment-not-found"
	case AnomalySplitSegment:
		return "completed-segment-split"
	default:
		return fmt.Sprintf("anomaly(%d)", int(k))
	}
}

// Anomaly describes an inventory inconsistency. Anomalies are never returned
// as errors: the inventory is a best-effort model of an external resource.
type Anomaly struct {
	Kind    AnomalyKind
	Content models.ContentDescriptor
	Detail  string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s (%s): %s", a.Kind, a.Content, a.Detail)
}

// AnomalyFunc receives anomalies as they are detected.
type AnomalyFunc func(Anomaly)
