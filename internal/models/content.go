package models

import "fmt"

// ContentDescriptor identifies where a segment sits in the content hierarchy.
// It is used as an opaque comparison key and is never mutated after creation.
type ContentDescriptor struct {
	// PeriodID is the ID of the period the segment belongs to.
	PeriodID string `yaml:"period_id"`
	// TrackID is the ID of the track (adaptation set) within the period.
	TrackID string `yaml:"track_id"`
	// RepresentationID is the ID of the quality/representation within the track.
	RepresentationID string `yaml:"representation_id"`
	// SegmentID is a unique identifier for the segment, often derived from its start time.
	SegmentID string `yaml:"segment_id"`
	// IsInit indicates if this is an initialization segment.
	IsInit bool `yaml:"init,omitempty"`
}

// Equal reports whether both descriptors point to the same segment.
func (c ContentDescriptor) Equal(other ContentDescriptor) bool {
	return c == other
}

// String returns a compact representation used in log lines.
func (c ContentDescriptor) String() string {
	if c.IsInit {
		return fmt.Sprintf("%s/%s/%s/init", c.PeriodID, c.TrackID, c.RepresentationID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", c.PeriodID, c.TrackID, c.RepresentationID, c.SegmentID)
}

// InitSegment is an initialization payload. Two pushes share an init segment
// only if they carry the same pointer.
type InitSegment struct {
	ID   string
	Data []byte
}
