// Package sink defines the media sink capability the buffer core writes to,
// along with an in-memory implementation used by the playback harness and tests.
package sink

import (
	"errors"
	"mediabuf/internal/models"
)

var (
	// ErrBusy is returned when a call arrives while a previous one is still settling.
	ErrBusy = errors.New("sink is busy")
	// ErrCodecUnsupported is returned when the sink cannot switch to the requested codec.
	ErrCodecUnsupported = errors.New("codec not supported by sink")
	// ErrClosed is returned by calls made after the sink was closed.
	ErrClosed = errors.New("sink is closed")
)

// CompletionFunc is invoked exactly once when an accepted call settles.
// A nil error means the call succeeded.
type CompletionFunc func(err error)

// WriteRequest carries one physical write and the sink state it needs.
type WriteRequest struct {
	Data []byte
	// Codec is the full mime type with codecs. The sink switches codec before
	// writing when it differs from the current one.
	Codec           string
	TimestampOffset float64
	// AppendWindowStart and AppendWindowEnd bound what the sink keeps from
	// Data. Use math.Inf for an open edge.
	AppendWindowStart float64
	AppendWindowEnd   float64
	// Range is the presentation range the data is expected to cover, for sinks
	// that cannot parse the container themselves. Nil for initialization data.
	Range *models.TimeRange
}

// Sink is the append/remove-capable storage the buffer core keeps track of.
//
// Write and Remove either return an error, in which case done is never
// called, or accept the call and invoke done once it settles (synchronously
// or later). IsBusy must report true from an accepted call until done runs.
type Sink interface {
	// IsBusy reports whether an accepted call is still settling.
	IsBusy() bool

	// Write appends media data.
	Write(req WriteRequest, done CompletionFunc) error

	// Remove discards whatever the sink holds in [start, end).
	Remove(start, end float64, done CompletionFunc) error

	// Buffered returns the ranges the sink currently holds, ordered and disjoint.
	Buffered() models.TimeRanges
}
