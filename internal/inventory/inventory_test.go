package inventory

import (
	"fmt"
	"math"
	"math/rand"
	"mediabuf/internal/config"
	"mediabuf/internal/logger"
	"mediabuf/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = config.InventoryConfig{MinChunkSize: 0.005, EdgeTolerance: 0.4}

type anomalyRecorder struct {
	anomalies []Anomaly
}

func (r *anomalyRecorder) record(a Anomaly) {
	r.anomalies = append(r.anomalies, a)
}

func (r *anomalyRecorder) kinds() []AnomalyKind {
	var kinds []AnomalyKind
	for _, a := range r.anomalies {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func newTestInventory() (*Inventory, *anomalyRecorder) {
	rec := &anomalyRecorder{}
	return New(testConfig, logger.Nop(), rec.record), rec
}

func segment(id string) models.ContentDescriptor {
	return models.ContentDescriptor{
		PeriodID:         "p0",
		TrackID:          "video",
		RepresentationID: "720p",
		SegmentID:        id,
	}
}

// span is a compact view of a chunk for assertions.
type span struct {
	Start, End float64
	Segment    string
}

func spans(chunks []Chunk) []span {
	out := make([]span, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, span{Start: c.Start, End: c.End, Segment: c.Content.SegmentID})
	}
	return out
}

func assertWellFormed(t *testing.T, chunks []Chunk) {
	t.Helper()
	for i, c := range chunks {
		require.Less(t, c.Start, c.End, "chunk %d has no duration", i)
		if i > 0 {
			require.LessOrEqual(t, chunks[i-1].End, c.Start, "chunks %d and %d overlap", i-1, i)
		}
	}
}

func TestInventory_InsertTopologies(t *testing.T) {
	tests := []struct {
		name       string
		start, end float64
		expected   []span
	}{
		{
			name:     "before",
			start:    0,
			end:      5,
			expected: []span{{0, 5, "x"}, {10, 20, "a"}},
		},
		{
			name:     "after",
			start:    25,
			end:      30,
			expected: []span{{10, 20, "a"}, {25, 30, "x"}},
		},
		{
			name:     "touching end",
			start:    20,
			end:      24,
			expected: []span{{10, 20, "a"}, {20, 24, "x"}},
		},
		{
			name:     "same range",
			start:    10,
			end:      20,
			expected: []span{{10, 20, "x"}},
		},
		{
			name:     "superset",
			start:    5,
			end:      25,
			expected: []span{{5, 25, "x"}},
		},
		{
			name:     "subset",
			start:    12,
			end:      15,
			expected: []span{{10, 12, "a"}, {12, 15, "x"}, {15, 20, "a"}},
		},
		{
			name:     "overlaps end",
			start:    15,
			end:      25,
			expected: []span{{10, 15, "a"}, {15, 25, "x"}},
		},
		{
			name:     "overlaps start",
			start:    5,
			end:      15,
			expected: []span{{5, 15, "x"}, {15, 20, "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, rec := newTestInventory()
			inv.Insert(segment("a"), 10, 20, true, true)
			inv.Insert(segment("x"), tt.start, tt.end, true, true)

			chunks := inv.Snapshot()
			assert.Equal(t, tt.expected, spans(chunks))
			assertWellFormed(t, chunks)
			assert.Empty(t, rec.anomalies)
		})
	}
}

func TestInventory_InsertInsideSplitsExisting(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0, 20, true, true)
	inv.Insert(segment("b"), 5, 15, false, true)

	chunks := inv.Snapshot()
	require.Len(t, chunks, 3)
	assert.Equal(t, []span{{0, 5, "a"}, {5, 15, "b"}, {15, 20, "a"}}, spans(chunks))

	// The cut edges are only as precise as the new chunk's edges.
	assert.True(t, chunks[0].PreciseStart)
	assert.False(t, chunks[0].PreciseEnd)
	assert.True(t, chunks[2].PreciseStart)
	assert.True(t, chunks[2].PreciseEnd)
}

func TestInventory_InsertSpanningSeveralChunks(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)
	inv.Insert(segment("b"), 4, 8, true, true)
	inv.Insert(segment("c"), 8, 12, true, true)
	inv.Insert(segment("d"), 12, 16, true, true)

	inv.Insert(segment("x"), 2, 13, true, true)

	assert.Equal(t, []span{{0, 2, "a"}, {2, 13, "x"}, {13, 16, "d"}}, spans(inv.Snapshot()))
}

func TestInventory_InsertRejectsInvalidChunks(t *testing.T) {
	inv, rec := newTestInventory()
	inv.Insert(segment("a"), 4, 4, true, true)
	inv.Insert(segment("b"), 8, 4, true, true)
	inv.Insert(segment("c"), math.NaN(), 4, true, true)

	assert.Zero(t, inv.Len())
	assert.Equal(t, []AnomalyKind{AnomalyInvalidChunk, AnomalyInvalidChunk, AnomalyInvalidChunk}, rec.kinds())
}

func TestInventory_InsertIgnoresInitContent(t *testing.T) {
	inv, rec := newTestInventory()
	initDesc := segment("")
	initDesc.IsInit = true

	inv.Insert(initDesc, 0, 4, true, true)
	inv.CompleteSegment(initDesc)

	assert.Zero(t, inv.Len())
	assert.Empty(t, rec.anomalies)
}

func TestInventory_InsertClampsNeighbourEstimates(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0, 4, false, false)
	inv.Insert(segment("b"), 4.2, 8, true, true)
	inv.SynchronizeBuffered(models.TimeRanges{{Start: 0, End: 8}})

	chunks := inv.Snapshot()
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[0].BufferedEnd)
	assert.Equal(t, 4.2, *chunks[0].BufferedEnd)

	inv.Insert(segment("x"), 4.1, 4.2, true, true)

	chunks = inv.Snapshot()
	require.Len(t, chunks, 3)
	assert.Equal(t, 4.1, *chunks[0].BufferedEnd)
	assert.Equal(t, 4.2, *chunks[2].BufferedStart)
}

func TestInventory_CompleteSegmentMergesChunks(t *testing.T) {
	inv, rec := newTestInventory()
	inv.Insert(segment("a"), 0, 1, true, false)
	inv.Insert(segment("a"), 1, 2, false, false)
	inv.Insert(segment("a"), 2, 4, false, true)
	inv.Insert(segment("b"), 4, 6, true, false)

	inv.CompleteSegment(segment("a"))

	chunks := inv.Snapshot()
	require.Len(t, chunks, 2)
	assert.Equal(t, []span{{0, 4, "a"}, {4, 6, "b"}}, spans(chunks))
	assert.True(t, chunks[0].IsComplete)
	assert.True(t, chunks[0].PreciseStart)
	assert.True(t, chunks[0].PreciseEnd)
	assert.False(t, chunks[0].Split)
	assert.False(t, chunks[1].IsComplete)
	assert.Empty(t, rec.anomalies)
}

func TestInventory_CompleteSegmentNotFound(t *testing.T) {
	inv, rec := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)

	inv.CompleteSegment(segment("gone"))

	require.Len(t, rec.anomalies, 1)
	assert.Equal(t, AnomalyNotFound, rec.anomalies[0].Kind)
	assert.Equal(t, segment("gone"), rec.anomalies[0].Content)
	assert.Equal(t, []span{{0, 4, "a"}}, spans(inv.Snapshot()))
}

func TestInventory_CompleteSegmentSplit(t *testing.T) {
	inv, rec := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)
	inv.Insert(segment("b"), 1, 2, true, true)

	inv.CompleteSegment(segment("a"))

	chunks := inv.Snapshot()
	require.Len(t, chunks, 3)
	assert.Equal(t, []span{{0, 1, "a"}, {1, 2, "b"}, {2, 4, "a"}}, spans(chunks))
	for _, i := range []int{0, 2} {
		assert.True(t, chunks[i].IsComplete)
		assert.True(t, chunks[i].Split)
	}
	assert.Equal(t, []AnomalyKind{AnomalySplitSegment}, rec.kinds())
}

func TestInventory_SynchronizeContiguousCompleteSegments(t *testing.T) {
	inv, rec := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)
	inv.CompleteSegment(segment("a"))
	inv.Insert(segment("b"), 4, 8, true, true)
	inv.CompleteSegment(segment("b"))

	inv.SynchronizeBuffered(models.TimeRanges{{Start: 0, End: 8}})

	chunks := inv.Snapshot()
	require.Len(t, chunks, 2)
	assertWellFormed(t, chunks)
	assert.Equal(t, []span{{0, 4, "a"}, {4, 8, "b"}}, spans(chunks))
	assert.Equal(t, chunks[0].End, chunks[1].Start)
	for _, c := range chunks {
		assert.True(t, c.IsComplete)
		require.NotNil(t, c.BufferedStart)
		require.NotNil(t, c.BufferedEnd)
	}
	assert.Equal(t, 0.0, *chunks[0].BufferedStart)
	assert.Equal(t, 4.0, *chunks[0].BufferedEnd)
	assert.Equal(t, 4.0, *chunks[1].BufferedStart)
	assert.Equal(t, 8.0, *chunks[1].BufferedEnd)
	assert.Empty(t, rec.anomalies)
}

func TestInventory_SynchronizeDropsEvictedChunks(t *testing.T) {
	inv, _ := newTestInventory()
	for i := 0; i < 5; i++ {
		inv.Insert(segment(fmt.Sprint(i)), float64(i*4), float64(i*4+4), true, true)
	}

	// Segments 0 and 3 were reclaimed by the sink.
	inv.SynchronizeBuffered(models.TimeRanges{{Start: 4, End: 12}, {Start: 16, End: 20}})

	assert.Equal(t, []span{{4, 8, "1"}, {8, 12, "2"}, {16, 20, "4"}}, spans(inv.Snapshot()))
}

func TestInventory_SynchronizeDropsEverythingWhenEmpty(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)

	inv.SynchronizeBuffered(nil)

	assert.Zero(t, inv.Len())
}

func TestInventory_SynchronizeIgnoresTinyRanges(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)
	inv.Insert(segment("b"), 10, 14, true, true)

	inv.SynchronizeBuffered(models.TimeRanges{{Start: 0, End: 4}, {Start: 6, End: 6.001}, {Start: 10, End: 14}})

	assert.Equal(t, []span{{0, 4, "a"}, {10, 14, "b"}}, spans(inv.Snapshot()))
}

func TestInventory_SynchronizePromotesEdgesWithinTolerance(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0.1, 3.9, false, false)

	inv.SynchronizeBuffered(models.TimeRanges{{Start: 0, End: 4}})

	chunks := inv.Snapshot()
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.True(t, c.PreciseStart)
	assert.True(t, c.PreciseEnd)
	assert.Equal(t, 0.0, c.Start)
	assert.Equal(t, 4.0, c.End)
}

func TestInventory_SynchronizeKeepsDistantEdgesImprecise(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 2, 4, false, false)

	// Untracked data surrounds the chunk.
	inv.SynchronizeBuffered(models.TimeRanges{{Start: 0, End: 8}})

	chunks := inv.Snapshot()
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.False(t, c.PreciseStart)
	assert.False(t, c.PreciseEnd)
	assert.Equal(t, 2.0, *c.BufferedStart)
	assert.Equal(t, 4.0, *c.BufferedEnd)
}

func TestInventory_SynchronizeTracksPartialEviction(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)
	inv.Insert(segment("b"), 4, 8, true, true)

	inv.SynchronizeBuffered(models.TimeRanges{{Start: 1, End: 6}})

	chunks := inv.Snapshot()
	require.Len(t, chunks, 2)
	assert.Equal(t, 1.0, *chunks[0].BufferedStart)
	assert.Equal(t, 6.0, *chunks[1].BufferedEnd)
	// Precise edges are not moved by partial eviction.
	assert.Equal(t, 0.0, chunks[0].Start)
	assert.Equal(t, 8.0, chunks[1].End)
}

func TestInventory_SynchronizeIsIdempotent(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0.2, 4, false, true)
	inv.Insert(segment("b"), 4, 8, true, false)
	inv.Insert(segment("c"), 10, 14, false, false)
	inv.CompleteSegment(segment("a"))

	ranges := models.TimeRanges{{Start: 0, End: 6}, {Start: 10.1, End: 14.3}}
	inv.SynchronizeBuffered(ranges)
	first := inv.Snapshot()
	inv.SynchronizeBuffered(ranges)

	assert.Equal(t, first, inv.Snapshot())
}

// TestInventory_RandomOperations drives the inventory with random inserts,
// completions, and synchronizations on a whole-second grid, checking ordering
// after every step and idempotence of every synchronization.
func TestInventory_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		inv, _ := newTestInventory()
		var buffered models.TimeRanges

		for step := 0; step < 60; step++ {
			switch op := rng.Intn(10); {
			case op < 6:
				start := float64(rng.Intn(60))
				end := start + float64(1+rng.Intn(6))
				id := fmt.Sprint(rng.Intn(12))
				inv.Insert(segment(id), start, end, rng.Intn(2) == 0, rng.Intn(2) == 0)
				buffered = buffered.Add(models.TimeRange{Start: start, End: end})

			case op < 8:
				inv.CompleteSegment(segment(fmt.Sprint(rng.Intn(12))))

			default:
				if rng.Intn(2) == 0 {
					start := float64(rng.Intn(60))
					buffered = buffered.Subtract(models.TimeRange{Start: start, End: start + float64(1+rng.Intn(8))})
				}
				inv.SynchronizeBuffered(buffered)
				once := inv.Snapshot()
				inv.SynchronizeBuffered(buffered)
				require.Equal(t, once, inv.Snapshot(), "run %d step %d: synchronization is not idempotent", run, step)
			}

			assertWellFormed(t, inv.Snapshot())
		}
	}
}

func TestInventory_ResetAndSnapshotIsolation(t *testing.T) {
	inv, _ := newTestInventory()
	inv.Insert(segment("a"), 0, 4, true, true)
	inv.SynchronizeBuffered(models.TimeRanges{{Start: 0, End: 4}})

	snap := inv.Snapshot()
	*snap[0].BufferedEnd = 100
	snap[0].End = 100

	again := inv.Snapshot()
	assert.Equal(t, 4.0, again[0].End)
	assert.Equal(t, 4.0, *again[0].BufferedEnd)

	inv.Reset()
	assert.Zero(t, inv.Len())
}

func TestAnomalyKind_String(t *testing.T) {
	assert.Equal(t, "invalid-chunk", AnomalyInvalidChunk.String())
	assert.Equal(t, "completed-segment-not-found", AnomalyNotFound.String())
	assert.Equal(t, "completed-segment-split", AnomalySplitSegment.String())
	assert.Equal(t, "anomaly(9)", AnomalyKind(9).String())
}
