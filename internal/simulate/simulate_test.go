package simulate

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"mediabuf/internal/config"
	"mediabuf/internal/logger"
	"mediabuf/internal/models"
	"mediabuf/internal/segmentbuffer"
	"mediabuf/internal/sink"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Simulation.SegmentCount = 6
	cfg.Simulation.SegmentDuration = 2
	cfg.Simulation.ChunksPerSegment = 2
	cfg.Simulation.BufferGoal = 6
	cfg.Simulation.Tick = time.Millisecond
	cfg.Simulation.PlaybackRate = 200
	cfg.Simulation.SinkLatency = time.Millisecond
	cfg.Simulation.SinkGCProbability = 0
	cfg.GC.WindowBehind = 4
	cfg.GC.PositionThreshold = 1
	return cfg
}

func runSimulation(t *testing.T, cfg config.Config) *Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	report, err := New(cfg, logger.Nop()).Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func TestSimulator_PlaysToTheEnd(t *testing.T) {
	report := runSimulation(t, testConfig())

	_, err := uuid.Parse(report.RunID)
	assert.NoError(t, err)
	assert.Equal(t, 12.0, report.Position)
	assert.Equal(t, 12, report.Pushes)
	assert.Zero(t, report.Failures)
	assert.Zero(t, report.Anomalies)
	assert.Zero(t, report.Sink.Violations)
	assert.Equal(t, 1, report.Sink.CodecChanges)
	assert.Equal(t, `video/mp4;codecs="avc1.64001f"`, report.Codec)
	// One init write, then media only.
	assert.Equal(t, 13, report.Sink.Writes)

	// Everything more than four seconds behind the end was evicted.
	require.NotEmpty(t, report.Buffered)
	assert.Positive(t, report.Sink.Removes)
	for _, r := range report.Buffered {
		assert.GreaterOrEqual(t, r.Start, 8.0)
	}

	for i, c := range report.Inventory {
		assert.Less(t, c.Start, c.End)
		if i > 0 {
			assert.LessOrEqual(t, report.Inventory[i-1].End, c.Start)
		}
	}

	assert.Equal(t, 12.0, report.Metrics[`mediabuf_queue_operations_total{kind="push",status="ok"}`])
	assert.Equal(t, 6.0, report.Metrics[`mediabuf_queue_operations_total{kind="end_of_segment",status="ok"}`])
	assert.Positive(t, report.Metrics["mediabuf_gc_removals_total"])
}

func TestSimulator_SurvivesSinkEvictions(t *testing.T) {
	cfg := testConfig()
	cfg.GC.WindowBehind = 0
	cfg.Simulation.SinkGCProbability = 1
	cfg.Simulation.Seed = 3

	report := runSimulation(t, cfg)

	assert.Equal(t, 12.0, report.Position)
	assert.Positive(t, report.Sink.Evictions)
	assert.Zero(t, report.Sink.Violations)
	for i, c := range report.Inventory {
		assert.Less(t, c.Start, c.End)
		if i > 0 {
			assert.LessOrEqual(t, report.Inventory[i-1].End, c.Start)
		}
	}
}

func TestSimulator_AheadWindowSmallerThanGoal(t *testing.T) {
	for _, ahead := range []float64{2, 3} {
		t.Run(fmt.Sprintf("ahead %.0fs", ahead), func(t *testing.T) {
			cfg := testConfig()
			cfg.GC.WindowAhead = ahead
			cfg.GC.Interval = 20 * time.Millisecond
			cfg.Simulation.SegmentCount = 6

			report := runSimulation(t, cfg)

			assert.Equal(t, 12.0, report.Position)
			assert.Equal(t, 12, report.Pushes)
			assert.Zero(t, report.Failures)
			assert.Zero(t, report.Sink.Violations)
		})
	}
}

func TestPushLead(t *testing.T) {
	assert.Equal(t, 6.0, pushLead(6, math.Inf(1), 2))
	assert.Equal(t, 3.0, pushLead(6, 5, 2))
	assert.Equal(t, 0.0, pushLead(6, 2, 2))
	assert.Equal(t, 4.0, pushLead(4, 10, 2))
}

func TestLongestDuration(t *testing.T) {
	segments, err := expandTimeline([]config.TimelineEntry{{D: 2000, R: 1}, {D: 4000}, {D: 1000}}, 1000)
	require.NoError(t, err)
	assert.Equal(t, 4.0, longestDuration(segments))
}

func TestRun_EvictBehindSparesLongestSegment(t *testing.T) {
	cfg := testConfig()
	memSink := sink.NewMemory(sink.MemoryOptions{})
	require.NoError(t, memSink.Write(sink.WriteRequest{
		Data:              []byte("moof+mdat"),
		AppendWindowStart: math.Inf(-1),
		AppendWindowEnd:   math.Inf(1),
		Range:             &models.TimeRange{Start: 0, End: 8},
	}, func(error) {}))
	buffer := segmentbuffer.New(memSink, cfg, logger.Nop())
	t.Cleanup(buffer.Dispose)

	// Segments last 2s by default, but one of them lasts 4s.
	r := &run{cfg: cfg.Simulation, logger: logger.Nop(), sink: memSink, buffer: buffer, longest: 4}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		r.evictBehind(rng, 6)
	}

	buffered := memSink.Buffered()
	require.Len(t, buffered, 1)
	assert.LessOrEqual(t, buffered[0].Start, 2.0)
	assert.Equal(t, 8.0, buffered[0].End)
	assert.Positive(t, memSink.Stats().Evictions)
}

func TestSimulator_StopsWithContext(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation.PlaybackRate = 0.001

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(cfg, logger.Nop()).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulator_JumpsTimelineGaps(t *testing.T) {
	cfg := testConfig()
	cfg.GC.WindowBehind = 0
	cfg.Simulation.Timeline = []config.TimelineEntry{
		{D: 2000, R: 1},
		{T: 6000, D: 2000, R: 1},
	}

	report := runSimulation(t, cfg)

	assert.Equal(t, 10.0, report.Position)
	assert.Equal(t, 8, report.Pushes)
	assert.Equal(t, 1, report.GapJumps)
	assert.Equal(t, models.TimeRanges{{Start: 0, End: 4}, {Start: 6, End: 10}}, report.Buffered)

	require.Len(t, report.Inventory, 4)
	for i, start := range []float64{0, 2, 6, 8} {
		assert.Equal(t, start, report.Inventory[i].Start)
		assert.True(t, report.Inventory[i].IsComplete)
	}
	assert.Equal(t, "6000", report.Inventory[2].Content.SegmentID)
}

func TestSimulator_RejectsBadTimeline(t *testing.T) {
	cfg := testConfig()
	cfg.Simulation.Timeline = []config.TimelineEntry{{D: 2000, R: 1}, {T: 1000, D: 2000}}

	_, err := New(cfg, logger.Nop()).Run(context.Background())
	assert.ErrorContains(t, err, "building segment timeline")
}
