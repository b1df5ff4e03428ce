// Package config provides configuration management for mediabuf using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMinChunkSize            = 0.005
	defaultEdgeTolerance           = 0.4
	defaultLivenessInterval        = time.Second
	defaultAppendWindowStartMargin = 0.2
	defaultAppendWindowEndMargin   = 0.1
	defaultGCInterval              = 5 * time.Second
	defaultGCPositionThreshold     = 1.0
	defaultSegmentDuration         = 4.0
	defaultSegmentCount            = 30
	defaultBufferGoal              = 20.0
	defaultPlaybackRate            = 20.0
	defaultTick                    = 50 * time.Millisecond
	defaultSinkLatency             = 5 * time.Millisecond
	defaultTimescale               = 1000
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Inventory  InventoryConfig  `mapstructure:"inventory" yaml:"inventory"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Buffer     BufferConfig     `mapstructure:"buffer" yaml:"buffer"`
	GC         GCConfig         `mapstructure:"gc" yaml:"gc"`
	Simulation SimulationConfig `mapstructure:"simulation" yaml:"simulation"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// InventoryConfig holds the tolerances used when reconciling the segment
// inventory with what the sink reports.
type InventoryConfig struct {
	// MinChunkSize is the smallest reported range, in seconds, considered to
	// hold real media. Anything narrower is treated as noise.
	MinChunkSize float64 `mapstructure:"min_chunk_size" yaml:"min_chunk_size"`
	// EdgeTolerance is the largest gap, in seconds, between a chunk's declared
	// edge and the observed buffered edge for the two to be considered the same.
	EdgeTolerance float64 `mapstructure:"edge_tolerance" yaml:"edge_tolerance"`
}

// QueueConfig holds operation queue configuration.
type QueueConfig struct {
	// LivenessInterval is how often the queue re-checks the sink's busy state
	// to recover from a missed completion notification.
	LivenessInterval time.Duration `mapstructure:"liveness_interval" yaml:"liveness_interval"`
}

// BufferConfig holds segment buffer configuration.
type BufferConfig struct {
	AppendWindowStartMargin float64 `mapstructure:"append_window_start_margin" yaml:"append_window_start_margin"`
	AppendWindowEndMargin   float64 `mapstructure:"append_window_end_margin" yaml:"append_window_end_margin"`
}

// GCConfig holds the eviction window configuration.
type GCConfig struct {
	// WindowBehind is how many seconds are kept before the playback position.
	// Zero or negative means unbounded.
	WindowBehind float64 `mapstructure:"window_behind" yaml:"window_behind"`
	// WindowAhead is how many seconds are kept after the playback position.
	// Zero or negative means unbounded.
	WindowAhead       float64       `mapstructure:"window_ahead" yaml:"window_ahead"`
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	PositionThreshold float64       `mapstructure:"position_threshold" yaml:"position_threshold"`
}

// Behind returns WindowBehind in seconds, with +Inf for an unbounded window.
func (c GCConfig) Behind() float64 {
	return unboundedIfNotPositive(c.WindowBehind)
}

// Ahead returns WindowAhead in seconds, with +Inf for an unbounded window.
func (c GCConfig) Ahead() float64 {
	return unboundedIfNotPositive(c.WindowAhead)
}

func unboundedIfNotPositive(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}

// SimulationConfig drives the synthetic playback harness.
type SimulationConfig struct {
	PeriodID         string        `mapstructure:"period_id" yaml:"period_id"`
	TrackID          string        `mapstructure:"track_id" yaml:"track_id"`
	RepresentationID string        `mapstructure:"representation_id" yaml:"representation_id"`
	Codec            string        `mapstructure:"codec" yaml:"codec"`
	SegmentDuration  float64       `mapstructure:"segment_duration" yaml:"segment_duration"`
	SegmentCount     int           `mapstructure:"segment_count" yaml:"segment_count"`
	// ChunksPerSegment splits every segment into that many pushes.
	ChunksPerSegment int     `mapstructure:"chunks_per_segment" yaml:"chunks_per_segment"`
	BufferGoal       float64 `mapstructure:"buffer_goal" yaml:"buffer_goal"`
	// PlaybackRate is how many media seconds elapse per wall-clock second.
	PlaybackRate     float64       `mapstructure:"playback_rate" yaml:"playback_rate"`
	Tick             time.Duration `mapstructure:"tick" yaml:"tick"`
	SinkLatency      time.Duration `mapstructure:"sink_latency" yaml:"sink_latency"`
	// SinkGCProbability is the chance, per tick, that the simulated sink
	// silently drops data behind the playhead.
	SinkGCProbability float64 `mapstructure:"sink_gc_probability" yaml:"sink_gc_probability"`
	Seed              int64   `mapstructure:"seed" yaml:"seed"`

	// Timescale is the number of timeline units per second.
	Timescale uint64 `mapstructure:"timescale" yaml:"timescale"`
	// Timeline, when set, replaces segment_count and segment_duration.
	Timeline []TimelineEntry `mapstructure:"timeline" yaml:"timeline,omitempty"`
}

// TimelineEntry describes a segment starting at T and lasting D, repeated R
// more times back to back. A zero T continues from the previous segment.
type TimelineEntry struct {
	T uint64 `mapstructure:"t" yaml:"t,omitempty"`
	D uint64 `mapstructure:"d" yaml:"d"`
	R int    `mapstructure:"r" yaml:"r,omitempty"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MEDIABUF_ and use underscores for nesting.
// Example: MEDIABUF_GC_WINDOW_BEHIND=30.
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil, nil)
}

// LoadWithFlags is Load with command-line flags layered on top. bindings maps
// configuration keys to flag names; only flags set explicitly override the
// file and environment.
func LoadWithFlags(configPath string, flags *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("mediabuf")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mediabuf")
	}

	v.SetEnvPrefix("MEDIABUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK, defaults and env vars still apply.
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if flags != nil {
		for key, name := range bindings {
			flag := flags.Lookup(name)
			if flag == nil {
				return nil, fmt.Errorf("binding %s: unknown flag --%s", key, name)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("binding %s to --%s: %w", key, name, err)
			}
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration made only of default values.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("inventory.min_chunk_size", defaultMinChunkSize)
	v.SetDefault("inventory.edge_tolerance", defaultEdgeTolerance)

	v.SetDefault("queue.liveness_interval", defaultLivenessInterval)

	v.SetDefault("buffer.append_window_start_margin", defaultAppendWindowStartMargin)
	v.SetDefault("buffer.append_window_end_margin", defaultAppendWindowEndMargin)

	v.SetDefault("gc.window_behind", 0.0)
	v.SetDefault("gc.window_ahead", 0.0)
	v.SetDefault("gc.interval", defaultGCInterval)
	v.SetDefault("gc.position_threshold", defaultGCPositionThreshold)

	v.SetDefault("simulation.period_id", "p0")
	v.SetDefault("simulation.track_id", "video")
	v.SetDefault("simulation.representation_id", "video-720p")
	v.SetDefault("simulation.codec", `video/mp4;codecs="avc1.64001f"`)
	v.SetDefault("simulation.segment_duration", defaultSegmentDuration)
	v.SetDefault("simulation.segment_count", defaultSegmentCount)
	v.SetDefault("simulation.buffer_goal", defaultBufferGoal)
	v.SetDefault("simulation.chunks_per_segment", 2)
	v.SetDefault("simulation.playback_rate", defaultPlaybackRate)
	v.SetDefault("simulation.tick", defaultTick)
	v.SetDefault("simulation.sink_latency", defaultSinkLatency)
	v.SetDefault("simulation.sink_gc_probability", 0.05)
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.timescale", defaultTimescale)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text; got %q", c.Logging.Format))
	}

	if c.Inventory.MinChunkSize < 0 {
		errs = append(errs, errors.New("inventory.min_chunk_size must not be negative"))
	}
	if c.Inventory.EdgeTolerance < 0 {
		errs = append(errs, errors.New("inventory.edge_tolerance must not be negative"))
	}
	if c.Queue.LivenessInterval <= 0 {
		errs = append(errs, errors.New("queue.liveness_interval must be positive"))
	}
	if c.Buffer.AppendWindowStartMargin < 0 || c.Buffer.AppendWindowEndMargin < 0 {
		errs = append(errs, errors.New("buffer append window margins must not be negative"))
	}
	if c.GC.Interval <= 0 {
		errs = append(errs, errors.New("gc.interval must be positive"))
	}
	if c.GC.PositionThreshold < 0 {
		errs = append(errs, errors.New("gc.position_threshold must not be negative"))
	}

	if c.Simulation.SegmentDuration <= 0 {
		errs = append(errs, errors.New("simulation.segment_duration must be positive"))
	}
	if c.Simulation.SegmentCount <= 0 {
		errs = append(errs, errors.New("simulation.segment_count must be positive"))
	}
	if c.Simulation.ChunksPerSegment <= 0 {
		errs = append(errs, errors.New("simulation.chunks_per_segment must be positive"))
	}
	if c.Simulation.PlaybackRate <= 0 {
		errs = append(errs, errors.New("simulation.playback_rate must be positive"))
	}
	if c.Simulation.Tick <= 0 {
		errs = append(errs, errors.New("simulation.tick must be positive"))
	}
	if c.Simulation.SinkGCProbability < 0 || c.Simulation.SinkGCProbability > 1 {
		errs = append(errs, errors.New("simulation.sink_gc_probability must be within [0, 1]"))
	}
	if c.Simulation.Timescale == 0 {
		errs = append(errs, errors.New("simulation.timescale must be positive"))
	}
	for i, e := range c.Simulation.Timeline {
		if e.D == 0 || e.R < 0 {
			errs = append(errs, fmt.Errorf("simulation.timeline[%d] needs a positive d and a non-negative r", i))
		}
	}

	return errors.Join(errs...)
}
