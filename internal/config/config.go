// Package config loads the runtime configuration: defaults, then a YAML
// file, then SCENESYNC_* environment overrides, then schema validation.
//
// Configuration is an explicit value passed to constructors. Nothing in
// this package keeps global state.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/scenesync/internal/containment"
	"github.com/roach88/scenesync/internal/content"
	"github.com/roach88/scenesync/internal/partition"
	"github.com/roach88/scenesync/internal/streamable"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCENESYNC_"

// Config is the complete runtime configuration.
type Config struct {
	Pools       PoolsConfig       `yaml:"pools"       envPrefix:"POOLS_"`
	Containment ContainmentConfig `yaml:"containment" envPrefix:"CONTAINMENT_"`
	Partition   PartitionConfig   `yaml:"partition"   envPrefix:"PARTITION_"`
	Streaming   StreamingConfig   `yaml:"streaming"   envPrefix:"STREAMING_"`
	Sandbox     SandboxConfig     `yaml:"sandbox"     envPrefix:"SANDBOX_"`
	Store       StoreConfig       `yaml:"store"       envPrefix:"STORE_"`
	Loop        LoopConfig        `yaml:"loop"        envPrefix:"LOOP_"`
	Log         LogConfig         `yaml:"log"         envPrefix:"LOG_"`
}

// PoolsConfig sizes the shared buffer pools.
type PoolsConfig struct {
	// MaxPerClass is the number of free buffers kept per size class.
	MaxPerClass int `yaml:"max_per_class" env:"MAX_PER_CLASS"`
}

// ContainmentConfig holds the fault tolerances per category.
type ContainmentConfig struct {
	EngineThreshold int           `yaml:"engine_threshold" env:"ENGINE_THRESHOLD"`
	ScriptThreshold int           `yaml:"script_threshold" env:"SCRIPT_THRESHOLD"`
	ECSThreshold    int           `yaml:"ecs_threshold"    env:"ECS_THRESHOLD"`
	Window          time.Duration `yaml:"window"           env:"WINDOW"`
}

// Settings converts to breaker settings.
func (c ContainmentConfig) Settings() containment.Settings {
	return containment.Settings{
		EngineThreshold: c.EngineThreshold,
		ScriptThreshold: c.ScriptThreshold,
		ECSThreshold:    c.ECSThreshold,
		Window:          c.Window,
	}
}

// PartitionConfig configures bucket classification. Distances are in world
// units; they are squared on conversion.
type PartitionConfig struct {
	Thresholds    []float64 `yaml:"thresholds"     env:"THRESHOLDS"`
	FastPath      float64   `yaml:"fast_path"      env:"FAST_PATH"`
	CameraEpsilon float64   `yaml:"camera_epsilon" env:"CAMERA_EPSILON"`
	Throttle      []int     `yaml:"throttle"       env:"THROTTLE"`
}

// Settings converts to scheduler settings.
func (c PartitionConfig) Settings() partition.Settings {
	sqr := make([]float64, len(c.Thresholds))
	for i, d := range c.Thresholds {
		sqr[i] = d * d
	}
	return partition.Settings{
		SqrThresholds:       sqr,
		FastPathSqrDistance: c.FastPath * c.FastPath,
		CameraEpsilon:       c.CameraEpsilon,
		Throttle:            append([]int(nil), c.Throttle...),
	}
}

// StreamingConfig configures content fetching.
type StreamingConfig struct {
	// BaseURL is the remote content origin. Empty disables the remote source.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// ContentDir serves content from disk. Empty disables the local source.
	ContentDir         string        `yaml:"content_dir"          env:"CONTENT_DIR"`
	Sources            []string      `yaml:"sources"              env:"SOURCES"`
	RequestTimeout     time.Duration `yaml:"request_timeout"      env:"REQUEST_TIMEOUT"`
	CacheSize          int           `yaml:"cache_size"           env:"CACHE_SIZE"`
	MaxConcurrentLoads int           `yaml:"max_concurrent_loads" env:"MAX_CONCURRENT_LOADS"`
}

// SourceMask returns the permitted sources.
func (c StreamingConfig) SourceMask() (streamable.SourceMask, error) {
	var mask streamable.SourceMask
	for _, s := range c.Sources {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "local":
			mask |= streamable.SourceLocal
		case "remote":
			mask |= streamable.SourceRemote
		default:
			return 0, fmt.Errorf("unknown content source %q", s)
		}
	}
	if mask == 0 {
		mask = streamable.SourceAll
	}
	return mask, nil
}

// Fetcher builds the multi-source fetcher for the configured origins.
func (c StreamingConfig) Fetcher() *content.MultiFetcher {
	m := &content.MultiFetcher{}
	if c.ContentDir != "" {
		m.Local = &content.DirFetcher{Dir: c.ContentDir}
	}
	if c.BaseURL != "" {
		m.Remote = &content.HTTPFetcher{
			Client:  &http.Client{Timeout: c.RequestTimeout},
			BaseURL: c.BaseURL,
		}
	}
	return m
}

// SandboxConfig configures script runtimes.
type SandboxConfig struct {
	// InstructionBudget bounds one script call. Zero selects the runtime
	// default.
	InstructionBudget int `yaml:"instruction_budget" env:"INSTRUCTION_BUDGET"`
}

// StoreConfig configures the batch log.
type StoreConfig struct {
	// Path is the SQLite database. Empty disables recording.
	Path string `yaml:"path" env:"PATH"`
	// CheckpointEvery is the number of frames between state snapshots.
	CheckpointEvery int `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY"`
}

// LoopConfig configures the main loop.
type LoopConfig struct {
	TickRate time.Duration `yaml:"tick_rate" env:"TICK_RATE"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// SlogLevel parses Level. Unknown levels map to Info.
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Logger builds a logger writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Pools: PoolsConfig{MaxPerClass: 64},
		Containment: ContainmentConfig{
			EngineThreshold: containment.DefaultEngineThreshold,
			ScriptThreshold: containment.DefaultScriptThreshold,
			ECSThreshold:    containment.DefaultECSThreshold,
			Window:          containment.DefaultWindow,
		},
		Partition: PartitionConfig{
			Thresholds:    []float64{16, 32, 64, 128},
			FastPath:      256,
			CameraEpsilon: 0.1,
			Throttle:      []int{1, 1, 2, 4, 8},
		},
		Streaming: StreamingConfig{
			ContentDir:         ".",
			Sources:            []string{"local", "remote"},
			RequestTimeout:     30 * time.Second,
			CacheSize:          streamable.DefaultCacheSize,
			MaxConcurrentLoads: 4,
		},
		Store: StoreConfig{CheckpointEvery: 300},
		Loop:  LoopConfig{TickRate: time.Second / 30},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

type loadOptions struct {
	environ map[string]string
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithEnvironment replaces the process environment as the override source.
func WithEnvironment(environ map[string]string) LoadOption {
	return func(o *loadOptions) { o.environ = environ }
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string, opts ...LoadOption) (Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	envOpts := env.Options{Prefix: EnvPrefix}
	if o.environ != nil {
		envOpts.Environment = o.environ
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates it.
// Environment overrides are not applied.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate checks the configuration against the schema and the
// cross-field rules the schema cannot express.
func (c Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return err
	}
	if err := c.Partition.Settings().Validate(); err != nil {
		return &ValidationError{Field: "partition", Err: err}
	}
	if _, err := c.Streaming.SourceMask(); err != nil {
		return &ValidationError{Field: "streaming.sources", Err: err}
	}
	return nil
}
