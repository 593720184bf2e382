package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	defaultcfg "github.com/xtxerr/chronotier/config"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

// Config represents the complete chronotier configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Symbols is the tracked symbol set.
	Symbols []string `yaml:"symbols" validate:"required,min=1,dive,required"`

	// Timeframes is the timeframe table, with optional aggregation sources.
	Timeframes []TimeframeConfig `yaml:"timeframes" validate:"required,min=1,dive"`

	// Alignment configures gap handling and coverage acceptance.
	Alignment AlignmentConfig `yaml:"alignment"`

	// Coherence configures the per-timeframe tolerance table.
	Coherence CoherenceConfig `yaml:"coherence"`

	// Storage configures the hot and cold tiers.
	Storage StorageConfig `yaml:"storage"`

	// Cache configures the query cache.
	Cache CacheConfig `yaml:"cache"`

	// Coordinator configures session processing.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Feed configures the raw market data drop directory.
	Feed FeedConfig `yaml:"feed"`

	// Logging configures the root logger.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// TimeframeConfig is one row of the timeframe table.
type TimeframeConfig struct {
	// Name is the canonical short name ("5m").
	Name string `yaml:"name" validate:"required"`

	// Minutes is the bar length.
	Minutes int `yaml:"minutes" validate:"gt=0"`

	// Source is the finer timeframe this one aggregates from.
	Source string `yaml:"source"`
}

// AlignmentConfig configures the aligner.
type AlignmentConfig struct {
	// FillForward enables the opt-in fill-forward transformation.
	FillForward bool `yaml:"fill_forward"`

	// Quality is the overall quality aggregation: min or mean.
	Quality string `yaml:"quality" default:"min" validate:"oneof=min mean"`

	// MinCoverage is the acceptance threshold for a timeframe.
	MinCoverage float64 `yaml:"min_coverage" default:"0.95" validate:"gte=0,lte=1"`
}

// CoherenceConfig configures the coherence validator.
type CoherenceConfig struct {
	// Tolerances maps timeframe name to relative tolerance.
	Tolerances map[string]float64 `yaml:"tolerances"`

	// MinCoherence marks a timeframe pair unhealthy below this value.
	MinCoherence float64 `yaml:"min_coherence" default:"0.99" validate:"gte=0,lte=1"`
}

// StorageConfig configures the tiered storage manager.
type StorageConfig struct {
	// HotWindow is the age below which bars are kept in the hot tier.
	HotWindow time.Duration `yaml:"hot_window" default:"720h" validate:"gt=0"`

	// Compression is the cold tier codec: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression" default:"zstd" validate:"oneof=snappy zstd lz4 gzip none"`

	// MemoryLimit is passed to DuckDB for the hot tier.
	MemoryLimit string `yaml:"memory_limit" default:"1GB"`

	// QueryTimeout bounds every load.
	QueryTimeout time.Duration `yaml:"query_timeout" default:"30s" validate:"gt=0"`

	// Retry configures backoff for transient storage errors.
	Retry RetryConfig `yaml:"retry"`

	// Migration configures the background hot-to-cold migration.
	Migration MigrationConfig `yaml:"migration"`

	// Retention configures cold partition expiry and orphan sweeping.
	Retention RetentionConfig `yaml:"retention"`
}

// RetryConfig configures bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" default:"3" validate:"gte=1,lte=10"`
	BaseDelay   time.Duration `yaml:"base_delay" default:"100ms" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" default:"5s" validate:"gtefield=BaseDelay"`
}

// MigrationConfig configures the migration scheduler.
type MigrationConfig struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Interval time.Duration `yaml:"interval" default:"1h" validate:"gt=0"`
	Workers  int           `yaml:"workers" default:"2" validate:"gte=1,lte=32"`
}

// RetentionConfig configures cold tier retention.
type RetentionConfig struct {
	// Cold is how long cold partitions are kept. Zero keeps them forever.
	Cold time.Duration `yaml:"cold" validate:"gte=0"`

	// SweepOrphans removes part files not referenced by the catalog.
	SweepOrphans bool `yaml:"sweep_orphans" default:"true"`

	// Interval is how often retention runs.
	Interval time.Duration `yaml:"interval" default:"24h" validate:"gt=0"`
}

// CacheConfig configures the cache manager.
type CacheConfig struct {
	// Enabled turns caching on. A disabled cache reads storage directly.
	Enabled bool `yaml:"enabled" default:"true"`

	// MaxEntries bounds the in-memory LRU layer.
	MaxEntries int `yaml:"max_entries" default:"1024" validate:"gte=1"`

	// Shards is the number of lock stripes.
	Shards int `yaml:"shards" default:"64" validate:"gte=1,lte=4096"`

	// TTL maps timeframe name to entry lifetime.
	TTL map[string]time.Duration `yaml:"ttl"`

	// Layer selects the optional second layer: none, disk, redis.
	Layer string `yaml:"layer" default:"none" validate:"oneof=none disk redis"`

	// Disk configures the on-disk layer.
	Disk DiskCacheConfig `yaml:"disk"`

	// Redis configures the Redis layer.
	Redis RedisConfig `yaml:"redis"`
}

// DiskCacheConfig configures the on-disk cache layer.
type DiskCacheConfig struct {
	// Dir defaults to {DataDir}/cache.
	Dir string `yaml:"dir"`
}

// RedisConfig configures the Redis cache layer.
type RedisConfig struct {
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix" default:"chronotier:"`
}

// CoordinatorConfig configures the coordinator.
type CoordinatorConfig struct {
	// Workers bounds concurrent (symbol, timeframe) tasks.
	Workers int `yaml:"workers" default:"4" validate:"gte=1,lte=256"`

	// DaysBack is the history requested by each refresh.
	DaysBack int `yaml:"days_back" default:"30" validate:"gte=1"`

	// UseAggregation derives coarse timeframes from finer processed ones.
	UseAggregation bool `yaml:"use_aggregation" default:"true"`

	// CrossCheck also aligns coarse timeframes independently to validate
	// coherence of aggregated data.
	CrossCheck bool `yaml:"cross_check" default:"true"`

	// FetchTimeout bounds a single raw feed fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" default:"1m" validate:"gt=0"`
}

// FeedConfig configures the raw feed drop directory.
type FeedConfig struct {
	// Dir defaults to {DataDir}/inbox.
	Dir string `yaml:"dir"`

	// Format is the drop file format: csv or parquet.
	Format string `yaml:"format" default:"csv" validate:"oneof=csv parquet"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Listen  string `yaml:"listen" default:":9464"`
}

// DefaultTimeframes returns the standard timeframe table.
func DefaultTimeframes() []TimeframeConfig {
	return []TimeframeConfig{
		{Name: "5m", Minutes: 5},
		{Name: "15m", Minutes: 15, Source: "5m"},
		{Name: "1h", Minutes: 60, Source: "15m"},
		{Name: "4h", Minutes: 240, Source: "1h"},
		{Name: "1d", Minutes: 1440, Source: "1h"},
	}
}

// DefaultConfig returns a configuration with all defaults applied.
// DataDir and Symbols must still be set.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	cfg.Timeframes = DefaultTimeframes()
	cfg.Coherence.Tolerances = map[string]float64{
		"1m": 0.005, "5m": 0.005, "15m": 0.005, "30m": 0.01,
		"1h": 0.01, "4h": 0.015, "1d": 0.02, "1w": 0.02,
	}
	cfg.Cache.TTL = defaultcfg.DefaultCacheTTLs()
	return cfg
}

// Load reads path, applies defaults and validates. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Decode decodes YAML over the defaults without validating, so callers can
// apply overrides first. Empty data yields the defaults.
func Decode(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Registry builds the timeframe registry from the timeframe table.
func (c *Config) Registry() (*timeframe.Registry, error) {
	tfs := make([]timeframe.Timeframe, 0, len(c.Timeframes))
	for _, row := range c.Timeframes {
		tf, err := timeframe.New(row.Name, row.Minutes)
		if err != nil {
			return nil, err
		}
		tf.Source = row.Source
		tfs = append(tfs, tf)
	}
	return timeframe.NewRegistry(tfs...)
}

// HotDir returns the hot tier directory.
func (c *Config) HotDir() string {
	return filepath.Join(c.DataDir, "hot")
}

// ColdDir returns the cold tier directory.
func (c *Config) ColdDir() string {
	return filepath.Join(c.DataDir, "cold")
}

// CacheDir returns the disk cache directory.
func (c *Config) CacheDir() string {
	if c.Cache.Disk.Dir != "" {
		return c.Cache.Disk.Dir
	}
	return filepath.Join(c.DataDir, "cache")
}

// FeedDir returns the raw feed drop directory.
func (c *Config) FeedDir() string {
	if c.Feed.Dir != "" {
		return c.Feed.Dir
	}
	return filepath.Join(c.DataDir, "inbox")
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.HotDir(), c.ColdDir()}
	if c.Cache.Enabled && c.Cache.Layer == "disk" {
		dirs = append(dirs, c.CacheDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
