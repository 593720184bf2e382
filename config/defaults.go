// Package config provides configuration defaults for chronotier.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or CHRONOTIER_* environment
// variables.
package config

import "time"

// =============================================================================
// Alignment Defaults
// =============================================================================

const (
	// DefaultMinCoverage is the per-symbol coverage below which a timeframe
	// is marked degraded.
	// Override via config: alignment.min_coverage
	DefaultMinCoverage = 0.95

	// DefaultQualityMode folds per-symbol coverage into overall quality.
	// Override via config: alignment.quality
	DefaultQualityMode = "min"
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultHotWindow is the age below which bars stay in the hot tier.
	// Override via config: storage.hot_window
	DefaultHotWindow = 30 * 24 * time.Hour

	// DefaultQueryTimeout bounds every storage read.
	// Override via config: storage.query_timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultRetryAttempts is the number of attempts for transient storage errors.
	// Override via config: storage.retry.max_attempts
	DefaultRetryAttempts = 3

	// DefaultRetryBaseDelay is the first backoff delay, doubled per attempt.
	// Override via config: storage.retry.base_delay
	DefaultRetryBaseDelay = 100 * time.Millisecond

	// DefaultRetryMaxDelay caps a single backoff delay.
	// Override via config: storage.retry.max_delay
	DefaultRetryMaxDelay = 5 * time.Second

	// DefaultMigrationInterval is how often hot segments are checked for migration.
	// Override via config: storage.migration.interval
	DefaultMigrationInterval = time.Hour

	// DefaultMigrationWorkers is the number of parallel migration workers.
	// Override via config: storage.migration.workers
	DefaultMigrationWorkers = 2
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultCacheMaxEntries bounds the in-memory cache layer (LRU).
	// Override via config: cache.max_entries
	DefaultCacheMaxEntries = 1024

	// DefaultCacheShards is the number of lock stripes for per-key locking.
	// Override via config: cache.shards
	DefaultCacheShards = 64

	// DefaultCacheTTL applies to timeframes missing from the TTL table.
	DefaultCacheTTL = 2 * time.Hour

	// DefaultCachePurgeInterval is how often expired memory entries are
	// dropped.
	DefaultCachePurgeInterval = 5 * time.Minute
)

// DefaultCacheTTLs returns the TTL per timeframe. Shorter timeframes expire
// sooner, matching how often new bars arrive.
// Override via config: cache.ttl
func DefaultCacheTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		"1m":  30 * time.Minute,
		"5m":  2 * time.Hour,
		"15m": 4 * time.Hour,
		"30m": 6 * time.Hour,
		"1h":  12 * time.Hour,
		"4h":  24 * time.Hour,
		"1d":  72 * time.Hour,
		"1w":  168 * time.Hour,
	}
}

// =============================================================================
// Coordinator Defaults
// =============================================================================

const (
	// DefaultWorkers is the size of the alignment worker pool.
	// Override via config: coordinator.workers
	DefaultWorkers = 4

	// DefaultDaysBack is how much history a refresh requests.
	// Override via config: coordinator.days_back
	DefaultDaysBack = 30

	// DefaultMinRefreshInterval and DefaultMaxRefreshInterval clamp the
	// per-timeframe refresh interval.
	DefaultMinRefreshInterval = time.Minute
	DefaultMaxRefreshInterval = 24 * time.Hour
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for in-flight sessions during shutdown.
	// After this timeout, remaining work is canceled.
	DefaultDrainTimeoutSec = 30
)
