// Package metrics exposes chronotier state as Prometheus collectors
// registered on an injected registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xtxerr/chronotier/internal/cache"
	"github.com/xtxerr/chronotier/internal/events"
	"github.com/xtxerr/chronotier/internal/storage"
)

const namespace = "chronotier"

// Recorder records coordinator observations. A nil *Recorder discards
// everything. Recorder is also an events.Sink.
type Recorder struct {
	reg prometheus.Registerer

	coverage    *prometheus.GaugeVec
	quality     *prometheus.GaugeVec
	coherence   *prometheus.GaugeVec
	sessions    *prometheus.CounterVec
	timeframes  *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec
	loadLatency *prometheus.HistogramVec
}

// New creates a recorder registering on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		coverage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coverage_ratio",
			Help:      "Fraction of grid points with source data per symbol and timeframe",
		}, []string{"symbol", "timeframe"}),
		quality: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_ratio",
			Help:      "Overall alignment quality per timeframe",
		}, []string{"timeframe"}),
		coherence: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coherence_ratio",
			Help:      "Overall coherence of aggregated vs independently aligned data",
		}, []string{"pair"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		timeframes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeframes_processed_total",
			Help:      "Processed timeframes by outcome",
		}, []string{"timeframe", "outcome"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Emitted events by kind",
		}, []string{"kind"}),
		loadLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Query latency by serving source",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
}

// RecordCoverage records per-symbol coverage of a timeframe.
func (r *Recorder) RecordCoverage(tf string, coverage map[string]float64, quality float64) {
	if r == nil {
		return
	}
	for sym, v := range coverage {
		r.coverage.WithLabelValues(sym, tf).Set(v)
	}
	r.quality.WithLabelValues(tf).Set(quality)
}

// RecordCoherence records the overall coherence of a timeframe pair.
func (r *Recorder) RecordCoherence(pair string, v float64) {
	if r == nil {
		return
	}
	r.coherence.WithLabelValues(pair).Set(v)
}

// RecordTimeframe counts one processed timeframe. outcome is ok, degraded
// or failed.
func (r *Recorder) RecordTimeframe(tf, outcome string) {
	if r == nil {
		return
	}
	r.timeframes.WithLabelValues(tf, outcome).Inc()
}

// RecordLoad observes one query served from source (cache or storage).
func (r *Recorder) RecordLoad(source string, d time.Duration) {
	if r == nil {
		return
	}
	r.loadLatency.WithLabelValues(source).Observe(d.Seconds())
}

// Emit implements events.Sink.
func (r *Recorder) Emit(e events.Event) {
	if r == nil {
		return
	}
	r.eventsTotal.WithLabelValues(string(e.Kind)).Inc()
	if e.Kind == events.KindSessionTransition {
		r.sessions.WithLabelValues(e.To).Inc()
	}
}

// =============================================================================
// Component stats
// =============================================================================

// CacheSource provides cache counters.
type CacheSource interface {
	Stats() cache.Stats
}

// StorageSource provides storage counters.
type StorageSource interface {
	Stats() storage.ManagerStats
}

// WatchCache exports cache counters read at scrape time.
func (r *Recorder) WatchCache(src CacheSource) {
	if r == nil || src == nil {
		return
	}
	f := promauto.With(r.reg)
	counter := func(name, help string, v func(cache.Stats) int64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: name, Help: help,
		}, func() float64 { return float64(v(src.Stats())) })
	}
	counter("hits_total", "Cache hits", func(s cache.Stats) int64 { return s.Hits })
	counter("misses_total", "Cache misses", func(s cache.Stats) int64 { return s.Misses })
	counter("evictions_total", "LRU evictions", func(s cache.Stats) int64 { return s.Evictions })
	counter("invalidations_total", "Entries dropped by scoped invalidation", func(s cache.Stats) int64 { return s.Invalidated })
	counter("errors_total", "Second layer failures", func(s cache.Stats) int64 { return s.Errors })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "entries", Help: "Entries held in memory",
	}, func() float64 { return float64(src.Stats().Entries) })
}

// WatchStorage exports storage counters read at scrape time.
func (r *Recorder) WatchStorage(src StorageSource) {
	if r == nil || src == nil {
		return
	}
	f := promauto.With(r.reg)
	counter := func(name, help string, v func(storage.ManagerStats) int64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: name, Help: help,
		}, func() float64 { return float64(v(src.Stats())) })
	}
	counter("hot_writes_total", "Hot tier write units", func(s storage.ManagerStats) int64 { return s.HotWrites })
	counter("cold_writes_total", "Direct cold tier write units", func(s storage.ManagerStats) int64 { return s.ColdWrites })
	counter("rows_written_total", "Rows stored", func(s storage.ManagerStats) int64 { return s.RowsWritten })
	counter("migrations_total", "Completed hot to cold migrations", func(s storage.ManagerStats) int64 { return s.Migrations })
	counter("migration_failures_total", "Failed migrations", func(s storage.ManagerStats) int64 { return s.MigrationFails })
	counter("rows_migrated_total", "Rows moved to the cold tier", func(s storage.ManagerStats) int64 { return s.RowsMigrated })
	counter("retries_total", "Retried storage operations", func(s storage.ManagerStats) int64 { return s.Retries })
	counter("load_timeouts_total", "Loads exceeding the query timeout", func(s storage.ManagerStats) int64 { return s.LoadTimeouts })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "storage", Name: "cold_parts", Help: "Published cold part files",
	}, func() float64 { return float64(src.Stats().ColdParts) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "storage", Name: "cold_rows", Help: "Rows in published cold parts",
	}, func() float64 { return float64(src.Stats().ColdRows) })
}
