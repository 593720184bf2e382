package storage

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/chronotier/internal/config"
	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/events"
	"github.com/xtxerr/chronotier/internal/series"
	"github.com/xtxerr/chronotier/internal/storage/catalog"
	"github.com/xtxerr/chronotier/internal/storage/cold"
	"github.com/xtxerr/chronotier/internal/storage/hot"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds tiered storage options.
type Config struct {
	HotPath      string
	ColdDir      string
	HotWindow    time.Duration
	Compression  string
	MemoryLimit  string
	QueryTimeout time.Duration
	Retry        RetryPolicy
}

// RetryPolicy bounds retries of transient storage failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ConfigFrom derives storage options from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		HotPath:      filepath.Join(cfg.HotDir(), "hot.duckdb"),
		ColdDir:      cfg.ColdDir(),
		HotWindow:    cfg.Storage.HotWindow,
		Compression:  cfg.Storage.Compression,
		MemoryLimit:  cfg.Storage.MemoryLimit,
		QueryTimeout: cfg.Storage.QueryTimeout,
		Retry: RetryPolicy{
			MaxAttempts: cfg.Storage.Retry.MaxAttempts,
			BaseDelay:   cfg.Storage.Retry.BaseDelay,
			MaxDelay:    cfg.Storage.Retry.MaxDelay,
		},
	}
}

// Invalidator is notified of every written range. end is exclusive.
type Invalidator interface {
	Invalidate(symbol, tf string, start, end int64)
}

// =============================================================================
// Manager
// =============================================================================

// Manager places bars in the hot or cold tier by age and serves reads that
// merge both tiers. Writes to one (symbol, timeframe) segment are serialized;
// writes to different segments proceed in parallel.
type Manager struct {
	cfg     Config
	hot     *hot.Store
	cold    *cold.Store
	catalog *catalog.Catalog

	locks segmentLocks

	invalidator atomic.Pointer[Invalidator]
	sink        events.Sink
	log         *zap.Logger
	now         func() time.Time

	stats managerStats
}

type managerStats struct {
	HotWrites      atomic.Int64
	ColdWrites     atomic.Int64
	RowsWritten    atomic.Int64
	Loads          atomic.Int64
	LoadTimeouts   atomic.Int64
	Retries        atomic.Int64
	Migrations     atomic.Int64
	RowsMigrated   atomic.Int64
	MigrationFails atomic.Int64
}

// ManagerStats is a point-in-time copy of Manager counters.
type ManagerStats struct {
	HotWrites      int64
	ColdWrites     int64
	RowsWritten    int64
	Loads          int64
	LoadTimeouts   int64
	Retries        int64
	Migrations     int64
	RowsMigrated   int64
	MigrationFails int64
	ColdParts      int
	ColdRows       int64
	CatalogVersion uint64
}

// NewManager opens both tiers and the catalog.
func NewManager(cfg Config, log *zap.Logger, sink events.Sink) (*Manager, error) {
	if cfg.HotWindow <= 0 {
		return nil, errors.NewValidation("hot_window", "must be positive")
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	hcfg := hot.DefaultConfig()
	hcfg.Path = cfg.HotPath
	if cfg.MemoryLimit != "" {
		hcfg.MemoryLimit = cfg.MemoryLimit
	}
	h, err := hot.Open(hcfg)
	if err != nil {
		return nil, errors.NewStorageIO("open hot tier", err)
	}

	cat, err := catalog.Open(filepath.Join(cfg.ColdDir, "catalog.pb"))
	if err != nil {
		h.Close()
		return nil, err
	}

	return &Manager{
		cfg:     cfg,
		hot:     h,
		cold:    cold.New(cfg.ColdDir, cold.ParseCompressionType(cfg.Compression)),
		catalog: cat,
		locks:   segmentLocks{m: make(map[catalog.SegmentKey]*sync.RWMutex)},
		sink:    events.OrNop(sink),
		log:     log,
		now:     time.Now,
	}, nil
}

// SetInvalidator registers the cache invalidation hook.
func (m *Manager) SetInvalidator(inv Invalidator) {
	if inv == nil {
		m.invalidator.Store(nil)
		return
	}
	m.invalidator.Store(&inv)
}

// Close closes the hot tier.
func (m *Manager) Close() error {
	return m.hot.Close()
}

// Catalog returns the cold catalog.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// Cold returns the cold part store.
func (m *Manager) Cold() *cold.Store {
	return m.cold
}

// HotWindow returns the configured hot window.
func (m *Manager) HotWindow() time.Duration {
	return m.cfg.HotWindow
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	snap := m.catalog.Current()
	return ManagerStats{
		HotWrites:      m.stats.HotWrites.Load(),
		ColdWrites:     m.stats.ColdWrites.Load(),
		RowsWritten:    m.stats.RowsWritten.Load(),
		Loads:          m.stats.Loads.Load(),
		LoadTimeouts:   m.stats.LoadTimeouts.Load(),
		Retries:        m.stats.Retries.Load(),
		Migrations:     m.stats.Migrations.Load(),
		RowsMigrated:   m.stats.RowsMigrated.Load(),
		MigrationFails: m.stats.MigrationFails.Load(),
		ColdParts:      len(snap.Parts),
		ColdRows:       snap.Rows(),
		CatalogVersion: snap.Version,
	}
}

// =============================================================================
// Segment locks
// =============================================================================

// SegmentLock returns the lock serializing writers and readers of one
// segment. Holders of the write lock may remove the segment's part files.
func (m *Manager) SegmentLock(symbol, tf string) *sync.RWMutex {
	return m.locks.get(symbol, tf)
}

type segmentLocks struct {
	mu sync.Mutex
	m  map[catalog.SegmentKey]*sync.RWMutex
}

func (l *segmentLocks) get(symbol, tf string) *sync.RWMutex {
	key := catalog.SegmentKey{Symbol: symbol, Timeframe: tf}
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.m[key]
	if !ok {
		mu = &sync.RWMutex{}
		l.m[key] = mu
	}
	return mu
}

// =============================================================================
// Store
// =============================================================================

// Store writes s for timeframe tf. Bars younger than the hot window go to
// the hot tier, older bars go directly to cold part files. Each tier
// portion is one all-or-nothing write unit.
func (m *Manager) Store(ctx context.Context, s series.Series, tf, sessionID string) error {
	if len(s.Bars) == 0 {
		return nil
	}
	if s.Symbol == "" {
		return errors.NewMissingField("symbol")
	}
	for i := 1; i < len(s.Bars); i++ {
		if s.Bars[i].Timestamp <= s.Bars[i-1].Timestamp {
			return fmt.Errorf("%s/%s: bars not strictly increasing at %d: %w",
				s.Symbol, tf, i, errors.ErrInvalidBar)
		}
	}

	mu := m.locks.get(s.Symbol, tf)
	mu.Lock()
	defer mu.Unlock()

	cutoff := m.now().Add(-m.cfg.HotWindow).Unix()
	split := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Timestamp >= cutoff })
	older, recent := s.Bars[:split], s.Bars[split:]

	if len(older) > 0 {
		if err := m.retry(ctx, "store cold", func() error {
			return m.storeCold(ctx, s.Symbol, tf, older)
		}); err != nil {
			return err
		}
		m.stats.ColdWrites.Add(1)
	}

	if len(recent) > 0 {
		first, last := recent[0].Timestamp, recent[len(recent)-1].Timestamp
		if err := m.retry(ctx, "store hot", func() error {
			return m.hot.Replace(ctx, s.Symbol, tf, first, last, recent, sessionID)
		}); err != nil {
			return err
		}
		m.stats.HotWrites.Add(1)
	}

	m.stats.RowsWritten.Add(int64(len(s.Bars)))
	start, last := s.Range()
	m.invalidate(s.Symbol, tf, start, last+1)

	m.sink.Emit(events.Event{
		Kind:      events.KindStored,
		Time:      m.now(),
		SessionID: sessionID,
		Symbol:    s.Symbol,
		Timeframe: tf,
		Count:     len(s.Bars),
		Message:   fmt.Sprintf("%d hot, %d cold", len(recent), len(older)),
	})
	return nil
}

// storeCold publishes the bars as cold parts, then drops any hot rows the
// parts supersede.
func (m *Manager) storeCold(ctx context.Context, symbol, tf string, bars []series.Bar) error {
	if _, err := m.publishParts(symbol, tf, bars); err != nil {
		return err
	}
	_, err := m.hot.DeleteRange(ctx, symbol, tf, bars[0].Timestamp, bars[len(bars)-1].Timestamp+1)
	return err
}

// publishParts rewrites every month the bars touch as a single verified part
// holding the month's published bars overlaid with the new ones. The new
// parts replace the ones they supersede in one catalog update, so a month
// never holds more than one part after a write. Callers hold the segment
// write lock.
func (m *Manager) publishParts(symbol, tf string, bars []series.Bar) ([]catalog.Part, error) {
	snap := m.catalog.Current()
	segment := snap.Segment(symbol, tf)
	months, groups := cold.Partition(bars)

	parts := make([]catalog.Part, 0, len(months))
	var superseded []catalog.Part
	for _, month := range months {
		var sources [][]series.Bar
		for _, p := range segment {
			if p.Month != month {
				continue
			}
			existing, err := m.cold.ReadPart(p)
			if err != nil {
				m.removeParts(parts)
				return nil, err
			}
			sources = append(sources, existing)
			superseded = append(superseded, p)
		}
		merged := series.Merge(symbol, tf, append(sources, groups[month])...)

		p, err := m.cold.WritePart(symbol, tf, month, snap.NextSeq(symbol, tf, month), merged.Bars)
		if err != nil {
			m.removeParts(parts)
			return nil, err
		}
		parts = append(parts, p)
	}

	if _, err := m.catalog.Replace(superseded, parts...); err != nil {
		m.removeParts(parts)
		return nil, err
	}
	m.removeParts(superseded)
	return parts, nil
}

func (m *Manager) removeParts(parts []catalog.Part) {
	for _, p := range parts {
		if err := m.cold.RemovePart(p.Path); err != nil {
			m.log.Warn("failed to remove part file", zap.String("path", p.Path), zap.Error(err))
		}
	}
}

func (m *Manager) invalidate(symbol, tf string, start, end int64) {
	if inv := m.invalidator.Load(); inv != nil {
		(*inv).Invalidate(symbol, tf, start, end)
	}
}

// =============================================================================
// Load
// =============================================================================

// Load returns the stored bars with start <= ts < end for each symbol,
// merged across tiers. Hot bars win over cold bars with equal timestamps.
// Symbols without stored bars are present with an empty series.
func (m *Manager) Load(ctx context.Context, symbols []string, tf string, start, end int64) (map[string]series.Series, error) {
	if start >= end {
		return nil, errors.NewInvalidRange(time.Unix(start, 0), time.Unix(end, 0))
	}
	m.stats.Loads.Add(1)

	qctx := ctx
	if m.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, m.cfg.QueryTimeout)
		defer cancel()
	}

	results := make([]series.Series, len(symbols))
	g, gctx := errgroup.WithContext(qctx)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			s, err := m.loadSymbol(gctx, symbol, tf, start, end)
			if err != nil {
				return err
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil && qctx.Err() == context.DeadlineExceeded {
			m.stats.LoadTimeouts.Add(1)
			return nil, fmt.Errorf("load %s after %s: %w", tf, m.cfg.QueryTimeout, errors.ErrTimeout)
		}
		return nil, err
	}

	out := make(map[string]series.Series, len(symbols))
	for i, symbol := range symbols {
		out[symbol] = results[i]
	}
	return out, nil
}

func (m *Manager) loadSymbol(ctx context.Context, symbol, tf string, start, end int64) (series.Series, error) {
	mu := m.locks.get(symbol, tf)
	mu.RLock()
	defer mu.RUnlock()

	var coldBars []series.Bar
	for _, p := range m.catalog.Current().Find(symbol, tf, start, end) {
		p := p
		if err := ctx.Err(); err != nil {
			return series.Series{}, err
		}
		var bars []series.Bar
		err := m.retry(ctx, "read part", func() error {
			var err error
			bars, err = m.cold.ReadPart(p)
			return err
		})
		if err != nil {
			return series.Series{}, err
		}
		coldBars = append(coldBars, bars...)
	}

	var hotBars []series.Bar
	err := m.retry(ctx, "read hot", func() error {
		var err error
		hotBars, err = m.hot.Range(ctx, symbol, tf, start, end)
		return err
	})
	if err != nil {
		return series.Series{}, err
	}

	// Parts are ordered oldest first, so later parts win over earlier ones
	// and hot wins over all.
	merged := series.Merge(symbol, tf, coldBars, hotBars)
	return merged.Slice(start, end), nil
}

// =============================================================================
// Latest
// =============================================================================

// Latest returns the newest stored bar carrying source data.
func (m *Manager) Latest(ctx context.Context, symbol, tf string) (series.Bar, bool, error) {
	mu := m.locks.get(symbol, tf)
	mu.RLock()
	defer mu.RUnlock()

	b, ok, err := m.hot.Latest(ctx, symbol, tf)
	if err != nil || ok {
		return b, ok, err
	}

	// Walk cold partitions newest first.
	parts := m.catalog.Current().Segment(symbol, tf)
	for hi := len(parts); hi > 0; {
		lo := hi - 1
		for lo > 0 && parts[lo-1].Month == parts[hi-1].Month {
			lo--
		}
		var bars [][]series.Bar
		for _, p := range parts[lo:hi] {
			pb, err := m.cold.ReadPart(p)
			if err != nil {
				return series.Bar{}, false, err
			}
			bars = append(bars, pb)
		}
		if b, ok := series.Merge(symbol, tf, bars...).Latest(); ok {
			return b, true, nil
		}
		hi = lo
	}
	return series.Bar{}, false, nil
}

// =============================================================================
// Compress
// =============================================================================

// CompressResult describes one migration of hot rows to the cold tier.
type CompressResult struct {
	Symbol    string
	Timeframe string
	Rows      int64
	Parts     []catalog.Part
	Bytes     int64
	Duration  time.Duration
}

// Compress moves hot rows older than ageThreshold to new cold parts. Parts
// are verified and published before the hot rows are deleted; on failure
// the hot rows stay and unpublished parts are removed.
func (m *Manager) Compress(ctx context.Context, symbol, tf string, ageThreshold time.Duration) (*CompressResult, error) {
	startTime := time.Now()

	mu := m.locks.get(symbol, tf)
	mu.Lock()
	defer mu.Unlock()

	result := &CompressResult{Symbol: symbol, Timeframe: tf}
	cutoff := m.now().Add(-ageThreshold).Unix()

	rows, err := m.hot.Range(ctx, symbol, tf, math.MinInt64, cutoff)
	if err != nil {
		m.stats.MigrationFails.Add(1)
		return nil, err
	}
	if len(rows) == 0 {
		return result, nil
	}

	err = m.retry(ctx, "compress", func() error {
		parts, err := m.publishParts(symbol, tf, rows)
		if err != nil {
			return err
		}
		result.Parts = parts
		return nil
	})
	if err != nil {
		m.stats.MigrationFails.Add(1)
		m.sink.Emit(events.Event{
			Kind: events.KindMigrationFailed, Time: m.now(),
			Symbol: symbol, Timeframe: tf, Count: len(rows), Message: err.Error(),
		})
		return nil, err
	}

	// Published: cold now holds the same bars, so a failed delete leaves
	// duplicates that read identically.
	if _, err := m.hot.DeleteRange(ctx, symbol, tf, rows[0].Timestamp, rows[len(rows)-1].Timestamp+1); err != nil {
		m.log.Warn("hot rows kept after migration", zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Error(err))
		return nil, err
	}

	for _, p := range result.Parts {
		result.Bytes += p.Bytes
	}
	result.Rows = int64(len(rows))
	result.Duration = time.Since(startTime)

	m.stats.Migrations.Add(1)
	m.stats.RowsMigrated.Add(result.Rows)
	m.sink.Emit(events.Event{
		Kind: events.KindMigrationDone, Time: m.now(),
		Symbol: symbol, Timeframe: tf, Count: len(rows),
		Message: fmt.Sprintf("%d parts, %d bytes", len(result.Parts), result.Bytes),
	})
	return result, nil
}

// HotSegments lists the segments currently held in the hot tier.
func (m *Manager) HotSegments(ctx context.Context) ([]hot.Segment, error) {
	return m.hot.Segments(ctx)
}

// HotCount returns the number of hot rows in a segment.
func (m *Manager) HotCount(ctx context.Context, symbol, tf string) (int64, error) {
	return m.hot.Count(ctx, symbol, tf)
}

// Health checks the hot tier.
func (m *Manager) Health(ctx context.Context) error {
	return m.hot.Health(ctx)
}

// =============================================================================
// Retry
// =============================================================================

// retry runs fn until it succeeds, fails with a non-retriable error, or the
// attempt budget is spent. Delays double from BaseDelay up to MaxDelay.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	delay := m.cfg.Retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.IsRetriable(err) || attempt >= m.cfg.Retry.MaxAttempts {
			return err
		}

		m.stats.Retries.Add(1)
		m.log.Warn("retrying storage operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}

		delay *= 2
		if m.cfg.Retry.MaxDelay > 0 && delay > m.cfg.Retry.MaxDelay {
			delay = m.cfg.Retry.MaxDelay
		}
	}
}
