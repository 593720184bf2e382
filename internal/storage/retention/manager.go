// Package retention expires old cold partitions and sweeps part files the
// catalog does not reference.
package retention

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtxerr/chronotier/internal/storage/catalog"
	"github.com/xtxerr/chronotier/internal/storage/cold"
)

// Config holds retention options.
type Config struct {
	// Cold is how long cold partitions are kept. Zero keeps them forever.
	Cold time.Duration

	// SweepOrphans enables removal of unreferenced part files.
	SweepOrphans bool

	// OrphanGrace protects recently written, not yet published parts.
	OrphanGrace time.Duration

	// Locks serializes expiry with readers of a segment. Nil expires
	// without locking.
	Locks SegmentLocker
}

// SegmentLocker hands out per segment locks.
type SegmentLocker interface {
	SegmentLock(symbol, tf string) *sync.RWMutex
}

// DefaultOrphanGrace is the minimum age of an unreferenced part before the
// sweep removes it.
const DefaultOrphanGrace = time.Hour

// Manager handles automatic cleanup of expired data.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	catalog *catalog.Catalog
	store   *cold.Store
	log     *zap.Logger
	now     func() time.Time
	stats   Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime    time.Time
	PartsExpired   int64
	OrphansRemoved int64
	BytesFreed     int64
	FilesSkipped   int64
	Errors         int64
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	PartsExpired   int
	OrphansRemoved int
	BytesFreed     int64
	FilesSkipped   int
	Errors         []error
}

// New creates a new retention manager.
func New(cfg Config, cat *catalog.Catalog, store *cold.Store, log *zap.Logger) *Manager {
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultOrphanGrace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		config:  cfg,
		catalog: cat,
		store:   store,
		log:     log,
		now:     time.Now,
	}
}

// RunCleanup expires old partitions and sweeps orphans.
func (m *Manager) RunCleanup() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = m.now()
	result := m.cleanup(false)

	m.stats.PartsExpired += int64(result.PartsExpired)
	m.stats.OrphansRemoved += int64(result.OrphansRemoved)
	m.stats.BytesFreed += result.BytesFreed
	m.stats.FilesSkipped += int64(result.FilesSkipped)
	m.stats.Errors += int64(len(result.Errors))

	if result.PartsExpired > 0 || result.OrphansRemoved > 0 || len(result.Errors) > 0 {
		m.log.Info("retention cleanup",
			zap.Int("parts_expired", result.PartsExpired),
			zap.Int("orphans_removed", result.OrphansRemoved),
			zap.Int64("bytes_freed", result.BytesFreed),
			zap.Int("errors", len(result.Errors)))
	}
	return result
}

// DryRun simulates cleanup without deleting files.
func (m *Manager) DryRun() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanup(true)
}

func (m *Manager) cleanup(dryRun bool) CleanupResult {
	var result CleanupResult
	m.expire(&result, dryRun)
	if m.config.SweepOrphans {
		m.sweep(&result, dryRun)
	}
	return result
}

// expire unpublishes partitions whose month ended before the cutoff, then
// deletes their files.
func (m *Manager) expire(result *CleanupResult, dryRun bool) {
	if m.config.Cold <= 0 {
		return
	}
	cutoff := m.now().Add(-m.config.Cold).Unix()

	expired := func(p catalog.Part) bool {
		_, end, err := cold.MonthBounds(p.Month)
		return err == nil && end <= cutoff
	}

	if dryRun {
		for _, p := range m.catalog.Current().Parts {
			if expired(p) {
				result.PartsExpired++
				result.BytesFreed += p.Bytes
			}
		}
		return
	}

	for _, seg := range expiredSegments(m.catalog.Current(), expired) {
		m.expireSegment(result, seg, expired)
	}
}

// expireSegment unpublishes and deletes the expired parts of one segment
// while holding its write lock, so no reader opens a part being removed.
func (m *Manager) expireSegment(result *CleanupResult, seg catalog.SegmentKey, expired func(catalog.Part) bool) {
	if m.config.Locks != nil {
		mu := m.config.Locks.SegmentLock(seg.Symbol, seg.Timeframe)
		mu.Lock()
		defer mu.Unlock()
	}

	removed, err := m.catalog.Remove(func(p catalog.Part) bool {
		return p.Symbol == seg.Symbol && p.Timeframe == seg.Timeframe && expired(p)
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("unpublish expired parts of %s/%s: %w", seg.Symbol, seg.Timeframe, err))
		return
	}
	for _, p := range removed {
		if err := m.store.RemovePart(p.Path); err != nil {
			// Left for the orphan sweep.
			result.Errors = append(result.Errors, err)
			continue
		}
		result.PartsExpired++
		result.BytesFreed += p.Bytes
	}
}

func expiredSegments(snap *catalog.Snapshot, expired func(catalog.Part) bool) []catalog.SegmentKey {
	var out []catalog.SegmentKey
	seen := make(map[catalog.SegmentKey]bool)
	for _, p := range snap.Parts {
		key := catalog.SegmentKey{Symbol: p.Symbol, Timeframe: p.Timeframe}
		if expired(p) && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// sweep removes part files that the catalog does not reference and that
// are older than the grace period.
func (m *Manager) sweep(result *CleanupResult, dryRun bool) {
	files, err := m.store.PartFiles()
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}

	referenced := m.catalog.Current().Referenced()
	graceCutoff := m.now().Add(-m.config.OrphanGrace)

	for _, rel := range files {
		if _, ok := referenced[rel]; ok {
			continue
		}
		info, err := os.Stat(m.store.Abs(rel))
		if err != nil {
			result.FilesSkipped++
			continue
		}
		if info.ModTime().After(graceCutoff) {
			result.FilesSkipped++
			continue
		}
		if !dryRun {
			if err := m.store.RemovePart(rel); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			m.log.Debug("removed orphan part", zap.String("path", rel))
		}
		result.OrphansRemoved++
		result.BytesFreed += info.Size()
	}
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	PartCount int
	Rows      int64
	TotalSize int64
}

// GetDiskUsage returns published cold usage per timeframe.
func (m *Manager) GetDiskUsage() map[string]DiskUsage {
	usage := make(map[string]DiskUsage)
	for _, p := range m.catalog.Current().Parts {
		u := usage[p.Timeframe]
		u.PartCount++
		u.Rows += p.Rows
		u.TotalSize += p.Bytes
		usage[p.Timeframe] = u
	}
	return usage
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	tfs := make([]string, 0, len(usage))
	for tf := range usage {
		tfs = append(tfs, tf)
	}
	sort.Strings(tfs)

	var result string
	var totalSize int64
	var totalParts int

	for _, tf := range tfs {
		u := usage[tf]
		totalSize += u.TotalSize
		totalParts += u.PartCount

		result += fmt.Sprintf("  %s: %d parts, %d rows, %s\n",
			tf, u.PartCount, u.Rows, formatBytes(u.TotalSize))
	}

	return fmt.Sprintf("Cold Usage:\n%s  Total: %d parts, %s\n",
		result, totalParts, formatBytes(totalSize))
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
