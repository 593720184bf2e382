// Package cache serves repeated queries from memory with an optional shared
// second layer on disk or in Redis.
//
// Entries are keyed by the normalized query (sorted symbol set, timeframe,
// grid-rounded range) and live for the TTL of their timeframe. A write to
// storage drops only the entries holding the written symbol and timeframe
// with an overlapping range. Cache failures are logged and counted, never
// returned: a broken cache degrades to storage reads.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	defaultcfg "github.com/xtxerr/chronotier/config"
	"github.com/xtxerr/chronotier/internal/config"
	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

// Config holds cache options.
type Config struct {
	Enabled    bool
	MaxEntries int
	Shards     int
	TTL        map[string]time.Duration
	DefaultTTL time.Duration
}

// ConfigFrom derives cache options from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Enabled:    cfg.Cache.Enabled,
		MaxEntries: cfg.Cache.MaxEntries,
		Shards:     cfg.Cache.Shards,
		TTL:        cfg.Cache.TTL,
		DefaultTTL: defaultcfg.DefaultCacheTTL,
	}
}

// Loader produces the payload for a missing key.
type Loader func(ctx context.Context) (Payload, error)

// Manager is the query cache. It implements storage.Invalidator.
type Manager struct {
	cfg   Config
	reg   *timeframe.Registry
	mem   *memory
	layer Layer
	group singleflight.Group
	log   *zap.Logger
	now   func() time.Time

	// generation advances on every invalidation. A fill started before an
	// invalidation is not stored. fillMu makes the generation check and the
	// Put of a fill one step with respect to the advance.
	generation atomic.Uint64
	fillMu     sync.Mutex

	stats cacheStats
}

type cacheStats struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	LayerHits   atomic.Int64
	Puts        atomic.Int64
	Evictions   atomic.Int64
	Expired     atomic.Int64
	Invalidated atomic.Int64
	Loads       atomic.Int64
	StaleFills  atomic.Int64
	Errors      atomic.Int64
}

// Stats is a point-in-time copy of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	LayerHits   int64
	Puts        int64
	Evictions   int64
	Expired     int64
	Invalidated int64
	Loads       int64
	StaleFills  int64
	Errors      int64
	Entries     int
}

// New creates a cache. layer may be nil.
func New(cfg Config, reg *timeframe.Registry, layer Layer, log *zap.Logger) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultcfg.DefaultCacheMaxEntries
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultcfg.DefaultCacheShards
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultcfg.DefaultCacheTTL
	}
	if reg == nil {
		reg = timeframe.DefaultRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:   cfg,
		reg:   reg,
		mem:   newMemory(cfg.MaxEntries, cfg.Shards),
		layer: layer,
		log:   log,
		now:   time.Now,
	}
}

// Enabled reports whether the cache stores anything.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// Key normalizes a query.
func (m *Manager) Key(symbols []string, tf string, start, end int64) (Key, error) {
	t, err := m.reg.Get(tf)
	if err != nil {
		return Key{}, err
	}
	return NewKey(symbols, t, start, end)
}

// TTL returns the entry lifetime for a timeframe.
func (m *Manager) TTL(tf string) time.Duration {
	if ttl, ok := m.cfg.TTL[tf]; ok && ttl > 0 {
		return ttl
	}
	return m.cfg.DefaultTTL
}

// Get returns the cached payload for a query. The payload covers the
// normalized key range, which may be wider than [start, end).
func (m *Manager) Get(ctx context.Context, symbols []string, tf string, start, end int64) (Payload, bool) {
	key, err := m.Key(symbols, tf, start, end)
	if err != nil {
		return nil, false
	}
	return m.GetKey(ctx, key)
}

// GetKey returns the cached payload for a normalized key.
func (m *Manager) GetKey(ctx context.Context, key Key) (Payload, bool) {
	if !m.cfg.Enabled {
		return nil, false
	}
	id := key.String()
	now := m.now()

	e, ok, expired := m.mem.get(id, now)
	if expired {
		m.stats.Expired.Add(1)
	}
	if ok {
		m.stats.Hits.Add(1)
		return e.Payload, true
	}

	if m.layer != nil {
		e, err := m.layer.Get(ctx, key)
		switch {
		case errors.Is(err, errors.ErrCacheMiss):
		case err != nil:
			m.layerError("get", key, err)
		case !e.Expired(now):
			m.stats.Hits.Add(1)
			m.stats.LayerHits.Add(1)
			m.stats.Evictions.Add(int64(m.mem.put(id, e)))
			return e.Payload, true
		}
	}

	m.stats.Misses.Add(1)
	return nil, false
}

// Put stores a payload under key with the TTL of its timeframe.
func (m *Manager) Put(ctx context.Context, key Key, payload Payload) {
	if !m.cfg.Enabled {
		return
	}
	e := Entry{
		Key:       key,
		Payload:   payload,
		CreatedAt: m.now(),
		TTL:       m.TTL(key.Timeframe),
	}
	m.stats.Puts.Add(1)
	m.stats.Evictions.Add(int64(m.mem.put(key.String(), e)))

	if m.layer != nil {
		if err := m.layer.Put(ctx, e); err != nil {
			m.layerError("put", key, err)
		}
	}
}

// GetOrLoad returns the cached payload for key or fills it with loader.
// Concurrent misses on one key share a single load. Loader errors are
// returned; nothing is cached for them.
func (m *Manager) GetOrLoad(ctx context.Context, key Key, loader Loader) (Payload, error) {
	if p, ok := m.GetKey(ctx, key); ok {
		return p, nil
	}
	if !m.cfg.Enabled {
		m.stats.Loads.Add(1)
		return loader(ctx)
	}

	id := key.String()
	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		// A concurrent fill may have finished between the miss and here.
		if e, ok, _ := m.mem.get(id, m.now()); ok {
			return e.Payload, nil
		}

		gen := m.generation.Load()
		m.stats.Loads.Add(1)
		p, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		m.fillMu.Lock()
		if m.generation.Load() == gen {
			m.Put(ctx, key, p)
		} else {
			m.stats.StaleFills.Add(1)
		}
		m.fillMu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Payload), nil
}

// Invalidate drops every entry holding symbol/tf data overlapping
// [start, end), in every layer.
func (m *Manager) Invalidate(symbol, tf string, start, end int64) {
	// A fill that passed its generation check has finished its Put once the
	// lock is ours, so the eviction below sees it.
	m.fillMu.Lock()
	m.generation.Add(1)
	m.fillMu.Unlock()

	n := m.mem.invalidate(symbol, tf, start, end)

	if m.layer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ln, err := m.layer.Invalidate(ctx, symbol, tf, start, end)
		if err != nil {
			m.stats.Errors.Add(1)
			m.log.Warn("cache layer invalidation failed",
				zap.String("layer", m.layer.Name()),
				zap.String("symbol", symbol),
				zap.String("timeframe", tf),
				zap.Error(err))
		}
		n += ln
	}

	m.stats.Invalidated.Add(int64(n))
	if n > 0 {
		m.log.Debug("cache invalidated",
			zap.String("symbol", symbol),
			zap.String("timeframe", tf),
			zap.Int64("start", start),
			zap.Int64("end", end),
			zap.Int("entries", n))
	}
}

// Purge drops expired memory entries.
func (m *Manager) Purge() int {
	n := m.mem.purge(m.now())
	m.stats.Expired.Add(int64(n))
	return n
}

// RunPurge calls Purge every interval until ctx is done.
func (m *Manager) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultcfg.DefaultCachePurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Purge(); n > 0 {
				m.log.Debug("cache purged", zap.Int("entries", n))
			}
		}
	}
}

// Close closes the second layer.
func (m *Manager) Close() error {
	if m.layer != nil {
		return m.layer.Close()
	}
	return nil
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Hits:        m.stats.Hits.Load(),
		Misses:      m.stats.Misses.Load(),
		LayerHits:   m.stats.LayerHits.Load(),
		Puts:        m.stats.Puts.Load(),
		Evictions:   m.stats.Evictions.Load(),
		Expired:     m.stats.Expired.Load(),
		Invalidated: m.stats.Invalidated.Load(),
		Loads:       m.stats.Loads.Load(),
		StaleFills:  m.stats.StaleFills.Load(),
		Errors:      m.stats.Errors.Load(),
		Entries:     m.mem.len(),
	}
}

func (m *Manager) layerError(op string, key Key, err error) {
	m.stats.Errors.Add(1)
	m.log.Warn("cache layer error",
		zap.String("layer", m.layer.Name()),
		zap.String("op", op),
		zap.String("key", key.String()),
		zap.Error(err))
}
