package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtxerr/chronotier/internal/aggregate"
	"github.com/xtxerr/chronotier/internal/cache"
	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/events"
	"github.com/xtxerr/chronotier/internal/series"
	"github.com/xtxerr/chronotier/internal/storage"
	testutil "github.com/xtxerr/chronotier/internal/testing"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

const (
	t0  = int64(1717200000) // 2024-06-01 00:00 UTC
	day = int64(86400)
)

var tf5m = timeframe.MustParse("5m")

// =============================================================================
// Fakes
// =============================================================================

// feedStub serves one day of 5m bars per symbol. Coarser timeframes are
// derived from the complete 5m data, as an exchange would report them.
type feedStub struct {
	mu      sync.Mutex
	base    map[string][]series.Bar
	drop    map[string][2]int
	volSkew map[string]float64 // per "symbol/tf"
	calls   map[string]int
	onFetch func(tf string)
}

func newFeedStub(symbols ...string) *feedStub {
	f := &feedStub{
		base:    make(map[string][]series.Bar),
		drop:    make(map[string][2]int),
		volSkew: make(map[string]float64),
		calls:   make(map[string]int),
	}
	for i, s := range symbols {
		f.base[s] = testutil.RandomWalk(s, t0, 300, 288, int64(i+1))
	}
	return f
}

func (f *feedStub) Fetch(ctx context.Context, symbol, tf string, start, end time.Time) ([]series.Bar, error) {
	if f.onFetch != nil {
		f.onFetch(tf)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[symbol+"/"+tf]++
	f.mu.Unlock()

	bars := f.base[symbol]
	if tf == "5m" {
		if d, ok := f.drop[symbol]; ok {
			bars = testutil.Drop(bars, d[0], d[1])
		}
	} else {
		m, err := timeframe.NewMapping(tf5m, timeframe.MustParse(tf))
		if err != nil {
			return nil, err
		}
		agg := aggregate.Apply(m, series.Series{Symbol: symbol, Timeframe: "5m", Bars: bars})
		bars = nil
		for _, b := range agg.Bars {
			if b.Gap {
				continue
			}
			if k, ok := f.volSkew[symbol+"/"+tf]; ok {
				b.Volume *= k
			}
			bars = append(bars, b)
		}
	}

	var out []series.Bar
	for _, b := range bars {
		if b.Timestamp >= start.Unix() && b.Timestamp < end.Unix() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *feedStub) fetches(symbol, tf string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol+"/"+tf]
}

// memStorage keeps stored bars in memory.
type memStorage struct {
	mu     sync.Mutex
	data   map[string]map[int64]series.Bar
	failTf string
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string]map[int64]series.Bar)}
}

func (m *memStorage) Store(ctx context.Context, s series.Series, tf, sessionID string) error {
	if tf == m.failTf {
		return errors.NewStorageIO("store "+s.Symbol+"/"+tf, fmt.Errorf("disk full"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.data[s.Symbol+"/"+tf]
	if seg == nil {
		seg = make(map[int64]series.Bar)
		m.data[s.Symbol+"/"+tf] = seg
	}
	for _, b := range s.Bars {
		seg[b.Timestamp] = b
	}
	return nil
}

func (m *memStorage) Load(ctx context.Context, symbols []string, tf string, start, end int64) (map[string]series.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]series.Series, len(symbols))
	for _, sym := range symbols {
		s := series.Series{Symbol: sym, Timeframe: tf}
		for ts, b := range m.data[sym+"/"+tf] {
			if ts >= start && ts < end {
				s.Bars = append(s.Bars, b)
			}
		}
		series.SortBars(s.Bars)
		out[sym] = s
	}
	return out, nil
}

func (m *memStorage) Latest(ctx context.Context, symbol, tf string) (series.Bar, bool, error) {
	s, _ := m.Load(ctx, []string{symbol}, tf, 0, 1<<62)
	b, ok := s[symbol].Latest()
	return b, ok, nil
}

func (m *memStorage) count(symbol, tf string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[symbol+"/"+tf])
}

// =============================================================================
// Harness
// =============================================================================

type harnessOptions struct {
	minCoverage  float64
	noCrossCheck bool
	noCache      bool
	registry     *timeframe.Registry
	storage      Storage
}

type harness struct {
	coord *Coordinator
	feed  *feedStub
	store *memStorage
	cache *cache.Manager
	sink  *events.Recorder
}

func testRegistry(t *testing.T) *timeframe.Registry {
	t.Helper()
	reg, err := timeframe.NewRegistry(
		timeframe.Timeframe{Name: "5m", Duration: 5 * time.Minute},
		timeframe.Timeframe{Name: "15m", Duration: 15 * time.Minute, Source: "5m"},
		timeframe.Timeframe{Name: "1h", Duration: time.Hour, Source: "15m"},
	)
	require.NoError(t, err)
	return reg
}

func newHarness(t *testing.T, feed *feedStub, opts harnessOptions) *harness {
	t.Helper()
	reg := opts.registry
	if reg == nil {
		reg = testRegistry(t)
	}
	if opts.minCoverage == 0 {
		opts.minCoverage = 0.85
	}

	h := &harness{feed: feed, store: newMemStorage(), sink: &events.Recorder{}}
	var st Storage = h.store
	if opts.storage != nil {
		st = opts.storage
	}
	if !opts.noCache {
		h.cache = cache.New(cache.Config{
			Enabled:    true,
			MaxEntries: 64,
			Shards:     4,
			DefaultTTL: time.Hour,
		}, reg, nil, zap.NewNop())
	}

	c, err := New(Config{
		Workers:      4,
		CrossCheck:   !opts.noCrossCheck,
		FetchTimeout: 5 * time.Second,
		MinCoverage:  opts.minCoverage,
		MinCoherence: 0.99,
	}, Deps{
		Fetcher:  feed,
		Storage:  st,
		Cache:    h.cache,
		Registry: reg,
		Sink:     h.sink,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(t0+day, 0) }
	h.coord = c
	return h
}

func sources(res *CoordinationResult) map[string]string {
	out := make(map[string]string)
	for _, tr := range res.Timeframes {
		out[tr.Timeframe] = tr.Source
	}
	return out
}

// =============================================================================
// Processing
// =============================================================================

func TestProcessAllTimeframesAggregates(t *testing.T) {
	feed := newFeedStub("BTCUSDT", "ETHUSDT")
	feed.drop["ETHUSDT"] = [2]int{100, 129} // 29 of 288 bars missing
	h := newHarness(t, feed, harnessOptions{})

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"ETHUSDT", "BTCUSDT"}, 1, true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, res.Timeframes, 3)
	assert.Equal(t, "5m", res.Timeframes[0].Timeframe)
	assert.Equal(t, "15m", res.Timeframes[1].Timeframe)
	assert.Equal(t, "1h", res.Timeframes[2].Timeframe)
	assert.Equal(t, map[string]string{"5m": "", "15m": "5m", "1h": "15m"}, sources(res))

	r5 := res.Timeframe("5m")
	assert.Equal(t, StateComplete, r5.State)
	assert.Equal(t, 1.0, r5.Coverage["BTCUSDT"])
	assert.InDelta(t, 0.90, r5.Coverage["ETHUSDT"], 0.01)
	assert.InDelta(t, 0.90, r5.Quality, 0.01)
	assert.False(t, r5.Degraded)
	assert.Nil(t, r5.Coherence)

	for _, tf := range []string{"15m", "1h"} {
		tr := res.Timeframe(tf)
		require.NotNil(t, tr.Coherence, tf)
		assert.Equal(t, 1.0, tr.Coherence.OverallCoherence, tf)
	}
	assert.InDelta(t, 21.0/24.0, res.Timeframe("1h").Coverage["ETHUSDT"], 1e-9)

	assert.Equal(t, 288, h.store.count("BTCUSDT", "5m"))
	assert.Equal(t, 288, h.store.count("ETHUSDT", "5m"), "gap markers are stored")
	assert.Equal(t, 96, h.store.count("ETHUSDT", "15m"))
	assert.Equal(t, 24, h.store.count("BTCUSDT", "1h"))

	health := h.coord.Health()
	require.Len(t, health, 2)
	assert.True(t, health["5m->15m"].Healthy)
	assert.True(t, health["15m->1h"].Healthy)

	reports := h.coord.Reports()
	assert.Len(t, reports.Alignment, 3)
	assert.Len(t, reports.Coherence, 2)

	assert.Len(t, h.sink.OfKind(events.KindTimeframeDone), 3)
	st := h.coord.Stats()
	assert.Equal(t, int64(3), st.Completed)
	assert.Zero(t, st.Failed)
}

func TestAggregatesTwelveFiveMinuteBarsIntoOneHour(t *testing.T) {
	reg, err := timeframe.NewRegistry(
		timeframe.Timeframe{Name: "5m", Duration: 5 * time.Minute},
		timeframe.Timeframe{Name: "1h", Duration: time.Hour},
	)
	require.NoError(t, err)
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{registry: reg, noCrossCheck: true})

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"BTCUSDT"}, 1, true)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "5m", res.Timeframe("1h").Source)
	assert.Zero(t, feed.fetches("BTCUSDT", "1h"), "no feed read without cross-check")

	got, err := h.store.Load(context.Background(), []string{"BTCUSDT"}, "1h", t0, t0+day)
	require.NoError(t, err)
	bars := got["BTCUSDT"].Bars
	require.Len(t, bars, 24)

	src := feed.base["BTCUSDT"][12:24]
	first := bars[1]
	assert.Equal(t, t0+3600, first.Timestamp)
	assert.Equal(t, src[0].Open, first.Open)
	assert.Equal(t, src[11].Close, first.Close)
	hi, lo, vol := src[0].High, src[0].Low, 0.0
	for _, b := range src {
		hi = max(hi, b.High)
		lo = min(lo, b.Low)
		vol += b.Volume
	}
	assert.Equal(t, hi, first.High)
	assert.Equal(t, lo, first.Low)
	assert.InDelta(t, vol, first.Volume, 1e-9)
	assert.False(t, first.Gap)
}

func TestAggregationDisabledAlignsEveryTimeframe(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{})

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"BTCUSDT"}, 1, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]string{"5m": "", "15m": "", "1h": ""}, sources(res))
	assert.Equal(t, 1, feed.fetches("BTCUSDT", "1h"))
	assert.Empty(t, h.coord.Health(), "no coherence without aggregation")
}

func TestCoherenceMismatchIsReported(t *testing.T) {
	feed := newFeedStub("BTCUSDT", "ETHUSDT")
	feed.volSkew["BTCUSDT/1h"] = 1.5
	h := newHarness(t, feed, harnessOptions{})

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, 1, true)
	require.NoError(t, err)
	assert.True(t, res.Success, "low coherence does not fail the run")

	sum := res.Timeframe("1h").Coherence
	require.NotNil(t, sum)
	assert.InDelta(t, 0.5, sum.OverallCoherence, 1e-9)
	assert.Equal(t, 1.0, sum.Reports["ETHUSDT"].OverallCoherence)
	assert.Equal(t, 0.0, sum.Reports["BTCUSDT"].OverallCoherence)

	health := h.coord.Health()
	assert.False(t, health["15m->1h"].Healthy)
	assert.True(t, health["5m->15m"].Healthy)
	assert.NotEmpty(t, h.sink.OfKind(events.KindCoherenceMismatch))
}

func TestDegradedTimeframeDoesNotBlockOthers(t *testing.T) {
	feed := newFeedStub("BTCUSDT", "ETHUSDT")
	feed.drop["ETHUSDT"] = [2]int{100, 129}
	h := newHarness(t, feed, harnessOptions{minCoverage: 0.95})

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, 1, true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"5m"}, res.Degraded())

	r5 := res.Timeframe("5m")
	assert.Equal(t, StateComplete, r5.State)
	assert.True(t, r5.Degraded)
	assert.Equal(t, 288, h.store.count("ETHUSDT", "5m"), "degraded data is still stored")

	// 5m is not a usable source, so 15m is aligned from the feed and then
	// serves 1h.
	assert.Equal(t, map[string]string{"5m": "", "15m": "", "1h": "15m"}, sources(res))
	assert.False(t, res.Timeframe("15m").Degraded)
	assert.Len(t, h.sink.OfKind(events.KindTimeframeDegraded), 1)
}

func TestMissingRequiredSymbolFailsSession(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{})

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"BTCUSDT", "SOLUSDT"}, 1, true)
	require.NoError(t, err, "data problems are reported in the result")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"5m", "15m", "1h"}, res.Failed())

	for _, tr := range res.Timeframes {
		assert.Equal(t, StateFailed, tr.State)
		assert.ErrorIs(t, tr.Err, errors.ErrRequiredSymbolMissing)
	}
	assert.Zero(t, h.store.count("BTCUSDT", "5m"), "nothing stored for a failed session")

	var failed int
	for _, e := range h.sink.OfKind(events.KindSessionTransition) {
		if e.To == string(StateFailed) {
			assert.Equal(t, string(StateAligning), e.From)
			failed++
		}
	}
	assert.Equal(t, 3, failed)
}

func TestStorageFailureIsIsolated(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{})
	h.store.failTf = "5m"

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"BTCUSDT"}, 1, true)
	require.NoError(t, err)
	assert.False(t, res.Success)

	r5 := res.Timeframe("5m")
	assert.Equal(t, StateFailed, r5.State)
	assert.ErrorIs(t, r5.Err, errors.ErrStorageIO)

	// A failed timeframe is not an aggregation source.
	assert.Equal(t, "", res.Timeframe("15m").Source)
	assert.Equal(t, StateComplete, res.Timeframe("15m").State)
	assert.Equal(t, StateComplete, res.Timeframe("1h").State)
	assert.Equal(t, "15m", res.Timeframe("1h").Source)
}

func TestCanceledRunStoresNothing(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT"}, 1, true)
	require.NoError(t, err)
	assert.False(t, res.Success)
	for _, tr := range res.Timeframes {
		assert.Equal(t, StateFailed, tr.State)
		assert.ErrorIs(t, tr.Err, errors.ErrCanceled)
	}
	assert.Zero(t, h.store.count("BTCUSDT", "5m"))
}

func TestCancellationMidRun(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.onFetch = func(tf string) {
		if tf == "15m" {
			cancel()
		}
	}
	h := newHarness(t, feed, harnessOptions{})

	res, err := h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT"}, 1, true)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.Timeframe("5m").State)
	assert.Equal(t, StateFailed, res.Timeframe("15m").State)
	assert.ErrorIs(t, res.Timeframe("15m").Err, errors.ErrCanceled)
	assert.Equal(t, StateFailed, res.Timeframe("1h").State)

	assert.Equal(t, 288, h.store.count("BTCUSDT", "5m"))
	assert.Zero(t, h.store.count("BTCUSDT", "15m"))
	assert.Zero(t, h.store.count("BTCUSDT", "1h"))
}

func TestProcessRejectsMisuse(t *testing.T) {
	h := newHarness(t, newFeedStub("BTCUSDT"), harnessOptions{})
	ctx := context.Background()

	_, err := h.coord.ProcessAllTimeframes(ctx, nil, 1, true)
	assert.ErrorIs(t, err, errors.ErrNoSymbols)

	_, err = h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT", ""}, 1, true)
	assert.ErrorIs(t, err, errors.ErrMissingField)

	_, err = h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT"}, 0, true)
	assert.True(t, errors.IsMisuse(err))

	_, err = h.coord.Process(ctx, Request{Symbols: []string{"BTCUSDT"}, DaysBack: 1, Timeframes: []string{"7m"}})
	assert.ErrorIs(t, err, errors.ErrUnknownTimeframe)

	assert.Zero(t, h.coord.Stats().Runs)
}

func TestProcessSelectedTimeframes(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{})

	res, err := h.coord.Process(context.Background(), Request{
		Symbols:        []string{"BTCUSDT"},
		DaysBack:       1,
		UseAggregation: true,
		Timeframes:     []string{"1h", "5m"},
	})
	require.NoError(t, err)
	require.Len(t, res.Timeframes, 2)
	assert.Equal(t, "5m", res.Timeframes[0].Timeframe)
	assert.Equal(t, "5m", res.Timeframes[1].Source, "finest processed divisor when the configured source was not run")
}

func TestWindowClipsToFullGridPoints(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{noCrossCheck: true})
	// The window starts at 00:10, inside the first hour.
	h.coord.now = func() time.Time { return time.Unix(t0+day+600, 0) }

	res, err := h.coord.ProcessAllTimeframes(context.Background(), []string{"BTCUSDT"}, 1, true)
	require.NoError(t, err)
	require.True(t, res.Success)

	got, err := h.store.Load(context.Background(), []string{"BTCUSDT"}, "1h", t0, t0+2*day)
	require.NoError(t, err)
	bars := got["BTCUSDT"].Bars
	require.NotEmpty(t, bars)
	assert.Equal(t, t0+3600, bars[0].Timestamp, "timeline starts on the first full grid point")
	assert.Equal(t, t0+day-3600, bars[len(bars)-1].Timestamp)
}

// =============================================================================
// Queries
// =============================================================================

func TestLoadCacheHitEqualsForcedMiss(t *testing.T) {
	feed := newFeedStub("BTCUSDT", "ETHUSDT")
	feed.drop["ETHUSDT"] = [2]int{100, 129}
	h := newHarness(t, feed, harnessOptions{})
	ctx := context.Background()

	_, err := h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT", "ETHUSDT"}, 1, true)
	require.NoError(t, err)

	start, end := time.Unix(t0, 0), time.Unix(t0+day, 0)
	hits := h.cache.Stats().Hits
	cached, err := h.coord.Load(ctx, []string{"ETHUSDT", "BTCUSDT"}, "1h", start, end)
	require.NoError(t, err)
	assert.Equal(t, hits+1, h.cache.Stats().Hits, "populated by processing")

	uncached, err := New(Config{}, Deps{Fetcher: feed, Storage: h.store, Registry: h.coord.Registry(), Logger: zap.NewNop()})
	require.NoError(t, err)
	direct, err := uncached.Load(ctx, []string{"BTCUSDT", "ETHUSDT"}, "1h", start, end)
	require.NoError(t, err)

	assert.Equal(t, direct, cached)
	assert.Len(t, cached["BTCUSDT"].Bars, 24)
}

func TestLoadFillsCacheOnMiss(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{})
	ctx := context.Background()
	require.NoError(t, h.store.Store(ctx, series.Series{
		Symbol: "BTCUSDT", Timeframe: "5m", Bars: feed.base["BTCUSDT"][:24],
	}, "5m", "seed"))

	// An unaligned request widens to the grid in the cache and is clipped
	// on return.
	start, end := time.Unix(t0+10, 0), time.Unix(t0+3600, 0)
	first, err := h.coord.Load(ctx, []string{"BTCUSDT"}, "5m", start, end)
	require.NoError(t, err)
	assert.Len(t, first["BTCUSDT"].Bars, 11)
	assert.Equal(t, int64(1), h.cache.Stats().Misses)

	second, err := h.coord.Load(ctx, []string{"BTCUSDT"}, "5m", start, end)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), h.cache.Stats().Hits)

	_, err = h.coord.Load(ctx, []string{"BTCUSDT"}, "7m", start, end)
	assert.ErrorIs(t, err, errors.ErrUnknownTimeframe)
	_, err = h.coord.Load(ctx, []string{"BTCUSDT"}, "5m", end, start)
	assert.ErrorIs(t, err, errors.ErrInvalidRange)
}

func TestLatest(t *testing.T) {
	feed := newFeedStub("BTCUSDT")
	h := newHarness(t, feed, harnessOptions{})
	ctx := context.Background()

	_, ok, err := h.coord.Latest(ctx, "BTCUSDT", "5m")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT"}, 1, true)
	require.NoError(t, err)

	b, ok, err := h.coord.Latest(ctx, "BTCUSDT", "5m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0+day-300, b.Timestamp)

	_, _, err = h.coord.Latest(ctx, "BTCUSDT", "2h")
	assert.ErrorIs(t, err, errors.ErrUnknownTimeframe)
}

func TestRefreshIntervalGrowsWithDuration(t *testing.T) {
	h := newHarness(t, newFeedStub(), harnessOptions{registry: timeframe.DefaultRegistry()})

	var prev time.Duration
	names := h.coord.Registry().Names()
	for _, name := range names {
		d, err := h.coord.RefreshInterval(name)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, prev, name)
		prev = d
	}

	d, _ := h.coord.RefreshInterval("5m")
	assert.Equal(t, 5*time.Minute, d)
	d, _ = h.coord.RefreshInterval("1w")
	assert.Equal(t, 24*time.Hour, d, "clamped to the maximum")

	_, err := h.coord.RefreshInterval("2h")
	assert.ErrorIs(t, err, errors.ErrUnknownTimeframe)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{Storage: newMemStorage()})
	assert.ErrorIs(t, err, errors.ErrMissingField)
	_, err = New(Config{}, Deps{Fetcher: newFeedStub()})
	assert.ErrorIs(t, err, errors.ErrMissingField)
}

// =============================================================================
// Tiered storage
// =============================================================================

func TestProcessWithTieredStorage(t *testing.T) {
	dir := t.TempDir()
	mgr, err := storage.NewManager(storage.Config{
		HotPath:      filepath.Join(dir, "hot", "hot.duckdb"),
		ColdDir:      filepath.Join(dir, "cold"),
		HotWindow:    30 * 24 * time.Hour,
		Compression:  "zstd",
		MemoryLimit:  "256MB",
		QueryTimeout: 10 * time.Second,
		Retry:        storage.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	feed := newFeedStub("BTCUSDT", "ETHUSDT")
	feed.drop["ETHUSDT"] = [2]int{100, 129}
	h := newHarness(t, feed, harnessOptions{storage: mgr})
	mgr.SetInvalidator(h.cache)
	ctx := context.Background()

	res, err := h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT", "ETHUSDT"}, 1, true)
	require.NoError(t, err)
	require.True(t, res.Success, "failed: %v", res.Failed())

	start, end := time.Unix(t0, 0), time.Unix(t0+day, 0)
	cached, err := h.coord.Load(ctx, []string{"BTCUSDT", "ETHUSDT"}, "15m", start, end)
	require.NoError(t, err)

	direct, err := mgr.Load(ctx, []string{"BTCUSDT", "ETHUSDT"}, "15m", t0, t0+day)
	require.NoError(t, err)
	assert.Equal(t, direct, cached)

	gaps := 0
	for _, b := range direct["ETHUSDT"].Bars {
		if b.Gap {
			gaps++
		}
	}
	assert.Equal(t, 10, gaps)

	// Reprocessing replaces the stored range.
	_, err = h.coord.ProcessAllTimeframes(ctx, []string{"BTCUSDT", "ETHUSDT"}, 1, true)
	require.NoError(t, err)
	again, err := mgr.Load(ctx, []string{"ETHUSDT"}, "5m", t0, t0+day)
	require.NoError(t, err)
	assert.Len(t, again["ETHUSDT"].Bars, 288)
}
