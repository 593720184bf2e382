// Package coordinator drives multi-timeframe processing sessions.
//
// For each requested timeframe, finest first, the coordinator aligns raw
// feed data onto the master timeline or aggregates an already processed
// finer timeframe, cross-checks aggregated data against independently
// aligned data, stores the result in tiered storage and populates the query
// cache. Every timeframe runs as its own Session; a failed or degraded
// timeframe never blocks the others.
//
// The coordinator also serves the read side: Load, Latest, Health and
// Reports.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	defaultcfg "github.com/xtxerr/chronotier/config"
	"github.com/xtxerr/chronotier/internal/aggregate"
	"github.com/xtxerr/chronotier/internal/align"
	"github.com/xtxerr/chronotier/internal/cache"
	"github.com/xtxerr/chronotier/internal/coherence"
	"github.com/xtxerr/chronotier/internal/config"
	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/events"
	"github.com/xtxerr/chronotier/internal/logging"
	"github.com/xtxerr/chronotier/internal/metrics"
	"github.com/xtxerr/chronotier/internal/series"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

// =============================================================================
// Interfaces
// =============================================================================

// Fetcher supplies raw bars with start <= ts < end. A symbol the feed does
// not carry yields no bars and no error.
type Fetcher interface {
	Fetch(ctx context.Context, symbol, tf string, start, end time.Time) ([]series.Bar, error)
}

// Storage persists and serves aligned series.
type Storage interface {
	Store(ctx context.Context, s series.Series, tf, sessionID string) error
	Load(ctx context.Context, symbols []string, tf string, start, end int64) (map[string]series.Series, error)
	Latest(ctx context.Context, symbol, tf string) (series.Bar, bool, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds coordinator options.
type Config struct {
	Workers        int
	DaysBack       int
	UseAggregation bool
	CrossCheck     bool
	FetchTimeout   time.Duration

	FillForward bool
	Quality     align.QualityMode
	MinCoverage float64

	Tolerances   map[string]float64
	MinCoherence float64

	MinRefresh time.Duration
	MaxRefresh time.Duration
}

// ConfigFrom derives coordinator options from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Workers:        cfg.Coordinator.Workers,
		DaysBack:       cfg.Coordinator.DaysBack,
		UseAggregation: cfg.Coordinator.UseAggregation,
		CrossCheck:     cfg.Coordinator.CrossCheck,
		FetchTimeout:   cfg.Coordinator.FetchTimeout,
		FillForward:    cfg.Alignment.FillForward,
		Quality:        align.QualityMode(cfg.Alignment.Quality),
		MinCoverage:    cfg.Alignment.MinCoverage,
		Tolerances:     cfg.Coherence.Tolerances,
		MinCoherence:   cfg.Coherence.MinCoherence,
		MinRefresh:     defaultcfg.DefaultMinRefreshInterval,
		MaxRefresh:     defaultcfg.DefaultMaxRefreshInterval,
	}
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultcfg.DefaultWorkers
	}
	if c.DaysBack <= 0 {
		c.DaysBack = defaultcfg.DefaultDaysBack
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = time.Minute
	}
	if c.Quality == "" {
		c.Quality = align.QualityMin
	}
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultcfg.DefaultMinRefreshInterval
	}
	if c.MaxRefresh < c.MinRefresh {
		c.MaxRefresh = defaultcfg.DefaultMaxRefreshInterval
	}
}

// Deps are the collaborators of a Coordinator. Fetcher and Storage are
// required. A nil Cache disables caching; a nil Registry uses the default
// timeframes.
type Deps struct {
	Fetcher  Fetcher
	Storage  Storage
	Cache    *cache.Manager
	Registry *timeframe.Registry
	Metrics  *metrics.Recorder
	Sink     events.Sink
	Logger   *zap.Logger
}

// =============================================================================
// Results
// =============================================================================

// TimeframeResult is the outcome of one timeframe session.
type TimeframeResult struct {
	Timeframe string
	SessionID string
	State     State

	// Source is the finer timeframe the bars were aggregated from, or
	// empty when they were aligned from the feed.
	Source string

	Coverage  map[string]float64
	Quality   float64
	Degraded  bool
	Alignment *align.Report

	// Coherence is set when aggregated and independently aligned data
	// were both available.
	Coherence *coherence.Summary

	Err      error
	Duration time.Duration
}

// CoordinationResult is the outcome of one processing run.
type CoordinationResult struct {
	RunID      string
	Start      time.Time
	End        time.Time
	Timeframes []*TimeframeResult
	Success    bool
	Duration   time.Duration
}

// Timeframe returns the result for name, or nil.
func (r *CoordinationResult) Timeframe(name string) *TimeframeResult {
	for _, tr := range r.Timeframes {
		if tr.Timeframe == name {
			return tr
		}
	}
	return nil
}

// Degraded lists the timeframes that completed below the coverage threshold.
func (r *CoordinationResult) Degraded() []string {
	var out []string
	for _, tr := range r.Timeframes {
		if tr.Degraded {
			out = append(out, tr.Timeframe)
		}
	}
	return out
}

// Failed lists the timeframes whose session failed.
func (r *CoordinationResult) Failed() []string {
	var out []string
	for _, tr := range r.Timeframes {
		if tr.State == StateFailed {
			out = append(out, tr.Timeframe)
		}
	}
	return out
}

// PairHealth is the last coherence observed for a timeframe pair.
type PairHealth struct {
	Pair      string
	Coherence float64
	Healthy   bool
	CheckedAt time.Time
}

// Reports holds the last alignment report per timeframe and the last
// coherence summary per timeframe pair.
type Reports struct {
	Alignment map[string]*align.Report
	Coherence map[string]*coherence.Summary
}

// Stats holds coordinator counters.
type Stats struct {
	Runs      int64
	Sessions  int64
	Completed int64
	Failed    int64
	Degraded  int64
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator runs timeframe sessions and serves queries.
type Coordinator struct {
	cfg        Config
	registry   *timeframe.Registry
	fetcher    Fetcher
	storage    Storage
	cache      *cache.Manager
	metrics    *metrics.Recorder
	aggregator *aggregate.Aggregator
	coherence  *coherence.Validator
	sink       events.Sink
	log        *zap.Logger
	now        func() time.Time

	mu        sync.RWMutex
	alignment map[string]*align.Report
	summaries map[string]*coherence.Summary
	health    map[string]PairHealth

	runs      atomic.Int64
	sessions  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	degraded  atomic.Int64
}

// New creates a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Fetcher == nil {
		return nil, errors.NewMissingField("fetcher")
	}
	if deps.Storage == nil {
		return nil, errors.NewMissingField("storage")
	}
	cfg.applyDefaults()

	reg := deps.Registry
	if reg == nil {
		reg = timeframe.DefaultRegistry()
	}
	log := deps.Logger
	if log == nil {
		log = logging.Component("coordinator")
	}
	sink := events.OrNop(deps.Sink)
	c := deps.Cache
	if c == nil {
		c = cache.New(cache.Config{Enabled: false}, reg, nil, log)
	}

	return &Coordinator{
		cfg:        cfg,
		registry:   reg,
		fetcher:    deps.Fetcher,
		storage:    deps.Storage,
		cache:      c,
		metrics:    deps.Metrics,
		aggregator: aggregate.New(reg),
		coherence:  coherence.New(cfg.Tolerances, sink),
		sink:       sink,
		log:        log,
		now:        time.Now,
		alignment:  make(map[string]*align.Report),
		summaries:  make(map[string]*coherence.Summary),
		health:     make(map[string]PairHealth),
	}, nil
}

// Registry returns the configured timeframes.
func (c *Coordinator) Registry() *timeframe.Registry {
	return c.registry
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Runs:      c.runs.Load(),
		Sessions:  c.sessions.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Degraded:  c.degraded.Load(),
	}
}

// =============================================================================
// Processing
// =============================================================================

// Request selects what a processing run covers. An empty Timeframes list
// means every registered timeframe.
type Request struct {
	Symbols        []string
	DaysBack       int
	UseAggregation bool
	Timeframes     []string
}

// pass is the state shared by the timeframe sessions of one run.
type pass struct {
	runID          string
	symbols        []string
	start, end     time.Time
	useAggregation bool
	aligner        *align.Aligner

	// usable holds the aligned series of completed timeframes whose every
	// symbol met the coverage threshold. Only these feed aggregation.
	usable   map[string]map[string]series.Series
	usableTf []timeframe.Timeframe
}

// ProcessAllTimeframes processes every registered timeframe for symbols
// over the last daysBack days.
func (c *Coordinator) ProcessAllTimeframes(ctx context.Context, symbols []string, daysBack int, useAggregation bool) (*CoordinationResult, error) {
	return c.Process(ctx, Request{
		Symbols:        symbols,
		DaysBack:       daysBack,
		UseAggregation: useAggregation,
	})
}

// Process runs one session per requested timeframe, finest first. Only
// malformed requests return an error; per-timeframe failures are reported
// in the result.
func (c *Coordinator) Process(ctx context.Context, req Request) (*CoordinationResult, error) {
	symbols, tfs, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	began := c.now()
	end := began.UTC()
	p := &pass{
		runID:          uuid.NewString(),
		symbols:        symbols,
		start:          end.Add(-time.Duration(req.DaysBack) * 24 * time.Hour),
		end:            end,
		useAggregation: req.UseAggregation,
		aligner: align.New(c.registry, align.Options{
			FillForward: c.cfg.FillForward,
			Required:    symbols,
			Quality:     c.cfg.Quality,
		}, c.sink),
		usable: make(map[string]map[string]series.Series),
	}
	c.runs.Add(1)

	log := c.log.With(zap.String("run_id", p.runID))
	log.Info("processing run started",
		zap.Strings("symbols", symbols),
		zap.Int("timeframes", len(tfs)),
		zap.Int("days_back", req.DaysBack),
		zap.Bool("aggregation", req.UseAggregation))

	res := &CoordinationResult{RunID: p.runID, Start: p.start, End: p.end, Success: true}
	for _, tf := range tfs {
		tr, aligned, eligible := c.processTimeframe(ctx, p, tf)
		res.Timeframes = append(res.Timeframes, tr)
		if tr.State != StateComplete {
			res.Success = false
			continue
		}
		if eligible {
			p.usable[tf.Name] = aligned
			p.usableTf = append(p.usableTf, tf)
		}
	}
	res.Duration = c.now().Sub(began)

	log.Info("processing run finished",
		zap.Bool("success", res.Success),
		zap.Strings("degraded", res.Degraded()),
		zap.Strings("failed", res.Failed()),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (c *Coordinator) validate(req Request) ([]string, []timeframe.Timeframe, error) {
	if len(req.Symbols) == 0 {
		return nil, nil, errors.ErrNoSymbols
	}
	seen := make(map[string]struct{}, len(req.Symbols))
	symbols := make([]string, 0, len(req.Symbols))
	for _, s := range req.Symbols {
		if s == "" {
			return nil, nil, errors.NewMissingField("symbol")
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	if req.DaysBack <= 0 {
		return nil, nil, errors.NewInvalidValue("days_back", req.DaysBack, "must be positive")
	}

	if len(req.Timeframes) == 0 {
		return symbols, c.registry.Ascending(), nil
	}
	want := make(map[string]bool, len(req.Timeframes))
	for _, name := range req.Timeframes {
		if !c.registry.Has(name) {
			return nil, nil, errors.NewUnknownTimeframe(name)
		}
		want[name] = true
	}
	var tfs []timeframe.Timeframe
	for _, tf := range c.registry.Ascending() {
		if want[tf.Name] {
			tfs = append(tfs, tf)
		}
	}
	return symbols, tfs, nil
}

// processTimeframe runs one session. It returns the stored series and
// whether they may serve as an aggregation source.
func (c *Coordinator) processTimeframe(ctx context.Context, p *pass, tf timeframe.Timeframe) (*TimeframeResult, map[string]series.Series, bool) {
	began := c.now()
	sess := NewSession(tf.Name, p.symbols, c.sink)
	c.sessions.Add(1)

	ctx = logging.ContextWithSessionID(ctx, sess.ID)
	ctx = logging.ContextWithTimeframe(ctx, tf.Name)
	log := logging.FromContext(ctx, c.log).With(zap.String("run_id", p.runID))

	tr := &TimeframeResult{Timeframe: tf.Name, SessionID: sess.ID}
	aligned, err := c.runSession(ctx, p, tf, sess, tr)
	tr.Duration = c.now().Sub(began)

	if err != nil {
		if !sess.State().Terminal() {
			if ferr := sess.Fail(err); ferr != nil {
				log.Error("cannot fail session", zap.Error(ferr))
			}
		}
		tr.State = sess.State()
		tr.Err = err
		c.failed.Add(1)
		c.metrics.RecordTimeframe(tf.Name, "failed")
		log.Warn("timeframe failed", zap.Error(err), zap.Duration("duration", tr.Duration))
		return tr, nil, false
	}

	tr.State = sess.State()
	c.completed.Add(1)
	outcome := "ok"
	if tr.Degraded {
		outcome = "degraded"
		c.degraded.Add(1)
	}
	c.metrics.RecordTimeframe(tf.Name, outcome)
	c.sink.Emit(events.Event{
		Kind:      events.KindTimeframeDone,
		Time:      c.now(),
		SessionID: sess.ID,
		Timeframe: tf.Name,
		Count:     len(aligned),
		Value:     tr.Quality,
		Message:   outcome,
	})
	log.Info("timeframe processed",
		zap.String("outcome", outcome),
		zap.String("source", tr.Source),
		zap.Float64("quality", tr.Quality),
		zap.Duration("duration", tr.Duration))

	eligible := tr.Alignment.Check(c.cfg.MinCoverage) == nil
	return tr, aligned, eligible
}

func (c *Coordinator) runSession(ctx context.Context, p *pass, tf timeframe.Timeframe, sess *Session, tr *TimeframeResult) (map[string]series.Series, error) {
	log := logging.FromContext(ctx, c.log)

	// ALIGNING
	if err := sess.Transition(StateAligning); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx)
	}
	// The bar still in progress is excluded.
	end := time.Unix(tf.Truncate(p.end.Unix()), 0).UTC()
	tl, err := p.aligner.CreateMasterTimeline(tf.Name, p.start, end)
	if err != nil {
		return nil, err
	}
	if tl.Len() == 0 {
		return nil, fmt.Errorf("no %s bar fits the window: %w", tf.Name, errors.NewInvalidRange(p.start, end))
	}

	src, aggregated := c.source(p, tf)
	var primary, independent map[string]series.Series
	if !aggregated || c.cfg.CrossCheck {
		independent, err = c.fetchAndAlign(ctx, p, tl)
		switch {
		case err == nil:
		case !aggregated || ctx.Err() != nil:
			return nil, err
		default:
			// The aggregated path does not depend on the feed.
			log.Warn("cross-check data unavailable", zap.Error(err))
			independent = nil
		}
	}

	// AGGREGATING
	if aggregated {
		if err := sess.Transition(StateAggregating); err != nil {
			return nil, err
		}
		primary, err = c.aggregateFrom(ctx, p.usable[src.Name], src, tf, tl)
		if err != nil {
			return nil, err
		}
		tr.Source = src.Name
	} else {
		primary, independent = independent, nil
	}

	// VALIDATING
	if err := sess.Transition(StateValidating); err != nil {
		return nil, err
	}
	report := p.aligner.Validate(primary)
	report.Timeframe = tf.Name
	tr.Alignment = report
	tr.Coverage = report.Coverage
	tr.Quality = report.Quality
	tr.Degraded = report.Degraded(c.cfg.MinCoverage)
	c.metrics.RecordCoverage(tf.Name, report.Coverage, report.Quality)
	c.setAlignment(tf.Name, report)

	if tr.Degraded {
		log.Warn("timeframe degraded",
			zap.Float64("quality", report.Quality),
			zap.Float64("minimum", c.cfg.MinCoverage),
			zap.Error(report.Check(c.cfg.MinCoverage)))
		c.sink.Emit(events.Event{
			Kind:      events.KindTimeframeDegraded,
			Time:      c.now(),
			SessionID: sess.ID,
			Timeframe: tf.Name,
			Value:     report.Quality,
		})
	}

	if aggregated && independent != nil {
		pair := src.Name + "->" + tf.Name
		summary := c.coherence.CompareAll(pair, primary, independent)
		tr.Coherence = summary
		c.setCoherence(summary)
		if summary.OverallCoherence < c.cfg.MinCoherence {
			log.Warn("aggregated data disagrees with feed",
				zap.String("pair", pair),
				zap.Float64("coherence", summary.OverallCoherence),
				zap.Float64("minimum", c.cfg.MinCoherence))
		}
	}

	// STORING
	if err := sess.Transition(StateStoring); err != nil {
		return nil, err
	}
	if err := c.store(ctx, sess.ID, tf.Name, primary); err != nil {
		return nil, err
	}

	// CACHING
	if err := sess.Transition(StateCaching); err != nil {
		return nil, err
	}
	c.populate(ctx, p.symbols, tf, tl, primary)

	if err := sess.Transition(StateComplete); err != nil {
		return nil, err
	}
	return primary, nil
}

// source picks the timeframe to aggregate tf from. The configured source
// is preferred when usable, otherwise the finest usable divisor.
func (c *Coordinator) source(p *pass, tf timeframe.Timeframe) (timeframe.Timeframe, bool) {
	if !p.useAggregation || len(p.usableTf) == 0 {
		return timeframe.Timeframe{}, false
	}
	if tf.Source != "" {
		if _, ok := p.usable[tf.Source]; ok {
			src, err := c.registry.Get(tf.Source)
			if err == nil {
				return src, true
			}
		}
	}
	return timeframe.FinestDivisor(tf, p.usableTf)
}

// fetchAndAlign fetches and aligns every symbol on the worker pool. A
// symbol without any raw bar fails the whole timeframe.
func (c *Coordinator) fetchAndAlign(ctx context.Context, p *pass, tl series.Timeline) (map[string]series.Series, error) {
	tf := tl.Timeframe.Name
	start, end := time.Unix(tl.Start, 0), time.Unix(tl.End, 0)
	results := make([]series.Series, len(p.symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, symbol := range p.symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, c.cfg.FetchTimeout)
			defer cancel()

			raw, err := c.fetcher.Fetch(fctx, symbol, tf, start, end)
			if err != nil {
				if fctx.Err() == context.DeadlineExceeded && gctx.Err() == nil {
					return fmt.Errorf("fetch %s/%s after %s: %w", symbol, tf, c.cfg.FetchTimeout, errors.ErrTimeout)
				}
				return fmt.Errorf("fetch %s/%s: %w", symbol, tf, err)
			}
			if len(raw) == 0 {
				return errors.NewMissingSymbol(symbol, tf)
			}
			results[i] = p.aligner.AlignSymbol(gctx, symbol, raw, tl)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, err
	}

	out := make(map[string]series.Series, len(p.symbols))
	for i, symbol := range p.symbols {
		out[symbol] = results[i]
	}
	return out, nil
}

// aggregateFrom builds tf from the series of src, clipped to the timeline.
func (c *Coordinator) aggregateFrom(ctx context.Context, base map[string]series.Series, src, tf timeframe.Timeframe, tl series.Timeline) (map[string]series.Series, error) {
	symbols := make([]string, 0, len(base))
	for symbol := range base {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	results := make([]series.Series, len(symbols))
	first := tl.At(0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := c.aggregator.Aggregate(base[symbol], src.Name, tf.Name)
			if err != nil {
				return err
			}
			results[i] = s.Slice(first, tl.End)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, err
	}

	out := make(map[string]series.Series, len(symbols))
	for i, symbol := range symbols {
		out[symbol] = results[i]
	}
	return out, nil
}

// store writes every symbol on the worker pool. Each symbol is one storage
// write unit.
func (c *Coordinator) store(ctx context.Context, sessionID, tf string, aligned map[string]series.Series) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, s := range aligned {
		s := s
		g.Go(func() error {
			if gctx.Err() != nil {
				return contextError(gctx)
			}
			return c.storage.Store(gctx, s, tf, sessionID)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return contextError(ctx)
		}
		return err
	}
	return nil
}

// populate caches the freshly stored series under the exact grid range.
func (c *Coordinator) populate(ctx context.Context, symbols []string, tf timeframe.Timeframe, tl series.Timeline, aligned map[string]series.Series) {
	if !c.cache.Enabled() {
		return
	}
	key, err := cache.NewKey(symbols, tf, tl.At(0), tl.At(tl.Len()-1)+tf.Seconds())
	if err != nil {
		c.log.Debug("skip cache populate", zap.Error(err))
		return
	}
	c.cache.Put(ctx, key, cache.Payload(aligned))
}

func contextError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", errors.ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: %v", errors.ErrCanceled, ctx.Err())
}

// =============================================================================
// Reports
// =============================================================================

func (c *Coordinator) setAlignment(tf string, r *align.Report) {
	c.mu.Lock()
	c.alignment[tf] = r
	c.mu.Unlock()
}

func (c *Coordinator) setCoherence(s *coherence.Summary) {
	h := PairHealth{
		Pair:      s.Pair,
		Coherence: s.OverallCoherence,
		Healthy:   s.OverallCoherence >= c.cfg.MinCoherence,
		CheckedAt: c.now(),
	}
	c.mu.Lock()
	c.summaries[s.Pair] = s
	c.health[s.Pair] = h
	c.mu.Unlock()
	c.metrics.RecordCoherence(s.Pair, s.OverallCoherence)
}

// Health returns the last coherence per timeframe pair.
func (c *Coordinator) Health() map[string]PairHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]PairHealth, len(c.health))
	for k, v := range c.health {
		out[k] = v
	}
	return out
}

// Reports returns the last alignment and coherence reports.
func (c *Coordinator) Reports() Reports {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := Reports{
		Alignment: make(map[string]*align.Report, len(c.alignment)),
		Coherence: make(map[string]*coherence.Summary, len(c.summaries)),
	}
	for k, v := range c.alignment {
		r.Alignment[k] = v
	}
	for k, v := range c.summaries {
		r.Coherence[k] = v
	}
	return r
}

// =============================================================================
// Queries
// =============================================================================

// Load returns the bars of symbols/tf with start <= ts < end. The cache is
// consulted first; a miss reads both storage tiers and fills the cache.
func (c *Coordinator) Load(ctx context.Context, symbols []string, tf string, start, end time.Time) (map[string]series.Series, error) {
	if !start.Before(end) {
		return nil, errors.NewInvalidRange(start, end)
	}
	key, err := c.cache.Key(symbols, tf, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}

	began := time.Now()
	source := "cache"
	payload, err := c.cache.GetOrLoad(ctx, key, func(ctx context.Context) (cache.Payload, error) {
		source = "storage"
		m, err := c.storage.Load(ctx, key.Symbols, tf, key.Start, key.End)
		return cache.Payload(m), err
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordLoad(source, time.Since(began))
	return payload.Slice(start.Unix(), end.Unix()), nil
}

// Latest returns the newest stored bar of symbol/tf carrying source data.
func (c *Coordinator) Latest(ctx context.Context, symbol, tf string) (series.Bar, bool, error) {
	if symbol == "" {
		return series.Bar{}, false, errors.NewMissingField("symbol")
	}
	if !c.registry.Has(tf) {
		return series.Bar{}, false, errors.NewUnknownTimeframe(tf)
	}
	return c.storage.Latest(ctx, symbol, tf)
}

// RefreshInterval returns how often tf should be reprocessed: once per bar,
// clamped to the configured bounds. Finer timeframes refresh more often.
func (c *Coordinator) RefreshInterval(tf string) (time.Duration, error) {
	t, err := c.registry.Get(tf)
	if err != nil {
		return 0, err
	}
	d := t.Duration
	if d < c.cfg.MinRefresh {
		d = c.cfg.MinRefresh
	}
	if d > c.cfg.MaxRefresh {
		d = c.cfg.MaxRefresh
	}
	return d, nil
}
