// Package align reindexes raw per-symbol OHLCV feeds onto a canonical
// timeframe grid.
//
// Every grid point of an aligned series is either a real bar or an explicit
// gap marker. Data is never fabricated by default: fill-forward is an opt-in
// transformation and every filled point is flagged, logged and emitted.
package align

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/events"
	"github.com/xtxerr/chronotier/internal/logging"
	"github.com/xtxerr/chronotier/internal/series"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

// QualityMode selects how per-symbol coverage folds into overall quality.
type QualityMode string

const (
	QualityMin  QualityMode = "min"
	QualityMean QualityMode = "mean"
)

// Options configures an Aligner.
type Options struct {
	// FillForward replaces gaps with a flat bar at the previous close.
	// Off by default: it introduces look-ahead-free but synthetic data.
	FillForward bool

	// Required symbols always produce a series, all gaps if absent.
	// Overall quality is computed over these when set.
	Required []string

	// Quality selects the overall quality aggregation. Default min.
	Quality QualityMode
}

// Aligner builds master timelines and reindexes raw bars onto them.
// It holds no mutable state and is safe for concurrent use.
type Aligner struct {
	registry *timeframe.Registry
	opts     Options
	sink     events.Sink
	log      *zap.Logger
}

// New creates an Aligner. A nil registry uses the default timeframes.
func New(reg *timeframe.Registry, opts Options, sink events.Sink) *Aligner {
	if reg == nil {
		reg = timeframe.DefaultRegistry()
	}
	if opts.Quality == "" {
		opts.Quality = QualityMin
	}
	return &Aligner{
		registry: reg,
		opts:     opts,
		sink:     events.OrNop(sink),
		log:      logging.Component("aligner"),
	}
}

// Options returns the aligner configuration.
func (a *Aligner) Options() Options {
	return a.opts
}

// CreateMasterTimeline builds the grid for tf over [start, end).
func (a *Aligner) CreateMasterTimeline(tf string, start, end time.Time) (series.Timeline, error) {
	t, err := a.registry.Get(tf)
	if err != nil {
		return series.Timeline{}, err
	}
	if !start.Before(end) {
		return series.Timeline{}, errors.NewInvalidRange(start, end)
	}
	return series.NewTimeline(t, start.Unix(), end.Unix())
}

// Align reindexes every symbol in raw onto tl. Required symbols absent from
// raw get an all-gap series. Align never fails on missing data.
func (a *Aligner) Align(ctx context.Context, raw map[string][]series.Bar, tl series.Timeline) map[string]series.Series {
	out := make(map[string]series.Series, len(raw)+len(a.opts.Required))
	for symbol, bars := range raw {
		out[symbol] = a.AlignSymbol(ctx, symbol, bars, tl)
	}
	for _, symbol := range a.opts.Required {
		if _, ok := out[symbol]; !ok {
			out[symbol] = a.AlignSymbol(ctx, symbol, nil, tl)
		}
	}
	return out
}

// AlignSymbol reindexes one symbol's raw bars onto tl.
//
// Raw bars are sorted first. A duplicate timestamp keeps the most recently
// ingested value, which is the later one in the input slice. Bars off the
// grid, outside the timeline or violating OHLC ordering are dropped.
func (a *Aligner) AlignSymbol(ctx context.Context, symbol string, raw []series.Bar, tl series.Timeline) series.Series {
	log := logging.FromContext(ctx, a.log).With(
		zap.String("symbol", symbol),
		zap.String("timeframe", tl.Timeframe.Name),
	)
	sessionID := logging.SessionID(ctx)

	sorted := make([]series.Bar, len(raw))
	copy(sorted, raw)
	series.SortBars(sorted)

	slots := make([]series.Bar, tl.Len())
	filled := make([]bool, tl.Len())

	var duplicates, offGrid, invalid int
	for _, b := range sorted {
		idx := tl.Index(b.Timestamp)
		if idx < 0 {
			offGrid++
			continue
		}
		if err := b.Validate(); err != nil {
			invalid++
			log.Debug("rejected bar", zap.Error(err))
			continue
		}
		b.Symbol = symbol
		b.Gap, b.Filled = false, false
		if filled[idx] {
			duplicates++
			prev := slots[idx]
			log.Warn("duplicate bar timestamp, keeping latest",
				zap.Int64("ts", b.Timestamp),
				zap.Float64("old_close", prev.Close),
				zap.Float64("new_close", b.Close))
		}
		slots[idx] = b
		filled[idx] = true
	}

	for i := range slots {
		if !filled[i] {
			slots[i] = series.GapBar(symbol, tl.At(i))
		}
	}

	if duplicates > 0 {
		a.sink.Emit(events.Event{Kind: events.KindDuplicateResolved, Time: time.Now(),
			SessionID: sessionID, Symbol: symbol, Timeframe: tl.Timeframe.Name, Count: duplicates})
	}
	if offGrid+invalid > 0 {
		log.Debug("dropped raw bars", zap.Int("off_grid", offGrid), zap.Int("invalid", invalid))
		a.sink.Emit(events.Event{Kind: events.KindOffGridDropped, Time: time.Now(),
			SessionID: sessionID, Symbol: symbol, Timeframe: tl.Timeframe.Name, Count: offGrid + invalid})
	}

	if a.opts.FillForward {
		if n := fillForward(slots); n > 0 {
			log.Warn("fill-forward applied", zap.Int("bars", n))
			a.sink.Emit(events.Event{Kind: events.KindFillForward, Time: time.Now(),
				SessionID: sessionID, Symbol: symbol, Timeframe: tl.Timeframe.Name, Count: n})
		}
	}

	return series.Series{Symbol: symbol, Timeframe: tl.Timeframe.Name, Bars: slots}
}

// fillForward replaces gaps that follow a real bar with a flat bar at the
// previous close. Leading gaps stay gaps. Returns the number filled.
func fillForward(bars []series.Bar) int {
	n := 0
	var last *series.Bar
	for i := range bars {
		if !bars[i].Gap {
			last = &bars[i]
			continue
		}
		if last == nil {
			continue
		}
		c := last.Close
		bars[i] = series.Bar{
			Symbol:    bars[i].Symbol,
			Timestamp: bars[i].Timestamp,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Filled:    true,
		}
		n++
	}
	return n
}

// =============================================================================
// Alignment report
// =============================================================================

// Report summarizes the coverage of an aligned symbol set.
type Report struct {
	Timeframe string
	GridSize  int
	Coverage  map[string]float64
	Filled    map[string]int
	Gaps      map[string][]*errors.GapError
	Quality   float64
	Mode      QualityMode
}

// Validate computes per-symbol coverage and overall quality. It always
// returns a report; use Report.Check to apply an acceptance threshold.
func (a *Aligner) Validate(aligned map[string]series.Series) *Report {
	r := &Report{
		Coverage: make(map[string]float64, len(aligned)),
		Filled:   make(map[string]int),
		Gaps:     make(map[string][]*errors.GapError),
		Mode:     a.opts.Quality,
	}

	for symbol, s := range aligned {
		if r.Timeframe == "" {
			r.Timeframe = s.Timeframe
		}
		if s.Len() > r.GridSize {
			r.GridSize = s.Len()
		}
		r.Coverage[symbol] = coverage(s)
		if runs := gapRuns(s); len(runs) > 0 {
			r.Gaps[symbol] = runs
		}
		for _, b := range s.Bars {
			if b.Filled {
				r.Filled[symbol]++
			}
		}
	}

	scope := a.opts.Required
	if len(scope) == 0 {
		scope = make([]string, 0, len(aligned))
		for symbol := range aligned {
			scope = append(scope, symbol)
		}
		sort.Strings(scope)
	}
	r.Quality = foldQuality(r.Coverage, scope, a.opts.Quality)
	return r
}

// Check returns an InsufficientCoverage error naming every symbol below
// minimum, or nil.
func (r *Report) Check(minimum float64) error {
	symbols := make([]string, 0, len(r.Coverage))
	for s := range r.Coverage {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var errs []error
	for _, s := range symbols {
		if c := r.Coverage[s]; c < minimum {
			errs = append(errs, &errors.CoverageError{
				Symbol: s, Timeframe: r.Timeframe, Coverage: c, Minimum: minimum,
			})
		}
	}
	return errors.Join(errs...)
}

// Degraded reports whether quality is below minimum.
func (r *Report) Degraded(minimum float64) bool {
	return r.Quality < minimum
}

func coverage(s series.Series) float64 {
	if s.Len() == 0 {
		return 0
	}
	return float64(s.Present()) / float64(s.Len())
}

func foldQuality(cov map[string]float64, scope []string, mode QualityMode) float64 {
	if len(scope) == 0 {
		return 0
	}
	switch mode {
	case QualityMean:
		sum := 0.0
		for _, s := range scope {
			sum += cov[s]
		}
		return sum / float64(len(scope))
	default:
		q := 1.0
		for _, s := range scope {
			if c := cov[s]; c < q {
				q = c
			}
		}
		return q
	}
}

// gapRuns returns maximal runs of bars without source data.
func gapRuns(s series.Series) []*errors.GapError {
	var runs []*errors.GapError
	var cur *errors.GapError
	for _, b := range s.Bars {
		if b.Present() {
			cur = nil
			continue
		}
		if cur == nil {
			cur = &errors.GapError{Symbol: s.Symbol, Start: b.Timestamp}
			runs = append(runs, cur)
		}
		cur.End = b.Timestamp
		cur.Bars++
	}
	return runs
}
