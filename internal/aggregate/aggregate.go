// Package aggregate derives coarse timeframes from aligned fine ones.
package aggregate

import (
	"math"

	"go.uber.org/zap"

	"github.com/xtxerr/chronotier/internal/logging"
	"github.com/xtxerr/chronotier/internal/series"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

// bucket accumulates the base bars of one target bar.
type bucket struct {
	start  int64
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
	count  int
	gap    bool
	filled bool
}

func newBucket(start int64) *bucket {
	return &bucket{
		start: start,
		high:  -math.MaxFloat64,
		low:   math.MaxFloat64,
	}
}

func (b *bucket) add(bar series.Bar) {
	b.count++
	if bar.Gap {
		b.gap = true
		return
	}
	if bar.Filled {
		b.filled = true
	}
	if b.count == 1 {
		b.open = bar.Open
	}
	b.close = bar.Close
	if bar.High > b.high {
		b.high = bar.High
	}
	if bar.Low < b.low {
		b.low = bar.Low
	}
	b.volume += bar.Volume
}

// result returns the target bar. A bucket with any gap, or with fewer base
// bars than the ratio, is a gap: partial aggregates are never produced.
func (b *bucket) result(symbol string, ratio int) series.Bar {
	if b.gap || b.count != ratio {
		return series.GapBar(symbol, b.start)
	}
	return series.Bar{
		Symbol:    symbol,
		Timestamp: b.start,
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close,
		Volume:    b.volume,
		Filled:    b.filled,
	}
}

// Aggregator groups base bars into calendar-aligned target buckets.
type Aggregator struct {
	registry *timeframe.Registry
	log      *zap.Logger
}

// New creates an Aggregator. A nil registry uses the default timeframes.
func New(reg *timeframe.Registry) *Aggregator {
	if reg == nil {
		reg = timeframe.DefaultRegistry()
	}
	return &Aggregator{
		registry: reg,
		log:      logging.Component("aggregator"),
	}
}

// Aggregate derives targetTf from base, an aligned series at baseTf.
//
// open is the first base open, close the last base close, high the max of
// highs, low the min of lows, volume the sum of volumes. Returns an
// UnsupportedRatio error unless targetTf is an integer multiple of baseTf.
func (a *Aggregator) Aggregate(base series.Series, baseTf, targetTf string) (series.Series, error) {
	m, err := a.mapping(baseTf, targetTf)
	if err != nil {
		return series.Series{}, err
	}
	return Apply(m, base), nil
}

// mapping resolves both names against the registry, accepting well-formed
// ad hoc names like "7m" so that a bad ratio reports as such.
func (a *Aggregator) mapping(baseTf, targetTf string) (timeframe.Mapping, error) {
	base, err := a.resolve(baseTf)
	if err != nil {
		return timeframe.Mapping{}, err
	}
	target, err := a.resolve(targetTf)
	if err != nil {
		return timeframe.Mapping{}, err
	}
	return timeframe.NewMapping(base, target)
}

func (a *Aggregator) resolve(name string) (timeframe.Timeframe, error) {
	if tf, err := a.registry.Get(name); err == nil {
		return tf, nil
	}
	return timeframe.Parse(name)
}

// AggregateAll aggregates every series in base.
func (a *Aggregator) AggregateAll(base map[string]series.Series, baseTf, targetTf string) (map[string]series.Series, error) {
	m, err := a.mapping(baseTf, targetTf)
	if err != nil {
		return nil, err
	}
	out := make(map[string]series.Series, len(base))
	for symbol, s := range base {
		out[symbol] = Apply(m, s)
	}
	a.log.Debug("aggregated",
		zap.String("mapping", m.String()),
		zap.Int("symbols", len(out)))
	return out, nil
}

// Apply aggregates base with a validated mapping.
func Apply(m timeframe.Mapping, base series.Series) series.Series {
	out := series.Series{Symbol: base.Symbol, Timeframe: m.Target.Name}
	if len(base.Bars) == 0 {
		return out
	}

	var cur *bucket
	for _, bar := range base.Bars {
		start := m.Target.Truncate(bar.Timestamp)
		if cur == nil || cur.start != start {
			if cur != nil {
				out.Bars = append(out.Bars, cur.result(base.Symbol, m.Ratio))
			}
			cur = newBucket(start)
		}
		cur.add(bar)
	}
	out.Bars = append(out.Bars, cur.result(base.Symbol, m.Ratio))
	return out
}
