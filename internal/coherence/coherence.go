// Package coherence cross-checks aggregated series against independently
// aligned series of the same coarse timeframe.
package coherence

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"go.uber.org/zap"

	"github.com/xtxerr/chronotier/internal/events"
	"github.com/xtxerr/chronotier/internal/logging"
	"github.com/xtxerr/chronotier/internal/series"
)

// Field names an OHLCV component.
type Field string

const (
	FieldOpen   Field = "open"
	FieldHigh   Field = "high"
	FieldLow    Field = "low"
	FieldClose  Field = "close"
	FieldVolume Field = "volume"
)

// Fields lists all compared fields in a fixed order.
var Fields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// DefaultTolerances holds the relative tolerance per timeframe. Longer
// timeframes compound rounding across more source bars.
func DefaultTolerances() map[string]float64 {
	return map[string]float64{
		"1m":  0.005,
		"5m":  0.005,
		"15m": 0.005,
		"30m": 0.01,
		"1h":  0.01,
		"4h":  0.015,
		"1d":  0.02,
		"1w":  0.02,
	}
}

// FallbackTolerance applies to timeframes missing from the table.
const FallbackTolerance = 0.02

// sketchAccuracy is the DDSketch relative accuracy for error percentiles.
const sketchAccuracy = 0.01

// Mismatch describes one bar that disagreed beyond tolerance.
type Mismatch struct {
	Symbol    string
	Timestamp int64
	Field     Field
	Aggregate float64
	Reference float64
	RelErr    float64
}

// FieldStats summarizes the relative error distribution of one field.
// Unsketched counts errors the sketch could not hold; they still count
// toward Max and mismatches.
type FieldStats struct {
	Count      int64
	Unsketched int64
	P50        float64
	P99        float64
	Max        float64
}

// Report is the coherence result for one timeframe pair.
type Report struct {
	Pair      string
	Timeframe string
	Tolerance float64

	Compared   int
	Matched    int
	Skipped    int
	Mismatched []Mismatch

	// OverallCoherence = 1 - mismatched bars / compared bars.
	OverallCoherence float64

	Fields map[Field]FieldStats
}

// MismatchedTimestamps returns the distinct mismatched bar timestamps.
func (r *Report) MismatchedTimestamps() []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, m := range r.Mismatched {
		if _, ok := seen[m.Timestamp]; ok {
			continue
		}
		seen[m.Timestamp] = struct{}{}
		out = append(out, m.Timestamp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validator compares series with timeframe-aware tolerances.
type Validator struct {
	tolerances map[string]float64
	sink       events.Sink
	log        *zap.Logger
}

// New creates a Validator. A nil table uses DefaultTolerances.
func New(tolerances map[string]float64, sink events.Sink) *Validator {
	if tolerances == nil {
		tolerances = DefaultTolerances()
	}
	return &Validator{
		tolerances: tolerances,
		sink:       events.OrNop(sink),
		log:        logging.Component("coherence"),
	}
}

// Tolerance returns the configured tolerance for tf.
func (v *Validator) Tolerance(tf string) float64 {
	if t, ok := v.tolerances[tf]; ok {
		return t
	}
	return FallbackTolerance
}

// Compare checks aggregated against independent bar by bar at the
// tolerance configured for the aggregated timeframe.
func (v *Validator) Compare(aggregated, independent series.Series) *Report {
	return v.CompareWithTolerance(aggregated, independent, v.Tolerance(aggregated.Timeframe))
}

// CompareWithTolerance checks all five OHLCV fields by relative error.
// Only bars that carry data on both sides are compared.
func (v *Validator) CompareWithTolerance(aggregated, independent series.Series, tolerance float64) *Report {
	r := &Report{
		Pair:      aggregated.Symbol,
		Timeframe: aggregated.Timeframe,
		Tolerance: tolerance,
		Fields:    make(map[Field]FieldStats, len(Fields)),
	}

	sketches := make(map[Field]*ddsketch.DDSketch, len(Fields))
	maxErr := make(map[Field]float64, len(Fields))
	unsketched := make(map[Field]int64)
	for _, f := range Fields {
		if sk, err := ddsketch.NewDefaultDDSketch(sketchAccuracy); err == nil {
			sketches[f] = sk
		}
	}

	ref := make(map[int64]series.Bar, len(independent.Bars))
	for _, b := range independent.Bars {
		ref[b.Timestamp] = b
	}

	mismatchedBars := 0
	for _, a := range aggregated.Bars {
		b, ok := ref[a.Timestamp]
		if !ok || a.Gap || b.Gap {
			r.Skipped++
			continue
		}
		r.Compared++

		bad := false
		for _, f := range Fields {
			x, y := value(a, f), value(b, f)
			e := relErr(x, y)
			if sk := sketches[f]; sk != nil {
				if err := sk.Add(e); err != nil {
					unsketched[f]++
				}
			}
			if e > maxErr[f] {
				maxErr[f] = e
			}
			if e > tolerance {
				bad = true
				r.Mismatched = append(r.Mismatched, Mismatch{
					Symbol: aggregated.Symbol, Timestamp: a.Timestamp, Field: f,
					Aggregate: x, Reference: y, RelErr: e,
				})
			}
		}
		if bad {
			mismatchedBars++
		} else {
			r.Matched++
		}
	}

	r.OverallCoherence = 1
	if r.Compared > 0 {
		r.OverallCoherence = 1 - float64(mismatchedBars)/float64(r.Compared)
	}

	for _, f := range Fields {
		st := FieldStats{Max: maxErr[f], Unsketched: unsketched[f]}
		if st.Unsketched > 0 {
			v.log.Warn("relative errors outside sketch range",
				zap.String("symbol", aggregated.Symbol),
				zap.String("timeframe", aggregated.Timeframe),
				zap.String("field", string(f)),
				zap.Int64("count", st.Unsketched))
		}
		if sk := sketches[f]; sk != nil && !sk.IsEmpty() {
			st.Count = int64(sk.GetCount())
			if q, err := sk.GetValuesAtQuantiles([]float64{0.5, 0.99}); err == nil {
				st.P50, st.P99 = q[0], q[1]
			}
		}
		r.Fields[f] = st
	}

	if mismatchedBars > 0 {
		v.log.Warn("coherence mismatch",
			zap.String("symbol", aggregated.Symbol),
			zap.String("timeframe", aggregated.Timeframe),
			zap.Int("bars", mismatchedBars),
			zap.Float64("coherence", r.OverallCoherence))
		v.sink.Emit(events.Event{
			Kind: events.KindCoherenceMismatch, Time: time.Now(),
			Symbol: aggregated.Symbol, Timeframe: aggregated.Timeframe,
			Count: mismatchedBars, Value: r.OverallCoherence,
		})
	}
	return r
}

// Summary folds per-symbol reports of one timeframe pair.
type Summary struct {
	Pair             string
	Reports          map[string]*Report
	OverallCoherence float64
}

// CompareAll compares every symbol present on both sides. Coherence of the
// summary is bar-weighted across symbols.
func (v *Validator) CompareAll(pair string, aggregated, independent map[string]series.Series) *Summary {
	s := &Summary{Pair: pair, Reports: make(map[string]*Report, len(aggregated)), OverallCoherence: 1}

	compared, mismatched := 0, 0
	for symbol, agg := range aggregated {
		ind, ok := independent[symbol]
		if !ok {
			continue
		}
		r := v.Compare(agg, ind)
		r.Pair = fmt.Sprintf("%s %s", pair, symbol)
		s.Reports[symbol] = r
		compared += r.Compared
		mismatched += r.Compared - r.Matched
	}
	if compared > 0 {
		s.OverallCoherence = 1 - float64(mismatched)/float64(compared)
	}
	return s
}

func value(b series.Bar, f Field) float64 {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldClose:
		return b.Close
	default:
		return b.Volume
	}
}

// relErr is |x-y| relative to the larger magnitude. Two zeros agree.
// relErr is |x-y| relative to the larger magnitude. A non-finite side
// that differs from the other gives +Inf.
func relErr(x, y float64) float64 {
	if x == y {
		return 0
	}
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return math.Inf(1)
	}
	return math.Abs(x-y) / math.Max(math.Abs(x), math.Abs(y))
}
