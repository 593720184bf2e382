// Package series defines OHLCV bars, master timelines and aligned series.
package series

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

// Bar is one OHLCV summary. Timestamp is the bar open in unix seconds.
type Bar struct {
	Symbol    string
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64

	// Gap marks a grid point with no source bar. OHLCV fields are zero.
	Gap bool

	// Filled marks a bar synthesized by fill-forward.
	Filled bool
}

// GapBar returns a gap marker for symbol at ts.
func GapBar(symbol string, ts int64) Bar {
	return Bar{Symbol: symbol, Timestamp: ts, Gap: true}
}

// Time returns the bar open as time.Time in UTC.
func (b Bar) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}

// Present reports whether the bar carries source data.
func (b Bar) Present() bool {
	return !b.Gap && !b.Filled
}

// Validate checks the OHLC ordering and volume sign of a non-gap bar.
func (b Bar) Validate() error {
	if b.Gap {
		return nil
	}
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s@%d: non-finite value: %w", b.Symbol, b.Timestamp, errors.ErrInvalidBar)
		}
	}
	if b.High < math.Max(b.Open, math.Max(b.Close, b.Low)) {
		return fmt.Errorf("%s@%d: high %.8g below body: %w", b.Symbol, b.Timestamp, b.High, errors.ErrInvalidBar)
	}
	if b.Low > math.Min(b.Open, math.Min(b.Close, b.High)) {
		return fmt.Errorf("%s@%d: low %.8g above body: %w", b.Symbol, b.Timestamp, b.Low, errors.ErrInvalidBar)
	}
	if b.Volume < 0 {
		return fmt.Errorf("%s@%d: negative volume: %w", b.Symbol, b.Timestamp, errors.ErrInvalidBar)
	}
	return nil
}

// SortBars sorts bars by timestamp, keeping the input order of equal
// timestamps so later duplicates stay later.
func SortBars(bars []Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp < bars[j].Timestamp
	})
}

// =============================================================================
// Timeline
// =============================================================================

// Timeline is the canonical grid of one timeframe over [Start, End).
// It is immutable once built.
type Timeline struct {
	Timeframe timeframe.Timeframe
	Start     int64
	End       int64
	points    []int64
}

// NewTimeline builds the grid points in [start, end). start is rounded up to
// the first grid point.
func NewTimeline(tf timeframe.Timeframe, start, end int64) (Timeline, error) {
	if tf.IsZero() {
		return Timeline{}, errors.NewUnknownTimeframe(tf.Name)
	}
	if start >= end {
		return Timeline{}, errors.NewInvalidRange(time.Unix(start, 0), time.Unix(end, 0))
	}

	step := tf.Seconds()
	first := tf.Ceil(start)
	n := 0
	if first < end {
		n = int((end-first-1)/step) + 1
	}

	points := make([]int64, n)
	for i := range points {
		points[i] = first + int64(i)*step
	}

	return Timeline{Timeframe: tf, Start: start, End: end, points: points}, nil
}

// Len returns the number of grid points.
func (t Timeline) Len() int {
	return len(t.points)
}

// At returns the i-th grid point.
func (t Timeline) At(i int) int64 {
	return t.points[i]
}

// Points returns a copy of the grid points.
func (t Timeline) Points() []int64 {
	out := make([]int64, len(t.points))
	copy(out, t.points)
	return out
}

// Index returns the position of ts on the grid, or -1.
func (t Timeline) Index(ts int64) int {
	if len(t.points) == 0 || ts < t.points[0] || ts > t.points[len(t.points)-1] {
		return -1
	}
	if !t.Timeframe.OnGrid(ts) {
		return -1
	}
	return int((ts - t.points[0]) / t.Timeframe.Seconds())
}

// =============================================================================
// Series
// =============================================================================

// Series is one symbol's bars on a timeline: one bar per grid point,
// each either real or an explicit gap.
type Series struct {
	Symbol    string
	Timeframe string
	Bars      []Bar
}

// Len returns the number of bars.
func (s Series) Len() int {
	return len(s.Bars)
}

// Present returns the number of bars carrying source data.
func (s Series) Present() int {
	n := 0
	for i := range s.Bars {
		if s.Bars[i].Present() {
			n++
		}
	}
	return n
}

// Range returns the first timestamp and the last timestamp of the series.
func (s Series) Range() (int64, int64) {
	if len(s.Bars) == 0 {
		return 0, 0
	}
	return s.Bars[0].Timestamp, s.Bars[len(s.Bars)-1].Timestamp
}

// Slice returns the bars with start <= ts < end.
func (s Series) Slice(start, end int64) Series {
	lo := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Timestamp >= start })
	hi := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Timestamp >= end })
	out := Series{Symbol: s.Symbol, Timeframe: s.Timeframe}
	if lo < hi {
		out.Bars = append([]Bar(nil), s.Bars[lo:hi]...)
	}
	return out
}

// Clone returns a deep copy.
func (s Series) Clone() Series {
	return Series{
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		Bars:      append([]Bar(nil), s.Bars...),
	}
}

// Validate checks that bars are strictly increasing and individually valid.
func (s Series) Validate() error {
	for i := range s.Bars {
		if i > 0 && s.Bars[i].Timestamp <= s.Bars[i-1].Timestamp {
			return fmt.Errorf("%s: bar %d not strictly increasing: %w", s.Symbol, i, errors.ErrInvalidBar)
		}
		if err := s.Bars[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Merge combines bars from several sources into one strictly increasing
// slice. On equal timestamps the bar from the later source wins.
func Merge(symbol, tf string, sources ...[]Bar) Series {
	byTs := make(map[int64]Bar)
	for _, src := range sources {
		for _, b := range src {
			byTs[b.Timestamp] = b
		}
	}
	out := Series{Symbol: symbol, Timeframe: tf, Bars: make([]Bar, 0, len(byTs))}
	for _, b := range byTs {
		out.Bars = append(out.Bars, b)
	}
	SortBars(out.Bars)
	return out
}

// Latest returns the newest bar carrying source data.
func (s Series) Latest() (Bar, bool) {
	for i := len(s.Bars) - 1; i >= 0; i-- {
		if s.Bars[i].Present() {
			return s.Bars[i], true
		}
	}
	return Bar{}, false
}
