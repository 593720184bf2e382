package testing

import (
	"math"
	"math/rand"

	"github.com/xtxerr/chronotier/internal/series"
)

// RandomWalk returns n valid bars spaced step seconds apart starting at
// start. The same seed always yields the same bars.
func RandomWalk(symbol string, start, step int64, n int, seed int64) []series.Bar {
	rng := rand.New(rand.NewSource(seed))
	out := make([]series.Bar, n)
	price := 100 + rng.Float64()*100
	for i := range out {
		open := price
		closeP := math.Max(1, open*(1+(rng.Float64()-0.5)*0.02))
		high := math.Max(open, closeP) * (1 + rng.Float64()*0.005)
		low := math.Min(open, closeP) * (1 - rng.Float64()*0.005)
		out[i] = series.Bar{
			Symbol:    symbol,
			Timestamp: start + int64(i)*step,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    math.Round(rng.Float64()*1000*100) / 100,
		}
		price = closeP
	}
	return out
}

// WithGaps replaces the bars at the given indices with gap bars.
func WithGaps(bars []series.Bar, idx ...int) []series.Bar {
	out := append([]series.Bar(nil), bars...)
	for _, i := range idx {
		out[i] = series.GapBar(out[i].Symbol, out[i].Timestamp)
	}
	return out
}

// Drop returns bars without the half-open index range [from, to).
func Drop(bars []series.Bar, from, to int) []series.Bar {
	out := append([]series.Bar(nil), bars[:from]...)
	return append(out, bars[to:]...)
}
