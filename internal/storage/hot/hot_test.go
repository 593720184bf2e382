package hot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/series"
)

const t0 = int64(1717200000)

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "hot.duckdb")
	cfg.MemoryLimit = "256MB"
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mkBars(symbol string, start int64, n int, base float64) []series.Bar {
	out := make([]series.Bar, n)
	for i := range out {
		p := base + float64(i)
		out[i] = series.Bar{Symbol: symbol, Timestamp: start + int64(i)*300, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10}
	}
	return out
}

func TestOpenCreatesParentDirs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "data", "hot", "hot.duckdb")
	cfg.MemoryLimit = "256MB"

	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, cfg.Path)
	require.NoError(t, s.Replace(context.Background(), "BTCUSDT", "5m", t0, t0, mkBars("BTCUSDT", t0, 1, 100), "s1"))
}

func TestWritesAfterCloseFail(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Close())

	err := s.Replace(ctx, "BTCUSDT", "5m", t0, t0, mkBars("BTCUSDT", t0, 1, 100), "s1")
	assert.ErrorIs(t, err, errors.ErrWriterClosed)
	_, err = s.DeleteRange(ctx, "BTCUSDT", "5m", t0, t0+300)
	assert.ErrorIs(t, err, errors.ErrWriterClosed)
	assert.False(t, errors.IsRetriable(err))
}

func TestReplaceAndRange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	in := mkBars("BTCUSDT", t0, 10, 100)
	in[4] = series.GapBar("BTCUSDT", in[4].Timestamp)
	require.NoError(t, s.Replace(ctx, "BTCUSDT", "5m", t0, in[9].Timestamp, in, "s1"))

	out, err := s.Range(ctx, "BTCUSDT", "5m", t0, t0+10*300)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	half, err := s.Range(ctx, "BTCUSDT", "5m", t0, t0+5*300)
	require.NoError(t, err)
	assert.Len(t, half, 5, "end is exclusive")

	other, err := s.Range(ctx, "BTCUSDT", "1h", t0, t0+10*300)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestReplaceOverwritesRange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := mkBars("BTCUSDT", t0, 10, 100)
	require.NoError(t, s.Replace(ctx, "BTCUSDT", "5m", t0, first[9].Timestamp, first, "s1"))

	second := mkBars("BTCUSDT", t0+3*300, 2, 500)
	require.NoError(t, s.Replace(ctx, "BTCUSDT", "5m", t0+3*300, t0+6*300, second, "s2"))

	out, err := s.Range(ctx, "BTCUSDT", "5m", t0, t0+10*300)
	require.NoError(t, err)
	require.Len(t, out, 8, "bar at index 5 and 6 removed, 3..4 replaced")
	assert.Equal(t, 500.0, out[3].Close)
	assert.Equal(t, 107.0, out[5].Close)

	n, err := s.Count(ctx, "BTCUSDT", "5m")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestReplaceRejectsOutOfRangeAtomically(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := mkBars("ETHUSDT", t0, 4, 10)
	require.NoError(t, s.Replace(ctx, "ETHUSDT", "5m", t0, first[3].Timestamp, first, "s1"))

	bad := mkBars("ETHUSDT", t0, 6, 20)
	err := s.Replace(ctx, "ETHUSDT", "5m", t0, t0+2*300, bad, "s2")
	require.ErrorIs(t, err, errors.ErrInvalidRange)

	out, err := s.Range(ctx, "ETHUSDT", "5m", t0, t0+10*300)
	require.NoError(t, err)
	assert.Equal(t, first, out, "failed write unit leaves prior rows")
}

func TestLatestSkipsGaps(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.Latest(ctx, "BTCUSDT", "5m")
	require.NoError(t, err)
	assert.False(t, ok)

	in := mkBars("BTCUSDT", t0, 5, 100)
	in[4] = series.GapBar("BTCUSDT", in[4].Timestamp)
	require.NoError(t, s.Replace(ctx, "BTCUSDT", "5m", t0, in[4].Timestamp, in, "s1"))

	b, ok, err := s.Latest(ctx, "BTCUSDT", "5m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in[3], b)
}

func TestSegmentsAndDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	btc := mkBars("BTCUSDT", t0, 6, 100)
	eth := mkBars("ETHUSDT", t0, 3, 10)
	require.NoError(t, s.Replace(ctx, "BTCUSDT", "5m", t0, btc[5].Timestamp, btc, ""))
	require.NoError(t, s.Replace(ctx, "ETHUSDT", "5m", t0, eth[2].Timestamp, eth, ""))

	segs, err := s.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, Segment{Symbol: "BTCUSDT", Timeframe: "5m", Rows: 6, MinTs: t0, MaxTs: btc[5].Timestamp}, segs[0])

	n, err := s.DeleteRange(ctx, "BTCUSDT", "5m", 0, t0+3*300)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	segs, err = s.Segments(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), segs[0].Rows)
	assert.Equal(t, t0+3*300, segs[0].MinTs)
}

func TestReopenKeepsData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "hot.duckdb")
	ctx := context.Background()

	s, err := Open(cfg)
	require.NoError(t, err)
	in := mkBars("BTCUSDT", t0, 3, 1)
	require.NoError(t, s.Replace(ctx, "BTCUSDT", "1h", t0, in[2].Timestamp, in, ""))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	out, err := s.Range(ctx, "BTCUSDT", "1h", 0, t0+86400)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
