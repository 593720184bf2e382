package cold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/series"
)

// 2024-05-31 23:00 UTC
const may31 = int64(1717196400)

func bars(symbol string, start int64, n int) []series.Bar {
	out := make([]series.Bar, n)
	price := 100.0
	for i := range out {
		ts := start + int64(i)*300
		if i%7 == 3 {
			out[i] = series.GapBar(symbol, ts)
			continue
		}
		out[i] = series.Bar{
			Symbol: symbol, Timestamp: ts,
			Open: price, High: price + 2, Low: price - 1, Close: price + 1, Volume: float64(i),
		}
		price++
	}
	return out
}

func TestPartition(t *testing.T) {
	in := bars("BTCUSDT", may31, 24) // crosses into June after 12 bars
	months, groups := Partition(in)

	require.Equal(t, []string{"2024-05", "2024-06"}, months)
	assert.Len(t, groups["2024-05"], 12)
	assert.Len(t, groups["2024-06"], 12)

	start, end, err := MonthBounds("2024-06")
	require.NoError(t, err)
	assert.Equal(t, may31+3600, start)
	assert.Equal(t, int64(1719792000), end)
}

func TestWriteReadPart(t *testing.T) {
	s := New(t.TempDir(), CompressionZstd)
	in := bars("BTCUSDT", may31, 12)

	p, err := s.WritePart("BTCUSDT", "5m", "2024-05", 0, in)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("BTCUSDT", "5m", "2024-05", "part-000000.parquet"), p.Path)
	assert.Equal(t, int64(12), p.Rows)
	assert.Equal(t, in[0].Timestamp, p.Start)
	assert.Equal(t, in[11].Timestamp, p.End)
	assert.Equal(t, "zstd", p.Codec)
	assert.Positive(t, p.Bytes)

	out, err := s.ReadPart(p)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCompressionCodecs(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd", "lz4", "gzip"} {
		name := name
		t.Run(name, func(t *testing.T) {
			s := New(t.TempDir(), ParseCompressionType(name))
			in := bars("ETHUSDT", may31, 5)
			p, err := s.WritePart("ETHUSDT", "5m", "2024-05", 0, in)
			require.NoError(t, err)
			out, err := s.ReadPart(p)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestEmptyPartRejected(t *testing.T) {
	_, err := New(t.TempDir(), CompressionZstd).WritePart("BTCUSDT", "5m", "2024-05", 0, nil)
	assert.Error(t, err)
}

func TestReadMissingIsStorageIO(t *testing.T) {
	s := New(t.TempDir(), CompressionZstd)
	p, err := s.WritePart("BTCUSDT", "5m", "2024-05", 0, bars("BTCUSDT", may31, 3))
	require.NoError(t, err)
	require.NoError(t, os.Remove(s.Abs(p.Path)))

	_, err = s.ReadPart(p)
	assert.ErrorIs(t, err, errors.ErrStorageIO)
}

func TestPartFilesAndRemove(t *testing.T) {
	s := New(t.TempDir(), CompressionZstd)
	a, err := s.WritePart("BTCUSDT", "5m", "2024-05", 0, bars("BTCUSDT", may31, 3))
	require.NoError(t, err)
	b, err := s.WritePart("ETHUSDT", "1h", "2024-05", 4, bars("ETHUSDT", may31, 3))
	require.NoError(t, err)

	files, err := s.PartFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.Path, b.Path}, files)

	require.NoError(t, s.RemovePart(a.Path))
	require.NoError(t, s.RemovePart(a.Path), "removing twice is fine")

	_, err = os.Stat(filepath.Join(s.Root(), "BTCUSDT"))
	assert.True(t, os.IsNotExist(err), "empty partition directories are pruned")

	files, err = s.PartFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{b.Path}, files)
}

func TestPartFilesMissingRoot(t *testing.T) {
	files, err := New(filepath.Join(t.TempDir(), "absent"), CompressionZstd).PartFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}
