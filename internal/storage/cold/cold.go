// Package cold stores bars as immutable, compressed Parquet part files
// partitioned by symbol, timeframe and month.
//
// Layout: <root>/<symbol>/<timeframe>/<YYYY-MM>/part-<seq>.parquet
package cold

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/chronotier/internal/codec"
	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/series"
	"github.com/xtxerr/chronotier/internal/storage/catalog"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

func (c CompressionType) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// BarRow is the Parquet row layout of a bar.
type BarRow struct {
	Timestamp int64   `parquet:"ts,delta"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
	Gap       bool    `parquet:"gap"`
	Filled    bool    `parquet:"filled"`
}

func toRow(b series.Bar) BarRow {
	return BarRow{
		Timestamp: b.Timestamp,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		Gap:       b.Gap,
		Filled:    b.Filled,
	}
}

func fromRow(symbol string, r BarRow) series.Bar {
	return series.Bar{
		Symbol:    symbol,
		Timestamp: r.Timestamp,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Gap:       r.Gap,
		Filled:    r.Filled,
	}
}

// =============================================================================
// Partitioning
// =============================================================================

// Month returns the YYYY-MM partition of a unix timestamp.
func Month(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01")
}

// MonthBounds returns [start, end) of a YYYY-MM partition in unix seconds.
func MonthBounds(month string) (int64, int64, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return 0, 0, fmt.Errorf("parse month %q: %w", month, err)
	}
	return t.Unix(), t.AddDate(0, 1, 0).Unix(), nil
}

// Partition groups sorted bars by month, preserving order. The returned
// months are ascending.
func Partition(bars []series.Bar) ([]string, map[string][]series.Bar) {
	groups := make(map[string][]series.Bar)
	var months []string
	for _, b := range bars {
		m := Month(b.Timestamp)
		if _, ok := groups[m]; !ok {
			months = append(months, m)
		}
		groups[m] = append(groups[m], b)
	}
	return months, groups
}

// RelPath returns the path of a part relative to the cold root.
func RelPath(symbol, tf, month string, seq uint32) string {
	return filepath.Join(symbol, tf, month, fmt.Sprintf("part-%06d.parquet", seq))
}

// =============================================================================
// Store
// =============================================================================

// Store reads and writes part files under a root directory.
type Store struct {
	root        string
	compression CompressionType
}

// New creates a Store rooted at root.
func New(root string, compression CompressionType) *Store {
	return &Store{root: root, compression: compression}
}

// Root returns the cold root directory.
func (s *Store) Root() string {
	return s.root
}

// Abs returns the absolute path of a catalog-relative part path.
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.root, rel)
}

// WritePart writes bars of one month partition as a new immutable part,
// re-reads it and verifies row count and checksum. On any failure the file
// is removed. The returned Part is not yet published.
func (s *Store) WritePart(symbol, tf, month string, seq uint32, bars []series.Bar) (catalog.Part, error) {
	if len(bars) == 0 {
		return catalog.Part{}, fmt.Errorf("empty part %s/%s/%s", symbol, tf, month)
	}

	rel := RelPath(symbol, tf, month, seq)
	path := s.Abs(rel)

	size, err := s.write(path, bars)
	if err != nil {
		os.Remove(path)
		return catalog.Part{}, errors.NewStorageIO("write part "+rel, err)
	}

	want := codec.Checksum(bars)
	got, err := s.readPath(symbol, path)
	if err != nil {
		os.Remove(path)
		return catalog.Part{}, errors.NewStorageIO("verify part "+rel, err)
	}
	if len(got) != len(bars) || codec.Checksum(got) != want {
		os.Remove(path)
		return catalog.Part{}, fmt.Errorf("%s: %d rows read back, %d written: %w",
			rel, len(got), len(bars), errors.ErrVerificationFailed)
	}

	return catalog.Part{
		Symbol:    symbol,
		Timeframe: tf,
		Month:     month,
		Seq:       seq,
		Path:      rel,
		Start:     bars[0].Timestamp,
		End:       bars[len(bars)-1].Timestamp,
		Rows:      int64(len(bars)),
		Checksum:  want,
		Bytes:     size,
		Codec:     s.compression.String(),
		CreatedAt: time.Now().Unix(),
	}, nil
}

func (s *Store) write(path string, bars []series.Bar) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	// Unpublished paths may hold a leftover from a crashed attempt.
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	rows := make([]BarRow, len(bars))
	for i := range bars {
		rows[i] = toRow(bars[i])
	}

	w := parquet.NewGenericWriter[BarRow](f, parquet.Compression(s.compression.codec()))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return 0, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return 0, fmt.Errorf("close writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("sync: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("stat: %w", err)
	}
	return st.Size(), f.Close()
}

// ReadPart reads every bar of a published part.
func (s *Store) ReadPart(p catalog.Part) ([]series.Bar, error) {
	bars, err := s.readPath(p.Symbol, s.Abs(p.Path))
	if err != nil {
		return nil, errors.NewStorageIO("read part "+p.Path, err)
	}
	return bars, nil
}

func (s *Store) readPath(symbol, path string) ([]series.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[BarRow](f)
	defer r.Close()

	out := make([]series.Bar, 0, r.NumRows())
	buf := make([]BarRow, 1024)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			out = append(out, fromRow(symbol, buf[i]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

// RemovePart deletes a part file. A missing file is not an error.
func (s *Store) RemovePart(rel string) error {
	err := os.Remove(s.Abs(rel))
	if err != nil && !os.IsNotExist(err) {
		return errors.NewStorageIO("remove part "+rel, err)
	}
	s.pruneEmptyDirs(filepath.Dir(s.Abs(rel)))
	return nil
}

// pruneEmptyDirs removes empty partition directories up to the root.
func (s *Store) pruneEmptyDirs(dir string) {
	root := filepath.Clean(s.root)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// PartFiles walks the root and returns every part file path relative to it.
func (s *Store) PartFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".parquet" {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, errors.NewStorageIO("walk cold root", err)
	}
	return out, nil
}
