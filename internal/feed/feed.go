// Package feed reads raw market data drop files with DuckDB.
//
// Drop files live under <dir>/<symbol>/<timeframe>/ as CSV with a header
// row or as Parquet, with columns ts (unix seconds), open, high, low, close
// and volume. Any number of files may cover a symbol; rows with equal
// timestamps are returned in file name order so that later files win
// during alignment.
package feed

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/xtxerr/chronotier/internal/config"
	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/series"
)

// Format is a drop file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Config holds fetcher options.
type Config struct {
	Dir         string
	Format      Format
	MemoryLimit string
}

// ConfigFrom derives fetcher options from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Dir:    cfg.FeedDir(),
		Format: Format(cfg.Feed.Format),
	}
}

// DuckDBFetcher serves raw bars from drop files through an in-memory
// DuckDB instance.
type DuckDBFetcher struct {
	config Config
	db     *sql.DB
	log    *zap.Logger

	stats Stats
}

// Stats holds fetch statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	RowsReturned    atomic.Int64
	Errors          atomic.Int64
}

// New opens an in-memory DuckDB for reading drop files.
func New(cfg Config, log *zap.Logger) (*DuckDBFetcher, error) {
	if cfg.Dir == "" {
		return nil, errors.NewMissingField("feed dir")
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatCSV
	case FormatCSV, FormatParquet:
	default:
		return nil, errors.NewInvalidValue("feed format", cfg.Format, "must be csv or parquet")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &DuckDBFetcher{config: cfg, db: db, log: log}, nil
}

// Close closes the DuckDB instance.
func (f *DuckDBFetcher) Close() error {
	if f.db != nil {
		return f.db.Close()
	}
	return nil
}

func (f *DuckDBFetcher) pattern(symbol, tf string) string {
	return filepath.Join(f.config.Dir, symbol, tf, "*."+string(f.config.Format))
}

// Available reports whether any drop file exists for symbol/tf.
func (f *DuckDBFetcher) Available(symbol, tf string) bool {
	matches, _ := filepath.Glob(f.pattern(symbol, tf))
	return len(matches) > 0
}

// Symbols lists the symbols with a drop directory for tf.
func (f *DuckDBFetcher) Symbols(tf string) ([]string, error) {
	entries, err := os.ReadDir(f.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && f.Available(e.Name(), tf) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Fetch returns the raw bars of symbol/tf with start <= ts < end. A symbol
// without drop files yields no bars and no error.
func (f *DuckDBFetcher) Fetch(ctx context.Context, symbol, tf string, start, end time.Time) ([]series.Bar, error) {
	if !start.Before(end) {
		return nil, errors.NewInvalidRange(start, end)
	}
	if !f.Available(symbol, tf) {
		return nil, nil
	}

	glob := quote(f.pattern(symbol, tf))
	reader := "read_csv_auto(" + glob + ", header = true, filename = true)"
	if f.config.Format == FormatParquet {
		reader = "read_parquet(" + glob + ", filename = true)"
	}
	query := `
		SELECT
			CAST("ts" AS BIGINT),
			CAST("open" AS DOUBLE), CAST("high" AS DOUBLE),
			CAST("low" AS DOUBLE), CAST("close" AS DOUBLE),
			CAST("volume" AS DOUBLE)
		FROM ` + reader + `
		WHERE "ts" >= $1 AND "ts" < $2
		ORDER BY "ts", filename
	`

	rows, err := f.db.QueryContext(ctx, query, start.Unix(), end.Unix())
	if err != nil {
		f.stats.Errors.Add(1)
		return nil, f.wrap(ctx, symbol, tf, err)
	}
	defer rows.Close()

	var bars []series.Bar
	for rows.Next() {
		b := series.Bar{Symbol: symbol}
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			f.stats.Errors.Add(1)
			return nil, fmt.Errorf("scan %s/%s: %w", symbol, tf, err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		f.stats.Errors.Add(1)
		return nil, f.wrap(ctx, symbol, tf, err)
	}

	f.stats.QueriesExecuted.Add(1)
	f.stats.RowsReturned.Add(int64(len(bars)))
	f.log.Debug("fetched raw bars",
		zap.String("symbol", symbol),
		zap.String("timeframe", tf),
		zap.Int("rows", len(bars)))
	return bars, nil
}

// quote renders s as a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (f *DuckDBFetcher) wrap(ctx context.Context, symbol, tf string, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("fetch %s/%s: %w", symbol, tf, errors.ErrTimeout)
	case context.Canceled:
		return fmt.Errorf("fetch %s/%s: %w", symbol, tf, errors.ErrCanceled)
	}
	return errors.NewStorageIO("fetch "+symbol+"/"+tf, err)
}

// Stats returns current statistics.
func (f *DuckDBFetcher) Stats() FetcherStats {
	return FetcherStats{
		QueriesExecuted: f.stats.QueriesExecuted.Load(),
		RowsReturned:    f.stats.RowsReturned.Load(),
		Errors:          f.stats.Errors.Load(),
	}
}

// FetcherStats holds fetcher statistics.
type FetcherStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}
