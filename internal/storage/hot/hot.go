// Package hot is the row-oriented recent-data tier backed by DuckDB.
package hot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/series"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds hot store options.
type Config struct {
	// Path is the DuckDB database file. Empty opens an in-memory database.
	Path string

	// MemoryLimit is passed to DuckDB's memory_limit setting.
	MemoryLimit string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MemoryLimit:  "1GB",
		MaxOpenConns: 8,
	}
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS bars (
	symbol     VARCHAR NOT NULL,
	timeframe  VARCHAR NOT NULL,
	ts         BIGINT  NOT NULL,
	open       DOUBLE  NOT NULL,
	high       DOUBLE  NOT NULL,
	low        DOUBLE  NOT NULL,
	close      DOUBLE  NOT NULL,
	volume     DOUBLE  NOT NULL,
	gap        BOOLEAN NOT NULL,
	filled     BOOLEAN NOT NULL,
	session_id VARCHAR,
	written_at BIGINT  NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS bars_key ON bars (symbol, timeframe, ts)`,
}

// =============================================================================
// Store
// =============================================================================

// Store holds bars keyed by (symbol, timeframe, ts). Uniqueness of the key
// is maintained by Replace, which deletes the range before inserting.
//
// Store is safe for concurrent use. Callers serialize writes per segment.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the hot store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, errors.NewStorageIO("create hot dir", err)
		}
	}
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if cfg.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Store{db: db, config: cfg}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// transaction runs fn in a transaction, rolling back on error.
func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrWriterClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Writes
// =============================================================================

// Replace atomically replaces the rows of a segment in [start, end] with
// bars. All bars must belong to the range.
func (s *Store) Replace(ctx context.Context, symbol, tf string, start, end int64, bars []series.Bar, sessionID string) error {
	now := time.Now().Unix()
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bars WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?`,
			symbol, tf, start, end); err != nil {
			return fmt.Errorf("delete range: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume, gap, filled, session_id, written_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if b.Timestamp < start || b.Timestamp > end {
				return fmt.Errorf("bar %d outside [%d, %d]: %w", b.Timestamp, start, end, errors.ErrInvalidRange)
			}
			if _, err := stmt.ExecContext(ctx, symbol, tf, b.Timestamp,
				b.Open, b.High, b.Low, b.Close, b.Volume, b.Gap, b.Filled, sessionID, now); err != nil {
				return fmt.Errorf("insert bar %d: %w", b.Timestamp, err)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errors.ErrInvalidRange) && !errors.Is(err, errors.ErrWriterClosed) {
		return errors.NewStorageIO("hot replace "+symbol+"/"+tf, err)
	}
	return err
}

// DeleteRange removes the rows of a segment with start <= ts < end.
func (s *Store) DeleteRange(ctx context.Context, symbol, tf string, start, end int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errors.ErrWriterClosed
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bars WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ?`,
		symbol, tf, start, end)
	if err != nil {
		return 0, errors.NewStorageIO("hot delete "+symbol+"/"+tf, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =============================================================================
// Reads
// =============================================================================

// Range returns the bars of a segment with start <= ts < end, ascending.
func (s *Store) Range(ctx context.Context, symbol, tf string, start, end int64) ([]series.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, open, high, low, close, volume, gap, filled
		 FROM bars WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ?
		 ORDER BY ts`,
		symbol, tf, start, end)
	if err != nil {
		return nil, errors.NewStorageIO("hot range "+symbol+"/"+tf, err)
	}
	defer rows.Close()

	var out []series.Bar
	for rows.Next() {
		b := series.Bar{Symbol: symbol}
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Gap, &b.Filled); err != nil {
			return nil, errors.NewStorageIO("hot scan", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageIO("hot rows", err)
	}
	return out, nil
}

// Latest returns the newest bar of a segment carrying source data.
func (s *Store) Latest(ctx context.Context, symbol, tf string) (series.Bar, bool, error) {
	b := series.Bar{Symbol: symbol}
	err := s.db.QueryRowContext(ctx,
		`SELECT ts, open, high, low, close, volume, gap, filled
		 FROM bars WHERE symbol = ? AND timeframe = ? AND NOT gap AND NOT filled
		 ORDER BY ts DESC LIMIT 1`,
		symbol, tf).Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Gap, &b.Filled)
	if err == sql.ErrNoRows {
		return series.Bar{}, false, nil
	}
	if err != nil {
		return series.Bar{}, false, errors.NewStorageIO("hot latest "+symbol+"/"+tf, err)
	}
	return b, true, nil
}

// Segment summarizes the rows of one (symbol, timeframe).
type Segment struct {
	Symbol    string
	Timeframe string
	Rows      int64
	MinTs     int64
	MaxTs     int64
}

// Segments lists every non-empty segment.
func (s *Store) Segments(ctx context.Context) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, timeframe, count(*), min(ts), max(ts)
		 FROM bars GROUP BY symbol, timeframe ORDER BY symbol, timeframe`)
	if err != nil {
		return nil, errors.NewStorageIO("hot segments", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Symbol, &seg.Timeframe, &seg.Rows, &seg.MinTs, &seg.MaxTs); err != nil {
			return nil, errors.NewStorageIO("hot scan", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageIO("hot rows", err)
	}
	return out, nil
}

// Count returns the number of rows in a segment.
func (s *Store) Count(ctx context.Context, symbol, tf string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM bars WHERE symbol = ? AND timeframe = ?`, symbol, tf).Scan(&n)
	if err != nil {
		return 0, errors.NewStorageIO("hot count", err)
	}
	return n, nil
}
