// Package catalog tracks the immutable cold-tier part files.
//
// The catalog is an immutable Snapshot published through an atomic pointer.
// Readers take the current snapshot without locking; publishers serialize on
// a mutex, persist the new snapshot to the manifest file, then swap.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/chronotier/internal/codec"
	"github.com/xtxerr/chronotier/internal/errors"
)

// Part describes one cold part file.
type Part struct {
	Symbol    string
	Timeframe string
	Month     string // YYYY-MM partition
	Seq       uint32 // increases per (symbol, timeframe, month)
	Path      string // relative to the cold root
	Start     int64  // first bar timestamp
	End       int64  // last bar timestamp
	Rows      int64
	Checksum  uint32
	Bytes     int64
	Codec     string
	CreatedAt int64
}

// Overlaps reports whether the part has bars in [start, end).
func (p Part) Overlaps(start, end int64) bool {
	return p.Start < end && p.End >= start
}

// SegmentKey identifies a (symbol, timeframe) segment.
type SegmentKey struct {
	Symbol    string
	Timeframe string
}

func (k SegmentKey) String() string {
	return k.Symbol + "/" + k.Timeframe
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is an immutable view of the catalog. Parts are ordered by
// symbol, timeframe, month, seq.
type Snapshot struct {
	Version uint64
	Parts   []Part
}

// Find returns the parts of a segment overlapping [start, end), oldest first.
func (s *Snapshot) Find(symbol, tf string, start, end int64) []Part {
	var out []Part
	for _, p := range s.Parts {
		if p.Symbol == symbol && p.Timeframe == tf && p.Overlaps(start, end) {
			out = append(out, p)
		}
	}
	return out
}

// Segment returns every part of a segment, oldest first.
func (s *Snapshot) Segment(symbol, tf string) []Part {
	var out []Part
	for _, p := range s.Parts {
		if p.Symbol == symbol && p.Timeframe == tf {
			out = append(out, p)
		}
	}
	return out
}

// NextSeq returns the sequence number for a new part in a partition.
func (s *Snapshot) NextSeq(symbol, tf, month string) uint32 {
	var next uint32
	for _, p := range s.Parts {
		if p.Symbol == symbol && p.Timeframe == tf && p.Month == month && p.Seq >= next {
			next = p.Seq + 1
		}
	}
	return next
}

// Referenced returns the set of part paths known to the catalog.
func (s *Snapshot) Referenced() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Parts))
	for _, p := range s.Parts {
		out[p.Path] = struct{}{}
	}
	return out
}

// Rows returns the total row count.
func (s *Snapshot) Rows() int64 {
	var n int64
	for _, p := range s.Parts {
		n += p.Rows
	}
	return n
}

func sortParts(parts []Part) {
	sort.Slice(parts, func(i, j int) bool {
		a, b := parts[i], parts[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		return a.Seq < b.Seq
	})
}

// =============================================================================
// Catalog
// =============================================================================

// Catalog owns the manifest file and the current snapshot.
type Catalog struct {
	path string

	mu  sync.Mutex // serializes publishers
	cur atomic.Pointer[Snapshot]
}

// Open loads the manifest at path, or starts empty if it does not exist.
func Open(path string) (*Catalog, error) {
	c := &Catalog{path: path}

	payload, err := codec.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		c.cur.Store(&Snapshot{})
		return c, nil
	case err != nil:
		return nil, errors.NewStorageIO("read catalog", err)
	}

	snap, err := decodeSnapshot(payload)
	if err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c.cur.Store(snap)
	return c, nil
}

// Current returns the published snapshot.
func (c *Catalog) Current() *Snapshot {
	return c.cur.Load()
}

// Path returns the manifest path.
func (c *Catalog) Path() string {
	return c.path
}

// Update builds a new snapshot from the current parts, persists it and
// publishes it. fn receives a copy it may modify freely. If persisting
// fails the current snapshot stays published.
func (c *Catalog) Update(fn func(parts []Part) []Part) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.cur.Load()
	parts := fn(append([]Part(nil), old.Parts...))
	sortParts(parts)

	next := &Snapshot{Version: old.Version + 1, Parts: parts}
	if err := codec.WriteFileAtomic(c.path, encodeSnapshot(next)); err != nil {
		return old, errors.NewStorageIO("write catalog", err)
	}
	c.cur.Store(next)
	return next, nil
}

// Add publishes parts.
func (c *Catalog) Add(parts ...Part) (*Snapshot, error) {
	return c.Replace(nil, parts...)
}

// Replace unpublishes the parts in old, matched by path, and publishes
// parts in the same snapshot.
func (c *Catalog) Replace(old []Part, parts ...Part) (*Snapshot, error) {
	drop := make(map[string]struct{}, len(old))
	for _, p := range old {
		drop[p.Path] = struct{}{}
	}
	now := time.Now().Unix()
	return c.Update(func(cur []Part) []Part {
		kept := cur[:0]
		for _, p := range cur {
			if _, ok := drop[p.Path]; !ok {
				kept = append(kept, p)
			}
		}
		for _, p := range parts {
			if p.CreatedAt == 0 {
				p.CreatedAt = now
			}
			kept = append(kept, p)
		}
		return kept
	})
}

// Remove unpublishes every part matching pred and returns them.
func (c *Catalog) Remove(pred func(Part) bool) ([]Part, error) {
	var removed []Part
	_, err := c.Update(func(cur []Part) []Part {
		kept := cur[:0]
		for _, p := range cur {
			if pred(p) {
				removed = append(removed, p)
				continue
			}
			kept = append(kept, p)
		}
		return kept
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
