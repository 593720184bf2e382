package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xtxerr/chronotier/internal/codec"
	"github.com/xtxerr/chronotier/internal/errors"
)

// Layer is an optional second cache layer behind the memory layer. Get
// returns errors.ErrCacheMiss when the layer holds no entry for the key.
type Layer interface {
	Name() string
	Get(ctx context.Context, key Key) (Entry, error)
	Put(ctx context.Context, e Entry) error
	Invalidate(ctx context.Context, symbol, tf string, start, end int64) (int, error)
	Close() error
}

const entryExt = ".entry"

// DiskLayer keeps one framed entry file per key under a directory. An
// in-memory index of the keys on disk serves scoped invalidation.
type DiskLayer struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	index map[string]Key // file name -> key
}

// DiskOption configures a DiskLayer.
type DiskOption func(*DiskLayer)

// WithClock sets the clock entry expiry is checked against.
func WithClock(now func() time.Time) DiskOption {
	return func(d *DiskLayer) { d.now = now }
}

// OpenDisk opens or creates a disk layer in dir. Unreadable or expired
// entry files are removed.
func OpenDisk(dir string, opts ...DiskOption) (*DiskLayer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	d := &DiskLayer{dir: dir, now: time.Now, index: make(map[string]Key)}
	for _, opt := range opts {
		opt(d)
	}

	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	for _, de := range names {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entryExt) {
			continue
		}
		e, err := d.read(name)
		if err != nil || e.Expired(d.now()) {
			os.Remove(filepath.Join(dir, name))
			continue
		}
		d.index[name] = e.Key
	}
	return d, nil
}

// Name implements Layer.
func (d *DiskLayer) Name() string { return "disk" }

func fileName(key Key) string {
	return fmt.Sprintf("%016x%s", xxhash.Sum64String(key.String()), entryExt)
}

func (d *DiskLayer) read(name string) (Entry, error) {
	data, err := codec.ReadFile(filepath.Join(d.dir, name))
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(data)
}

// Get implements Layer.
func (d *DiskLayer) Get(ctx context.Context, key Key) (Entry, error) {
	name := fileName(key)
	id := key.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if k, ok := d.index[name]; !ok || k.String() != id {
		return Entry{}, errors.ErrCacheMiss
	}
	e, err := d.read(name)
	if err != nil {
		d.removeLocked(name)
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, errors.ErrCacheMiss
		}
		return Entry{}, fmt.Errorf("%w: %v", errors.ErrCacheLayer, err)
	}
	if e.Key.String() != id {
		return Entry{}, errors.ErrCacheMiss
	}
	if e.Expired(d.now()) {
		d.removeLocked(name)
		return Entry{}, errors.ErrCacheMiss
	}
	return e, nil
}

// Put implements Layer.
func (d *DiskLayer) Put(ctx context.Context, e Entry) error {
	name := fileName(e.Key)
	payload := encodeEntry(e)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := codec.WriteFileAtomic(filepath.Join(d.dir, name), payload); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrCacheLayer, err)
	}
	d.index[name] = e.Key
	return nil
}

// Invalidate implements Layer.
func (d *DiskLayer) Invalidate(ctx context.Context, symbol, tf string, start, end int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	n := 0
	for name, k := range d.index {
		if !k.Affected(symbol, tf, start, end) {
			continue
		}
		if err := d.removeLocked(name); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (d *DiskLayer) removeLocked(name string) error {
	delete(d.index, name)
	if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, errors.ErrCacheLayer)
	}
	return nil
}

// Len returns the number of indexed entries.
func (d *DiskLayer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// Close implements Layer.
func (d *DiskLayer) Close() error { return nil }
