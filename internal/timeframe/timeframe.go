// Package timeframe defines bar durations, their calendar-aligned grids,
// and the integer mappings used to derive coarse timeframes from fine ones.
package timeframe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/chronotier/internal/errors"
)

// weekAnchor is Monday 1970-01-05 00:00 UTC. Week buckets start on Mondays.
const weekAnchor int64 = 4 * 86400

// Timeframe is a fixed bar duration.
type Timeframe struct {
	// Name is the canonical short name ("5m", "1h", "1d").
	Name string

	// Duration is the bar length.
	Duration time.Duration

	// Source names the finer timeframe this one is aggregated from, if any.
	Source string
}

// New creates a timeframe from a name and a duration in minutes.
func New(name string, minutes int) (Timeframe, error) {
	if name == "" {
		return Timeframe{}, errors.NewMissingField("timeframe name")
	}
	if minutes <= 0 {
		return Timeframe{}, errors.NewInvalidValue("timeframe minutes", minutes, "must be positive")
	}
	return Timeframe{Name: name, Duration: time.Duration(minutes) * time.Minute}, nil
}

// MustParse parses a name like "5m" or "1d" and panics on error.
// Intended for tests and static tables.
func MustParse(name string) Timeframe {
	tf, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return tf
}

// Parse parses a timeframe name of the form <n><unit> where unit is one of
// m, h, d, w.
func Parse(name string) (Timeframe, error) {
	s := strings.TrimSpace(strings.ToLower(name))
	if len(s) < 2 {
		return Timeframe{}, errors.NewUnknownTimeframe(name)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Timeframe{}, errors.NewUnknownTimeframe(name)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return Timeframe{}, errors.NewUnknownTimeframe(name)
	}

	return Timeframe{Name: s, Duration: time.Duration(n) * unit}, nil
}

// String returns the timeframe name.
func (t Timeframe) String() string {
	return t.Name
}

// Seconds returns the bar length in seconds.
func (t Timeframe) Seconds() int64 {
	return int64(t.Duration / time.Second)
}

// Minutes returns the bar length in minutes.
func (t Timeframe) Minutes() int {
	return int(t.Duration / time.Minute)
}

// IsZero reports whether t is the zero timeframe.
func (t Timeframe) IsZero() bool {
	return t.Duration == 0
}

// anchor returns the grid origin. Sub-week grids are epoch aligned, which
// puts hourly bars on the hour and daily bars on UTC midnight.
func (t Timeframe) anchor() int64 {
	if t.Duration%(7*24*time.Hour) == 0 {
		return weekAnchor
	}
	return 0
}

// Truncate returns the start of the bucket containing ts (unix seconds).
func (t Timeframe) Truncate(ts int64) int64 {
	d := t.Seconds()
	if d <= 0 {
		return ts
	}
	off := (ts - t.anchor()) % d
	if off < 0 {
		off += d
	}
	return ts - off
}

// Ceil returns the first grid point at or after ts.
func (t Timeframe) Ceil(ts int64) int64 {
	tr := t.Truncate(ts)
	if tr == ts {
		return ts
	}
	return tr + t.Seconds()
}

// OnGrid reports whether ts is a grid point.
func (t Timeframe) OnGrid(ts int64) bool {
	return t.Truncate(ts) == ts
}

// Mapping is a fixed integer ratio from a base timeframe to a target.
type Mapping struct {
	Base   Timeframe
	Target Timeframe
	Ratio  int
}

// String returns "base->target".
func (m Mapping) String() string {
	return fmt.Sprintf("%s->%s", m.Base.Name, m.Target.Name)
}

// NewMapping validates that target is an exact integer multiple of base and
// that target bucket boundaries fall on the base grid.
func NewMapping(base, target Timeframe) (Mapping, error) {
	b, t := base.Seconds(), target.Seconds()
	if b <= 0 || t <= 0 || t < b || t%b != 0 {
		return Mapping{}, errors.NewUnsupportedRatio(base.Name, target.Name)
	}
	if !base.OnGrid(target.anchor()) {
		return Mapping{}, errors.NewUnsupportedRatio(base.Name, target.Name)
	}
	return Mapping{Base: base, Target: target, Ratio: int(t / b)}, nil
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the configured set of timeframes.
type Registry struct {
	byName    map[string]Timeframe
	ascending []Timeframe
}

// NewRegistry builds a registry. Names must be unique and every Source must
// name a registered timeframe that divides the dependent one.
func NewRegistry(tfs ...Timeframe) (*Registry, error) {
	r := &Registry{byName: make(map[string]Timeframe, len(tfs))}

	verrs := errors.NewValidationErrors()
	for _, tf := range tfs {
		if tf.Name == "" || tf.Duration <= 0 {
			verrs.AddField("timeframe", fmt.Sprintf("%q has no duration", tf.Name))
			continue
		}
		if _, dup := r.byName[tf.Name]; dup {
			verrs.AddField("timeframe", fmt.Sprintf("duplicate name %q", tf.Name))
			continue
		}
		r.byName[tf.Name] = tf
		r.ascending = append(r.ascending, tf)
	}

	for _, tf := range r.ascending {
		if tf.Source == "" {
			continue
		}
		src, ok := r.byName[tf.Source]
		if !ok {
			verrs.Add(errors.Wrapf(errors.NewUnknownTimeframe(tf.Source), "source of %s", tf.Name))
			continue
		}
		if _, err := NewMapping(src, tf); err != nil {
			verrs.Add(err)
		}
	}
	if err := verrs.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(r.ascending, func(i, j int) bool {
		return r.ascending[i].Duration < r.ascending[j].Duration
	})
	return r, nil
}

// DefaultRegistry returns the standard market timeframes.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Timeframe{Name: "1m", Duration: time.Minute},
		Timeframe{Name: "5m", Duration: 5 * time.Minute, Source: "1m"},
		Timeframe{Name: "15m", Duration: 15 * time.Minute, Source: "5m"},
		Timeframe{Name: "30m", Duration: 30 * time.Minute, Source: "15m"},
		Timeframe{Name: "1h", Duration: time.Hour, Source: "15m"},
		Timeframe{Name: "4h", Duration: 4 * time.Hour, Source: "1h"},
		Timeframe{Name: "1d", Duration: 24 * time.Hour, Source: "1h"},
		Timeframe{Name: "1w", Duration: 7 * 24 * time.Hour, Source: "1d"},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the timeframe registered under name.
func (r *Registry) Get(name string) (Timeframe, error) {
	tf, ok := r.byName[name]
	if !ok {
		return Timeframe{}, errors.NewUnknownTimeframe(name)
	}
	return tf, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Ascending returns all timeframes, finest first.
func (r *Registry) Ascending() []Timeframe {
	out := make([]Timeframe, len(r.ascending))
	copy(out, r.ascending)
	return out
}

// Names returns all registered names, finest first.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ascending))
	for i, tf := range r.ascending {
		names[i] = tf.Name
	}
	return names
}

// Mapping returns the aggregation mapping between two registered timeframes.
func (r *Registry) Mapping(base, target string) (Mapping, error) {
	b, err := r.Get(base)
	if err != nil {
		return Mapping{}, err
	}
	t, err := r.Get(target)
	if err != nil {
		return Mapping{}, err
	}
	return NewMapping(b, t)
}

// FinestDivisor returns the finest timeframe in candidates that target can
// be aggregated from. ok is false if none qualifies.
func FinestDivisor(target Timeframe, candidates []Timeframe) (Timeframe, bool) {
	var best Timeframe
	found := false
	for _, c := range candidates {
		if c.Duration >= target.Duration {
			continue
		}
		if _, err := NewMapping(c, target); err != nil {
			continue
		}
		if !found || c.Duration < best.Duration {
			best, found = c, true
		}
	}
	return best, found
}
