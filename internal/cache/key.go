package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/series"
	"github.com/xtxerr/chronotier/internal/timeframe"
)

// Key identifies one cached query. Symbols are sorted and unique, the range
// [Start, End) is rounded outward to the timeframe grid.
type Key struct {
	Symbols   []string
	Timeframe string
	Start     int64
	End       int64
}

// keySeparators delimit the fields and symbols of Key.String.
const keySeparators = "|,"

// NewKey normalizes a query into a Key. Symbols may not contain the
// separators of the string form.
func NewKey(symbols []string, tf timeframe.Timeframe, start, end int64) (Key, error) {
	if len(symbols) == 0 {
		return Key{}, errors.ErrNoSymbols
	}
	if start >= end {
		return Key{}, errors.NewInvalidRange(time.Unix(start, 0), time.Unix(end, 0))
	}

	set := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s == "" {
			return Key{}, errors.NewMissingField("symbol")
		}
		if strings.ContainsAny(s, keySeparators) {
			return Key{}, errors.NewInvalidValue("symbol", s, "contains a cache key separator")
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		set = append(set, s)
	}
	sort.Strings(set)

	return Key{
		Symbols:   set,
		Timeframe: tf.Name,
		Start:     tf.Truncate(start),
		End:       tf.Ceil(end),
	}, nil
}

// String returns the canonical form "tf|start|end|sym1,sym2".
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Timeframe)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(k.Start, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(k.End, 10))
	b.WriteByte('|')
	b.WriteString(strings.Join(k.Symbols, ","))
	return b.String()
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "|", 4)
	if len(parts) != 4 || parts[0] == "" || parts[3] == "" {
		return Key{}, fmt.Errorf("malformed cache key %q", s)
	}
	start, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("cache key start: %w", err)
	}
	end, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("cache key end: %w", err)
	}
	return Key{
		Symbols:   strings.Split(parts[3], ","),
		Timeframe: parts[0],
		Start:     start,
		End:       end,
	}, nil
}

// Has reports whether symbol is part of the key.
func (k Key) Has(symbol string) bool {
	i := sort.SearchStrings(k.Symbols, symbol)
	return i < len(k.Symbols) && k.Symbols[i] == symbol
}

// Affected reports whether a write of symbol/tf over [start, end) touches
// data held under k.
func (k Key) Affected(symbol, tf string, start, end int64) bool {
	return k.Timeframe == tf && k.Has(symbol) && k.Start < end && start < k.End
}

// Payload is the cached query result, one series per symbol. Payloads are
// shared between callers and must not be modified.
type Payload map[string]series.Series

// Slice returns the payload restricted to [start, end).
func (p Payload) Slice(start, end int64) Payload {
	out := make(Payload, len(p))
	for sym, s := range p {
		out[sym] = s.Slice(start, end)
	}
	return out
}

// Entry is one cached payload with its lifetime.
type Entry struct {
	Key       Key
	Payload   Payload
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether e is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.CreatedAt.Add(e.TTL))
}
