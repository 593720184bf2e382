// Package codec encodes bars and series in protobuf wire format and frames
// them in checksummed files.
//
// Series message:
//   - 1: symbol (string)
//   - 2: timeframe (string)
//   - 3: bar (repeated, embedded message)
//
// Bar message:
//   - 1: timestamp (sint64)
//   - 2..6: open, high, low, close, volume (fixed64 IEEE 754)
//   - 7: flags (varint, bit 0 gap, bit 1 filled)
package codec

import (
	"fmt"
	"hash/crc32"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/chronotier/internal/series"
)

const (
	flagGap    = 1 << 0
	flagFilled = 1 << 1
)

// AppendBar appends b as a Bar message (without symbol).
func AppendBar(buf []byte, b series.Bar) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(b.Timestamp))
	for i, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		buf = protowire.AppendTag(buf, protowire.Number(2+i), protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(v))
	}
	var flags uint64
	if b.Gap {
		flags |= flagGap
	}
	if b.Filled {
		flags |= flagFilled
	}
	if flags != 0 {
		buf = protowire.AppendTag(buf, 7, protowire.VarintType)
		buf = protowire.AppendVarint(buf, flags)
	}
	return buf
}

// ConsumeBar decodes one Bar message.
func ConsumeBar(data []byte) (series.Bar, error) {
	var b series.Bar
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return b, fmt.Errorf("bar tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return b, fmt.Errorf("bar timestamp: %w", protowire.ParseError(n))
			}
			b.Timestamp = protowire.DecodeZigZag(v)
			data = data[n:]
		case num >= 2 && num <= 6 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return b, fmt.Errorf("bar field %d: %w", num, protowire.ParseError(n))
			}
			f := math.Float64frombits(v)
			switch num {
			case 2:
				b.Open = f
			case 3:
				b.High = f
			case 4:
				b.Low = f
			case 5:
				b.Close = f
			case 6:
				b.Volume = f
			}
			data = data[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return b, fmt.Errorf("bar flags: %w", protowire.ParseError(n))
			}
			b.Gap = v&flagGap != 0
			b.Filled = v&flagFilled != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return b, fmt.Errorf("bar field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return b, nil
}

// AppendSeries appends s as a Series message.
func AppendSeries(buf []byte, s series.Series) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, s.Symbol)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, s.Timeframe)

	var scratch []byte
	for _, b := range s.Bars {
		scratch = AppendBar(scratch[:0], b)
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, scratch)
	}
	return buf
}

// ConsumeSeries decodes one Series message.
func ConsumeSeries(data []byte) (series.Series, error) {
	var s series.Series
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, fmt.Errorf("series tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, fmt.Errorf("series field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return s, fmt.Errorf("series field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case 1:
			s.Symbol = string(v)
		case 2:
			s.Timeframe = string(v)
		case 3:
			b, err := ConsumeBar(v)
			if err != nil {
				return s, err
			}
			s.Bars = append(s.Bars, b)
		}
	}
	for i := range s.Bars {
		s.Bars[i].Symbol = s.Symbol
	}
	return s, nil
}

// EncodeSeriesMap encodes a symbol -> series map in sorted symbol order.
func EncodeSeriesMap(m map[string]series.Series) []byte {
	var buf, scratch []byte
	for _, symbol := range sortedSymbols(m) {
		scratch = AppendSeries(scratch[:0], m[symbol])
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, scratch)
	}
	return buf
}

// DecodeSeriesMap decodes the output of EncodeSeriesMap.
func DecodeSeriesMap(data []byte) (map[string]series.Series, error) {
	out := make(map[string]series.Series)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("map tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("map field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("map entry: %w", protowire.ParseError(n))
		}
		data = data[n:]
		s, err := ConsumeSeries(v)
		if err != nil {
			return nil, err
		}
		out[s.Symbol] = s
	}
	return out, nil
}

// Checksum returns the CRC32 (IEEE) of the canonical encoding of bars.
// Two bar slices with equal content have equal checksums.
func Checksum(bars []series.Bar) uint32 {
	h := crc32.NewIEEE()
	var scratch []byte
	for _, b := range bars {
		scratch = AppendBar(scratch[:0], b)
		h.Write(scratch)
	}
	return h.Sum32()
}

func sortedSymbols(m map[string]series.Series) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
