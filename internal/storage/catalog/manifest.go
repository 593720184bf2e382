package catalog

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Manifest wire format
//
// Snapshot:
//   - 1: version (varint)
//   - 2: part (repeated, embedded message)
//
// Part:
//   - 1: symbol, 2: timeframe, 3: month, 5: path, 12: codec (string)
//   - 4: seq, 8: rows, 10: bytes (varint)
//   - 6: start, 7: end, 11: created_at (sint64)
//   - 9: checksum (fixed32)

func encodeSnapshot(s *Snapshot) []byte {
	var buf, scratch []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, s.Version)
	for _, p := range s.Parts {
		scratch = appendPart(scratch[:0], p)
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, scratch)
	}
	return buf
}

func appendPart(buf []byte, p Part) []byte {
	str := func(num protowire.Number, v string) {
		buf = protowire.AppendTag(buf, num, protowire.BytesType)
		buf = protowire.AppendString(buf, v)
	}
	uvar := func(num protowire.Number, v uint64) {
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, v)
	}
	svar := func(num protowire.Number, v int64) {
		buf = protowire.AppendTag(buf, num, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v))
	}

	str(1, p.Symbol)
	str(2, p.Timeframe)
	str(3, p.Month)
	uvar(4, uint64(p.Seq))
	str(5, p.Path)
	svar(6, p.Start)
	svar(7, p.End)
	uvar(8, uint64(p.Rows))
	buf = protowire.AppendTag(buf, 9, protowire.Fixed32Type)
	buf = protowire.AppendFixed32(buf, p.Checksum)
	uvar(10, uint64(p.Bytes))
	svar(11, p.CreatedAt)
	str(12, p.Codec)
	return buf
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.Version = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := consumePart(v)
			if err != nil {
				return nil, err
			}
			s.Parts = append(s.Parts, p)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	sortParts(s.Parts)
	return s, nil
}

func consumePart(data []byte) (Part, error) {
	var p Part
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			switch num {
			case 1:
				p.Symbol = v
			case 2:
				p.Timeframe = v
			case 3:
				p.Month = v
			case 5:
				p.Path = v
			case 12:
				p.Codec = v
			}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			switch num {
			case 4:
				p.Seq = uint32(v)
			case 6:
				p.Start = protowire.DecodeZigZag(v)
			case 7:
				p.End = protowire.DecodeZigZag(v)
			case 8:
				p.Rows = int64(v)
			case 10:
				p.Bytes = int64(v)
			case 11:
				p.CreatedAt = protowire.DecodeZigZag(v)
			}
			data = data[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			if num == 9 {
				p.Checksum = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if p.Symbol == "" || p.Path == "" {
		return p, fmt.Errorf("catalog part missing symbol or path")
	}
	return p, nil
}
