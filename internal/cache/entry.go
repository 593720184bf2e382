package cache

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/chronotier/internal/codec"
)

// Entry message, framed with codec.MarshalFrame for the second layer:
//
//	1: key        string
//	2: created_at int64 (unix nanos, zigzag)
//	3: ttl        int64 (nanos)
//	4: payload    bytes (codec series map)
func marshalEntry(e Entry) []byte {
	return codec.MarshalFrame(encodeEntry(e))
}

func unmarshalEntry(data []byte) (Entry, error) {
	payload, err := codec.UnmarshalFrame(data)
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(payload)
}

func encodeEntry(e Entry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Key.String())
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(e.CreatedAt.UnixNano()))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.TTL))
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, codec.EncodeSeriesMap(e.Payload))
	return buf
}

func decodeEntry(payload []byte) (Entry, error) {
	var (
		e      Entry
		hasKey bool
		err    error
	)
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return Entry{}, fmt.Errorf("entry tag: %w", protowire.ParseError(n))
		}
		payload = payload[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry key: %w", protowire.ParseError(n))
			}
			payload = payload[n:]
			if e.Key, err = ParseKey(v); err != nil {
				return Entry{}, err
			}
			hasKey = true
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry created_at: %w", protowire.ParseError(n))
			}
			payload = payload[n:]
			e.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v))
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry ttl: %w", protowire.ParseError(n))
			}
			payload = payload[n:]
			e.TTL = time.Duration(v)
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry payload: %w", protowire.ParseError(n))
			}
			payload = payload[n:]
			m, err := codec.DecodeSeriesMap(v)
			if err != nil {
				return Entry{}, err
			}
			e.Payload = m
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry field %d: %w", num, protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}

	if !hasKey {
		return Entry{}, fmt.Errorf("entry without key: %w", codec.ErrCorrupt)
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	return e, nil
}
