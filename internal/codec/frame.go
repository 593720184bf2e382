package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// Frame file format:
//   - Header: 4 bytes magic + 4 bytes version
//   - Body:   [4 bytes length][4 bytes crc32][payload]
const (
	frameMagic   = "CHRT"
	frameVersion = uint32(1)
	headerSize   = 8
	recordHeader = 8
)

// ErrCorrupt is returned when a frame fails its magic, length or CRC check.
var ErrCorrupt = errors.New("corrupt frame")

// MarshalFrame wraps payload in a checksummed frame.
func MarshalFrame(payload []byte) []byte {
	buf := make([]byte, 0, headerSize+recordHeader+len(payload))
	buf = append(buf, frameMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, frameVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))
	return append(buf, payload...)
}

// UnmarshalFrame verifies a frame and returns its payload.
func UnmarshalFrame(data []byte) ([]byte, error) {
	if len(data) < headerSize+recordHeader {
		return nil, fmt.Errorf("frame too short: %w", ErrCorrupt)
	}
	if string(data[:4]) != frameMagic {
		return nil, fmt.Errorf("bad magic: %w", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != frameVersion {
		return nil, fmt.Errorf("unsupported frame version %d: %w", v, ErrCorrupt)
	}

	length := int(binary.LittleEndian.Uint32(data[8:12]))
	crc := binary.LittleEndian.Uint32(data[12:16])
	payload := data[16:]
	if len(payload) != length {
		return nil, fmt.Errorf("length %d, have %d: %w", length, len(payload), ErrCorrupt)
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, fmt.Errorf("crc mismatch: %w", ErrCorrupt)
	}
	return payload, nil
}

// WriteFileAtomic writes a framed payload to path via a synced temp file
// and rename, so readers see either the old or the new file.
func WriteFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(MarshalFrame(payload)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ReadFile reads and verifies a framed file.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalFrame(data)
}
