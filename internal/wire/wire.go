// Package wire implements the framed batch codec: header/magic, optional
// zlib compression, CRC32 trailer, and the length-prefixed backup frame
// layout used for disk-spilled batches.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"

	"github.com/coldtrace/agent/internal/value"
)

const (
	// Magic is the 4-byte frame header magic.
	Magic = "PRBM"
	// ProtocolVersion is written into every frame header.
	ProtocolVersion uint32 = 1
	// MinCompressionSize is the raw-payload threshold above which the
	// payload is zlib-compressed.
	MinCompressionSize = 1024

	flagCompressed uint32 = 1 << 0
	flagCRC        uint32 = 1 << 1
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Metric is one observation destined for the wire payload.
type Metric struct {
	RequestID   string
	TimestampMs uint64
	MemoryMB    float32
	CPUPercent  float64 // 0-100
	DurationMs  uint32
	Extras      map[uint8]value.Value
}

// EncodeBatch serializes metrics into a framed batch. withCRC controls
// whether the trailing CRC32 is computed and appended (flag bit 1).
// Returns the frame bytes and whether the payload was truncated (entries
// with oversized List/Map extras).
func EncodeBatch(metrics []Metric, withCRC bool) (frame []byte, truncated bool) {
	payload := make([]byte, 0, len(metrics)*48)

	for _, m := range metrics {
		payload = append(payload, requestIDBytes(m.RequestID)...)

		ts := make([]byte, 8)
		binary.LittleEndian.PutUint64(ts, m.TimestampMs)
		payload = append(payload, ts...)

		mem := make([]byte, 4)
		binary.LittleEndian.PutUint32(mem, math.Float32bits(m.MemoryMB))
		payload = append(payload, mem...)

		payload = append(payload, cpuScaled(m.CPUPercent))

		dur := make([]byte, 4)
		binary.LittleEndian.PutUint32(dur, m.DurationMs)
		payload = append(payload, dur...)

		extraCount := len(m.Extras)
		if extraCount > 255 {
			extraCount = 255
			truncated = true
		}
		payload = append(payload, byte(extraCount))

		ids := sortedExtraIDs(m.Extras)
		if len(ids) > extraCount {
			ids = ids[:extraCount]
		}
		for _, id := range ids {
			payload = append(payload, id)
			var t bool
			payload, t = value.Encode(m.Extras[id], payload)
			truncated = truncated || t
		}
	}

	header := make([]byte, 16)
	copy(header[0:4], Magic)
	binary.LittleEndian.PutUint32(header[4:8], ProtocolVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(metrics)))

	var flags uint32
	if withCRC {
		flags |= flagCRC
	}

	body := payload
	useCompression := len(payload) > MinCompressionSize
	if useCompression {
		flags |= flagCompressed
		compressed := compress(payload)
		sizes := make([]byte, 8)
		binary.LittleEndian.PutUint32(sizes[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(sizes[4:8], uint32(len(compressed)))
		body = append(sizes, compressed...)
	}

	binary.LittleEndian.PutUint32(header[12:16], flags)

	out := append(header, body...)
	if withCRC {
		sum := crc32.Checksum(out, castagnoliTable)
		crcBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(crcBytes, sum)
		out = append(out, crcBytes...)
	}

	return out, truncated
}

// DecodeBatch validates and parses a frame written by EncodeBatch. It
// checks magic, version, compressed-size bounds, and CRC, in that order,
// before interpreting any payload byte.
func DecodeBatch(frame []byte) ([]Metric, error) {
	if len(frame) < 16 {
		return nil, fmt.Errorf("wire: frame too short (%d bytes)", len(frame))
	}
	if string(frame[0:4]) != Magic {
		return nil, fmt.Errorf("wire: bad magic %q", frame[0:4])
	}
	version := binary.LittleEndian.Uint32(frame[4:8])
	if version != ProtocolVersion {
		return nil, fmt.Errorf("wire: unsupported protocol version %d", version)
	}
	count := binary.LittleEndian.Uint32(frame[8:12])
	flags := binary.LittleEndian.Uint32(frame[12:16])

	body := frame[16:]
	if flags&flagCompressed != 0 {
		dataLen := len(body)
		if flags&flagCRC != 0 {
			dataLen -= 4
		}
		if dataLen < 8 || uint32(dataLen-8) != binary.LittleEndian.Uint32(body[4:8]) {
			return nil, fmt.Errorf("wire: compressed size out of bounds")
		}
	}
	if flags&flagCRC != 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("wire: frame missing CRC trailer")
		}
		dataLen := len(body) - 4
		wantCRC := binary.LittleEndian.Uint32(body[dataLen:])
		gotCRC := crc32.Checksum(frame[:16+dataLen], castagnoliTable)
		if gotCRC != wantCRC {
			return nil, fmt.Errorf("wire: crc mismatch")
		}
		body = body[:dataLen]
	}

	if flags&flagCompressed != 0 {
		if len(body) < 8 {
			return nil, fmt.Errorf("wire: compressed frame missing size header")
		}
		uncompressedSize := binary.LittleEndian.Uint32(body[0:4])
		compressedSize := binary.LittleEndian.Uint32(body[4:8])
		compressed := body[8:]
		if uint32(len(compressed)) != compressedSize {
			return nil, fmt.Errorf("wire: compressed size mismatch: header says %d, have %d", compressedSize, len(compressed))
		}
		raw, err := decompress(compressed, int(uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("wire: decompress: %w", err)
		}
		body = raw
	}

	return parseMetrics(body, int(count))
}

func parseMetrics(body []byte, count int) ([]Metric, error) {
	metrics := make([]Metric, 0, count)
	offset := 0
	for i := 0; i < count; i++ {
		if offset+16+8+4+1+4+1 > len(body) {
			return nil, fmt.Errorf("wire: truncated metric %d", i)
		}
		var m Metric

		idBytes := body[offset : offset+16]
		offset += 16
		if u, err := uuid.FromBytes(idBytes); err == nil {
			m.RequestID = u.String()
		}

		m.TimestampMs = binary.LittleEndian.Uint64(body[offset : offset+8])
		offset += 8

		m.MemoryMB = math.Float32frombits(binary.LittleEndian.Uint32(body[offset : offset+4]))
		offset += 4

		m.CPUPercent = float64(body[offset]) / 2.55
		offset++

		m.DurationMs = binary.LittleEndian.Uint32(body[offset : offset+4])
		offset += 4

		extraCount := int(body[offset])
		offset++

		if extraCount > 0 {
			m.Extras = make(map[uint8]value.Value, extraCount)
		}
		for e := 0; e < extraCount; e++ {
			if offset >= len(body) {
				return nil, fmt.Errorf("wire: truncated extras for metric %d", i)
			}
			fieldID := body[offset]
			offset++
			v, used, err := value.Decode(body[offset:])
			if err != nil {
				return nil, fmt.Errorf("wire: metric %d extra %d: %w", i, e, err)
			}
			offset += used
			m.Extras[fieldID] = v
		}

		metrics = append(metrics, m)
	}
	return metrics, nil
}

func requestIDBytes(id string) []byte {
	if u, err := uuid.Parse(id); err == nil {
		b := u
		return b[:]
	}
	out := make([]byte, 16)
	h := fnv1a64(id)
	binary.LittleEndian.PutUint64(out[0:8], h)
	return out
}

func fnv1a64(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

func cpuScaled(pct float64) byte {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return byte(pct * 2.55)
}

func sortedExtraIDs(extras map[uint8]value.Value) []uint8 {
	ids := make([]uint8, 0, len(extras))
	for id := range extras {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func compress(raw []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(raw)
	_ = w.Close()
	return buf.Bytes()
}

func decompress(compressed []byte, expectedSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, 0, expectedSize)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WriteBackupFrame appends a length-prefixed frame to w: length(4, LE) |
// frame_bytes.
func WriteBackupFrame(w io.Writer, frame []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(frame)))
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("wire: write backup frame length: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write backup frame body: %w", err)
	}
	return nil
}

// ReadBackupFrame reads one length-prefixed frame from r. It returns io.EOF
// when no more frames remain, and a distinct error for a malformed length
// prefix (caller should treat this as "abort replay, truncate file").
func ReadBackupFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("wire: malformed backup frame length prefix: %w", err)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("wire: malformed backup frame body: %w", err)
	}
	return frame, nil
}
