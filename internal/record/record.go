// Package record implements the Compact Metrics Record bitpacker: many
// small fields packed into 64-bit blocks to minimize per-observation
// footprint.
package record

import (
	"encoding/binary"
	"fmt"
)

// FieldLoc is where a field's bits live within a Record's block array.
type FieldLoc struct {
	BlockIndex uint16
	BitOffset  uint8
}

// Record is a bitpacked per-observation payload. Fields are written with
// the Set* methods and read back with the matching Get* method; a field
// must be set at most once.
type Record struct {
	RequestIDHash uint64
	TimestampMs   uint64
	Blocks        []uint64
	Mapping       map[uint16]FieldLoc

	highestBit uint8 // bits used in the tail block
}

// New returns an empty Record ready for field assignment.
func New(requestIDHash, timestampMs uint64) *Record {
	return &Record{
		RequestIDHash: requestIDHash,
		TimestampMs:   timestampMs,
		Mapping:       make(map[uint16]FieldLoc),
	}
}

// AllocateBits reserves n contiguous bits in the tail block, opening a new
// block when the bits would not fit (or when n == 64, since a 64-bit field
// always starts a fresh block regardless of the current tail's fill).
func (r *Record) AllocateBits(n uint8) (blockIndex uint16, bitOffset uint8) {
	needsFreshBlock := len(r.Blocks) == 0 || r.highestBit+n > 64 || n == 64
	if needsFreshBlock {
		r.Blocks = append(r.Blocks, 0)
		r.highestBit = n
		return uint16(len(r.Blocks) - 1), 0
	}
	offset := r.highestBit
	r.highestBit += n
	return uint16(len(r.Blocks) - 1), offset
}

func mask(n uint8) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

func (r *Record) setField(fieldID uint16, n uint8, val uint64) error {
	if _, exists := r.Mapping[fieldID]; exists {
		return fmt.Errorf("record: field %d already set", fieldID)
	}
	blockIndex, offset := r.AllocateBits(n)
	r.Blocks[blockIndex] |= (val & mask(n)) << offset
	r.Mapping[fieldID] = FieldLoc{BlockIndex: blockIndex, BitOffset: offset}
	return nil
}

func (r *Record) getField(fieldID uint16, n uint8) (uint64, error) {
	loc, ok := r.Mapping[fieldID]
	if !ok {
		return 0, fmt.Errorf("record: field %d not set", fieldID)
	}
	if int(loc.BlockIndex) >= len(r.Blocks) {
		return 0, fmt.Errorf("record: field %d points outside block array", fieldID)
	}
	return (r.Blocks[loc.BlockIndex] >> loc.BitOffset) & mask(n), nil
}

// SetBool packs a 1-bit boolean field.
func (r *Record) SetBool(fieldID uint16, v bool) error {
	var bit uint64
	if v {
		bit = 1
	}
	return r.setField(fieldID, 1, bit)
}

// GetBool reads back a field set with SetBool.
func (r *Record) GetBool(fieldID uint16) (bool, error) {
	v, err := r.getField(fieldID, 1)
	return v != 0, err
}

// SetSmallInt packs a 4-bit field (range 0-15).
func (r *Record) SetSmallInt(fieldID uint16, v uint8) error {
	if v > 15 {
		return fmt.Errorf("record: small_int field %d value %d out of range 0-15", fieldID, v)
	}
	return r.setField(fieldID, 4, uint64(v))
}

// GetSmallInt reads back a field set with SetSmallInt.
func (r *Record) GetSmallInt(fieldID uint16) (uint8, error) {
	v, err := r.getField(fieldID, 4)
	return uint8(v), err
}

// SetMediumInt packs an 8-bit field.
func (r *Record) SetMediumInt(fieldID uint16, v uint8) error {
	return r.setField(fieldID, 8, uint64(v))
}

// GetMediumInt reads back a field set with SetMediumInt.
func (r *Record) GetMediumInt(fieldID uint16) (uint8, error) {
	v, err := r.getField(fieldID, 8)
	return uint8(v), err
}

// SetLargeInt packs a 16-bit field.
func (r *Record) SetLargeInt(fieldID uint16, v uint16) error {
	return r.setField(fieldID, 16, uint64(v))
}

// GetLargeInt reads back a field set with SetLargeInt.
func (r *Record) GetLargeInt(fieldID uint16) (uint16, error) {
	v, err := r.getField(fieldID, 16)
	return uint16(v), err
}

// Serialize encodes the record as:
// request_id_hash(8) | timestamp_ms(8) | block_count(4) | blocks(8*N) |
// mapping_count(4) | entries(5*M), all little-endian. Each mapping entry is
// field_id(2) | block_index(2) | bit_offset(1).
func (r *Record) Serialize() []byte {
	size := 8 + 8 + 4 + 8*len(r.Blocks) + 4 + 5*len(r.Mapping)
	buf := make([]byte, 0, size)

	tmp8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp8, r.RequestIDHash)
	buf = append(buf, tmp8...)

	binary.LittleEndian.PutUint64(tmp8, r.TimestampMs)
	buf = append(buf, tmp8...)

	tmp4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp4, uint32(len(r.Blocks)))
	buf = append(buf, tmp4...)

	for _, block := range r.Blocks {
		binary.LittleEndian.PutUint64(tmp8, block)
		buf = append(buf, tmp8...)
	}

	binary.LittleEndian.PutUint32(tmp4, uint32(len(r.Mapping)))
	buf = append(buf, tmp4...)

	// Deterministic entry order: ascending field id.
	ids := make([]uint16, 0, len(r.Mapping))
	for id := range r.Mapping {
		ids = append(ids, id)
	}
	sortUint16(ids)

	tmp2 := make([]byte, 2)
	for _, id := range ids {
		loc := r.Mapping[id]
		binary.LittleEndian.PutUint16(tmp2, id)
		buf = append(buf, tmp2...)
		binary.LittleEndian.PutUint16(tmp2, loc.BlockIndex)
		buf = append(buf, tmp2...)
		buf = append(buf, loc.BitOffset)
	}

	return buf
}

// Deserialize parses a record written by Serialize.
func Deserialize(data []byte) (*Record, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("record: deserialize: short buffer (%d bytes)", len(data))
	}
	r := &Record{Mapping: make(map[uint16]FieldLoc)}

	r.RequestIDHash = binary.LittleEndian.Uint64(data[0:8])
	r.TimestampMs = binary.LittleEndian.Uint64(data[8:16])
	blockCount := int(binary.LittleEndian.Uint32(data[16:20]))

	offset := 20
	if offset+8*blockCount > len(data) {
		return nil, fmt.Errorf("record: deserialize: truncated block array")
	}
	r.Blocks = make([]uint64, blockCount)
	for i := 0; i < blockCount; i++ {
		r.Blocks[i] = binary.LittleEndian.Uint64(data[offset : offset+8])
		offset += 8
	}

	if offset+4 > len(data) {
		return nil, fmt.Errorf("record: deserialize: truncated mapping count")
	}
	mappingCount := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4

	if offset+5*mappingCount > len(data) {
		return nil, fmt.Errorf("record: deserialize: truncated mapping entries")
	}
	var highest uint8
	for i := 0; i < mappingCount; i++ {
		fieldID := binary.LittleEndian.Uint16(data[offset : offset+2])
		blockIndex := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		bitOffset := data[offset+4]
		offset += 5
		r.Mapping[fieldID] = FieldLoc{BlockIndex: blockIndex, BitOffset: bitOffset}
		if int(blockIndex) == blockCount-1 && bitOffset > highest {
			highest = bitOffset
		}
	}
	r.highestBit = highest

	return r, nil
}

func sortUint16(s []uint16) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
