// Package value implements the Compact Value tagged union: the
// type-narrowing codec shared by records and the framed batch payload.
package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind identifies a Compact Value variant. The numeric values are part of
// the wire format and must not be renumbered.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString8
	KindString16
	KindList
	KindMap
	KindBinary8
	KindBinary16
	KindTimestamp
	KindUUID
)

// MaxCollectionLen is the hard cap on encoded List/Map entry counts.
const MaxCollectionLen = 255

// Value is a Compact Value. Only the fields relevant to Kind are
// meaningful; construct one with the New* helpers rather than a literal.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bin    []byte
	List   []Value
	Map    map[string]Value
	Sec    uint32
	Millis uint16
	UUID   [16]byte
}

func NewNull() Value           { return Value{Kind: KindNull} }
func NewBool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func NewInt(i int64) Value     { return Value{Kind: KindInt64, Int: i} }
func NewFloat(f float64) Value { return Value{Kind: KindFloat64, Float: f} }
func NewString(s string) Value { return Value{Kind: KindString8, Str: s} }
func NewBinary(b []byte) Value { return Value{Kind: KindBinary8, Bin: b} }
func NewList(items []Value) Value {
	return Value{Kind: KindList, List: items}
}
func NewMap(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }
func NewTimestamp(sec uint32, millis uint16) Value {
	return Value{Kind: KindTimestamp, Sec: sec, Millis: millis}
}
func NewUUID(b [16]byte) Value { return Value{Kind: KindUUID, UUID: b} }

// Encode appends the narrowest wire representation of v to buf and returns
// the result along with whether a List/Map was truncated to fit the
// 255-entry cap.
func Encode(v Value, buf []byte) (out []byte, truncated bool) {
	switch v.Kind {
	case KindNull:
		return append(buf, byte(KindNull)), false

	case KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return append(buf, byte(KindBool), b), false

	case KindInt8, KindInt16, KindInt32, KindInt64:
		return encodeInt(v.Int, buf), false

	case KindFloat32, KindFloat64:
		return encodeFloat(v.Float, buf), false

	case KindString8, KindString16:
		return encodeString(v.Str, buf), false

	case KindBinary8, KindBinary16:
		return encodeBinary(v.Bin, buf), false

	case KindTimestamp:
		buf = append(buf, byte(KindTimestamp))
		sec := make([]byte, 4)
		binary.LittleEndian.PutUint32(sec, v.Sec)
		buf = append(buf, sec...)
		ms := make([]byte, 2)
		binary.LittleEndian.PutUint16(ms, v.Millis)
		return append(buf, ms...), false

	case KindUUID:
		return append(append(buf, byte(KindUUID)), v.UUID[:]...), false

	case KindList:
		items := v.List
		trunc := false
		if len(items) > MaxCollectionLen {
			items = items[:MaxCollectionLen]
			trunc = true
		}
		buf = append(buf, byte(KindList), byte(len(items)))
		for _, item := range items {
			var t bool
			buf, t = Encode(item, buf)
			trunc = trunc || t
		}
		return buf, trunc

	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		trunc := false
		if len(keys) > MaxCollectionLen {
			keys = keys[:MaxCollectionLen]
			trunc = true
		}
		buf = append(buf, byte(KindMap), byte(len(keys)))
		for _, k := range keys {
			buf = encodeString(k, buf)
			var t bool
			buf, t = Encode(v.Map[k], buf)
			trunc = trunc || t
		}
		return buf, trunc

	default:
		return append(buf, byte(KindNull)), false
	}
}

// EncodeInt is a convenience wrapper for the common case of encoding a
// signed integer without pre-selecting a Kind; it picks the narrowest
// integer representation itself.
func EncodeInt(i int64, buf []byte) []byte {
	return encodeInt(i, buf)
}

// EncodeFloat picks Float32 when the value round-trips exactly, else
// Float64.
func EncodeFloat(f float64, buf []byte) []byte {
	return encodeFloat(f, buf)
}

func encodeInt(i int64, buf []byte) []byte {
	switch {
	case i >= math.MinInt8 && i <= math.MaxInt8:
		return append(buf, byte(KindInt8), byte(int8(i)))
	case i >= math.MinInt16 && i <= math.MaxInt16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(int16(i)))
		return append(append(buf, byte(KindInt16)), b...)
	case i >= math.MinInt32 && i <= math.MaxInt32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(i)))
		return append(append(buf, byte(KindInt32)), b...)
	default:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(i))
		return append(append(buf, byte(KindInt64)), b...)
	}
}

func encodeFloat(f float64, buf []byte) []byte {
	if float64(float32(f)) == f {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return append(append(buf, byte(KindFloat32)), b...)
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(f))
	return append(append(buf, byte(KindFloat64)), b...)
}

func encodeString(s string, buf []byte) []byte {
	bs := []byte(s)
	if len(bs) <= 255 {
		buf = append(buf, byte(KindString8), byte(len(bs)))
		return append(buf, bs...)
	}
	n := len(bs)
	if n > 65535 {
		n = 65535
		bs = bs[:n]
	}
	buf = append(buf, byte(KindString16))
	l := make([]byte, 2)
	binary.LittleEndian.PutUint16(l, uint16(n))
	buf = append(buf, l...)
	return append(buf, bs...)
}

func encodeBinary(b []byte, buf []byte) []byte {
	if len(b) <= 255 {
		buf = append(buf, byte(KindBinary8), byte(len(b)))
		return append(buf, b...)
	}
	n := len(b)
	if n > 65535 {
		n = 65535
		b = b[:n]
	}
	buf = append(buf, byte(KindBinary16))
	l := make([]byte, 2)
	binary.LittleEndian.PutUint16(l, uint16(n))
	buf = append(buf, l...)
	return append(buf, b...)
}

// Decode reads one Compact Value from buf and returns it along with the
// number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, fmt.Errorf("value: decode: empty buffer")
	}
	kind := Kind(buf[0])
	switch kind {
	case KindNull:
		return NewNull(), 1, nil

	case KindBool:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated bool")
		}
		return NewBool(buf[1] != 0), 2, nil

	case KindInt8:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated int8")
		}
		return Value{Kind: KindInt8, Int: int64(int8(buf[1]))}, 2, nil

	case KindInt16:
		if len(buf) < 3 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated int16")
		}
		v := int16(binary.LittleEndian.Uint16(buf[1:3]))
		return Value{Kind: KindInt16, Int: int64(v)}, 3, nil

	case KindInt32:
		if len(buf) < 5 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated int32")
		}
		v := int32(binary.LittleEndian.Uint32(buf[1:5]))
		return Value{Kind: KindInt32, Int: int64(v)}, 5, nil

	case KindInt64:
		if len(buf) < 9 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated int64")
		}
		v := int64(binary.LittleEndian.Uint64(buf[1:9]))
		return Value{Kind: KindInt64, Int: v}, 9, nil

	case KindFloat32:
		if len(buf) < 5 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated float32")
		}
		v := math.Float32frombits(binary.LittleEndian.Uint32(buf[1:5]))
		return Value{Kind: KindFloat32, Float: float64(v)}, 5, nil

	case KindFloat64:
		if len(buf) < 9 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated float64")
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9]))
		return Value{Kind: KindFloat64, Float: v}, 9, nil

	case KindString8:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated string8 length")
		}
		n := int(buf[1])
		if len(buf) < 2+n {
			return Value{}, 0, fmt.Errorf("value: decode: truncated string8 body")
		}
		return Value{Kind: KindString8, Str: string(buf[2 : 2+n])}, 2 + n, nil

	case KindString16:
		if len(buf) < 3 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated string16 length")
		}
		n := int(binary.LittleEndian.Uint16(buf[1:3]))
		if len(buf) < 3+n {
			return Value{}, 0, fmt.Errorf("value: decode: truncated string16 body")
		}
		return Value{Kind: KindString16, Str: string(buf[3 : 3+n])}, 3 + n, nil

	case KindBinary8:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated binary8 length")
		}
		n := int(buf[1])
		if len(buf) < 2+n {
			return Value{}, 0, fmt.Errorf("value: decode: truncated binary8 body")
		}
		bin := append([]byte(nil), buf[2:2+n]...)
		return Value{Kind: KindBinary8, Bin: bin}, 2 + n, nil

	case KindBinary16:
		if len(buf) < 3 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated binary16 length")
		}
		n := int(binary.LittleEndian.Uint16(buf[1:3]))
		if len(buf) < 3+n {
			return Value{}, 0, fmt.Errorf("value: decode: truncated binary16 body")
		}
		bin := append([]byte(nil), buf[3:3+n]...)
		return Value{Kind: KindBinary16, Bin: bin}, 3 + n, nil

	case KindTimestamp:
		if len(buf) < 7 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated timestamp")
		}
		sec := binary.LittleEndian.Uint32(buf[1:5])
		ms := binary.LittleEndian.Uint16(buf[5:7])
		return NewTimestamp(sec, ms), 7, nil

	case KindUUID:
		if len(buf) < 17 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated uuid")
		}
		var u [16]byte
		copy(u[:], buf[1:17])
		return NewUUID(u), 17, nil

	case KindList:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated list length")
		}
		n := int(buf[1])
		items := make([]Value, 0, n)
		offset := 2
		for i := 0; i < n; i++ {
			item, used, err := Decode(buf[offset:])
			if err != nil {
				return Value{}, 0, fmt.Errorf("value: decode: list item %d: %w", i, err)
			}
			items = append(items, item)
			offset += used
		}
		return Value{Kind: KindList, List: items}, offset, nil

	case KindMap:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("value: decode: truncated map length")
		}
		n := int(buf[1])
		m := make(map[string]Value, n)
		offset := 2
		for i := 0; i < n; i++ {
			key, used, err := Decode(buf[offset:])
			if err != nil {
				return Value{}, 0, fmt.Errorf("value: decode: map key %d: %w", i, err)
			}
			offset += used
			val, used, err := Decode(buf[offset:])
			if err != nil {
				return Value{}, 0, fmt.Errorf("value: decode: map value %d: %w", i, err)
			}
			offset += used
			m[key.Str] = val
		}
		return Value{Kind: KindMap, Map: m}, offset, nil

	default:
		return Value{}, 0, fmt.Errorf("value: decode: unknown tag %d", buf[0])
	}
}
