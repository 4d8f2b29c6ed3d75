// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"encoding/binary"
	"fmt"
)

// TLV is a single Type-Length-Value record inside a frame's payload.
// Keys are unique within a frame in the common case, but repeated types
// are tolerated and surfaced in wire (insertion) order.
type TLV struct {
	Type  byte
	Value []byte
}

// decodeTLVs parses every TLV record out of buf, which must contain
// exactly one TLV section with no trailing bytes (the caller has already
// sliced buf to the declared tlv-length).
func decodeTLVs(buf []byte) ([]TLV, error) {
	var tlvs []TLV
	off := 0
	for off < len(buf) {
		if off+3 > len(buf) {
			return nil, newError("decodeTLVs", KindFraming, fmt.Errorf("truncated tlv header at offset %d", off))
		}
		typ := buf[off]
		vlen := int(binary.LittleEndian.Uint16(buf[off+1:]))
		off += 3
		if off+vlen > len(buf) {
			return nil, newError("decodeTLVs", KindFraming, fmt.Errorf("tlv type %d length %d overruns frame", typ, vlen))
		}
		tlvs = append(tlvs, TLV{Type: typ, Value: buf[off : off+vlen]})
		off += vlen
	}
	return tlvs, nil
}

// tlvIndex is an O(1) lookup from TLV type to the slice of values carried
// under that type, in wire order. Most types appear at most once; the
// index still supports repeated types because the wire format
// tolerates them.
type tlvIndex map[byte][][]byte

func buildTLVIndex(tlvs []TLV) tlvIndex {
	idx := make(tlvIndex, len(tlvs))
	for _, t := range tlvs {
		idx[t.Type] = append(idx[t.Type], t.Value)
	}
	return idx
}

// ErrTLVNotFound is returned by the ReadTLV family when the requested
// type is absent from the message.
var ErrTLVNotFound = fmt.Errorf("qmi: tlv not found")

// ReadTLV returns the first value stored under typ, or ErrTLVNotFound.
func (idx tlvIndex) ReadTLV(typ byte) ([]byte, error) {
	vs, ok := idx[typ]
	if !ok || len(vs) == 0 {
		return nil, ErrTLVNotFound
	}
	return vs[0], nil
}

// ReadTLVAll returns every value stored under typ, in wire order.
func (idx tlvIndex) ReadTLVAll(typ byte) [][]byte {
	return idx[typ]
}

func readFixed(idx tlvIndex, typ byte, n int) ([]byte, error) {
	v, err := idx.ReadTLV(typ)
	if err != nil {
		return nil, err
	}
	if len(v) != n {
		return nil, &DataSizeError{Expected: n, Actual: len(v)}
	}
	return v, nil
}

// ReadTLVAsUint8 reads a single-byte TLV.
func (idx tlvIndex) ReadTLVAsUint8(typ byte) (uint8, error) {
	v, err := readFixed(idx, typ, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// ReadTLVAsUint16 reads a little-endian two-byte TLV.
func (idx tlvIndex) ReadTLVAsUint16(typ byte) (uint16, error) {
	v, err := readFixed(idx, typ, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(v), nil
}

// ReadTLVAsUint16BE reads a big-endian two-byte TLV, for the rare fields
// the wire demands big-endian for.
func (idx tlvIndex) ReadTLVAsUint16BE(typ byte) (uint16, error) {
	v, err := readFixed(idx, typ, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

// ReadTLVAsUint32 reads a little-endian four-byte TLV.
func (idx tlvIndex) ReadTLVAsUint32(typ byte) (uint32, error) {
	v, err := readFixed(idx, typ, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

// ReadTLVAsUint64 reads a little-endian eight-byte TLV.
func (idx tlvIndex) ReadTLVAsUint64(typ byte) (uint64, error) {
	v, err := readFixed(idx, typ, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v), nil
}

// ReadTLVAsBytes returns the raw value bytes stored under typ.
func (idx tlvIndex) ReadTLVAsBytes(typ byte) ([]byte, error) {
	return idx.ReadTLV(typ)
}

// StringLengthPrefix selects the width of the length prefix a string TLV
// carries, inherited from the service schema.
type StringLengthPrefix int

const (
	// StringNoLengthPrefix means the TLV value is the raw string bytes
	// with no prefix and no terminator.
	StringNoLengthPrefix StringLengthPrefix = iota
	// StringLengthPrefix8 means the first byte of the TLV value is a
	// uint8 byte count for the string that follows.
	StringLengthPrefix8
	// StringLengthPrefix16 means the first two bytes (LE) of the TLV
	// value are a uint16 byte count for the string that follows.
	StringLengthPrefix16
)

// ReadTLVAsString reads a string TLV using the caller-specified
// length-prefix width. The returned string is the exact byte sequence
// found on the wire; no terminator is assumed or stripped.
func (idx tlvIndex) ReadTLVAsString(typ byte, prefix StringLengthPrefix) (string, error) {
	v, err := idx.ReadTLV(typ)
	if err != nil {
		return "", err
	}
	switch prefix {
	case StringNoLengthPrefix:
		return string(v), nil
	case StringLengthPrefix8:
		if len(v) < 1 {
			return "", &DataSizeError{Expected: 1, Actual: len(v)}
		}
		n := int(v[0])
		if len(v) < 1+n {
			return "", &DataSizeError{Expected: 1 + n, Actual: len(v)}
		}
		return string(v[1 : 1+n]), nil
	case StringLengthPrefix16:
		if len(v) < 2 {
			return "", &DataSizeError{Expected: 2, Actual: len(v)}
		}
		n := int(binary.LittleEndian.Uint16(v))
		if len(v) < 2+n {
			return "", &DataSizeError{Expected: 2 + n, Actual: len(v)}
		}
		return string(v[2 : 2+n]), nil
	default:
		return "", fmt.Errorf("qmi: unknown string length prefix %d", prefix)
	}
}

// StringTLV builds a TLV whose value is s encoded with the given
// length-prefix width. Callers that want no terminator and no prefix
// should pass StringNoLengthPrefix and include any terminator themselves
// in s.
func StringTLV(typ byte, s string, prefix StringLengthPrefix) TLV {
	switch prefix {
	case StringLengthPrefix8:
		v := make([]byte, 1+len(s))
		v[0] = byte(len(s))
		copy(v[1:], s)
		return TLV{Type: typ, Value: v}
	case StringLengthPrefix16:
		v := make([]byte, 2+len(s))
		binary.LittleEndian.PutUint16(v, uint16(len(s)))
		copy(v[2:], s)
		return TLV{Type: typ, Value: v}
	default:
		return TLV{Type: typ, Value: []byte(s)}
	}
}

// Uint8TLV, Uint16TLV, Uint32TLV, Uint64TLV build fixed-width
// little-endian integer TLVs.

func Uint8TLV(typ byte, v uint8) TLV {
	return TLV{Type: typ, Value: []byte{v}}
}

func Uint16TLV(typ byte, v uint16) TLV {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return TLV{Type: typ, Value: b}
}

func Uint32TLV(typ byte, v uint32) TLV {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return TLV{Type: typ, Value: b}
}

func Uint64TLV(typ byte, v uint64) TLV {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return TLV{Type: typ, Value: b}
}

func BytesTLV(typ byte, v []byte) TLV {
	cp := make([]byte, len(v))
	copy(cp, v)
	return TLV{Type: typ, Value: cp}
}
