// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"pgregory.net/rapid"
)

func TestTLVEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "NumTLVs")
		tlvs := make([]TLV, n)
		var buf []byte
		for i := range tlvs {
			typ := rapid.Byte().Draw(t, "Type")
			value := rapid.SliceOfN(rapid.Byte(), 0, 16).Draw(t, "Value")
			tlvs[i] = TLV{Type: typ, Value: value}
			buf = append(buf, typ)
			buf = append(buf, byte(len(value)), byte(len(value)>>8))
			buf = append(buf, value...)
		}

		decoded, err := decodeTLVs(buf)
		if err != nil {
			t.Fatalf("decodeTLVs: %v", err)
		}

		opts := cmpopts.EquateEmpty()
		if !cmp.Equal(tlvs, decoded, opts) {
			t.Errorf("round trip mismatch: %s", cmp.Diff(tlvs, decoded, opts))
		}
	})
}

func TestTLVIndexRepeatedType(t *testing.T) {
	tlvs := []TLV{
		{Type: 0x10, Value: []byte{1}},
		{Type: 0x10, Value: []byte{2}},
		{Type: 0x20, Value: []byte{3}},
	}
	idx := buildTLVIndex(tlvs)

	all := idx.ReadTLVAll(0x10)
	if len(all) != 2 || all[0][0] != 1 || all[1][0] != 2 {
		t.Fatalf("expected wire-order values [1] [2], got %v", all)
	}

	first, err := idx.ReadTLV(0x10)
	if err != nil || first[0] != 1 {
		t.Fatalf("ReadTLV should return the first occurrence: %v %v", first, err)
	}
}

func TestTLVNotFound(t *testing.T) {
	idx := buildTLVIndex(nil)
	if _, err := idx.ReadTLV(0x01); err != ErrTLVNotFound {
		t.Fatalf("expected ErrTLVNotFound, got %v", err)
	}
}

func TestStringTLVLengthPrefixes(t *testing.T) {
	cases := []struct {
		name   string
		prefix StringLengthPrefix
	}{
		{"none", StringNoLengthPrefix},
		{"8bit", StringLengthPrefix8},
		{"16bit", StringLengthPrefix16},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tlv := StringTLV(0x01, "hello", c.prefix)
			idx := buildTLVIndex([]TLV{tlv})
			got, err := idx.ReadTLVAsString(0x01, c.prefix)
			if err != nil {
				t.Fatalf("ReadTLVAsString: %v", err)
			}
			if got != "hello" {
				t.Fatalf("got %q, want %q", got, "hello")
			}
		})
	}
}

func TestIntegerTLVRoundTrip(t *testing.T) {
	idx := buildTLVIndex([]TLV{
		Uint8TLV(1, 0x42),
		Uint16TLV(2, 0x1234),
		Uint32TLV(3, 0xDEADBEEF),
		Uint64TLV(4, 0x0102030405060708),
	})

	if v, err := idx.ReadTLVAsUint8(1); err != nil || v != 0x42 {
		t.Fatalf("uint8: %v %v", v, err)
	}
	if v, err := idx.ReadTLVAsUint16(2); err != nil || v != 0x1234 {
		t.Fatalf("uint16: %v %v", v, err)
	}
	if v, err := idx.ReadTLVAsUint32(3); err != nil || v != 0xDEADBEEF {
		t.Fatalf("uint32: %v %v", v, err)
	}
	if v, err := idx.ReadTLVAsUint64(4); err != nil || v != 0x0102030405060708 {
		t.Fatalf("uint64: %v %v", v, err)
	}
}
