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

func TestFrameEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		service := rapid.Byte().Draw(t, "Service")
		cid := rapid.Byte().Draw(t, "CID")
		messageID := rapid.Uint16().Draw(t, "MessageID")
		n := rapid.IntRange(0, 8).Draw(t, "NumTLVs")

		tlvs := make([]TLV, n)
		for i := range tlvs {
			tlvs[i] = TLV{
				Type:  rapid.Byte().Draw(t, "TLVType"),
				Value: rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "TLVValue"),
			}
		}

		var tid uint16
		if service == ServiceCTL {
			tid = uint16(rapid.Byte().Draw(t, "TransactionID"))
		} else {
			tid = rapid.Uint16().Draw(t, "TransactionID")
		}

		f := &Frame{
			Flags:         FlagsHost,
			Service:       service,
			CID:           cid,
			HdrFlags:      0,
			TransactionID: tid,
			MessageID:     messageID,
			TLVs:          tlvs,
		}

		raw, err := f.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		n2, df, err := DecodeOne(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n2 != len(raw) {
			t.Fatalf("decoded %d bytes, expected %d", n2, len(raw))
		}
		opts := cmpopts.EquateEmpty()
		if !cmp.Equal(f, df, opts) {
			t.Errorf("round trip mismatch: %s", cmp.Diff(f, df, opts))
		}
	})
}

func TestDecodeOneNeedsMore(t *testing.T) {
	raw, err := EncodeRequest(1, 2, 3, 0x1234, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < len(raw); i++ {
		if _, _, err := DecodeOne(raw[:i]); err != ErrNeedMore {
			t.Fatalf("prefix %d: expected ErrNeedMore, got %v", i, err)
		}
	}
	n, _, err := DecodeOne(raw)
	if err != nil {
		t.Fatalf("decode full: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("consumed %d, expected %d", n, len(raw))
	}
}

func TestDecodeOneBadMarker(t *testing.T) {
	raw, _ := EncodeRequest(1, 2, 3, 0x1234, nil)
	raw[0] = 0x99
	_, _, err := DecodeOne(raw)
	qerr, ok := err.(*Error)
	if !ok || qerr.Kind != KindFraming {
		t.Fatalf("expected KindFraming error, got %v", err)
	}
}

func TestControlServiceUsesOneByteTransactionID(t *testing.T) {
	raw, err := EncodeRequest(ServiceCTL, 0, 0xAB, MsgAllocateCID, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// marker(1) + length(2) + flags(1) + service(1) + cid(1) + hdrflags(1)
	// + tid(1) + message-id(2) + tlv-length(2) = 12 bytes with no TLVs.
	if len(raw) != 12 {
		t.Fatalf("expected 12-byte control frame, got %d", len(raw))
	}

	_, f, err := DecodeOne(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.TransactionID != 0xAB {
		t.Fatalf("transaction id = 0x%x, want 0xAB", f.TransactionID)
	}
}

func TestNonControlServiceUsesTwoByteTransactionID(t *testing.T) {
	raw, err := EncodeRequest(5, 0, 0x1234, 0x002D, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != 13 {
		t.Fatalf("expected 13-byte frame, got %d", len(raw))
	}
	_, f, err := DecodeOne(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.TransactionID != 0x1234 {
		t.Fatalf("transaction id = 0x%x, want 0x1234", f.TransactionID)
	}
}
