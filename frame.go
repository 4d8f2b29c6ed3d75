// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package qmi provides the QMUX frame codec, the CID allocation protocol,
and the Device/Client abstractions used to share one QMI modem control
channel between cooperating callers.
*/
package qmi

import (
	"encoding/binary"
	"fmt"
)

const (
	// Marker is the single byte that opens every QMUX frame on the wire.
	Marker byte = 0x01

	// ServiceCTL is the control service (service id 0). It uses an 8-bit
	// transaction id; every other service uses a 16-bit LE id.
	ServiceCTL byte = 0x00

	// CIDBroadcast is the reserved CID used for broadcast indications.
	CIDBroadcast byte = 0xFF

	// hdr-flags bits.
	hdrFlagResponse   byte = 1 << 0
	hdrFlagIndication byte = 1 << 1

	// FlagsHost and FlagsModem are the two values observed on the wire
	// for the top-level QMUX flags byte. Decode does not validate this
	// byte against direction: captured traces (including the proxy
	// handshake) use 0x00 on both legs, so only the hdr-flags bits are
	// treated as authoritative for request/response/indication framing.
	FlagsHost  byte = 0x00
	FlagsModem byte = 0x80

	// minFrameBytes is the smallest possible total frame size (marker
	// included): length(2) + flags(1) + service(1) + cid(1) + hdrflags(1)
	// + tid(1, control width) + message-id(2) + tlv-length(2), plus the
	// marker byte itself.
	minFrameBytes = 1 + 2 + 1 + 1 + 1 + 1 + 1 + 2 + 2

	// maxTLVValue bounds a single TLV's value so length arithmetic never
	// needs more than 32 bits before the final narrowing check.
	maxTLVValue = 0xFFFF
)

// Frame is a decoded or in-construction QMUX envelope. It carries no
// opinion about message semantics beyond the envelope itself.
type Frame struct {
	Flags         byte // top-level QMUX flags byte; informational only, see FlagsHost/FlagsModem
	Service       byte
	CID           byte
	HdrFlags      byte
	TransactionID uint16 // always stored widened; wire width is implied by Service
	MessageID     uint16
	TLVs          []TLV
}

// IsRequest reports whether the frame's hdr-flags mark it as a request.
func (f *Frame) IsRequest() bool {
	return f.HdrFlags&hdrFlagResponse == 0 && f.HdrFlags&hdrFlagIndication == 0
}

// IsResponse reports whether the frame's hdr-flags mark it as a response.
func (f *Frame) IsResponse() bool {
	return f.HdrFlags&hdrFlagResponse != 0
}

// IsIndication reports whether the frame's hdr-flags mark it as an
// indication.
func (f *Frame) IsIndication() bool {
	return f.HdrFlags&hdrFlagIndication != 0
}

// tidWidth returns the wire width, in bytes, of this frame's transaction
// id: 1 for the control service, 2 for every other service.
func tidWidth(service byte) int {
	if service == ServiceCTL {
		return 1
	}
	return 2
}

// Encode serializes f to its wire bytes.
func (f *Frame) Encode() ([]byte, error) {
	tw := tidWidth(f.Service)

	var tlvTotal int64
	for _, t := range f.TLVs {
		if len(t.Value) > maxTLVValue {
			return nil, newError("Frame.Encode", KindFraming, fmt.Errorf("tlv type %d value too large: %d bytes", t.Type, len(t.Value)))
		}
		tlvTotal += int64(3 + len(t.Value))
	}
	if tlvTotal > 0xFFFF {
		return nil, newError("Frame.Encode", KindFraming, fmt.Errorf("tlv payload too large: %d bytes", tlvTotal))
	}

	// length field = everything after the marker, including the length
	// field itself.
	length := int64(2+1+1+1+1+tw+2+2) + tlvTotal
	if length > 0xFFFF {
		return nil, newError("Frame.Encode", KindFraming, fmt.Errorf("frame too large: %d bytes", length))
	}

	buf := make([]byte, 1+length)
	buf[0] = Marker
	binary.LittleEndian.PutUint16(buf[1:], uint16(length))
	buf[3] = f.Flags
	buf[4] = f.Service
	buf[5] = f.CID
	buf[6] = f.HdrFlags

	off := 7
	if tw == 1 {
		buf[off] = byte(f.TransactionID)
		off++
	} else {
		binary.LittleEndian.PutUint16(buf[off:], f.TransactionID)
		off += 2
	}
	binary.LittleEndian.PutUint16(buf[off:], f.MessageID)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(tlvTotal))
	off += 2

	for _, t := range f.TLVs {
		buf[off] = t.Type
		binary.LittleEndian.PutUint16(buf[off+1:], uint16(len(t.Value)))
		off += 3
		copy(buf[off:], t.Value)
		off += len(t.Value)
	}
	return buf, nil
}

// EncodeRequest builds the wire bytes for a request frame.
func EncodeRequest(service, cid byte, tid uint16, messageID uint16, tlvs []TLV) ([]byte, error) {
	f := &Frame{Flags: FlagsHost, Service: service, CID: cid, HdrFlags: 0, TransactionID: tid, MessageID: messageID, TLVs: tlvs}
	return f.Encode()
}

// EncodeResponse builds the wire bytes for a response frame. It is used
// by the proxy to synthesize the internal handshake acknowledgement;
// captured traces show Flags==0x00 on this leg too, so Flags is not
// forced to FlagsModem here.
func EncodeResponse(service, cid byte, tid uint16, messageID uint16, tlvs []TLV) ([]byte, error) {
	f := &Frame{Flags: FlagsHost, Service: service, CID: cid, HdrFlags: hdrFlagResponse, TransactionID: tid, MessageID: messageID, TLVs: tlvs}
	return f.Encode()
}

// EncodeIndication builds the wire bytes for an indication frame.
func EncodeIndication(service, cid byte, messageID uint16, tlvs []TLV) ([]byte, error) {
	f := &Frame{Flags: FlagsModem, Service: service, CID: cid, HdrFlags: hdrFlagIndication, TransactionID: 0, MessageID: messageID, TLVs: tlvs}
	return f.Encode()
}

// ErrNeedMore is not an error: it signals that the buffer does not yet
// contain a full frame and the caller should read more bytes and retry.
var ErrNeedMore = fmt.Errorf("qmi: need more bytes")

// DecodeOne parses the first complete frame from buf. It returns the
// number of bytes consumed and the decoded Frame. If buf does not yet
// contain a full frame it returns ErrNeedMore and the caller must not
// treat this as fatal. Any other error is a MalformedFrame-class error
// (Kind == KindFraming), and resync is unsafe: the caller must treat the
// underlying stream as broken.
func DecodeOne(buf []byte) (n int, f *Frame, err error) {
	if len(buf) < 1 {
		return 0, nil, ErrNeedMore
	}
	if buf[0] != Marker {
		return 0, nil, newError("DecodeOne", KindFraming, fmt.Errorf("first byte 0x%02x is not marker 0x%02x", buf[0], Marker))
	}
	if len(buf) < 3 {
		return 0, nil, ErrNeedMore
	}
	length := binary.LittleEndian.Uint16(buf[1:3])
	total := 1 + int(length)
	if total < minFrameBytes {
		return 0, nil, newError("DecodeOne", KindFraming, fmt.Errorf("frame length %d smaller than minimum %d", total, minFrameBytes))
	}
	if len(buf) < total {
		return 0, nil, ErrNeedMore
	}
	data := buf[:total]

	f = &Frame{
		Flags:    data[3],
		Service:  data[4],
		CID:      data[5],
		HdrFlags: data[6],
	}
	tw := tidWidth(f.Service)
	off := 7
	if total < off+tw+2+2 {
		return 0, nil, newError("DecodeOne", KindFraming, fmt.Errorf("frame too short for header: %d bytes", total))
	}
	if tw == 1 {
		f.TransactionID = uint16(data[off])
		off++
	} else {
		f.TransactionID = binary.LittleEndian.Uint16(data[off:])
		off += 2
	}
	f.MessageID = binary.LittleEndian.Uint16(data[off:])
	off += 2
	tlvLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2

	if off+tlvLen != total {
		return 0, nil, newError("DecodeOne", KindFraming, fmt.Errorf("tlv-length %d does not match frame length (have %d bytes)", tlvLen, total-off))
	}

	tlvs, err := decodeTLVs(data[off:total])
	if err != nil {
		return 0, nil, err
	}
	f.TLVs = tlvs
	return total, f, nil
}
