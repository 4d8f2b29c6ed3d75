// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import "encoding/binary"

// TLVResult is the TLV type every response carries mandatorily: two LE
// uint16s, status and code. status==0 means success.
const TLVResult byte = 0x02

// Message is a decoded or in-construction Frame plus the TLV index
// needed for O(1) lookup. A Message built with NewRequest is mutable
// until Send freezes it; Responses and Indications are always frozen on
// receipt.
type Message struct {
	frame  Frame
	idx    tlvIndex
	frozen bool
}

// NewRequest starts building a mutable request Message for the given
// service/cid/message id. TLVs are added with AddTLV until the caller
// hands it to Device.Command (or Client.Send), which assigns the
// transaction id, freezes it, and serializes it.
func NewRequest(service, cid byte, messageID uint16) *Message {
	return &Message{frame: Frame{Service: service, CID: cid, MessageID: messageID}}
}

// messageFromFrame wraps an already-decoded Frame (a response or
// indication) in a frozen Message.
func messageFromFrame(f *Frame) *Message {
	return &Message{frame: *f, idx: buildTLVIndex(f.TLVs), frozen: true}
}

// AddTLV appends a TLV to a still-mutable Message. It returns
// ErrWrongState if the Message has already been frozen.
func (m *Message) AddTLV(t TLV) error {
	if m.frozen {
		return newError("Message.AddTLV", KindWrongState, nil)
	}
	m.frame.TLVs = append(m.frame.TLVs, t)
	return nil
}

// freeze assigns the transaction id and hdr-flags, rebuilds the TLV
// index, and marks the Message immutable. Called by Device.Command just
// before serialization.
func (m *Message) freeze(tid uint16) error {
	if m.frozen {
		return newError("Message.freeze", KindWrongState, nil)
	}
	m.frame.TransactionID = tid
	m.frame.Flags = FlagsHost
	m.frame.HdrFlags = 0
	m.idx = buildTLVIndex(m.frame.TLVs)
	m.frozen = true
	return nil
}

// encode serializes the (already frozen) Message to wire bytes.
func (m *Message) encode() ([]byte, error) {
	return m.frame.Encode()
}

// Service returns the frame's service id.
func (m *Message) Service() byte { return m.frame.Service }

// CID returns the frame's client id.
func (m *Message) CID() byte { return m.frame.CID }

// TransactionID returns the frame's transaction id.
func (m *Message) TransactionID() uint16 { return m.frame.TransactionID }

// MessageID returns the frame's message id.
func (m *Message) MessageID() uint16 { return m.frame.MessageID }

// IsRequest, IsResponse, IsIndication expose the frame's role.
func (m *Message) IsRequest() bool    { return m.frame.IsRequest() }
func (m *Message) IsResponse() bool   { return m.frame.IsResponse() }
func (m *Message) IsIndication() bool { return m.frame.IsIndication() }

// GetResult reads the mandatory result TLV off a response Message. It
// returns nil if status==0 (success) and a *ProtocolError otherwise.
// Calling it on anything but a response is a caller error surfaced as
// ErrTLVNotFound (there is no result TLV to read).
func (m *Message) GetResult() error {
	v, err := m.idx.ReadTLV(TLVResult)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return &DataSizeError{Expected: 4, Actual: len(v)}
	}
	status := binary.LittleEndian.Uint16(v)
	code := binary.LittleEndian.Uint16(v[2:])
	if status == 0 {
		return nil
	}
	return &ProtocolError{Service: m.frame.Service, Code: code}
}

// ReadTLV, ReadTLVAsUint8/16/32/64/String/Bytes proxy to the frozen
// Message's TLV index. Calling these before the Message is frozen (i.e.
// on one still under construction) returns ErrTLVNotFound since the
// index has not been built yet.
func (m *Message) ReadTLV(typ byte) ([]byte, error) { return m.idx.ReadTLV(typ) }

func (m *Message) ReadTLVAll(typ byte) [][]byte { return m.idx.ReadTLVAll(typ) }

func (m *Message) ReadTLVAsUint8(typ byte) (uint8, error) { return m.idx.ReadTLVAsUint8(typ) }

func (m *Message) ReadTLVAsUint16(typ byte) (uint16, error) { return m.idx.ReadTLVAsUint16(typ) }

func (m *Message) ReadTLVAsUint32(typ byte) (uint32, error) { return m.idx.ReadTLVAsUint32(typ) }

func (m *Message) ReadTLVAsUint64(typ byte) (uint64, error) { return m.idx.ReadTLVAsUint64(typ) }

func (m *Message) ReadTLVAsString(typ byte, prefix StringLengthPrefix) (string, error) {
	return m.idx.ReadTLVAsString(typ, prefix)
}

func (m *Message) ReadTLVAsBytes(typ byte) ([]byte, error) { return m.idx.ReadTLVAsBytes(typ) }

// IterateTLVs calls fn for every TLV on the message, in wire order.
// Stops early if fn returns false.
func (m *Message) IterateTLVs(fn func(TLV) bool) {
	for _, t := range m.frame.TLVs {
		if !fn(t) {
			return
		}
	}
}

// TLVs returns a copy of every TLV on the message, in wire order. Used
// by qmiproxy to re-encode a response under a different transaction id
// without reinterpreting its payload.
func (m *Message) TLVs() []TLV {
	return append([]TLV(nil), m.frame.TLVs...)
}
