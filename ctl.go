// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

// Control-service (service id 0) message ids and TLV type ids. The
// concrete wire schema for every other service is a codegen input; these
// are the only messages the core itself must speak in order to
// allocate/release CIDs and perform the proxy handshake.
const (
	// MsgAllocateCID allocates a CID for a given service.
	MsgAllocateCID uint16 = 0x0022
	// MsgReleaseCID releases a previously allocated CID.
	MsgReleaseCID uint16 = 0x0023
	// msgProxyHandshake is the proxy-internal message id used for the
	// very first frame of every proxy session.
	msgProxyHandshake uint16 = 0xFF00
)

const (
	// tlvAllocateCIDRequest carries the service id to allocate a CID
	// for (1 byte).
	tlvAllocateCIDRequest byte = 0x01
	// tlvCIDRecord carries {service, cid} (2 bytes) on ALLOCATE_CID
	// responses and on RELEASE_CID requests/responses. It is also, not
	// coincidentally, the same TLV type used for the proxy handshake's
	// device-path payload: both represent "the single interesting value
	// of this CTL message" and the control service disambiguates by
	// message id, not TLV type.
	tlvCIDRecord byte = 0x01
	// tlvDevicePath carries the canonicalized device path (raw UTF-8
	// bytes, no terminator) on the proxy handshake request.
	tlvDevicePath byte = 0x01
)

// NoReleaseCID leaves a CID allocated on Device.ReleaseClient instead of
// sending RELEASE_CID on the wire, so a later process on the same path
// can reclaim it through the proxy.
type ReleaseFlags int

const (
	ReleaseCID ReleaseFlags = iota
	NoReleaseCID
)

// buildAllocateCIDRequest builds the CTL.ALLOCATE_CID request message
// for the given service.
func buildAllocateCIDRequest(service byte) *Message {
	m := NewRequest(ServiceCTL, 0, MsgAllocateCID)
	_ = m.AddTLV(Uint8TLV(tlvAllocateCIDRequest, service))
	return m
}

// parseAllocateCIDResponse extracts the allocated cid from an
// ALLOCATE_CID response.
func parseAllocateCIDResponse(resp *Message) (service, cid byte, err error) {
	if err = resp.GetResult(); err != nil {
		return 0, 0, err
	}
	v, err := resp.ReadTLVAsBytes(tlvCIDRecord)
	if err != nil {
		return 0, 0, err
	}
	if len(v) != 2 {
		return 0, 0, &DataSizeError{Expected: 2, Actual: len(v)}
	}
	return v[0], v[1], nil
}

// buildReleaseCIDRequest builds the CTL.RELEASE_CID request message for
// the given (service, cid).
func buildReleaseCIDRequest(service, cid byte) *Message {
	m := NewRequest(ServiceCTL, 0, MsgReleaseCID)
	_ = m.AddTLV(BytesTLV(tlvCIDRecord, []byte{service, cid}))
	return m
}

// buildHandshakeRequest builds the proxy-internal handshake request
// naming the canonicalized device path. tid is caller-chosen.
func buildHandshakeRequest(tid uint8, devicePath string) ([]byte, error) {
	return EncodeRequest(ServiceCTL, 0, uint16(tid), msgProxyHandshake, []TLV{
		StringTLV(tlvDevicePath, devicePath, StringNoLengthPrefix),
	})
}

// buildHandshakeResponse builds the proxy-internal handshake success
// response, reusing the request's transaction id.
func buildHandshakeResponse(tid uint8) ([]byte, error) {
	return EncodeResponse(ServiceCTL, 0, uint16(tid), msgProxyHandshake, []TLV{
		Uint32TLV(TLVResult, 0),
	})
}

// handshakeDevicePath extracts the device path TLV from a decoded
// handshake request frame.
func handshakeDevicePath(f *Frame) (string, error) {
	m := messageFromFrame(f)
	return m.ReadTLVAsString(tlvDevicePath, StringNoLengthPrefix)
}

// isHandshake reports whether f is a proxy-internal handshake frame.
func isHandshake(f *Frame) bool {
	return f.Service == ServiceCTL && f.CID == 0 && f.MessageID == msgProxyHandshake
}

// isAllocateCID / isReleaseCID report whether f is the corresponding CTL
// operation, used by the proxy to intercept and rewrite these frames.
func isAllocateCID(f *Frame) bool {
	return f.Service == ServiceCTL && f.MessageID == MsgAllocateCID
}

func isReleaseCID(f *Frame) bool {
	return f.Service == ServiceCTL && f.MessageID == MsgReleaseCID
}

// releaseCIDTarget extracts the (service, cid) a RELEASE_CID request
// names.
func releaseCIDTarget(f *Frame) (service, cid byte, err error) {
	m := messageFromFrame(f)
	v, err := m.ReadTLVAsBytes(tlvCIDRecord)
	if err != nil {
		return 0, 0, err
	}
	if len(v) != 2 {
		return 0, 0, &DataSizeError{Expected: 2, Actual: len(v)}
	}
	return v[0], v[1], nil
}

// The exported wrappers below are qmiproxy's only way to recognize and
// build CTL frames: the core parsing/building logic stays unexported and
// shared with Device/ProxyTransport, but qmiproxy lives in its own
// package and needs these specific operations to intercept and rewrite
// ALLOCATE_CID/RELEASE_CID/handshake traffic.

// IsHandshake reports whether f is a proxy-internal handshake frame.
func IsHandshake(f *Frame) bool { return isHandshake(f) }

// IsAllocateCID reports whether f is a CTL ALLOCATE_CID frame.
func IsAllocateCID(f *Frame) bool { return isAllocateCID(f) }

// IsReleaseCID reports whether f is a CTL RELEASE_CID frame.
func IsReleaseCID(f *Frame) bool { return isReleaseCID(f) }

// HandshakeDevicePath extracts the device path TLV from a decoded
// handshake request frame.
func HandshakeDevicePath(f *Frame) (string, error) { return handshakeDevicePath(f) }

// ReleaseCIDTarget extracts the (service, cid) a RELEASE_CID request
// names.
func ReleaseCIDTarget(f *Frame) (service, cid byte, err error) { return releaseCIDTarget(f) }

// AllocateCIDRequestedService extracts the service id a client's
// ALLOCATE_CID request is asking the proxy to allocate a CID for.
func AllocateCIDRequestedService(f *Frame) (byte, error) {
	return messageFromFrame(f).ReadTLVAsUint8(tlvAllocateCIDRequest)
}

// AllocateCIDResponseTarget extracts the (service, cid) an ALLOCATE_CID
// response carries. It shares its wire encoding with ReleaseCIDTarget
// (both are the {service, cid} CID record), but is named for the message
// it actually parses.
func AllocateCIDResponseTarget(f *Frame) (service, cid byte, err error) {
	return releaseCIDTarget(f)
}

func resultTLV(status, code uint16) TLV {
	return Uint32TLV(TLVResult, uint32(status)|uint32(code)<<16)
}

// BuildHandshakeRequest builds the proxy-internal handshake request
// naming the canonicalized device path. tid is caller-chosen.
func BuildHandshakeRequest(tid uint8, devicePath string) ([]byte, error) {
	return buildHandshakeRequest(tid, devicePath)
}

// BuildHandshakeResponse builds the proxy-internal handshake success
// response, reusing the request's transaction id.
func BuildHandshakeResponse(tid uint8) ([]byte, error) { return buildHandshakeResponse(tid) }

// BuildHandshakeRejection builds a handshake failure response carrying a
// non-zero result code, used when the proxy refuses to own a device path
// (credential check failure, or the device is already open elsewhere).
func BuildHandshakeRejection(tid uint8, code uint16) ([]byte, error) {
	return EncodeResponse(ServiceCTL, 0, uint16(tid), msgProxyHandshake, []TLV{resultTLV(1, code)})
}

// BuildAllocateCIDResponse builds an ALLOCATE_CID success response
// carrying the allocated (service, cid). The proxy answers every client
// ALLOCATE_CID with it, whether the CID came from a wire allocation or
// was reclaimed from the disowned pool with no wire round trip.
func BuildAllocateCIDResponse(tid uint8, service, cid byte) ([]byte, error) {
	return EncodeResponse(ServiceCTL, 0, uint16(tid), MsgAllocateCID, []TLV{
		BytesTLV(tlvCIDRecord, []byte{service, cid}),
		resultTLV(0, 0),
	})
}

// BuildReleaseCIDResponse builds a RELEASE_CID success response, used
// by the proxy to answer a client's RELEASE_CID once the Device has
// released the CID on the wire.
func BuildReleaseCIDResponse(tid uint8) ([]byte, error) {
	return EncodeResponse(ServiceCTL, 0, uint16(tid), MsgReleaseCID, []TLV{resultTLV(0, 0)})
}

// BuildProxyErrorResponse synthesizes a failure response for a request
// the proxy could not forward to completion (e.g. the Device failed
// fatally while the request was in flight), so the client sees a
// well-formed QMUX response instead of a hung transaction.
func BuildProxyErrorResponse(service, cid byte, tid uint16, messageID uint16) ([]byte, error) {
	return EncodeResponse(service, cid, tid, messageID, []TLV{resultTLV(1, 0xFFFF)})
}
