// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport adapts a net.Conn (one end of a net.Pipe) to Transport,
// standing in for a real character device or proxy socket in tests.
type pipeTransport struct {
	conn net.Conn
}

func (p *pipeTransport) Connect(ctx context.Context) error { return nil }
func (p *pipeTransport) Read(b []byte) (int, error)        { return p.conn.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error)       { return p.conn.Write(b) }
func (p *pipeTransport) Close() error                      { return p.conn.Close() }

// testModem reads frames off its end of the pipe and answers them
// through a caller-supplied handler, simulating the far side of the
// channel (the real modem, or another proxy peer).
type testModem struct {
	conn net.Conn
}

func newTestModem(conn net.Conn) *testModem { return &testModem{conn: conn} }

func (m *testModem) serve(t *testing.T, handle func(f *Frame) []byte) {
	t.Helper()
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 4096)
	for {
		for {
			n, f, err := DecodeOne(buf)
			if err == nil {
				buf = buf[n:]
				if resp := handle(f); resp != nil {
					if _, err := m.conn.Write(resp); err != nil {
						return
					}
				}
				continue
			}
			break
		}
		n, err := m.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return
		}
	}
}

func echoAllocateCID(f *Frame) []byte {
	if !f.IsRequest() || f.Service != ServiceCTL || f.MessageID != MsgAllocateCID {
		return nil
	}
	service, _ := AllocateCIDRequestedService(f)
	raw, _ := BuildAllocateCIDResponse(uint8(f.TransactionID), service, 7)
	return raw
}

func TestDeviceCommandRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	modem := newTestModem(server)
	go modem.serve(t, func(f *Frame) []byte {
		if f.Service != 5 || f.MessageID != 0x0020 {
			return nil
		}
		raw, _ := EncodeResponse(5, f.CID, f.TransactionID, f.MessageID, []TLV{
			resultTLV(0, 0),
			Uint32TLV(0x10, 0xCAFEBABE),
		})
		return raw
	})

	ctx := context.Background()
	dev, err := Open(ctx, &pipeTransport{conn: client})
	require.NoError(t, err)
	defer dev.Close(ctx, time.Second)

	msg := NewRequest(5, 1, 0x0020)
	resp, err := dev.Command(ctx, msg, time.Second)
	require.NoError(t, err)
	require.NoError(t, resp.GetResult())

	v, err := resp.ReadTLVAsUint32(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), v)
}

func TestDeviceCommandTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	// The far end never responds.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx := context.Background()
	dev, err := Open(ctx, &pipeTransport{conn: client})
	require.NoError(t, err)
	defer dev.Close(ctx, time.Second)

	msg := NewRequest(5, 1, 0x0020)
	_, err = dev.Command(ctx, msg, 20*time.Millisecond)
	require.Error(t, err)
	qerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, qerr.Kind)
}

func TestDeviceAllocateAndReleaseClient(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	modem := newTestModem(server)
	go modem.serve(t, func(f *Frame) []byte {
		if resp := echoAllocateCID(f); resp != nil {
			return resp
		}
		if f.Service == ServiceCTL && f.MessageID == MsgReleaseCID {
			raw, _ := EncodeResponse(ServiceCTL, 0, f.TransactionID, MsgReleaseCID, []TLV{resultTLV(0, 0)})
			return raw
		}
		return nil
	})

	ctx := context.Background()
	dev, err := Open(ctx, &pipeTransport{conn: client})
	require.NoError(t, err)
	defer dev.Close(ctx, time.Second)

	c, err := dev.AllocateClient(ctx, 5, 0, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(5), c.Service())
	assert.Equal(t, byte(7), c.CID())

	err = c.Release(ctx, ReleaseCID, time.Second)
	require.NoError(t, err)
}

func TestDeviceIndicationFanOut(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	modem := newTestModem(server)
	indicationSent := make(chan struct{})
	go modem.serve(t, func(f *Frame) []byte {
		if resp := echoAllocateCID(f); resp != nil {
			go func() {
				raw, _ := EncodeIndication(5, 7, 0x0030, []TLV{Uint8TLV(1, 9)})
				server.Write(raw)
				close(indicationSent)
			}()
			return resp
		}
		return nil
	})

	ctx := context.Background()
	dev, err := Open(ctx, &pipeTransport{conn: client})
	require.NoError(t, err)
	defer dev.Close(ctx, time.Second)

	c, err := dev.AllocateClient(ctx, 5, 0, false, time.Second)
	require.NoError(t, err)

	select {
	case msg := <-c.Indications():
		assert.Equal(t, uint16(0x0030), msg.MessageID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for indication")
	}
	<-indicationSent
}

func TestDeviceFatalTransportFailureFailsPendingCommands(t *testing.T) {
	client, server := net.Pipe()

	ctx := context.Background()
	dev, err := Open(ctx, &pipeTransport{conn: client})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		msg := NewRequest(5, 1, 0x0020)
		_, err := dev.Command(ctx, msg, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	server.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("command did not fail after transport closed")
	}
}

func TestDeviceCommandAfterCloseIsWrongState(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx := context.Background()
	dev, err := Open(ctx, &pipeTransport{conn: client})
	require.NoError(t, err)
	require.NoError(t, dev.Close(ctx, time.Second))

	_, err = dev.Command(ctx, NewRequest(5, 1, 0x0020), time.Second)
	require.Error(t, err)
	qerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindWrongState, qerr.Kind)
}
