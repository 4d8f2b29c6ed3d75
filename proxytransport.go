// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ProxySocketName is the well-known abstract local stream socket name
// the proxy listens on.
const ProxySocketName = "qmi-proxy"

// ProxyAddr returns the net.Addr string for the abstract Unix domain
// socket the proxy listens on (a leading NUL marks an abstract name on
// Linux).
func ProxyAddr() string {
	return "@" + ProxySocketName
}

// ProxyTransport is the Transport variant used when a caller opts into
// proxy mode: a socket connection to the Proxy server, prefixed with a
// handshake naming the device path. Once Connect
// completes it is indistinguishable from a direct Transport as far as
// the codec is concerned.
type ProxyTransport struct {
	DevicePath string // path forwarded to the proxy in the handshake

	conn    net.Conn
	pending []byte // bytes read past the handshake response, not yet consumed by Read
}

// NewProxyTransport returns a Transport that connects to the local proxy
// server and asks it to own devicePath.
func NewProxyTransport(devicePath string) *ProxyTransport {
	return &ProxyTransport{DevicePath: devicePath}
}

func (p *ProxyTransport) Connect(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", ProxyAddr())
	if err != nil {
		return newError("ProxyTransport.Connect", KindTransport, fmt.Errorf("dial proxy: %w", err))
	}

	canon, err := canonicalizeDevicePath(p.DevicePath)
	if err != nil {
		conn.Close()
		return newError("ProxyTransport.Connect", KindTransport, err)
	}

	req, err := buildHandshakeRequest(1, canon)
	if err != nil {
		conn.Close()
		return newError("ProxyTransport.Connect", KindFraming, err)
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return newError("ProxyTransport.Connect", KindTransport, err)
	}

	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		n, f, derr := DecodeOne(buf)
		if derr == nil {
			if !f.IsResponse() || !isHandshake(f) {
				conn.Close()
				return newError("ProxyTransport.Connect", KindProtocol, fmt.Errorf("unexpected handshake reply"))
			}
			if err := messageFromFrame(f).GetResult(); err != nil {
				conn.Close()
				return newError("ProxyTransport.Connect", KindPermission, err)
			}
			p.pending = append([]byte(nil), buf[n:]...)
			break
		}
		if derr != ErrNeedMore {
			conn.Close()
			return newError("ProxyTransport.Connect", KindFraming, derr)
		}
		n, err = conn.Read(tmp)
		if err != nil {
			conn.Close()
			return newError("ProxyTransport.Connect", KindTransport, err)
		}
		buf = append(buf, tmp[:n]...)
	}

	p.conn = conn
	return nil
}

func (p *ProxyTransport) Read(b []byte) (int, error) {
	if p.conn == nil {
		return 0, newError("ProxyTransport.Read", KindWrongState, fmt.Errorf("not connected"))
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	return p.conn.Read(b)
}

func (p *ProxyTransport) Write(b []byte) (int, error) {
	if p.conn == nil {
		return 0, newError("ProxyTransport.Write", KindWrongState, fmt.Errorf("not connected"))
	}
	return p.conn.Write(b)
}

func (p *ProxyTransport) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// canonicalizeDevicePath resolves devicePath the same way the proxy
// server does, so two processes naming the same physical device through
// different symlinks (e.g. /dev/cdc-wdm0 vs. a udev alias) hand the
// server the same key. A path that is not itself a symlink is only made
// absolute.
func canonicalizeDevicePath(devicePath string) (string, error) {
	info, err := os.Lstat(devicePath)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return filepath.Abs(devicePath)
	}
	resolved, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}
