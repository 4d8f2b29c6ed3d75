// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmiproxy

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/grid-x/qmi"
)

const defaultCommandTimeout = 10 * time.Second

// Authorizer decides whether a connecting peer may own devicePath. cred
// is the peer's SO_PEERCRED credentials.
type Authorizer func(cred *unix.Ucred, devicePath string) error

// defaultAuthorize allows only peers running as the proxy's own uid,
// since the abstract socket namespace carries no filesystem permission
// bits of its own.
func defaultAuthorize(cred *unix.Ucred, _ string) error {
	if int(cred.Uid) != os.Getuid() {
		return qmi.ErrPermission
	}
	return nil
}

// Server listens on the well-known abstract socket and multiplexes
// connecting sessions onto shared Devices, one per device path.
type Server struct {
	logger           *slog.Logger
	commandTimeout   time.Duration
	authorize        Authorizer
	transportFactory func(path string) qmi.Transport

	pool     *devicePool
	disowned *disownedPool

	listener net.Listener
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithLogger attaches a structured logger for connection and framing
// trace events.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithCommandTimeout overrides the timeout applied to every forwarded
// command and CTL operation. Default 10s.
func WithCommandTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.commandTimeout = d }
}

// WithAuthorizer overrides the peer-credential policy applied to every
// new session's handshake. Default restricts connections to the
// server's own uid.
func WithAuthorizer(fn Authorizer) ServerOption {
	return func(s *Server) { s.authorize = fn }
}

// WithTransportFactory overrides how the Server opens the underlying
// channel for a device path, normally a qmi.CharDeviceTransport. Tests
// use this to substitute an in-memory Transport so the proxy lifecycle
// (handshake, allocate, passthrough, disown, reclaim) can be exercised
// without a real character device.
func WithTransportFactory(fn func(path string) qmi.Transport) ServerOption {
	return func(s *Server) { s.transportFactory = fn }
}

// NewServer constructs a Server. Call ListenAndServe to start accepting
// sessions.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{commandTimeout: defaultCommandTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.authorize == nil {
		s.authorize = defaultAuthorize
	}
	s.disowned = newDisownedPool()
	s.pool = newDevicePool(s.logger, s.disowned)
	if s.transportFactory != nil {
		s.pool.newTransport = s.transportFactory
	}
	return s
}

// ListenAndServe listens on the abstract socket named by qmi.ProxyAddr
// and serves connecting sessions until ctx is cancelled or Accept fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("unix", qmi.ProxyAddr())
	if err != nil {
		return qmi.ErrTransport
	}
	s.listener = l

	stopC := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stopC:
		}
	}()
	defer close(stopC)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(s, conn)
	sess.serve(ctx)
}

func (s *Server) log(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
