// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmiproxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/grid-x/qmi"
)

type sessionKey struct {
	service byte
	cid     byte
}

type clientEntry struct {
	client *qmi.Client
	stopC  chan struct{}
}

// session is one client connection's state: the device path it
// negotiated in its handshake, the shared Device that path maps to, and
// every CID this session currently owns.
type session struct {
	server *Server
	conn   net.Conn

	writeMu sync.Mutex

	devicePath string
	dev        *qmi.Device

	clientsMu sync.Mutex
	clients   map[sessionKey]*clientEntry
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{server: s, conn: conn, clients: make(map[sessionKey]*clientEntry)}
}

// serve runs the session to completion: handshake, then request/response
// and CTL interception until the connection closes or a framing error
// makes the stream unreliable.
func (sess *session) serve(ctx context.Context) {
	defer sess.teardown(ctx)

	cred, err := peerCredentials(sess.conn)
	if err != nil {
		sess.server.log("rejecting session, no peer credentials", "err", err)
		return
	}

	buf := make([]byte, 0, 512)
	tmp := make([]byte, 4096)

	f, buf, err := sess.readFrame(buf, tmp)
	if err != nil {
		sess.server.log("session closed before handshake", "err", err)
		return
	}
	if !qmi.IsHandshake(f) {
		sess.server.log("first frame was not a handshake, closing")
		return
	}
	tid := uint8(f.TransactionID)

	path, err := qmi.HandshakeDevicePath(f)
	if err != nil {
		sess.rejectHandshake(tid, 1)
		return
	}
	canon, err := canonicalize(path)
	if err != nil {
		sess.rejectHandshake(tid, 1)
		return
	}
	if err := sess.server.authorize(cred, canon); err != nil {
		sess.server.log("rejecting session, authorization failed", "path", canon, "uid", cred.Uid)
		sess.rejectHandshake(tid, 2)
		return
	}

	dev, err := sess.server.pool.Acquire(ctx, canon)
	if err != nil {
		sess.server.log("rejecting session, device unavailable", "path", canon, "err", err)
		sess.rejectHandshake(tid, 3)
		return
	}
	sess.devicePath = canon
	sess.dev = dev

	resp, err := qmi.BuildHandshakeResponse(tid)
	if err != nil || sess.writeFrame(resp) != nil {
		return
	}
	sess.server.log("session established", "path", canon)

	for {
		var f *qmi.Frame
		f, buf, err = sess.readFrame(buf, tmp)
		if err != nil {
			return
		}
		sess.handleFrame(ctx, f)
	}
}

func (sess *session) rejectHandshake(tid uint8, code uint16) {
	resp, err := qmi.BuildHandshakeRejection(tid, code)
	if err != nil {
		return
	}
	_ = sess.writeFrame(resp)
}

// readFrame reads from the connection until buf holds a complete frame,
// returning the frame and the unconsumed remainder of buf.
func (sess *session) readFrame(buf, tmp []byte) (*qmi.Frame, []byte, error) {
	for {
		n, f, err := qmi.DecodeOne(buf)
		if err == nil {
			return f, buf[n:], nil
		}
		if err != qmi.ErrNeedMore {
			return nil, nil, err
		}
		n, rerr := sess.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return nil, nil, rerr
		}
	}
}

func (sess *session) handleFrame(ctx context.Context, f *qmi.Frame) {
	timeout := sess.server.commandTimeout
	switch {
	case qmi.IsAllocateCID(f):
		sess.handleAllocate(ctx, f, timeout)
	case qmi.IsReleaseCID(f):
		sess.handleRelease(ctx, f, timeout)
	default:
		sess.handlePassthrough(ctx, f, timeout)
	}
}

// handleAllocate answers a client's ALLOCATE_CID request either by
// handing back a disowned CID of the requested service with no wire
// round trip, or by forwarding to the modem through the shared Device.
func (sess *session) handleAllocate(ctx context.Context, f *qmi.Frame, timeout time.Duration) {
	service, err := qmi.AllocateCIDRequestedService(f)
	if err != nil {
		sess.writeError(f)
		return
	}
	tid := uint8(f.TransactionID)

	if cid, ok := sess.server.disowned.TakeAny(sess.devicePath, service); ok {
		client, err := sess.dev.AllocateClient(ctx, service, cid, true, timeout)
		if err != nil {
			sess.writeError(f)
			return
		}
		sess.trackClient(service, cid, client)
		resp, _ := qmi.BuildAllocateCIDResponse(tid, service, cid)
		sess.writeFrame(resp)
		return
	}

	client, err := sess.dev.AllocateClient(ctx, service, 0, false, timeout)
	if err != nil {
		sess.writeError(f)
		return
	}
	sess.trackClient(service, client.CID(), client)
	resp, _ := qmi.BuildAllocateCIDResponse(tid, service, client.CID())
	sess.writeFrame(resp)
}

// handleRelease honors an explicit client RELEASE_CID by releasing the
// CID on the wire (as opposed to a session disconnecting without
// releasing, which disowns instead — see teardown).
func (sess *session) handleRelease(ctx context.Context, f *qmi.Frame, timeout time.Duration) {
	service, cid, err := qmi.ReleaseCIDTarget(f)
	if err != nil {
		sess.writeError(f)
		return
	}
	tid := uint8(f.TransactionID)

	sess.clientsMu.Lock()
	entry, ok := sess.clients[sessionKey{service, cid}]
	if ok {
		delete(sess.clients, sessionKey{service, cid})
	}
	sess.clientsMu.Unlock()
	if !ok {
		sess.writeError(f)
		return
	}
	close(entry.stopC)
	if err := entry.client.Release(ctx, qmi.ReleaseCID, timeout); err != nil {
		sess.writeError(f)
		return
	}
	resp, _ := qmi.BuildReleaseCIDResponse(tid)
	sess.writeFrame(resp)
}

// handlePassthrough forwards any non-CTL-special request through the
// shared Device, which allocates its own wire transaction id and matches
// the response, then re-encodes that response under the client's
// original transaction id. The (service, cid) it addresses is implicitly
// (re)owned by this session first, so a session that starts sending
// traffic on a CID without ever ALLOCATE_CID-ing it itself (because the
// CID was disowned by a previous session, or because the proxy restarted
// without ever seeing the original allocation) still gets its
// indications forwarded and its CID released or disowned on disconnect.
func (sess *session) handlePassthrough(ctx context.Context, f *qmi.Frame, timeout time.Duration) {
	sess.trackImplicitCID(ctx, f.Service, f.CID, timeout)

	msg := qmi.NewRequest(f.Service, f.CID, f.MessageID)
	for _, t := range f.TLVs {
		_ = msg.AddTLV(t)
	}
	resp, err := sess.dev.Command(ctx, msg, timeout)
	if err != nil {
		sess.writeError(f)
		return
	}
	raw, err := qmi.EncodeResponse(f.Service, f.CID, f.TransactionID, f.MessageID, resp.TLVs())
	if err != nil {
		return
	}
	_ = sess.writeFrame(raw)
}

// trackImplicitCID ensures (service, cid) is in this session's owned set
// before a passthrough frame referencing it is forwarded. An already-
// tracked CID is left alone. A disowned CID is reowned. An unseen CID is
// tracked from scratch, covering a proxy restart that lost track of a
// client's earlier ALLOCATE_CID. The broadcast cid and cid 0 are never
// tracked. No wire operation is performed in any case: AllocateClient
// with reclaim set and a non-zero cid just registers the local
// indication subscription and bookkeeping entry.
func (sess *session) trackImplicitCID(ctx context.Context, service, cid byte, timeout time.Duration) {
	if cid == qmi.CIDBroadcast || cid == 0 {
		return
	}
	sess.clientsMu.Lock()
	_, tracked := sess.clients[sessionKey{service, cid}]
	sess.clientsMu.Unlock()
	if tracked {
		return
	}
	sess.server.disowned.Take(sess.devicePath, service, cid)
	client, err := sess.dev.AllocateClient(ctx, service, cid, true, timeout)
	if err != nil {
		return
	}
	sess.trackClient(service, cid, client)
}

func (sess *session) writeError(f *qmi.Frame) {
	raw, err := qmi.BuildProxyErrorResponse(f.Service, f.CID, f.TransactionID, f.MessageID)
	if err != nil {
		return
	}
	_ = sess.writeFrame(raw)
}

func (sess *session) trackClient(service, cid byte, client *qmi.Client) {
	stopC := make(chan struct{})
	sess.clientsMu.Lock()
	sess.clients[sessionKey{service, cid}] = &clientEntry{client: client, stopC: stopC}
	sess.clientsMu.Unlock()
	go sess.forwardIndications(client, stopC)
}

func (sess *session) forwardIndications(client *qmi.Client, stopC chan struct{}) {
	for {
		select {
		case msg, ok := <-client.Indications():
			if !ok {
				return
			}
			raw, err := qmi.EncodeIndication(msg.Service(), msg.CID(), msg.MessageID(), msg.TLVs())
			if err != nil {
				continue
			}
			_ = sess.writeFrame(raw)
		case <-stopC:
			return
		}
	}
}

func (sess *session) writeFrame(b []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_, err := sess.conn.Write(b)
	return err
}

// teardown runs once when the session ends. Every CID still owned by
// this session is disowned rather than released on the wire: the client
// process may simply have crashed, and a well-behaved successor on the
// same device path should be able to reclaim its work instead of the
// modem accumulating an orphaned allocation.
func (sess *session) teardown(ctx context.Context) {
	sess.clientsMu.Lock()
	clients := sess.clients
	sess.clients = make(map[sessionKey]*clientEntry)
	sess.clientsMu.Unlock()

	for key, entry := range clients {
		close(entry.stopC)
		_ = entry.client.Release(ctx, qmi.NoReleaseCID, sess.server.commandTimeout)
		sess.server.disowned.Add(sess.devicePath, key.service, key.cid)
	}

	if sess.devicePath != "" {
		sess.server.pool.Release(context.Background(), sess.devicePath)
	}
	sess.conn.Close()
}

func peerCredentials(conn net.Conn) (*unix.Ucred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("qmiproxy: connection is not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	return cred, sockErr
}
