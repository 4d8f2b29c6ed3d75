// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// deviceState is Device's lifecycle state:
// Initial -> Opening -> Open -> Closing -> Closed.
type deviceState int

const (
	stateInitial deviceState = iota
	stateOpening
	stateOpen
	stateClosing
	stateClosed
)

const defaultWriteQueueDepth = 64

// Option configures a Device at Open time.
type Option func(*Device)

// WithLogger attaches a structured logger used for framing trace and
// connection-lifecycle events, gated at Debug level. Pass one built with
// slog.HandlerOptions{Level: slog.LevelDebug} and enable it only when
// QMI_TRACE is set.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// WithWriteQueueDepth overrides the bounded outbound write queue depth
// between the writer goroutine and producers calling Command.
func WithWriteQueueDepth(n int) Option {
	return func(d *Device) { d.writeQueueDepth = n }
}

// Device owns one Transport, runs its read loop, matches responses to
// outstanding transactions, dispatches indications, and arbitrates
// control-service operations.
type Device struct {
	transport Transport
	logger    *slog.Logger

	writeQueueDepth int
	writeC          chan writeJob
	closeC          chan struct{}
	readDoneC       chan struct{}
	writeDoneC      chan struct{}

	txns *txnTable
	subs *subscriberTable

	ctlMu sync.Mutex // linearizes ALLOCATE_CID/RELEASE_CID

	mu                sync.Mutex
	state             deviceState
	closing           bool
	closeErr          error
	transportCloseErr error

	clientsMu sync.Mutex
	clients   map[ctlKey]*Client
}

type ctlKey struct {
	service, cid byte
}

type writeJob struct {
	bytes []byte
	errC  chan error
}

// Open acquires transport (connecting it, and performing any handshake
// the Transport implementation itself requires, e.g. ProxyTransport) and
// starts the Device's read and write loops.
func Open(ctx context.Context, transport Transport, opts ...Option) (*Device, error) {
	d := &Device{
		transport:       transport,
		writeQueueDepth: defaultWriteQueueDepth,
		closeC:          make(chan struct{}),
		readDoneC:       make(chan struct{}),
		writeDoneC:      make(chan struct{}),
		txns:            newTxnTable(),
		subs:            newSubscriberTable(),
		clients:         make(map[ctlKey]*Client),
		state:           stateOpening,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.writeC = make(chan writeJob, d.writeQueueDepth)

	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.state = stateOpen
	d.mu.Unlock()

	go d.readLoop()
	go d.writeLoop()
	return d, nil
}

func (d *Device) log(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, args...)
	}
}

// Command serializes msg with a fresh transaction id, writes it, and
// blocks for the matching response or ctx/timeout/Device failure.
func (d *Device) Command(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state != stateOpen {
		return nil, newError("Device.Command", KindWrongState, nil)
	}

	txn := &transaction{ctx: ctx, resultC: make(chan transactionResult, 1)}
	tid, err := d.txns.allocate(msg.frame.Service, txn)
	if err != nil {
		return nil, err
	}
	if err := msg.freeze(tid); err != nil {
		d.txns.cancel(txn)
		return nil, err
	}
	raw, err := msg.encode()
	if err != nil {
		d.txns.cancel(txn)
		return nil, err
	}

	job := writeJob{bytes: raw, errC: make(chan error, 1)}
	select {
	case d.writeC <- job:
	default:
		d.txns.cancel(txn)
		return nil, newError("Device.Command", KindTransport, fmt.Errorf("write queue full (backpressure)"))
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case werr := <-job.errC:
		if werr != nil {
			d.txns.cancel(txn)
			return nil, newError("Device.Command", KindTransport, werr)
		}
	case <-d.closeC:
		d.txns.cancel(txn)
		return nil, d.fatalErr("Device.Command")
	}

	select {
	case res := <-txn.resultC:
		return res.msg, res.err
	case <-timeoutC:
		d.txns.cancel(txn)
		return nil, newError("Device.Command", KindTimeout, nil)
	case <-ctx.Done():
		d.txns.cancel(txn)
		return nil, newError("Device.Command", KindCancelled, ctx.Err())
	case <-d.closeC:
		d.txns.cancel(txn)
		return nil, d.fatalErr("Device.Command")
	}
}

func (d *Device) fatalErr(op string) error {
	d.mu.Lock()
	err := d.closeErr
	d.mu.Unlock()
	if err == nil {
		return newError(op, KindWrongState, nil)
	}
	return err
}

// AllocateClient runs CTL.ALLOCATE_CID for service and returns a Client
// scoped to the allocated CID, unless reclaim is true and preferredCID is
// non-zero, in which case no wire operation is performed and the caller
// (the proxy, reclaiming a disowned CID) vouches that it is already
// owned.
func (d *Device) AllocateClient(ctx context.Context, service byte, preferredCID byte, reclaim bool, timeout time.Duration) (*Client, error) {
	var cid byte
	if reclaim && preferredCID != 0 {
		cid = preferredCID
	} else {
		d.ctlMu.Lock()
		resp, err := d.Command(ctx, buildAllocateCIDRequest(service), timeout)
		d.ctlMu.Unlock()
		if err != nil {
			return nil, err
		}
		var allocService byte
		allocService, cid, err = parseAllocateCIDResponse(resp)
		if err != nil {
			return nil, err
		}
		if allocService != service {
			return nil, newError("Device.AllocateClient", KindProtocol, fmt.Errorf("modem allocated cid for service %d, expected %d", allocService, service))
		}
	}

	ch := make(chan *Message, 16)
	handle := d.subs.register(service, cid, ch)
	client := &Client{
		device:      d,
		service:     service,
		cid:         cid,
		subHandle:   handle,
		indications: ch,
	}

	d.clientsMu.Lock()
	d.clients[ctlKey{service, cid}] = client
	d.clientsMu.Unlock()
	return client, nil
}

// ReleaseClient sends CTL.RELEASE_CID unless flags is NoReleaseCID, a
// power-user escape hatch that leaves the CID allocated for the next
// process to reclaim through the proxy.
func (d *Device) ReleaseClient(ctx context.Context, c *Client, flags ReleaseFlags, timeout time.Duration) error {
	d.clientsMu.Lock()
	delete(d.clients, ctlKey{c.service, c.cid})
	d.clientsMu.Unlock()
	d.subs.unregister(c.subHandle)

	if flags == NoReleaseCID {
		return nil
	}
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	resp, err := d.Command(ctx, buildReleaseCIDRequest(c.service, c.cid), timeout)
	if err != nil {
		return err
	}
	return resp.GetResult()
}

// Close releases CIDs owned by still-open Clients according to their
// release policy while the Device is still able to exchange RELEASE_CID
// with the modem, then drains in-flight transactions and releases the
// channel.
func (d *Device) Close(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return nil
	}
	if d.closing {
		d.mu.Unlock()
		<-d.readDoneC
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	d.clientsMu.Lock()
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clientsMu.Unlock()

	// state is still stateOpen here, so these ReleaseClient calls reach
	// the wire instead of being rejected by Command's state gate.
	deadline := time.Now().Add(timeout)
	for _, c := range clients {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		_ = d.ReleaseClient(ctx, c, ReleaseCID, remaining)
	}

	d.mu.Lock()
	d.state = stateClosing
	d.mu.Unlock()

	d.closeLocked(newError("Device.Close", KindWrongState, nil))
	<-d.readDoneC
	<-d.writeDoneC
	return d.closeErrValue()
}

func (d *Device) closeErrValue() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transportCloseErr
}

// closeLocked transitions the Device to Closed, closes the Transport
// (unblocking a read loop parked in a Transport.Read call with nothing
// pending), and fails every pending transaction with err. Safe to call
// more than once; only the first call has any effect.
func (d *Device) closeLocked(err error) {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return
	}
	d.state = stateClosed
	if d.closeErr == nil {
		d.closeErr = err
	}
	d.mu.Unlock()

	close(d.closeC)
	transportErr := d.transport.Close()
	d.mu.Lock()
	d.transportCloseErr = transportErr
	d.mu.Unlock()

	for _, txn := range d.txns.drain() {
		select {
		case txn.resultC <- transactionResult{err: err}:
		default:
		}
	}
}

// fatal is called by the read or write loop when the Transport fails:
// write errors and framing errors are both fatal to the Device.
func (d *Device) fatal(kind Kind, err error) {
	d.closeLocked(newError("Device", kind, err))
}

func (d *Device) readLoop() {
	defer close(d.readDoneC)
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		d.mu.Lock()
		closed := d.state == stateClosed
		d.mu.Unlock()
		if closed {
			return
		}

		n, f, err := DecodeOne(buf)
		if err == nil {
			buf = buf[n:]
			d.handleFrame(f)
			continue
		}
		if err != ErrNeedMore {
			d.fatal(KindFraming, err)
			return
		}

		n, rerr := d.transport.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			d.fatal(KindTransport, rerr)
			return
		}
	}
}

func (d *Device) handleFrame(f *Frame) {
	if f.IsIndication() {
		msg := messageFromFrame(f)
		d.subs.dispatch(f.Service, f.CID, msg, func(service, cid byte) {
			d.log("dropped indication, subscriber channel full", "service", service, "cid", cid)
		})
		return
	}
	if f.IsResponse() {
		txn := d.txns.retire(f.Service, f.TransactionID)
		if txn == nil {
			d.log("dropped response with no matching transaction", "service", f.Service, "tid", f.TransactionID)
			return
		}
		msg := messageFromFrame(f)
		var err error
		if rerr := msg.GetResult(); rerr != nil {
			if _, ok := rerr.(*ProtocolError); !ok && rerr != ErrTLVNotFound {
				err = rerr
			}
		}
		select {
		case txn.resultC <- transactionResult{msg: msg, err: err}:
		default:
		}
		return
	}
	// Requests never arrive on a Device's inbound stream in this system;
	// a modem or proxy peer only ever sends responses and indications.
	d.log("dropped unexpected request frame", "service", f.Service, "message_id", f.MessageID)
}

func (d *Device) writeLoop() {
	defer close(d.writeDoneC)
	for {
		select {
		case job := <-d.writeC:
			_, err := d.transport.Write(job.bytes)
			job.errC <- err
			if err != nil {
				d.fatal(KindTransport, err)
				return
			}
		case <-d.closeC:
			return
		}
	}
}
