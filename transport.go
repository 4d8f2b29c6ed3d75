// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import "context"

// Transport abstracts the byte channel underneath a Device: a character
// device fd, a stream socket to the proxy, or an IPC-router socket to a
// firmware bus. Device owns exactly one Transport and drives its own
// read/write goroutines over it; Transport itself does no framing.
type Transport interface {
	// Connect establishes the underlying channel if not already
	// connected. For proxy-mode transports this also performs the
	// handshake.
	Connect(ctx context.Context) error
	// Read blocks until at least one byte is available, the channel is
	// closed, or it fails.
	Read(p []byte) (int, error)
	// Write writes b in full or returns an error. It may block if the
	// peer is slow; Device puts a bounded queue in front of Write so a
	// stalled peer yields Backpressure (KindTransport) to callers rather
	// than buffering without bound.
	Write(p []byte) (int, error)
	// Close releases the channel.
	Close() error
}

// Logger is the interface to the required logging functions, used by the
// command/CLI layer for one-line operator-facing messages.
type Logger interface {
	Printf(format string, v ...any)
}
