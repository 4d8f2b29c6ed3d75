// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmiproxy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grid-x/qmi"
)

// devicePool hands out a shared *qmi.Device per canonical device path, so
// every session talking to the same modem multiplexes onto the one
// Device that already knows how to linearize CTL operations and match
// transactions.
type devicePool struct {
	logger       *slog.Logger
	disowned     *disownedPool
	newTransport func(path string) qmi.Transport

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	device   *qmi.Device
	refCount int
}

func newDevicePool(logger *slog.Logger, disowned *disownedPool) *devicePool {
	return &devicePool{
		logger:   logger,
		disowned: disowned,
		entries:  make(map[string]*poolEntry),
		newTransport: func(path string) qmi.Transport {
			t := qmi.NewCharDeviceTransport(path)
			t.Logger = logger
			return t
		},
	}
}

// canonicalize resolves a client-supplied device path to the key the
// pool indexes on, matching ProxyTransport's own canonicalization so a
// session always finds the same pool entry a direct Transport would.
// Two processes naming the same physical device through different
// symlinks (e.g. /dev/cdc-wdm0 vs. a udev alias) must resolve to the
// same key, so a symlink is followed to its target before being made
// absolute; a path that is not itself a symlink is left alone (its own
// non-symlink parent directories are not resolved).
func canonicalize(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return filepath.Abs(path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

// Acquire returns the shared Device for path, opening it with a
// CharDeviceTransport on first use.
func (p *devicePool) Acquire(ctx context.Context, path string) (*qmi.Device, error) {
	p.mu.Lock()
	if e, ok := p.entries[path]; ok {
		e.refCount++
		p.mu.Unlock()
		return e.device, nil
	}
	p.mu.Unlock()

	transport := p.newTransport(path)
	dev, err := qmi.Open(ctx, transport, qmi.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if e, ok := p.entries[path]; ok {
		// Lost the race to open this path; keep the winner, close ours.
		e.refCount++
		p.mu.Unlock()
		_ = dev.Close(ctx, time.Second)
		return e.device, nil
	}
	p.entries[path] = &poolEntry{device: dev, refCount: 1}
	p.mu.Unlock()
	return dev, nil
}

// Release drops one reference to path's Device. If it was the last
// reference and no CID on this path is disowned, the Device is closed.
func (p *devicePool) Release(ctx context.Context, path string) {
	p.mu.Lock()
	e, ok := p.entries[path]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.refCount--
	if e.refCount > 0 {
		p.mu.Unlock()
		return
	}
	if p.disowned.HasAny(path) {
		// Keep the channel open: a disowned CID is only reclaimable
		// while the Device that owns it stays open.
		p.mu.Unlock()
		return
	}
	delete(p.entries, path)
	p.mu.Unlock()
	_ = e.device.Close(ctx, 5*time.Second)
}
