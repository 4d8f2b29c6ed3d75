// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package qmiproxy multiplexes several host processes onto one QMI modem
// control channel through a single abstract Unix domain socket. Each
// client connection is a session; sessions on the same device path
// share one qmi.Device.
package qmiproxy

import "sync"

type disownedKey struct {
	path    string
	service byte
	cid     byte
}

// disownedPool retains CIDs whose owning session disconnected without an
// explicit RELEASE_CID, so a later session on the same device path can
// reclaim them instead of exhausting the modem's CID space. Retention is
// unbounded in this process's lifetime;
// the modem itself has no notion of "disowned" and keeps the allocation
// live until RELEASE_CID or the channel is closed.
type disownedPool struct {
	mu    sync.Mutex
	items map[disownedKey]struct{}
}

func newDisownedPool() *disownedPool {
	return &disownedPool{items: make(map[disownedKey]struct{})}
}

// Add marks (path, service, cid) as disowned and available for reclaim.
func (p *disownedPool) Add(path string, service, cid byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[disownedKey{path, service, cid}] = struct{}{}
}

// TakeAny removes and returns one disowned CID for (path, service), if
// any exist. Which one is unspecified.
func (p *disownedPool) TakeAny(path string, service byte) (cid byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.items {
		if k.path == path && k.service == service {
			delete(p.items, k)
			return k.cid, true
		}
	}
	return 0, false
}

// Take removes the specific (path, service, cid) if it is disowned,
// reporting whether it was. Used when a passthrough frame references a
// CID a new session hasn't allocated itself, reowning it in place of the
// session that let it go.
func (p *disownedPool) Take(path string, service, cid byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := disownedKey{path, service, cid}
	if _, ok := p.items[k]; !ok {
		return false
	}
	delete(p.items, k)
	return true
}

// HasAny reports whether any CID remains disowned for path, across every
// service. devicePool consults this before closing an otherwise
// unreferenced Device, since closing it would silently drop every
// disowned CID's reclaim opportunity.
func (p *disownedPool) HasAny(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.items {
		if k.path == path {
			return true
		}
	}
	return false
}
