// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import "sync"

// subscriberHandle identifies one registered indication subscriber. The
// generation guards against a stale handle (from a Client that has since
// been released) addressing a slot since reused by a different Client,
// in place of ref-counted handles with cyclic Device/Client references.
type subscriberHandle struct {
	idx int
	gen uint32
}

type subscriberSlot struct {
	gen     uint32
	active  bool
	service byte
	cid     byte
	ch      chan *Message
}

// subscriberTable is Device's indication-subscribers multimap, keyed by
// (service, cid). Client holds a strong reference to
// Device; Device holds only these indexed, generation-guarded slots for
// Clients, never a reference back that would need its own refcounting.
type subscriberTable struct {
	mu    sync.Mutex
	slots []subscriberSlot
	free  []int
}

func newSubscriberTable() *subscriberTable {
	return &subscriberTable{}
}

// register adds a subscriber for (service, cid) and returns a handle
// valid until unregister is called with it. The channel should be
// buffered; dispatch never blocks on a full channel.
func (t *subscriberTable) register(service, cid byte, ch chan *Message) subscriberHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		slot := &t.slots[idx]
		slot.active = true
		slot.service = service
		slot.cid = cid
		slot.ch = ch
		return subscriberHandle{idx: idx, gen: slot.gen}
	}
	t.slots = append(t.slots, subscriberSlot{active: true, service: service, cid: cid, ch: ch})
	return subscriberHandle{idx: len(t.slots) - 1, gen: 0}
}

// unregister invalidates h. A handle from a Client that has already been
// released (or whose slot was reused) is silently ignored.
func (t *subscriberTable) unregister(h subscriberHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.idx < 0 || h.idx >= len(t.slots) {
		return
	}
	slot := &t.slots[h.idx]
	if !slot.active || slot.gen != h.gen {
		return
	}
	slot.active = false
	slot.ch = nil
	slot.gen++
	t.free = append(t.free, h.idx)
}

// dispatch delivers msg to every active subscriber of service whose cid
// matches, whose own cid is CIDBroadcast, or where the indication's own
// cid is CIDBroadcast (the modem fans a broadcast indication out to
// every client of the service, not just the one registered to catch
// broadcasts). Delivery is non-blocking: a subscriber whose channel is
// full misses the indication rather than stalling the Device's read
// loop, and the drop is reported to onDrop if non-nil.
func (t *subscriberTable) dispatch(service, cid byte, msg *Message, onDrop func(service, cid byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		slot := &t.slots[i]
		if !slot.active || slot.service != service {
			continue
		}
		if slot.cid != cid && slot.cid != CIDBroadcast && cid != CIDBroadcast {
			continue
		}
		select {
		case slot.ch <- msg:
		default:
			if onDrop != nil {
				onDrop(service, cid)
			}
		}
	}
}
