// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import "testing"

func TestSubscriberTableDispatchMatchesExactCID(t *testing.T) {
	tbl := newSubscriberTable()
	ch := make(chan *Message, 1)
	tbl.register(5, 1, ch)

	msg := messageFromFrame(&Frame{Service: 5, CID: 1, HdrFlags: hdrFlagIndication})
	tbl.dispatch(5, 1, msg, nil)

	select {
	case got := <-ch:
		if got != msg {
			t.Fatalf("delivered wrong message")
		}
	default:
		t.Fatalf("expected a delivered indication")
	}
}

func TestSubscriberTableDispatchIgnoresOtherCID(t *testing.T) {
	tbl := newSubscriberTable()
	ch := make(chan *Message, 1)
	tbl.register(5, 1, ch)

	msg := messageFromFrame(&Frame{Service: 5, CID: 2, HdrFlags: hdrFlagIndication})
	tbl.dispatch(5, 2, msg, nil)

	select {
	case <-ch:
		t.Fatalf("should not have received an indication for a different cid")
	default:
	}
}

func TestSubscriberTableDispatchBroadcastSubscriberCatchesAnyCID(t *testing.T) {
	tbl := newSubscriberTable()
	ch := make(chan *Message, 1)
	tbl.register(5, CIDBroadcast, ch)

	msg := messageFromFrame(&Frame{Service: 5, CID: 3, HdrFlags: hdrFlagIndication})
	tbl.dispatch(5, 3, msg, nil)

	select {
	case <-ch:
	default:
		t.Fatalf("expected broadcast subscriber to receive the indication")
	}
}

// A broadcast indication (cid 0xFF on the wire) fans out to every
// subscriber of the service, not just ones registered with cid
// CIDBroadcast: two sessions holding concrete cids 1 and 2 each get
// their own copy.
func TestSubscriberTableDispatchBroadcastIndicationReachesEveryCID(t *testing.T) {
	tbl := newSubscriberTable()
	ch1 := make(chan *Message, 1)
	ch2 := make(chan *Message, 1)
	tbl.register(5, 1, ch1)
	tbl.register(5, 2, ch2)

	msg := messageFromFrame(&Frame{Service: 5, CID: CIDBroadcast, HdrFlags: hdrFlagIndication})
	tbl.dispatch(5, CIDBroadcast, msg, nil)

	select {
	case <-ch1:
	default:
		t.Fatalf("expected cid 1 subscriber to receive the broadcast indication")
	}
	select {
	case <-ch2:
	default:
		t.Fatalf("expected cid 2 subscriber to receive the broadcast indication")
	}
}

func TestSubscriberTableDispatchDropsOnFullChannel(t *testing.T) {
	tbl := newSubscriberTable()
	ch := make(chan *Message) // unbuffered, nobody reading
	tbl.register(5, 1, ch)

	dropped := false
	msg := messageFromFrame(&Frame{Service: 5, CID: 1, HdrFlags: hdrFlagIndication})
	tbl.dispatch(5, 1, msg, func(service, cid byte) { dropped = true })

	if !dropped {
		t.Fatalf("expected dispatch to report a drop instead of blocking")
	}
}

func TestSubscriberTableUnregisterIgnoresStaleHandle(t *testing.T) {
	tbl := newSubscriberTable()
	ch := make(chan *Message, 1)
	h := tbl.register(5, 1, ch)
	tbl.unregister(h)

	ch2 := make(chan *Message, 1)
	h2 := tbl.register(5, 2, ch2)
	if h2.idx != h.idx {
		t.Fatalf("expected the free slot to be reused")
	}

	// The stale handle must not unregister the slot the new Client reused.
	tbl.unregister(h)
	msg := messageFromFrame(&Frame{Service: 5, CID: 2, HdrFlags: hdrFlagIndication})
	tbl.dispatch(5, 2, msg, nil)
	select {
	case <-ch2:
	default:
		t.Fatalf("stale unregister incorrectly invalidated the reused slot")
	}
}
