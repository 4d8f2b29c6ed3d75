// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"context"
	"time"
)

// Client is a handle to one allocated CID on one service, obtained from
// Device.AllocateClient. It is the unit callers use to send commands and
// receive indications scoped to that (service, cid) pair.
type Client struct {
	device  *Device
	service byte
	cid     byte

	subHandle   subscriberHandle
	indications chan *Message
}

// Service returns the service id this Client was allocated on.
func (c *Client) Service() byte { return c.service }

// CID returns the allocated client id.
func (c *Client) CID() byte { return c.cid }

// Indications returns the channel indications matching this Client's
// (service, cid), or the service's broadcast cid, are delivered on.
// Delivery is non-blocking on the Device's side: a slow reader misses
// indications rather than stalling the Device.
func (c *Client) Indications() <-chan *Message { return c.indications }

// NewRequest starts a request Message scoped to this Client's service and
// cid, ready for AddTLV calls and then Send.
func (c *Client) NewRequest(messageID uint16) *Message {
	return NewRequest(c.service, c.cid, messageID)
}

// Send issues msg (built via c.NewRequest) through the owning Device and
// blocks for the matching response.
func (c *Client) Send(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	return c.device.Command(ctx, msg, timeout)
}

// Release gives up this Client's CID, sending CTL.RELEASE_CID unless
// flags is NoReleaseCID.
func (c *Client) Release(ctx context.Context, flags ReleaseFlags, timeout time.Duration) error {
	return c.device.ReleaseClient(ctx, c, flags, timeout)
}
