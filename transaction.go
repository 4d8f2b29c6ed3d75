// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import (
	"context"
	"sync"
)

// transaction is a record of one outstanding request, matched to its
// response by (service, transaction id).
type transaction struct {
	service byte
	id      uint16
	ctx     context.Context
	resultC chan transactionResult
}

type transactionResult struct {
	msg *Message
	err error
}

// txnTable tracks live transaction ids per service and dispenses fresh
// ones with a monotonically advancing, wrapping counter that skips ids
// currently in use.
type txnTable struct {
	mu      sync.Mutex
	next    map[byte]uint16 // per-service next-id counter
	pending map[txnKey]*transaction
}

type txnKey struct {
	service byte
	id      uint16
}

func newTxnTable() *txnTable {
	return &txnTable{
		next:    make(map[byte]uint16),
		pending: make(map[txnKey]*transaction),
	}
}

// maxID returns the largest valid transaction id for service: 0xFF for
// control (8-bit wire width), 0xFFFF otherwise.
func maxID(service byte) uint16 {
	if service == ServiceCTL {
		return 0xFF
	}
	return 0xFFFF
}

// allocate reserves a fresh transaction id for service and registers txn
// under it. It returns ErrBusy if every id for this service is currently
// live (the counter wrapped all the way around without finding a free
// slot) — in practice this means an enormous number of concurrent
// commands on one (service) are outstanding.
func (t *txnTable) allocate(service byte, txn *transaction) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	max := maxID(service)
	start := t.next[service]
	id := start
	for {
		key := txnKey{service: service, id: id}
		if _, busy := t.pending[key]; !busy {
			t.pending[key] = txn
			if id == max {
				t.next[service] = 0
			} else {
				t.next[service] = id + 1
			}
			txn.service = service
			txn.id = id
			return id, nil
		}
		if id == max {
			id = 0
		} else {
			id++
		}
		if id == start {
			return 0, newError("txnTable.allocate", KindBusy, nil)
		}
	}
}

// retire removes and returns the transaction registered under
// (service, id), or nil if none matches: a response whose tid matches no
// pending transaction is dropped.
func (t *txnTable) retire(service byte, id uint16) *transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := txnKey{service: service, id: id}
	txn := t.pending[key]
	delete(t.pending, key)
	return txn
}

// cancel removes txn unconditionally, used on timeout/cancellation where
// the caller already holds the transaction value.
func (t *txnTable) cancel(txn *transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := txnKey{service: txn.service, id: txn.id}
	if t.pending[key] == txn {
		delete(t.pending, key)
	}
}

// drain removes every pending transaction and returns them, used when
// the Device fails fatally and every waiter must be failed.
func (t *txnTable) drain() []*transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	txns := make([]*transaction, 0, len(t.pending))
	for k, txn := range t.pending {
		txns = append(txns, txn)
		delete(t.pending, k)
	}
	return txns
}
