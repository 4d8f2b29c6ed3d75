// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmi

import "testing"

func TestTxnTableAllocateRetire(t *testing.T) {
	tbl := newTxnTable()
	txn := &transaction{resultC: make(chan transactionResult, 1)}

	id, err := tbl.allocate(5, txn)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	got := tbl.retire(5, id)
	if got != txn {
		t.Fatalf("retire returned %v, want the original transaction", got)
	}

	if tbl.retire(5, id) != nil {
		t.Fatalf("retiring twice should return nil")
	}
}

func TestTxnTableControlServiceWrapsAt8Bits(t *testing.T) {
	tbl := newTxnTable()
	tbl.next[ServiceCTL] = 0xFF

	txn := &transaction{resultC: make(chan transactionResult, 1)}
	id, err := tbl.allocate(ServiceCTL, txn)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if id != 0xFF {
		t.Fatalf("id = %d, want 0xFF", id)
	}

	txn2 := &transaction{resultC: make(chan transactionResult, 1)}
	id2, err := tbl.allocate(ServiceCTL, txn2)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if id2 != 0 {
		t.Fatalf("id should have wrapped to 0, got %d", id2)
	}
}

func TestTxnTableSkipsBusyIDs(t *testing.T) {
	tbl := newTxnTable()
	first := &transaction{resultC: make(chan transactionResult, 1)}
	id, err := tbl.allocate(5, first)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	second := &transaction{resultC: make(chan transactionResult, 1)}
	id2, err := tbl.allocate(5, second)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if id2 == id {
		t.Fatalf("expected a different id while the first is still pending")
	}
}

func TestTxnTableCancel(t *testing.T) {
	tbl := newTxnTable()
	txn := &transaction{resultC: make(chan transactionResult, 1)}
	id, err := tbl.allocate(5, txn)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	tbl.cancel(txn)
	if tbl.retire(5, id) != nil {
		t.Fatalf("cancelled transaction should no longer be pending")
	}
}

func TestTxnTableDrain(t *testing.T) {
	tbl := newTxnTable()
	for i := 0; i < 3; i++ {
		txn := &transaction{resultC: make(chan transactionResult, 1)}
		if _, err := tbl.allocate(5, txn); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	drained := tbl.drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained transactions, got %d", len(drained))
	}
	if len(tbl.drain()) != 0 {
		t.Fatalf("second drain should find nothing left")
	}
}
