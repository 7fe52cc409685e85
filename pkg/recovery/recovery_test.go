package recovery

import (
	"testing"

	"github.com/nqdb/nqdb/pkg/walseg"
)

type fakeCallback struct {
	afterApplied  []string
	beforeApplied []string
	rows          map[string][]byte
}

func newFakeCallback() *fakeCallback {
	return &fakeCallback{rows: make(map[string][]byte)}
}

func (f *fakeCallback) key(table, key string) string { return table + ":" + key }

func (f *fakeCallback) ApplyAfterImage(table, key string, after []byte, lsn uint64) error {
	f.afterApplied = append(f.afterApplied, f.key(table, key))
	f.rows[f.key(table, key)] = after
	return nil
}

func (f *fakeCallback) ApplyBeforeImage(table, key string, before []byte, lsn uint64) error {
	f.beforeApplied = append(f.beforeApplied, f.key(table, key))
	if before == nil {
		delete(f.rows, f.key(table, key))
	} else {
		f.rows[f.key(table, key)] = before
	}
	return nil
}

func openWAL(t *testing.T, dir string) *walseg.Manager {
	t.Helper()
	w, err := walseg.Open(walseg.Options{
		DirPath:           dir,
		SegmentSize:       1 << 20,
		BufferSize:        4096,
		MinSegmentsToKeep: 10,
	})
	if err != nil {
		t.Fatalf("open walseg: %v", err)
	}
	return walseg.NewManager(w)
}

func TestRecoverRedoesCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	wal := openWAL(t, dir)

	txID := "tx-committed"
	if _, err := wal.BeginTransaction(txID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := wal.LogUpdate(txID, "orders", "1", nil, []byte("row-v1"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}
	if err := wal.CommitTransaction(txID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	wal.Close()

	wal2 := openWAL(t, dir)
	defer wal2.Close()

	cb := newFakeCallback()
	stats, err := New(wal2).Recover(cb)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if stats.RedoOps != 1 {
		t.Fatalf("expected 1 redo op, got %d", stats.RedoOps)
	}
	if stats.TxRedone != 1 {
		t.Fatalf("expected 1 tx redone, got %d", stats.TxRedone)
	}
	if stats.UndoOps != 0 {
		t.Fatalf("expected 0 undo ops, got %d", stats.UndoOps)
	}
	if string(cb.rows["orders:1"]) != "row-v1" {
		t.Fatalf("expected row reapplied, got %q", cb.rows["orders:1"])
	}
}

func TestRecoverUndoesUncommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	wal := openWAL(t, dir)

	txID := "tx-crashed"
	if _, err := wal.BeginTransaction(txID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Insert: no before-image, so undo should delete.
	if _, err := wal.LogUpdate(txID, "orders", "1", nil, []byte("row-v1"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}
	// Update: has a before-image, so undo should restore it.
	if _, err := wal.LogUpdate(txID, "orders", "2", []byte("old-v"), []byte("new-v"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}
	// No commit or abort written — simulates a crash mid-transaction.
	wal.Close()

	wal2 := openWAL(t, dir)
	defer wal2.Close()

	cb := newFakeCallback()
	cb.rows["orders:2"] = []byte("new-v") // state before recovery undoes it

	stats, err := New(wal2).Recover(cb)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if stats.UndoOps != 2 {
		t.Fatalf("expected 2 undo ops, got %d", stats.UndoOps)
	}
	if stats.TxUndone != 1 {
		t.Fatalf("expected 1 tx undone, got %d", stats.TxUndone)
	}
	if _, exists := cb.rows["orders:1"]; exists {
		t.Fatal("expected inserted row to be deleted by undo")
	}
	if string(cb.rows["orders:2"]) != "old-v" {
		t.Fatalf("expected before-image restored, got %q", cb.rows["orders:2"])
	}
	// Undo walks backward: key 2 (the later write) is undone before key 1.
	if cb.beforeApplied[0] != "orders:2" {
		t.Fatalf("expected reverse order undo, got %v", cb.beforeApplied)
	}
}

func TestRecoverAbortedTransactionNotRedone(t *testing.T) {
	dir := t.TempDir()
	wal := openWAL(t, dir)

	txID := "tx-aborted"
	if _, err := wal.BeginTransaction(txID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := wal.LogUpdate(txID, "orders", "1", nil, []byte("row-v1"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}
	if err := wal.AbortTransaction(txID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	wal.Close()

	wal2 := openWAL(t, dir)
	defer wal2.Close()

	cb := newFakeCallback()
	stats, err := New(wal2).Recover(cb)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if stats.RedoOps != 0 {
		t.Fatalf("expected 0 redo ops for aborted tx, got %d", stats.RedoOps)
	}
	// Abort removes the tx from active_txs too, so the Analyze phase
	// doesn't mark it for undo either (it already has an Abort record;
	// any speculative state was undone by the caller before the Abort
	// was written, per the WAL manager's contract).
	if stats.UndoOps != 0 {
		t.Fatalf("expected 0 undo ops for aborted tx, got %d", stats.UndoOps)
	}
}

func TestRecoverRespectsCLRChain(t *testing.T) {
	dir := t.TempDir()
	wal := openWAL(t, dir)

	txID := "tx-partial-undo"
	if _, err := wal.BeginTransaction(txID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	lsn1, err := wal.LogUpdate(txID, "orders", "1", nil, []byte("v1"), 1)
	if err != nil {
		t.Fatalf("log update 1: %v", err)
	}
	if _, err := wal.LogUpdate(txID, "orders", "2", []byte("old-2"), []byte("new-2"), 1); err != nil {
		t.Fatalf("log update 2: %v", err)
	}
	// A CLR recorded during a prior partial rollback says: everything
	// after lsn1 has already been undone, and lsn1 is next.
	if _, err := wal.WriteCLR(txID, lsn1, "orders", "2", []byte("old-2")); err != nil {
		t.Fatalf("write clr: %v", err)
	}
	wal.Close()

	wal2 := openWAL(t, dir)
	defer wal2.Close()

	cb := newFakeCallback()
	stats, err := New(wal2).Recover(cb)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	// The CLR already compensated for lsn2 (orders:2); undo_next_lsn
	// points at lsn1, which still needs undoing.
	if stats.UndoOps != 1 {
		t.Fatalf("expected 1 undo op (lsn1 only), got %d", stats.UndoOps)
	}
	if len(cb.beforeApplied) != 1 || cb.beforeApplied[0] != "orders:1" {
		t.Fatalf("expected only orders:1 undone, got %v", cb.beforeApplied)
	}
}
