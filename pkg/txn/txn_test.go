package txn

import (
	"context"
	"testing"
	"time"

	"github.com/nqdb/nqdb/pkg/lockmgr"
	"github.com/nqdb/nqdb/pkg/txnlog"
	"github.com/nqdb/nqdb/pkg/walseg"
)

type fakeStorage struct {
	applied []string
}

func (f *fakeStorage) ApplyBeforeImage(table, key string, before []byte) error {
	if before == nil {
		f.applied = append(f.applied, "delete:"+table+":"+key)
	} else {
		f.applied = append(f.applied, "restore:"+table+":"+key)
	}
	return nil
}

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	dir := t.TempDir()

	w, err := walseg.Open(walseg.Options{
		DirPath:           dir + "/wal",
		SegmentSize:       1 << 20,
		BufferSize:        4096,
		MinSegmentsToKeep: 2,
	})
	if err != nil {
		t.Fatalf("open walseg: %v", err)
	}
	wm := walseg.NewManager(w)

	audit, err := txnlog.Open(dir + "/logs")
	if err != nil {
		t.Fatalf("open txnlog: %v", err)
	}

	locks := lockmgr.New()
	m := New(locks, wm, audit, time.Hour)

	cleanup := func() {
		audit.Close()
		wm.Close()
	}
	return m, cleanup
}

func TestBeginAssignsSnapshotAndRegisters(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	tx, err := m.Begin(RepeatableRead)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx.Status() != StatusActive {
		t.Fatalf("expected Active, got %s", tx.Status())
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active tx, got %d", m.ActiveCount())
	}
}

func TestCommitBumpsGlobalVersionAndReleasesLocks(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	tx, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	ctx := context.Background()
	if err := m.AcquireLock(ctx, tx, lockmgr.TableResource("orders"), lockmgr.Exclusive, false); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	before := m.GlobalVersion()
	if err := m.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if m.GlobalVersion() != before+1 {
		t.Fatalf("expected global version to bump")
	}
	if tx.Status() != StatusCommitted {
		t.Fatalf("expected Committed, got %s", tx.Status())
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("expected tx removed from active map")
	}

	// Lock should now be free for another transaction.
	tx2, _ := m.Begin(ReadCommitted)
	if err := m.AcquireLock(ctx, tx2, lockmgr.TableResource("orders"), lockmgr.Exclusive, false); err != nil {
		t.Fatalf("tx2 should acquire freed lock: %v", err)
	}
}

func TestRollbackUndoesWrites(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	tx, err := m.Begin(Serializable)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := m.LogUpdate(tx, "orders", "1", nil, []byte("row-v1"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}
	if _, err := m.LogUpdate(tx, "orders", "2", []byte("old-row"), []byte("new-row"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}

	storage := &fakeStorage{}
	if err := m.Rollback(tx, storage); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if tx.Status() != StatusAborted {
		t.Fatalf("expected Aborted, got %s", tx.Status())
	}
	if len(storage.applied) != 2 {
		t.Fatalf("expected 2 undo applications, got %d", len(storage.applied))
	}
	// Reverse order: last write undone first.
	if storage.applied[0] != "restore:orders:2" {
		t.Fatalf("expected key 2 undone first, got %v", storage.applied)
	}
	if storage.applied[1] != "delete:orders:1" {
		t.Fatalf("expected key 1 (insert) deleted, got %v", storage.applied)
	}
}

func TestRollbackToSavepointKeepsEarlierWrites(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	tx, err := m.Begin(RepeatableRead)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := m.LogUpdate(tx, "orders", "1", nil, []byte("v1"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}
	if err := m.Savepoint(tx, "sp1"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if _, err := m.LogUpdate(tx, "orders", "2", nil, []byte("v2"), 1); err != nil {
		t.Fatalf("log update: %v", err)
	}

	storage := &fakeStorage{}
	if err := m.RollbackToSavepoint(tx, storage, "sp1"); err != nil {
		t.Fatalf("rollback to savepoint: %v", err)
	}
	if len(storage.applied) != 1 {
		t.Fatalf("expected 1 undo application, got %d: %v", len(storage.applied), storage.applied)
	}
	if storage.applied[0] != "delete:orders:2" {
		t.Fatalf("expected key 2 undone, got %v", storage.applied)
	}
	if tx.Status() != StatusActive {
		t.Fatalf("expected tx still Active after partial rollback, got %s", tx.Status())
	}
}

func TestCleanupTimedOutRollsBackExpired(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	tx, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.Timeout = -time.Second // already expired

	rolledBack := m.CleanupTimedOut(&fakeStorage{})
	if len(rolledBack) != 1 || rolledBack[0] != tx.ID {
		t.Fatalf("expected tx %s rolled back, got %v", tx.ID, rolledBack)
	}
	if tx.Status() != StatusAborted {
		t.Fatalf("expected Aborted, got %s", tx.Status())
	}
}

func TestReadUncommittedSkipsReadLock(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	txA, _ := m.Begin(ReadUncommitted)
	txB, _ := m.Begin(ReadUncommitted)

	ctx := context.Background()
	if err := m.AcquireLock(ctx, txA, lockmgr.TableResource("orders"), lockmgr.Exclusive, false); err != nil {
		t.Fatalf("txA exclusive: %v", err)
	}
	// A ReadUncommitted read should not attempt to acquire a shared lock,
	// so it must not block behind txA's exclusive lock.
	done := make(chan error, 1)
	go func() { done <- m.AcquireLock(ctx, txB, lockmgr.TableResource("orders"), lockmgr.Shared, true) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read-uncommitted read should not block: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("read-uncommitted read blocked on exclusive lock")
	}
}

func TestMinActiveSnapshotNoActiveTxns(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	if got := m.MinActiveSnapshot(); got != ^uint64(0) {
		t.Fatalf("expected max uint64 with no active txns, got %d", got)
	}
}
