package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/nqdb/nqdb/pkg/nerr"
)

func TestSharedLocksCompatible(t *testing.T) {
	m := New()
	ctx := context.Background()
	res := TableResource("orders")

	if err := m.Acquire(ctx, "tx1", res, Shared); err != nil {
		t.Fatalf("tx1 acquire: %v", err)
	}
	if err := m.Acquire(ctx, "tx2", res, Shared); err != nil {
		t.Fatalf("tx2 acquire: %v", err)
	}
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := New()
	res := TableResource("orders")

	ctx := context.Background()
	if err := m.Acquire(ctx, "tx1", res, Exclusive); err != nil {
		t.Fatalf("tx1 acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(context.Background(), "tx2", res, Shared)
	}()

	select {
	case <-done:
		t.Fatal("tx2 acquired while tx1 holds exclusive")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll("tx1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tx2 acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("tx2 never unblocked after release")
	}
}

func TestDeadlockDetected(t *testing.T) {
	m := New()
	a := TableResource("a")
	b := TableResource("b")
	ctx := context.Background()

	if err := m.Acquire(ctx, "tx1", a, Exclusive); err != nil {
		t.Fatalf("tx1 acquire a: %v", err)
	}
	if err := m.Acquire(ctx, "tx2", b, Exclusive); err != nil {
		t.Fatalf("tx2 acquire b: %v", err)
	}

	go func() {
		_ = m.Acquire(context.Background(), "tx1", b, Exclusive)
	}()
	time.Sleep(30 * time.Millisecond)

	err := m.Acquire(context.Background(), "tx2", a, Exclusive)
	if err == nil {
		t.Fatal("expected deadlock error")
	}
	if _, ok := err.(*nerr.DeadlockDetected); !ok {
		t.Fatalf("expected DeadlockDetected, got %T: %v", err, err)
	}
}

func TestContextCancelUnblocks(t *testing.T) {
	m := New()
	res := TableResource("orders")

	if err := m.Acquire(context.Background(), "tx1", res, Exclusive); err != nil {
		t.Fatalf("tx1 acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.Acquire(ctx, "tx2", res, Exclusive)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
