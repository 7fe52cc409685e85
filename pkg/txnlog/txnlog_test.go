package txnlog

import "testing"

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	events := []Event{
		{TxID: "tx1", Type: EventBegin, IsolationStr: "RepeatableRead"},
		{TxID: "tx1", Type: EventSavepoint, SavepointName: "sp1"},
		{TxID: "tx1", Type: EventCommit},
	}
	for _, ev := range events {
		if err := log.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := log.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	for i, ev := range events {
		if got[i].TxID != ev.TxID || got[i].Type != ev.Type {
			t.Errorf("event %d mismatch: got %+v want %+v", i, got[i], ev)
		}
	}
}

func TestReopenPreservesEvents(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := log.Append(Event{TxID: "tx1", Type: EventBegin}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	log2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()

	events, err := log2.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after reopen, got %d", len(events))
	}
}
