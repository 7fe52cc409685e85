package storage

import (
	"testing"

	"github.com/nqdb/nqdb/pkg/txn"
)

func TestVacuumReclaimsDeadTombstonesWithNoActiveReaders(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(nil, "users", Row{"id": int64(1), "name": "a"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Update(nil, "users", int64(1), Row{"name": "b"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := e.Delete(nil, "users", int64(1)); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := e.Vacuum("users"); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}

	if _, err := e.Get(nil, "users", int64(1)); err == nil {
		t.Fatal("expected the row to stay gone after vacuum")
	}

	rows, err := e.Scan(nil, "users")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("len(rows) = %d, want 0", len(rows))
	}
}

func TestVacuumPreservesVersionsVisibleToActiveSnapshot(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(nil, "users", Row{"id": int64(1), "name": "a"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	tx, err := e.Begin(txn.RepeatableRead)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := e.Update(nil, "users", int64(1), Row{"name": "b"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := e.Vacuum("users"); err != nil {
		t.Fatalf("Vacuum with an active snapshot: %v", err)
	}

	row, err := e.Get(tx, "users", int64(1))
	if err != nil {
		t.Fatalf("Get under the still-active snapshot: %v", err)
	}
	if row["name"] != "a" {
		t.Fatalf("name = %v, want a (the pre-update version)", row["name"])
	}

	_ = e.Rollback(tx)

	row, err = e.Get(nil, "users", int64(1))
	if err != nil {
		t.Fatalf("Get after snapshot ends: %v", err)
	}
	if row["name"] != "b" {
		t.Fatalf("name = %v, want b", row["name"])
	}
}
