package storage

import (
	"testing"

	"github.com/nqdb/nqdb/pkg/txn"
)

func TestScanReturnsAllVisibleRows(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if _, err := e.Insert(nil, "users", Row{"id": i, "name": "user"}); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	rows, err := e.Scan(nil, "users")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
}

func TestScanExcludesDeletedRows(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(nil, "users", Row{"id": int64(1), "name": "a"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := e.Insert(nil, "users", Row{"id": int64(2), "name": "b"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Delete(nil, "users", int64(1)); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rows, err := e.Scan(nil, "users")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0]["name"] != "b" {
		t.Fatalf("remaining row = %v, want b", rows[0]["name"])
	}
}

func TestSnapshotDoesNotSeeRowsInsertedAfterIt(t *testing.T) {
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

	if _, err := e.Insert(nil, "users", Row{"id": int64(2), "name": "b"}); err != nil {
		t.Fatalf("Insert after snapshot: %v", err)
	}

	rows, err := e.Scan(tx, "users")
	if err != nil {
		t.Fatalf("Scan under snapshot: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) under snapshot = %d, want 1", len(rows))
	}

	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rows, err = e.Scan(nil, "users")
	if err != nil {
		t.Fatalf("Scan after commit: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) after commit = %d, want 2", len(rows))
	}
}

func TestSnapshotStillSeesRowDeletedAfterSnapshotTaken(t *testing.T) {
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

	if err := e.Delete(nil, "users", int64(1)); err != nil {
		t.Fatalf("Delete after snapshot: %v", err)
	}

	row, err := e.Get(tx, "users", int64(1))
	if err != nil {
		t.Fatalf("Get under snapshot should still see the row: %v", err)
	}
	if row["name"] != "a" {
		t.Fatalf("row = %v, want name=a", row)
	}

	_ = e.Rollback(tx)
}
