package storage

import (
	"testing"

	"github.com/nqdb/nqdb/pkg/catalog"
)

func TestAddColumnDefaultsToNilOnExistingRows(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(nil, "users", Row{"id": int64(1), "name": "a"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := e.AddColumn("users", catalog.Column{Name: "age", Type: catalog.ColInt, Nullable: true}); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}

	row, err := e.Get(nil, "users", int64(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, present := row["age"]; present {
		t.Fatalf("expected no age value on a pre-existing row, got %v", row["age"])
	}

	if _, err := e.Insert(nil, "users", Row{"id": int64(2), "name": "b", "age": int64(30)}); err != nil {
		t.Fatalf("Insert with new column: %v", err)
	}
}

func TestDropColumnRemovesFromExistingRows(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(nil, "users", Row{"id": int64(1), "name": "a", "active": true}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := e.DropColumn("users", "active"); err != nil {
		t.Fatalf("DropColumn: %v", err)
	}

	row, err := e.Get(nil, "users", int64(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, present := row["active"]; present {
		t.Fatalf("expected active column to be gone, got %v", row["active"])
	}
	if row["name"] != "a" {
		t.Fatalf("name = %v, want a", row["name"])
	}
}

func TestDropColumnRejectsPrimaryKey(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.DropColumn("users", "id"); err == nil {
		t.Fatal("expected error dropping the primary key column")
	}
}

func TestRenameColumnUpdatesExistingRows(t *testing.T) {
	e := openTestEngine(t)
	if err := e.CreateTable(usersSchema()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := e.Insert(nil, "users", Row{"id": int64(1), "name": "a"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := e.RenameColumn("users", "name", "full_name"); err != nil {
		t.Fatalf("RenameColumn: %v", err)
	}

	row, err := e.Get(nil, "users", int64(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row["full_name"] != "a" {
		t.Fatalf("full_name = %v, want a", row["full_name"])
	}
	if _, present := row["name"]; present {
		t.Fatalf("expected old column name to be gone")
	}
}

func TestDropTableCascadeRemovesReferencingTables(t *testing.T) {
	e := openTestEngine(t)
	authors, books := authorsAndBooksSchemas(catalog.ActionRestrict, catalog.ActionRestrict)
	if err := e.CreateTable(authors); err != nil {
		t.Fatalf("CreateTable authors: %v", err)
	}
	if err := e.CreateTable(books); err != nil {
		t.Fatalf("CreateTable books: %v", err)
	}

	if err := e.DropTable("authors", false, false); err == nil {
		t.Fatal("expected drop to be rejected without cascade")
	}
	if err := e.DropTable("authors", false, true); err != nil {
		t.Fatalf("DropTable cascade: %v", err)
	}
	if _, err := e.Get(nil, "books", int64(1)); err == nil {
		t.Fatal("expected books table to be gone too")
	}
}
