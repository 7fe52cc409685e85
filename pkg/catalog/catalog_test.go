package catalog

import (
	"path/filepath"
	"testing"

	"github.com/nqdb/nqdb/pkg/nerr"
)

func ordersSchema() *TableSchema {
	return &TableSchema{
		Name: "orders",
		Columns: []Column{
			{Name: "id", Type: ColInt, AutoIncrement: &AutoIncrement{NextValue: 1, Step: 1, Max: 1 << 62}},
			{Name: "customer_id", Type: ColInt},
			{Name: "total", Type: ColFloat, Nullable: true},
		},
		PrimaryKey: "id",
		ForeignKeys: []ForeignKey{
			{
				Name:           "fk_customer",
				Columns:        []string{"customer_id"},
				RefTable:       "customers",
				RefColumns:     []string{"id"},
				OnDeleteAction: ActionCascade,
				OnUpdateAction: ActionRestrict,
			},
		},
	}
}

func TestCreateAndLoadTable(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "metadata.json"))

	if err := m.CreateTable(ordersSchema()); err != nil {
		t.Fatalf("create table: %v", err)
	}

	got, err := m.Table("orders")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
	if got.Column("customer_id") == nil {
		t.Fatal("expected customer_id column")
	}
}

func TestCreateTableDuplicate(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "metadata.json"))

	if err := m.CreateTable(ordersSchema()); err != nil {
		t.Fatalf("create table: %v", err)
	}
	err := m.CreateTable(ordersSchema())
	if _, ok := err.(*nerr.AlreadyExists); !ok {
		t.Fatalf("expected AlreadyExists, got %T: %v", err, err)
	}
}

func TestValidateRejectsMissingPrimaryKey(t *testing.T) {
	s := ordersSchema()
	s.PrimaryKey = "does_not_exist"
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error for missing primary key")
	}
}

func TestValidateRejectsAutoIncrementOnNonInt(t *testing.T) {
	s := ordersSchema()
	s.Columns[2].AutoIncrement = &AutoIncrement{NextValue: 1, Step: 1}
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error for auto-increment on float column")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	m := New(path)

	if err := m.CreateTable(ordersSchema()); err != nil {
		t.Fatalf("create table: %v", err)
	}
	m.NextRowIDFor()
	m.NextRowIDFor()
	m.BumpLSN(42)

	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reloaded.Tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(reloaded.Tables))
	}
	if reloaded.NextRowID != m.NextRowID {
		t.Fatalf("expected next_row_id %d, got %d", m.NextRowID, reloaded.NextRowID)
	}
	if reloaded.NextLSN != 43 {
		t.Fatalf("expected next_lsn 43, got %d", reloaded.NextLSN)
	}
}

func TestLoadMissingFileReturnsEmptyCatalog(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Tables) != 0 {
		t.Fatalf("expected empty catalog, got %d tables", len(m.Tables))
	}
}

func TestDropTable(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "metadata.json"))
	if err := m.CreateTable(ordersSchema()); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if err := m.DropTable("orders", false); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, err := m.Table("orders"); err == nil {
		t.Fatal("expected table not found after drop")
	}

	if err := m.DropTable("orders", false); err == nil {
		t.Fatal("expected error dropping missing table without IF EXISTS")
	}
	if err := m.DropTable("orders", true); err != nil {
		t.Fatalf("drop with IF EXISTS should be a no-op: %v", err)
	}
}

func TestMutateTableBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "metadata.json"))
	if err := m.CreateTable(ordersSchema()); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := m.MutateTable("orders", func(s *TableSchema) error {
		s.Columns = append(s.Columns, Column{Name: "notes", Type: ColText, Nullable: true})
		return nil
	})
	if err != nil {
		t.Fatalf("mutate table: %v", err)
	}

	got, _ := m.Table("orders")
	if got.Version != 2 {
		t.Fatalf("expected version 2 after mutate, got %d", got.Version)
	}
	if got.Column("notes") == nil {
		t.Fatal("expected notes column after mutate")
	}
}

func TestReferencingForeignKeys(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "metadata.json"))
	if err := m.CreateTable(&TableSchema{
		Name:       "customers",
		Columns:    []Column{{Name: "id", Type: ColInt}},
		PrimaryKey: "id",
	}); err != nil {
		t.Fatalf("create customers: %v", err)
	}
	if err := m.CreateTable(ordersSchema()); err != nil {
		t.Fatalf("create orders: %v", err)
	}

	refs := m.ReferencingForeignKeys("customers")
	fks, ok := refs["orders"]
	if !ok || len(fks) != 1 {
		t.Fatalf("expected one FK from orders to customers, got %+v", refs)
	}
	if fks[0].OnDeleteAction != ActionCascade {
		t.Fatalf("expected cascade on delete, got %v", fks[0].OnDeleteAction)
	}
}
