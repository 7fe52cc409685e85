// Package catalog implements the schema catalog spec §4.7 names
// metadata.json: table schemas, the monotonic row-id and LSN counters,
// and per-table bookkeeping (row count, last vacuum LSN). Grounded on the
// teacher's pkg/storage/table.go (TableMetaData/Table/Index), generalized
// from an in-memory-only registry to one with full column/FK schemas and
// on-disk persistence, because the teacher never modeled ALTER TABLE or
// foreign keys.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nqdb/nqdb/pkg/nerr"
)

// ColumnType is the declared type of a column, independent of the runtime
// types.Kind a Value carries (ColumnType drives schema validation and
// ALTER TABLE coercion; types.Kind drives storage).
type ColumnType int

const (
	ColInt ColumnType = iota
	ColFloat
	ColText
	ColBool
	ColTimestamp
	ColBinary
)

func (c ColumnType) String() string {
	switch c {
	case ColInt:
		return "INT"
	case ColFloat:
		return "FLOAT"
	case ColText:
		return "TEXT"
	case ColBool:
		return "BOOL"
	case ColTimestamp:
		return "TIMESTAMP"
	case ColBinary:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// AutoIncrement holds a column's SERIAL/BIGSERIAL state.
type AutoIncrement struct {
	NextValue int64 `json:"next_value"`
	Step      int64 `json:"step"`
	Min       int64 `json:"min"`
	Max       int64 `json:"max"`
	Cycle     bool  `json:"cycle"`
}

// Column is one column definition in a table schema.
type Column struct {
	Name          string         `json:"name"`
	Type          ColumnType     `json:"type"`
	Nullable      bool           `json:"nullable"`
	Default       any            `json:"default,omitempty"`
	AutoIncrement *AutoIncrement `json:"auto_increment,omitempty"`
}

// ReferentialAction is the behavior applied to a referencing row when its
// referenced row is updated or deleted.
type ReferentialAction int

const (
	ActionRestrict ReferentialAction = iota
	ActionCascade
	ActionSetNull
	ActionSetDefault
	ActionNoAction
)

func (a ReferentialAction) String() string {
	switch a {
	case ActionRestrict:
		return "RESTRICT"
	case ActionCascade:
		return "CASCADE"
	case ActionSetNull:
		return "SET NULL"
	case ActionSetDefault:
		return "SET DEFAULT"
	case ActionNoAction:
		return "NO ACTION"
	default:
		return "UNKNOWN"
	}
}

// ForeignKey is one FK constraint: local column(s) reference a table's
// column(s), with independent actions for UPDATE and DELETE events.
type ForeignKey struct {
	Name           string            `json:"name"`
	Columns        []string          `json:"columns"`
	RefTable       string            `json:"ref_table"`
	RefColumns     []string          `json:"ref_columns"`
	OnUpdateAction ReferentialAction `json:"on_update"`
	OnDeleteAction ReferentialAction `json:"on_delete"`
}

// TableSchema is one table's versioned definition.
type TableSchema struct {
	Name          string       `json:"name"`
	Columns       []Column     `json:"columns"`
	PrimaryKey    string       `json:"primary_key"`
	ForeignKeys   []ForeignKey `json:"foreign_keys,omitempty"`
	Version       uint64       `json:"version"`
	RowCount      int64        `json:"row_count"`
	LastVacuumLSN uint64       `json:"last_vacuum_lsn"`
}

// Column returns the named column definition, or nil.
func (t *TableSchema) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Validate checks the schema invariants: the table has a name and at least
// one column, the PK is among the declared columns, and every column with
// auto-increment state attached is an integer (ColInt) column.
func (t *TableSchema) Validate() error {
	if t.Name == "" {
		return &nerr.SchemaViolation{Table: t.Name, Reason: "table name must not be empty"}
	}
	if len(t.Columns) == 0 {
		return &nerr.SchemaViolation{Table: t.Name, Reason: "table must declare at least one column"}
	}
	if t.Column(t.PrimaryKey) == nil {
		return &nerr.SchemaViolation{Table: t.Name, Column: t.PrimaryKey, Reason: "primary key column not declared"}
	}
	for _, c := range t.Columns {
		if c.AutoIncrement != nil && c.Type != ColInt {
			return &nerr.SchemaViolation{Table: t.Name, Column: c.Name, Reason: "auto-increment requires an integer column"}
		}
	}
	return nil
}

// Metadata is the full on-disk catalog: metadata.json.
type Metadata struct {
	mu         sync.RWMutex
	Tables     map[string]*TableSchema `json:"tables"`
	NextRowID  int64                   `json:"next_row_id"`
	NextLSN    uint64                  `json:"next_lsn"`
	LastBackup int64                   `json:"last_backup_unix,omitempty"`

	path string
}

// New returns an empty catalog backed by path (the metadata.json file).
func New(path string) *Metadata {
	return &Metadata{
		Tables:    make(map[string]*TableSchema),
		NextRowID: 1,
		NextLSN:   1,
		path:      path,
	}
}

// Load reads metadata.json from path, or returns a fresh empty catalog if
// it doesn't exist yet (first run).
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	m := New(path)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if m.Tables == nil {
		m.Tables = make(map[string]*TableSchema)
	}
	return m, nil
}

// Save atomically persists the catalog: write to a temp file in the same
// directory, then rename over the target, so a crash mid-write never
// leaves a partially written metadata.json.
func (m *Metadata) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write catalog tmp: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// CreateTable registers a new table schema. Fails with AlreadyExists if
// the name is taken.
func (m *Metadata) CreateTable(schema *TableSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Tables[schema.Name]; exists {
		return &nerr.AlreadyExists{Kind: "table", Name: schema.Name}
	}
	schema.Version = 1
	m.Tables[schema.Name] = schema
	return nil
}

// DropTable removes a table's schema. ifExists suppresses TableNotFound.
func (m *Metadata) DropTable(name string, ifExists bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Tables[name]; !ok {
		if ifExists {
			return nil
		}
		return &nerr.TableNotFound{Name: name}
	}
	delete(m.Tables, name)
	return nil
}

// Table returns the named schema.
func (m *Metadata) Table(name string) (*TableSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.Tables[name]
	if !ok {
		return nil, &nerr.TableNotFound{Name: name}
	}
	return t, nil
}

// MutateTable runs fn against the named schema under the catalog's write
// lock and bumps its version — the shape every ALTER TABLE operation
// uses.
func (m *Metadata) MutateTable(name string, fn func(*TableSchema) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tables[name]
	if !ok {
		return &nerr.TableNotFound{Name: name}
	}
	if err := fn(t); err != nil {
		return err
	}
	t.Version++
	return nil
}

// BumpRowCount adjusts a table's row-count statistic by delta without
// touching its schema version — row counts change on every DML, and
// treating that as a schema change would make Version useless for
// detecting actual DDL drift.
func (m *Metadata) BumpRowCount(table string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tables[table]
	if !ok {
		return &nerr.TableNotFound{Name: table}
	}
	t.RowCount += delta
	return nil
}

// SetLastVacuumLSN records the floor vacuum last compacted up to, without
// bumping the schema version (vacuum doesn't change the schema).
func (m *Metadata) SetLastVacuumLSN(table string, lsn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tables[table]
	if !ok {
		return &nerr.TableNotFound{Name: table}
	}
	t.LastVacuumLSN = lsn
	return nil
}

// NextAutoIncrement advances column's auto-increment sequence and returns
// the value to assign, honoring step/min/max/cycle. Like BumpRowCount,
// this is data-plane bookkeeping, not a schema change, so it doesn't
// bump the table's version.
func (m *Metadata) NextAutoIncrement(table, column string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tables[table]
	if !ok {
		return 0, &nerr.TableNotFound{Name: table}
	}
	col := t.Column(column)
	if col == nil || col.AutoIncrement == nil {
		return 0, &nerr.SchemaViolation{Table: table, Column: column, Reason: "column has no auto-increment sequence"}
	}
	ai := col.AutoIncrement
	v := ai.NextValue
	next := v + ai.Step
	if ai.Max != 0 && next > ai.Max {
		if ai.Cycle {
			next = ai.Min
		} else {
			return 0, &nerr.SchemaViolation{Table: table, Column: column, Reason: "auto-increment sequence exhausted"}
		}
	}
	ai.NextValue = next
	return v, nil
}

// NextRowIDFor allocates the next row-id (global, independent of any
// table's PK sequence, per spec §3).
func (m *Metadata) NextRowIDFor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.NextRowID
	m.NextRowID++
	return id
}

// BumpLSN records the highest LSN the catalog has observed, so
// metadata.next_lsn >= max LSN written to any WAL segment (spec §6's
// cross-file invariant).
func (m *Metadata) BumpLSN(lsn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn >= m.NextLSN {
		m.NextLSN = lsn + 1
	}
}

// TableNames returns every registered table name.
func (m *Metadata) TableNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.Tables))
	for n := range m.Tables {
		names = append(names, n)
	}
	return names
}

// ReferencingForeignKeys returns every FK constraint across the catalog
// that references table — the adjacency spec §9 calls for when walking
// cascades, computed on demand rather than cached (cheap at catalog
// scale, and never stale).
func (m *Metadata) ReferencingForeignKeys(table string) map[string][]ForeignKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]ForeignKey)
	for name, schema := range m.Tables {
		for _, fk := range schema.ForeignKeys {
			if fk.RefTable == table {
				result[name] = append(result[name], fk)
			}
		}
	}
	return result
}
