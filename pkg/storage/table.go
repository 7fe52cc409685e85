// Package storage implements the single-node Storage Engine of spec §4.7:
// schema DDL, transactional DML, MVCC visibility, vacuum, and checkpoints,
// wired onto pkg/catalog, pkg/heap, pkg/btree, pkg/txn, pkg/lockmgr,
// pkg/walseg, and pkg/recovery. Grounded on the teacher's
// pkg/storage/engine.go and pkg/storage/table.go, generalized from an
// in-memory, document-shaped store into a schema'd relational one.
package storage

import (
	"github.com/nqdb/nqdb/pkg/btree"
	"github.com/nqdb/nqdb/pkg/catalog"
	"github.com/nqdb/nqdb/pkg/heap"
)

// btreeOrder is the B+Tree branching factor every table's primary-key
// index is built with — matches the teacher's own default.
const btreeOrder = 64

// Table is one open table: its catalog schema, its row heap, and its
// primary-key index. The teacher's btree only keeps the latest value per
// key once duplicates are allowed (Node.InsertNonFull overwrites rather
// than chaining), so secondary indexes over non-unique columns can't hold
// more than one row per value — Table deliberately indexes only the
// primary key and leaves foreign-key lookups to a full scan of the
// referencing table (see scanLiveRows in cascade.go).
type Table struct {
	Schema *catalog.TableSchema
	Heap   *heap.HeapManager
	PK     *btree.BPlusTree
}

func openTable(schema *catalog.TableSchema, h *heap.HeapManager) *Table {
	return &Table{
		Schema: schema,
		Heap:   h,
		PK:     btree.NewNamedUniqueTree(btreeOrder, schema.Name+"."+schema.PrimaryKey),
	}
}
