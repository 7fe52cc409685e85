package storage

import (
	"context"

	"github.com/nqdb/nqdb/pkg/lockmgr"
	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/nqdb/nqdb/pkg/txn"
)

// Get returns the current version of the row keyed by pk, or
// RecordNotFound. A nil tx reads read-committed (whatever's durable right
// now); passing tx reads as of that transaction's MVCC snapshot, walking
// the version chain back to the newest version it's allowed to see.
func (e *Engine) Get(tx *txn.Transaction, tableName string, pk any) (Row, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, err
	}
	pkCol := t.Schema.Column(t.Schema.PrimaryKey)
	key, err := toComparable(pkCol, pk)
	if err != nil {
		return nil, err
	}

	if tx != nil {
		ctx := context.Background()
		if err := e.txns.AcquireLock(ctx, tx, lockmgr.RowResource(tableName, pkKeyString(key)), lockmgr.Shared, true); err != nil {
			return nil, err
		}
	}

	offset, ok := t.PK.Get(key)
	if !ok {
		return nil, &nerr.RecordNotFound{Table: tableName, Key: pkKeyString(key)}
	}
	return e.readVisible(t, offset, tx)
}

// readVisible walks a row's version chain from offset until it finds a
// version visible to tx's snapshot (or, with tx nil, the current head),
// per spec §4.5's visibility rule: a version is visible if it's still
// live, or its delete happened after the reader's snapshot was taken.
func (e *Engine) readVisible(t *Table, offset int64, tx *txn.Transaction) (Row, error) {
	for offset >= 0 {
		data, header, err := t.Heap.Read(offset)
		if err != nil {
			return nil, &nerr.IoError{Op: "read row version", Err: err}
		}

		visible := header.Valid
		if tx != nil && !visible {
			visible = header.DeleteLSN > tx.SnapshotLSN
		}
		if tx != nil && header.CreateLSN > tx.SnapshotLSN {
			// This version didn't exist yet as of tx's snapshot; keep
			// walking back to an older one.
			visible = false
		}

		if visible {
			return decodeRow(data)
		}
		offset = header.PrevOffset
	}
	return nil, &nerr.RecordNotFound{Table: t.Schema.Name, Key: ""}
}

// Scan returns every row tx's snapshot can see, in primary-key order. A
// nil tx scans whatever's durable right now (no snapshot isolation).
func (e *Engine) Scan(tx *txn.Transaction, tableName string) ([]Row, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, err
	}

	if tx != nil {
		ctx := context.Background()
		if err := e.txns.AcquireLock(ctx, tx, lockmgr.TableResource(tableName), lockmgr.IntentionShared, true); err != nil {
			return nil, err
		}
	}

	var rows []Row
	cur := newCursor(t.PK)
	defer cur.Close()
	for cur.Valid() {
		offset := cur.Value()
		row, err := e.readVisible(t, offset, tx)
		if err == nil {
			rows = append(rows, row)
		}
		if !cur.Next() {
			break
		}
	}
	return rows, nil
}
