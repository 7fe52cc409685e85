package storage

import (
	"context"

	"github.com/nqdb/nqdb/pkg/catalog"
	"github.com/nqdb/nqdb/pkg/lockmgr"
	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/nqdb/nqdb/pkg/txn"
)

// Insert validates values against table's schema (defaults, auto-increment,
// nullability, foreign keys), appends the row to the heap, indexes it by
// primary key, and logs the write to the WAL. Pass tx to batch the insert
// into a larger transaction; pass nil for autocommit.
func (e *Engine) Insert(tx *txn.Transaction, tableName string, values Row) (Row, error) {
	t, err := e.table(tableName)
	if err != nil {
		return nil, err
	}

	var result Row
	err = e.withTx(tx, txn.ReadCommitted, func(active *txn.Transaction) error {
		ctx := context.Background()
		if err := e.txns.AcquireLock(ctx, active, lockmgr.TableResource(tableName), lockmgr.IntentionExclusive, false); err != nil {
			return err
		}

		row, err := e.materializeInsert(t.Schema, values)
		if err != nil {
			return err
		}
		if err := e.checkForeignKeys(t.Schema, row); err != nil {
			return err
		}

		pkCol := t.Schema.Column(t.Schema.PrimaryKey)
		key, err := columnKey(pkCol, row)
		if err != nil {
			return err
		}
		if _, exists := t.PK.Get(key); exists {
			return &nerr.DuplicateKey{Index: t.PK.Name, Key: pkKeyString(key)}
		}

		encoded, err := encodeRow(row)
		if err != nil {
			return &nerr.SerializationError{Op: "encode inserted row", Err: err}
		}

		lsn, err := e.txns.LogUpdate(active, tableName, pkKeyString(key), nil, encoded, 0)
		if err != nil {
			return err
		}
		offset, err := t.Heap.Write(encoded, lsn, -1)
		if err != nil {
			return &nerr.IoError{Op: "write inserted row", Err: err}
		}
		if err := t.PK.Insert(key, offset); err != nil {
			return err
		}

		_ = e.catalog.BumpRowCount(tableName, 1)
		result = row
		return nil
	})
	return result, err
}

// materializeInsert fills in auto-increment and default values, then
// rejects a row missing a value for any non-nullable column.
func (e *Engine) materializeInsert(schema *catalog.TableSchema, values Row) (Row, error) {
	row := make(Row, len(schema.Columns))
	for k, v := range values {
		row[k] = v
	}

	for _, col := range schema.Columns {
		if _, present := row[col.Name]; present {
			continue
		}
		if col.AutoIncrement != nil {
			next, err := e.catalog.NextAutoIncrement(schema.Name, col.Name)
			if err != nil {
				return nil, err
			}
			row[col.Name] = next
			continue
		}
		if col.Default != nil {
			row[col.Name] = col.Default
			continue
		}
		if !col.Nullable {
			return nil, &nerr.SchemaViolation{Table: schema.Name, Column: col.Name, Reason: "missing value for non-nullable column"}
		}
	}
	return row, nil
}

// Update applies changes to the row identified by pk. Foreign keys
// referencing this row are cascaded per their OnUpdateAction before the
// row itself is rewritten.
func (e *Engine) Update(tx *txn.Transaction, tableName string, pk any, changes Row) error {
	t, err := e.table(tableName)
	if err != nil {
		return err
	}
	pkCol := t.Schema.Column(t.Schema.PrimaryKey)
	key, err := toComparable(pkCol, pk)
	if err != nil {
		return err
	}

	return e.withTx(tx, txn.ReadCommitted, func(active *txn.Transaction) error {
		ctx := context.Background()
		if err := e.txns.AcquireLock(ctx, active, lockmgr.RowResource(tableName, pkKeyString(key)), lockmgr.Exclusive, false); err != nil {
			return err
		}

		offset, ok := t.PK.Get(key)
		if !ok {
			return &nerr.RecordNotFound{Table: tableName, Key: pkKeyString(key)}
		}
		before, header, err := t.Heap.Read(offset)
		if err != nil || !header.Valid {
			return &nerr.RecordNotFound{Table: tableName, Key: pkKeyString(key)}
		}
		oldRow, err := decodeRow(before)
		if err != nil {
			return &nerr.SerializationError{Op: "decode row before update", Err: err}
		}

		newRow := make(Row, len(oldRow))
		for k, v := range oldRow {
			newRow[k] = v
		}
		for k, v := range changes {
			newRow[k] = v
		}

		if err := e.checkForeignKeys(t.Schema, newRow); err != nil {
			return err
		}
		if err := e.cascadeOnUpdate(active, tableName, oldRow, newRow); err != nil {
			return err
		}

		encoded, err := encodeRow(newRow)
		if err != nil {
			return &nerr.SerializationError{Op: "encode updated row", Err: err}
		}

		lsn, err := e.txns.LogUpdate(active, tableName, pkKeyString(key), before, encoded, 0)
		if err != nil {
			return err
		}
		newOffset, err := t.Heap.Write(encoded, lsn, offset)
		if err != nil {
			return &nerr.IoError{Op: "write updated row", Err: err}
		}
		return t.PK.Replace(key, newOffset)
	})
}

// Delete removes the row identified by pk, cascading to referencing rows
// per their OnDeleteAction first. The heap entry is only tombstoned
// (Valid=false); Vacuum reclaims the bytes once no active snapshot can
// still see them.
func (e *Engine) Delete(tx *txn.Transaction, tableName string, pk any) error {
	t, err := e.table(tableName)
	if err != nil {
		return err
	}
	pkCol := t.Schema.Column(t.Schema.PrimaryKey)
	key, err := toComparable(pkCol, pk)
	if err != nil {
		return err
	}

	return e.withTx(tx, txn.ReadCommitted, func(active *txn.Transaction) error {
		ctx := context.Background()
		if err := e.txns.AcquireLock(ctx, active, lockmgr.RowResource(tableName, pkKeyString(key)), lockmgr.Exclusive, false); err != nil {
			return err
		}

		offset, ok := t.PK.Get(key)
		if !ok {
			return &nerr.RecordNotFound{Table: tableName, Key: pkKeyString(key)}
		}
		before, header, err := t.Heap.Read(offset)
		if err != nil || !header.Valid {
			return &nerr.RecordNotFound{Table: tableName, Key: pkKeyString(key)}
		}
		row, err := decodeRow(before)
		if err != nil {
			return &nerr.SerializationError{Op: "decode row before delete", Err: err}
		}

		if err := e.cascadeOnDelete(active, tableName, row); err != nil {
			return err
		}

		lsn, err := e.txns.LogUpdate(active, tableName, pkKeyString(key), before, nil, 0)
		if err != nil {
			return err
		}
		if err := t.Heap.Delete(offset, lsn); err != nil {
			return &nerr.IoError{Op: "tombstone deleted row", Err: err}
		}
		_ = e.catalog.BumpRowCount(tableName, -1)
		return nil
	})
}
