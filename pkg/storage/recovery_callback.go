package storage

import (
	"strconv"
	"time"

	"github.com/nqdb/nqdb/pkg/catalog"
	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/nqdb/nqdb/pkg/types"
)

// Engine implements recovery.StorageCallback so pkg/recovery can replay
// the WAL without importing pkg/storage back.

// ApplyAfterImage redoes a committed update: idempotent, because it skips
// rows whose current version already carries a CreateLSN at or past lsn.
func (e *Engine) ApplyAfterImage(table, key string, after []byte, lsn uint64) error {
	t, err := e.table(table)
	if err != nil {
		return err
	}
	pkCol := t.Schema.Column(t.Schema.PrimaryKey)
	pk, err := parseComparable(pkCol, key)
	if err != nil {
		return err
	}

	prevOffset := int64(-1)
	if offset, ok := t.PK.Get(pk); ok {
		_, header, rerr := t.Heap.Read(offset)
		if rerr == nil {
			if header.CreateLSN >= lsn {
				return nil // already durable, redo is a no-op
			}
			prevOffset = offset
		}
	}

	newOffset, err := t.Heap.Write(after, lsn, prevOffset)
	if err != nil {
		return &nerr.IoError{Op: "redo apply after-image", Err: err}
	}
	return t.PK.Replace(pk, newOffset)
}

// ApplyBeforeImage undoes an update (or insert, when before is nil) during
// crash recovery's undo pass.
func (e *Engine) ApplyBeforeImage(table, key string, before []byte, lsn uint64) error {
	t, err := e.table(table)
	if err != nil {
		return err
	}
	pkCol := t.Schema.Column(t.Schema.PrimaryKey)
	pk, err := parseComparable(pkCol, key)
	if err != nil {
		return err
	}

	offset, ok := t.PK.Get(pk)
	if before == nil {
		if ok {
			return t.Heap.Delete(offset, lsn)
		}
		return nil
	}

	prevOffset := int64(-1)
	if ok {
		prevOffset = offset
	}
	newOffset, err := t.Heap.Write(before, lsn, prevOffset)
	if err != nil {
		return &nerr.IoError{Op: "undo apply before-image", Err: err}
	}
	return t.PK.Replace(pk, newOffset)
}

// engineUndoer adapts Engine to txn.StorageUndoer for live (non-recovery)
// rollback, where the caller has no WAL LSN handy for the compensating
// heap write — e's own sequence counter supplies one instead, a number
// space independent of the WAL's (it only needs to order this engine's
// own heap versions, never read back by recovery).
type engineUndoer struct {
	e *Engine
}

func (u *engineUndoer) ApplyBeforeImage(table, key string, before []byte) error {
	return u.e.ApplyBeforeImage(table, key, before, u.e.nextSeq())
}

func parseComparable(col *catalog.Column, s string) (types.Comparable, error) {
	switch col.Type {
	case catalog.ColInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &nerr.InvalidKeyType{Index: col.Name, TypeName: "int"}
		}
		return types.IntKey(v), nil
	case catalog.ColFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &nerr.InvalidKeyType{Index: col.Name, TypeName: "float"}
		}
		return types.FloatKey(v), nil
	case catalog.ColBool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, &nerr.InvalidKeyType{Index: col.Name, TypeName: "bool"}
		}
		return types.BoolKey(v), nil
	case catalog.ColTimestamp:
		v, err := time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return nil, &nerr.InvalidKeyType{Index: col.Name, TypeName: "timestamp"}
		}
		return types.DateKey(v), nil
	default:
		return types.VarcharKey(s), nil
	}
}
