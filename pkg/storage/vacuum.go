package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nqdb/nqdb/pkg/heap"
	"github.com/nqdb/nqdb/pkg/nerr"
)

// Vacuum reclaims space spec §4.7 calls for: it rewrites tableName's heap,
// dropping any row version no in-flight transaction's snapshot could still
// need. The floor is the oldest active transaction's SnapshotLSN — anything
// only reachable from before that floor is unreachable to anyone. Grounded
// on the teacher's own Vacuum() (a wholesale heap rewrite using the
// registry's minimum active LSN as its reclaim floor), adapted to walk
// pkg/txn's MinActiveSnapshot instead of the teacher's TxRegistry, and to
// compact each key's whole version chain rather than a single row slot.
func (e *Engine) Vacuum(tableName string) error {
	t, err := e.table(tableName)
	if err != nil {
		return err
	}
	minLSN := e.txns.MinActiveSnapshot()

	tmpPath := filepath.Join(e.basePath, "tables", tableName+"__vacuum_tmp")
	newHeap, err := heap.NewHeapManager(tmpPath)
	if err != nil {
		return &nerr.IoError{Op: "open vacuum tmp heap", Err: err}
	}
	newTable := openTable(t.Schema, newHeap)
	pkCol := t.Schema.Column(t.Schema.PrimaryKey)

	cur := newCursor(t.PK)
	for cur.Valid() {
		offset := cur.Value()
		newOffset, kept, err := e.compactChain(t, newHeap, offset, minLSN)
		if err != nil {
			return err
		}
		if kept {
			data, _, rerr := newHeap.Read(newOffset)
			if rerr == nil {
				if row, derr := decodeRow(data); derr == nil {
					if key, kerr := columnKey(pkCol, row); kerr == nil {
						_ = newTable.PK.Insert(key, newOffset)
					}
				}
			}
		}
		if !cur.Next() {
			break
		}
	}
	cur.Close()

	if err := newHeap.Close(); err != nil {
		return err
	}
	if err := t.Heap.Close(); err != nil {
		return err
	}

	oldGlob, _ := filepath.Glob(filepath.Join(e.basePath, "tables", tableName+"_*.data"))
	for _, f := range oldGlob {
		_ = os.Remove(f)
	}
	newGlob, _ := filepath.Glob(tmpPath + "_*.data")
	for _, f := range newGlob {
		suffix := strings.TrimPrefix(filepath.Base(f), filepath.Base(tmpPath))
		final := filepath.Join(e.basePath, "tables", tableName+suffix)
		if err := os.Rename(f, final); err != nil {
			return &nerr.IoError{Op: "rename vacuumed heap segment", Err: err}
		}
	}

	reopened, err := heap.NewHeapManager(filepath.Join(e.basePath, "tables", tableName))
	if err != nil {
		return &nerr.IoError{Op: "reopen heap after vacuum", Err: err}
	}
	rebuilt := openTable(t.Schema, reopened)
	if err := e.rebuildIndex(rebuilt); err != nil {
		return err
	}

	e.mu.Lock()
	e.tables[tableName] = rebuilt
	e.mu.Unlock()

	_ = e.catalog.SetLastVacuumLSN(tableName, minLSN)
	return e.catalog.Save()
}

// compactChain copies the portion of one key's version chain that's still
// reachable under minLSN into newHeap, oldest surviving version first so
// PrevOffset links come out correct in the new file. It returns the new
// offset of the newest (head) version and whether the key survives at all.
//
// A version is droppable once its successor's CreateLSN is at or before
// minLSN: every active transaction's snapshot is already past that point,
// so it would see the successor instead and never needs this version.
// The head itself survives unless it's a tombstone whose DeleteLSN is
// already below minLSN, meaning every active reader's snapshot is past the
// delete too.
func (e *Engine) compactChain(t *Table, newHeap *heap.HeapManager, offset int64, minLSN uint64) (int64, bool, error) {
	type version struct {
		data   []byte
		header *heap.RecordHeader
	}
	var chain []version
	for o := offset; o >= 0; {
		data, header, err := t.Heap.Read(o)
		if err != nil {
			break
		}
		chain = append(chain, version{data, header})
		o = header.PrevOffset
	}
	if len(chain) == 0 {
		return 0, false, nil
	}

	head := chain[0]
	if !head.header.Valid && head.header.DeleteLSN < minLSN {
		return 0, false, nil
	}

	keepUpto := 0
	for i := 1; i < len(chain); i++ {
		if chain[i-1].header.CreateLSN > minLSN {
			keepUpto = i
		} else {
			break
		}
	}

	prevNewOffset := int64(-1)
	var newOffset int64
	var err error
	for i := keepUpto; i >= 0; i-- {
		v := chain[i]
		newOffset, err = newHeap.Write(v.data, v.header.CreateLSN, prevNewOffset)
		if err != nil {
			return 0, false, &nerr.IoError{Op: "vacuum compact write", Err: err}
		}
		if !v.header.Valid {
			if err := newHeap.Delete(newOffset, v.header.DeleteLSN); err != nil {
				return 0, false, &nerr.IoError{Op: "vacuum compact delete", Err: err}
			}
		}
		prevNewOffset = newOffset
	}
	return newOffset, true, nil
}
