// Package recovery implements the ARIES three-phase Recovery Manager of
// spec §4.4: analyze, redo, undo. Grounded on
// original_source/neuroquantum-core/src/storage/wal/mod.rs's `recover`
// (the Rust original this system was distilled from — it names the same
// three phases and the same undo_next_lsn/CLR chain) and on the shape of
// walseg.Writer.ReadFrom/Decode, which this package replays in order.
package recovery

import (
	"sort"
	"time"

	"github.com/nqdb/nqdb/pkg/walseg"
)

// StorageCallback is how the Recovery Manager applies log records back
// onto the storage engine without importing it directly (pkg/storage
// depends on pkg/recovery, not the other way around).
type StorageCallback interface {
	// ApplyAfterImage reapplies a committed Update's after-image. Must be
	// idempotent: applying the same (table, key, lsn) twice is a no-op
	// the second time.
	ApplyAfterImage(table, key string, after []byte, lsn uint64) error

	// ApplyBeforeImage restores an uncommitted Update's before-image, or
	// (before == nil) deletes the row outright because the record
	// represented an insert with nothing to restore.
	ApplyBeforeImage(table, key string, before []byte, lsn uint64) error
}

// Stats is the statistics block spec §4.4 requires recovery to return.
type Stats struct {
	RecordsAnalyzed int
	RedoOps         int
	UndoOps         int
	TxRedone        int
	TxUndone        int
	DurationMs      int64
}

// Manager runs ARIES recovery over a walseg stream.
type Manager struct {
	wal *walseg.Manager
}

// New constructs a Recovery Manager reading from an already-open WAL
// manager.
func New(wal *walseg.Manager) *Manager {
	return &Manager{wal: wal}
}

// Recover runs analyze, then redo, then undo, over every record from LSN 1
// onward, applying the results through callback. The three phases run as
// three separate passes over the same in-memory record slice, mirroring
// the original implementation's "read the whole log, then act in three
// directions" structure rather than a single streaming pass, because undo
// must walk backward while analyze and redo walk forward.
func (m *Manager) Recover(callback StorageCallback) (Stats, error) {
	start := time.Now()
	var stats Stats

	records, err := m.wal.ReadFrom(0)
	if err != nil {
		return stats, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LSN < records[j].LSN })
	stats.RecordsAnalyzed = len(records)

	activeTxs, committedTxs := analyze(records)

	redoOps, txRedone := redo(records, committedTxs, callback)
	stats.RedoOps = redoOps
	stats.TxRedone = txRedone

	undoOps, txUndone := undo(records, activeTxs, callback)
	stats.UndoOps = undoOps
	stats.TxUndone = txUndone

	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, nil
}

// analyze walks forward, tracking which transactions were active and
// which had committed by the time the log ends (spec §4.4's Analyze
// phase). Record types that don't affect transaction liveness — Update,
// Savepoint, CLR, checkpoint records — are ignored here.
func analyze(records []*walseg.Record) (active map[string]bool, committed map[string]bool) {
	active = make(map[string]bool)
	committed = make(map[string]bool)

	for _, rec := range records {
		switch rec.Type {
		case walseg.RecBegin:
			active[rec.TxID] = true
		case walseg.RecCommit:
			delete(active, rec.TxID)
			committed[rec.TxID] = true
		case walseg.RecAbort:
			delete(active, rec.TxID)
		}
	}
	return active, committed
}

// redo walks forward and reapplies every committed transaction's Update
// after-image. Idempotent by construction: replaying the same after-image
// twice produces the same stored bytes.
func redo(records []*walseg.Record, committed map[string]bool, callback StorageCallback) (ops int, txCount int) {
	touchedTx := make(map[string]bool)
	for _, rec := range records {
		if rec.Type != walseg.RecUpdate || !committed[rec.TxID] {
			continue
		}
		if err := callback.ApplyAfterImage(rec.Table, rec.Key, rec.After, rec.LSN); err != nil {
			continue
		}
		ops++
		touchedTx[rec.TxID] = true
	}
	return ops, len(touchedTx)
}

// undo walks backward, undoing every Update belonging to a transaction
// that was still active at crash time. A CLR record for an LSN means that
// LSN has already been compensated for (its UndoNextLSN tells us where the
// next candidate to undo is); skipBelow tracks, per transaction, the
// highest LSN that's still pending undo so records above it, already
// covered by a CLR, are not undone twice.
func undo(records []*walseg.Record, active map[string]bool, callback StorageCallback) (ops int, txCount int) {
	skipBelow := make(map[string]uint64) // tx -> LSNs > this are already compensated

	touchedTx := make(map[string]bool)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]

		if rec.Type == walseg.RecCLR {
			// Walking backward, the first CLR seen for a transaction is
			// chronologically its most recent: it already reflects every
			// compensation that happened before it, so it alone sets
			// where undo should resume.
			if _, ok := skipBelow[rec.TxID]; !ok {
				skipBelow[rec.TxID] = rec.UndoNextLSN
			}
			continue
		}

		if rec.Type != walseg.RecUpdate || !active[rec.TxID] {
			continue
		}
		if floor, ok := skipBelow[rec.TxID]; ok && rec.LSN > floor {
			continue
		}

		if err := callback.ApplyBeforeImage(rec.Table, rec.Key, rec.Before, rec.LSN); err != nil {
			continue
		}
		ops++
		touchedTx[rec.TxID] = true
	}
	return ops, len(touchedTx)
}
