package walseg

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager is the WAL Manager of spec §4.3: it owns the LSN counter (via the
// embedded Writer), the in-memory transaction table (tx -> last LSN), and
// the dirty page table (page -> recovery LSN).
type Manager struct {
	w *Writer

	mu        sync.Mutex
	txLastLSN map[string]uint64 // tx id -> last LSN written in its chain
	dirtyPage map[uint64]uint64 // page id -> recovery LSN (first LSN that dirtied it)

	log zerolog.Logger
}

// NewManager wraps an already-open segmented Writer.
func NewManager(w *Writer) *Manager {
	return &Manager{
		w:         w,
		txLastLSN: make(map[string]uint64),
		dirtyPage: make(map[uint64]uint64),
		log:       log.With().Str("component", "wal-manager").Logger(),
	}
}

func (m *Manager) now() int64 { return time.Now().Unix() }

// BeginTransaction allocates an LSN, writes a Begin record, and registers
// the transaction in the in-memory table.
func (m *Manager) BeginTransaction(txID string) (uint64, error) {
	lsn := m.w.NextLSN()
	rec := &Record{LSN: lsn, TxID: txID, Type: RecBegin, TimeSec: m.now()}
	if err := m.w.Append(rec); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.txLastLSN[txID] = lsn
	m.mu.Unlock()
	return lsn, nil
}

// LogUpdate writes an Update record chained to the transaction's previous
// LSN and records the page's recovery LSN if this is its first dirtying
// write since the last checkpoint.
func (m *Manager) LogUpdate(txID, table, key string, before, after []byte, pageID uint64) (uint64, error) {
	lsn := m.w.NextLSN()

	m.mu.Lock()
	prev, hasPrev := m.txLastLSN[txID]
	m.mu.Unlock()

	rec := &Record{
		LSN: lsn, PrevLSN: prev, HasPrev: hasPrev, TxID: txID,
		Type: RecUpdate, TimeSec: m.now(),
		Table: table, Key: key, Before: before, After: after,
	}
	if err := m.w.Append(rec); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.txLastLSN[txID] = lsn
	if _, ok := m.dirtyPage[pageID]; !ok {
		m.dirtyPage[pageID] = lsn
	}
	m.mu.Unlock()
	return lsn, nil
}

// CommitTransaction writes a Commit record, forces the log to disk
// (force-at-commit: the commit is not observable until this returns nil),
// and removes the transaction from the in-memory table.
func (m *Manager) CommitTransaction(txID string) error {
	lsn := m.w.NextLSN()

	m.mu.Lock()
	prev, hasPrev := m.txLastLSN[txID]
	m.mu.Unlock()

	rec := &Record{LSN: lsn, PrevLSN: prev, HasPrev: hasPrev, TxID: txID, Type: RecCommit, TimeSec: m.now()}
	if err := m.w.Append(rec); err != nil {
		return err
	}
	if err := m.w.Flush(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.txLastLSN, txID)
	m.mu.Unlock()
	return nil
}

// AbortTransaction writes an Abort record. Callers that have installed
// speculative in-memory state must undo it themselves via the undo log —
// the WAL manager only records the decision.
func (m *Manager) AbortTransaction(txID string) error {
	lsn := m.w.NextLSN()

	m.mu.Lock()
	prev, hasPrev := m.txLastLSN[txID]
	m.mu.Unlock()

	rec := &Record{LSN: lsn, PrevLSN: prev, HasPrev: hasPrev, TxID: txID, Type: RecAbort, TimeSec: m.now()}
	if err := m.w.Append(rec); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.txLastLSN, txID)
	m.mu.Unlock()
	return nil
}

// Savepoint records the LSN at creation under the given name.
func (m *Manager) Savepoint(txID, name string) (uint64, error) {
	lsn := m.w.NextLSN()
	m.mu.Lock()
	prev, hasPrev := m.txLastLSN[txID]
	m.mu.Unlock()

	rec := &Record{
		LSN: lsn, PrevLSN: prev, HasPrev: hasPrev, TxID: txID,
		Type: RecSavepoint, TimeSec: m.now(), SavepointName: name,
	}
	if err := m.w.Append(rec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.txLastLSN[txID] = lsn
	m.mu.Unlock()
	return lsn, nil
}

// RollbackToSavepoint writes a record pointing at the savepoint's target
// LSN. Per spec §4.3, the savepoint itself persists after the rollback
// (SQL-standard behavior) until explicitly released — the caller's
// transaction undo log, not this record, is what makes the data
// disappear.
func (m *Manager) RollbackToSavepoint(txID, name string, targetLSN uint64) (uint64, error) {
	lsn := m.w.NextLSN()
	m.mu.Lock()
	prev, hasPrev := m.txLastLSN[txID]
	m.mu.Unlock()

	rec := &Record{
		LSN: lsn, PrevLSN: prev, HasPrev: hasPrev, TxID: txID,
		Type: RecRollbackToSavepoint, TimeSec: m.now(),
		SavepointName: name, TargetLSN: targetLSN,
	}
	if err := m.w.Append(rec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.txLastLSN[txID] = lsn
	m.mu.Unlock()
	return lsn, nil
}

// ReleaseSavepoint records that a named savepoint is no longer reachable.
func (m *Manager) ReleaseSavepoint(txID, name string) error {
	lsn := m.w.NextLSN()
	m.mu.Lock()
	prev, hasPrev := m.txLastLSN[txID]
	m.mu.Unlock()

	rec := &Record{
		LSN: lsn, PrevLSN: prev, HasPrev: hasPrev, TxID: txID,
		Type: RecReleaseSavepoint, TimeSec: m.now(), SavepointName: name,
	}
	if err := m.w.Append(rec); err != nil {
		return err
	}
	m.mu.Lock()
	m.txLastLSN[txID] = lsn
	m.mu.Unlock()
	return nil
}

// WriteCLR writes a compensation log record while undoing another record
// during rollback or recovery, carrying the LSN undo should skip to next so
// a crash mid-undo does not repeat work already compensated for.
func (m *Manager) WriteCLR(txID string, undoNextLSN uint64, table, key string, before []byte) (uint64, error) {
	lsn := m.w.NextLSN()
	m.mu.Lock()
	prev, hasPrev := m.txLastLSN[txID]
	m.mu.Unlock()

	rec := &Record{
		LSN: lsn, PrevLSN: prev, HasPrev: hasPrev, TxID: txID,
		Type: RecCLR, TimeSec: m.now(), UndoNextLSN: undoNextLSN,
		Table: table, Key: key, After: before,
	}
	if err := m.w.Append(rec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.txLastLSN[txID] = lsn
	m.mu.Unlock()
	return lsn, nil
}

// Checkpoint writes CheckpointBegin (the active-tx snapshot) followed by
// CheckpointEnd (the dirty page table), forcing the log after each so a
// crash can never observe one without the other resolving cleanly on the
// next recovery pass.
func (m *Manager) Checkpoint() (uint64, error) {
	m.mu.Lock()
	activeTxIDs := make([]string, 0, len(m.txLastLSN))
	for id := range m.txLastLSN {
		activeTxIDs = append(activeTxIDs, id)
	}
	dirty := make(map[uint64]uint64, len(m.dirtyPage))
	for k, v := range m.dirtyPage {
		dirty[k] = v
	}
	m.mu.Unlock()

	beginLSN := m.w.NextLSN()
	begin := &Record{LSN: beginLSN, Type: RecCheckpointBegin, TimeSec: m.now(), ActiveTxIDs: activeTxIDs}
	if err := m.w.Append(begin); err != nil {
		return 0, err
	}

	endLSN := m.w.NextLSN()
	end := &Record{LSN: endLSN, Type: RecCheckpointEnd, TimeSec: m.now(), DirtyPages: dirty}
	if err := m.w.Append(end); err != nil {
		return 0, err
	}
	if err := m.w.Flush(); err != nil {
		return 0, err
	}

	m.log.Info().Uint64("lsn", endLSN).Int("active_txs", len(activeTxIDs)).Msg("checkpoint written")
	return endLSN, nil
}

// ReadFrom exposes the underlying Writer's scan for the Recovery Manager.
func (m *Manager) ReadFrom(startLSN uint64) ([]*Record, error) { return m.w.ReadFrom(startLSN) }

// ClearDirtyPage drops a page from the dirty-page table once it has been
// flushed to the pager, letting future checkpoints start redo later.
func (m *Manager) ClearDirtyPage(pageID uint64) {
	m.mu.Lock()
	delete(m.dirtyPage, pageID)
	m.mu.Unlock()
}

// Close closes the underlying segmented writer.
func (m *Manager) Close() error { return m.w.Close() }
