// Package txn implements the Transaction Manager of spec §4.6: lifecycle,
// isolation levels, savepoints, and a two-phase-shaped commit protocol.
// Grounded on the teacher's pkg/storage/transaction_manager.go
// (TransactionRegistry's min-snapshot-LSN bookkeeping, generalized here
// into the full active-transaction table) and
// pkg/storage/transaction_write.go (the write-set-then-commit shape,
// generalized from a single-engine write buffer into an undo log driven
// by pkg/walseg). Lock acquisition delegates to pkg/lockmgr; durability
// delegates to pkg/walseg; the transaction's own lifecycle events are
// mirrored into pkg/txnlog for audit.
package txn

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/lockmgr"
	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/nqdb/nqdb/pkg/txnlog"
	"github.com/nqdb/nqdb/pkg/walseg"
)

// Isolation is one of spec §4.6's four ANSI isolation levels.
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "ReadUncommitted"
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// Status is a transaction's lifecycle state (spec §3's transaction-state
// table): Active -> Committing -> Committed, or Active -> Aborting ->
// Aborted, with a Preparing/Prepared pair inside the commit path.
type Status int

const (
	StatusActive Status = iota
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusAborting
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusPreparing:
		return "Preparing"
	case StatusPrepared:
		return "Prepared"
	case StatusCommitting:
		return "Committing"
	case StatusCommitted:
		return "Committed"
	case StatusAborting:
		return "Aborting"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// undoRecord is one entry in a transaction's in-memory undo log: enough to
// restore the before-image (or delete the row, if there was none) during
// rollback or rollback_to_savepoint.
type undoRecord struct {
	lsn    uint64
	table  string
	key    string
	before []byte // nil means "this was an insert; undo deletes the row"
}

// Transaction is the in-memory state spec §3 names: id, status, isolation,
// timestamps, timeout, held locks, LSN range, undo log, snapshot version,
// read/write sets, and named savepoints.
type Transaction struct {
	ID          string
	Isolation   Isolation
	StartedAt   time.Time
	Timeout     time.Duration
	SnapshotLSN uint64

	mu         sync.Mutex
	status     Status
	lastActive time.Time
	firstLSN   uint64
	lastLSN    uint64
	undoLog    []undoRecord
	lockedRes  map[string]lockmgr.Mode
	readSet    map[string]struct{}
	writeSet   map[string]struct{}
	savepoints map[string]uint64
}

// Status returns the transaction's current lifecycle state.
func (tx *Transaction) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Deadline is when this transaction's default_timeout expires.
func (tx *Transaction) Deadline() time.Time {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.StartedAt.Add(tx.Timeout)
}

func (tx *Transaction) touch() {
	tx.mu.Lock()
	tx.lastActive = time.Now()
	tx.mu.Unlock()
}

// Manager owns active transactions, the lock manager, the WAL manager, and
// a running count of committed transactions (exposed for monitoring;
// MVCC visibility itself is decided from WAL LSNs, see Begin).
type Manager struct {
	mu             sync.Mutex
	active         map[string]*Transaction
	globalVersion  uint64
	defaultTimeout time.Duration

	locks *lockmgr.Manager
	wal   *walseg.Manager
	audit *txnlog.Log
}

// New constructs a Transaction Manager wired to an already-open lock
// manager, WAL manager, and bookkeeping log.
func New(locks *lockmgr.Manager, wal *walseg.Manager, audit *txnlog.Log, defaultTimeout time.Duration) *Manager {
	return &Manager{
		active:         make(map[string]*Transaction),
		locks:          locks,
		wal:            wal,
		audit:          audit,
		defaultTimeout: defaultTimeout,
	}
}

// GlobalVersion reports how many transactions this manager has committed.
func (m *Manager) GlobalVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalVersion
}

// Begin assigns the transaction's Begin-record WAL LSN as its MVCC
// snapshot, registers it in the active map, and logs Begin. The snapshot
// lives in the WAL's own LSN space (not the coarser commit-counting
// globalVersion) because the storage layer stamps every heap row version's
// CreateLSN/DeleteLSN from that same WAL LSN sequence — a snapshot drawn
// from a different numbering scheme couldn't be compared against them.
func (m *Manager) Begin(isolation Isolation) (*Transaction, error) {
	id := uuid.Must(uuid.NewV7()).String()

	lsn, err := m.wal.BeginTransaction(id)
	if err != nil {
		return nil, fmt.Errorf("begin transaction %s: %w", id, err)
	}

	now := time.Now()
	tx := &Transaction{
		ID:          id,
		Isolation:   isolation,
		StartedAt:   now,
		lastActive:  now,
		Timeout:     m.defaultTimeout,
		SnapshotLSN: lsn,
		status:      StatusActive,
		firstLSN:    lsn,
		lastLSN:     lsn,
		lockedRes:   make(map[string]lockmgr.Mode),
		readSet:     make(map[string]struct{}),
		writeSet:    make(map[string]struct{}),
		savepoints:  make(map[string]uint64),
	}

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()

	if m.audit != nil {
		_ = m.audit.Append(txnlog.Event{TxID: id, Type: txnlog.EventBegin, IsolationStr: isolation.String()})
	}
	return tx, nil
}

// lockModeForRead maps a read access to the lock mode the transaction's
// isolation level requires (and whether any lock is needed at all), per
// spec §4.6's final paragraph.
func lockModeForRead(isolation Isolation) (lockmgr.Mode, bool) {
	switch isolation {
	case ReadUncommitted:
		return 0, false // no read locks at all
	case ReadCommitted, RepeatableRead, Serializable:
		return lockmgr.Shared, true
	default:
		return lockmgr.Shared, true
	}
}

// AcquireLock delegates to the lock manager, and records resource in the
// transaction's read-set or write-set according to mode.
func (tx *Transaction) AcquireLock(ctx context.Context, locks *lockmgr.Manager, resource string, mode lockmgr.Mode) error {
	if tx.Status() != StatusActive {
		return fmt.Errorf("transaction %s is not active", tx.ID)
	}

	if err := locks.Acquire(ctx, lockmgr.TxID(tx.ID), resource, mode); err != nil {
		return err
	}

	tx.mu.Lock()
	tx.lockedRes[resource] = mode
	if mode == lockmgr.Exclusive || mode == lockmgr.IntentionExclusive {
		tx.writeSet[resource] = struct{}{}
	} else {
		tx.readSet[resource] = struct{}{}
	}
	tx.mu.Unlock()

	tx.touch()
	return nil
}

// AcquireLock is the Manager-level entry point spec §4.6 names
// acquire_lock: it looks the isolation level's implied read-lock policy up
// for read accesses (ReadUncommitted takes no read lock at all) and always
// requires the passed mode for write accesses.
func (m *Manager) AcquireLock(ctx context.Context, tx *Transaction, resource string, mode lockmgr.Mode, isRead bool) error {
	if isRead {
		effective, needed := lockModeForRead(tx.Isolation)
		if !needed {
			return nil
		}
		mode = effective
	}
	return tx.AcquireLock(ctx, m.locks, resource, mode)
}

// LogUpdate appends a chained WAL Update record and records the
// before-image in the transaction's undo log.
func (m *Manager) LogUpdate(tx *Transaction, table, key string, before, after []byte, pageID uint64) (uint64, error) {
	if tx.Status() != StatusActive {
		return 0, fmt.Errorf("transaction %s is not active", tx.ID)
	}

	lsn, err := m.wal.LogUpdate(tx.ID, table, key, before, after, pageID)
	if err != nil {
		return 0, err
	}

	tx.mu.Lock()
	tx.lastLSN = lsn
	tx.undoLog = append(tx.undoLog, undoRecord{lsn: lsn, table: table, key: key, before: before})
	tx.mu.Unlock()

	tx.touch()
	return lsn, nil
}

// Savepoint creates a named rollback point at the transaction's current
// LSN position.
func (m *Manager) Savepoint(tx *Transaction, name string) error {
	lsn, err := m.wal.Savepoint(tx.ID, name)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	tx.savepoints[name] = lsn
	tx.lastLSN = lsn
	tx.mu.Unlock()

	if m.audit != nil {
		_ = m.audit.Append(txnlog.Event{TxID: tx.ID, Type: txnlog.EventSavepoint, SavepointName: name})
	}
	return nil
}

// StorageUndoer is the storage-side callback rollback and
// rollback_to_savepoint drive: apply the before-image, or (before == nil)
// delete the row outright because the record represented an insert.
type StorageUndoer interface {
	ApplyBeforeImage(table, key string, before []byte) error
}

// RollbackToSavepoint undoes every undo-log record with lsn > the named
// savepoint's LSN, in reverse order, then truncates the in-memory log
// there. The savepoint itself remains reachable afterward, matching
// SQL-standard ROLLBACK TO SAVEPOINT semantics.
func (m *Manager) RollbackToSavepoint(tx *Transaction, storage StorageUndoer, name string) error {
	tx.mu.Lock()
	savepointLSN, ok := tx.savepoints[name]
	tx.mu.Unlock()
	if !ok {
		return fmt.Errorf("savepoint %q not found on transaction %s", name, tx.ID)
	}

	tx.mu.Lock()
	var toUndo []undoRecord
	var keep []undoRecord
	for _, rec := range tx.undoLog {
		if rec.lsn > savepointLSN {
			toUndo = append(toUndo, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	tx.mu.Unlock()

	for i := len(toUndo) - 1; i >= 0; i-- {
		rec := toUndo[i]
		if err := storage.ApplyBeforeImage(rec.table, rec.key, rec.before); err != nil {
			return fmt.Errorf("rollback to savepoint %q: %w", name, err)
		}
		if _, err := m.wal.WriteCLR(tx.ID, rec.lsn, rec.table, rec.key, rec.before); err != nil {
			return err
		}
	}

	if _, err := m.wal.RollbackToSavepoint(tx.ID, name, savepointLSN); err != nil {
		return err
	}

	tx.mu.Lock()
	tx.undoLog = keep
	tx.mu.Unlock()

	if m.audit != nil {
		_ = m.audit.Append(txnlog.Event{TxID: tx.ID, Type: txnlog.EventRollbackToSavepoint, SavepointName: name})
	}
	return nil
}

// Commit is the two-phase commit spec §4.6 names: Prepare validates the
// tx is still Active and still holds every lock in its write-set;
// Phase 2 writes Commit, forces the log, bumps the committed-transaction
// counter (GlobalVersion), releases locks, and removes tx from the active
// map.
func (m *Manager) Commit(tx *Transaction) error {
	tx.mu.Lock()
	if tx.status != StatusActive {
		status := tx.status
		tx.mu.Unlock()
		return fmt.Errorf("cannot commit transaction %s in status %s", tx.ID, status)
	}
	tx.status = StatusPreparing
	heldResources := make([]string, 0, len(tx.lockedRes))
	for r := range tx.lockedRes {
		heldResources = append(heldResources, r)
	}
	tx.mu.Unlock()

	for _, r := range heldResources {
		if _, ok := m.locks.Held(lockmgr.TxID(tx.ID), r); !ok {
			tx.mu.Lock()
			tx.status = StatusAborting
			tx.mu.Unlock()
			return fmt.Errorf("transaction %s lost lock on %q before commit", tx.ID, r)
		}
	}

	tx.mu.Lock()
	tx.status = StatusPrepared
	tx.status = StatusCommitting
	tx.mu.Unlock()

	if m.audit != nil {
		_ = m.audit.Append(txnlog.Event{TxID: tx.ID, Type: txnlog.EventPrepare})
	}

	if err := m.wal.CommitTransaction(tx.ID); err != nil {
		return fmt.Errorf("commit transaction %s: %w", tx.ID, err)
	}

	m.mu.Lock()
	m.globalVersion++
	delete(m.active, tx.ID)
	m.mu.Unlock()

	m.locks.ReleaseAll(lockmgr.TxID(tx.ID))

	tx.mu.Lock()
	tx.status = StatusCommitted
	tx.mu.Unlock()

	if m.audit != nil {
		_ = m.audit.Append(txnlog.Event{TxID: tx.ID, Type: txnlog.EventCommit})
	}
	return nil
}

// Rollback walks the undo log in reverse, applying before-images (or
// deleting rows that had none) via storage, writes Abort, and releases
// locks.
func (m *Manager) Rollback(tx *Transaction, storage StorageUndoer) error {
	tx.mu.Lock()
	if tx.status != StatusActive && tx.status != StatusPreparing {
		status := tx.status
		tx.mu.Unlock()
		return fmt.Errorf("cannot roll back transaction %s in status %s", tx.ID, status)
	}
	tx.status = StatusAborting
	undo := make([]undoRecord, len(tx.undoLog))
	copy(undo, tx.undoLog)
	tx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		rec := undo[i]
		if storage != nil {
			if err := storage.ApplyBeforeImage(rec.table, rec.key, rec.before); err != nil {
				return fmt.Errorf("rollback transaction %s: %w", tx.ID, err)
			}
		}
	}

	if err := m.wal.AbortTransaction(tx.ID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.active, tx.ID)
	m.mu.Unlock()

	m.locks.ReleaseAll(lockmgr.TxID(tx.ID))

	tx.mu.Lock()
	tx.status = StatusAborted
	tx.mu.Unlock()

	if m.audit != nil {
		_ = m.audit.Append(txnlog.Event{TxID: tx.ID, Type: txnlog.EventAbort})
	}
	return nil
}

// CleanupTimedOut rolls back every active transaction past its timeout.
func (m *Manager) CleanupTimedOut(storage StorageUndoer) []string {
	now := time.Now()

	m.mu.Lock()
	var expired []*Transaction
	for _, tx := range m.active {
		if now.After(tx.Deadline()) {
			expired = append(expired, tx)
		}
	}
	m.mu.Unlock()

	var rolledBack []string
	for _, tx := range expired {
		if m.audit != nil {
			_ = m.audit.Append(txnlog.Event{TxID: tx.ID, Type: txnlog.EventTimeout})
		}
		if err := m.Rollback(tx, storage); err == nil {
			rolledBack = append(rolledBack, tx.ID)
		}
	}
	return rolledBack
}

// MinActiveSnapshot returns the smallest SnapshotLSN among active
// transactions, the visibility floor vacuum uses to decide which
// tombstones are safe to reclaim (any tombstone older than this floor can
// no longer be observed by any in-flight reader). Returns MaxUint64 (no
// floor) when nothing is active — grounded directly on the teacher's
// TransactionRegistry.GetMinActiveLSN.
func (m *Manager) MinActiveSnapshot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) == 0 {
		return math.MaxUint64
	}
	min := uint64(math.MaxUint64)
	for _, tx := range m.active {
		if tx.SnapshotLSN < min {
			min = tx.SnapshotLSN
		}
	}
	return min
}

// Get returns the active transaction by id, or RecordNotFound.
func (m *Manager) Get(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[id]
	if !ok {
		return nil, &nerr.RecordNotFound{Table: "transactions", Key: id}
	}
	return tx, nil
}

// ActiveCount reports how many transactions are currently active.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
