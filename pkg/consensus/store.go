package consensus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketMeta    = []byte("meta")
	bucketLog     = []byte("log")
	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
)

// LogEntry is one entry in the replicated log, as held in memory and
// persisted. Data carries the opaque command payload the registered
// state-machine callback interprets.
type LogEntry struct {
	Index    uint64
	Term     uint64
	Sequence uint64 // fencing-token sequence, assigned once at propose time
	Data     []byte
}

// Store persists current_term, voted_for, and the log entries a node needs
// to survive a restart, backed by bbolt the way cuemby/warren's raft setup
// leans on an embedded KV store for the same job instead of hand-rolling a
// second on-disk log format next to the storage engine's own WAL.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) the bbolt file at path and ensures
// its buckets exist.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open consensus store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLog)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init consensus store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error { return s.db.Close() }

// LoadState reads the persisted term and vote, defaulting to (0, "") for a
// brand-new store.
func (s *Store) LoadState() (term uint64, votedFor string, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyCurrentTerm); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(keyVotedFor); v != nil {
			votedFor = string(v)
		}
		return nil
	})
	return term, votedFor, err
}

// SaveState persists term and the candidate voted for this term. Must be
// forced to disk before a vote is granted or a term is adopted, so a crash
// can never cause a double vote in the same term.
func (s *Store) SaveState(term uint64, votedFor string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], term)
		if err := b.Put(keyCurrentTerm, buf[:]); err != nil {
			return err
		}
		return b.Put(keyVotedFor, []byte(votedFor))
	})
}

// AppendEntries appends entries to the persisted log, overwriting any
// existing entries at or after the first new entry's index (truncate on
// conflict, per spec §4.8 rule 5).
func (s *Store) AppendEntries(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var firstIdxBuf [8]byte
		binary.BigEndian.PutUint64(firstIdxBuf[:], entries[0].Index)
		for k, _ := c.Seek(firstIdxBuf[:]); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, e := range entries {
			var kb [8]byte
			binary.BigEndian.PutUint64(kb[:], e.Index)
			v, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(kb[:], v); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateFrom deletes every entry at index >= from.
func (s *Store) TruncateFrom(from uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var kb [8]byte
		binary.BigEndian.PutUint64(kb[:], from)
		for k, _ := c.Seek(kb[:]); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the entry at index, or ok=false if none is stored there.
func (s *Store) Get(index uint64) (entry LogEntry, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		var kb [8]byte
		binary.BigEndian.PutUint64(kb[:], index)
		v := b.Get(kb[:])
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &entry)
	})
	return entry, ok, err
}

// LastIndexTerm returns the index and term of the last log entry, or
// (0, 0) for an empty log.
func (s *Store) LastIndexTerm() (index, term uint64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		var e LogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		index, term = e.Index, e.Term
		return nil
	})
	return index, term, err
}

// Entries returns every entry with index in [from, to], inclusive.
func (s *Store) Entries(from, to uint64) ([]LogEntry, error) {
	var out []LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var fromBuf [8]byte
		binary.BigEndian.PutUint64(fromBuf[:], from)
		for k, v := c.Seek(fromBuf[:]); k != nil; k, v = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if idx > to {
				break
			}
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
