// Package txnlog implements the transaction manager's own bookkeeping log
// (logs/wal.log in spec §6's on-disk layout): a length-prefixed stream of
// JSON records, distinct from the segmented binary WAL in pkg/walseg that
// ARIES recovery reads. This stream exists for the transaction manager's
// own audit trail — isolation level, savepoint names, client-visible
// status transitions — none of which recovery needs to replay.
package txnlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType names a transaction-manager lifecycle event.
type EventType string

const (
	EventBegin               EventType = "begin"
	EventPrepare             EventType = "prepare"
	EventCommit              EventType = "commit"
	EventAbort               EventType = "abort"
	EventSavepoint           EventType = "savepoint"
	EventRollbackToSavepoint EventType = "rollback_to_savepoint"
	EventTimeout             EventType = "timeout"
)

// Event is one JSON record in the transaction bookkeeping log.
type Event struct {
	TxID          string    `json:"tx_id"`
	Type          EventType `json:"type"`
	IsolationStr  string    `json:"isolation,omitempty"`
	SavepointName string    `json:"savepoint_name,omitempty"`
	TimeUnix      int64     `json:"time_unix"`
}

// Log appends Events to logs/wal.log, length-prefixed so a reader never
// has to guess where one JSON value ends and the next begins.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// Open creates dir if needed and opens (or creates) logs/wal.log for
// append, positioned at EOF.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create txnlog dir: %w", err)
	}
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open txnlog: %w", err)
	}
	return &Log{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one event and flushes the buffered writer (not fsync —
// this stream is an audit trail, not the durability boundary; pkg/walseg
// owns force-at-commit).
func (l *Log) Append(ev Event) error {
	if ev.TimeUnix == 0 {
		ev.TimeUnix = time.Now().Unix()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal txnlog event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := binary.Write(l.w, binary.LittleEndian, uint32(len(body))); err != nil {
		return err
	}
	if _, err := l.w.Write(body); err != nil {
		return err
	}
	return l.w.Flush()
}

// ReadAll replays every event currently in the file, in append order.
func (l *Log) ReadAll() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return nil, err
	}

	r, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var events []Event
	for {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return events, err
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return events, fmt.Errorf("truncated txnlog record: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return events, fmt.Errorf("decode txnlog record: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}
