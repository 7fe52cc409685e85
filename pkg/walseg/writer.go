package walseg

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const segmentPrefix = "wal-"
const segmentSuffix = ".log"

func segmentName(n int) string {
	return fmt.Sprintf("%s%08d%s", segmentPrefix, n, segmentSuffix)
}

func parseSegmentNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listSegments returns every segment number present in dir, sorted
// ascending. Returns an empty slice (not an error) if dir does not exist.
func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		if n, ok := parseSegmentNumber(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	return nums, nil
}

// Writer is the append-only, segmented Log Writer of spec §4.2. It owns the
// monotonic LSN counter, the current open segment, and (optionally) a
// group-commit batcher.
type Writer struct {
	mu         sync.Mutex
	dir        string
	opts       Options
	curNum     int
	curFile    *os.File
	curWriter  *bufio.Writer
	curSize    int64
	lastLSN    uint64
	log        zerolog.Logger
	gc         *groupCommitter
	closed     bool
}

// Open opens (or creates) the segmented WAL directory, scans existing
// segments to recover the LSN high-water mark, and opens the newest segment
// for appending.
func Open(opts Options) (*Writer, error) {
	if err := os.MkdirAll(opts.DirPath, 0755); err != nil {
		return nil, &nerr.IoError{Op: "walseg.Open", Err: err}
	}

	nums, err := listSegments(opts.DirPath)
	if err != nil {
		return nil, &nerr.IoError{Op: "walseg.Open", Err: err}
	}

	w := &Writer{
		dir:  opts.DirPath,
		opts: opts,
		log:  log.With().Str("component", "walseg").Logger(),
	}

	if len(nums) == 0 {
		if err := w.openSegment(0); err != nil {
			return nil, err
		}
	} else {
		last := nums[len(nums)-1]
		if err := w.openSegment(last); err != nil {
			return nil, err
		}
		maxLSN, err := w.scanMaxLSN()
		if err != nil {
			return nil, err
		}
		w.lastLSN = maxLSN
	}

	if opts.GroupCommitEnabled {
		w.gc = newGroupCommitter(w, opts)
		w.gc.start()
	}

	return w, nil
}

func (w *Writer) openSegment(n int) error {
	path := filepath.Join(w.dir, segmentName(n))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return &nerr.IoError{Op: "walseg.openSegment", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return &nerr.IoError{Op: "walseg.openSegment", Err: err}
	}
	w.curNum = n
	w.curFile = f
	w.curWriter = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.curSize = info.Size()
	return nil
}

// scanMaxLSN reads every segment from 0 through the currently open one,
// returning the highest LSN seen. Records with a bad checksum are logged
// and skipped rather than treated as fatal — a half-written trailing record
// at crash time is expected.
func (w *Writer) scanMaxLSN() (uint64, error) {
	nums, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}
	var maxLSN uint64
	for _, n := range nums {
		f, err := os.Open(filepath.Join(w.dir, segmentName(n)))
		if err != nil {
			return 0, &nerr.IoError{Op: "walseg.scanMaxLSN", Err: err}
		}
		for {
			rec, err := Decode(f)
			if err == nil {
				if rec.LSN > maxLSN {
					maxLSN = rec.LSN
				}
				continue
			}
			if IsChecksumMismatch(err) {
				w.log.Warn().Int("segment", n).Msg("checksum mismatch while scanning LSN high-water mark, skipping rest of segment")
				break
			}
			break // EOF or truncated trailing frame
		}
		f.Close()
	}
	return maxLSN, nil
}

// NextLSN allocates and returns the next LSN without writing a record. Used
// by the WAL Manager, which assigns an LSN before constructing the record
// it belongs to.
func (w *Writer) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastLSN++
	return w.lastLSN
}

// Append writes one record. If group commit is enabled the call blocks
// until the record's batch has been flushed to stable storage; otherwise it
// fsyncs immediately (per spec: "if group commit is off").
func (w *Writer) Append(rec *Record) error {
	if w.gc != nil {
		return w.gc.submit(rec)
	}
	if err := w.appendLocked(rec); err != nil {
		return err
	}
	return w.Flush()
}

// appendLocked is the raw write path shared by the direct-append case and
// the group-commit flusher: serialize the frame, write it, rotate the
// segment if the size threshold has been crossed.
func (w *Writer) appendLocked(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("walseg: writer closed")
	}

	frame := rec.Encode()
	n, err := w.curWriter.Write(frame)
	if err != nil {
		return &nerr.IoError{Op: "walseg.Append", Err: err}
	}
	w.curSize += int64(n)

	if w.curSize >= w.opts.SegmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) rotateLocked() error {
	if err := w.curWriter.Flush(); err != nil {
		return &nerr.IoError{Op: "walseg.rotate", Err: err}
	}
	if err := w.curFile.Sync(); err != nil {
		return &nerr.IoError{Op: "walseg.rotate", Err: err}
	}
	if err := w.curFile.Close(); err != nil {
		return &nerr.IoError{Op: "walseg.rotate", Err: err}
	}
	next := w.curNum + 1
	if err := w.openSegment(next); err != nil {
		return err
	}
	w.log.Debug().Int("segment", next).Msg("segment rotated")
	return w.pruneLocked()
}

// pruneLocked deletes every segment except the newest MinSegmentsToKeep.
// rotateLocked calls it on every rotation; it does not check whether an
// older segment is still needed for recovery.
func (w *Writer) pruneLocked() error {
	if w.opts.MinSegmentsToKeep <= 0 {
		return nil
	}
	nums, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	keepFrom := len(nums) - w.opts.MinSegmentsToKeep
	for i := 0; i < keepFrom; i++ {
		_ = os.Remove(filepath.Join(w.dir, segmentName(nums[i])))
	}
	return nil
}

// Flush forces buffered writes for the current segment to stable storage.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.curWriter.Flush(); err != nil {
		return &nerr.IoError{Op: "walseg.Flush", Err: err}
	}
	return w.curFile.Sync()
}

// ReadFrom scans every segment up through the current one and returns every
// record with LSN >= startLSN, in LSN order. Checksum mismatches are logged
// and the offending record dropped; scanning continues from the next frame
// boundary it can find (in practice: the rest of that segment, since a
// corrupt length prefix makes further framing in the same segment
// unreliable — this mirrors the teacher WAL reader's stance that corruption
// at the tail is an expected, not fatal, crash artifact).
func (w *Writer) ReadFrom(startLSN uint64) ([]*Record, error) {
	nums, err := listSegments(w.dir)
	if err != nil {
		return nil, err
	}

	var out []*Record
	for _, n := range nums {
		f, err := os.Open(filepath.Join(w.dir, segmentName(n)))
		if err != nil {
			return nil, &nerr.IoError{Op: "walseg.ReadFrom", Err: err}
		}
		for {
			rec, err := Decode(f)
			if err == nil {
				if rec.LSN >= startLSN {
					out = append(out, rec)
				}
				continue
			}
			if IsChecksumMismatch(err) {
				w.log.Warn().Int("segment", n).Uint64("lsn", rec.LSN).Msg("checksum mismatch, dropping record")
				break
			}
			break
		}
		f.Close()
	}
	return out, nil
}

// Close flushes and closes the current segment, stopping the group
// committer if one is running.
func (w *Writer) Close() error {
	if w.gc != nil {
		w.gc.stop()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.curWriter.Flush(); err != nil {
		w.curFile.Close()
		return &nerr.IoError{Op: "walseg.Close", Err: err}
	}
	if err := w.curFile.Sync(); err != nil {
		w.curFile.Close()
		return &nerr.IoError{Op: "walseg.Close", Err: err}
	}
	return w.curFile.Close()
}

// Dir reports the WAL directory.
func (w *Writer) Dir() string { return w.dir }
