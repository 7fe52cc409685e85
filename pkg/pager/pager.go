// Package pager implements fixed-size page I/O over a single database file,
// the bottom of the engine's layering (spec §4.1). Every layer above it
// treats a page as an opaque byte slice; this package is the only one that
// knows about file offsets, checksums, and sync policy.
package pager

import (
	"fmt"
	"os"
	"sync"

	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PageSize is the fixed page size used for every page in a database file.
const PageSize = 4096

// checksumSize is the trailing CRC32 footer written when checksums are
// enabled; it eats into the page's usable payload.
const checksumSize = 4

// PageID identifies a page by its position in the file (0-indexed).
type PageID uint64

// SyncMode controls how aggressively the pager forces writes to stable
// storage.
type SyncMode int

const (
	// SyncNone adds no fsync to WritePage; as with SyncNormal, data is
	// forced to disk only by an explicit Sync() or by Close().
	SyncNone SyncMode = iota
	// SyncNormal fsyncs on Sync() calls only (the caller, e.g. the WAL,
	// decides when durability matters).
	SyncNormal
	// SyncFull fsyncs after every WritePage in addition to explicit Sync()
	// calls.
	SyncFull
)

// Options configures a Pager.
type Options struct {
	MaxFileSize     int64
	EnableChecksums bool
	SyncMode        SyncMode
	DirectIO        bool // accepted but not used; Go's stdlib has no portable O_DIRECT
}

// DefaultOptions returns a conservative configuration.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:     1 << 34, // 16 GiB
		EnableChecksums: true,
		SyncMode:        SyncNormal,
	}
}

// Pager owns the single file handle for a database file. Concurrent readers
// are permitted; writes to the same page serialize behind a per-page latch,
// while writes to different pages may proceed concurrently (ReadPage and
// WritePage issue positioned pread/pwrite calls on the shared *os.File
// without the file-level mutex; those are safe to issue concurrently on
// Unix).
type Pager struct {
	path    string
	file    *os.File
	opts    Options
	mu      sync.RWMutex // guards Close
	log     zerolog.Logger
	pageMus sync.Map // PageID -> *sync.Mutex, per-page write serialization
}

// Open opens (creating if necessary) the database file at path.
func Open(path string, opts Options) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &nerr.IoError{Op: "pager.Open", Err: err}
	}
	return &Pager{
		path: path,
		file: f,
		opts: opts,
		log:  log.With().Str("component", "pager").Str("path", path).Logger(),
	}, nil
}

func (p *Pager) pageMutex(id PageID) *sync.Mutex {
	v, _ := p.pageMus.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// slotSize is the on-disk footprint of one page, including the checksum
// footer when enabled.
func (p *Pager) slotSize() int64 {
	if p.opts.EnableChecksums {
		return PageSize + checksumSize
	}
	return PageSize
}

// ReadPage reads and returns a copy of the page's content. If checksums are
// enabled, a mismatch returns a ChecksumMismatch error rather than silently
// returning corrupt data — unlike the WAL reader, a corrupt page is not an
// expected crash artifact, so the pager does not skip it.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	slot := p.slotSize()
	buf := make([]byte, slot)

	n, err := p.file.ReadAt(buf, int64(id)*slot)
	if err != nil && n != len(buf) {
		return nil, &nerr.IoError{Op: "pager.ReadPage", Err: err}
	}

	if !p.opts.EnableChecksums {
		return buf, nil
	}

	data := buf[:PageSize]
	stored := decodeCRC(buf[PageSize:])
	if computeCRC(data) != stored {
		return nil, &nerr.ChecksumMismatch{Segment: p.path, Offset: int64(id) * slot}
	}
	return data, nil
}

// WritePage writes exactly PageSize bytes to the given page, appending a
// checksum footer if enabled. Writes to distinct pages may run concurrently;
// writes to the same page serialize on that page's latch.
func (p *Pager) WritePage(id PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("pager: WritePage expects exactly %d bytes, got %d", PageSize, len(data))
	}

	mu := p.pageMutex(id)
	mu.Lock()
	defer mu.Unlock()

	slot := p.slotSize()
	offset := int64(id) * slot

	if p.opts.MaxFileSize > 0 && offset+slot > p.opts.MaxFileSize {
		return fmt.Errorf("pager: write to page %d would exceed max file size %d", id, p.opts.MaxFileSize)
	}

	var out []byte
	if p.opts.EnableChecksums {
		out = make([]byte, PageSize+checksumSize)
		copy(out, data)
		encodeCRC(out[PageSize:], computeCRC(data))
	} else {
		out = data
	}

	if _, err := p.file.WriteAt(out, offset); err != nil {
		return &nerr.IoError{Op: "pager.WritePage", Err: err}
	}

	if p.opts.SyncMode == SyncFull {
		return p.Sync()
	}
	return nil
}

// Sync forces buffered writes to stable storage.
func (p *Pager) Sync() error {
	if err := p.file.Sync(); err != nil {
		return &nerr.IoError{Op: "pager.Sync", Err: err}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		p.log.Warn().Err(err).Msg("sync failed during close")
	}
	return p.file.Close()
}

// PageCount reports how many complete pages currently exist in the file.
func (p *Pager) PageCount() (uint64, error) {
	info, err := p.file.Stat()
	if err != nil {
		return 0, &nerr.IoError{Op: "pager.PageCount", Err: err}
	}
	return uint64(info.Size()) / uint64(p.slotSize()), nil
}

func encodeCRC(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func decodeCRC(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}
