// Package heap implements the row-block storage spec §3 calls the
// CompressedRowEntry format: fixed-size segment files holding
// length-prefixed, version-chained row blocks. A row's before-image stays
// reachable through PrevOffset until vacuum reclaims it, which is how the
// storage engine answers MVCC snapshot reads without a separate undo store.
package heap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nqdb/nqdb/pkg/codec"
	"github.com/nqdb/nqdb/pkg/crypto"
)

const (
	HeapMagic             = 0x4e514442       // ASCII "NQDB"
	HeapVersion           = 1                // CompressedRowEntry layout, version chains from the start
	HeaderSize            = 14               // Magic(4) + Version(2) + NextOffset(8)
	EntryHeaderSize       = 29               // Length(4) + Valid(1) + CreateLSN(8) + DeleteLSN(8) + PrevOffset(8)
	DefaultMaxSegmentSize = 64 * 1024 * 1024 // 64MB
)

// RecordHeader carries the MVCC bookkeeping spec §3 attaches to every row
// version: when it became visible, when (if ever) it stopped being visible,
// and where its predecessor in the version chain lives.
type RecordHeader struct {
	Valid      bool
	CreateLSN  uint64
	DeleteLSN  uint64 // LSN of the deletion (if valid=false)
	PrevOffset int64  // Pointer to the previous version (-1 if start of chain)
}

type Segment struct {
	ID          int
	Path        string
	StartOffset int64
	Size        int64
	File        *os.File
}

// HeapManager owns one table's row blocks, split across fixed-size segment
// files the way the catalog's tables/<table>.nqdb entry describes.
type HeapManager struct {
	basePath       string
	segments       []*Segment
	activeSegment  *Segment
	nextOffset     int64 // Global next offset across all segments
	maxSegmentSize int64
	mutex          sync.RWMutex

	codec   *codec.Codec
	wrapper crypto.Wrapper
}

// NewHeapManager opens or creates a heap rooted at path (e.g.
// "data/tables/orders" -> "data/tables/orders_001.data"). Rows are
// compressed with the default codec.New() codec and wrapped with
// crypto.NoopWrapper, so the stored payload is the compressed row, not
// encrypted.
func NewHeapManager(path string) (*HeapManager, error) {
	hm := &HeapManager{
		basePath:       path,
		segments:       make([]*Segment, 0),
		maxSegmentSize: DefaultMaxSegmentSize,
		codec:          codec.New(),
		wrapper:        crypto.NoopWrapper{},
	}

	var globalOffset int64 = 0
	id := 1

	for {
		segPath := fmt.Sprintf("%s_%03d.data", path, id)
		file, err := os.OpenFile(segPath, os.O_RDWR, 0666)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open segment %s: %w", segPath, err)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}

		size := info.Size()
		seg := &Segment{
			ID:          id,
			Path:        segPath,
			StartOffset: globalOffset,
			Size:        size,
			File:        file,
		}
		hm.segments = append(hm.segments, seg)

		globalOffset += size
		id++
	}

	if len(hm.segments) == 0 {
		return hm.createNewSegment(1, 0)
	}

	hm.activeSegment = hm.segments[len(hm.segments)-1]

	if err := hm.loadActiveSegmentState(); err != nil {
		return nil, err
	}

	return hm, nil
}

// WithCodec swaps in a specific codec (tests may want a fresh one per case).
func (h *HeapManager) WithCodec(c *codec.Codec) *HeapManager {
	h.codec = c
	return h
}

// WithWrapper swaps in an encryption-at-rest envelope implementation.
func (h *HeapManager) WithWrapper(w crypto.Wrapper) *HeapManager {
	h.wrapper = w
	return h
}

func (h *HeapManager) createNewSegment(id int, startOffset int64) (*HeapManager, error) {
	segPath := fmt.Sprintf("%s_%03d.data", h.basePath, id)
	file, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", segPath, err)
	}

	seg := &Segment{
		ID:          id,
		Path:        segPath,
		StartOffset: startOffset,
		Size:        0,
		File:        file,
	}

	h.segments = append(h.segments, seg)
	h.activeSegment = seg

	if err := h.writeHeader(seg); err != nil {
		return nil, err
	}

	seg.Size = int64(HeaderSize)
	h.nextOffset = startOffset + int64(HeaderSize)

	return h, nil
}

func (h *HeapManager) loadActiveSegmentState() error {
	if _, err := h.activeSegment.File.Seek(0, 0); err != nil {
		return err
	}

	var magic uint32
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != HeapMagic {
		return fmt.Errorf("invalid heap file magic in segment %d", h.activeSegment.ID)
	}

	var version uint16
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != HeapVersion {
		return fmt.Errorf("unsupported heap version: %d", version)
	}

	var localNextOffset int64
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &localNextOffset); err != nil {
		return err
	}

	h.nextOffset = h.activeSegment.StartOffset + localNextOffset

	stat, _ := h.activeSegment.File.Stat()
	if stat.Size() > localNextOffset {
		// Crash recovery: data was appended but the header update never
		// landed. Trust the file size and repair the header.
		h.nextOffset = h.activeSegment.StartOffset + stat.Size()
		_ = h.updateNextOffset()
	}

	return nil
}

func (h *HeapManager) writeHeader(seg *Segment) error {
	if _, err := seg.File.Seek(0, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint32(HeapMagic)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint16(HeapVersion)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, int64(HeaderSize)); err != nil {
		return err
	}
	return seg.File.Sync()
}

func (h *HeapManager) updateNextOffset() error {
	seg := h.activeSegment
	pos, err := seg.File.Seek(6, 0) // Skip Magic(4) + Version(2)
	if err != nil {
		return err
	}
	if pos != 6 {
		return fmt.Errorf("seek failed")
	}
	localOffset := h.nextOffset - seg.StartOffset
	return binary.Write(seg.File, binary.LittleEndian, localOffset)
}

// Write compresses and optionally envelopes row, appends it (chained to
// prevOffset for MVCC), and returns its global offset.
func (h *HeapManager) Write(row []byte, createLSN uint64, prevOffset int64) (int64, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	compressed := h.codec.Encode(row)
	env, err := h.wrapper.Wrap(compressed)
	if err != nil {
		return 0, fmt.Errorf("wrap row: %w", err)
	}
	doc := env.Ciphertext

	neededSize := int64(EntryHeaderSize + len(doc))
	currentLocalOffset := h.nextOffset - h.activeSegment.StartOffset

	if currentLocalOffset+neededSize > h.maxSegmentSize {
		newID := h.activeSegment.ID + 1
		if _, err := h.createNewSegment(newID, h.nextOffset); err != nil {
			return 0, fmt.Errorf("failed to rotate segment: %w", err)
		}
	}

	offset := h.nextOffset
	seg := h.activeSegment
	localOffset := offset - seg.StartOffset

	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return 0, err
	}

	docLen := uint32(len(doc))
	if err := binary.Write(seg.File, binary.LittleEndian, docLen); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint8(1)); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, createLSN); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint64(0)); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, prevOffset); err != nil {
		return 0, err
	}
	if _, err := seg.File.Write(doc); err != nil {
		return 0, err
	}

	h.nextOffset += int64(EntryHeaderSize + int(docLen))
	seg.Size = h.nextOffset - seg.StartOffset

	if err := h.updateNextOffset(); err != nil {
		return 0, err
	}

	return offset, nil
}

func (h *HeapManager) getSegmentForOffset(offset int64) (*Segment, error) {
	for _, seg := range h.segments {
		if offset >= seg.StartOffset && offset < (seg.StartOffset+seg.Size) {
			return seg, nil
		}
	}
	if offset < h.nextOffset && offset >= h.activeSegment.StartOffset {
		return h.activeSegment, nil
	}
	return nil, fmt.Errorf("segment not found for offset %d", offset)
}

// Read retrieves and decompresses a row from the given offset, returning
// its MVCC header alongside the plaintext bytes.
func (h *HeapManager) Read(offset int64) ([]byte, *RecordHeader, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	seg, err := h.getSegmentForOffset(offset)
	if err != nil {
		return nil, nil, err
	}

	localOffset := offset - seg.StartOffset
	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return nil, nil, err
	}

	var docLen uint32
	if err := binary.Read(seg.File, binary.LittleEndian, &docLen); err != nil {
		return nil, nil, err
	}
	var valid uint8
	if err := binary.Read(seg.File, binary.LittleEndian, &valid); err != nil {
		return nil, nil, err
	}
	var createLSN uint64
	if err := binary.Read(seg.File, binary.LittleEndian, &createLSN); err != nil {
		return nil, nil, err
	}
	var deleteLSN uint64
	if err := binary.Read(seg.File, binary.LittleEndian, &deleteLSN); err != nil {
		return nil, nil, err
	}
	var prevOffset int64
	if err := binary.Read(seg.File, binary.LittleEndian, &prevOffset); err != nil {
		return nil, nil, err
	}

	header := &RecordHeader{
		Valid:      valid == 1,
		CreateLSN:  createLSN,
		DeleteLSN:  deleteLSN,
		PrevOffset: prevOffset,
	}

	doc := make([]byte, docLen)
	if _, err := io.ReadFull(seg.File, doc); err != nil {
		return nil, nil, err
	}

	plain, err := h.wrapper.Unwrap(&crypto.Envelope{Ciphertext: doc})
	if err != nil {
		return nil, nil, fmt.Errorf("unwrap row at offset %d: %w", offset, err)
	}
	row, err := h.codec.Decode(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("decode row at offset %d: %w", offset, err)
	}

	return row, header, nil
}

// Delete marks a row version invalid in place (lazy deletion); the version
// chain and its bytes stay on disk until vacuum reclaims them.
func (h *HeapManager) Delete(offset int64, deleteLSN uint64) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	seg, err := h.getSegmentForOffset(offset)
	if err != nil {
		return err
	}

	localOffset := offset - seg.StartOffset
	validOffset := localOffset + 4
	deleteLSNOffset := localOffset + 4 + 1 + 8

	if _, err := seg.File.Seek(validOffset, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}

	if _, err := seg.File.Seek(deleteLSNOffset, 0); err != nil {
		return err
	}
	return binary.Write(seg.File, binary.LittleEndian, deleteLSN)
}

func (h *HeapManager) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var firstErr error
	for _, seg := range h.segments {
		if seg.File != nil {
			if err := seg.File.Close(); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Path returns the base path of the heap.
func (h *HeapManager) Path() string {
	return h.basePath
}

// HeapIterator walks every row version across all of a heap's segments, in
// on-disk order, used by the storage engine's primary-key index rebuild
// (on open, and after Vacuum or an ALTER TABLE rewrite).
type HeapIterator struct {
	hm          *HeapManager
	segmentIdx  int
	currentFile *os.File
	currentPos  int64
}

func (h *HeapManager) NewIterator() (*HeapIterator, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(h.segments) == 0 {
		return nil, fmt.Errorf("no segments to iterate")
	}

	seg := h.segments[0]
	f, err := os.Open(seg.Path)
	if err != nil {
		return nil, err
	}

	return &HeapIterator{
		hm:          h,
		segmentIdx:  0,
		currentFile: f,
		currentPos:  HeaderSize,
	}, nil
}

// Next returns the next row's plaintext bytes, MVCC header, and global
// offset. Returns io.EOF when done.
func (it *HeapIterator) Next() ([]byte, *RecordHeader, int64, error) {
	for {
		it.hm.mutex.RLock()
		if it.segmentIdx >= len(it.hm.segments) {
			it.hm.mutex.RUnlock()
			return nil, nil, 0, io.EOF
		}
		seg := it.hm.segments[it.segmentIdx]
		startOffset := seg.StartOffset
		it.hm.mutex.RUnlock()

		globalOffset := startOffset + it.currentPos

		if _, err := it.currentFile.Seek(it.currentPos, 0); err != nil {
			return nil, nil, 0, err
		}

		headerBuf := make([]byte, EntryHeaderSize)
		if _, err := io.ReadFull(it.currentFile, headerBuf); err != nil {
			if err == io.EOF {
				if err := it.nextSegment(); err != nil {
					return nil, nil, 0, err
				}
				continue
			}
			return nil, nil, 0, err
		}

		docLen := binary.LittleEndian.Uint32(headerBuf[0:4])
		valid := headerBuf[4]
		createLSN := binary.LittleEndian.Uint64(headerBuf[5:13])
		deleteLSN := binary.LittleEndian.Uint64(headerBuf[13:21])
		prevOffset := int64(binary.LittleEndian.Uint64(headerBuf[21:29]))

		doc := make([]byte, docLen)
		if _, err := io.ReadFull(it.currentFile, doc); err != nil {
			return nil, nil, 0, err
		}

		it.currentPos += int64(EntryHeaderSize + int(docLen))

		header := &RecordHeader{
			Valid:      valid == 1,
			CreateLSN:  createLSN,
			DeleteLSN:  deleteLSN,
			PrevOffset: prevOffset,
		}

		plain, err := it.hm.wrapper.Unwrap(&crypto.Envelope{Ciphertext: doc})
		if err != nil {
			return nil, nil, 0, fmt.Errorf("unwrap row at offset %d: %w", globalOffset, err)
		}
		row, err := it.hm.codec.Decode(plain)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("decode row at offset %d: %w", globalOffset, err)
		}

		return row, header, globalOffset, nil
	}
}

func (it *HeapIterator) nextSegment() error {
	it.currentFile.Close()
	it.segmentIdx++

	it.hm.mutex.RLock()
	defer it.hm.mutex.RUnlock()

	if it.segmentIdx >= len(it.hm.segments) {
		return io.EOF
	}

	seg := it.hm.segments[it.segmentIdx]
	f, err := os.Open(seg.Path)
	if err != nil {
		return err
	}
	it.currentFile = f
	it.currentPos = HeaderSize
	return nil
}

func (it *HeapIterator) Close() {
	if it.currentFile != nil {
		it.currentFile.Close()
	}
}
