package pager

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteReadPageRoundTrip(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "db.pages"), DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	data := bytes.Repeat([]byte{0xAB}, PageSize)
	if err := p.WritePage(3, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := p.ReadPage(3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReadPageDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.pages")
	p, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data := bytes.Repeat([]byte{0x01}, PageSize)
	if err := p.WritePage(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.Close()

	// Corrupt a byte in the page directly on disk.
	p2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	if _, err := p2.file.WriteAt([]byte{0xFF}, 10); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := p2.ReadPage(0); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestWritePageRejectsWrongSize(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "db.pages"), DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if err := p.WritePage(0, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for undersized page")
	}
}

func TestPageCount(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "db.pages"), DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	data := bytes.Repeat([]byte{0x02}, PageSize)
	for i := PageID(0); i < 3; i++ {
		if err := p.WritePage(i, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	count, err := p.PageCount()
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 pages, got %d", count)
	}
}
