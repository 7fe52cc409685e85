package types

import "sync"

// Arena is a reference-counted byte-buffer pool implementing the
// shared-ownership discipline spec §9 calls for: "in a language without
// ref-counted primitives, use an arena of byte buffers with opaque handles
// and a per-transaction reference set." Each Handle owns one buffer; Retain
// bumps its refcount, Release drops it and frees the buffer once it hits
// zero. Handles from the same Arena compare by identity, not content — two
// Intern calls with equal bytes get distinct handles, matching Rc::new(s)
// semantics rather than string interning.
type Arena struct {
	mu sync.Mutex
	// live tracks outstanding handles only for diagnostics (LiveHandles);
	// the handles themselves carry their own refcount and do not need the
	// arena to look them up.
	live int64
}

// NewArena creates an empty arena.
func NewArena() *Arena { return &Arena{} }

// Handle is an opaque, ref-counted reference to a byte buffer.
type Handle struct {
	arena *Arena
	mu    sync.Mutex
	buf   []byte
	refs  int32
}

// Intern allocates a new handle owning a private copy of b.
func (a *Arena) Intern(b []byte) *Handle {
	owned := make([]byte, len(b))
	copy(owned, b)

	a.mu.Lock()
	a.live++
	a.mu.Unlock()

	return &Handle{arena: a, buf: owned, refs: 1}
}

// Bytes returns the handle's backing buffer. The returned slice must not be
// mutated by callers — it may be shared across every clone of the value
// that holds this handle.
func (h *Handle) Bytes() []byte {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf
}

func (h *Handle) retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

func (h *Handle) release() {
	h.mu.Lock()
	h.refs--
	dead := h.refs <= 0
	h.mu.Unlock()

	if dead {
		h.arena.mu.Lock()
		h.arena.live--
		h.arena.mu.Unlock()
	}
}

// LiveHandles reports the number of handles allocated from this arena that
// have not yet been fully released. Useful in tests asserting that row
// clones in join-style execution don't leak shared buffers.
func (a *Arena) LiveHandles() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
