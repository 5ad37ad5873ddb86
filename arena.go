package csprof

import "sync"

// DefaultArenaSize is the initial size of a new arena segment (§4.1).
// PROF_MEM_SZ overrides it (§6.2).
const DefaultArenaSize = 2 << 20 // 2 MiB

const arenaAlign = 8

// arenaSegment is one heap-allocated chunk of bump-allocated memory. The
// bookkeeping (offset, capacity) lives alongside the segment itself rather
// than in a side table, mirroring csprof_mem.c's choice to avoid a metadata
// region that could itself require allocation.
type arenaSegment struct {
	data []byte
	off  int
	next *arenaSegment
}

func newArenaSegment(size int) *arenaSegment {
	return &arenaSegment{data: make([]byte, size)}
}

func (s *arenaSegment) alloc(n int) (unsafePtr []byte, ok bool) {
	off := (s.off + arenaAlign - 1) &^ (arenaAlign - 1)
	if off+n > len(s.data) {
		return nil, false
	}
	b := s.data[off : off+n : off+n]
	s.off = off + n
	return b, true
}

// Arena is a per-thread bump allocator with growth. It never fails while the
// process has memory left to give it: on exhaustion it grows a new segment,
// doubling the previous size, and retries. There is no per-allocation free;
// the whole arena is released at once when the owning thread tears down.
//
// Bulk reset is only permitted on a scratch (non-persistent) arena.
// ThreadState owns no Arena: CCT nodes come from a TypedArena, unwind
// frames from the BacktraceBuffer, and epoch records from the Go heap.
type Arena struct {
	mu      sync.Mutex
	head    *arenaSegment
	size    int
	onGrow  func(newSize int) bool // returns false if the OS denies the mapping
	persist bool
}

// ArenaOption configures an Arena returned by NewArena.
type ArenaOption func(*Arena)

// WithGrowthProbe installs a callback invoked every time the arena needs a
// new segment, before it actually grows; returning false simulates mmap
// failure and causes Alloc to report KindArenaExhausted instead of aborting
// the process outright, which is convenient for tests. Production callers
// normally leave this unset so growth always succeeds until make() panics.
func WithGrowthProbe(probe func(newSize int) bool) ArenaOption {
	return func(a *Arena) { a.onGrow = probe }
}

// NewArena constructs an arena whose first segment holds at least
// initialSize bytes. Scratch arenas should pass persist=false so Reset is
// permitted; persistent arenas pass persist=true and panic if Reset is
// called, since CCT nodes must never be invalidated mid-profile.
func NewArena(initialSize int, persist bool, opts ...ArenaOption) *Arena {
	if initialSize <= 0 {
		initialSize = DefaultArenaSize
	}
	a := &Arena{size: initialSize, persist: persist}
	for _, opt := range opts {
		opt(a)
	}
	a.head = newArenaSegment(initialSize)
	return a
}

// Alloc returns a pointer to an uninitialized, 8-byte-aligned region of at
// least n bytes. It never returns an error in normal operation: when the
// current segment is full it grows (doubling) and retries. Fatal only if the
// growth probe says the OS denied the mapping.
func (a *Arena) Alloc(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.head.alloc(n); ok {
		return b, nil
	}

	newSize := a.size * 2
	for newSize < n+arenaAlign {
		newSize *= 2
	}
	if a.onGrow != nil && !a.onGrow(newSize) {
		return nil, faultf(KindArenaExhausted, nil, "failed to grow arena to %d bytes", newSize)
	}

	seg := newArenaSegment(newSize)
	seg.next = a.head
	a.head = seg
	a.size = newSize

	b, ok := a.head.alloc(n)
	if !ok {
		// n itself is larger than a freshly doubled segment; give it its
		// own exactly-sized segment instead of looping forever.
		seg := newArenaSegment(n + arenaAlign)
		seg.next = a.head
		a.head = seg
		b, _ = a.head.alloc(n)
	}
	return b, nil
}

// Reset bulk-frees every segment but the most recently allocated one,
// retaining its capacity so the next sample's unwind doesn't immediately
// need to grow again. Only valid on scratch (non-persistent) arenas.
func (a *Arena) Reset() {
	if a.persist {
		panic("csprof: Reset called on a persistent arena")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.head.off = 0
	a.head.next = nil
}

// Release drops every segment. Called once at thread teardown after the
// thread's CCT has been serialized.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.head = nil
}

// TypedArena is the same bump-and-grow, no-individual-free discipline as
// Arena, specialized to a Go type instead of raw bytes. CCT nodes and epoch
// records are lifetime-free exactly like the scratch unwind buffers (C1),
// but they are Go structs holding pointers, so they are handed out from a
// slab of T rather than from an []byte. Epoch records are not allocated
// from either arena, and neither LIP blobs nor the serializer use the byte
// Arena.
type TypedArena[T any] struct {
	slabs   [][]T
	cur     []T
	off     int
	minSize int
}

// NewTypedArena constructs a typed arena whose first slab holds at least
// minSlabLen elements.
func NewTypedArena[T any](minSlabLen int) *TypedArena[T] {
	if minSlabLen <= 0 {
		minSlabLen = 64
	}
	a := &TypedArena[T]{minSize: minSlabLen}
	a.grow(minSlabLen)
	return a
}

func (a *TypedArena[T]) grow(size int) {
	a.cur = make([]T, size)
	a.slabs = append(a.slabs, a.cur)
	a.off = 0
}

// Alloc returns a pointer to a fresh, zero-valued T. The pointer remains
// valid for the arena's lifetime; there is no way to free a single T.
func (a *TypedArena[T]) Alloc() *T {
	if a.off == len(a.cur) {
		a.grow(len(a.cur) * 2)
	}
	t := &a.cur[a.off]
	a.off++
	return t
}

// Release drops every slab.
func (a *TypedArena[T]) Release() {
	a.slabs = nil
	a.cur = nil
	a.off = 0
}
