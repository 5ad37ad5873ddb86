package csprof

// Flag is a bit in ThreadState.Flags (§4.4).
type Flag uint32

const (
	FlagExcHandling Flag = 1 << iota
	FlagThruTramp
	FlagTailCall
	FlagEpilogueRAReloaded
	FlagEpilogueSPReset
	FlagSignaledDuringTrampoline
	FlagMallocingDuringRealloc
)

// PersistentIdentity names a thread for filename generation (§4.4, §4.8).
type PersistentIdentity struct {
	HostID uint64
	PID    uint64
	ThrID  uint64
	NInit  uint32
}

// BacktraceBuffer is the per-thread contiguous frame buffer of §3.3. Two
// regions coexist: the frames written by the unwind currently in progress,
// and the innermost portion of the previous sample's stack retained for
// fast-path common-prefix matching. It grows (by doubling, via append) when
// the in-progress region catches up to the cached region.
type BacktraceBuffer struct {
	cur  []Frame // [btbuf, unwind): the unwind currently in progress
	prev []Frame // [bufstk, bufend): the previous sample, cached
}

// BeginUnwind resets the in-progress region. The cached region from the
// previous sample is left untouched until CommitSample promotes the new
// one.
func (b *BacktraceBuffer) BeginUnwind() {
	b.cur = b.cur[:0]
}

// Push appends one frame (innermost-first order) to the in-progress region.
func (b *BacktraceBuffer) Push(f Frame) {
	b.cur = append(b.cur, f)
}

// Frames returns the frames collected by the unwind in progress, still in
// innermost-first order.
func (b *BacktraceBuffer) Frames() []Frame {
	return b.cur
}

// CommitSample promotes the in-progress region to be the cached previous
// sample, for the next unwind's common-prefix check.
func (b *BacktraceBuffer) CommitSample() {
	b.prev = append(b.prev[:0], b.cur...)
}

// Cached returns the previous sample's frames.
func (b *BacktraceBuffer) Cached() []Frame {
	return b.prev
}

// TruncateCachedTo drops every cached frame whose SP lies below targetSP —
// the frames a non-local exit jumps past and which will never unwind
// normally again — keeping the rest in the same innermost-first order
// (§4.5.3/§9 step (b)).
func (b *BacktraceBuffer) TruncateCachedTo(targetSP uint64) {
	i := 0
	for i < len(b.prev) && b.prev[i].SP < targetSP {
		i++
	}
	b.prev = b.prev[i:]
}

// ThreadState is the per-thread profiling record of §4.4, reachable via
// thread-local storage in the host injection layer. It is mutated only by
// its owning thread, except that the signal handler also runs on that
// thread's own stack and may mutate it too — never concurrently, since
// handlers never run concurrently on the same thread (§4.7.1).
type ThreadState struct {
	Flags Flag

	buf *BacktraceBuffer

	// Cursor is the CCT node reached by the previous sample. onSignal
	// inserts every full backtrace from the tree root and then moves
	// Cursor to the new leaf; after an epoch fork it rests on the leaf of
	// the cached backtrace replayed into the fresh tree.
	Cursor *Node

	Identity PersistentIdentity

	// TrampolineSamples counts samples dropped outright by on_signal's
	// safety gate (unsafe context, epoch locked, EXC_HANDLING set) per
	// §4.5.4/§7 Scenario 4/B2. Samples dropped for a bad unwind go to
	// BadUnwindCount instead.
	TrampolineSamples uint64
	BadUnwindCount    uint64

	// CSData is the thread's own CCT plus cached node-count.
	CSData *CCT

	// Epoch is the epoch this CCT was last updated under.
	Epoch *Epoch

	// LushAgents are optional logical-unwinder plug-ins, borrowed from
	// process-wide state (§4.4, §9 "Dynamic dispatch").
	LushAgents []LogicalUnwinder

	// Next chains to the CCT from a prior epoch once an epoch fork has
	// happened (§4.2 "Sample interaction"); nil until the first fork.
	Next *ThreadState

	// SwizzleReturn/SwizzlePatch record the most recent patch installed by
	// Trampoline.Install for this thread (§4.5.3); Uninstall does not reset
	// them.
	SwizzleReturn uint64
	SwizzlePatch  trampolinePatch
}

// LogicalUnwinder is the capability trait a logical-unwinder plug-in
// implements (§9 "Dynamic dispatch"): step from one logical frame to its
// caller, assign it a LIP, and classify the association with the
// physical frames it corresponds to.
type LogicalUnwinder interface {
	Step(ip uint64) (logicalIP uint64, ok bool)
	Lipid(ip uint64) LIP
	Associate(ip uint64) AssocInfo
}

// NewThreadState allocates a fresh per-thread record, with a buffer and an
// empty CCT rooted under the given creation-context chain (ctxt may be nil
// for the process's first thread). ids must be the single IDAllocator shared
// by every thread in the process, so persistent IDs never collide.
func NewThreadState(identity PersistentIdentity, epoch *Epoch, ctxt *CtxtChain, ids *IDAllocator) *ThreadState {
	cct := NewCCT(nil, ctxt, ids)
	return &ThreadState{
		buf:      &BacktraceBuffer{},
		Cursor:   cct.Root,
		Identity: identity,
		CSData:   cct,
		Epoch:    epoch,
	}
}

func (s *ThreadState) setFlag(f Flag) { s.Flags |= f }

func (s *ThreadState) clearFlag(f Flag) { s.Flags &^= f }

func (s *ThreadState) hasFlag(f Flag) bool { return s.Flags&f != 0 }

// ClearSampleFlags clears the per-sample transient flags at the end of
// on_signal (§4.7.3), leaving EXC_HANDLING and the trampoline/realloc flags
// which have their own, longer lifetimes.
func (s *ThreadState) ClearSampleFlags() {
	s.clearFlag(FlagThruTramp | FlagTailCall | FlagEpilogueRAReloaded | FlagEpilogueSPReset)
}

// Buffer returns the thread's backtrace buffer.
func (s *ThreadState) Buffer() *BacktraceBuffer { return s.buf }
