package csprof

import "sync"

// trampolinePatch records what a tail-call trampoline overwrote so it can be
// restored once the frame it was protecting returns (§4.5.3). It is the
// bookkeeping analog of a simple per-thread tail-call bit, generalized from
// "is tail-call happening" (a single bit per thread) to "what exactly do I
// need to put back."
type trampolinePatch struct {
	// site is the return-address slot that was overwritten, so Uninstall
	// knows where to write originalRA back.
	site addr
	// originalRA is the return address the trampoline replaced.
	originalRA uint64
	// trampolineEntry is the address the profiler redirected the return
	// to. on_signal does not compare the interrupted IP against it.
	trampolineEntry uint64
	active          bool
}

// trampolineDepth is a per-thread doubling stack of installed patches:
// tail-call elimination can nest (a tail call out of a tail call), so one
// patch isn't enough, and the common case is shallow enough that a slice
// with spare capacity beats a linked list.
type trampolineDepth struct {
	mu     sync.Mutex
	frames []trampolinePatch
}

func (d *trampolineDepth) push(p trampolinePatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, p)
}

func (d *trampolineDepth) pop() (trampolinePatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return trampolinePatch{}, false
	}
	p := d.frames[len(d.frames)-1]
	d.frames = d.frames[:len(d.frames)-1]
	return p, true
}

func (d *trampolineDepth) peek() (trampolinePatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return trampolinePatch{}, false
	}
	return d.frames[len(d.frames)-1], true
}

func (d *trampolineDepth) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

// Trampoline is the optional tail-call backend of §4.5.3: instead of relying
// on the stack-walk heuristics above to recover a return address through a
// tail-called frame, it patches the RA slot itself to redirect through a
// known trampoline entry point, recording enough to restore the original
// RA on return. It does not reconstruct an elided logical frame at sample
// time.
type Trampoline struct {
	// Entry is the trampoline's own code address, written into every
	// patched RA slot. A signal landing in the trampoline's code is
	// dropped by the sampler's safety gate (SafetyTable.Trampoline).
	Entry uint64

	mu     sync.Mutex
	depths map[uint64]*trampolineDepth // keyed by thread identity
}

// NewTrampoline constructs a trampoline backend whose redirected returns all
// land at entry.
func NewTrampoline(entry uint64) *Trampoline {
	return &Trampoline{Entry: entry, depths: make(map[uint64]*trampolineDepth)}
}

func (t *Trampoline) depthFor(thr uint64) *trampolineDepth {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.depths[thr]
	if !ok {
		d = &trampolineDepth{}
		t.depths[thr] = d
	}
	return d
}

// Install patches the return-address slot at site, which currently holds
// originalRA, to instead point at the trampoline entry, and records the
// patch on state so a later Uninstall (or the sampler recognizing a signal
// at Entry) can restore it. mem must support writes; a Mem implementation
// that only reads cannot drive the trampoline backend, which is why this
// takes a separate write function rather than widening the Mem interface
// every unwind-only caller would otherwise have to implement.
func (t *Trampoline) Install(write func(addr, uint64) bool, state *ThreadState, site addr, originalRA uint64) error {
	if !write(site, t.Entry) {
		return faultf(KindBadUnwind, nil, "trampoline: failed to patch RA slot at %#x", site)
	}
	patch := trampolinePatch{site: site, originalRA: originalRA, trampolineEntry: t.Entry, active: true}
	t.depthFor(state.Identity.ThrID).push(patch)
	state.SwizzleReturn = originalRA
	state.SwizzlePatch = patch
	state.setFlag(FlagThruTramp)
	return nil
}

// Uninstall restores the most recently installed patch for the given
// thread, called when that frame actually returns (observed by the
// trampoline's own code redirecting back into the real caller).
func (t *Trampoline) Uninstall(write func(addr, uint64) bool, state *ThreadState) (trampolinePatch, error) {
	d := t.depthFor(state.Identity.ThrID)
	patch, ok := d.pop()
	if !ok {
		return trampolinePatch{}, faultf(KindBadUnwind, nil, "trampoline: uninstall with no active patch")
	}
	if !write(patch.site, patch.originalRA) {
		return patch, faultf(KindBadUnwind, nil, "trampoline: failed to restore RA slot at %#x", patch.site)
	}
	if d.len() == 0 {
		state.clearFlag(FlagThruTramp)
	}
	return patch, nil
}

// ActivePatch reports the innermost installed patch for the thread
// (§4.5.3). The sampler looks it up but does not use it to reconstruct a
// return address.
func (t *Trampoline) ActivePatch(state *ThreadState) (trampolinePatch, bool) {
	return t.depthFor(state.Identity.ThrID).peek()
}
