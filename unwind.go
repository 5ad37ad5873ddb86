package csprof

// PDKind classifies how a procedure descriptor says the return address of a
// frame is recovered (§4.5.2).
type PDKind uint8

const (
	// NullFrame functions allocate no stack frame; the return address is
	// still in the link-register-equivalent entry register.
	NullFrame PDKind = iota
	// RegisterFrame functions preserve the return address in a dedicated
	// save register without ever spilling it to the stack.
	RegisterFrame
	// StackFrame functions spill the return address to a known stack
	// offset from SP or FP.
	StackFrame
)

// BaseReg names which register a StackFrame procedure descriptor's
// RSAOffset is relative to.
type BaseReg uint8

const (
	BaseSP BaseReg = iota
	BaseFP
)

// CRDKind classifies the code-range descriptor actually containing an IP
// (§4.5.2). Only STANDARD and CONTEXT ranges are unwindable in the normal
// flow; DATA is an error, and the NON_CONTEXT variants mean "no ordinary
// stack management here" without being fatal.
type CRDKind uint8

const (
	CRDStandard CRDKind = iota
	CRDContext
	CRDData
	CRDNonContext
	CRDNonContextStack
)

// ProcDescriptor describes one function's stack layout, save registers, and
// frame size (PD, §4.5.2).
type ProcDescriptor struct {
	Kind PDKind

	// Entry is the function's entry address, the base that every
	// *Offset field below is relative to.
	Entry uint64

	// EntryReg is where the return address lives on entry to the
	// function, before any prologue instruction has run.
	EntryReg int
	// SaveReg is where RegisterFrame functions keep the return address
	// once the prologue has copied it out of EntryReg.
	SaveReg int

	// Base and RSAOffset locate the return-address slot for StackFrame
	// functions: ra_slot = base_reg + RSAOffset.
	Base      BaseReg
	RSAOffset int64

	FrameSize uint64

	// Offsets, relative to the function's entry, of the instructions
	// that bound the prologue and epilogue sub-cases in §4.5.2 step 3.
	// Zero means "not applicable" (e.g. a function with no epilogue
	// reload because it never lets the RA register go stale).
	SPAdjustOffset     uint64
	RAStoreOffset      uint64
	PrologueEndOffset  uint64
	EpilogueRAReloadPC uint64
	EpilogueSPResetPC  uint64

	// CalleeSaved lists which registers this function spills and at what
	// stack offset, so the unwinder can reload them for the caller frame.
	CalleeSaved []CalleeSaveSlot
}

// CalleeSaveSlot records where one callee-saved register is spilled.
type CalleeSaveSlot struct {
	Reg    int
	Offset int64
}

// CodeRangeDescriptor describes the unwinding properties of a contiguous
// code region (CRD, §4.5.2).
type CodeRangeDescriptor struct {
	Kind       CRDKind
	Start, End uint64
}

// Decoder resolves a machine address to its procedure descriptor and the
// code-range descriptor that contains it. This is the "platform-specific
// machine-instruction decoder" §1 calls out as an external collaborator:
// the core only depends on this interface, never on a concrete
// architecture's instruction set.
type Decoder interface {
	Lookup(ip uint64) (ProcDescriptor, CodeRangeDescriptor, bool)
}

// AddrRange is a half-open [Start, End) address range.
type AddrRange struct {
	Start, End uint64
}

func (r AddrRange) Contains(ip uint64) bool {
	return ip >= r.Start && ip < r.End
}

// SafetyTable holds the ranges the unsafe-context predicate consults
// (§4.5.4): libc routines that touch the signal mask, the timer, the
// dynamic loader, or exit; the profiler's own trampoline code; and the
// program's entry point.
type SafetyTable struct {
	UnsafeLibc   []AddrRange
	Trampoline   AddrRange
	ProgramEntry uint64
}

// Unsafe reports whether ip lies in a region where unwinding or CCT
// mutation is known to be unsound. It does not consider EXC_HANDLING or the
// epoch lock — those are checked by the caller, which also has access to
// the thread state and epoch registry (§4.5.4).
func (s *SafetyTable) Unsafe(ip uint64) bool {
	if ip < s.ProgramEntry {
		return true
	}
	if s.Trampoline.Contains(ip) {
		return true
	}
	for _, r := range s.UnsafeLibc {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// FenceSet is the set of registered fence functions at which unwinding
// terminates (typically each thread's entry point, supplied by the host
// lifecycle layer at thread_init time).
type FenceSet struct {
	fences map[uint64]bool
}

func NewFenceSet(ips ...uint64) *FenceSet {
	f := &FenceSet{fences: make(map[uint64]bool, len(ips))}
	for _, ip := range ips {
		f.fences[ip] = true
	}
	return f
}

func (f *FenceSet) Add(ip uint64) { f.fences[ip] = true }

func (f *FenceSet) IsFence(ip uint64) bool { return f.fences[ip] }

// Context is the machine context captured at the moment of interruption:
// the registers the unwinder needs to locate and decode the first frame.
// Registers beyond IP/SP/FP/LR are architecture-specific callee-saved
// values, indexed the same way ProcDescriptor.CalleeSaved.Reg indexes them.
type Context struct {
	IP, SP, FP, LR uint64
	Regs           [32]uint64
}

// Unwinder implements C5: it walks a Context into an ordered sequence of
// Frames, innermost first, stopping at a fence function or when the stack
// pointer reaches StackEnd.
type Unwinder struct {
	Decoder  Decoder
	Fences   *FenceSet
	Safety   *SafetyTable
	StackEnd uint64
}

// UnwindInto walks ctx and appends frames (innermost first) to buf.Push,
// returning the number of frames emitted. It stops cleanly at a fence
// function or exhausted stack; it returns a *Fault with KindBadUnwind if it
// encounters an unreadable address, an unrecognized return address, or a
// DATA code range. The safety gate (§4.5.4) must already have been checked
// by the caller before calling UnwindInto: this method assumes it is safe
// to run.
func (u *Unwinder) UnwindInto(mem Mem, ctx Context, state *ThreadState) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faultf(KindBadUnwind, nil, "%v", r)
		}
	}()

	if u.Decoder == nil {
		return 0, faultf(KindBadUnwind, nil, "unwinder has no decoder configured")
	}

	cur := ctx
	for {
		if u.Fences.IsFence(cur.IP) {
			return n, nil
		}
		if u.StackEnd != 0 && cur.SP >= u.StackEnd {
			return n, nil
		}

		pd, crd, ok := u.Decoder.Lookup(cur.IP)
		if !ok {
			return n, faultf(KindBadUnwind, nil, "no procedure descriptor for ip=%#x", cur.IP)
		}
		if crd.Kind == CRDData {
			return n, faultf(KindBadUnwind, nil, "ip=%#x lies in a DATA code range", cur.IP)
		}

		canonicalSP := cur.SP
		var ra uint64

		switch pd.Kind {
		case NullFrame:
			ra = cur.LR

		case RegisterFrame:
			if cur.IP-pd.Entry < pd.PrologueEndOffset {
				// Still within the prologue: the RA hasn't been
				// copied out of the entry register yet.
				ra = cur.Regs[pd.EntryReg]
			} else {
				ra = cur.Regs[pd.SaveReg]
			}

		case StackFrame:
			off := cur.IP - pd.Entry
			inPrologueBeforeAdjust := pd.SPAdjustOffset != 0 && off < pd.SPAdjustOffset
			inPrologueBeforeStore := pd.RAStoreOffset != 0 && off < pd.RAStoreOffset

			switch {
			case inPrologueBeforeAdjust:
				// Before the SP-adjust instruction: the frame hasn't
				// been allocated yet, so SP is already canonical.
				ra = cur.Regs[pd.EntryReg]
				canonicalSP = cur.SP
			case inPrologueBeforeStore:
				// After SP-adjust, before the RA-store: the frame is
				// allocated but the RA is still only in the entry
				// register.
				ra = cur.Regs[pd.EntryReg]
				canonicalSP = cur.SP - pd.FrameSize
			default:
				base := cur.SP
				if pd.Base == BaseFP {
					base = cur.FP
				}
				slot := addr(int64(base) + pd.RSAOffset)
				canonicalSP = cur.SP - pd.FrameSize

				if pd.EpilogueRAReloadPC != 0 && off >= pd.EpilogueRAReloadPC {
					// The RA register already holds the outer RA
					// and SP is about to be restored.
					state.setFlag(FlagEpilogueRAReloaded)
					ra = cur.Regs[pd.SaveReg]
				} else {
					ra = uint64(derefPtr(mem, slot))
				}
				if pd.EpilogueSPResetPC != 0 && off >= pd.EpilogueSPResetPC {
					state.setFlag(FlagEpilogueSPReset)
				}
			}
		}

		var asInfo AssocInfo
		asInfo.Assoc = AssocOneToOne
		asInfo.LenLogical, asInfo.LenPhysical = 1, 1

		buf := state.buf
		buf.Push(Frame{IP: cur.IP, SP: canonicalSP, AsInfo: asInfo})
		n++

		if ra == 0 {
			return n, nil
		}

		for _, slot := range pd.CalleeSaved {
			cur.Regs[slot.Reg] = uint64(derefPtr(mem, addr(int64(canonicalSP)+slot.Offset)))
		}

		cur.IP = ra - 1 // point at the call site, not the instruction after it
		cur.SP = canonicalSP
		cur.LR = 0
	}
}
