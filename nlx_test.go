package csprof

import "testing"

func TestNLXSyncUnwindsDiscardedTrampolines(t *testing.T) {
	mem := map[addr]uint64{}
	write := func(a addr, v uint64) bool { mem[a] = v; return true }

	tr := NewTrampoline(0xfeed)
	state := &ThreadState{Identity: PersistentIdentity{ThrID: 1}}
	state.setFlag(FlagExcHandling)

	// Two nested patches, both below the jump target, so the jump
	// discards both.
	tr.Install(write, state, 0x1000, 0x10) // deep frame, discarded
	tr.Install(write, state, 0x2000, 0x20) // shallower frame, discarded too since target is above both

	nlx := &NLX{Trampoline: tr, Write: write}
	if err := nlx.Sync(state, 0x3000, 0, 0); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if state.hasFlag(FlagExcHandling) {
		t.Fatal("Sync must clear EXC_HANDLING")
	}
	if _, ok := tr.ActivePatch(state); ok {
		t.Fatal("all patches below the target SP should have been restored")
	}
	if mem[0x1000] != 0x10 || mem[0x2000] != 0x20 {
		t.Fatalf("original return addresses should be restored: %+v", mem)
	}
}

func TestNLXSyncPreservesPatchesAboveTarget(t *testing.T) {
	mem := map[addr]uint64{}
	write := func(a addr, v uint64) bool { mem[a] = v; return true }

	tr := NewTrampoline(0xfeed)
	state := &ThreadState{Identity: PersistentIdentity{ThrID: 2}}
	tr.Install(write, state, 0x5000, 0x50)

	nlx := &NLX{Trampoline: tr, Write: write}
	if err := nlx.Sync(state, 0x1000, 0, 0); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, ok := tr.ActivePatch(state); !ok {
		t.Fatal("a patch above the target SP should survive the jump")
	}
}

func TestNLXSyncWithoutTrampolineStillClearsFlag(t *testing.T) {
	state := &ThreadState{}
	state.setFlag(FlagExcHandling)
	nlx := &NLX{}
	if err := nlx.Sync(state, 0, 0, 0); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if state.hasFlag(FlagExcHandling) {
		t.Fatal("EXC_HANDLING should be cleared even with no trampoline backend")
	}
}

func TestNLXSyncTruncatesCachedBacktrace(t *testing.T) {
	state := &ThreadState{buf: &BacktraceBuffer{}}
	state.buf.BeginUnwind()
	for _, f := range []Frame{{IP: 0x4, SP: 0x1000}, {IP: 0x3, SP: 0x2000}, {IP: 0x2, SP: 0x3000}, {IP: 0x1, SP: 0x4000}} {
		state.buf.Push(f)
	}
	state.buf.CommitSample()

	nlx := &NLX{}
	if err := nlx.Sync(state, 0x2500, 0, 0); err != nil {
		t.Fatalf("sync: %v", err)
	}

	cached := state.buf.Cached()
	if len(cached) != 2 || cached[0].SP != 0x3000 || cached[1].SP != 0x4000 {
		t.Fatalf("want frames at or above the jump target retained, got %+v", cached)
	}
}

func TestNLXSyncInstallsTrampolineAtDestination(t *testing.T) {
	mem := map[addr]uint64{}
	write := func(a addr, v uint64) bool { mem[a] = v; return true }

	tr := NewTrampoline(0xfeed)
	state := &ThreadState{Identity: PersistentIdentity{ThrID: 3}}

	nlx := &NLX{Trampoline: tr, Write: write}
	if err := nlx.Sync(state, 0x1000, 0x9000, 0x90); err != nil {
		t.Fatalf("sync: %v", err)
	}

	patch, ok := tr.ActivePatch(state)
	if !ok {
		t.Fatal("Sync should install a fresh trampoline at the destination frame")
	}
	if patch.site != addr(0x9000) || patch.originalRA != 0x90 {
		t.Fatalf("wrong patch installed: %+v", patch)
	}
	if mem[0x9000] != 0xfeed {
		t.Fatalf("destination RA slot should be patched to the trampoline entry, got %#x", mem[0x9000])
	}
}
