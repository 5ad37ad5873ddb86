package csprof

import "testing"

func TestTrampolineInstallUninstall(t *testing.T) {
	mem := map[addr]uint64{}
	write := func(a addr, v uint64) bool { mem[a] = v; return true }

	tr := NewTrampoline(0xfeed)
	state := &ThreadState{Identity: PersistentIdentity{ThrID: 1}}

	if err := tr.Install(write, state, 0x100, 0x2000); err != nil {
		t.Fatalf("install: %v", err)
	}
	if mem[0x100] != 0xfeed {
		t.Fatalf("install should patch the RA slot, got %#x", mem[0x100])
	}
	if !state.hasFlag(FlagThruTramp) {
		t.Fatal("install should set FlagThruTramp")
	}
	if state.SwizzleReturn != 0x2000 {
		t.Fatalf("expected SwizzleReturn=0x2000, got %#x", state.SwizzleReturn)
	}

	patch, ok := tr.ActivePatch(state)
	if !ok || patch.originalRA != 0x2000 {
		t.Fatalf("expected an active patch with originalRA=0x2000, got %+v", patch)
	}

	got, err := tr.Uninstall(write, state)
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if got.originalRA != 0x2000 {
		t.Fatalf("wrong patch returned: %+v", got)
	}
	if mem[0x100] != 0x2000 {
		t.Fatalf("uninstall should restore the original RA, got %#x", mem[0x100])
	}
	if state.hasFlag(FlagThruTramp) {
		t.Fatal("uninstall should clear FlagThruTramp once the stack is empty")
	}
}

func TestTrampolineNestedInstalls(t *testing.T) {
	mem := map[addr]uint64{}
	write := func(a addr, v uint64) bool { mem[a] = v; return true }

	tr := NewTrampoline(0xfeed)
	state := &ThreadState{Identity: PersistentIdentity{ThrID: 7}}

	tr.Install(write, state, 0x100, 0x10)
	tr.Install(write, state, 0x200, 0x20)

	p1, _ := tr.Uninstall(write, state)
	if p1.site != 0x200 {
		t.Fatalf("expected LIFO order, got site=%#x", p1.site)
	}
	if !state.hasFlag(FlagThruTramp) {
		t.Fatal("one patch remains installed, flag should stay set")
	}

	p2, _ := tr.Uninstall(write, state)
	if p2.site != 0x100 {
		t.Fatalf("expected the first patch last, got site=%#x", p2.site)
	}
	if state.hasFlag(FlagThruTramp) {
		t.Fatal("all patches popped, flag should be cleared")
	}
}

func TestTrampolineUninstallWithoutInstall(t *testing.T) {
	tr := NewTrampoline(0xfeed)
	state := &ThreadState{Identity: PersistentIdentity{ThrID: 9}}
	_, err := tr.Uninstall(func(addr, uint64) bool { return true }, state)
	if err == nil {
		t.Fatal("expected an error uninstalling with nothing installed")
	}
}
