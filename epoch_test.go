package csprof

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEpochRegistryFirstEpoch(t *testing.T) {
	r := NewEpochRegistry()
	r.Lock()
	e := r.New()
	r.AddModule("main", 0x400000, 0x555000000000, 0x1000)
	r.Unlock()

	if e.ID != 1 {
		t.Fatalf("want ID=1, got %d", e.ID)
	}
	if len(e.Modules) != 1 || e.Modules[0].Name != "main" {
		t.Fatalf("module not recorded: %+v", e.Modules)
	}
	if r.Current() != e {
		t.Fatal("Current did not return the new epoch")
	}
}

func TestEpochNewCopiesForward(t *testing.T) {
	r := NewEpochRegistry()
	r.Lock()
	r.New()
	r.AddModule("main", 1, 2, 3)
	r.Unlock()

	r.Lock()
	e2 := r.New()
	r.AddModule("libfoo.so", 4, 5, 6)
	r.Unlock()

	if len(e2.Modules) != 2 {
		t.Fatalf("expected modules copied forward, got %d", len(e2.Modules))
	}
	want := []Module{
		{Name: "main", PreferredVAddr: 1, ActualMapAddr: 2, Size: 3},
		{Name: "libfoo.so", PreferredVAddr: 4, ActualMapAddr: 5, Size: 6},
	}
	if diff := cmp.Diff(want, e2.Modules); diff != "" {
		t.Fatalf("unexpected module list (-want +got):\n%s", diff)
	}
}

func TestEpochNewPanicsWithoutLock(t *testing.T) {
	r := NewEpochRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling New without the lock held")
		}
	}()
	r.New()
}

func TestEpochAllNewestFirst(t *testing.T) {
	r := NewEpochRegistry()
	r.Lock()
	r.New()
	r.Unlock()
	r.Lock()
	r.New()
	r.Unlock()

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("want 2 epochs, got %d", len(all))
	}
	if all[0].ID != 2 || all[1].ID != 1 {
		t.Fatalf("wrong order: %d, %d", all[0].ID, all[1].ID)
	}
}

func TestSpinlockLockUnlock(t *testing.T) {
	var l spinlock
	if l.Locked() {
		t.Fatal("fresh spinlock should be unlocked")
	}
	l.Lock()
	if !l.Locked() {
		t.Fatal("lock should report locked")
	}
	l.Unlock()
	if l.Locked() {
		t.Fatal("unlock should report unlocked")
	}
}
