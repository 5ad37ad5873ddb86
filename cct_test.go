package csprof

import "testing"

func framesOf(ips ...uint64) []Frame {
	frames := make([]Frame, len(ips))
	for i, ip := range ips {
		frames[i] = Frame{IP: ip, AsInfo: AssocInfo{Assoc: AssocOneToOne, LenLogical: 1, LenPhysical: 1}}
	}
	return frames
}

func TestIDAllocatorAlwaysEven(t *testing.T) {
	var ids IDAllocator
	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		id := ids.Next()
		if id == 0 {
			t.Fatal("0 must never be assigned")
		}
		if id%2 != 0 {
			t.Fatalf("expected an even ID, got %d", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID %d", id)
		}
		seen[id] = true
	}
}

func TestCCTInsertCreatesPath(t *testing.T) {
	ids := &IDAllocator{}
	tree := NewCCT(nil, nil, ids)

	// Innermost-first: main called foo called bar, so frames arrive
	// [bar, foo, main].
	leaf := tree.Insert(tree.Root, framesOf(0x3, 0x2, 0x1), 1, 0, 1)

	if leaf.IP != 0x3 {
		t.Fatalf("want leaf ip=0x3, got %#x", leaf.IP)
	}
	if leaf.Metrics[0] != 1 {
		t.Fatalf("want metric=1, got %d", leaf.Metrics[0])
	}

	// main is the direct (and only) child of root.
	main := tree.Root.FirstChild
	if main == nil || main.IP != 0x1 {
		t.Fatalf("expected root's child to be main, got %+v", main)
	}
	foo := main.FirstChild
	if foo == nil || foo.IP != 0x2 {
		t.Fatalf("expected main's child to be foo, got %+v", foo)
	}
	bar := foo.FirstChild
	if bar == nil || bar.IP != 0x3 {
		t.Fatalf("expected foo's child to be bar, got %+v", bar)
	}
}

func TestCCTInsertMergesSharedPrefix(t *testing.T) {
	ids := &IDAllocator{}
	tree := NewCCT(nil, nil, ids)

	tree.Insert(tree.Root, framesOf(0x3, 0x2, 0x1), 1, 0, 1)
	tree.Insert(tree.Root, framesOf(0x4, 0x2, 0x1), 1, 0, 1)

	main := tree.Root.FirstChild
	foo := main.FirstChild
	if foo == nil {
		t.Fatal("expected foo to exist")
	}
	var children int
	for c := foo.FirstChild; c != nil; c = c.NextSibling {
		children++
	}
	if children != 2 {
		t.Fatalf("want 2 children under the shared prefix, got %d", children)
	}
	if tree.NodeCount() != 5 { // root, main, foo, and the two distinct leaves
		t.Fatalf("want 5 nodes total, got %d", tree.NodeCount())
	}
}

func TestCCTInsertAccumulatesMetric(t *testing.T) {
	ids := &IDAllocator{}
	tree := NewCCT(nil, nil, ids)

	tree.Insert(tree.Root, framesOf(0x1), 1, 0, 3)
	leaf := tree.Insert(tree.Root, framesOf(0x1), 1, 0, 2)

	if leaf.Metrics[0] != 5 {
		t.Fatalf("want accumulated metric=5, got %d", leaf.Metrics[0])
	}
}

func TestSnapshotCtxtWalksToRoot(t *testing.T) {
	ids := &IDAllocator{}
	tree := NewCCT(nil, nil, ids)
	leaf := tree.Insert(tree.Root, framesOf(0x2, 0x1), 1, 0, 1)

	chain := SnapshotCtxt(leaf)
	var got []uint64
	for c := chain; c != nil; c = c.Parent {
		got = append(got, c.Node.IP)
	}
	// leaf-to-root order: 0x2, 0x1, root(0)
	if len(got) != 3 || got[0] != 0x2 || got[1] != 0x1 {
		t.Fatalf("unexpected chain: %v", got)
	}
}

func TestAssignDenseIDsIsPreorderAndDeterministic(t *testing.T) {
	ids := &IDAllocator{}
	tree := NewCCT(nil, nil, ids)
	tree.Insert(tree.Root, framesOf(0x10, 0x1), 1, 0, 1)
	tree.Insert(tree.Root, framesOf(0x20, 0x1), 1, 0, 1)

	first := AssignDenseIDs(tree.Root, nil)
	second := AssignDenseIDs(tree.Root, nil)

	if first[tree.Root] != 1 {
		t.Fatalf("root should always be ID 1, got %d", first[tree.Root])
	}
	for n, id := range first {
		if second[n] != id {
			t.Fatalf("dense IDs should be stable across calls: node %p had %d then %d", n, id, second[n])
		}
	}
}

func TestAssignDenseIDsNumbersCtxtChainOnce(t *testing.T) {
	ids := &IDAllocator{}
	creator := NewCCT(nil, nil, ids)
	leaf := creator.Insert(creator.Root, framesOf(0x2, 0x1), 1, 0, 1)
	ctxt := SnapshotCtxt(leaf)

	child := NewCCT(nil, ctxt, ids)
	child.Insert(child.Root, framesOf(0x3), 1, 0, 1)

	denseIDs := AssignDenseIDs(child.Root, child.Ctxt)

	seen := make(map[uint32]bool)
	for _, id := range denseIDs {
		if id == 0 {
			t.Fatal("0 must never be assigned as a dense ID")
		}
		if seen[id] {
			t.Fatalf("dense ID %d assigned to more than one node", id)
		}
		seen[id] = true
	}

	if _, ok := denseIDs[ctxt.Node]; !ok {
		t.Fatal("the ctxt chain's leaf node should have a dense ID")
	}
	if _, ok := denseIDs[child.Root]; !ok {
		t.Fatal("the child tree's own root should have a dense ID")
	}
}

func TestForkEpochChainsOldCCT(t *testing.T) {
	ids := &IDAllocator{}
	epoch1 := &Epoch{ID: 1}
	st := NewThreadState(PersistentIdentity{ThrID: 1}, epoch1, nil, ids)
	st.CSData.Insert(st.Cursor, framesOf(0x1), 1, 0, 1)
	st.buf.CommitSample()

	old := st.CSData
	epoch2 := &Epoch{ID: 2}
	ForkEpoch(st, epoch2)

	if st.Epoch != epoch2 {
		t.Fatal("ForkEpoch should switch the thread to the new epoch")
	}
	if st.CSData == old {
		t.Fatal("ForkEpoch should allocate a fresh CCT")
	}
	if st.Next == nil || st.Next.CSData != old {
		t.Fatal("the old CCT should be chained via Next")
	}
}

func TestForkEpochSeedsChaffFromCachedBacktrace(t *testing.T) {
	ids := &IDAllocator{}
	epoch1 := &Epoch{ID: 1}
	st := NewThreadState(PersistentIdentity{ThrID: 1}, epoch1, nil, ids)

	// Populate a genuine cached backtrace: Push (not just CommitSample)
	// is what actually fills BacktraceBuffer.prev.
	st.buf.BeginUnwind()
	for _, f := range framesOf(0x3, 0x2, 0x1) {
		st.buf.Push(f)
	}
	st.buf.CommitSample()
	if len(st.buf.Cached()) == 0 {
		t.Fatal("test setup: cached backtrace should be non-empty")
	}

	epoch2 := &Epoch{ID: 2}
	ForkEpoch(st, epoch2)

	fresh := st.CSData
	if fresh.NodeCount() != 4 { // root, 0x1, 0x2, 0x3
		t.Fatalf("want the cached path replayed into the fresh tree, got %d nodes", fresh.NodeCount())
	}
	leaf := fresh.Root.FirstChild.FirstChild.FirstChild
	if leaf == nil || leaf.IP != 0x3 || len(leaf.Metrics) != 0 {
		t.Fatalf("replayed leaf should carry no metric credit, got %+v", leaf)
	}

	survive := pruneChaff(fresh.Root)
	if survive[leaf] {
		t.Fatal("a zero-credit, non-retained leaf seeded by ForkEpoch should be chaff")
	}
}

func TestPersistentIDParity(t *testing.T) {
	ids := &IDAllocator{}
	tree := NewCCT(nil, nil, ids)
	n := tree.Root

	if n.PersistentID()%2 != 0 {
		t.Fatal("unretained node should report an even persistent ID")
	}
	n.MarkRetained()
	if n.PersistentID()%2 != 1 {
		t.Fatal("retained node should report an odd persistent ID")
	}
}
