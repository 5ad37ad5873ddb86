package csprof

import "testing"

func newTestSampler(t *testing.T) (*Sampler, *Host, *ThreadState) {
	t.Helper()
	h := NewHost(DefaultConfig())
	h.ProcessInit()
	h.Metrics = NewMetricTable(1)
	id := h.Metrics.NewMetric()
	h.Metrics.SetInfo(id, "wall-clock", MetricAsynchronous, 5000, MetricExclusive)
	h.Metrics.Freeze()

	st := h.ThreadInit(PersistentIdentity{ThrID: 1}, nil)

	decoder := &fakeDecoder{descs: map[uint64]ProcDescriptor{
		0x2000: {Kind: NullFrame, Entry: 0x2000},
	}}
	u := &Unwinder{Decoder: decoder, Fences: NewFenceSet(0x3001), Safety: &SafetyTable{ProgramEntry: 0x1000}}
	mem := &fakeMem{base: 0x8000, bytes: make([]byte, 0x100)}

	s := NewSampler(h, u, mem, 5000)
	return s, h, st
}

func TestOnSignalInsertsIntoCCT(t *testing.T) {
	s, _, st := newTestSampler(t)
	ctx := Context{IP: 0x2000, SP: 0x9000, LR: 0x3002}

	s.onSignal(st, ctx)

	if st.CSData.NodeCount() != 2 { // root + the one frame sampled
		t.Fatalf("want 2 nodes, got %d", st.CSData.NodeCount())
	}
	if st.Cursor.IP != 0x2000 {
		t.Fatalf("cursor should rest on the sampled frame, got %#x", st.Cursor.IP)
	}
	if st.Cursor.Metrics[0] != 1 {
		t.Fatalf("want metric credited once, got %d", st.Cursor.Metrics[0])
	}
}

func TestOnSignalDropsUnsafeContext(t *testing.T) {
	s, _, st := newTestSampler(t)
	ctx := Context{IP: 0x100, SP: 0x9000} // below ProgramEntry: unsafe

	s.onSignal(st, ctx)

	if st.CSData.NodeCount() != 1 {
		t.Fatalf("unsafe sample should not touch the CCT, got %d nodes", st.CSData.NodeCount())
	}
	if st.TrampolineSamples != 1 {
		t.Fatalf("want the dropped sample counted once, got %d", st.TrampolineSamples)
	}
}

func TestOnSignalDropsWhileEpochLocked(t *testing.T) {
	s, h, st := newTestSampler(t)
	h.Epochs.Lock() // never unlocked: simulates a concurrent epoch turn

	ctx := Context{IP: 0x2000, SP: 0x9000, LR: 0x3002}
	s.onSignal(st, ctx)

	if st.CSData.NodeCount() != 1 {
		t.Fatalf("sample taken during a locked epoch should not touch the CCT, got %d nodes", st.CSData.NodeCount())
	}
	if st.TrampolineSamples != 1 {
		t.Fatalf("want the dropped sample counted once, got %d", st.TrampolineSamples)
	}
}

func TestOnSignalNoopAfterFini(t *testing.T) {
	s, h, st := newTestSampler(t)
	h.status.Store(uint32(StatusFini))

	ctx := Context{IP: 0x2000, SP: 0x9000, LR: 0x3002}
	s.onSignal(st, ctx)

	if st.CSData.NodeCount() != 1 {
		t.Fatalf("sample after FINI should be dropped, got %d nodes", st.CSData.NodeCount())
	}
}

func TestOnSignalClearsPerSampleFlags(t *testing.T) {
	s, _, st := newTestSampler(t)
	st.setFlag(FlagTailCall)
	ctx := Context{IP: 0x2000, SP: 0x9000, LR: 0x3002}

	s.onSignal(st, ctx)

	if st.hasFlag(FlagTailCall) {
		t.Fatal("onSignal should clear per-sample flags at the end")
	}
}

func TestRecordInterruptDropsWhenFull(t *testing.T) {
	s, _, st := newTestSampler(t)
	s.sig = make(chan unsafeSignal, 1)
	s.RecordInterrupt(st, Context{})
	s.RecordInterrupt(st, Context{}) // should not block
	if len(s.sig) != 1 {
		t.Fatalf("want buffered channel to hold exactly 1, got %d", len(s.sig))
	}
}
