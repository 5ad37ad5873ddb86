package csprof

import "sync/atomic"

// Status is the process-wide lifecycle state observed by on_signal and by
// intercepted libc calls (§4.7.5, §5 "Cancellation").
type Status uint32

const (
	StatusInit Status = iota
	StatusFini
)

// Token is returned by ForkPre and threaded back through ForkPost, letting
// the host pass along whatever it needs to resume sampling correctly in
// the parent (e.g. which sources were actually stopped).
type Token struct {
	suspended bool
}

// Host is the set of process/thread lifecycle callbacks the core exposes
// for a host injection layer to call (§6.1). It owns every piece of
// process-wide state: the epoch registry, the metric table, the
// persistent-ID allocator, and the list of live per-thread states.
type Host struct {
	status atomic.Uint32

	Config  Config
	Epochs  *EpochRegistry
	Metrics *MetricTable
	IDs     *IDAllocator

	mu      chan struct{} // binary semaphore guarding threads
	threads []*ThreadState

	Unwinder *Unwinder
}

// NewHost constructs process-wide state from an already-loaded Config: it
// builds Epochs, Metrics and IDs itself. The caller plugs in Unwinder before
// calling ProcessInit, since it depends on platform-specific collaborators
// (a Decoder, a SafetyTable) outside this package's scope.
func NewHost(cfg Config) *Host {
	h := &Host{
		Config:  cfg,
		Epochs:  NewEpochRegistry(),
		Metrics: NewMetricTable(cfg.MaxMetrics),
		IDs:     &IDAllocator{},
		mu:      make(chan struct{}, 1),
	}
	h.mu <- struct{}{}
	return h
}

func (h *Host) lock()   { <-h.mu }
func (h *Host) unlock() { h.mu <- struct{}{} }

// Status reports the current lifecycle phase.
func (h *Host) Status() Status { return Status(h.status.Load()) }

// ProcessInit runs process_init (§6.1): opens epoch 1 and freezes the
// metric table. Signal-handler installation and timer arming are driven by
// Sampler, constructed separately once the host's platform-specific
// collaborators are wired in.
func (h *Host) ProcessInit() {
	h.Epochs.Lock()
	h.Epochs.New()
	h.Epochs.Unlock()
	h.Metrics.Freeze()
}

// ProcessFini runs process_fini: flips status to FINI, then serializes
// every still-live thread's CCT via writeFn (typically WriteProfile bound to
// a *Config-derived output path).
func (h *Host) ProcessFini(writeFn func(*ThreadState) error) error {
	h.status.Store(uint32(StatusFini))
	h.lock()
	threads := append([]*ThreadState(nil), h.threads...)
	h.unlock()

	for _, st := range threads {
		if err := writeFn(st); err != nil {
			return err
		}
	}
	return nil
}

// ForkPre runs fork_pre: the caller's own sample-source shutdown happens
// outside this package (it is specific to the timer/signal backend), so
// this just returns a token recording that the process intends to
// suspend sampling across the fork.
func (h *Host) ForkPre() Token {
	return Token{suspended: true}
}

// ForkPost runs fork_post in the parent: a no-op placeholder for symmetry
// with ForkPre, since resuming the timer is the sampler's responsibility.
func (h *Host) ForkPost(childPID int, tok Token) {}

// ThreadInit runs thread_init: allocates a ThreadState for a newly started
// thread, optionally rooted under the creator's ctxt chain.
func (h *Host) ThreadInit(identity PersistentIdentity, creatorLeaf *Node) *ThreadState {
	var ctxt *CtxtChain
	if creatorLeaf != nil {
		ctxt = SnapshotCtxt(creatorLeaf)
	}
	st := NewThreadState(identity, h.Epochs.Current(), ctxt, h.IDs)

	h.lock()
	h.threads = append(h.threads, st)
	h.unlock()
	return st
}

// ThreadFini runs thread_fini: removes the thread from the live list and
// hands it to writeFn for serialization. ThreadFini releases no memory
// itself; the thread's CCT stays reachable through st after it returns.
func (h *Host) ThreadFini(st *ThreadState, writeFn func(*ThreadState) error) error {
	h.lock()
	for i, s := range h.threads {
		if s == st {
			h.threads = append(h.threads[:i], h.threads[i+1:]...)
			break
		}
	}
	h.unlock()
	return writeFn(st)
}

// DlopenPost runs dlopen_post: forges a new epoch with the newly mapped
// module appended.
func (h *Host) DlopenPost(name string, vaddr, mapaddr, size uint64) *Epoch {
	h.Epochs.Lock()
	defer h.Epochs.Unlock()
	h.Epochs.New()
	h.Epochs.AddModule(name, vaddr, mapaddr, size)
	return h.Epochs.Current()
}

// DlclosePost runs dlclose_post: deliberately a no-op (§6.1), since the
// epoch carried forward at the next dlopen still lists the closed module
// and nothing currently prunes it.
func (h *Host) DlclosePost(handle uintptr) {}
