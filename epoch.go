package csprof

import "sync/atomic"

// Module describes one executable segment visible in an epoch (§3.4).
type Module struct {
	Name           string
	PreferredVAddr uint64
	ActualMapAddr  uint64
	Size           uint64
}

// Epoch captures the set of executable segments loaded at some instant.
// The epoch list is append-only and forms a singly linked list from the
// newest epoch back to the oldest.
type Epoch struct {
	ID      uint32
	Modules []Module
	Next    *Epoch
}

// spinlock is a process-wide test-and-set lock, matching csprof_epoch_lock's
// use of a single word rather than a heavier mutex: the critical sections it
// guards are a handful of instructions (appending a module, swapping the
// current epoch pointer), so spinning is cheaper than parking.
type spinlock struct {
	state uint32
}

func (s *spinlock) Lock() {
	for !atomic.CompareAndSwapUint32(&s.state, 0, 1) {
	}
}

func (s *spinlock) Unlock() {
	atomic.StoreUint32(&s.state, 0)
}

func (s *spinlock) Locked() bool {
	return atomic.LoadUint32(&s.state) != 0
}

// EpochRegistry is the process-wide registry described in §4.2. It is the
// only piece of global state besides the persistent-ID counter and the
// (write-once) metric descriptor table.
type EpochRegistry struct {
	lock    spinlock
	current atomic.Pointer[Epoch]
	nextID  uint32
	// inflight holds the epoch currently being built by New, guarded by
	// lock; nil when no epoch construction is in progress.
	inflight *Epoch
}

// NewEpochRegistry returns a registry with no epoch yet current. The first
// call to New establishes epoch 1.
func NewEpochRegistry() *EpochRegistry {
	return &EpochRegistry{}
}

// Current returns the current epoch, or nil if New has never been called.
func (r *EpochRegistry) Current() *Epoch {
	return r.current.Load()
}

// Lock acquires the process-wide epoch spinlock. Held across New so
// concurrent dlopens cannot race, and consulted by the sampler to decide
// whether the module set is "in flux" (§4.2, §4.5.4).
func (r *EpochRegistry) Lock() { r.lock.Lock() }

// Unlock releases the epoch spinlock.
func (r *EpochRegistry) Unlock() { r.lock.Unlock() }

// Locked reports whether the epoch spinlock is currently held. Samples
// observing this true must be dropped (§4.5.4).
func (r *EpochRegistry) Locked() bool { return r.lock.Locked() }

// New forges a new epoch, carrying forward every module recorded in the
// current epoch (csprof_epoch_new copies the prior epoch's loaded_modules
// before any new module is appended — see SPEC_FULL.md §12) and installs it
// as current. Callers must hold the lock before calling New, and must call
// AddModule for every newly loaded module before unlocking.
func (r *EpochRegistry) New() *Epoch {
	if !r.lock.Locked() {
		panic("csprof: EpochRegistry.New called without holding the lock")
	}
	r.nextID++
	e := &Epoch{ID: r.nextID, Next: r.current.Load()}
	if e.Next != nil {
		e.Modules = append(e.Modules, e.Next.Modules...)
	}
	r.inflight = e
	r.current.Store(e)
	return e
}

// AddModule appends one module to the in-flight epoch created by the most
// recent call to New. Must be called with the lock held.
func (r *EpochRegistry) AddModule(name string, vaddr, mapaddr, size uint64) {
	if !r.lock.Locked() || r.inflight == nil {
		panic("csprof: AddModule called outside an active New()")
	}
	r.inflight.Modules = append(r.inflight.Modules, Module{
		Name:           name,
		PreferredVAddr: vaddr,
		ActualMapAddr:  mapaddr,
		Size:           size,
	})
}

// All returns every epoch from the current one back to the oldest, newest
// first. Used only by the serializer.
func (r *EpochRegistry) All() []*Epoch {
	var epochs []*Epoch
	for e := r.current.Load(); e != nil; e = e.Next {
		epochs = append(epochs, e)
	}
	return epochs
}
