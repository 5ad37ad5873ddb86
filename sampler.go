package csprof

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Sampler drives the timer and signal-handling loop of §4.7: arm the
// process's ITIMER_PROF interval timer, receive SIGPROF, and run the
// on_signal procedure (refresh epoch, unwind, insert) for every interrupt
// queued through RecordInterrupt.
type Sampler struct {
	Host       *Host
	Unwinder   *Unwinder
	Mem        Mem
	Trampoline *Trampoline

	period time.Duration
	sig    chan unsafeSignal
	stop   chan struct{}
	wg     sync.WaitGroup

	outstandingSignalCount atomic.Int64

	// RoundRobin names the optional multi-thread mode of §4.7.4, in which
	// one nominated thread receives each tick and broadcasts the sample
	// request to its peers. The sampler never reads it: setting it changes
	// nothing, and no broadcast is performed.
	RoundRobin bool
}

// unsafeSignal carries the minimal context on_signal needs: which thread,
// and the machine context captured at interruption.
type unsafeSignal struct {
	state *ThreadState
	ctx   Context
}

// NewSampler constructs a sampler bound to a Host and the collaborators an
// unwind needs. periodMicros is validated range (positive) by Config
// already; 0 is replaced here by the 5000 µs default, defensively.
func NewSampler(h *Host, u *Unwinder, mem Mem, periodMicros uint64) *Sampler {
	if periodMicros == 0 {
		periodMicros = 5000
	}
	return &Sampler{
		Host:     h,
		Unwinder: u,
		Mem:      mem,
		period:   time.Duration(periodMicros) * time.Microsecond,
		sig:      make(chan unsafeSignal, 64),
		stop:     make(chan struct{}),
	}
}

// StartProfile arms the interval timer (ITIMER_PROF) and launches the
// dispatch loop that runs on_signal for every delivered tick (§4.7.4). It
// returns once the timer has been successfully armed; callers must call
// StopProfile to disarm it and release the goroutine.
func (s *Sampler) StartProfile() error {
	sigCh := make(chan os.Signal, 64)
	signal.Notify(sigCh, syscall.SIGPROF)

	it := unix.Itimerval{
		Value:    durationToTimeval(s.period),
		Interval: durationToTimeval(s.period),
	}
	if err := unix.Setitimer(unix.ITIMER_PROF, &it, nil); err != nil {
		signal.Stop(sigCh)
		return faultf(KindBadUnwind, err, "setitimer")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-sigCh:
				s.dispatch()
			case <-s.stop:
				signal.Stop(sigCh)
				return
			}
		}
	}()
	return nil
}

// StopProfile disarms the timer and stops the dispatch loop (§4.7.5): the
// timer must be disarmed before the handler is torn down, so a late tick
// can never reach a goroutine that has already stopped listening.
func (s *Sampler) StopProfile() error {
	zero := unix.Itimerval{}
	if err := unix.Setitimer(unix.ITIMER_PROF, &zero, nil); err != nil {
		return faultf(KindBadUnwind, err, "setitimer disarm")
	}
	close(s.stop)
	s.wg.Wait()
	return nil
}

func durationToTimeval(d time.Duration) unix.Timeval {
	return unix.Timeval{
		Sec:  int64(d / time.Second),
		Usec: int64((d % time.Second) / time.Microsecond),
	}
}

// dispatch looks up the calling thread's state and runs on_signal. A real
// in-process profiler installed via SA_SIGINFO would read siginfo/ucontext
// directly on the signal-delivery stack; this core receives the equivalent
// Context from the host's signal trampoline (out of scope, §1) via
// RecordInterrupt, so dispatch here only drains whatever RecordInterrupt
// already queued.
func (s *Sampler) dispatch() {
	for {
		select {
		case evt := <-s.sig:
			s.onSignal(evt.state, evt.ctx)
		default:
			return
		}
	}
}

// RecordInterrupt is how the host's signal trampoline hands a freshly
// captured Context to the sampler; it must be safe to call from a signal
// handler (never blocks: the channel is buffered and a full buffer simply
// drops the sample, same as any other KindUnsafe drop).
func (s *Sampler) RecordInterrupt(state *ThreadState, ctx Context) {
	select {
	case s.sig <- unsafeSignal{state: state, ctx: ctx}:
	default:
	}
}

// onSignal handles one sample: a FINI process drops the sample outright
// and uncounted (the thread state may already be torn down); an unsafe
// context, a locked epoch registry or a set EXC_HANDLING flag drops it
// after bumping TrampolineSamples (§4.5.4/§7 Scenario 4/B2); otherwise the
// epoch is refreshed, the full backtrace is unwound and inserted into the
// thread's CCT from its root, and the per-sample flags are cleared.
// onSignal neither removes nor installs trampoline patches, and it does not
// suspend or re-arm the timer: ITIMER_PROF keeps running between ticks.
func (s *Sampler) onSignal(state *ThreadState, ctx Context) {
	if s.Host.Status() == StatusFini {
		return
	}
	if state == nil {
		return
	}

	if s.Unwinder.Safety != nil && s.Unwinder.Safety.Unsafe(ctx.IP) {
		state.TrampolineSamples++
		return
	}
	if s.Host.Epochs.Locked() {
		state.TrampolineSamples++
		return
	}
	if state.hasFlag(FlagExcHandling) {
		state.TrampolineSamples++
		return
	}

	s.refreshEpoch(state)

	if s.Trampoline != nil {
		if patch, ok := s.Trampoline.ActivePatch(state); ok && patch.active {
			// Signal landed while a trampoline redirect was in flight;
			// the frame it protected hasn't returned yet, so leave it
			// installed rather than undoing and reinstalling blindly.
			_ = patch
		}
	}

	state.buf.BeginUnwind()
	n, err := s.Unwinder.UnwindInto(s.Mem, ctx, state)
	if err != nil {
		state.BadUnwindCount++
	} else if n > 0 {
		leaf := state.CSData.Insert(state.CSData.Root, state.buf.Frames(), s.Host.Metrics.Len(), 0, 1)
		state.Cursor = leaf
		state.buf.CommitSample()
	}

	state.ClearSampleFlags()
}

// refreshEpoch forks the thread's CCT if the epoch has turned since its
// last sample (§4.2 "Sample interaction").
func (s *Sampler) refreshEpoch(state *ThreadState) {
	current := s.Host.Epochs.Current()
	if current != nil && state.Epoch != nil && current.ID != state.Epoch.ID {
		ForkEpoch(state, current)
	} else if state.Epoch == nil {
		state.Epoch = current
	}
}
