package csprof

// NLX is the non-local-exit synchronization entry point of §4.5.3/§9: a
// `longjmp` or C++ exception unwind can drop the stack straight past one or
// more frames the sampler had mid-flight, including frames with an
// installed trampoline patch. The host injection layer calls Sync whenever
// it intercepts such a transfer, before control actually reaches the jump
// destination.
type NLX struct {
	Trampoline *Trampoline
	Write      func(addr, uint64) bool
}

// Sync performs the full three-part non-local-exit contract of §4.5.3/§9
// when a `longjmp` or C++ exception drops the stack straight to targetSP:
// (b) it pops the cached backtrace down to that stack pointer, discarding
// the frames the jump skips over so the next sample's fast-path
// common-prefix check doesn't compare against stale, unreachable frames;
// (c) it restores any trampoline patch installed at a stack pointer below
// targetSP, since those frames will never return normally to trigger
// Trampoline.Uninstall; and (d), if destSite is nonzero, it installs a
// fresh trampoline at the destination frame's return-address slot so a
// later tail call out of that frame is still tracked. Every path that
// returns nil clears EXC_HANDLING: by the time control reaches the jump
// destination the unsafe window this flag was guarding against has closed.
// A failed uninstall or install returns its error with the flag unchanged.
func (n *NLX) Sync(state *ThreadState, targetSP uint64, destSite addr, destOriginalRA uint64) error {
	if state.buf != nil {
		state.buf.TruncateCachedTo(targetSP)
	}

	if n.Trampoline == nil {
		state.clearFlag(FlagExcHandling)
		return nil
	}

	d := n.Trampoline.depthFor(state.Identity.ThrID)
	for {
		patch, ok := d.peek()
		if !ok {
			break
		}
		if uint64(patch.site) >= targetSP {
			// At or above the target frame's stack pointer: still
			// reachable after the jump, leave it installed.
			break
		}
		if _, err := n.Trampoline.Uninstall(n.Write, state); err != nil {
			return err
		}
	}

	if destSite != 0 {
		if err := n.Trampoline.Install(n.Write, state, destSite, destOriginalRA); err != nil {
			return err
		}
	}

	state.clearFlag(FlagExcHandling)
	return nil
}
