// Package ksync provides the spin, seq, and raw locks plus the
// wait-group described in C13 and used throughout
// §5's concurrency model. None of it is built on goroutine-blocking
// primitives (sync.Mutex, channels): on this kernel the only suspension
// point is sched.Schedule (§5), so every wait loop here is a spin loop
// that periodically yields through a caller-supplied callback instead
// of through the Go runtime's own scheduler, which does not exist here
// the way a hosted program has one.
//
// Grounded on the teacher's lock-free freelist/barrier discipline
// (page.go's freePages list, stack_growth.go's dsb() placement) and on
// the watchdog-monitored hold-time policy in spec.md §5.
package ksync

import (
	"sync/atomic"

	"corekernel/internal/arch"
)

// SpinLock is the structural-edit lock for the frame allocator (C2),
// the page-table tree (C3), a task queue (C7), and a virt-queue (C12).
// Acquire always runs with interrupts disabled for the hold time, per
// §5's "Shared-resource policy": nothing may be preempted while holding
// one.
type SpinLock struct {
	held    atomic.Bool
	heldAt  int64 // TSC at acquire, read by the watchdog (external collaborator)
	ownerID int32
}

// IRQState is what Lock hands back so Unlock can restore the interrupt
// flag to exactly what it was, rather than unconditionally re-enabling
// interrupts (needed when a lock is taken from inside an ISR that was
// itself entered with interrupts off).
type IRQState struct {
	wasEnabled bool
}

// clockSource, when set, supplies the timestamp recorded at each Lock
// for the watchdog's hold-time check. It defaults to nil rather than
// calling arch.Rdtsc directly: Rdtsc is a hardware-only primitive (C1,
// no portable model, unlike Cli/Sti/Pause), and SpinLock is exercised
// by every host test in pmm/vmm/acpiinfo, so the common lock path must
// not hard-depend on it. Boot wires this to arch.Rdtsc once; until
// then HeldSince reads 0, which the watchdog already treats as "free".
var clockSource func() uint64

// SetClockSource installs the timestamp source used for hold-time
// bookkeeping. Called once during boot with arch.Rdtsc.
func SetClockSource(fn func() uint64) {
	clockSource = fn
}

func now() int64 {
	if clockSource == nil {
		return 0
	}
	return int64(clockSource())
}

// Lock disables interrupts, then spins with PAUSE until the lock is free.
func (l *SpinLock) Lock() IRQState {
	st := IRQState{wasEnabled: arch.InterruptsEnabled()}
	arch.Cli()
	for !l.held.CompareAndSwap(false, true) {
		arch.Pause()
	}
	l.heldAt = now()
	return st
}

// TryLock attempts to acquire without spinning; returns ok=false and a
// zero IRQState if the lock was already held (interrupts are left
// untouched in that case).
func (l *SpinLock) TryLock() (st IRQState, ok bool) {
	st = IRQState{wasEnabled: arch.InterruptsEnabled()}
	arch.Cli()
	if !l.held.CompareAndSwap(false, true) {
		if st.wasEnabled {
			arch.Sti()
		}
		return IRQState{}, false
	}
	l.heldAt = now()
	return st, true
}

// Unlock releases the lock and restores the interrupt flag captured at
// Lock time.
func (l *SpinLock) Unlock(st IRQState) {
	l.heldAt = 0
	l.held.Store(false)
	if st.wasEnabled {
		arch.Sti()
	}
}

// HeldSince returns the TSC timestamp of the current acquisition, or 0
// if free. The (out-of-scope) watchdog polls every registered lock for
// holds longer than 25ms (§5) using this.
func (l *SpinLock) HeldSince() int64 {
	return l.heldAt
}

// RawSpinLock is a SpinLock that does not touch the interrupt flag: the
// caller is already known to be running with interrupts disabled (e.g.
// inside trap dispatch) and toggling them would be a bug, not a
// convenience. Used by the IPI task list (§5: "LockIrqSave/UnlockIrqRestore"
// generalizes to an explicit raw variant plus the IRQ-aware SpinLock
// above rather than one type trying to serve both).
type RawSpinLock struct {
	held atomic.Bool
}

func (l *RawSpinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
		arch.Pause()
	}
}

func (l *RawSpinLock) Unlock() {
	l.held.Store(false)
}
