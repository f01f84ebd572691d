package vmm

import (
	"sync/atomic"

	"corekernel/internal/arch"
)

// Shootdown implements the IPI-driven remote TLB invalidation protocol
// of spec.md §4.3. Unmap already did the local invlpg; this handles
// every other CPU that might have cached the translation. Grounded on
// the teacher's dsb()-before-anything-observable discipline in
// virtqueue.go/stack_growth.go, generalized from a single-core memory
// barrier to a cross-CPU acknowledgment protocol.

// RemoteCPU is the subset of a CPU record (spec.md §3) the shootdown
// protocol needs: whether it is live, and how to interrupt it.
type RemoteCPU interface {
	Running() bool
	SetTLBFlushPending()
	SendIPI()
}

var (
	inProgress atomic.Bool
	pendingVA  atomic.Uintptr
	ackCount   atomic.Int32
)

// peers is populated by sched during CPU bring-up; vmm has no other way
// to enumerate the CPU records (breaking the vmm↔sched import cycle the
// same way pmm.ZeroFrame breaks pmm↔vmm).
var peers []RemoteCPU

// RegisterPeer adds a CPU record to the shootdown fan-out list. Called
// once per AP as it comes up.
func RegisterPeer(c RemoteCPU) {
	peers = append(peers, c)
}

// Shootdown invalidates va on every other running CPU. The originator
// spins on the global in-progress flag with interrupts left enabled so
// it can still service an incoming IPI (spec.md §4.3 step 1), then
// fans out and waits for every targeted CPU's ack.
func Shootdown(va uintptr) {
	for !inProgress.CompareAndSwap(false, true) {
		arch.Pause()
	}
	pendingVA.Store(va)

	targeted := int32(0)
	for _, p := range peers {
		if p.Running() {
			p.SetTLBFlushPending()
			targeted++
		}
	}
	ackCount.Store(targeted)
	for _, p := range peers {
		if p.Running() {
			p.SendIPI()
		}
	}

	for ackCount.Load() > 0 {
		arch.Pause()
	}
	inProgress.Store(false)
}

// HandleShootdownIPI runs in the IPI handler on a remote CPU: it checks
// the pending flag *before* doing anything that might observe the old
// translation (the correctness invariant spec.md §4.3 calls out), does
// the local invalidation, and decrements the ack counter.
func HandleShootdownIPI(pending *bool) {
	if !*pending {
		return
	}
	*pending = false
	arch.Invlpg(pendingVA.Load())
	ackCount.Add(-1)
}
