package main

import (
	"corekernel/internal/arch"
	"corekernel/internal/intr"
	"corekernel/internal/kernel"
	"corekernel/internal/pmm"
	"corekernel/internal/sched"
	"corekernel/internal/vmm"
)

// apStackPages sizes each Application Processor's own stack the same
// way sched.NewTask sizes a task stack.
const apStackPages = 8

// apLAPICPhys/apSpuriousVector are read by apEntry on every AP's own
// core. They are package-level rather than captured by a closure
// because smp.BringUp hands the AP trampoline entry's bare code
// address (reflect.ValueOf(entry).Pointer()); the trampoline jumps
// there directly with no Go closure environment set up, so entry must
// be an ordinary top-level function with no captured variables.
var (
	apLAPICPhys      uintptr
	apSpuriousVector int
)

// apStackFor allocates a fresh stack for AP bring-up index and returns
// its top (stacks grow down), for smp.BringUp's stackFor callback.
func apStackFor(index int) uint64 {
	pages, err := pmm.AllocAlignedContiguous(apStackPages, pmm.PageSize)
	kernel.BugOn(err != nil, "cmd/kernel: failed to allocate stack for AP %d", index)
	top := vmm.DirectMap(pages[0].Phys) + uintptr(apStackPages)*pmm.PageSize
	return uint64(top)
}

// apEntry is the Go function every Application Processor trampoline
// jumps into once its own stack and page-table root (CR3) are live. The
// IDTR and the local APIC's spurious-vector enable are both per-core
// registers — the BSP's own LoadIDT/InitLAPIC calls only ever
// programmed its own core — so each AP re-runs them for itself before
// joining the idle rotation.
func apEntry() {
	intr.LoadIDT(idtStubTable, idtCodeSelector)
	intr.InitLAPIC(apLAPICPhys, apSpuriousVector)

	cpu := sched.CPUByApicID(intr.Local().ID())
	kernel.BugOn(cpu == nil, "cmd/kernel: AP with no registered CPU record")

	arch.Sti()
	for {
		arch.Halt()
	}
}
