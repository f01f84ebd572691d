// Package smp is per-CPU bring-up (spec.md's control-flow step
// "per-CPU bring-up (AP trampoline + INIT/SIPI)" and §6.2's "BSP / AP"
// glossary entry): staging each Application Processor's startup block
// at the fixed low-memory trampoline page, driving the
// INIT-wait-SIPI-SIPI sequence through intr.LAPIC, and waiting for each
// AP to check in before handing it over to the scheduler. Enriched
// (not taught) by the pack: grounded on usbarmory-tamago's
// amd64/smp.go, whose InitSMP/task.Write/procresize is the only
// INIT/SIPI bring-up example anywhere in the pack, even though its
// trampoline ultimately starts a goroutine's M/P/G rather than this
// kernel's own sched.Task.
package smp

import (
	"reflect"

	"corekernel/internal/acpiinfo"
	"corekernel/internal/binpack"
	"corekernel/internal/intr"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/pmm"
	"corekernel/internal/sched"
)

// Fixed low-memory addresses the out-of-scope 16-bit real-mode AP
// trampoline (spec.md §2: "trampoline at a known low physical page,
// must be < 1 MiB and page-aligned") reads once it reaches 32/64-bit
// mode, mirroring tamago's apinitAddress/gdtAddress/taskAddress layout
// but generalized to carry this kernel's own per-CPU task block instead
// of an M/P/G pointer triple.
const (
	TrampolinePhys   = 0x8000 // page-aligned, < 1 MiB
	gdtPhys          = 0x9000
	gdtrPhys         = 0x9018
	taskBlockPhys    = 0xA000 // one apTask slot per AP, indexed by bring-up order
	arrivalCountPhys = 0xB000
)

const apTaskSize = 24 // StackTop(8) + EntryPC(8) + PageTableRoot(8)

// apTask is what the trampoline hands off to 64-bit mode: the stack to
// switch to, the Go function to jump into, and the page-table root to
// load into CR3 — the same three things tamago's task{sp,mp,gp,pc}
// carries, minus the M/G pointers this kernel's scheduler has no use
// for.
type apTask struct {
	StackTop      uint64
	EntryPC       uint64
	PageTableRoot uint64
}

// writeAPTask marshals t into slot i of the shared task block
// (original idiom: tamago's task.Write, here via internal/binpack
// instead of a direct dma.NewRegion call since this kernel has no
// tamago-style DMA region abstraction).
func writeAPTask(i int, t apTask) {
	b := pmm.BytesAt(taskBlockPhys+uintptr(i)*apTaskSize, apTaskSize)
	kernel.BugOn(b == nil, "smp: AP task block not addressable")
	packed, err := binpack.Pack(t)
	kernel.BugOn(err != nil, "smp: failed to pack AP task")
	copy(b, packed)
}

// installGDT writes the flat code/data GDT and its descriptor the AP
// trampoline loads before jumping to long mode (tamago's InitSMP: a
// null descriptor, a 4 GiB code descriptor, a 4 GiB data descriptor).
func installGDT() {
	gdt := pmm.BytesAt(gdtPhys, 24)
	kernel.BugOn(gdt == nil, "smp: GDT page not addressable")
	binpack.PutUint64(gdt, 0x00, 0x0000000000000000) // null
	binpack.PutUint64(gdt, 0x08, 0x00af9a000000ffff)  // code, exec/read
	binpack.PutUint64(gdt, 0x10, 0x00cf92000000ffff)  // data, read/write

	gdtr := pmm.BytesAt(gdtrPhys, 10)
	kernel.BugOn(gdtr == nil, "smp: GDTR page not addressable")
	binpack.PutUint16(gdtr, 0, 3*8-1)
	binpack.PutUint32(gdtr, 2, uint32(gdtPhys))
}

func arrivalCount() uint32 {
	b := pmm.BytesAt(arrivalCountPhys, 4)
	kernel.BugOn(b == nil, "smp: arrival counter not addressable")
	return binpack.Uint32(b, 0)
}

func resetArrivalCount() {
	b := pmm.BytesAt(arrivalCountPhys, 4)
	kernel.BugOn(b == nil, "smp: arrival counter not addressable")
	binpack.PutUint32(b, 0, 0)
}

// waitForArrival polls readCount once per iteration (up to
// maxIterations, sleeping sleepNS between polls via the injected
// sleep) until it reaches target, reporting whether it got there — the
// same injected-clock pattern internal/timekeeper's sleepWith uses, so
// this is host-testable against a fake counter instead of real
// trampoline-written memory.
func waitForArrival(target uint32, readCount func() uint32, sleepNS int64, sleep func(ns int64), maxIterations int) bool {
	for i := 0; i < maxIterations; i++ {
		if readCount() >= target {
			return true
		}
		if sleep != nil {
			sleep(sleepNS)
		}
	}
	return readCount() >= target
}

// EntryPoint is provided by boot code: the Go function each AP jumps
// into once its stack and page tables are live (the scheduler's idle
// loop, typically). BringUp writes its address into every AP's task
// block.
type EntryPoint func()

// BringUp starts every non-boot logical processor named by
// acpiinfo.CPUs beyond the BSP itself (spec.md's control-flow step:
// "per-CPU bring-up (AP trampoline + INIT/SIPI)"), registering a
// sched.CPU for each and driving the Intel MP INIT-SIPI-SIPI sequence
// through intr.Local(). sleep is the same DI seam timekeeper.Sleep
// plugs into elsewhere in boot; stackFor supplies each AP's
// already-allocated stack and pageTableRoot the CR3 value every AP loads.
func BringUp(entry EntryPoint, stackFor func(index int) uint64, pageTableRoot uint64, sleep func(ns int64)) []*sched.CPU {
	bspApicID, all := acpiinfo.CPUs()
	if len(all) <= 1 {
		klog.Infof("smp: single-CPU system, no bring-up needed")
		return nil
	}

	installGDT()
	resetArrivalCount()

	var aps []*sched.CPU
	index := 1
	for _, apicID := range all {
		if apicID == bspApicID {
			continue
		}
		cpu := sched.NewCPU(index, apicID)
		writeAPTask(index-1, apTask{
			StackTop:      stackFor(index),
			EntryPC:       uint64(reflect.ValueOf(entry).Pointer()),
			PageTableRoot: pageTableRoot,
		})

		intr.Local().SendInit(apicID)
		if sleep != nil {
			sleep(10_000_000) // 10ms, per the Intel MP spec's INIT de-assert delay
		}
		intr.Local().SendStartup(apicID, TrampolinePhys)
		if sleep != nil {
			sleep(200_000) // 200us between the two required SIPIs
		}
		intr.Local().SendStartup(apicID, TrampolinePhys)

		if !waitForArrival(uint32(index), arrivalCount, 1_000_000, sleep, 1000) {
			klog.Infof("smp: AP apic=%d failed to check in", apicID)
			continue
		}
		cpu.MarkInited()
		cpu.MarkRunning()
		aps = append(aps, cpu)
		index++
	}

	sched.InstallHaltBroadcaster()
	klog.Infof("smp: %d application processor(s) started", len(aps))
	return aps
}
