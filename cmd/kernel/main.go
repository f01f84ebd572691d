// Package main is the kernel's boot entry point: it has no corresponding
// module in spec.md's table, but spec.md §2's control-flow order ("boot
// trampoline -> Multiboot parse -> memory map ingest -> page-table
// setup -> interrupt/exception setup -> per-CPU bring-up -> scheduler
// start -> device probing -> steady state") is exactly what Main below
// executes. Grounded on the teacher's kernel.go: Main is entered
// directly by boot code with register-passed arguments (KernelMain(r0,
// r1, atags uint32) there; here Multiboot2's own eax=magic/ebx=info
// contract takes their place), kept //go:nosplit/go:noinline so the
// entry point survives the same dead-code-elimination risk the teacher
// calls out, with a dummy main() that references it for the same
// reason the teacher's does.
package main

import (
	"unsafe"

	"corekernel/internal/acpiinfo"
	"corekernel/internal/arch"
	"corekernel/internal/cmdline"
	"corekernel/internal/intr"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/pmm"
	"corekernel/internal/sched"
	"corekernel/internal/smp"
	"corekernel/internal/softirq"
	"corekernel/internal/timekeeper"
	"corekernel/internal/vmm"
)

// multibootBootloaderMagic is the value Multiboot2 loaders pass in eax
// (spec.md §6).
const multibootBootloaderMagic = 0x36d76289

// timerVector is this kernel's fixed IDT vector for the PIT channel-0
// tick (spec.md §5); spuriousVector is the otherwise-unused vector a
// stray LAPIC interrupt lands on (spec.md §4.4). intr.IPIVector (0xFE)
// is already pinned by internal/intr for the scheduler/shootdown IPI.
const (
	timerVector    = 0x20
	spuriousVector = 0xFF
)

// idleAffinity is the CPU mask the boot-time soft-IRQ worker and the
// BSP's own idle loop run under: bit 0, the boot processor, since
// spec.md names no policy for spreading soft-IRQ work across APs.
const idleAffinity = 1 << 0

// kernelImageStartSym/kernelImageEndSym bound the kernel's own loaded
// image, and idtStubTable/idtCodeSelector are the per-vector assembly
// entry points and code-segment selector LoadIDT installs. All four
// are provided by the boot trampoline's linker script — out of scope
// per spec.md §1, the same class of externally-supplied primitive as
// internal/arch's asm-linked register access. Zero-length array
// variables are the standard way to name a linker symbol's address
// without giving it Go-visible storage.
//
//go:linkname kernelImageStartSym kernel_image_start
var kernelImageStartSym [0]byte

//go:linkname kernelImageEndSym kernel_image_end
var kernelImageEndSym [0]byte

//go:linkname idtStubTable idt_stub_table
var idtStubTable [256]uintptr

//go:linkname idtCodeSelector kernel_code_selector
var idtCodeSelector uint16

// Main is called directly by the (out-of-scope) boot trampoline once
// the bootstrap identity map, GDT, and exception/device IDT stubs all
// exist, with eax holding the Multiboot2 magic and ebx the physical
// address of the Multiboot2 information structure.
//
//go:nosplit
//go:noinline
func Main(eax, ebx uint32) {
	kernel.BugOn(eax != multibootBootloaderMagic, "cmd/kernel: bad multiboot magic %x", eax)

	regions, rawCmdline := readMultiboot(ebx)

	// Page-table bring-up before the frame allocator (spec.md §2's control
	// flow): vmm.Init only records the bootstrap root the boot trampoline
	// already built, so it has no dependency on pmm and can run first.
	vmm.Init(arch.ReadCR3())
	vmm.InstallZeroer()

	pmmRegions := make([]pmm.Region, len(regions))
	for i, r := range regions {
		pmmRegions[i] = pmm.Region{Start: r.Start, End: r.End}
	}
	kernelStart := uintptr(unsafe.Pointer(&kernelImageStartSym))
	kernelEnd := uintptr(unsafe.Pointer(&kernelImageEndSym))
	pmm.Init(pmmRegions, kernelStart, kernelEnd)

	intr.Init()
	intr.LoadIDT(idtStubTable, idtCodeSelector)

	lapicBase, ioapicBase, ioapicGsiBase := acpiinfo.ControllerBases()
	apLAPICPhys = lapicBase
	apSpuriousVector = spuriousVector
	intr.InitLAPIC(lapicBase, spuriousVector)
	intr.InitIOAPIC(ioapicBase, ioapicGsiBase)

	opts, unknown := cmdline.Parse(rawCmdline)
	for _, tok := range unknown {
		klog.Warnf("cmd/kernel: unrecognized boot option %q", tok)
	}
	if opts.TraceVGA {
		klog.SetLevel(klog.LevelTrace)
	}

	bspApicID, _ := acpiinfo.CPUs()
	bsp := sched.NewCPU(0, bspApicID)
	bsp.MarkInited()
	bsp.MarkRunning()

	// Every handler this kernel will ever dispatch through gets
	// registered here, before any core — this one or an AP — ever runs
	// Sti (idt.go: interrupt delivery is only safe "after every
	// RegisterException/RegisterDevice/RegisterIPI call has installed
	// its Go-side handler"). apEntry enables
	// interrupts on its own AP as soon as it joins, so bring-up must
	// come after this block, not before it.

	// The shared scheduler/shootdown IPI vector (spec.md §5): service
	// any pending TLB flush, then either halt (if a panicking CPU asked
	// this one to) or run the local scheduler.
	intr.RegisterIPI(intr.IPIVector, func() {
		cpu := sched.CPUByApicID(intr.Local().ID())
		if cpu == nil {
			return
		}
		cpu.ServiceShootdown()
		if cpu.HaltRequested() {
			arch.Cli()
			for {
				arch.Halt()
			}
		}
		sched.Schedule(cpu)
	})

	// The PIT channel-0 timer tick (spec.md §5): "Drives PIT; handler
	// updates the monotonic ms counter, issues IPIs to peer CPUs so
	// they schedule, then calls the local scheduler." timekeeper isn't
	// calibrated yet, but the closure only runs after Sti, by which
	// point it will be.
	timerGsi, flags := acpiinfo.GsiForIrq(0)
	err := intr.RegisterDevice(timerVector, int(timerGsi), func() {
		timekeeper.Tick()
		self := intr.Local().ID()
		sched.TickAllOthers(self)
		if cpu := sched.CPUByApicID(self); cpu != nil {
			sched.Schedule(cpu)
		}
	}, func(vec int) {
		intr.IOAPICForGSI(uint32(timerGsi)).Program(uint32(timerGsi), intr.RedirectOpts{
			Vector:       vec,
			DestApicID:   bspApicID,
			LevelTrigger: flags&(1<<3) != 0,
			ActiveLow:    flags&(1<<1) != 0,
		})
	})
	kernel.BugOn(err != nil, "cmd/kernel: failed to register timer interrupt")

	// Before timekeeper.Init has calibrated the TSC, and before any
	// scheduler task exists to park on, INIT/SIPI's own delay
	// requirements are met by a bare busy-loop with nothing to
	// schedule — the same no-task spin-wait timekeeper.Sleep's own doc
	// comment calls out as safe.
	spinSleep := func(ns int64) { timekeeper.Sleep(ns, func() {}) }

	if !opts.SMPOff {
		smp.BringUp(apEntry, apStackFor, uint64(arch.ReadCR3()), spinSleep)
	} else {
		sched.InstallHaltBroadcaster()
	}

	kvmclockPages, err := pmm.AllocContiguous(1)
	kernel.BugOn(err != nil, "cmd/kernel: failed to allocate kvmclock page")
	timekeeper.Init(kvmclockPages[0].Phys)

	sched.SleepFunc = func(ns int64) {
		timekeeper.Sleep(ns, func() {
			if cpu := sched.CPUByApicID(intr.Local().ID()); cpu != nil {
				sched.Schedule(cpu)
			}
		})
	}

	sq := softirq.NewQueue()
	kernel.BugOn(sq.Start(idleAffinity) != nil, "cmd/kernel: failed to start soft-IRQ worker")

	probeVirtioDevices(sq, bspApicID)

	arch.Sti()
	klog.Infof("cmd/kernel: boot complete")
	for {
		arch.Halt()
	}
}

// main exists only so the c-archive/elf build doesn't discard Main as
// unreachable; boot.s calls Main directly and this never runs on real
// hardware, matching the teacher's own dummy main().
func main() {
	Main(multibootBootloaderMagic, 0)
	for {
	}
}
