package intr

import (
	"unsafe"

	"corekernel/internal/vmm"
)

// regBlock abstracts a window of 32-bit-aligned MMIO registers.
// mmioRegBlock is the real hardware backing (a vmm.MapMMIO'd range);
// tests inject a plain slice-backed fake instead, the same seam
// internal/arch uses to split asm-linked primitives from portable
// logic, so the register-programming sequences themselves — not the
// bus access — are what gets exercised by `go test`.
type regBlock interface {
	Read32(offset uintptr) uint32
	Write32(offset uintptr, v uint32)
}

type mmioRegBlock struct{ base uintptr }

func (r mmioRegBlock) Read32(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(r.base + offset))
}

func (r mmioRegBlock) Write32(offset uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(r.base + offset)) = v
}

// LAPIC register offsets (Intel SDM vol 3A, table of Local APIC
// registers); names kept close to the teacher's GICC_* constants for
// the equivalent CPU-interface register block in gic_qemu.go.
const (
	lapicID      = 0x020
	lapicVersion = 0x030
	lapicTPR     = 0x080 // Task Priority Register
	lapicEOI     = 0x0B0
	lapicSVR     = 0x0F0 // Spurious Interrupt Vector Register
	lapicICRLo   = 0x300 // Interrupt Command Register, low dword
	lapicICRHi   = 0x310 // Interrupt Command Register, high dword (dest APIC ID)
)

const (
	svrAPICEnable = 1 << 8

	icrDeliveryFixed = 0 << 8
	icrDeliveryInit  = 5 << 8
	icrDeliveryStart = 6 << 8
	icrLevelAssert   = 1 << 14
	icrTriggerEdge   = 0 << 15
	icrPending       = 1 << 12
)

// LAPIC is the per-CPU local APIC register interface.
type LAPIC struct {
	regs regBlock
}

var localAPIC LAPIC

// InitLAPIC maps phys (the MADT-reported local APIC base, via
// acpiinfo.ControllerBases) into MMIO space and enables the APIC with
// spurious vector spuriousVec, which must be an otherwise unused
// vector a stray interrupt can safely land on.
func InitLAPIC(phys uintptr, spuriousVec int) {
	va := vmm.MapMMIO(phys, 0x400)
	localAPIC = LAPIC{regs: mmioRegBlock{base: va}}
	localAPIC.enable(spuriousVec)
}

// InstallForTest swaps the process-wide local-APIC handle for one
// backed by regs, letting other packages' tests (internal/smp's
// INIT/SIPI bring-up, in particular) drive Local() against a fake
// register block instead of real MMIO.
func InstallForTest(regs interface {
	Read32(offset uintptr) uint32
	Write32(offset uintptr, v uint32)
}) {
	localAPIC = LAPIC{regs: regs}
}

func (l *LAPIC) enable(spuriousVec int) {
	l.regs.Write32(lapicSVR, svrAPICEnable|uint32(spuriousVec))
	l.regs.Write32(lapicTPR, 0) // accept every priority
}

// ID returns this CPU's LAPIC ID (bits 31:24 of the ID register).
func (l *LAPIC) ID() uint32 {
	return l.regs.Read32(lapicID) >> 24
}

// EOI signals end-of-interrupt to the local APIC. Per spec.md §4.4 this
// must be the very last thing a handler does, after it has already
// acknowledged the device's own ISR status.
func (l *LAPIC) EOI() {
	l.regs.Write32(lapicEOI, 0)
}

// SendIPI sends a fixed-vector IPI to destApicID, spinning on the
// delivery-pending bit until the write has latched — the same
// send-and-wait shape spec.md §4.3 describes for TLB shootdown IPIs,
// generalized here to any vector (scheduler tick propagation, halt
// requests from a fatal exception).
func (l *LAPIC) SendIPI(destApicID uint32, vec int) {
	l.regs.Write32(lapicICRHi, destApicID<<24)
	l.regs.Write32(lapicICRLo, icrDeliveryFixed|icrLevelAssert|icrTriggerEdge|uint32(vec))
	for l.regs.Read32(lapicICRLo)&icrPending != 0 {
	}
}

// SendInit and SendStartup implement the two phases of the INIT/SIPI
// sequence smp uses to bring up an AP: INIT resets the target to a
// known wait-for-SIPI state, Startup points it at the real-mode
// trampoline page (vector encodes trampolinePhys >> 12).
func (l *LAPIC) SendInit(destApicID uint32) {
	l.regs.Write32(lapicICRHi, destApicID<<24)
	l.regs.Write32(lapicICRLo, icrDeliveryInit|icrLevelAssert|icrTriggerEdge)
	for l.regs.Read32(lapicICRLo)&icrPending != 0 {
	}
}

func (l *LAPIC) SendStartup(destApicID uint32, trampolinePhys uintptr) {
	vec := uint32(trampolinePhys >> 12)
	l.regs.Write32(lapicICRHi, destApicID<<24)
	l.regs.Write32(lapicICRLo, icrDeliveryStart|vec)
	for l.regs.Read32(lapicICRLo)&icrPending != 0 {
	}
}

// Local returns the process-wide local-APIC handle installed by
// InitLAPIC. On real hardware each CPU has its own LAPIC mapped at the
// same physical address (it is per-CPU hardware, not per-CPU memory),
// so one mapping serves every CPU.
func Local() *LAPIC { return &localAPIC }
