// Package acpiinfo is the consumer side of the external ACPI/MADT
// parser's contract (spec.md §1: "the core consumes the LAPIC/IO-APIC
// addresses and IRQ→GSI overrides it produces"). The parser itself —
// walking RSDP/XSDT/MADT tables — is out of scope; this package only
// holds what it hands over and answers the one question intr needs
// before it can program a redirection entry: which GSI does legacy IRQ
// N land on.
package acpiinfo

import "corekernel/internal/ksync"

// Override records one MADT Interrupt Source Override: legacy ISA IRQ
// irq is rerouted to GSI gsi, with polarity/trigger flags from the MADT
// entry (bits 0-1 polarity, bits 2-3 trigger mode, ACPI MADT encoding).
//
// RegisterIrqToGsi's spec.md §9 Open Question resolves the two-argument
// (no-flags) call site as authoritative; Flags here defaults to 0 for
// every override registered that way, matching the decision recorded in
// SPEC_FULL.md.
type Override struct {
	Irq   uint8
	Gsi   uint8
	Flags uint16
}

type info struct {
	lock        ksync.SpinLock
	lapicBase   uintptr
	ioapicBase  uintptr
	ioapicGsi0  uint32 // GSI base this IO-APIC covers (usually 0)
	overrides   []Override
	bspApicID   uint32
	cpuApicIDs  []uint32
}

var global info

// SetControllerBases records the LAPIC and IO-APIC MMIO physical
// addresses the MADT parser discovered. Called once during boot before
// intr.Init.
func SetControllerBases(lapicBase, ioapicBase uintptr, ioapicGsiBase uint32) {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)
	global.lapicBase = lapicBase
	global.ioapicBase = ioapicBase
	global.ioapicGsi0 = ioapicGsiBase
}

// ControllerBases returns the bases set by SetControllerBases.
func ControllerBases() (lapicBase, ioapicBase uintptr, ioapicGsiBase uint32) {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)
	return global.lapicBase, global.ioapicBase, global.ioapicGsi0
}

// SetCPUs records the APIC ID of the boot processor and every logical
// processor entry the MADT lists, for smp's INIT/SIPI bring-up.
func SetCPUs(bspApicID uint32, all []uint32) {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)
	global.bspApicID = bspApicID
	global.cpuApicIDs = append([]uint32(nil), all...)
}

// CPUs returns the boot processor's APIC ID and every logical
// processor's APIC ID recorded by SetCPUs.
func CPUs() (bspApicID uint32, all []uint32) {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)
	return global.bspApicID, append([]uint32(nil), global.cpuApicIDs...)
}

// RegisterIrqToGsi records one Interrupt Source Override. flags
// defaults to 0 per the Open Question decision; callers that do have
// MADT flags should use RegisterIrqToGsiWithFlags instead.
func RegisterIrqToGsi(irq, gsi uint8) {
	RegisterIrqToGsiWithFlags(irq, gsi, 0)
}

// RegisterIrqToGsiWithFlags is the full four-field form, for the call
// site that does have MADT polarity/trigger flags available.
func RegisterIrqToGsiWithFlags(irq, gsi uint8, flags uint16) {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)
	for i, o := range global.overrides {
		if o.Irq == irq {
			global.overrides[i] = Override{Irq: irq, Gsi: gsi, Flags: flags}
			return
		}
	}
	global.overrides = append(global.overrides, Override{Irq: irq, Gsi: gsi, Flags: flags})
}

// GsiForIrq returns the GSI legacy ISA irq is wired to: the registered
// override if one exists, else irq itself (identity mapping is the
// common case for anything the MADT didn't explicitly reroute).
func GsiForIrq(irq uint8) (gsi uint8, flags uint16) {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)
	for _, o := range global.overrides {
		if o.Irq == irq {
			return o.Gsi, o.Flags
		}
	}
	return irq, 0
}

// ResetForTest discards all recorded state between test cases.
func ResetForTest() {
	global = info{}
}
