package intr

import "unsafe"

// idtEntry is one 16-byte x86-64 interrupt-gate descriptor (Intel SDM
// vol 3A §6.14.1). Building and loading this table is hardware-
// privileged setup with no portable equivalent — the same class of
// primitive arch_amd64.go isolates behind go:linkname — so, unlike
// vector.go's dispatch table, it has no host-test coverage.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const gateTypeInterrupt = 0x8E // present, DPL0, 64-bit interrupt gate

var idt [numVectors]idtEntry

func setGate(v int, handlerAddr uintptr, codeSelector uint16) {
	idt[v] = idtEntry{
		offsetLow:  uint16(handlerAddr),
		selector:   codeSelector,
		ist:        0,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(handlerAddr >> 16),
		offsetHigh: uint32(handlerAddr >> 32),
	}
}

type idtr struct {
	limit uint16
	base  uint64
}

//go:linkname lidt lidt
//go:nosplit
func lidt(ptr unsafe.Pointer)

// LoadIDT builds the gate table — one real assembly stub entry point
// per vector, stubs[v] — and loads it via LIDT. The BSP calls it once
// during boot and each AP calls it again to load its own IDTR. stubs[v]
// routes to Dispatch(v) or HandleException for v through vector.go's
// table at interrupt time, so interrupt delivery is only safe after
// every RegisterException/RegisterDevice/RegisterIPI call has
// installed its Go-side handler (vector.go).
func LoadIDT(stubs [numVectors]uintptr, codeSelector uint16) {
	for v := range idt {
		setGate(v, stubs[v], codeSelector)
	}
	d := idtr{
		limit: uint16(len(idt)*16 - 1),
		base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	lidt(unsafe.Pointer(&d))
}
