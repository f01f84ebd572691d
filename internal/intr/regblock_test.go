package intr

// fakeRegBlock stands in for a mapped MMIO window in tests: a plain
// Go map keyed by register offset, addressed the same way mmioRegBlock addresses real
// memory, so LAPIC/IOAPIC register-programming sequences are
// host-testable without a mapped device.
type fakeRegBlock struct {
	regs map[uintptr]uint32
}

func newFakeRegBlock() *fakeRegBlock {
	return &fakeRegBlock{regs: map[uintptr]uint32{}}
}

func (f *fakeRegBlock) Read32(offset uintptr) uint32 { return f.regs[offset] }
func (f *fakeRegBlock) Write32(offset uintptr, v uint32) { f.regs[offset] = v }

// fakeIndirectRegBlock models the IO-APIC's IOREGSEL/IOWIN indirection
// properly (unlike fakeRegBlock's flat offset map): writing iowin
// stores into whatever register ioregsel last selected, and reading
// iowin returns that same per-register slot. LAPIC's registers are all
// directly addressed, so its tests use the simpler fakeRegBlock; only
// IOAPIC needs this one.
type fakeIndirectRegBlock struct {
	selected uint32
	data     map[uint32]uint32
}

func newFakeIndirectRegBlock() *fakeIndirectRegBlock {
	return &fakeIndirectRegBlock{data: map[uint32]uint32{}}
}

func (f *fakeIndirectRegBlock) Read32(offset uintptr) uint32 {
	if offset == iowin {
		return f.data[f.selected]
	}
	return f.selected
}

func (f *fakeIndirectRegBlock) Write32(offset uintptr, v uint32) {
	if offset == ioregsel {
		f.selected = v
		return
	}
	f.data[f.selected] = v
}
