package intr

import "testing"

func newTestIOAPIC(gsiBase uint32) (*IOAPIC, *fakeIndirectRegBlock) {
	f := newFakeIndirectRegBlock()
	return &IOAPIC{regs: f, gsiBase: gsiBase}, f
}

func TestIOAPICMaxRedirectionEntriesDecodesVersionField(t *testing.T) {
	a, f := newTestIOAPIC(0)
	f.data[ioapicVer] = 7 << 16 // maxRedir field = 7 -> 8 entries
	if got := a.MaxRedirectionEntries(); got != 8 {
		t.Fatalf("MaxRedirectionEntries() = %d, want 8", got)
	}
}

func TestIOAPICProgramEncodesRedirectionEntry(t *testing.T) {
	a, _ := newTestIOAPIC(0)
	a.Program(5, RedirectOpts{
		Vector:       0x25,
		DestApicID:   2,
		LevelTrigger: true,
		ActiveLow:    true,
	})

	reg := uint32(ioapicRedtblBase + 2*5)
	lo := a.read(reg)
	hi := a.read(reg + 1)
	if lo&redtblVectorMask != 0x25 {
		t.Fatalf("vector field = %x, want 25", lo&redtblVectorMask)
	}
	if lo&redtblTriggerLevel == 0 {
		t.Fatal("level-trigger bit should be set")
	}
	if lo&redtblPolarityLow == 0 {
		t.Fatal("active-low polarity bit should be set")
	}
	if lo&redtblMasked != 0 {
		t.Fatal("entry should not be masked")
	}
	if hi>>24 != 2 {
		t.Fatalf("dest APIC id = %d, want 2", hi>>24)
	}
}

func TestIOAPICMaskUnmaskTogglesOnlyMaskBit(t *testing.T) {
	a, _ := newTestIOAPIC(0)
	a.Program(3, RedirectOpts{Vector: 0x30, DestApicID: 0})

	a.Mask(3)
	reg := uint32(ioapicRedtblBase + 2*3)
	if a.read(reg)&redtblMasked == 0 {
		t.Fatal("Mask should set the masked bit")
	}
	if a.read(reg)&redtblVectorMask != 0x30 {
		t.Fatal("Mask should not disturb the vector field")
	}

	a.Unmask(3)
	if a.read(reg)&redtblMasked != 0 {
		t.Fatal("Unmask should clear the masked bit")
	}
}
