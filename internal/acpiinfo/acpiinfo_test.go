package acpiinfo

import "testing"

func TestGsiForIrqDefaultsToIdentity(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	gsi, flags := GsiForIrq(5)
	if gsi != 5 || flags != 0 {
		t.Fatalf("GsiForIrq(5) = (%d, %d), want (5, 0)", gsi, flags)
	}
}

func TestRegisterIrqToGsiOverridesIdentity(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	RegisterIrqToGsi(0, 2) // classic PIT-to-GSI2 override on most chipsets
	gsi, flags := GsiForIrq(0)
	if gsi != 2 || flags != 0 {
		t.Fatalf("GsiForIrq(0) = (%d, %d), want (2, 0)", gsi, flags)
	}
	if _, f := GsiForIrq(1); f != 0 {
		t.Fatalf("unrelated irq 1 should be untouched")
	}
}

func TestRegisterIrqToGsiWithFlagsReplacesPriorEntry(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	RegisterIrqToGsi(9, 9)
	RegisterIrqToGsiWithFlags(9, 20, 0b1010)
	gsi, flags := GsiForIrq(9)
	if gsi != 20 || flags != 0b1010 {
		t.Fatalf("GsiForIrq(9) = (%d, %b), want (20, 1010)", gsi, flags)
	}
}

func TestControllerBasesRoundTrip(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	SetControllerBases(0xFEE00000, 0xFEC00000, 0)
	lapic, ioapic, gsiBase := ControllerBases()
	if lapic != 0xFEE00000 || ioapic != 0xFEC00000 || gsiBase != 0 {
		t.Fatalf("ControllerBases() = (%x, %x, %d), want (fee00000, fec00000, 0)", lapic, ioapic, gsiBase)
	}
}

func TestCPUsRoundTrip(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	SetCPUs(0, []uint32{0, 1, 2, 3})
	bsp, all := CPUs()
	if bsp != 0 || len(all) != 4 {
		t.Fatalf("CPUs() = (%d, %v), want (0, [0 1 2 3])", bsp, all)
	}
}
