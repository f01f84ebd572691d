package vmm

import (
	"testing"
	"unsafe"

	"corekernel/internal/kernel"
	"corekernel/internal/pmm"
)

// setupTestSpace gives the test its own frame pool and a fresh L4 root,
// mirroring how boot calls pmm.Init then vmm.Init with the frame it
// carved out for the bootstrap-to-live table handoff (spec.md §4.2).
func setupTestSpace(t *testing.T) {
	t.Helper()
	pmm.ResetForTest()
	pmm.Init([]pmm.Region{{Start: 0, End: 4096 * 4096}}, 0, 0)
	InstallZeroer()

	root, err := pmm.AllocPage()
	if err != nil {
		t.Fatalf("allocating L4 root: %v", err)
	}
	global = manager{root: root.Phys}
	tempSlot_ = [tempMapSlots]tempSlot{}
	tempL1 = nil
	mmioRanges = nil
}

func TestMapUnmapRoundTrip(t *testing.T) {
	setupTestSpace(t)

	page, err := pmm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	const va = KernelBase + 0x1000_0000

	if err := Map(va, page, FlagWritable); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := VirtToPhys(va); got != page.Phys {
		t.Fatalf("VirtToPhys(va) = %x, want %x", got, page.Phys)
	}

	got, err := Unmap(va)
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got != page {
		t.Fatal("Unmap returned a different descriptor than was mapped")
	}
	if VirtToPhys(va) != 0 {
		t.Fatal("VirtToPhys after Unmap should be 0")
	}
	if page.Refcount() != 0 {
		t.Fatalf("Refcount() after Unmap = %d, want 0", page.Refcount())
	}
}

func TestMapRejectsDoubleMap(t *testing.T) {
	setupTestSpace(t)
	page, _ := pmm.AllocPage()
	const va = KernelBase + 0x2000_0000

	if err := Map(va, page, FlagWritable); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	other, _ := pmm.AllocPage()
	if err := Map(va, other, FlagWritable); err != kernel.AlreadyExists {
		t.Fatalf("second Map: got %v, want kernel.AlreadyExists", err)
	}
}

func TestUnmapOfUnmappedIsBug(t *testing.T) {
	setupTestSpace(t)
	defer func() {
		if recover() == nil {
			t.Fatal("Unmap of an unmapped address should panic (Bug class, spec §4.2)")
		}
	}()
	Unmap(KernelBase + 0x3000_0000)
}

func TestTempMapSlotsAreDistinctAndReleasable(t *testing.T) {
	setupTestSpace(t)

	const n = 8
	vas := make([]uintptr, n)
	for i := 0; i < n; i++ {
		vas[i] = TmpMap(uintptr(i) * pageSize)
		if vas[i] == 0 {
			t.Fatalf("TmpMap(%d) returned 0", i)
		}
	}
	seen := map[uintptr]bool{}
	for _, va := range vas {
		if seen[va] {
			t.Fatalf("duplicate temp-map va %x", va)
		}
		seen[va] = true
	}
	for _, va := range vas {
		TmpUnmap(va)
	}
	// Released slots must be reusable: requesting n more must succeed.
	for i := 0; i < n; i++ {
		if TmpMap(uintptr(i)*pageSize) == 0 {
			t.Fatalf("TmpMap after release failed at %d", i)
		}
	}
}

func TestTempMapExhaustion(t *testing.T) {
	setupTestSpace(t)
	for i := 0; i < tempMapSlots; i++ {
		if TmpMap(uintptr(i)*pageSize) == 0 {
			t.Fatalf("TmpMap(%d) failed before pool exhausted", i)
		}
	}
	if got := TmpMap(uintptr(tempMapSlots) * pageSize); got != 0 {
		t.Fatalf("TmpMap after exhaustion = %x, want 0", got)
	}
}

func TestTmpMapInstallsALiveLeafEntry(t *testing.T) {
	setupTestSpace(t)

	page, err := pmm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	va := TmpMap(page.Phys)
	if va == 0 {
		t.Fatal("TmpMap returned 0")
	}
	if got := VirtToPhys(va); got != page.Phys {
		t.Fatalf("VirtToPhys(TmpMap(phys)) = %x, want %x", got, page.Phys)
	}

	TmpUnmap(va)
	if got := VirtToPhys(va); got != 0 {
		t.Fatalf("VirtToPhys after TmpUnmap = %x, want 0", got)
	}
}

func TestTmpMapSlotReuseRemapsTheEntry(t *testing.T) {
	setupTestSpace(t)

	a, _ := pmm.AllocPage()
	b, _ := pmm.AllocPage()

	va := TmpMap(a.Phys)
	TmpUnmap(va)

	va2 := TmpMap(b.Phys)
	if va2 != va {
		t.Fatalf("expected the freed slot to be reused, got va=%x want %x", va2, va)
	}
	if got := VirtToPhys(va2); got != b.Phys {
		t.Fatalf("VirtToPhys after slot reuse = %x, want %x (stale entry not overwritten)", got, b.Phys)
	}
}

func TestFramePointerWritesAreVisibleThroughFrameBytes(t *testing.T) {
	setupTestSpace(t)
	page, err := pmm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	ptr := framePointer(page.Phys)
	*(*uint64)(ptr) = 0xDEADBEEF

	b := pmm.FrameBytes(page.Phys)
	if got := *(*uint64)(unsafe.Pointer(&b[0])); got != 0xDEADBEEF {
		t.Fatalf("read back %x, want 0xDEADBEEF", got)
	}
}

func TestDirectMapIsPureOffsetArithmetic(t *testing.T) {
	if got := DirectMap(0x1000); got != KernelBase+0x1000 {
		t.Fatalf("DirectMap(0x1000) = %x, want %x", got, KernelBase+0x1000)
	}
}
