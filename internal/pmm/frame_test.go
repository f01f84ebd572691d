package pmm

import (
	"testing"

	"corekernel/internal/kernel"
)

func resetGlobal() {
	ResetForTest()
}

func TestInitThreadsRegionExcludingKernelImage(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	regions := []Region{{Start: 0x1000, End: 0x9000}} // 8 pages
	Init(regions, 0x3000, 0x5000)                     // excludes 2 pages

	if got, want := FreeCount(), 6; got != want {
		t.Fatalf("FreeCount() = %d, want %d", got, want)
	}
	if p := ByPhys(0x3000); p != nil && p.IsFree() {
		t.Fatal("kernel image page should not be free")
	}
}

func TestAllocPageRemovesFromFreeListAndZeroes(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	Init([]Region{{Start: 0, End: 0x4000}}, 0, 0) // 4 pages, none excluded

	var zeroed []uintptr
	ZeroFrame = func(phys uintptr) { zeroed = append(zeroed, phys) }

	before := FreeCount()
	p, err := AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if FreeCount() != before-1 {
		t.Fatalf("FreeCount() = %d, want %d", FreeCount(), before-1)
	}
	if p.IsFree() {
		t.Fatal("allocated page must not report IsFree")
	}
	if p.Refcount() != 1 {
		t.Fatalf("Refcount() = %d, want 1", p.Refcount())
	}
	if len(zeroed) != 1 || zeroed[0] != p.Phys {
		t.Fatalf("ZeroFrame called with %v, want [%x]", zeroed, p.Phys)
	}
}

func TestAllocPageExhaustion(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	Init([]Region{{Start: 0, End: 0x2000}}, 0, 0) // 2 pages

	if _, err := AllocPage(); err != nil {
		t.Fatalf("first AllocPage: %v", err)
	}
	if _, err := AllocPage(); err != nil {
		t.Fatalf("second AllocPage: %v", err)
	}
	if _, err := AllocPage(); err != kernel.NoMemory {
		t.Fatalf("third AllocPage: got %v, want kernel.NoMemory", err)
	}
}

func TestAllocContiguousFindsRunRegardlessOfFreeListOrder(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	// 8 contiguous pages, all free.
	Init([]Region{{Start: 0, End: 8 * PageSize}}, 0, 0)

	// Rebuild the free list through push: pop everything and push it
	// back in reverse pop order. That restores the order Init left,
	// highest address first (the reverse of physical order), which
	// exercises the Open Question #3 decision that AllocContiguous must
	// not assume list order mirrors physical order.
	var popped []*Page
	for {
		p := global.pop()
		if p == nil {
			break
		}
		popped = append(popped, p)
	}
	for i := len(popped) - 1; i >= 0; i-- {
		global.push(popped[i])
	}

	run, err := AllocContiguous(4)
	if err != nil {
		t.Fatalf("AllocContiguous(4): %v", err)
	}
	if len(run) != 4 {
		t.Fatalf("len(run) = %d, want 4", len(run))
	}
	for i := 1; i < len(run); i++ {
		if run[i].Phys != run[i-1].Phys+PageSize {
			t.Fatalf("run not physically contiguous: %x then %x", run[i-1].Phys, run[i].Phys)
		}
	}
	if FreeCount() != 4 {
		t.Fatalf("FreeCount() = %d, want 4", FreeCount())
	}
}

func TestAllocContiguousRejectsOutOfRangeCount(t *testing.T) {
	resetGlobal()
	defer resetGlobal()
	Init([]Region{{Start: 0, End: PageSize}}, 0, 0)

	if _, err := AllocContiguous(0); err != kernel.InvalidValue {
		t.Fatalf("AllocContiguous(0): got %v, want kernel.InvalidValue", err)
	}
	if _, err := AllocContiguous(17); err != kernel.InvalidValue {
		t.Fatalf("AllocContiguous(17): got %v, want kernel.InvalidValue", err)
	}
}

func TestAllocAlignedContiguousSkipsUnalignedRuns(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	// 12 pages starting at 0x1000 (PageSize): a 4-page run is only
	// 0x8000-aligned once it reaches phys 0x8000, not at the region's
	// unaligned start.
	Init([]Region{{Start: PageSize, End: 13 * PageSize}}, 0, 0)

	run, err := AllocAlignedContiguous(4, 0x8000)
	if err != nil {
		t.Fatalf("AllocAlignedContiguous(4, 0x8000): %v", err)
	}
	if run[0].Phys%0x8000 != 0 {
		t.Fatalf("run[0].Phys = %x, not 0x8000-aligned", run[0].Phys)
	}
	for i := 1; i < len(run); i++ {
		if run[i].Phys != run[i-1].Phys+PageSize {
			t.Fatalf("run not physically contiguous: %x then %x", run[i-1].Phys, run[i].Phys)
		}
	}
}

func TestAllocAlignedContiguousRejectsBadAlignment(t *testing.T) {
	resetGlobal()
	defer resetGlobal()
	Init([]Region{{Start: 0, End: PageSize}}, 0, 0)

	if _, err := AllocAlignedContiguous(1, 0); err != kernel.InvalidValue {
		t.Fatalf("alignBytes=0: got %v, want kernel.InvalidValue", err)
	}
	if _, err := AllocAlignedContiguous(1, 3); err != kernel.InvalidValue {
		t.Fatalf("non-power-of-two alignBytes: got %v, want kernel.InvalidValue", err)
	}
}

func TestBytesAtSpansMultiplePages(t *testing.T) {
	resetGlobal()
	defer resetGlobal()
	Init([]Region{{Start: 0, End: 4 * PageSize}}, 0, 0)

	b := BytesAt(0, 3*PageSize)
	if b == nil {
		t.Fatal("BytesAt should return a slice for an in-range multi-page span")
	}
	if len(b) != 3*PageSize {
		t.Fatalf("len(b) = %d, want %d", len(b), 3*PageSize)
	}
	b[0] = 0xAB
	if FrameBytes(0)[0] != 0xAB {
		t.Fatal("BytesAt and FrameBytes should alias the same backing memory")
	}
}

func TestBytesAtOutOfRangeReturnsNil(t *testing.T) {
	resetGlobal()
	defer resetGlobal()
	Init([]Region{{Start: 0, End: PageSize}}, 0, 0)

	if BytesAt(0, 4*PageSize) != nil {
		t.Fatal("BytesAt spanning past the tracked range should return nil")
	}
}

func TestFreePageReturnsFrameToFreeList(t *testing.T) {
	resetGlobal()
	defer resetGlobal()
	Init([]Region{{Start: 0, End: PageSize}}, 0, 0)

	p, err := AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if FreeCount() != 0 {
		t.Fatalf("FreeCount() = %d, want 0", FreeCount())
	}
	FreePage(p)
	if FreeCount() != 1 {
		t.Fatalf("FreeCount() = %d, want 1", FreeCount())
	}
	if !p.IsFree() {
		t.Fatal("freed page should report IsFree")
	}
}
