// Package pmm is the physical frame allocator (C2): it owns every RAM
// page and hands out single pages or small contiguous runs. Frame
// descriptors form the dense array described in spec.md §3 ("Frame"),
// indexed by phys>>12, with the free list threaded through the
// descriptors themselves (page.go's freePages/next/prev pattern in the
// teacher, generalized from a single RPi-sized array to one built from
// a Multiboot2 memory map with holes).
package pmm

import (
	"corekernel/internal/bitfield"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/ksync"
)

const PageSize = 4096

// Page is the per-frame descriptor. Next/Prev double as the freelist
// link; per spec.md §3's invariant, Next is self-pointing iff the
// frame is not on the free list, which is how IsFree is computed
// without a separate bit.
type Page struct {
	Phys     uintptr
	refcount int32
	flags    uint32
	Next     *Page
	Prev     *Page
}

// IsFree reports whether the descriptor is currently threaded onto the
// free list.
func (p *Page) IsFree() bool { return p.Next != p }

// Refcount returns the current reference count. A frame with refcount
// > 1 is shared (spec.md §3).
func (p *Page) Refcount() int32 { return p.refcount }

// Get increments the refcount (a new virtual mapping of this frame, or
// a second owner taking a reference).
func (p *Page) Get() { p.refcount++ }

// Put drops a reference taken by Get. It does not return the frame to
// the free list — callers that want that call FreePage once refcount
// reaches 0, mirroring vmm.Unmap's "decrements its refcount" contract
// (spec.md §4.2) without pmm needing to know about mappings.
func (p *Page) Put() {
	if p.refcount > 0 {
		p.refcount--
	}
}

// setKernel marks the frame allocated and sets whether it is kernel bookkeeping
// (a page-table node, a task stack) rather than a general allocation.
func (p *Page) setKernel(v bool) {
	f := bitfield.UnpackPageFlags(p.flags)
	f.Allocated = true
	f.KernelPage = v
	packed, _ := bitfield.PackPageFlags(f)
	p.flags = packed
}

func (p *Page) markFree() {
	f := bitfield.UnpackPageFlags(p.flags)
	f.Allocated = false
	f.KernelPage = false
	packed, _ := bitfield.PackPageFlags(f)
	p.flags = packed
}

// Region describes one free physical range from the Multiboot2 memory
// map, the ingest input named by spec.md §2's control flow
// ("memory map ingest"). The ACPI/MADT parser and Multiboot2 loader
// that produce this list are out of scope (spec.md §1); pmm only
// consumes it.
type Region struct {
	Start uintptr
	End   uintptr // exclusive
}


// ZeroFrame, if set, is called to scrub a frame before AllocPage hands
// it out. vmm installs a zeroer here during boot that goes through a
// temp-map for frames with no existing mapping (spec.md §4.1: "zero
// the frame via a temp-map"); this keeps pmm from
// importing vmm, which in turn imports pmm for page-table node frames
// (C3: "Node allocation for intermediate levels uses the frame
// allocator") — the same cyclic-reference problem spec.md §9 calls out
// for Task↔TaskQueue, resolved the same way: through an indirection
// rather than a direct import.
var ZeroFrame func(phys uintptr)

// Allocator owns the frame array and free list for one physically
// contiguous address space view.
type Allocator struct {
	lock      ksync.SpinLock
	pages     []Page
	base      uintptr // phys >> 12 of pages[0]
	free      *Page
	freeCount int
	backing   []byte // real storage standing in for [lowest, highest)
}

var global Allocator

// ResetForTest discards allocator state between test cases. Only called
// from _test.go files in this module and in vmm, which needs a clean
// pmm.Init before every Map/Unmap test.
func ResetForTest() {
	global = Allocator{}
	ZeroFrame = nil
}

// FrameBytes returns a PageSize-length slice backed by real memory for
// phys, or nil if phys is outside the range pmm.Init was told about.
// This is how vmm reads and writes page-table node contents: on real
// hardware those frames simply are physical RAM at phys, addressable
// once the relevant mapping exists; pmm models that RAM as a Go-owned
// buffer so the same frame accesses are also valid — and host-testable
// — before any such mapping is built.
func FrameBytes(phys uintptr) []byte {
	p := global.at(phys &^ (PageSize - 1))
	if p == nil {
		return nil
	}
	idx := int(phys>>12) - int(global.base)
	off := idx * PageSize
	return global.backing[off : off+PageSize]
}

// BytesAt returns a length-byte slice backed by real memory starting
// at phys, or nil if any part of [phys, phys+length) falls outside the
// range pmm.Init was told about. Generalizes FrameBytes (which is
// fixed at one PageSize) to the multi-page contiguous blocks C12's
// virtqueue engine allocates for one device's descriptor/avail/used
// rings (spec.md §4.10: "allocated as one contiguous physical block").
func BytesAt(phys uintptr, length uintptr) []byte {
	if global.at(phys) == nil || global.at(phys+length-1) == nil {
		return nil
	}
	idx := int(phys>>12) - int(global.base)
	off := idx*PageSize + int(phys&(PageSize-1))
	return global.backing[off : off+int(length)]
}

// Init builds the dense Page array over [lowestPhys, highestPhys) and
// threads every page in regions (after rounding to page boundaries and
// excluding [kernelStart, kernelEnd)) onto the free list. Pages outside
// any free region are left allocated (BIOS/ACPI holes, the kernel
// image) and never appear on the free list.
func Init(regions []Region, kernelStart, kernelEnd uintptr) {
	var lowest, highest uintptr = ^uintptr(0), 0
	for _, r := range regions {
		if r.Start < lowest {
			lowest = r.Start
		}
		if r.End > highest {
			highest = r.End
		}
	}
	if kernelEnd > highest {
		highest = kernelEnd
	}
	lowest &^= (PageSize - 1)
	highest = (highest + PageSize - 1) &^ (PageSize - 1)

	global.base = lowest >> 12
	count := int((highest - lowest) / PageSize)
	global.pages = make([]Page, count)
	global.backing = make([]byte, count*PageSize)
	for i := range global.pages {
		p := &global.pages[i]
		p.Phys = lowest + uintptr(i)*PageSize
		p.Next, p.Prev = p, p // not on free list
		p.refcount = 0
		p.setKernel(true) // reserved until proven free below
	}

	for _, r := range regions {
		start := (r.Start + PageSize - 1) &^ (PageSize - 1)
		end := r.End &^ (PageSize - 1)
		for phys := start; phys < end; phys += PageSize {
			if phys >= kernelStart && phys < kernelEnd {
				continue
			}
			p := global.at(phys)
			if p == nil {
				continue
			}
			p.markFree()
			global.push(p)
		}
	}
	klog.Infof("pmm: %d free frames of %d total", global.freeCount, count)
}

func (a *Allocator) at(phys uintptr) *Page {
	idx := int(phys>>12) - int(a.base)
	if idx < 0 || idx >= len(a.pages) {
		return nil
	}
	return &a.pages[idx]
}

func (a *Allocator) push(p *Page) {
	p.Prev = nil
	p.Next = a.free
	if a.free != nil {
		a.free.Prev = p
	}
	a.free = p
	a.freeCount++
}

func (a *Allocator) pop() *Page {
	p := a.free
	if p == nil {
		return nil
	}
	a.free = p.Next
	if a.free != nil {
		a.free.Prev = nil
	}
	p.Next, p.Prev = p, p
	a.freeCount--
	return p
}

// FreeCount returns the number of frames currently on the free list.
func FreeCount() int {
	return global.freeCount
}

// ByPhys looks up the descriptor for a known-valid physical address.
func ByPhys(phys uintptr) *Page {
	return global.at(phys &^ (PageSize - 1))
}

// AllocPage removes the head of the free list, zeroes it, and returns
// it with refcount 1 (spec.md §4.1).
func AllocPage() (*Page, error) {
	st := global.lock.Lock()
	p := global.pop()
	global.lock.Unlock(st)
	if p == nil {
		return nil, kernel.NoMemory
	}
	p.setKernel(false)
	p.refcount = 1
	if ZeroFrame != nil {
		ZeroFrame(p.Phys)
	}
	return p, nil
}

// AllocContiguous walks the freelist looking for a run of n descriptors
// that are both still free and physically consecutive (spec.md §4.1).
// It tolerates the free list being in any order — the Open Question in
// spec.md §9 names this as the intended, not the assumed-sorted,
// behavior.
func AllocContiguous(n int) ([]*Page, error) {
	return allocContiguous(n, 0)
}

// AllocAlignedContiguous is AllocContiguous with the additional
// requirement that the run's first frame starts on an alignBytes
// boundary — what sched needs for its 8-page task stacks, whose "mask
// RSP to the 32 KiB boundary" lookup (spec.md §4.6) only works if every
// stack actually begins on one.
func AllocAlignedContiguous(n int, alignBytes uintptr) ([]*Page, error) {
	if alignBytes == 0 || alignBytes&(alignBytes-1) != 0 {
		return nil, kernel.InvalidValue
	}
	return allocContiguous(n, alignBytes)
}

func allocContiguous(n int, alignBytes uintptr) ([]*Page, error) {
	if n < 1 || n > 16 {
		return nil, kernel.InvalidValue
	}
	st := global.lock.Lock()
	defer global.lock.Unlock(st)

	for p := global.free; p != nil; p = p.Next {
		if alignBytes != 0 && p.Phys%alignBytes != 0 {
			continue
		}
		run := make([]*Page, 0, n)
		run = append(run, p)
		cursor := p
		for len(run) < n {
			next := global.at(cursor.Phys + PageSize)
			if next == nil || !next.IsFree() {
				break
			}
			run = append(run, next)
			cursor = next
		}
		if len(run) == n {
			for _, f := range run {
				global.unlink(f)
				f.setKernel(true)
				f.refcount = 1
				if ZeroFrame != nil {
					ZeroFrame(f.Phys)
				}
			}
			return run, nil
		}
	}
	return nil, kernel.NoMemory
}

func (a *Allocator) unlink(p *Page) {
	if p.Prev != nil {
		p.Prev.Next = p.Next
	} else if a.free == p {
		a.free = p.Next
	}
	if p.Next != nil {
		p.Next.Prev = p.Prev
	}
	p.Next, p.Prev = p, p
	a.freeCount--
}

// FreePage inserts p at the head of the free list. Callers must have
// already dropped the last reference (p.Refcount() == 0); pmm itself
// does not track mapping refcounts, only whether the list considers
// the frame free.
func FreePage(p *Page) {
	st := global.lock.Lock()
	p.markFree()
	global.push(p)
	global.lock.Unlock(st)
}
