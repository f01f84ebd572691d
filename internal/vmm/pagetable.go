// Package vmm is the page-table manager (C3) and the TLB shootdown
// protocol built on top of it (C4). It generalizes the teacher's single
// static ARM64 table (`mmu.go`'s fixed-address bump allocator walking
// L0..L3) into a real 4-level x86-64 hierarchy built from frames handed
// out by pmm, using the same "flags packed alongside the entry" idea as
// `bitfield.PageFlags` for the leaf attribute bits.
package vmm

import (
	"errors"

	"corekernel/internal/arch"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/ksync"
	"corekernel/internal/pmm"
)

const (
	entriesPerTable = 512
	pageSize        = pmm.PageSize

	shiftL4 = 39
	shiftL3 = 30
	shiftL2 = 21
	shiftL1 = 12

	indexMask = entriesPerTable - 1
)

// Entry flag bits, matching the x86-64 page-table entry layout named by
// spec.md §3 ("present, writable, user, cache-disabled, huge, accessed,
// dirty").
const (
	FlagPresent  uint64 = 1 << 0
	FlagWritable uint64 = 1 << 1
	FlagUser     uint64 = 1 << 2
	FlagCacheDis uint64 = 1 << 4
	FlagAccessed uint64 = 1 << 5
	FlagDirty    uint64 = 1 << 6
	FlagHuge     uint64 = 1 << 7

	physAddrMask uint64 = 0x000F_FFFF_FFFF_F000
)

// KernelBase is the virtual address at which the kernel half begins
// (spec.md §6); the kernel direct-map subtracts this to recover a
// physical address.
const KernelBase uintptr = 0xFFFF_8000_0000_0000

// errWalkMiss marks an intermediate or leaf entry that is not present
// during a non-allocating walk. It never escapes this file: VirtToPhys
// treats it as "unmapped, return 0" while Unmap treats the same miss at
// the leaf as the Bug spec.md §4.2 calls out ("not mapped → bug").
var errWalkMiss = errors.New("vmm: walk miss")

type table struct {
	entries [entriesPerTable]uint64
}

// manager owns the structural lock around the live tree plus the root
// physical frame (loaded into CR3 once setup() hands off from the
// bootstrap table).
type manager struct {
	lock ksync.SpinLock
	root uintptr // phys of the L4 table
}

var global manager

// Init installs root as the live page-table root. The bootstrap table
// (2 MiB huge pages, identity-mapping the first 4 GiB of both halves)
// is built and installed by the boot trampoline before Go code runs, per
// spec.md §4.2; Init records the frame that setup() built to replace it
// and is the point at which map/unmap become valid to call.
func Init(rootPhys uintptr) {
	global.root = rootPhys
	klog.Infof("vmm: page-table root at phys %x", rootPhys)
}

func tableAt(phys uintptr) *table {
	return (*table)(framePointer(phys))
}

// indices splits a canonical virtual address into its four table indices.
func indices(va uintptr) (l4, l3, l2, l1 int) {
	u := uint64(va)
	l4 = int((u >> shiftL4) & indexMask)
	l3 = int((u >> shiftL3) & indexMask)
	l2 = int((u >> shiftL2) & indexMask)
	l1 = int((u >> shiftL1) & indexMask)
	return
}

// walk descends the tree from the root, allocating intermediate nodes
// (from the frame allocator, per spec.md §4.2 "Node allocation for
// intermediate levels uses the frame allocator") when alloc is true.
// Returns the L1 table and the l1 index for the leaf entry, or an error
// if an intermediate node is missing and alloc is false.
func walk(va uintptr, alloc bool) (*table, int, error) {
	l4i, l3i, l2i, l1i := indices(va)

	l4t := tableAt(global.root)
	l3phys, err := step(l4t, l4i, alloc)
	if err != nil {
		return nil, 0, err
	}
	l3t := tableAt(l3phys)
	l2phys, err := step(l3t, l3i, alloc)
	if err != nil {
		return nil, 0, err
	}
	l2t := tableAt(l2phys)
	l1phys, err := step(l2t, l2i, alloc)
	if err != nil {
		return nil, 0, err
	}
	return tableAt(l1phys), l1i, nil
}

// step returns the child table's physical address at index idx,
// allocating and linking a fresh node if absent and alloc is set.
func step(t *table, idx int, alloc bool) (uintptr, error) {
	e := t.entries[idx]
	if e&FlagPresent != 0 {
		return uintptr(e & physAddrMask), nil
	}
	if !alloc {
		return 0, errWalkMiss
	}
	node, err := pmm.AllocPage()
	if err != nil {
		return 0, kernel.NoMemory
	}
	t.entries[idx] = uint64(node.Phys)&physAddrMask | FlagPresent | FlagWritable
	return node.Phys, nil
}

// Map installs a mapping from va to page's physical frame with the
// given flags. va must be 4K-aligned; the caller owns page's reference.
// Leaf flags are always cleared to present on success (spec.md §4.2).
func Map(va uintptr, page *pmm.Page, flags uint64) error {
	if va%pageSize != 0 {
		return kernel.InvalidValue
	}
	st := global.lock.Lock()
	defer global.lock.Unlock(st)

	l1t, l1i, err := walk(va, true)
	if err != nil {
		return err
	}
	if l1t.entries[l1i]&FlagPresent != 0 {
		return kernel.AlreadyExists
	}
	l1t.entries[l1i] = uint64(page.Phys)&physAddrMask | flags | FlagPresent
	page.Get()
	return nil
}

// Unmap removes the mapping at va, returns the frame descriptor, and
// decrements its refcount. va must currently be mapped — unmapping an
// unmapped address is a Bug per spec.md §4.2 ("not mapped → bug") and
// panics via kernel.BugOn rather than returning an error.
func Unmap(va uintptr) (*pmm.Page, error) {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)

	l1t, l1i, err := walk(va, false)
	kernel.BugOn(err != nil, "vmm: unmap of unmapped address %x", va)
	e := l1t.entries[l1i]
	kernel.BugOn(e&FlagPresent == 0, "vmm: unmap of unmapped address %x", va)
	phys := uintptr(e & physAddrMask)
	l1t.entries[l1i] = 0
	arch.Invlpg(va)
	Shootdown(va)

	page := pmm.ByPhys(phys)
	if page != nil {
		page.Put()
	}
	return page, nil
}

// VirtToPhys walks the live tree and returns the physical address for
// va, or 0 if unmapped. Intermediate nodes are dereferenced through
// framePointer, not a temp-map: every node is itself a pmm frame, so
// framePointer's direct-map/FrameBytes path already reaches it.
func VirtToPhys(va uintptr) uintptr {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)

	l1t, l1i, err := walk(va, false)
	if err != nil {
		return 0
	}
	e := l1t.entries[l1i]
	if e&FlagPresent == 0 {
		return 0
	}
	return uintptr(e&physAddrMask) + (va & (pageSize - 1))
}
