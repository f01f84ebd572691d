package vmm

import (
	"unsafe"

	"corekernel/internal/arch"
	"corekernel/internal/kernel"
	"corekernel/internal/ksync"
	"corekernel/internal/pmm"
)

// Temp-map slots are a fixed ring of N reserved virtual pages backed by
// one L1 page, used to read/write an arbitrary physical frame — MMIO,
// ACPI ranges, or a page-table node being built — before the full
// mapping of it exists (spec.md §3 "Temp-map slots", §4.2 `tmp_map`).
const tempMapSlots = 512

// tempMapBase is an arbitrary reserved window inside the kernel half;
// it must not overlap the direct-map window below it.
const tempMapBase uintptr = KernelBase + 0x1_0000_0000 // KernelBase + 4 GiB

// directMapWindow covers the low 4 GiB of physical memory 1:1 below
// KernelBase — the "phys+0 by subtracting a fixed offset" identity map
// named by spec.md §3.
const directMapWindow uintptr = 4 << 30 // 4 GiB of direct-mapped phys

type tempSlot struct {
	phys uintptr // 0 if free
	used bool
}

var (
	tempLock  ksync.SpinLock
	tempSlot_ [tempMapSlots]tempSlot

	// tempL1 is the single L1 table backing the whole temp-map window
	// (spec.md §4.2: "backed by a single L1 page") — tempMapSlots equals
	// entriesPerTable so one L1 table covers exactly the window, index
	// i for slot i. Built lazily, since walk needs global.root set by
	// Init first.
	tempL1 *table
)

// ensureTempL1 returns the temp-map window's L1 table, building the
// L4/L3/L2/L1 chain down to it on first call.
func ensureTempL1() *table {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)
	if tempL1 != nil {
		return tempL1
	}
	l1t, l1i, err := walk(tempMapBase, true)
	kernel.BugOn(err != nil, "vmm: failed to build temp-map page table")
	kernel.BugOn(l1i != 0, "vmm: tempMapBase is not aligned to an L1 table boundary")
	tempL1 = l1t
	return l1t
}

// TmpMap reserves the next free slot, installs a leaf entry mapping it
// to phys, and returns its virtual address. Returns 0 if every slot is
// taken (spec.md §4.2: "slot pool exhausted → 0"). The returned
// address is immediately dereferenceable: unlike framePointer's
// direct-map fallback, this does not depend on phys already falling
// inside an existing mapping, so it is what covers MMIO and ACPI
// ranges per spec.md §4.2.
func TmpMap(phys uintptr) uintptr {
	phys &^= pageSize - 1
	l1t := ensureTempL1()

	st := tempLock.Lock()
	defer tempLock.Unlock(st)

	for i := range tempSlot_ {
		if !tempSlot_[i].used {
			tempSlot_[i].used = true
			tempSlot_[i].phys = phys
			va := tempMapBase + uintptr(i)*pageSize
			l1t.entries[i] = uint64(phys)&physAddrMask | FlagPresent | FlagWritable
			arch.Invlpg(va)
			return va
		}
	}
	return 0
}

// TmpUnmap releases the slot backing va and clears its leaf entry,
// invalidating the TLB entry for it locally (temp-maps are never
// shared across CPUs, so no shootdown).
func TmpUnmap(va uintptr) {
	if va < tempMapBase || va >= tempMapBase+tempMapSlots*pageSize {
		return
	}
	idx := int((va - tempMapBase) / pageSize)
	st := tempLock.Lock()
	tempSlot_[idx].used = false
	tempSlot_[idx].phys = 0
	if tempL1 != nil {
		tempL1.entries[idx] = 0
	}
	tempLock.Unlock(st)
	arch.Invlpg(va)
}

// DirectMap returns the kernel va for a physical address inside the
// direct-mapped window (spec.md §3: "phys = va − base for pages the
// kernel has direct-mapped"). It is pure arithmetic — valid once the
// bootstrap identity map or the live kernel mapping covers phys — and
// is what boot code and device drivers use to turn a DMA-visible
// physical address into a pointer they can follow.
func DirectMap(phys uintptr) uintptr {
	return KernelBase + phys
}

// framePointer resolves phys to a real, dereferenceable pointer. For
// any phys inside pmm's managed range (every page-table node, since
// nodes are themselves pmm frames) this goes through pmm.FrameBytes,
// which is real Go-owned memory and therefore safe to read and write
// with no MMU involved — the same reasoning that lets a hosted test
// exercise Map/Unmap at all. Outside that range (true device MMIO) it
// falls back to the DirectMap arithmetic, which only a live mapping on
// real hardware can back; that path is not exercised by tests. phys
// must fall inside directMapWindow — anything higher has no identity
// mapping and belongs behind TmpMap instead.
func framePointer(phys uintptr) unsafe.Pointer {
	if b := pmm.FrameBytes(phys); b != nil {
		return unsafe.Pointer(&b[0])
	}
	kernel.BugOn(phys >= directMapWindow, "vmm: frame %x outside the direct-mapped window, use TmpMap", phys)
	return unsafe.Pointer(DirectMap(phys))
}

// ResolvePointer exposes framePointer to other packages that need to
// dereference a physical address without a full virtual mapping — C7's
// task stacks are allocated as raw pmm frames and addressed through the
// direct map, so sched reads/writes its sentinel and descriptor fields
// through this rather than duplicating the pmm.FrameBytes/DirectMap
// fallback logic (and, in a host test, rather than crashing on a fake
// kernel-VA dereference).
func ResolvePointer(phys uintptr) unsafe.Pointer {
	return framePointer(phys)
}

// zeroAt scrubs one page at phys; installed as pmm.ZeroFrame during
// boot so the frame allocator never has to know about page tables (the
// dependency-injection seam documented in pmm.ZeroFrame's comment).
// Frames pmm.FrameBytes recognizes are Go-owned memory and are zeroed
// directly; real hardware frames have no such backing, so those go
// through a temp-map slot, per spec.md §4.1 ("zero the frame via a
// temp-map").
func zeroAt(phys uintptr) {
	if b := pmm.FrameBytes(phys); b != nil {
		arch.Bzero(unsafe.Pointer(&b[0]), pmm.PageSize)
		return
	}
	va := TmpMap(phys)
	kernel.BugOn(va == 0, "vmm: temp-map slots exhausted while zeroing frame %x", phys)
	arch.Bzero(unsafe.Pointer(va), pmm.PageSize)
	TmpUnmap(va)
}

// InstallZeroer wires pmm.ZeroFrame to the direct map. Called once from
// boot after Init, before the first AllocPage.
func InstallZeroer() {
	pmm.ZeroFrame = zeroAt
}

// mmioRegion records an established lazy MMIO mapping so a repeated
// MapMMIO call for the same range reuses it instead of leaking va space.
type mmioRegion struct {
	phys uintptr
	len  uintptr
	va   uintptr
}

var (
	mmioLock   ksync.SpinLock
	mmioRanges []mmioRegion
	mmioNext   uintptr = KernelBase + 0x2_0000_0000 // above the temp-map window
)

// MapMMIO maps a device's MMIO window into the kernel's direct-map
// region with the cache-disable flag, creating it lazily on first use
// (spec.md §4.2 `map_mmio`). Returns 0 on allocator exhaustion.
func MapMMIO(phys uintptr, length uintptr) uintptr {
	phys &^= pageSize - 1
	length = (length + pageSize - 1) &^ (pageSize - 1)

	st := mmioLock.Lock()
	for _, r := range mmioRanges {
		if r.phys == phys && r.len >= length {
			mmioLock.Unlock(st)
			return r.va
		}
	}
	base := mmioNext
	mmioNext += length
	mmioLock.Unlock(st)

	for off := uintptr(0); off < length; off += pageSize {
		page := pmm.ByPhys(phys + off)
		if page == nil {
			// MMIO ranges aren't RAM frames; synthesize a descriptor-free
			// mapping by writing the leaf entry directly rather than
			// going through Map, which requires an owned *pmm.Page.
			if !mapRaw(base+off, phys+off, FlagWritable|FlagCacheDis) {
				return 0
			}
			continue
		}
		if err := Map(base+off, page, FlagWritable|FlagCacheDis); err != nil {
			return 0
		}
	}

	st = mmioLock.Lock()
	mmioRanges = append(mmioRanges, mmioRegion{phys: phys, len: length, va: base})
	mmioLock.Unlock(st)
	return base
}

// mapRaw installs a leaf entry for a physical address with no backing
// pmm.Page (true MMIO, outside any region pmm.Init was told about).
func mapRaw(va, phys uintptr, flags uint64) bool {
	st := global.lock.Lock()
	defer global.lock.Unlock(st)

	l1t, l1i, err := walk(va, true)
	if err != nil {
		return false
	}
	if l1t.entries[l1i]&FlagPresent != 0 {
		return false
	}
	l1t.entries[l1i] = uint64(phys)&physAddrMask | flags | FlagPresent
	return true
}
