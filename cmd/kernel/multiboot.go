package main

import (
	"unsafe"

	"corekernel/internal/vmm"
)

// Multiboot2 tag types this kernel cares about (Multiboot2 spec §3.4):
// the bootloader-supplied memory map and the kernel command line.
const (
	mbTagTerminator = 0
	mbTagCmdline    = 1
	mbTagMemoryMap  = 6
)

// mbMemMapEntryAvailable is the Multiboot2 memory-map entry type for
// ordinary usable RAM; every other type (ACPI reclaimable, reserved,
// NVS) is left out of the free list pmm.Init builds.
const mbMemMapEntryAvailable = 1

// mbMemMapEntry mirrors one multiboot_mmap_entry (Multiboot2 spec
// §3.6.8): base, length, type, and a reserved dword, packed with no
// padding.
type mbMemMapEntry struct {
	BaseAddr uint64
	Length   uint64
	Type     uint32
	Reserved uint32
}

// mbRegion is one parsed memory-map entry, in the shape pmm.Init wants
// (internal/pmm can't import cmd/kernel, so this stays a plain struct
// here and gets converted at the call site).
type mbRegion struct {
	Start, End uintptr
}

// readMultiboot walks the Multiboot2 information structure at infoPhys
// (spec.md §6: the boot trampoline hands Main `ebx` pointing at it,
// already addressable through the bootstrap identity map) and extracts
// the memory map and the raw command-line string. Multiboot2 tag
// parsing is this kernel's own control flow, per spec.md §2's boot
// sequence ("boot trampoline -> Multiboot parse -> memory map ingest ->
// ..."); it is not part of the external ACPI/MADT parser's contract
// (spec.md §1), which only covers the LAPIC/IO-APIC/GSI information
// acpiinfo consumes.
func readMultiboot(infoPhys uint32) (regions []mbRegion, rawCmdline string) {
	base := vmm.DirectMap(uintptr(infoPhys))
	totalSize := *(*uint32)(unsafe.Pointer(base))

	off := uintptr(8) // skip total_size + reserved
	for off < uintptr(totalSize) {
		tagType := *(*uint32)(unsafe.Pointer(base + off))
		tagSize := *(*uint32)(unsafe.Pointer(base + off + 4))
		if tagType == mbTagTerminator {
			break
		}

		switch tagType {
		case mbTagMemoryMap:
			entrySize := uintptr(*(*uint32)(unsafe.Pointer(base + off + 8)))
			entriesStart := off + 16
			entriesEnd := off + uintptr(tagSize)
			for eoff := entriesStart; eoff+entrySize <= entriesEnd; eoff += entrySize {
				e := (*mbMemMapEntry)(unsafe.Pointer(base + eoff))
				if e.Type == mbMemMapEntryAvailable {
					regions = append(regions, mbRegion{
						Start: uintptr(e.BaseAddr),
						End:   uintptr(e.BaseAddr + e.Length),
					})
				}
			}

		case mbTagCmdline:
			strStart := off + 8
			strLen := uintptr(tagSize) - 8
			bytes := unsafe.Slice((*byte)(unsafe.Pointer(base+strStart)), strLen)
			n := 0
			for n < len(bytes) && bytes[n] != 0 {
				n++
			}
			rawCmdline = string(bytes[:n])
		}

		off += (uintptr(tagSize) + 7) &^ 7 // every tag is 8-byte aligned
	}
	return regions, rawCmdline
}
