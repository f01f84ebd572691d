// Package virtio is the virtio transport (C11) and virt-queue engine
// (C12): PCI capability discovery and feature negotiation over a
// virtio-PCI device, and the split descriptor/available/used ring
// protocol drivers use to exchange buffers with it (spec.md §4.9,
// §4.10). Grounded on the teacher's virtqueue.go, retargeted from its
// manual kmalloc+bzero allocation and ARM dsb() barriers onto pmm's
// frame allocator and plain little-endian binpack stores of the ring
// indices.
package virtio

import (
	"corekernel/internal/binpack"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/pmm"
)

// Descriptor flags (spec.md §4.10: "Descriptor flags {NEXT=1, WRITE=2,
// INDIRECT=4}"), unchanged from the teacher's VIRTQ_DESC_F_* consts.
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

const (
	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

	availHeaderSize = 4 // flags(2) + idx(2)
	availEntrySize  = 2
	availTrailerSize = 2 // used_event

	usedHeaderSize = 4 // flags(2) + idx(2)
	usedEntrySize  = 8 // id(4) + len(4)
	usedTrailerSize = 2 // avail_event
)

func descTableSize(q uint16) uintptr { return uintptr(q) * descSize }
func availRingSize(q uint16) uintptr {
	return availHeaderSize + uintptr(q)*availEntrySize + availTrailerSize
}
func usedRingSize(q uint16) uintptr {
	return usedHeaderSize + uintptr(q)*usedEntrySize + usedTrailerSize
}

// ringLayout computes the byte offsets of the three rings within one
// contiguous block (spec.md §4.10: "The three rings are allocated as
// one contiguous physical block sized for the device's queue length
// Q"). Descriptors must be 16-byte aligned, the available ring 2-byte,
// the used ring 4-byte — the teacher's virtqueueInit rounds each
// allocation up to satisfy the same constraints; here, since descSize
// is already a multiple of 16 and availRingSize a multiple of 2, only
// the used ring's offset needs rounding up to a 4-byte boundary.
func ringLayout(q uint16) (descOff, availOff, usedOff, total uintptr) {
	descOff = 0
	availOff = descOff + descTableSize(q)
	usedOff = availOff + availRingSize(q)
	usedOff = (usedOff + 3) &^ 3
	total = usedOff + usedRingSize(q)
	return
}

// BufDesc is one caller-supplied buffer to chain into a descriptor
// list via AddBufs.
type BufDesc struct {
	Addr    uint64
	Len     uint32
	Write   bool // device may write into this buffer
	Indirect bool
}

// Queue is one virtqueue: descriptor table, available ring, used ring,
// and the driver-side free-descriptor list threaded through the
// table's own unused Next fields (spec.md §4.10's add_bufs note: "the
// driver keeps its own free-list inside the descriptor table's unused
// next field").
type Queue struct {
	Index uint16 // this queue's index within its device, set by the transport
	size  uint16

	descPhys, availPhys, usedPhys uintptr
	desc, avail, used             []byte // pmm-backed views into one contiguous block
	pages                         []*pmm.Page

	freeHead uint16
	numFree  uint16

	lastUsedIdx uint16

	// NotifyFunc is filled in by the caller that owns the transport
	// (cmd/kernel's virtio probe) once the queue is enabled; Notify
	// calls it if set.
	NotifyFunc func(queueIndex uint16)
}

// NewQueue allocates and zeroes the three rings for a queue of the
// given size (spec.md §4.9: "select(i); size = read_queue_size(i);
// allocate rings"). size must be a power of two, mirroring the
// teacher's virtqueueInit check.
func NewQueue(size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, kernel.InvalidValue
	}

	descOff, availOff, usedOff, total := ringLayout(size)
	pages, err := pmm.AllocContiguous(int((total + pmm.PageSize - 1) / pmm.PageSize))
	if err != nil {
		return nil, err
	}

	base := pages[0].Phys
	block := pmm.BytesAt(base, uintptr(len(pages))*pmm.PageSize)
	kernel.BugOn(block == nil, "virtio: queue allocation not backed by pmm")
	for i := range block {
		block[i] = 0
	}

	q := &Queue{
		size:      size,
		descPhys:  base + descOff,
		availPhys: base + availOff,
		usedPhys:  base + usedOff,
		desc:      block[descOff : descOff+descTableSize(size)],
		avail:     block[availOff : availOff+availRingSize(size)],
		used:      block[usedOff : usedOff+usedRingSize(size)],
		pages:     pages,
		numFree:   size,
	}
	q.resetFreeList()
	return q, nil
}

func (q *Queue) resetFreeList() {
	q.freeHead = 0
	q.numFree = q.size
	for i := uint16(0); i < q.size-1; i++ {
		q.setDescNext(i, i+1)
	}
	q.setDescNext(q.size-1, 0xFFFF)
}

func (q *Queue) descOffset(i uint16) int { return int(i) * descSize }

func (q *Queue) setDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descOffset(i)
	binpack.PutUint64(q.desc, off+0, addr)
	binpack.PutUint32(q.desc, off+8, length)
	binpack.PutUint16(q.desc, off+12, flags)
	binpack.PutUint16(q.desc, off+14, next)
}

func (q *Queue) setDescNext(i, next uint16) {
	binpack.PutUint16(q.desc, q.descOffset(i)+14, next)
}

func (q *Queue) descFlags(i uint16) uint16 { return binpack.Uint16(q.desc, q.descOffset(i)+12) }
func (q *Queue) descNext(i uint16) uint16  { return binpack.Uint16(q.desc, q.descOffset(i)+14) }

// Size returns the queue's negotiated depth.
func (q *Queue) Size() uint16 { return q.size }

// DescTablePhys/AvailPhys/UsedPhys are the physical addresses the
// transport publishes to the device during queue enable (spec.md
// §4.9: "publish phys addresses").
func (q *Queue) DescTablePhys() uintptr  { return q.descPhys }
func (q *Queue) AvailPhys() uintptr      { return q.availPhys }
func (q *Queue) UsedPhys() uintptr       { return q.usedPhys }

func (q *Queue) availIdx() uint16    { return binpack.Uint16(q.avail, 2) }
func (q *Queue) setAvailIdx(v uint16) { binpack.PutUint16(q.avail, 2, v) }
func (q *Queue) availRingSlot(i uint16) uint16 {
	return binpack.Uint16(q.avail, availHeaderSize+int(i)*availEntrySize)
}
func (q *Queue) setAvailRingSlot(i, descIdx uint16) {
	binpack.PutUint16(q.avail, availHeaderSize+int(i)*availEntrySize, descIdx)
}

func (q *Queue) usedRingEntry(i uint16) (id uint32, length uint32) {
	off := usedHeaderSize + int(i)*usedEntrySize
	return binpack.Uint32(q.used, off), binpack.Uint32(q.used, off+4)
}

// AddBufs allocates a chain of free descriptors for descs — per
// spec.md §4.10's ordering contract, all device-readable entries must
// precede device-writable ones — fills them in, and publishes the
// chain's head into the next available-ring slot. Returns the chain
// head index, or ok=false if there are not enough free descriptors.
func (q *Queue) AddBufs(descs []BufDesc) (head uint16, ok bool) {
	if uint16(len(descs)) > q.numFree || len(descs) == 0 {
		return 0, false
	}

	indices := make([]uint16, len(descs))
	for i := range descs {
		indices[i] = q.freeHead
		q.freeHead = q.descNext(q.freeHead)
		q.numFree--
	}

	for i, d := range descs {
		flags := uint16(0)
		if d.Write {
			flags |= DescFWrite
		}
		if d.Indirect {
			flags |= DescFIndirect
		}
		next := uint16(0)
		if i < len(descs)-1 {
			flags |= DescFNext
			next = indices[i+1]
		}
		q.setDesc(indices[i], d.Addr, d.Len, flags, next)
	}

	slot := q.availIdx()
	q.setAvailRingSlot(slot%q.size, indices[0])
	// Barrier: the descriptor chain above must be visible before the
	// available index that announces it (spec.md §4.10's ordering
	// contract (b)). On amd64 a plain store already has release
	// semantics for subsequent loads by another CPU, matching the
	// teacher's single dsb() call ahead of its available-index update
	// in virtqueueAddToAvailable.
	q.setAvailIdx(slot + 1)

	return indices[0], true
}

// HasUsed reports whether the device has completed at least one more
// descriptor chain than the driver has consumed (spec.md §4.10's cheap
// has_used check).
func (q *Queue) HasUsed() bool {
	return binpack.Uint16(q.used, 2) != q.lastUsedIdx
}

// GetUsed returns the next completed descriptor chain's head index and
// the byte count the device wrote, freeing the chain back to the free
// list. ok is false if nothing new has been completed.
func (q *Queue) GetUsed() (head uint16, writtenLen uint32, ok bool) {
	if !q.HasUsed() {
		return 0, 0, false
	}
	slot := q.lastUsedIdx % q.size
	id, length := q.usedRingEntry(slot)
	q.lastUsedIdx++
	q.freeDescChain(uint16(id))
	return uint16(id), length, true
}

// freeDescChain walks the chain starting at head and returns every
// descriptor in it to the driver's free list (spec.md §4.10,
// mirroring the teacher's virtqueueFreeDescChain).
func (q *Queue) freeDescChain(head uint16) {
	current := head
	for {
		flags := q.descFlags(current)
		next := q.descNext(current)

		q.setDescNext(current, q.freeHead)
		q.freeHead = current
		q.numFree++

		if flags&DescFNext == 0 {
			break
		}
		current = next
		if current == 0xFFFF {
			break
		}
	}
}

// Notify tells the device new buffers are available (spec.md §4.9:
// "Modern devices notify by writing the queue index to notify_base +
// queue_notify_off * notify_multiplier. Legacy devices write the queue
// index to a single notify port."). The actual MMIO/port write is the
// transport's job; Queue only calls back into whatever it installed.
func (q *Queue) Notify() {
	if q.NotifyFunc != nil {
		q.NotifyFunc(q.Index)
	}
}

// Release returns the queue's backing pages to pmm. Callers must no
// longer touch the queue afterward.
func (q *Queue) Release() {
	for _, p := range q.pages {
		pmm.FreePage(p)
	}
	klog.Infof("virtio: queue %d released", q.Index)
}
