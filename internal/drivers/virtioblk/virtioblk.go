// Package virtioblk is the virtio-blk block driver (spec.md §4.10's
// "Block driver usage" paragraph), grounded on
// original_source/drivers/virtio_blk.cpp: per in-flight I/O a "slot"
// carrying a DMA request header, a 1-byte status buffer, and a
// free-slot bitmap bounding how many requests may be outstanding at
// once, completing via the soft-IRQ-driven used-ring harvest loop
// internal/virtio's Queue already provides.
package virtioblk

import (
	"corekernel/internal/binpack"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/pmm"
	"corekernel/internal/softirq"
	"corekernel/internal/virtio"
)

const sectorSize = 512

// Request types (virtio-blk spec, unchanged from the teacher's TypeIn/
// TypeOut/TypeFlush).
const (
	reqTypeIn    = 0
	reqTypeOut   = 1
	reqTypeFlush = 4
)

const maxSlots = 32 // bound on requests in flight per queue, as in the teacher's FreeSlotMask

// reqHeader is the 16-byte DMA header preceding every request
// descriptor chain (original_source's VirtioBlkReq: Type, Reserved,
// Sector, `__attribute__((packed))`, static_assert size == 16).
type reqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const reqHeaderSize = 16

// slot is one in-flight request's DMA-visible state: its own header
// and status byte, plus the descriptor-chain head virtio.Queue
// assigned it.
type slot struct {
	headerPhys uintptr
	statusPhys uintptr
	header     []byte // reqHeaderSize bytes, view into the DMA page
	status     []byte // 1 byte, view into the DMA page

	inUse bool
	head  uint16
}

// Device is one virtio-blk instance.
type Device struct {
	queue           *virtio.Queue
	cc              virtio.CommonConfig
	capacitySectors uint64

	dmaPages []*pmm.Page
	slots    [maxSlots]slot
	freeMask uint32 // bit i set iff slots[i] is free

	softirq *softirq.Queue
}

// FeatureFlush is VIRTIO_BLK_F_FLUSH (bit 9), the only feature this
// driver negotiates beyond the base protocol — matching the teacher's
// HasFlush/FeatureFlush handling.
const FeatureFlush = 1 << 9

// Init negotiates features, enables the request queue, allocates the
// per-slot DMA headers/status bytes out of one page, and reads the
// device's sector capacity from its config space (spec.md §4.9's
// handshake plus §4.10's driver usage). cfg64 reads an 8-byte
// little-endian field from the virtio device-config BAR — supplied by
// the transport, since its exact MMIO/port access differs between
// legacy and modern devices.
func Init(cc virtio.CommonConfig, cfg64 func(offset uint32) uint64, sq *softirq.Queue) (*Device, error) {
	supported := [2]uint32{FeatureFlush, 1} // features[1] bit0 = VIRTIO_F_VERSION_1
	if err := virtio.Negotiate(cc, supported); err != nil {
		return nil, err
	}

	q, err := virtio.EnableQueue(cc, 0)
	if err != nil {
		return nil, err
	}
	virtio.FinishDriverOK(cc)

	pages, err := pmm.AllocContiguous(1)
	if err != nil {
		q.Release()
		return nil, err
	}
	dmaBlock := pmm.BytesAt(pages[0].Phys, pmm.PageSize)
	kernel.BugOn(dmaBlock == nil, "virtioblk: DMA page not pmm-backed")
	for i := range dmaBlock {
		dmaBlock[i] = 0
	}

	d := &Device{queue: q, cc: cc, dmaPages: pages, softirq: sq, freeMask: (1 << maxSlots) - 1}
	for i := 0; i < maxSlots; i++ {
		headerOff := i * reqHeaderSize
		statusOff := maxSlots*reqHeaderSize + i
		d.slots[i].headerPhys = pages[0].Phys + uintptr(headerOff)
		d.slots[i].statusPhys = pages[0].Phys + uintptr(statusOff)
		d.slots[i].header = dmaBlock[headerOff : headerOff+reqHeaderSize]
		d.slots[i].status = dmaBlock[statusOff : statusOff+1]
	}

	d.capacitySectors = cfg64(0)
	klog.Infof("virtioblk: capacity %d sectors", d.capacitySectors)

	return d, nil
}

// Queue returns the request queue Init enabled, so the caller (the
// transport integration in cmd/kernel) can wire its NotifyFunc once the
// queue's notify_off is known — the same seam queue.go documents as
// "filled in by the transport (C11) once" a queue is enabled.
func (d *Device) Queue() *virtio.Queue { return d.queue }

// Capacity returns the device's advertised sector count.
func (d *Device) Capacity() uint64 { return d.capacitySectors }

// SectorSize is always 512 for virtio-blk.
func (d *Device) SectorSize() uint64 { return sectorSize }

func (d *Device) allocSlot() (int, bool) {
	for i := 0; i < maxSlots; i++ {
		bit := uint32(1) << uint(i)
		if d.freeMask&bit != 0 {
			d.freeMask &^= bit
			return i, true
		}
	}
	return 0, false
}

func (d *Device) freeSlot(i int) {
	d.slots[i].inUse = false
	d.freeMask |= 1 << uint(i)
}

// submit builds a slot's descriptor chain and hands it to the queue.
// flush requests carry no data buffer (spec.md §4.10: "[header(R),
// status(W)] for flush"); read/write carry one (spec.md: "[header(R),
// data(R|W), status(W)]").
func (d *Device) submit(reqType uint32, sector uint64, dataPhys uintptr, dataLen uint32, write bool) (int, error) {
	i, ok := d.allocSlot()
	if !ok {
		return 0, kernel.Unsuccessful
	}
	s := &d.slots[i]
	hdr, err := binpack.Pack(reqHeader{Type: reqType, Sector: sector})
	if err != nil {
		d.freeSlot(i)
		return 0, err
	}
	copy(s.header, hdr)
	s.status[0] = 0xFF // sentinel the device must overwrite

	descs := make([]virtio.BufDesc, 0, 3)
	descs = append(descs, virtio.BufDesc{Addr: uint64(s.headerPhys), Len: reqHeaderSize})
	if dataLen > 0 {
		descs = append(descs, virtio.BufDesc{Addr: uint64(dataPhys), Len: dataLen, Write: !write})
	}
	descs = append(descs, virtio.BufDesc{Addr: uint64(s.statusPhys), Len: 1, Write: true})

	head, ok := d.queue.AddBufs(descs)
	if !ok {
		d.freeSlot(i)
		return 0, kernel.Unsuccessful
	}
	s.inUse = true
	s.head = head
	d.queue.Notify()
	return i, nil
}

// ReadSectors reads count sectors starting at sector into buf (buf must
// be count*512 bytes, identity-mapped/DMA-visible at bufPhys — spec.md
// §9 Open Question #1: the multi-sector form, length 1 for a single
// sector). ReadSectors posts the request itself and returns its slot
// index without waiting; the request completes later, when
// HandleInterrupt harvests it from the used ring. This layering mirrors spec.md §4.10's "queued requests... raising the
// block-I/O soft-IRQ" design, where completion is asynchronous.
func (d *Device) ReadSectors(sector uint64, count uint32, bufPhys uintptr) (slotIdx int, err error) {
	return d.submit(reqTypeIn, sector, bufPhys, count*sectorSize, false)
}

// WriteSectors mirrors ReadSectors for the write direction.
func (d *Device) WriteSectors(sector uint64, count uint32, bufPhys uintptr) (slotIdx int, err error) {
	return d.submit(reqTypeOut, sector, bufPhys, count*sectorSize, true)
}

// Flush submits a cache-flush request (spec.md §4.10, "flush" chain
// shape), valid only if the device negotiated FeatureFlush.
func (d *Device) Flush() (slotIdx int, err error) {
	return d.submit(reqTypeFlush, 0, 0, 0, false)
}

// HandleInterrupt drains the used ring, completing every finished slot
// (spec.md §4.10: "the core calls get_used() in a loop, looking up the
// slot by head index..., completing the request with success iff
// status == 0, marking the slot free, and raising the block-I/O
// soft-IRQ so queued requests can refill freed slots"). It returns the
// slot indices that completed and, for each, whether the device
// reported success.
func (d *Device) HandleInterrupt() []CompletedRequest {
	var completed []CompletedRequest
	for d.queue.HasUsed() {
		head, _, ok := d.queue.GetUsed()
		if !ok {
			break
		}
		idx, ok := d.slotByHead(head)
		if !ok {
			continue
		}
		s := &d.slots[idx]
		success := s.status[0] == 0
		completed = append(completed, CompletedRequest{SlotIndex: idx, Success: success})
		d.freeSlot(idx)
	}
	if len(completed) > 0 && d.softirq != nil {
		d.softirq.Raise(softirq2Type())
	}
	return completed
}

// CompletedRequest reports one finished slot from HandleInterrupt.
type CompletedRequest struct {
	SlotIndex int
	Success   bool
}

func (d *Device) slotByHead(head uint16) (int, bool) {
	for i := range d.slots {
		if d.slots[i].inUse && d.slots[i].head == head {
			return i, true
		}
	}
	return 0, false
}

func softirq2Type() softirq.Type { return softirq.TypeBlkIo }
