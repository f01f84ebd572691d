// Package virtionet is the virtio-net driver (spec.md §4.10's "Network
// driver RX/TX" paragraph), grounded on
// original_source/drivers/virtio_net.cpp for device bring-up shape
// (MAC read, RX buffer pre-posting, TX submission) but stopping at the
// frame boundary: ARP/IP/UDP (the original's higher layers) are a
// network protocol stack, explicitly out of scope.
package virtionet

import (
	"corekernel/internal/binpack"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/pmm"
	"corekernel/internal/softirq"
	"corekernel/internal/virtio"
)

// FeatureMac is VIRTIO_NET_F_MAC (bit 5): device_config carries a MAC
// address (original_source's FeatureMac).
const FeatureMac = 1 << 5

// netHdr is the 12-byte VIRTIO_F_VERSION_1 virtio-net header prefixing
// every frame on both rings (original_source's VirtioNetHdr, the
// modern variant with NumBuffers).
type netHdr struct {
	Flags      uint8
	GsoType    uint8
	HdrLen     uint16
	GsoSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	NumBuffers uint16
}

const netHdrSize = 12
const maxFrameSize = 1514
const rxQueueIndex = 0
const txQueueIndex = 1
const numRxBufs = 16

// Device is one virtio-net instance: an RX queue with buffers always
// kept posted, and a TX queue submitted to on demand.
type Device struct {
	rxQueue *virtio.Queue
	txQueue *virtio.Queue
	mac     [6]byte

	rxPages []*pmm.Page
	rxBufs  [numRxBufs][]byte // netHdrSize + maxFrameSize each, one view per buffer
	rxPhys  [numRxBufs]uintptr
	rxHead  [numRxBufs]uint16 // descriptor head currently posted for buffer i; 0xFFFF if not posted

	txPages []*pmm.Page
	txHdr   []byte // netHdrSize bytes, reused for every TX (one outstanding TX at a time)
	txHdrPhys uintptr

	softirq *softirq.Queue

	RxPackets, TxPackets, RxDropped uint64
}

// Init negotiates VIRTIO_NET_F_MAC (if offered), enables the RX and TX
// queues, reads the device's MAC address from config space, and posts
// every RX buffer up front (spec.md §4.10: "buffers pre-posted
// device-writable").
func Init(cc virtio.CommonConfig, cfgRead8 func(off uint32) uint8, sq *softirq.Queue) (*Device, error) {
	supported := [2]uint32{FeatureMac, 1}
	if err := virtio.Negotiate(cc, supported); err != nil {
		return nil, err
	}

	rxq, err := virtio.EnableQueue(cc, rxQueueIndex)
	if err != nil {
		return nil, err
	}
	txq, err := virtio.EnableQueue(cc, txQueueIndex)
	if err != nil {
		rxq.Release()
		return nil, err
	}
	virtio.FinishDriverOK(cc)

	d := &Device{rxQueue: rxq, txQueue: txq, softirq: sq}
	for i := range d.rxHead {
		d.rxHead[i] = 0xFFFF
	}
	for i := 0; i < 6; i++ {
		d.mac[i] = cfgRead8(uint32(i))
	}
	klog.Infof("virtionet: mac %02x:%02x:%02x:%02x:%02x:%02x",
		d.mac[0], d.mac[1], d.mac[2], d.mac[3], d.mac[4], d.mac[5])

	if err := d.allocBuffers(); err != nil {
		rxq.Release()
		txq.Release()
		return nil, err
	}
	d.postAllRxBufs()

	return d, nil
}

func (d *Device) allocBuffers() error {
	bufStride := netHdrSize + maxFrameSize
	bytesNeeded := uintptr(numRxBufs * bufStride)
	pages, err := pmm.AllocContiguous(int((bytesNeeded + pmm.PageSize - 1) / pmm.PageSize))
	if err != nil {
		return err
	}
	block := pmm.BytesAt(pages[0].Phys, uintptr(len(pages))*pmm.PageSize)
	kernel.BugOn(block == nil, "virtionet: rx buffer pool not pmm-backed")
	d.rxPages = pages
	for i := 0; i < numRxBufs; i++ {
		off := i * bufStride
		d.rxBufs[i] = block[off : off+bufStride]
		d.rxPhys[i] = pages[0].Phys + uintptr(off)
	}

	txPages, err := pmm.AllocContiguous(1)
	if err != nil {
		return err
	}
	txBlock := pmm.BytesAt(txPages[0].Phys, pmm.PageSize)
	kernel.BugOn(txBlock == nil, "virtionet: tx header not pmm-backed")
	d.txPages = txPages
	d.txHdr = txBlock[:netHdrSize]
	d.txHdrPhys = txPages[0].Phys

	return nil
}

// MAC returns the device's 6-byte hardware address.
func (d *Device) MAC() [6]byte { return d.mac }

// RxQueue and TxQueue expose the queues Init enabled, so the caller can
// wire each one's NotifyFunc once its notify_off is known (same seam
// virtioblk.Device.Queue documents).
func (d *Device) RxQueue() *virtio.Queue { return d.rxQueue }
func (d *Device) TxQueue() *virtio.Queue { return d.txQueue }

func (d *Device) postAllRxBufs() {
	for i := range d.rxBufs {
		d.postRxBuf(i)
	}
}

func (d *Device) postRxBuf(i int) {
	head, ok := d.rxQueue.AddBufs([]virtio.BufDesc{
		{Addr: uint64(d.rxPhys[i]), Len: uint32(len(d.rxBufs[i])), Write: true},
	})
	if ok {
		d.rxHead[i] = head
		d.rxQueue.Notify()
	}
}

func (d *Device) rxBufByHead(head uint16) (int, bool) {
	for i, h := range d.rxHead {
		if h == head {
			return i, true
		}
	}
	return 0, false
}

// ReapRx harvests every completed RX buffer (spec.md §4.10: "the device
// fills one (virtio_net header + frame) and returns it via the used
// ring; driver classifies the frame, hands to higher layers, and
// re-posts"). Classification here stops at returning the raw Ethernet
// frame bytes; anything above the link layer is the caller's problem.
func (d *Device) ReapRx() [][]byte {
	var frames [][]byte
	for d.rxQueue.HasUsed() {
		head, writtenLen, ok := d.rxQueue.GetUsed()
		if !ok {
			break
		}
		i, ok := d.rxBufByHead(head)
		if !ok {
			continue
		}
		if writtenLen < netHdrSize {
			d.RxDropped++
		} else {
			frame := make([]byte, writtenLen-netHdrSize)
			copy(frame, d.rxBufs[i][netHdrSize:writtenLen])
			frames = append(frames, frame)
			d.RxPackets++
		}
		d.postRxBuf(i) // re-post immediately, per spec.md's "re-posts"
	}
	return frames
}

// Send transmits one raw Ethernet frame (spec.md §4.10: "TX mirrors the
// block path but with a payload buffer marked R and only a small
// header buffer marked R"). frame must already be a complete Ethernet
// frame; Send only prepends the virtio-net header.
func (d *Device) Send(framePhys uintptr, frameLen uint32) error {
	if frameLen > maxFrameSize {
		return kernel.InvalidValue
	}
	hdr, err := binpack.Pack(netHdr{})
	if err != nil {
		return err
	}
	copy(d.txHdr, hdr)

	_, ok := d.txQueue.AddBufs([]virtio.BufDesc{
		{Addr: uint64(d.txHdrPhys), Len: netHdrSize},
		{Addr: uint64(framePhys), Len: frameLen},
	})
	if !ok {
		return kernel.Unsuccessful
	}
	d.txQueue.Notify()
	return nil
}

// DrainTx reclaims descriptors for completed sends, updating TxPackets
// (spec.md's TX completion handling, mirroring the block driver's used-
// ring harvest). It is meant to run from soft-IRQ context, the same way
// the original's DrainTx is documented as "called from soft IRQ task".
func (d *Device) DrainTx() int {
	n := 0
	for d.txQueue.HasUsed() {
		if _, _, ok := d.txQueue.GetUsed(); !ok {
			break
		}
		d.TxPackets++
		n++
	}
	return n
}

// HandleInterrupt is the hard-IRQ entry point: it only raises the
// net_rx/net_tx soft-IRQ bits so ReapRx/DrainTx run outside interrupt
// context (spec.md §4.7's general soft-IRQ deferral, applied the same
// way original_source's Interrupt() hands off to ReapRx/DrainTx).
func (d *Device) HandleInterrupt() {
	if d.softirq == nil {
		return
	}
	d.softirq.Raise(softirq.TypeNetRx)
	d.softirq.Raise(softirq.TypeNetTx)
}
