package main

import (
	"corekernel/internal/acpiinfo"
	"corekernel/internal/drivers/virtioblk"
	"corekernel/internal/drivers/virtionet"
	"corekernel/internal/drivers/virtioscsi"
	"corekernel/internal/intr"
	"corekernel/internal/klog"
	"corekernel/internal/softirq"
	"corekernel/internal/virtio"
)

// Modern virtio-PCI device IDs (virtio 1.x spec §5, 0x1040 + the
// legacy-PCI subsystem ID): network, block, and SCSI host adapter.
const (
	virtioDeviceIDNet  = 0x1041
	virtioDeviceIDBlk  = 0x1042
	virtioDeviceIDSCSI = 0x1048
)

// virtio-SCSI's three queues (virtio spec §5.6.2): control and event
// exist so the device has somewhere to put unsolicited/admin traffic,
// even though this driver only issues commands through the request
// queue.
const (
	scsiControlQueueIndex = 0
	scsiEventQueueIndex   = 1
	scsiRequestQueueIndex = 2
)

// pciInterruptLineOffset is the legacy PCI configuration-space field
// (PCI local bus spec §6.2.4) the BIOS/firmware programs with the ISA
// IRQ this function's INTx line is routed to — how a driver for a
// device with no MSI-X capability finds out which vector to register.
const pciInterruptLineOffset = 0x3C

// Per-class IDT vector bases (spec.md §6: "0x25+ virtio block, 0x30+
// virtio net, 0x35+ virtio SCSI"), each incremented as that class's
// devices are probed so multiple block (or net, or SCSI) controllers
// don't collide, while staying clear of the reserved keyboard (0x21)
// and serial (0x24) vectors between the timer and the block range.
var (
	nextBlkVector  = 0x25
	nextNetVector  = 0x30
	nextSCSIVector = 0x35
)

// probeVirtioDevices scans the PCI bus for virtio functions (spec.md
// §4.9) and brings up whichever of the network/block/SCSI drivers
// matches each one found, wiring its notify doorbell and legacy
// interrupt line. A device this kernel doesn't recognize, or one stuck
// in legacy (non-modern) mode, is logged and skipped rather than
// treated as fatal — spec.md §4.9 never requires every PCI slot to
// carry a virtio device.
func probeVirtioDevices(sq *softirq.Queue, bspApicID uint32) {
	for _, dev := range virtio.ScanBus() {
		if !dev.Modern {
			klog.Infof("cmd/kernel: skipping legacy virtio device %04x", dev.DeviceID)
			continue
		}
		cfg := dev.ConfigSpace()
		cc, err := virtio.NewCommonConfig(cfg, dev)
		if err != nil {
			klog.Warnf("cmd/kernel: virtio device %04x has no common-config capability", dev.DeviceID)
			continue
		}

		switch dev.DeviceID {
		case virtioDeviceIDBlk:
			probeBlk(cfg, dev, cc, sq, bspApicID)
		case virtioDeviceIDNet:
			probeNet(cfg, dev, cc, sq, bspApicID)
		case virtioDeviceIDSCSI:
			probeSCSI(cfg, dev, cc, bspApicID)
		default:
			klog.Infof("cmd/kernel: ignoring unrecognized virtio device %04x", dev.DeviceID)
		}
	}
}

// wireLegacyInterrupt registers h against dev's BIOS-assigned INTx
// line at vec, the same GSI-lookup/IO-APIC-program pattern the timer
// uses, just keyed off the PCI interrupt-line register instead of a
// fixed ISA IRQ number.
func wireLegacyInterrupt(cfg virtio.ConfigSpace, bspApicID uint32, vec int, h intr.Handler) {
	irq := cfg.Read8(pciInterruptLineOffset)
	gsi, flags := acpiinfo.GsiForIrq(irq)

	err := intr.RegisterDevice(vec, int(gsi), h, func(vec int) {
		intr.IOAPICForGSI(uint32(gsi)).Program(uint32(gsi), intr.RedirectOpts{
			Vector:       vec,
			DestApicID:   bspApicID,
			LevelTrigger: flags&(1<<3) != 0,
			ActiveLow:    flags&(1<<1) != 0,
		})
	})
	if err != nil {
		klog.Warnf("cmd/kernel: failed to register interrupt for irq %d: %v", irq, err)
	}
}

func probeBlk(cfg virtio.ConfigSpace, dev virtio.Device, cc virtio.CommonConfig, sq *softirq.Queue, bspApicID uint32) {
	dc, err := virtio.NewDeviceConfig(cfg, dev)
	if err != nil {
		klog.Warnf("cmd/kernel: virtio-blk has no device-config capability")
		return
	}
	d, err := virtioblk.Init(cc, dc.Read64, sq)
	if err != nil {
		klog.Warnf("cmd/kernel: virtio-blk init failed: %v", err)
		return
	}

	notify, err := virtio.NewNotifyRegion(cfg, dev)
	if err == nil {
		cc.QueueSelect(0)
		off := cc.QueueNotifyOff()
		d.Queue().NotifyFunc = func(idx uint16) { notify.Ring(off, idx) }
	}

	wireLegacyInterrupt(cfg, bspApicID, nextBlkVector, func() { d.HandleInterrupt() })
	nextBlkVector++
	klog.Infof("cmd/kernel: virtio-blk ready, capacity=%d sectors", d.Capacity())
}

func probeNet(cfg virtio.ConfigSpace, dev virtio.Device, cc virtio.CommonConfig, sq *softirq.Queue, bspApicID uint32) {
	dc, err := virtio.NewDeviceConfig(cfg, dev)
	if err != nil {
		klog.Warnf("cmd/kernel: virtio-net has no device-config capability")
		return
	}
	d, err := virtionet.Init(cc, dc.Read8, sq)
	if err != nil {
		klog.Warnf("cmd/kernel: virtio-net init failed: %v", err)
		return
	}

	if notify, err := virtio.NewNotifyRegion(cfg, dev); err == nil {
		cc.QueueSelect(0)
		rxOff := cc.QueueNotifyOff()
		cc.QueueSelect(1)
		txOff := cc.QueueNotifyOff()
		d.RxQueue().NotifyFunc = func(idx uint16) { notify.Ring(rxOff, idx) }
		d.TxQueue().NotifyFunc = func(idx uint16) { notify.Ring(txOff, idx) }
	}

	wireLegacyInterrupt(cfg, bspApicID, nextNetVector, func() { d.HandleInterrupt() })
	nextNetVector++
	mac := d.MAC()
	klog.Infof("cmd/kernel: virtio-net ready, mac=%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

func probeSCSI(cfg virtio.ConfigSpace, dev virtio.Device, cc virtio.CommonConfig, bspApicID uint32) {
	supported := [2]uint32{0, 1} // features[1] bit0 = VIRTIO_F_VERSION_1
	if err := virtio.Negotiate(cc, supported); err != nil {
		klog.Warnf("cmd/kernel: virtio-scsi feature negotiation failed: %v", err)
		return
	}
	if _, err := virtio.EnableQueue(cc, scsiControlQueueIndex); err != nil {
		klog.Warnf("cmd/kernel: virtio-scsi control queue failed: %v", err)
		return
	}
	if _, err := virtio.EnableQueue(cc, scsiEventQueueIndex); err != nil {
		klog.Warnf("cmd/kernel: virtio-scsi event queue failed: %v", err)
		return
	}
	reqQueue, err := virtio.EnableQueue(cc, scsiRequestQueueIndex)
	if err != nil {
		klog.Warnf("cmd/kernel: virtio-scsi request queue failed: %v", err)
		return
	}
	virtio.FinishDriverOK(cc)

	if notify, err := virtio.NewNotifyRegion(cfg, dev); err == nil {
		cc.QueueSelect(scsiRequestQueueIndex)
		off := cc.QueueNotifyOff()
		reqQueue.NotifyFunc = func(idx uint16) { notify.Ring(off, idx) }
	}

	var reqHdrSize, respHdrSize uint32
	if dc, err := virtio.NewDeviceConfig(cfg, dev); err == nil {
		if cdbSize := dc.Read32(24); cdbSize != 0 {
			reqHdrSize = 19 + cdbSize
		}
		if senseSize := dc.Read32(20); senseSize != 0 {
			respHdrSize = 12 + senseSize
		}
	}

	d, err := virtioscsi.Init(reqQueue, 0, 0, 0, reqHdrSize, respHdrSize)
	if err != nil {
		klog.Warnf("cmd/kernel: virtio-scsi init failed: %v", err)
		return
	}

	wireLegacyInterrupt(cfg, bspApicID, nextSCSIVector, func() {
		for range d.HandleInterrupt() {
			// completions are consumed by whatever issued the command
			// (ReadSectors/WriteSectors callers poll HandleInterrupt
			// themselves); this hard-IRQ path only drains the ring so
			// the device's queue never backs up.
		}
	})
	nextSCSIVector++
	klog.Infof("cmd/kernel: virtio-scsi lun ready target=0 lun=0")
}
