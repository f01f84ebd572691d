// Production register access for the capabilities transport.go parses:
// resolving a capability's BAR to a physical base address (grounded on
// the teacher's pci_qemu.go findBochsDisplayFull, which reads a BAR,
// masks off the low flag bits, and treats the result as the device's
// MMIO base) and mapping the modern common-config/notify regions
// through vmm.MapMMIO, the same seam intr.InitLAPIC uses for its own
// single MMIO register block.
package virtio

import (
	"unsafe"

	"corekernel/internal/kernel"
	"corekernel/internal/vmm"
)

const pciBAR0Offset = 0x10
const barTypeMask = 0xF
const barType64Bit = 0x4

// barPhys resolves BAR bar's physical base address (spec.md §4.9's
// capability fields name a BAR index + offset; the BAR itself has to be
// read out of config space like any other PCI driver does). A 64-bit
// BAR (type bits 2:1 == 2) spans two consecutive 32-bit registers, the
// upper half read from bar+1, mirroring the teacher's bar0/bar2 memory
// BAR handling generalized to the 64-bit case x86-64 hosts commonly use.
func barPhys(cfg ConfigSpace, bar uint8) uintptr {
	off := uint8(pciBAR0Offset + 4*bar)
	low := cfg.Read32(off)
	base := uintptr(low &^ barTypeMask)
	if low&barType64Bit != 0 {
		high := cfg.Read32(off + 4)
		base |= uintptr(high) << 32
	}
	return base
}

// mmioRegs is the same byte-addressable MMIO window abstraction
// intr.mmioRegBlock uses, generalized to the field widths virtio's
// common-config structure actually has (8/16/32/64-bit registers
// rather than intr's uniform 32-bit ones).
type mmioRegs struct{ base uintptr }

func (r mmioRegs) read8(off uintptr) uint8 { return *(*uint8)(unsafe.Pointer(r.base + off)) }
func (r mmioRegs) write8(off uintptr, v uint8) { *(*uint8)(unsafe.Pointer(r.base + off)) = v }
func (r mmioRegs) read16(off uintptr) uint16 { return *(*uint16)(unsafe.Pointer(r.base + off)) }
func (r mmioRegs) write16(off uintptr, v uint16) { *(*uint16)(unsafe.Pointer(r.base + off)) = v }
func (r mmioRegs) read32(off uintptr) uint32 { return *(*uint32)(unsafe.Pointer(r.base + off)) }
func (r mmioRegs) write32(off uintptr, v uint32) { *(*uint32)(unsafe.Pointer(r.base + off)) = v }

// Field offsets within the modern virtio_pci_common_cfg structure
// (virtio 1.x spec §4.1.4.3).
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonDriverFeatureSelect = 0x08
	commonDriverFeature       = 0x0C
	commonDeviceStatus        = 0x14
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueEnable         = 0x1C
	commonQueueNotifyOff      = 0x1E
	commonQueueDesc           = 0x20
	commonQueueDriver         = 0x28
	commonQueueDevice         = 0x30
)

// mmioCommonConfig implements CommonConfig over a BAR-mapped common
// configuration region, the production counterpart to
// transport_test.go's fakeCommonConfig.
type mmioCommonConfig struct{ regs mmioRegs }

func (c mmioCommonConfig) DeviceFeatureSelect(sel uint32) { c.regs.write32(commonDeviceFeatureSelect, sel) }
func (c mmioCommonConfig) DeviceFeature() uint32          { return c.regs.read32(commonDeviceFeature) }
func (c mmioCommonConfig) DriverFeatureSelect(sel uint32) { c.regs.write32(commonDriverFeatureSelect, sel) }
func (c mmioCommonConfig) SetDriverFeature(v uint32)      { c.regs.write32(commonDriverFeature, v) }
func (c mmioCommonConfig) Status() uint8                  { return c.regs.read8(commonDeviceStatus) }
func (c mmioCommonConfig) SetStatus(v uint8)              { c.regs.write8(commonDeviceStatus, v) }
func (c mmioCommonConfig) QueueSelect(i uint16)           { c.regs.write16(commonQueueSelect, i) }
func (c mmioCommonConfig) QueueSize() uint16              { return c.regs.read16(commonQueueSize) }
func (c mmioCommonConfig) SetQueueDesc(phys uint64) {
	c.regs.write32(commonQueueDesc, uint32(phys))
	c.regs.write32(commonQueueDesc+4, uint32(phys>>32))
}
func (c mmioCommonConfig) SetQueueDriver(phys uint64) {
	c.regs.write32(commonQueueDriver, uint32(phys))
	c.regs.write32(commonQueueDriver+4, uint32(phys>>32))
}
func (c mmioCommonConfig) SetQueueDevice(phys uint64) {
	c.regs.write32(commonQueueDevice, uint32(phys))
	c.regs.write32(commonQueueDevice+4, uint32(phys>>32))
}
func (c mmioCommonConfig) SetQueueEnable(v bool) {
	var x uint16
	if v {
		x = 1
	}
	c.regs.write16(commonQueueEnable, x)
}
func (c mmioCommonConfig) QueueNotifyOff() uint16 { return c.regs.read16(commonQueueNotifyOff) }

// NewCommonConfig maps dev's common-config capability and returns the
// live CommonConfig driver setup negotiates and enables queues through.
func NewCommonConfig(cfg ConfigSpace, dev Device) (CommonConfig, error) {
	cap, ok := findCapability(dev.Capabilities, cfgTypeCommon)
	if !ok {
		return nil, kernel.NotFound
	}
	base := barPhys(cfg, cap.BAR) + uintptr(cap.Offset)
	va := vmm.MapMMIO(base, uintptr(cap.Length))
	return mmioCommonConfig{regs: mmioRegs{base: va}}, nil
}

// NotifyRegion is dev's mapped notify capability (virtio spec §4.1.4.4:
// a doorbell window addressed by queue_notify_off * notify_off_multiplier).
// The caller reads each queue's notify_off via CommonConfig.QueueNotifyOff
// right after selecting it and closes over that value when wiring
// virtio.Queue.NotifyFunc, since the doorbell address is per-queue but
// NotifyFunc only carries the queue index.
type NotifyRegion struct {
	regs mmioRegs
	mul  uint32
}

// Ring writes queueIndex to the doorbell at notifyOff (virtio spec
// §4.1.4.4: the driver notifies the device by writing the queue's index
// to the Queue Notify field at queue_notify_off * notify_off_multiplier;
// notifyOff and queueIndex coincide for simple devices but aren't
// guaranteed to, so both are carried separately here).
func (n NotifyRegion) Ring(notifyOff, queueIndex uint16) {
	n.regs.write16(uintptr(notifyOff)*uintptr(n.mul), queueIndex)
}

// NewNotifyRegion maps dev's notify capability.
func NewNotifyRegion(cfg ConfigSpace, dev Device) (NotifyRegion, error) {
	cap, ok := findCapability(dev.Capabilities, cfgTypeNotify)
	if !ok {
		return NotifyRegion{}, kernel.NotFound
	}
	base := barPhys(cfg, cap.BAR) + uintptr(cap.Offset)
	va := vmm.MapMMIO(base, uintptr(cap.Length))
	return NotifyRegion{regs: mmioRegs{base: va}, mul: cap.NotifyOffMultiplier}, nil
}

// DeviceConfig is dev's mapped device-specific configuration capability
// (virtio spec §4.1.4.6): virtio-blk's capacity/geometry fields,
// virtio-net's MAC/status, each device type interpreting the same raw
// window differently.
type DeviceConfig struct{ regs mmioRegs }

func (d DeviceConfig) Read8(off uint32) uint8   { return d.regs.read8(uintptr(off)) }
func (d DeviceConfig) Read32(off uint32) uint32 { return d.regs.read32(uintptr(off)) }
func (d DeviceConfig) Read64(off uint32) uint64 {
	return uint64(d.regs.read32(uintptr(off))) | uint64(d.regs.read32(uintptr(off)+4))<<32
}

// NewDeviceConfig maps dev's device-config capability.
func NewDeviceConfig(cfg ConfigSpace, dev Device) (DeviceConfig, error) {
	cap, ok := findCapability(dev.Capabilities, cfgTypeDevice)
	if !ok {
		return DeviceConfig{}, kernel.NotFound
	}
	base := barPhys(cfg, cap.BAR) + uintptr(cap.Offset)
	va := vmm.MapMMIO(base, uintptr(cap.Length))
	return DeviceConfig{regs: mmioRegs{base: va}}, nil
}
