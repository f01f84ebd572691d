// Package timekeeper is the time source (C10): a PIT-calibrated TSC,
// optional kvmclock, monotonic nanosecond clock, and a once-at-boot
// wall-clock read from RTC CMOS (spec.md §4.8). Grounded on the
// teacher's timer_qemu.go — same shape (disable, program, enable,
// verify, install an ISR hook) retargeted from the ARM generic timer's
// CNTV_* system registers onto PIT channels 0/2, CPUID, and
// Rdtsc/Rdmsr, and on ksync.SeqLock for the lockless-reader contract
// spec.md §5 names ("Seq-lock on the PIT time counter").
package timekeeper

import (
	"corekernel/internal/arch"
	"corekernel/internal/klog"
	"corekernel/internal/ksync"
	"corekernel/internal/vmm"
)

const (
	pitFrequencyHz = 1193182 // 8254 PIT input clock
	pitCmdPort     = 0x43
	pitChannel0    = 0x40
	pitChannel2    = 0x42
	ppcbPort       = 0x61 // PS/2 control port, gates channel 2's gate input

	rtcIndexPort = 0x70
	rtcDataPort  = 0x71
)

// tickIntervalNS is the PIT channel 0 period programmed by Init
// (spec.md §4.2's "Timer tick" drives this); 10ms is the teacher's own
// generic-timer period scaled to ms rather than the ARM board's 1s
// demo interval.
const tickIntervalNS = 10_000_000

var (
	seq   ksync.SeqLock
	ticks uint64 // count of PIT channel-0 interrupts since boot

	tscFreqHz      uint64
	tscBase        uint64
	invariantTSC   bool
	kvmclockPhys   uintptr // 0 if kvmclock is not in use
	wallClockBaseNS uint64 // RTC-derived Unix epoch ns, captured once at boot
)

// ResetForTest clears all package state between test cases.
func ResetForTest() {
	seq = ksync.SeqLock{}
	ticks = 0
	tscFreqHz = 0
	tscBase = 0
	invariantTSC = false
	kvmclockPhys = 0
	wallClockBaseNS = 0
}

// hasInvariantTSC reports CPUID leaf 0x8000_0007 EDX bit 8 (spec.md
// §4.8): "Read CPUID leaf 0x8000_0007 EDX bit 8 for invariant-TSC."
func hasInvariantTSC(edx uint32) bool {
	return edx&(1<<8) != 0
}

// hasKVMSignature reports whether CPUID leaf 0x4000_0000's
// ebx:ecx:edx spell "KVMKVMKVM" (spec.md §4.8).
func hasKVMSignature(ebx, ecx, edx uint32) bool {
	return ebx == 0x4b4d564b && ecx == 0x564b4d56 && edx == 0x4d
}

// median3 returns the median of three calibration samples (spec.md
// §4.8: "50 ms, three rounds, median"), the noise-rejection step that
// keeps one scheduler hiccup during calibration from skewing the
// recorded TSC frequency.
func median3(a, b, c uint64) uint64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return b
}

// tscToNs converts a raw TSC reading to nanoseconds since tscBase at
// the given calibrated frequency (spec.md §4.8's fallback formula:
// "ns = (tsc - base) * 1e9 / freq"). Split out as a pure function so
// the conversion's arithmetic — not the register reads around it — is
// what gets tested.
func tscToNs(tsc, base, freqHz uint64) uint64 {
	if freqHz == 0 {
		return 0
	}
	return (tsc - base) * 1_000_000_000 / freqHz
}

// pvclockInfo mirrors the KVM paravirtual clock ABI's
// pvclock_vcpu_time_info layout that Init writes the shared page's
// physical address into via MSR 0x4b56_4d01 (spec.md §4.8): version,
// then tsc_timestamp, system_time, tsc_to_system_mul, tsc_shift, flags,
// with the fields read back from guest memory on every query.
type pvclockInfo struct {
	Version          uint32
	_                uint32
	TscTimestamp     uint64
	SystemTime       uint64
	TscToSystemMul   uint32
	TscShift         int8
	Flags            uint8
	_                [2]uint8
}

// kvmclockNs applies the KVM pvclock formula to one consistent
// snapshot: "ns = system_time + ((tsc-tsc_timestamp) [>>|<<] shift) *
// mul >> 32" (spec.md §4.8). A negative TscShift means left-shift; a
// non-negative one means right-shift, matching the sign convention the
// KVM ABI defines for tsc_shift.
func kvmclockNs(info pvclockInfo, tsc uint64) uint64 {
	delta := tsc - info.TscTimestamp
	if info.TscShift < 0 {
		delta <<= uint(-info.TscShift)
	} else {
		delta >>= uint(info.TscShift)
	}
	scaled := (delta * uint64(info.TscToSystemMul)) >> 32
	return info.SystemTime + scaled
}

// readKvmclock re-reads the pvclock page via read until it observes a
// stable (even, unchanged) version — spec.md §4.8: "retrying while
// version is odd or changed" — and returns the snapshot read under
// that stable version. read is injected so the retry loop is
// host-testable without a real kvmclock page.
func readKvmclock(read func() pvclockInfo) pvclockInfo {
	for {
		first := read()
		if first.Version&1 != 0 {
			continue // hypervisor mid-update
		}
		second := read()
		if second.Version != first.Version {
			continue // changed under us
		}
		return second
	}
}

// bcdToBinary converts one RTC CMOS BCD byte to binary (spec.md §4.8:
// "Wall-clock time is read once from RTC CMOS at boot"). The 8250/MC146818
// RTC reports every field — seconds, minutes, hours, day, month, year —
// in BCD unless the CMOS status register's binary-mode bit is set,
// which Init checks before calling this.
func bcdToBinary(v uint8) uint8 {
	return (v>>4)*10 + (v & 0x0F)
}

// rtcReading is one CMOS snapshot, in whatever form (BCD or binary)
// the hardware reported; civilFromRTC below normalizes it.
type rtcReading struct {
	Second, Minute, Hour, Day, Month uint8
	Year                             uint16 // already expanded to 19xx/20xx
}

// daysFromCivil converts a y/m/d date to days-since-Unix-epoch using
// the Howard Hinnant days_from_civil algorithm, which correctly
// handles the Gregorian leap-year rule without a table — there is no
// teacher precedent for calendar math, so this is grounded directly on
// that well-known public-domain algorithm rather than invented from
// scratch.
func daysFromCivil(y int64, m, d uint8) int64 {
	if m <= 2 {
		y--
	}
	era := y
	if era < 0 {
		era -= 399
	}
	era /= 400
	yoe := y - era*400
	mm := int64(m)
	var doy int64
	if mm > 2 {
		doy = (153*(mm-3)+2)/5 + int64(d) - 1
	} else {
		doy = (153*(mm+9)+2)/5 + int64(d) - 1
	}
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}

// unixNsFromRTC converts one RTC reading into Unix-epoch nanoseconds.
func unixNsFromRTC(r rtcReading) uint64 {
	days := daysFromCivil(int64(r.Year), r.Month, r.Day)
	secs := days*86400 + int64(r.Hour)*3600 + int64(r.Minute)*60 + int64(r.Second)
	if secs < 0 {
		return 0
	}
	return uint64(secs) * 1_000_000_000
}

// Tick is called from the PIT channel-0 ISR (spec.md §4.2: "handler
// updates the monotonic ms counter, issues IPIs to peer CPUs so they
// schedule, then calls the local scheduler"); this package only owns
// the counter update, the IPI fan-out and local reschedule are the
// caller's (intr/sched's) responsibility.
func Tick() {
	seq.WriteBegin()
	ticks++
	seq.WriteEnd()
}

// Ticks returns the number of PIT channel-0 interrupts observed since
// boot, read through the seqlock so it is safe from any CPU
// concurrently with Tick running on the timer-owning CPU.
func Ticks() uint64 {
	for {
		s := seq.ReadBegin()
		v := ticks
		if !seq.ReadRetry(s) {
			return v
		}
	}
}

// NowNS returns monotonic nanoseconds since boot: through kvmclock if
// Init found one, otherwise the calibrated-TSC fallback formula
// (spec.md §4.8). Both paths read real registers (Rdtsc, and the
// kvmclock page via vmm.ResolvePointer) so, like the rest of the
// arch-register class of primitive, this function itself runs only on
// real hardware; NowNS's two branches are each built from the
// host-tested pure functions above.
func NowNS() uint64 {
	tsc := arch.Rdtsc()
	if kvmclockPhys != 0 {
		info := readKvmclock(func() pvclockInfo {
			return *(*pvclockInfo)(vmm.ResolvePointer(kvmclockPhys))
		})
		return kvmclockNs(info, tsc)
	}
	return tscToNs(tsc, tscBase, tscFreqHz)
}

// WallClockNS returns the RTC-derived boot-time Unix epoch in
// nanoseconds, plus elapsed monotonic time since boot (spec.md §4.8:
// "added to monotonic time on demand").
func WallClockNS() uint64 {
	return wallClockBaseNS + NowNS()
}

// readRTC performs the raw CMOS register reads (spec.md §4.8); the
// BCD/binary conversion it feeds into unixNsFromRTC is host-tested,
// this port-I/O sequence itself is not.
func readRTC() rtcReading {
	read := func(reg uint8) uint8 {
		arch.Outb(rtcIndexPort, reg)
		return arch.Inb(rtcDataPort)
	}
	statusB := read(0x0B)
	binary := statusB&0x04 != 0

	sec, min, hr, day, mon, yr := read(0x00), read(0x02), read(0x04), read(0x07), read(0x08), read(0x09)
	if !binary {
		sec, min, hr, day, mon, yr = bcdToBinary(sec), bcdToBinary(min), bcdToBinary(hr), bcdToBinary(day), bcdToBinary(mon), bcdToBinary(yr)
	}
	return rtcReading{
		Second: sec, Minute: min, Hour: hr, Day: day, Month: mon,
		Year: 2000 + uint16(yr),
	}
}

// programPIT sets a PIT channel to the given operating mode with the
// given 16-bit reload count (spec.md §4.8's PIT channel-2 one-shot
// calibration, mode 0, and the channel-0 periodic tick, mode 2, share
// this programming sequence, just different channel select bits,
// modes and counts).
func programPIT(channel uint16, mode uint8, count uint16) {
	channelSelect := uint8(0)
	switch channel {
	case pitChannel0:
		channelSelect = 0 << 6
	case pitChannel2:
		channelSelect = 2 << 6
	}
	arch.Outb(pitCmdPort, channelSelect|mode<<1|0x30) // access mode: lobyte/hibyte
	arch.Outb(channel, uint8(count))
	arch.Outb(channel, uint8(count>>8))
}

// calibrateTSCOnce programs PIT channel 2 for a ~50ms one-shot gate
// and returns the TSC delta measured across it (spec.md §4.8). Not
// host-tested: it is entirely port I/O and Rdtsc.
func calibrateTSCOnce() uint64 {
	const gateMs = 50
	count := uint16((pitFrequencyHz * gateMs) / 1000)

	gate := arch.Inb(ppcbPort)
	arch.Outb(ppcbPort, (gate&0xFC)|0x01) // enable gate 2, disable speaker
	programPIT(pitChannel2, 0, count)

	start := arch.Rdtsc()
	for arch.Inb(ppcbPort)&0x20 == 0 {
		arch.Pause()
	}
	end := arch.Rdtsc()

	arch.Outb(ppcbPort, gate)
	return end - start
}

// Init calibrates the TSC against PIT channel 2 (three 50ms rounds,
// median), checks for invariant TSC and KVM, installs the kvmclock
// page when present, programs PIT channel 0 for the periodic tick, and
// reads RTC CMOS once for the wall-clock base (spec.md §4.8). It also
// wires ksync.SetClockSource to the real Rdtsc, closing the seam
// ksync.SpinLock uses to timestamp lock hold times.
func Init(kvmclockPage uintptr) {
	const gateMs = 50
	a := calibrateTSCOnce()
	b := calibrateTSCOnce()
	c := calibrateTSCOnce()
	ticksPerGate := median3(a, b, c)
	tscFreqHz = ticksPerGate * 1000 / gateMs
	tscBase = arch.Rdtsc()

	_, _, _, edx := arch.Cpuid(0x80000007, 0)
	invariantTSC = hasInvariantTSC(edx)

	_, ebx, ecx, kvmEdx := arch.Cpuid(0x40000000, 0)
	if hasKVMSignature(ebx, ecx, kvmEdx) && kvmclockPage != 0 {
		const kvmclockMSR = 0x4b564d01
		const enableBit = 1
		arch.Wrmsr(kvmclockMSR, uint64(kvmclockPage)|enableBit)
		kvmclockPhys = kvmclockPage
	}

	ticksPerTick := uint16((pitFrequencyHz / 100)) // 10ms period
	programPIT(pitChannel0, 2, ticksPerTick)

	wallClockBaseNS = unixNsFromRTC(readRTC())

	ksync.SetClockSource(arch.Rdtsc)

	klog.Infof("timekeeper: tsc=%dHz invariant=%v kvmclock=%v", tscFreqHz, invariantTSC, kvmclockPhys != 0)
}

// InvariantTSC reports whether CPUID found an invariant TSC (bit 8 of
// leaf 0x8000_0007 EDX), informational for diagnostics only — both of
// NowNS's branches already work correctly regardless of this bit.
func InvariantTSC() bool { return invariantTSC }

// sleepWith is Sleep's logic with the clock read injected, so the
// busy-yield loop is host-testable against a fake clock instead of
// real hardware's NowNS.
func sleepWith(ns int64, nowNS func() uint64, schedule func()) {
	deadline := nowNS() + uint64(ns)
	for nowNS() < deadline {
		schedule()
	}
}

// Sleep parks the calling task for at least ns nanoseconds by
// repeatedly calling schedule until NowNS has advanced far enough
// (spec.md §5's suspension point (b), "Sleep(ns)"). Boot wiring
// installs this as sched.SleepFunc: `sched.SleepFunc = func(ns int64)
// { timekeeper.Sleep(ns, schedule) }`.
func Sleep(ns int64, schedule func()) {
	sleepWith(ns, NowNS, schedule)
}
