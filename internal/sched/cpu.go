package sched

import (
	"sync/atomic"

	"corekernel/internal/bitfield"
	"corekernel/internal/intr"
	"corekernel/internal/kernel"
	"corekernel/internal/ksync"
	"corekernel/internal/vmm"
)

// CPU is the per-logical-processor record of spec.md §3: "index (APIC
// ID), state bitmap {inited, running, exiting, exited}, IPI queue, task
// queue pointer, TLB-flush-pending flag, IPI counter, idle task handle."
// The four state bits live packed in one atomic word via
// bitfield.CPUState, the same packing bitfield.PageFlags gives
// pmm's per-frame Page descriptors.
type CPU struct {
	Index  int
	ApicID uint32

	state atomic.Uint32

	Queue   *TaskQueue
	current *Task

	// tlbFlushPending backs vmm.HandleShootdownIPI's *bool contract
	// (shootdown.go): set remotely by vmm.Shootdown via
	// SetTLBFlushPending, cleared by this CPU's own IPI handler inside
	// ServiceShootdown. Both sides only ever touch it with interrupts
	// disabled on the owning CPU, per spec.md §5's IPI-handling order
	// ("services pending TLB flush ... then invokes the local
	// scheduler"), so no atomic type is needed.
	tlbFlushPending bool

	ipiCount  atomic.Uint64
	switches  atomic.Uint64 // aggregate context-switch count, for affinity-based selection

	haltRequested atomic.Bool
	idleTask      *Task
}

var (
	cpusLock ksync.RawSpinLock
	cpus     []*CPU
)

// NewCPU builds a CPU record with an empty task queue, registers it as
// a vmm shootdown peer (breaking the vmm<->sched import cycle the same
// way pmm.ZeroFrame breaks pmm<->vmm), and adds it to the set the halt
// broadcaster and affinity selector scan.
func NewCPU(index int, apicID uint32) *CPU {
	c := &CPU{Index: index, ApicID: apicID, Queue: &TaskQueue{}}
	vmm.RegisterPeer(c)
	cpusLock.Lock()
	cpus = append(cpus, c)
	cpusLock.Unlock()
	return c
}

// ResetCPUsForTest clears the global CPU registry between test cases.
func ResetCPUsForTest() {
	cpusLock.Lock()
	cpus = nil
	cpusLock.Unlock()
}

// editState applies edit to the current packed CPUState and stores the
// result with a compare-and-swap retry loop, since bitfield.CPUState
// has to be unpacked, modified, and repacked as a whole word.
func (c *CPU) editState(edit func(*bitfield.CPUState)) {
	for {
		old := c.state.Load()
		s := bitfield.UnpackCPUState(old)
		edit(&s)
		packed, err := bitfield.PackCPUState(s)
		kernel.BugOn(err != nil, "sched: failed to pack CPU state: %v", err)
		if c.state.CompareAndSwap(old, packed) {
			return
		}
	}
}

// MarkRunning/MarkExiting/MarkExited transition the state bitmap. Inited
// is set once by bring-up and never cleared.
func (c *CPU) MarkInited()  { c.editState(func(s *bitfield.CPUState) { s.Inited = true }) }
func (c *CPU) MarkRunning() { c.editState(func(s *bitfield.CPUState) { s.Running = true }) }
func (c *CPU) MarkExiting() { c.editState(func(s *bitfield.CPUState) { s.Exiting = true }) }
func (c *CPU) MarkExited() {
	c.editState(func(s *bitfield.CPUState) {
		s.Running = false
		s.Exited = true
	})
}

func (c *CPU) Inited() bool  { return bitfield.UnpackCPUState(c.state.Load()).Inited }
func (c *CPU) Exiting() bool { return bitfield.UnpackCPUState(c.state.Load()).Exiting }
func (c *CPU) Exited() bool  { return bitfield.UnpackCPUState(c.state.Load()).Exited }

// Running satisfies vmm.RemoteCPU: whether this CPU is still a valid
// shootdown/halt target.
func (c *CPU) Running() bool { return bitfield.UnpackCPUState(c.state.Load()).Running }

// SetTLBFlushPending satisfies vmm.RemoteCPU: called by the CPU running
// vmm.Shootdown to arm this CPU's flag before the IPI lands.
func (c *CPU) SetTLBFlushPending() { c.tlbFlushPending = true }

// SendIPI satisfies vmm.RemoteCPU, and is reused directly by the halt
// broadcaster: it fires this CPU's fixed vector (intr.IPIVector) via
// the sending CPU's local APIC, targeting ApicID.
func (c *CPU) SendIPI() {
	intr.Local().SendIPI(c.ApicID, intr.IPIVector)
	c.ipiCount.Add(1)
}

// IPICount returns how many IPIs have been sent to this CPU.
func (c *CPU) IPICount() uint64 { return c.ipiCount.Load() }

// ServiceShootdown runs from this CPU's own IPI handler (spec.md §5:
// "services pending TLB flush ... then invokes the local scheduler"),
// before the halt-request check and before Schedule.
func (c *CPU) ServiceShootdown() {
	vmm.HandleShootdownIPI(&c.tlbFlushPending)
}

// HaltRequested reports whether a panicking CPU has asked this one to
// halt (intr.HaltBroadcaster). The IPI handler checks this and, if set,
// halts instead of scheduling.
func (c *CPU) HaltRequested() bool { return c.haltRequested.Load() }

// broadcaster implements intr.HaltBroadcaster by walking the CPU
// registry and IPI-ing every CPU other than the caller's own.
type broadcaster struct{}

func (broadcaster) HaltAllOthers() {
	self := intr.Local().ID()
	cpusLock.Lock()
	targets := append([]*CPU(nil), cpus...)
	cpusLock.Unlock()
	for _, c := range targets {
		if c.ApicID == self {
			continue
		}
		c.haltRequested.Store(true)
		c.SendIPI()
	}
}

// TickAllOthers sends the scheduler IPI to every registered CPU other
// than selfApicID, without requesting a halt (spec.md §5's timer-tick
// handler: "issues IPIs to peer CPUs so they schedule, then calls the
// local scheduler" — this is the peer half; the caller runs Schedule
// locally afterward).
func TickAllOthers(selfApicID uint32) {
	cpusLock.Lock()
	targets := append([]*CPU(nil), cpus...)
	cpusLock.Unlock()
	for _, c := range targets {
		if c.ApicID == selfApicID {
			continue
		}
		c.SendIPI()
	}
}

// InstallHaltBroadcaster wires sched's cross-CPU halt request into
// intr, the same dependency-injection seam vmm.RegisterPeer uses for
// shootdown. Called once during boot, after every AP's CPU record
// exists.
func InstallHaltBroadcaster() {
	intr.SetHaltBroadcaster(broadcaster{})
}

// CPUByApicID looks up the CPU record for apicID, the way the IPI/tick
// vector handler installed during boot identifies "this CPU" from
// intr.Local().ID() before calling ServiceShootdown/Schedule on it.
// Returns nil if no CPU with that APIC ID has been registered.
func CPUByApicID(apicID uint32) *CPU {
	cpusLock.Lock()
	defer cpusLock.Unlock()
	for _, c := range cpus {
		if c.ApicID == apicID {
			return c
		}
	}
	return nil
}

// SelectCPU picks the least-loaded CPU whose index bit is set in mask
// (spec.md §4.6: "select next task queue picks the least-loaded CPU
// within the mask (based on context-switch counters)"). Returns nil if
// no registered CPU matches the mask.
func SelectCPU(mask uint64) *CPU {
	cpusLock.Lock()
	defer cpusLock.Unlock()

	var best *CPU
	for _, c := range cpus {
		if mask&(1<<uint(c.Index)) == 0 {
			continue
		}
		if best == nil || c.switches.Load() < best.switches.Load() {
			best = c
		}
	}
	return best
}
