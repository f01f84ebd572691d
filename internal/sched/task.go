// Package sched is the per-CPU preemptive scheduler (C7) and task/stack
// lifecycle (C8). It generalizes the teacher's single-goroutine
// stack_growth.go model — one fixed g0 stack, no real scheduling — into
// spec.md §4.6's multi-task, multi-CPU run-queue design, while keeping
// its stack{lo,hi,size} descriptor shape and its "hand the stack
// pointer to a small assembly routine" philosophy for anything that
// touches real registers.
package sched

import (
	"sync/atomic"
	"unsafe"

	"corekernel/internal/arch"
	"corekernel/internal/kernel"
	"corekernel/internal/ksync"
	"corekernel/internal/pmm"
	"corekernel/internal/vmm"
)

// State is a Task's lifecycle stage (spec.md §3's "state {waiting,
// running, exited}").
type State int32

const (
	StateWaiting State = iota
	StateRunning
	StateExited
)

// EntryFunc is a task's body. arg is whatever NewTask's caller wants to
// thread through; Task.Exec passes it straight to entry.
type EntryFunc func(arg unsafe.Pointer)

const (
	stackPages = 8 // spec.md §3: "a fixed-size 8-page stack"
	stackSize  = uintptr(stackPages) * pmm.PageSize
	stackMask  = stackSize - 1
)

// sentinel sits in the topmost bytes of a task's stack (spec.md §4.6:
// "the page at that address is the stack's top slot holding a sentinel
// {magic1, descriptor ptr, magic2}"). StackLo is carried instead of a
// live descriptor pointer: the real *Task lives in ordinary Go-managed
// memory (so the garbage collector can still see it as a root under a
// hosted build), and the sentinel's job is to let CurrentTask verify
// it found a genuine task stack and recover which one, via the task
// registry keyed by StackLo.
type sentinel struct {
	Magic1  uint64
	StackLo uintptr
	Magic2  uint64
}

const (
	sentinelMagic1 uint64 = 0x5441534b2d4c4f31 // "TASK-LO1"
	sentinelMagic2 uint64 = 0x5441534b2d484932 // "TASK-HI2"
)

var sentinelSize = unsafe.Sizeof(sentinel{})

// Task is the stack-embedded descriptor of spec.md §3: refcounted,
// owned by at most one TaskQueue, recoverable in O(1) from a raw RSP
// value via CurrentTask.
type Task struct {
	ID uint64

	refcount       atomic.Int32
	state          atomic.Int32
	stopping       atomic.Bool
	preemptDisable atomic.Int32
	switches       atomic.Uint64
	runtimeNS      atomic.Int64
	affinity       atomic.Uint64

	entry EntryFunc
	arg   unsafe.Pointer

	// savedRSP is the context: saved RSP (spec.md §3), valid whenever
	// this task is not the one currently running on its CPU.
	savedRSP uintptr

	stackLo, stackHi uintptr
	stackPages       []*pmm.Page

	queue      *TaskQueue
	next, prev *Task
}

var nextTaskID atomic.Uint64

var (
	registryLock ksync.RawSpinLock
	registry     = map[uintptr]*Task{}
)

// ResetForTest clears the task registry and ID counter between test
// cases.
func ResetForTest() {
	registryLock.Lock()
	registry = map[uintptr]*Task{}
	registryLock.Unlock()
	nextTaskID.Store(0)
}

// installSentinel writes the verification block at the top of t's
// stack, through the same pmm-backed, host-testable indirection vmm
// itself reads page-table nodes through (vmm.ResolvePointer, wrapping
// framePointer).
func installSentinel(t *Task) {
	s := (*sentinel)(vmm.ResolvePointer(t.stackHi - sentinelSize))
	s.Magic1 = sentinelMagic1
	s.StackLo = t.stackLo
	s.Magic2 = sentinelMagic2
}

// NewTask allocates an 8-page stack (spec.md §3) and a descriptor for
// it, in the waiting state, not yet attached to any queue.
func NewTask(entry EntryFunc, arg unsafe.Pointer, affinity uint64) (*Task, error) {
	// The stack must start on a stackSize boundary, or CurrentTask's
	// mask-RSP-to-32KiB lookup would not recover it (spec.md §4.6).
	pages, err := pmm.AllocAlignedContiguous(stackPages, stackSize)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:         nextTaskID.Add(1),
		entry:      entry,
		arg:        arg,
		stackLo:    pages[0].Phys,
		stackHi:    pages[0].Phys + stackSize,
		stackPages: pages,
	}
	t.refcount.Store(1)
	t.state.Store(int32(StateWaiting))
	t.affinity.Store(affinity)
	t.savedRSP = vmm.DirectMap(t.stackHi - sentinelSize)

	installSentinel(t)
	registryLock.Lock()
	registry[t.stackLo] = t
	registryLock.Unlock()
	return t, nil
}

// CurrentTask recovers the task descriptor owning the stack rsp points
// into, by masking rsp to the 32 KiB boundary and verifying the
// sentinel there (spec.md §4.6's "current task" lookup). Returns nil if
// rsp does not point into any live task's stack.
func CurrentTask(rsp uintptr) *Task {
	boundary := rsp &^ stackMask
	if boundary < vmm.KernelBase {
		return nil
	}
	stackLo := boundary - vmm.KernelBase

	registryLock.Lock()
	t := registry[stackLo]
	registryLock.Unlock()
	if t == nil {
		return nil
	}

	s := (*sentinel)(vmm.ResolvePointer(stackLo + stackSize - sentinelSize))
	if s.Magic1 != sentinelMagic1 || s.Magic2 != sentinelMagic2 || s.StackLo != stackLo {
		return nil
	}
	return t
}

// Current returns the task descriptor for whichever task is running on
// the calling CPU right now, by reading the real stack pointer. Unlike
// CurrentTask, this is not host-tested: arch.ReadRSP observes the
// hardware register, not whatever stack a hosted test happens to run
// on.
func Current() *Task {
	return CurrentTask(arch.ReadRSP())
}

// State reports the task's current lifecycle stage.
func (t *Task) State() State { return State(t.state.Load()) }

// Affinity returns the CPU-index bitmask this task is pinned within.
func (t *Task) Affinity() uint64 { return t.affinity.Load() }

// SetCpuAffinity updates the affinity mask. Per spec.md §5's ordering
// rule, this takes effect on the task's next schedule() call, not
// immediately — callers here only ever consult Affinity() from inside
// the scheduler's own CPU-selection pass, so no extra synchronization
// is needed beyond the atomic store itself.
func (t *Task) SetCpuAffinity(mask uint64) {
	t.affinity.Store(mask)
}

// Switches returns the task's context-switch counter. Affinity-based
// CPU selection (SelectCPU) compares the per-CPU counters, not this one.
func (t *Task) Switches() uint64 { return t.switches.Load() }

// PreemptDisable/PreemptEnable implement the scope-guard counter named
// throughout spec.md §5: a task whose counter is above zero can never
// be chosen as "current" to switch away from, nor selected as "next".
func (t *Task) PreemptDisable() { t.preemptDisable.Add(1) }

func (t *Task) PreemptEnable() {
	kernel.BugOn(t.preemptDisable.Add(-1) < 0, "sched: PreemptEnable without matching PreemptDisable")
}

func (t *Task) preemptable() bool { return t.preemptDisable.Load() == 0 }

// Stop asks the task to cancel cooperatively (spec.md §5: "a task can be
// asked to stop by setting its stopping flag").
func (t *Task) Stop() { t.stopping.Store(true) }

// Stopping reports whether Stop has been called; the task's own entry
// function is expected to poll this.
func (t *Task) Stopping() bool { return t.stopping.Load() }

// Get/Put implement the refcount named in spec.md §3, mirroring
// pmm.Page's Get/Put contract: Put never frees by itself, so a caller
// dropping the last reference must still call Destroy explicitly.
func (t *Task) Get() { t.refcount.Add(1) }

func (t *Task) Put() {
	if t.refcount.Load() > 0 {
		t.refcount.Add(-1)
	}
}

func (t *Task) Refcount() int32 { return t.refcount.Load() }

// Destroy releases a fully-dereferenced, exited task's stack back to
// pmm and removes it from the registry. Callers must have already
// observed Refcount() == 0 and State() == StateExited.
func Destroy(t *Task) {
	registryLock.Lock()
	delete(registry, t.stackLo)
	registryLock.Unlock()
	for _, p := range t.stackPages {
		pmm.FreePage(p)
	}
}

// Wait blocks (by repeatedly invoking schedule, or sleeping if SleepFunc
// is installed) until t has exited — spec.md §5: "Task::wait() polls
// the Exited state with a 1 ms sleep". Grounded on
// ksync.WaitGroup.Wait's same spin-and-yield shape.
func (t *Task) Wait(schedule func()) {
	for t.State() != StateExited {
		if SleepFunc != nil {
			SleepFunc(1_000_000)
		} else {
			schedule()
		}
	}
}

// SleepFunc, when installed (wired to the timekeeper during boot),
// paces Task.Wait's poll loop at roughly 1ms. Left nil during early
// bring-up and in tests, where Wait falls back to calling schedule on
// every iteration.
var SleepFunc func(ns int64)

// Exec is where a task's fabricated initial stack frame ultimately
// dispatches to (spec.md §4.6: "the first dispatch unwinds into
// Task::exec(task) which then calls the task's entry function and, on
// return, marks the task exited and calls schedule() once more"). The
// frame itself is hand-crafted by hardware-level bring-up code (out of
// scope, the same class of primitive as the context switch in
// schedule.go); Exec's own logic is ordinary Go and host-testable
// against a fake schedule callback.
func Exec(t *Task, schedule func()) {
	t.state.Store(int32(StateRunning))
	t.entry(t.arg)
	t.state.Store(int32(StateExited))
	schedule()
}
