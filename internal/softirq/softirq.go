// Package softirq is the deferred-work dispatcher (C9): a single kernel
// task that sleeps roughly 1ms between scans of a pending-bits atomic.
// Hardware ISRs call Raise to mark work as pending from interrupt
// context; the worker task clears each set bit and calls its installed
// handler outside of interrupt context (spec.md §4.7). Grounded on
// original_source/kernel/softirq.cpp's SoftIrq class, generalized from
// its single process-wide instance into one queue per installer (the
// teacher's kernel.go likewise defers GPU draw work out of its main
// interrupt path rather than handling it inline).
package softirq

import (
	"sync/atomic"
	"unsafe"

	"corekernel/internal/kernel"
	"corekernel/internal/klog"
	"corekernel/internal/sched"
)

// Type identifies a soft-IRQ source (spec.md §4.7: "net_rx, blk_io,
// net_tx").
type Type uint

const (
	TypeNetRx Type = iota
	TypeBlkIo
	TypeNetTx

	MaxTypes = 8
)

type handler struct {
	fn  func(ctx unsafe.Pointer)
	ctx unsafe.Pointer
}

// Queue owns one pending bitmask, its registered handlers, and the task
// draining them. The teacher's SoftIrq is a process-wide singleton; the
// core keeps that shape available via the package-level Default queue
// while still letting tests build an isolated Queue.
type Queue struct {
	pending  atomic.Uint32
	handlers [MaxTypes]handler

	task *sched.Task
}

// NewQueue allocates a Queue with no task started yet. Start creates
// the worker task.
func NewQueue() *Queue {
	return &Queue{}
}

// Register installs the (fn, ctx) pair invoked when t's bit is raised.
// Per the teacher's Register, a type out of range is silently ignored
// rather than an error: soft-IRQ types are a small, statically-known
// set fixed at build time, not user input.
func (q *Queue) Register(t Type, fn func(ctx unsafe.Pointer), ctx unsafe.Pointer) {
	if uint(t) >= MaxTypes {
		return
	}
	q.handlers[t] = handler{fn: fn, ctx: ctx}
}

// Raise marks t as pending. Called from hard-IRQ context (spec.md
// §4.7: "Hardware ISRs raise bits"); it must never block or allocate,
// so it is just one atomic bit-set.
func (q *Queue) Raise(t Type) {
	if uint(t) >= MaxTypes {
		return
	}
	q.pending.Or(1 << uint(t))
}

// drainOnce clears every currently-pending bit and invokes its
// handler, reporting whether anything was handled. Split out from Run
// so it is host-testable without a live sched.Task.
func (q *Queue) drainOnce() bool {
	handled := false
	for i := uint(0); i < MaxTypes; i++ {
		bit := uint32(1) << i
		if q.pending.Load()&bit == 0 {
			continue
		}
		q.pending.And(^bit)
		h := q.handlers[i]
		if h.fn != nil {
			h.fn(h.ctx)
			handled = true
		}
	}
	return handled
}

// Start creates the worker task (spec.md §4.7's "single kernel task")
// and records it in q. It does not insert the task into any CPU's run
// queue. Once running, the task runs Run in a loop until Stop is called.
func (q *Queue) Start(affinity uint64) error {
	t, err := sched.NewTask(func(arg unsafe.Pointer) {
		self := (*Queue)(arg)
		self.Run(sched.Current())
	}, unsafe.Pointer(q), affinity)
	if err != nil {
		return err
	}
	q.task = t
	klog.Infof("softirq: worker task %d started", t.ID)
	return nil
}

// Run is the worker body (spec.md §4.7, grounded on SoftIrq::Run): scan
// every bit, clear-then-call each pending one, and sleep ~1ms whenever
// a full pass found nothing to do. self is passed explicitly so tests
// can drive Run without depending on sched.Current()'s hardware RSP
// read.
func (q *Queue) Run(self *sched.Task) {
	kernel.BugOn(self == nil, "softirq: Run without a current task")
	for !self.Stopping() {
		if !q.drainOnce() {
			if sched.SleepFunc != nil {
				sched.SleepFunc(1_000_000)
			}
		}
	}
}

// Stop asks the worker task to exit and waits for it, mirroring
// SoftIrq::Stop's SetStopping-then-Wait shape.
func (q *Queue) Stop(schedule func()) {
	if q.task == nil {
		return
	}
	q.task.Stop()
	q.task.Wait(schedule)
	q.task.Put()
	q.task = nil
}

// Default is the process-wide soft-IRQ queue device ISRs raise into,
// matching the teacher/original's single global dispatcher. Boot code
// wires every device's completion handling through it; nothing in this
// package requires callers to use it instead of a private Queue.
var Default = NewQueue()
