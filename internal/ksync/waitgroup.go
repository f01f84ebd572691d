package ksync

import (
	"sync/atomic"

	"corekernel/internal/arch"
)

// WaitGroup is the device-completion wait primitive from §5:
// "Device completions use a wait-group whose wait() spins via
// schedule() until counter reaches 0; polled mode is used
// pre-scheduler." Unlike sync.WaitGroup, Add may be called concurrently
// with Wait — callers are expected to Add before handing buffers to a
// device, then Done from interrupt/soft-IRQ context.
type WaitGroup struct {
	counter atomic.Int64
}

// Add adjusts the outstanding count. n is usually positive (one
// in-flight descriptor chain per Add) and negative only when an
// enqueue attempt is aborted before any Done could ever fire.
func (w *WaitGroup) Add(n int64) {
	w.counter.Add(n)
}

// Done marks one unit of work complete; panics (Bug, §7) if it would
// drive the counter negative, since that can only mean a double-complete.
func (w *WaitGroup) Done() {
	if w.counter.Add(-1) < 0 {
		panic("ksync: WaitGroup.Done called more times than Add")
	}
}

// Count returns the current outstanding count; never negative for a
// correctly paired Add/Done sequence.
func (w *WaitGroup) Count() int64 {
	return w.counter.Load()
}

// Wait spins, calling schedule on every iteration, until the counter
// reaches zero. schedule is sched.Schedule — passed in rather than
// imported directly, since sched itself depends on ksync for its queue
// locks and a direct import would cycle.
func (w *WaitGroup) Wait(schedule func()) {
	for w.counter.Load() > 0 {
		schedule()
	}
}

// WaitPolled busy-waits with PAUSE instead of yielding, for the window
// before the scheduler exists (early boot DMA bootstrap, §5: "polled
// mode is used pre-scheduler").
func (w *WaitGroup) WaitPolled() {
	for w.counter.Load() > 0 {
		arch.Pause()
	}
}
