package intr

import (
	"sync/atomic"

	"corekernel/internal/arch"
	"corekernel/internal/kernel"
	"corekernel/internal/klog"
)

// vectorPageFault is the one CPU exception vector spec.md §4.5 calls
// out for extra context (CR2, the faulting linear address).
const vectorPageFault = 0x0E

// Context is the full integer context the assembly exception stub
// saves before calling into Go (spec.md §4.5: "save the full integer
// context on stack"), trimmed here to the fields the panic message and
// backtrace actually need; the stub itself still pushes and restores
// every GPR around the call.
type Context struct {
	Vector    int
	ErrorCode uint64 // valid only for vectors that push one (8, 10-14, 17, 21, 29, 30)
	RIP       uint64
	RSP       uint64
	RBP       uint64
	RFLAGS    uint64
	CR2       uint64 // valid only for vectorPageFault
}

var exceptionCounts [numVectors]uint64

// ExceptionCount returns how many times vector v has been taken,
// per-vector, since boot (spec.md §4.5: "increments a per-exception
// counter").
func ExceptionCount(v int) uint64 { return exceptionCounts[v] }

// HaltBroadcaster lets intr ask every other CPU to halt without intr
// importing sched — the same RemoteCPU-style seam vmm uses for TLB
// shootdown (vmm.RegisterPeer). sched implements this on its CPU
// record and calls SetHaltBroadcaster during bring-up.
type HaltBroadcaster interface {
	HaltAllOthers()
}

var haltBroadcaster HaltBroadcaster

// SetHaltBroadcaster installs the cross-CPU halt request sched
// provides once per-CPU bring-up has happened; before that, a fatal
// exception just halts the one CPU that took it.
func SetHaltBroadcaster(b HaltBroadcaster) {
	haltBroadcaster = b
}

var panicEntered atomic.Bool

// Init wires intr's richer panic continuation into kernel.Panicf, so
// every Bug-class invariant violation (kernel.BugOn) gets the same
// cross-CPU halt broadcast a CPU exception does, not just a bare
// message.
func Init() {
	kernel.SetPanicHook(panicHook)
}

// panicHook is kernel.Panicf's continuation. Panics are fatal and
// single-writer (spec.md §7: "once any CPU enters the panic state
// (compare-and-swap on a single atomic), no other CPU writes"): the
// first CPU through the CAS broadcasts the halt IPI and returns, so
// kernel.Panicf's own panic() can unwind and stop this CPU; any CPU
// that loses the race (including this same CPU re-entering on a panic
// during panic handling) just halts in place instead.
func panicHook(msg string) {
	arch.Cli()
	if !panicEntered.CompareAndSwap(false, true) {
		for {
			arch.Halt()
		}
	}
	klog.Raw(msg)
	klog.Raw("\n")
	if haltBroadcaster != nil {
		haltBroadcaster.HaltAllOthers()
	}
}

// ResetPanicForTest clears the single-writer latch between test cases
// that deliberately trigger a panic.
func ResetPanicForTest() {
	panicEntered.Store(false)
}

// memReader reads the 8-byte word at a virtual address. The real
// implementation dereferences the address directly — a faulting RBP
// chain always points at already-mapped kernel stack memory, which
// needs no temp-map — but HandleException takes it as a parameter so a
// host test can walk a synthetic frame chain instead of real memory.
type memReader func(addr uint64) uint64

// backtrace walks the saved-RBP chain spec.md §4.5 describes ("walks
// the current stack back via saved RBP to produce a backtrace"): frame
// pointer convention puts the caller's RBP at [rbp] and the return
// address at [rbp+8]. Stops at a zero return address (root of the
// chain) or after max frames, whichever comes first.
func backtrace(rbp uint64, read memReader, max int) []uint64 {
	frames := make([]uint64, 0, max)
	for i := 0; i < max && rbp != 0; i++ {
		ret := read(rbp + 8)
		if ret == 0 {
			break
		}
		frames = append(frames, ret)
		rbp = read(rbp)
	}
	return frames
}

// FormatPanic builds the message spec.md §4.5 requires: faulting RIP,
// RSP, the error code for vectors that push one, CR2 for page faults,
// and a backtrace.
func FormatPanic(ctx Context, read memReader) string {
	msg := klog.Sprintf("exception %x at rip=%x rsp=%x rflags=%x errcode=%x",
		ctx.Vector, ctx.RIP, ctx.RSP, ctx.RFLAGS, ctx.ErrorCode)
	if ctx.Vector == vectorPageFault {
		msg += klog.Sprintf(" cr2=%x", ctx.CR2)
	}
	for _, ret := range backtrace(ctx.RBP, read, 16) {
		msg += klog.Sprintf("\n  <- %x", ret)
	}
	return msg
}

// HandleException is what the assembly exception stub calls after
// saving context (spec.md §4.5's "per-exception C-level routine"). It
// counts the exception, formats the panic message, and hands off to
// kernel.Panicf, which (via the hook Init installed) runs the cross-CPU
// halt broadcast before this goroutine's panic() stops the CPU for
// good. A CPU exception is always fatal — spec.md names no recoverable
// exception class — so HandleException never returns.
func HandleException(ctx Context, read memReader) {
	exceptionCounts[ctx.Vector]++
	kernel.Panicf("%s", FormatPanic(ctx, read))
}
