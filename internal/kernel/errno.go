// Package kernel holds the one error taxonomy shared by every
// subsystem (§7), generalizing the teacher's bool/sentinel returns
// (virtqueueInit returns false, gpuInit returns negative ints) into a
// single Errno type, plus the panic-with-backtrace path that a Bug
// class error routes to.
package kernel

import "corekernel/internal/klog"

// Errno is the failure taxonomy of spec.md §7.
type Errno int

const (
	OK Errno = iota
	NoMemory
	InvalidValue
	NotFound
	AlreadyExists
	BufTooBig
	Unsuccessful
	IO
	HeaderCorrupt
	DataCorrupt
	BadMagic
	Bug
)

func (e Errno) Error() string {
	switch e {
	case NoMemory:
		return "no memory"
	case InvalidValue:
		return "invalid value"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case BufTooBig:
		return "buffer too big"
	case Unsuccessful:
		return "unsuccessful"
	case IO:
		return "i/o error"
	case HeaderCorrupt:
		return "header corrupt"
	case DataCorrupt:
		return "data corrupt"
	case BadMagic:
		return "bad magic"
	case Bug:
		return "bug"
	default:
		return "ok"
	}
}

// Logged reports whether this class is logged at trace level by policy
// (§7: "External data rejected ... Logged at trace level; operation
// fails"). InvalidValue/NotFound/AlreadyExists/BufTooBig are surfaced
// silently unless a driver chooses otherwise.
func (e Errno) Logged() bool {
	switch e {
	case Unsuccessful, IO, HeaderCorrupt, DataCorrupt, BadMagic:
		return true
	default:
		return false
	}
}

// panicHook lets boot install richer halt behavior (intr's panic hook,
// installed by intr.Init) without kernel importing intr, which itself
// imports kernel for Errno — the same function-variable seam as
// pmm.ZeroFrame.
var panicHook func(msg string)

// SetPanicHook installs the real panic path (disable local interrupts,
// cross-CPU halt IPI). Until it is installed, Panicf only writes the
// message with klog.Raw and then panics, so early boot code can still
// call BugOn before intr exists.
func SetPanicHook(fn func(msg string)) {
	panicHook = fn
}

// Panicf reports a Bug-class invariant violation. It writes the message
// with klog.Raw and, if a richer hook is installed (intr's hook: disable
// local interrupts, cross-CPU halt IPI, §4.5), runs that; either way it
// ends by panicking the goroutine so the CPU actually stops making
// forward progress, which is also what lets a test recover() from a
// deliberately triggered invariant violation instead of hanging.
func Panicf(format string, args ...any) {
	msg := klog.Sprintf(format, args...)
	klog.Raw("PANIC: ")
	klog.Raw(msg)
	klog.Raw("\n")
	if panicHook != nil {
		panicHook(msg)
	}
	panic(msg)
}

// BugOn panics with the given message if cond is true — the BUG_ON()
// idiom spec.md §7 describes ("A BUG_ON fired" → panics the kernel).
func BugOn(cond bool, format string, args ...any) {
	if cond {
		Panicf(format, args...)
	}
}
