package softirq

import (
	"testing"
	"unsafe"
)

func TestRaiseAndDrainOnceInvokesHandlerAndClearsBit(t *testing.T) {
	q := NewQueue()

	var calls int
	var gotCtx unsafe.Pointer
	marker := new(int)
	q.Register(TypeNetRx, func(ctx unsafe.Pointer) {
		calls++
		gotCtx = ctx
	}, unsafe.Pointer(marker))

	q.Raise(TypeNetRx)
	if handled := q.drainOnce(); !handled {
		t.Fatal("drainOnce should report handled work")
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
	if gotCtx != unsafe.Pointer(marker) {
		t.Fatal("handler did not receive its registered ctx")
	}

	if handled := q.drainOnce(); handled {
		t.Fatal("drainOnce should report no work once the bit is cleared")
	}
}

func TestDrainOnceHandlesMultiplePendingBitsInOnePass(t *testing.T) {
	q := NewQueue()

	var order []Type
	for _, typ := range []Type{TypeNetRx, TypeBlkIo, TypeNetTx} {
		typ := typ
		q.Register(typ, func(unsafe.Pointer) { order = append(order, typ) }, nil)
	}

	q.Raise(TypeBlkIo)
	q.Raise(TypeNetTx)

	if !q.drainOnce() {
		t.Fatal("drainOnce should report handled work")
	}
	if len(order) != 2 {
		t.Fatalf("len(order) = %d, want 2", len(order))
	}
}

func TestRaiseOutOfRangeTypeIsIgnored(t *testing.T) {
	q := NewQueue()
	q.Raise(Type(MaxTypes))
	if q.pending.Load() != 0 {
		t.Fatal("Raise with an out-of-range type must not touch the pending mask")
	}
}

func TestRegisterOutOfRangeTypeIsIgnored(t *testing.T) {
	q := NewQueue()
	q.Register(Type(MaxTypes), func(unsafe.Pointer) { t.Fatal("must never be called") }, nil)
	q.Raise(Type(MaxTypes))
	q.drainOnce()
}

func TestDrainOnceSkipsUnregisteredBitButStillClearsIt(t *testing.T) {
	q := NewQueue()
	q.Raise(TypeNetRx) // no handler registered for this type

	if q.drainOnce() {
		t.Fatal("drainOnce with no handler installed should report nothing handled")
	}
	if q.pending.Load() != 0 {
		t.Fatal("the bit should still be cleared even with no handler installed")
	}
}
