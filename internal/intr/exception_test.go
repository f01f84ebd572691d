package intr

import (
	"strings"
	"testing"
)

func TestBacktraceWalksSyntheticFrameChain(t *testing.T) {
	// Build a 3-frame chain: rbp=0x1000 -> saved rbp 0x2000, ret 0xAAA
	//                        rbp=0x2000 -> saved rbp 0x3000, ret 0xBBB
	//                        rbp=0x3000 -> saved rbp 0,      ret 0xCCC
	mem := map[uint64]uint64{
		0x1000: 0x2000, 0x1008: 0xAAA,
		0x2000: 0x3000, 0x2008: 0xBBB,
		0x3000: 0, 0x3008: 0xCCC,
	}
	read := func(addr uint64) uint64 { return mem[addr] }

	frames := backtrace(0x1000, read, 16)
	want := []uint64{0xAAA, 0xBBB, 0xCCC}
	if len(frames) != len(want) {
		t.Fatalf("frames = %x, want %x", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("frames = %x, want %x", frames, want)
		}
	}
}

func TestBacktraceStopsAtMaxFrames(t *testing.T) {
	mem := map[uint64]uint64{}
	// A cyclic chain would spin forever without a frame cap.
	mem[0x1000], mem[0x1008] = 0x1000, 0x1
	read := func(addr uint64) uint64 { return mem[addr] }

	frames := backtrace(0x1000, read, 4)
	if len(frames) != 4 {
		t.Fatalf("len(frames) = %d, want 4", len(frames))
	}
}

func TestFormatPanicIncludesCR2OnlyForPageFault(t *testing.T) {
	read := func(addr uint64) uint64 { return 0 }

	pf := FormatPanic(Context{Vector: vectorPageFault, RIP: 0x1234, CR2: 0xDEAD}, read)
	if !strings.Contains(pf, "cr2=dead") {
		t.Fatalf("page fault message missing cr2: %s", pf)
	}

	gp := FormatPanic(Context{Vector: 0x0D, RIP: 0x1234}, read)
	if strings.Contains(gp, "cr2=") {
		t.Fatalf("non-page-fault message should omit cr2: %s", gp)
	}
}

func TestHandleExceptionCountsAndPanics(t *testing.T) {
	ResetForTest()
	ResetPanicForTest()
	defer ResetPanicForTest()

	read := func(addr uint64) uint64 { return 0 }
	defer func() {
		if recover() == nil {
			t.Fatal("HandleException should panic (CPU exceptions are always fatal)")
		}
		if got := ExceptionCount(0x0E); got != 1 {
			t.Fatalf("ExceptionCount(0x0E) = %d, want 1", got)
		}
	}()
	HandleException(Context{Vector: vectorPageFault, RIP: 0x4000, CR2: 0x8000}, read)
}

type fakeHaltBroadcaster struct{ called int }

func (f *fakeHaltBroadcaster) HaltAllOthers() { f.called++ }

func TestPanicHookBroadcastsHaltOnce(t *testing.T) {
	ResetPanicForTest()
	defer ResetPanicForTest()

	b := &fakeHaltBroadcaster{}
	SetHaltBroadcaster(b)
	defer SetHaltBroadcaster(nil)

	panicHook("first fault")
	if b.called != 1 {
		t.Fatalf("HaltAllOthers called %d times, want 1", b.called)
	}
}
