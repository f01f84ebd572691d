package sched

import (
	"testing"
	"unsafe"

	"corekernel/internal/pmm"
	"corekernel/internal/vmm"
)

func setupPMM(t *testing.T) {
	t.Helper()
	pmm.ResetForTest()
	pmm.Init([]pmm.Region{{Start: 0, End: 16 * pmm.PageSize}}, 0, 0)
	t.Cleanup(pmm.ResetForTest)
}

func TestNewTaskInstallsVerifiableSentinel(t *testing.T) {
	setupPMM(t)
	ResetForTest()
	defer ResetForTest()

	task, err := NewTask(func(unsafe.Pointer) {}, nil, 1)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.stackHi-task.stackLo != stackSize {
		t.Fatalf("stack size = %d, want %d", task.stackHi-task.stackLo, stackSize)
	}

	rsp := vmm.DirectMap(task.stackHi - 8) // anywhere within the top page
	got := CurrentTask(rsp)
	if got != task {
		t.Fatalf("CurrentTask(%x) = %v, want %v", rsp, got, task)
	}
}

func TestCurrentTaskRejectsCorruptedSentinel(t *testing.T) {
	setupPMM(t)
	ResetForTest()
	defer ResetForTest()

	task, err := NewTask(func(unsafe.Pointer) {}, nil, 1)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	s := (*sentinel)(vmm.ResolvePointer(task.stackHi - sentinelSize))
	s.Magic2 = 0xBAD

	rsp := vmm.DirectMap(task.stackHi - 8)
	if got := CurrentTask(rsp); got != nil {
		t.Fatalf("CurrentTask with corrupted sentinel = %v, want nil", got)
	}
}

func TestCurrentTaskOutsideAnyStackReturnsNil(t *testing.T) {
	setupPMM(t)
	ResetForTest()
	defer ResetForTest()

	if got := CurrentTask(vmm.KernelBase + 0x7FFF_0000); got != nil {
		t.Fatalf("CurrentTask outside any stack = %v, want nil", got)
	}
}

func TestExecRunsEntryThenMarksExitedAndSchedules(t *testing.T) {
	setupPMM(t)
	ResetForTest()
	defer ResetForTest()

	var ran bool
	task, err := NewTask(func(unsafe.Pointer) { ran = true }, nil, 1)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	scheduleCalled := 0
	Exec(task, func() { scheduleCalled++ })

	if !ran {
		t.Fatal("Exec should have invoked the task's entry function")
	}
	if task.State() != StateExited {
		t.Fatalf("state = %v, want StateExited", task.State())
	}
	if scheduleCalled != 1 {
		t.Fatalf("schedule called %d times, want 1", scheduleCalled)
	}
}

func TestTaskWaitUsesScheduleWhenNoSleepFuncInstalled(t *testing.T) {
	setupPMM(t)
	ResetForTest()
	defer ResetForTest()

	task, err := NewTask(func(unsafe.Pointer) {}, nil, 1)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	calls := 0
	task.Wait(func() {
		calls++
		if calls == 3 {
			task.state.Store(int32(StateExited))
		}
	})
	if calls != 3 {
		t.Fatalf("schedule called %d times, want 3", calls)
	}
}

func TestGetPutRefcount(t *testing.T) {
	setupPMM(t)
	ResetForTest()
	defer ResetForTest()

	task, err := NewTask(func(unsafe.Pointer) {}, nil, 1)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Refcount() != 1 {
		t.Fatalf("initial refcount = %d, want 1", task.Refcount())
	}
	task.Get()
	if task.Refcount() != 2 {
		t.Fatalf("refcount after Get = %d, want 2", task.Refcount())
	}
	task.Put()
	task.Put()
	if task.Refcount() != 0 {
		t.Fatalf("refcount after two Put = %d, want 0", task.Refcount())
	}

	before := pmm.FreeCount()
	Destroy(task)
	if pmm.FreeCount() != before+stackPages {
		t.Fatalf("FreeCount() after Destroy = %d, want %d", pmm.FreeCount(), before+stackPages)
	}
	if CurrentTask(vmm.DirectMap(task.stackHi - 8)) != nil {
		t.Fatal("Destroy should remove the task from the registry")
	}
}
