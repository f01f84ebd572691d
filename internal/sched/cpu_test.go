package sched

import "testing"

func TestNewCPURegistersAsShootdownPeer(t *testing.T) {
	ResetCPUsForTest()
	defer ResetCPUsForTest()

	c := NewCPU(0, 1)
	if c.Queue == nil {
		t.Fatal("NewCPU should allocate a task queue")
	}
	if c.Running() {
		t.Fatal("a fresh CPU should not report Running() before MarkRunning")
	}
	c.MarkRunning()
	if !c.Running() {
		t.Fatal("MarkRunning should make Running() true")
	}
}

func TestSetTLBFlushPendingArmsTheFlag(t *testing.T) {
	c := &CPU{Queue: &TaskQueue{}}
	if c.tlbFlushPending {
		t.Fatal("fresh CPU should not have a pending flush")
	}
	c.SetTLBFlushPending()
	if !c.tlbFlushPending {
		t.Fatal("SetTLBFlushPending should set the flag")
	}
}

// ServiceShootdown's pending-flag-set path performs a real TLB
// invalidation (arch.Invlpg, a privileged instruction with no portable
// model — see arch/portable.go) and so, like the rest of that class of
// primitive, is exercised on real hardware rather than under go test.
// Only the no-op early-return path is host-testable.
func TestServiceShootdownNoOpWhenNotPending(t *testing.T) {
	c := &CPU{Queue: &TaskQueue{}}
	c.ServiceShootdown()
	if c.tlbFlushPending {
		t.Fatal("ServiceShootdown should leave an unset flag unset")
	}
}

func TestSelectCPUPicksLeastLoadedWithinAffinityMask(t *testing.T) {
	ResetCPUsForTest()
	defer ResetCPUsForTest()

	a := NewCPU(0, 10)
	b := NewCPU(1, 11)
	_ = NewCPU(2, 12) // index 2 excluded from the mask below

	a.switches.Store(5)
	b.switches.Store(2)

	mask := uint64(1<<0 | 1<<1)
	got := SelectCPU(mask)
	if got != b {
		t.Fatalf("SelectCPU(%b) = %v, want the least-loaded CPU %v", mask, got, b)
	}
}

func TestSelectCPUReturnsNilWhenMaskMatchesNothing(t *testing.T) {
	ResetCPUsForTest()
	defer ResetCPUsForTest()

	NewCPU(0, 10)
	if got := SelectCPU(1 << 5); got != nil {
		t.Fatalf("SelectCPU with unmatched mask = %v, want nil", got)
	}
}
