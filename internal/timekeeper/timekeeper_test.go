package timekeeper

import "testing"

func TestHasInvariantTSC(t *testing.T) {
	if hasInvariantTSC(0) {
		t.Fatal("bit 8 clear should report no invariant TSC")
	}
	if !hasInvariantTSC(1 << 8) {
		t.Fatal("bit 8 set should report invariant TSC")
	}
}

func TestHasKVMSignature(t *testing.T) {
	if !hasKVMSignature(0x4b4d564b, 0x564b4d56, 0x4d) {
		t.Fatal("the real KVMKVMKVM leaf values should match")
	}
	if hasKVMSignature(0, 0, 0) {
		t.Fatal("zeroed CPUID output must not be mistaken for KVM")
	}
}

func TestMedian3(t *testing.T) {
	cases := []struct {
		a, b, c, want uint64
	}{
		{1, 2, 3, 2},
		{3, 2, 1, 2},
		{2, 2, 2, 2},
		{5, 1, 3, 3},
	}
	for _, c := range cases {
		if got := median3(c.a, c.b, c.c); got != c.want {
			t.Fatalf("median3(%d,%d,%d) = %d, want %d", c.a, c.b, c.c, got, c.want)
		}
	}
}

func TestTscToNs(t *testing.T) {
	// 1GHz clock, 1000 ticks elapsed -> 1000ns
	if got := tscToNs(2000, 1000, 1_000_000_000); got != 1000 {
		t.Fatalf("tscToNs = %d, want 1000", got)
	}
	if got := tscToNs(100, 100, 0); got != 0 {
		t.Fatalf("tscToNs with zero freq = %d, want 0 (no divide-by-zero panic)", got)
	}
}

func TestKvmclockNs(t *testing.T) {
	info := pvclockInfo{
		TscTimestamp:   0,
		SystemTime:     5000,
		TscToSystemMul: 1 << 31, // scale factor 0.5
		TscShift:       0,
	}
	got := kvmclockNs(info, 1000)
	want := uint64(5000 + 500)
	if got != want {
		t.Fatalf("kvmclockNs = %d, want %d", got, want)
	}
}

func TestKvmclockNsNegativeShiftMeansLeftShift(t *testing.T) {
	info := pvclockInfo{
		TscTimestamp:   0,
		SystemTime:     0,
		TscToSystemMul: 1 << 31,
		TscShift:       -1, // left shift by 1, cancelling the 0.5 scale
	}
	got := kvmclockNs(info, 4)
	if got != 4 {
		t.Fatalf("kvmclockNs with negative shift = %d, want 4", got)
	}
}

func TestReadKvmclockRetriesOnOddVersion(t *testing.T) {
	calls := 0
	read := func() pvclockInfo {
		calls++
		if calls == 1 {
			return pvclockInfo{Version: 1} // odd: mid-update
		}
		return pvclockInfo{Version: 2, SystemTime: 42}
	}
	got := readKvmclock(read)
	if got.SystemTime != 42 {
		t.Fatalf("readKvmclock returned stale/odd snapshot: %+v", got)
	}
	if calls < 3 {
		t.Fatalf("expected at least one odd-version retry plus the stable pair, got %d calls", calls)
	}
}

func TestReadKvmclockRetriesOnVersionChangeBetweenReads(t *testing.T) {
	// First pair (2, 4) disagrees — forces a retry; second pair (4, 4) is stable.
	seqOfVersions := []uint32{2, 4, 4, 4}
	i := 0
	read := func() pvclockInfo {
		v := seqOfVersions[i]
		i++
		return pvclockInfo{Version: v, SystemTime: uint64(v)}
	}
	got := readKvmclock(read)
	if got.Version != 4 {
		t.Fatalf("readKvmclock = version %d, want 4 (stable pair after retry)", got.Version)
	}
	if i != 4 {
		t.Fatalf("expected all 4 reads to be consumed (one retry), got %d", i)
	}
}

func TestBcdToBinary(t *testing.T) {
	if got := bcdToBinary(0x59); got != 59 {
		t.Fatalf("bcdToBinary(0x59) = %d, want 59", got)
	}
	if got := bcdToBinary(0x00); got != 0 {
		t.Fatalf("bcdToBinary(0x00) = %d, want 0", got)
	}
}

func TestDaysFromCivilKnownEpoch(t *testing.T) {
	if got := daysFromCivil(1970, 1, 1); got != 0 {
		t.Fatalf("daysFromCivil(1970,1,1) = %d, want 0", got)
	}
	if got := daysFromCivil(1970, 1, 2); got != 1 {
		t.Fatalf("daysFromCivil(1970,1,2) = %d, want 1", got)
	}
	if got := daysFromCivil(2000, 3, 1); got != 11017 {
		t.Fatalf("daysFromCivil(2000,3,1) = %d, want 11017", got)
	}
}

func TestUnixNsFromRTC(t *testing.T) {
	r := rtcReading{Second: 0, Minute: 0, Hour: 0, Day: 1, Month: 1, Year: 1970}
	if got := unixNsFromRTC(r); got != 0 {
		t.Fatalf("unixNsFromRTC(epoch) = %d, want 0", got)
	}

	r2 := rtcReading{Second: 1, Minute: 0, Hour: 0, Day: 1, Month: 1, Year: 1970}
	if got := unixNsFromRTC(r2); got != 1_000_000_000 {
		t.Fatalf("unixNsFromRTC(epoch+1s) = %d, want 1e9", got)
	}
}

func TestTickAdvancesCounterUnderSeqLock(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	if Ticks() != 0 {
		t.Fatalf("Ticks() at start = %d, want 0", Ticks())
	}
	Tick()
	Tick()
	if Ticks() != 2 {
		t.Fatalf("Ticks() = %d, want 2", Ticks())
	}
}

func TestSleepWithStopsOnceDeadlineReached(t *testing.T) {
	now := uint64(0)
	nowNS := func() uint64 { return now }
	var scheduleCalls int
	schedule := func() {
		scheduleCalls++
		now += 10
	}

	sleepWith(35, nowNS, schedule)

	if now < 35 {
		t.Fatalf("sleepWith returned before deadline: now=%d", now)
	}
	if scheduleCalls == 0 {
		t.Fatal("sleepWith should have called schedule at least once")
	}
}
