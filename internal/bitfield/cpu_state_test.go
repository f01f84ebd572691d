package bitfield

import "testing"

func TestPackCPUStateRoundTrip(t *testing.T) {
	cases := []CPUState{
		{},
		{Inited: true},
		{Inited: true, Running: true},
		{Inited: true, Running: true, Exiting: true},
		{Inited: true, Running: true, Exiting: true, Exited: true},
		{Running: true, Reserved: 0xABCDEF0},
	}

	for i, c := range cases {
		packed, err := PackCPUState(c)
		if err != nil {
			t.Fatalf("case %d: PackCPUState error: %v", i, err)
		}
		got := UnpackCPUState(packed)
		if got != c {
			t.Errorf("case %d: round trip mismatch: got %+v, want %+v", i, got, c)
		}
	}
}

func TestCPUStateBitPositions(t *testing.T) {
	packed, err := PackCPUState(CPUState{Running: true})
	if err != nil {
		t.Fatal(err)
	}
	if packed != 0x2 {
		t.Errorf("Running bit expected at bit 1, got 0x%x", packed)
	}

	packed, err = PackCPUState(CPUState{Exited: true})
	if err != nil {
		t.Fatal(err)
	}
	if packed != 0x8 {
		t.Errorf("Exited bit expected at bit 3, got 0x%x", packed)
	}
}
