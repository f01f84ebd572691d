package bitfield

// CPUState packs the per-logical-processor state bitmap described in
// §3's CPU record: a CPU is inited, then running, then (on shutdown
// request) exiting, then exited. All four bits can be read and written
// independently; the scheduler and IPI handler only ever set them, in
// that order, with atomic RMW (C13), so storing them packed keeps a
// single atomic word instead of four separate ones.
type CPUState struct {
	Inited   bool   `bitfield:",1"`
	Running  bool   `bitfield:",1"`
	Exiting  bool   `bitfield:",1"`
	Exited   bool   `bitfield:",1"`
	Reserved uint32 `bitfield:",28"`
}

var cpuStateConfig = &Config{NumBits: 32}

// PackCPUState packs a CPUState into its atomic uint32 wire form.
func PackCPUState(s CPUState) (uint32, error) {
	packed, err := Pack(&s, cpuStateConfig)
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}

// UnpackCPUState is the inverse of PackCPUState.
func UnpackCPUState(packed uint32) CPUState {
	var s CPUState
	_ = Unpack(uint64(packed), &s, cpuStateConfig)
	return s
}
