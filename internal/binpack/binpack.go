// Package binpack marshals and unmarshals the small-endian fixed-layout
// wire structures used throughout C11/C12 and the virtio device
// drivers: descriptor/available/used ring entries, and virtio-blk/net
// request headers. Grounded on the `encoding/binary.Write` against a
// `bytes.Buffer` idiom seen in the pack's `usbarmory-tamago`
// `amd64/smp.go` (its `task.Write` marshals a fixed struct the same
// way, to hand a CPU task descriptor to a newly-started AP) — the core
// reuses that idiom everywhere a struct needs turning into bytes
// instead of hand-rolling byte shifts at each call site.
package binpack

import (
	"bytes"
	"encoding/binary"
)

// Pack serializes v (a fixed-size value, or pointer to one) to its
// little-endian wire representation.
func Pack(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack deserializes data into v (a pointer to a fixed-size value),
// reading it as little-endian.
func Unpack(data []byte, v any) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// PutUint16/PutUint32/PutUint64 and Uint16/Uint32/Uint64 wrap
// encoding/binary.LittleEndian for the hot ring-manipulation paths
// (C12's add_bufs/get_used) that write directly into a pmm-backed
// memory slice rather than through a Go struct value, where the
// allocation Pack/Unpack would otherwise do on every call is
// unaffordable.
func PutUint16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func PutUint32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func PutUint64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

func Uint16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func Uint32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func Uint64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }
