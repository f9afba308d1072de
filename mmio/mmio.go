// Package mmio provides a typed, ordering-aware register window over a
// byte-addressable memory region: the "device handle" abstraction used by
// iommu and psp to talk to their respective MMIO register files. Volatility
// is a property of the access (every read/write goes through this type),
// not of the storage backing it.
package mmio

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// ErrOutOfRange is returned when an access falls outside the window.
var ErrOutOfRange = errors.New("mmio: access out of range")

// Window is a fixed-size, little-endian register window. It is backed by a
// plain byte slice so tests can construct one over ordinary memory; real
// hardware wiring mmaps a device's BAR into that slice (outside the scope
// of this module, same boundary as the teacher's kvm package treating
// guest memory as a []byte it mmaps once in memory.NewMemorySlot).
type Window struct {
	base []byte
}

// NewWindow wraps buf as a register window. buf is not copied: writes
// through the Window are writes to buf.
func NewWindow(buf []byte) *Window {
	return &Window{base: buf}
}

// Len reports the window's size in bytes.
func (w *Window) Len() int {
	return len(w.base)
}

// Barrier is a named store-store memory barrier. On a single logical
// processor executing sequential Go code the ordering it documents is
// already guaranteed by program order; it exists so that the register
// programming sequences in iommu and psp read the same way the ordering
// requirements in spec.md §5 are stated, and so a future concurrent
// caller cannot reorder across it silently.
func (w *Window) Barrier() {
	// atomic.StoreUint32 on a throwaway word documents the
	// fence point without requiring platform-specific fence intrinsics.
	var fence uint32

	atomic.StoreUint32(&fence, 1)
}

// ReadQ64 reads a 64-bit little-endian register at the given byte offset.
func (w *Window) ReadQ64(offset int) (uint64, error) {
	if offset < 0 || offset+8 > len(w.base) {
		return 0, ErrOutOfRange
	}

	return binary.LittleEndian.Uint64(w.base[offset : offset+8]), nil
}

// WriteQ64 writes a 64-bit little-endian register at the given byte offset.
func (w *Window) WriteQ64(offset int, v uint64) error {
	if offset < 0 || offset+8 > len(w.base) {
		return ErrOutOfRange
	}

	binary.LittleEndian.PutUint64(w.base[offset:offset+8], v)

	return nil
}

// ReadD32 reads a 32-bit little-endian register at the given byte offset.
func (w *Window) ReadD32(offset int) (uint32, error) {
	if offset < 0 || offset+4 > len(w.base) {
		return 0, ErrOutOfRange
	}

	return binary.LittleEndian.Uint32(w.base[offset : offset+4]), nil
}

// WriteD32 writes a 32-bit little-endian register at the given byte offset.
func (w *Window) WriteD32(offset int, v uint32) error {
	if offset < 0 || offset+4 > len(w.base) {
		return ErrOutOfRange
	}

	binary.LittleEndian.PutUint32(w.base[offset:offset+4], v)

	return nil
}

// ClearBitsQ64 clears the bits set in mask at the given 64-bit register.
func (w *Window) ClearBitsQ64(offset int, mask uint64) error {
	v, err := w.ReadQ64(offset)
	if err != nil {
		return err
	}

	return w.WriteQ64(offset, v&^mask)
}

// SetBitsQ64 sets the bits in mask at the given 64-bit register.
func (w *Window) SetBitsQ64(offset int, mask uint64) error {
	v, err := w.ReadQ64(offset)
	if err != nil {
		return err
	}

	return w.WriteQ64(offset, v|mask)
}
