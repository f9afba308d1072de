// Package memlayout stands in for the linker-defined symbols a freestanding
// secure kernel loader would be built against: _start, _end_of_measured and
// SLB_SIZE. A hosted Go build has no linker script to read these from, so
// they are carried explicitly as a value and threaded through the packages
// that need them instead.
package memlayout

// Layout describes the Secure Loader Block as SKINIT measured it.
type Layout struct {
	// Start is the base address of the 64 KiB region SKINIT hashed into
	// PCR 17 (_start).
	Start uintptr

	// EndOfMeasured is the address one past the last byte the loader
	// itself asks to be re-hashed for the event log (_end_of_measured).
	// It is not required to equal Start+SLBSize: only the code and data
	// up to this point is what the loader measures into the log, even
	// though SKINIT measured the whole 64 KiB block.
	EndOfMeasured uintptr

	// SLBSize is the fixed size of the Secure Loader Block (SLB_SIZE),
	// conventionally 64 KiB.
	SLBSize uintptr
}

// End returns the address one past the end of the SLB.
func (l Layout) End() uintptr {
	return l.Start + l.SLBSize
}

// Overlaps reports whether the half-open range [addr, addr+size) shares any
// byte with the SLB.
func (l Layout) Overlaps(addr uintptr, size uintptr) bool {
	if size == 0 {
		return false
	}

	end := addr + size

	return addr < l.End() && l.Start < end
}

// MeasuredRange returns the [Start, EndOfMeasured) range that the loader
// itself hashes for the event log's first measurement record ("SKINIT").
func (l Layout) MeasuredRange() (start, end uintptr) {
	return l.Start, l.EndOfMeasured
}
