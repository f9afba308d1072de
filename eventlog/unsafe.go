package eventlog

import "unsafe"

// addrOf and unsafeSlice stand in for the address arithmetic
// original_source/event_log.c performs directly on linker symbols
// (_start, _end_of_measured) and SLRT-supplied physical addresses. In a
// hosted Go build there is no MMU identity mapping to rely on, so the
// measured range is read back out of the process's own address space
// instead: Init's caller is responsible for making layout.Start and
// layout.EndOfMeasured describe memory this process actually owns.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&b[0]))
}

func unsafeSlice(start, end uintptr) []byte {
	if end <= start {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
}
