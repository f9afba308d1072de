// Package pciio implements PCI Configuration Space Access Mechanism #1: the
// two 32-bit I/O ports (0xCF8 address, 0xCFC data) used to address any
// function's configuration space, plus an abstraction (ConfigSpace) that
// lets the rest of this module address PCI devices without caring whether
// it is running against real ports or a test fixture.
package pciio

import "fmt"

// address packs bus/device/function/register the same way the CF8 port
// expects: bit 31 enable, bits 23:16 bus, 15:11 device, 10:8 function,
// 7:0 register (dword-aligned).
//
// refs: https://wiki.osdev.org/PCI
type address uint32

func newAddress(bus, device, function uint8, register uint32) address {
	return address(0x80000000 |
		uint32(bus)<<16 |
		uint32(device&0x1f)<<11 |
		uint32(function&0x7)<<8 |
		(register & 0xfc))
}

// ConfigSpace is the interface this module uses to read and write PCI
// configuration space registers. Real PCI config space IO requires
// privileged port access (see PortConfigSpace); software tests and the
// simulated-launch CLI harness use FakeConfigSpace instead.
type ConfigSpace interface {
	// Read reads width (1, 2 or 4) bytes at offset from the given
	// function's configuration space.
	Read(bus, device, function uint8, offset uint32, width int) (uint32, error)
	// Write writes width (1, 2 or 4) bytes at offset.
	Write(bus, device, function uint8, offset uint32, width int, value uint32) error
}

// DevFn masks a device number to 5 bits and a function number to 3 bits,
// the field widths PCI_DEVFN uses in the original C. It returns the two
// values separately; it does not pack them into a single byte.
func DevFn(device, function uint8) (dev, fn uint8) {
	return device & 0x1f, function & 0x7
}

var errBadWidth = fmt.Errorf("pciio: width must be 1, 2 or 4")

func checkWidth(width int) error {
	switch width {
	case 1, 2, 4:
		return nil
	default:
		return errBadWidth
	}
}
