//go:build linux

package pciio

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	portAddr = 0xcf8
	portData = 0xcfc
)

// PortConfigSpace addresses real PCI configuration space through the
// 0xCF8/0xCFC I/O ports, the same pair pci/pci.go in the teacher repo
// emulates from the guest side. It requires CAP_SYS_RAWIO (root) and raises
// the calling OS thread's I/O privilege level via unix.Iopl, mirroring how
// probe.CPUID in the teacher repo needs /dev/kvm access for live hardware
// queries.
type PortConfigSpace struct {
	once    sync.Once
	ioplErr error
}

// NewPortConfigSpace returns a ConfigSpace backed by real port I/O. The
// privilege escalation is deferred to the first call so that constructing
// one is cheap and side-effect free.
func NewPortConfigSpace() *PortConfigSpace {
	return &PortConfigSpace{}
}

func (p *PortConfigSpace) ensureIOPL() error {
	p.once.Do(func() {
		p.ioplErr = unix.Iopl(3)
	})

	return p.ioplErr
}

func (p *PortConfigSpace) Read(bus, device, function uint8, offset uint32, width int) (uint32, error) {
	if err := checkWidth(width); err != nil {
		return 0, err
	}

	if err := p.ensureIOPL(); err != nil {
		return 0, fmt.Errorf("pciio: raising I/O privilege level: %w", err)
	}

	addr := newAddress(bus, device, function, offset)
	outl(portAddr, uint32(addr))

	switch width {
	case 1:
		return uint32(inb(portData + uint16(offset&3))), nil
	case 2:
		return uint32(inw(portData + uint16(offset&3))), nil
	default:
		return inl(portData), nil
	}
}

func (p *PortConfigSpace) Write(bus, device, function uint8, offset uint32, width int, value uint32) error {
	if err := checkWidth(width); err != nil {
		return err
	}

	if err := p.ensureIOPL(); err != nil {
		return fmt.Errorf("pciio: raising I/O privilege level: %w", err)
	}

	addr := newAddress(bus, device, function, offset)
	outl(portAddr, uint32(addr))

	switch width {
	case 1:
		outb(portData+uint16(offset&3), byte(value))
	case 2:
		outw(portData+uint16(offset&3), uint16(value))
	default:
		outl(portData, value)
	}

	return nil
}

// The Go runtime does not expose IN/OUT as intrinsics; on amd64 Linux the
// standard escape hatch is /dev/port (when present) for portable builds,
// falling back to raw syscalls is not otherwise exposed to userspace. We
// use /dev/port here, matching unix.Iopl's expectation that the caller
// already holds the privilege to do low-level I/O, the same resource
// posture term/term.go in the teacher repo assumes for direct ioctls.
var portFile struct {
	once sync.Once
	f    *os.File
	err  error
}

func openPortFile() (*os.File, error) {
	portFile.once.Do(func() {
		portFile.f, portFile.err = os.OpenFile("/dev/port", os.O_RDWR, 0)
	})

	return portFile.f, portFile.err
}

func outl(port uint16, v uint32) {
	f, err := openPortFile()
	if err != nil {
		return
	}

	var b [4]byte
	*(*uint32)(unsafe.Pointer(&b[0])) = v
	_, _ = f.WriteAt(b[:], int64(port))
}

func outw(port uint16, v uint16) {
	f, err := openPortFile()
	if err != nil {
		return
	}

	var b [2]byte
	*(*uint16)(unsafe.Pointer(&b[0])) = v
	_, _ = f.WriteAt(b[:], int64(port))
}

func outb(port uint16, v byte) {
	f, err := openPortFile()
	if err != nil {
		return
	}

	_, _ = f.WriteAt([]byte{v}, int64(port))
}

func inl(port uint16) uint32 {
	f, err := openPortFile()
	if err != nil {
		return 0xffffffff
	}

	var b [4]byte
	if _, err := f.ReadAt(b[:], int64(port)); err != nil {
		return 0xffffffff
	}

	return *(*uint32)(unsafe.Pointer(&b[0]))
}

func inw(port uint16) uint16 {
	f, err := openPortFile()
	if err != nil {
		return 0xffff
	}

	var b [2]byte
	if _, err := f.ReadAt(b[:], int64(port)); err != nil {
		return 0xffff
	}

	return *(*uint16)(unsafe.Pointer(&b[0]))
}

func inb(port uint16) byte {
	f, err := openPortFile()
	if err != nil {
		return 0xff
	}

	var b [1]byte
	if _, err := f.ReadAt(b[:], int64(port)); err != nil {
		return 0xff
	}

	return b[0]
}
