package pciio

// FakeConfigSpace is an in-memory PCI configuration space used by tests and
// by cmd/skl's simulated launch mode. Each function's space is a 256-byte
// register file, addressed the same way pci/pci.go addresses a single
// emulated device in the teacher repo, generalized to a whole bus/device/
// function matrix.
type FakeConfigSpace struct {
	regs map[key][256]byte
}

type key struct {
	bus, device, function uint8
}

// NewFakeConfigSpace returns an empty configuration space. Every function
// that has not been explicitly seeded reads back as all-0xff, matching how
// real hardware reports an absent device (the VID/DID == 0xffffffff
// convention used throughout devprot and psp).
func NewFakeConfigSpace() *FakeConfigSpace {
	return &FakeConfigSpace{regs: make(map[key][256]byte)}
}

// Seed installs the little-endian bytes of value at offset in the given
// function's register file, growing its backing array as needed. It is
// meant for test setup, not for modeling device side effects.
func (f *FakeConfigSpace) Seed(bus, device, function uint8, offset uint32, width int, value uint32) {
	k := key{bus, device, function}

	r, ok := f.regs[k]
	if !ok {
		r = [256]byte{}
		for i := range r {
			r[i] = 0xff
		}
	}

	for i := 0; i < width; i++ {
		r[int(offset)+i] = byte(value >> (8 * i))
	}

	f.regs[k] = r
}

func (f *FakeConfigSpace) Read(bus, device, function uint8, offset uint32, width int) (uint32, error) {
	if err := checkWidth(width); err != nil {
		return 0, err
	}

	k := key{bus, device, function}

	r, ok := f.regs[k]
	if !ok {
		return 0xffffffff, nil
	}

	var v uint32
	for i := 0; i < width; i++ {
		v |= uint32(r[int(offset)+i]) << (8 * i)
	}

	return v, nil
}

func (f *FakeConfigSpace) Write(bus, device, function uint8, offset uint32, width int, value uint32) error {
	if err := checkWidth(width); err != nil {
		return err
	}

	f.Seed(bus, device, function, offset, width, value)

	return nil
}
