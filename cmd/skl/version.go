package main

import "fmt"

// info mirrors original_source/main.c's skl_info_t: a fixed UUID and
// version word the loader exposes so a bootloader (or, here, an operator)
// can tell which build it is talking to.
var info = struct {
	UUID    [16]byte
	Version uint32
}{
	UUID: [16]byte{
		0x78, 0xf1, 0x26, 0x8e, 0x04, 0x92, 0x11, 0xe9,
		0x83, 0x2a, 0xc8, 0x5b, 0x76, 0xc4, 0xcc, 0x02,
	},
	Version: 0,
}

// VersionCmd prints the loader identity.
type VersionCmd struct{}

func (*VersionCmd) Run() error {
	fmt.Printf("skl version %d\n", info.Version)
	fmt.Printf("uuid %x\n", info.UUID)

	return nil
}
