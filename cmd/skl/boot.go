package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/oracle/secure-kernel-loader/diag"
	"github.com/oracle/secure-kernel-loader/eventlog"
	"github.com/oracle/secure-kernel-loader/hwprofile"
	"github.com/oracle/secure-kernel-loader/launch"
	"github.com/oracle/secure-kernel-loader/memlayout"
	"github.com/oracle/secure-kernel-loader/tpmiface"
)

// BootCmd replays a recorded DRTM launch sequence: a captured SLRT blob
// and a flat physical-memory image (offset == physical address) stand in
// for the state SKINIT would have handed a real loader. There is no real
// TPM or IOMMU backing this path, so it exercises the orchestration and
// measurement logic against a tpmiface.Fake, the canonical software
// double for the TPM boundary this module never implements.
type BootCmd struct {
	SLRT        string `arg:"" help:"path to a captured SLRT blob."`
	Mem         string `required:"" help:"path to a flat physical-memory image; byte offset == physical address."`
	Mode        string `enum:"client,server" default:"client" help:"DRTM launch strategy to simulate."`
	Family      string `enum:"tpm12,tpm20" default:"tpm20" help:"TPM family to simulate measurements for."`
	PCISnapshot string `help:"JSON PCI register snapshot recorded by 'probe --dump', replayed against a fake configuration space."`
	HWProfile   string `help:"path to a YAML hwprofile; defaults to the built-in AMD Family 17h+ profile."`
}

func (b *BootCmd) Run() error {
	slrtBuf, err := os.ReadFile(b.SLRT)
	if err != nil {
		return fmt.Errorf("read slrt: %w", err)
	}

	memImage, err := os.ReadFile(b.Mem)
	if err != nil {
		return fmt.Errorf("read memory image: %w", err)
	}

	profile := hwprofile.Default

	if b.HWProfile != "" {
		data, err := os.ReadFile(b.HWProfile)
		if err != nil {
			return fmt.Errorf("read hwprofile: %w", err)
		}

		profile, err = hwprofile.Load(data)
		if err != nil {
			return fmt.Errorf("parse hwprofile: %w", err)
		}
	}

	cfgSpace, err := loadPCISnapshot(b.PCISnapshot)
	if err != nil {
		return fmt.Errorf("load pci snapshot: %w", err)
	}

	family := eventlog.TPM20
	if b.Family == "tpm12" {
		family = eventlog.TPM12
	}

	mode := launch.ModeClient
	if b.Mode == "server" {
		mode = launch.ModeServer
	}

	// The SLB itself is not represented in the replayed memory image.
	// eventlog.Init hashes [Start, EndOfMeasured) straight out of this
	// process's memory, so a zero-filled 64 KiB block owned by the
	// process stands in for it.
	slb := make([]byte, 0x10000)
	slbStart := uintptr(unsafe.Pointer(&slb[0]))

	cfg := launch.Config{
		Profile: profile,
		Mode:    mode,
		Layout:  memlayout.Layout{Start: slbStart, EndOfMeasured: slbStart + uintptr(len(slb)), SLBSize: uintptr(len(slb))},
		MapPhys: mapPhysImage(memImage),
		TPM:     tpmiface.NewFake(family),
	}

	result, err := launch.Run(cfg, cfgSpace, slrtBuf)
	runtime.KeepAlive(slb)

	if err != nil {
		if errors.Is(err, launch.ErrBadBootloaderData) {
			diag.Reboot()

			return nil
		}

		diag.Terminate(1, err.Error())

		return nil
	}

	diag.Eventf(diag.LevelInfo, "dlme_entry=%#x dlme_arg=%#x", result.DLMEEntry, result.DLMEArg)

	if buf, err := mapPhysImage(memImage)(result.DLMEEntry, 0x100); err == nil {
		diag.Hexdump("dlme_entry", buf)
	}

	return nil
}

func mapPhysImage(mem []byte) launch.MapPhys {
	return func(addr, size uint64) ([]byte, error) {
		if addr+size > uint64(len(mem)) {
			return nil, fmt.Errorf("boot: range %#x+%#x exceeds memory image size %#x", addr, size, len(mem))
		}

		return mem[addr : addr+size], nil
	}
}
