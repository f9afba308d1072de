package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/oracle/secure-kernel-loader/pciio"
	"github.com/oracle/secure-kernel-loader/psp"
)

// ProbeCmd reads live PCI configuration space the same way psp.Locate
// does, reporting what DRTM-relevant hardware is present without mutating
// any register. It never calls devprot: clearing DMA protection outside
// of an actual measured launch would be destructive, not diagnostic.
type ProbeCmd struct {
	Dump string `help:"write a JSON snapshot of every present PCI function's vendor/device id to this path, for later boot --pci-snapshot replay."`
}

func (p *ProbeCmd) Run() error {
	cfg := pciio.NewPortConfigSpace()

	dev, err := psp.Locate(cfg)

	switch {
	case err == nil:
		fmt.Printf("psp: found vendor=%#04x device=%#04x version=%d\n", dev.VendorID, dev.DeviceID, dev.Version)
	case errors.Is(err, psp.ErrNotFound):
		fmt.Println("psp: not found")
	default:
		return err
	}

	if p.Dump == "" {
		return nil
	}

	return dumpSnapshot(cfg, p.Dump)
}

// busMax/slotMax/funcMax mirror psp.Locate's scan bounds: standard PCI
// configuration space limits.
const (
	probeBusMax  = 256
	probeSlotMax = 32
	probeFuncMax = 8
)

func dumpSnapshot(cfg pciio.ConfigSpace, path string) error {
	var entries []seedEntry

	for bus := 0; bus < probeBusMax; bus++ {
		for slot := 0; slot < probeSlotMax; slot++ {
			for fn := 0; fn < probeFuncMax; fn++ {
				v, err := cfg.Read(uint8(bus), uint8(slot), uint8(fn), 0x00, 4)
				if err != nil {
					return err
				}

				if v == 0xffffffff {
					continue
				}

				entries = append(entries, seedEntry{
					Bus: uint8(bus), Device: uint8(slot), Function: uint8(fn),
					Offset: 0x00, Width: 4, Value: v,
				})
			}
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
