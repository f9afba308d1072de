// Package devprot lifts the post-SKINIT DMA exclusion zone: either through
// the legacy AMD Device Exclusion Vector (DEV) on older families, or
// through the Family 17h+ memory controller's MEMPROT_CR register. Both
// strategies are idempotent; neither reports failure, since the absence of
// the register on a given platform simply means there is nothing to
// disable (spec.md §4.2-4.3).
package devprot

import (
	"github.com/oracle/secure-kernel-loader/hwprofile"
	"github.com/oracle/secure-kernel-loader/pciio"
)

// MaxCPUNodes bounds the node walk when a profile does not specify one:
// there are only 5 bits (0x00..0x1f) of PCI slot number and the scan
// starts at the DEV capability's device number, so at most 8 nodes can
// exist in practice.
const MaxCPUNodes = 8

const (
	// devCapBase is the offset of the DEV capability's OP/DATA register
	// pair within the function's configuration space, distinct from the
	// VendorID/DeviceID registers at offset 0 that devLocate probes.
	devCapBase    = 0x40
	devOpOffset   = devCapBase + 0x00
	devDataOffset = devCapBase + 0x04
	devCR         = 0x00
	devCRSLDevEn  = 1 << 0

	vidDid    = 0x00
	memprotCR = 0x90
	memprotEn = 1 << 0
)

// defaultProfile mirrors hwprofile.Default's DEV/MemProt coordinates.
// DisableMemoryProtection uses it directly so callers that have not
// loaded a platform profile yet still get the AMD Family 17h+ defaults;
// DisableMemoryProtectionProfile uses whatever a loaded profile supplies
// instead, for platforms whose coordinates differ.
var defaultProfile = hwprofile.Default

// DisableMemoryProtection clears the post-SKINIT DMA exclusion zone using
// the AMD Family 17h+ default coordinates. It tries the legacy DEV path
// first; if no DEV capability is present on CPU node 0, it falls back to
// walking MEMPROT_CR on each present memory controller. Calling this
// twice has the same effect as calling it once.
func DisableMemoryProtection(cfg pciio.ConfigSpace) error {
	return DisableMemoryProtectionProfile(cfg, defaultProfile)
}

// DisableMemoryProtectionProfile is DisableMemoryProtection parameterized
// by a loaded hwprofile.Profile, for platforms whose DEV/MEMPROT PCI
// coordinates differ from the AMD Family 17h+ default.
func DisableMemoryProtectionProfile(cfg pciio.ConfigSpace, profile hwprofile.Profile) error {
	found, err := disableLegacyDEV(cfg, profile.DEV)
	if err != nil {
		return err
	}

	if found {
		return nil
	}

	return disableFamily17hMemProt(cfg, profile.MemProt)
}

func devLocate(cfg pciio.ConfigSpace, coord hwprofile.PCICoord, cpuNode uint8) (bool, error) {
	vid, err := cfg.Read(coord.Bus, coord.Device+cpuNode, coord.Function, 0, 4)
	if err != nil {
		return false, err
	}

	return vid != 0xffffffff, nil
}

func devRead(cfg pciio.ConfigSpace, coord hwprofile.PCICoord, cpuNode uint8, function, index uint32) (uint32, error) {
	sel := ((function & 0xff) << 8) | (index & 0xff)
	if err := cfg.Write(coord.Bus, coord.Device+cpuNode, coord.Function, devOpOffset, 4, sel); err != nil {
		return 0, err
	}

	return cfg.Read(coord.Bus, coord.Device+cpuNode, coord.Function, devDataOffset, 4)
}

func devWrite(cfg pciio.ConfigSpace, coord hwprofile.PCICoord, cpuNode uint8, function, index, value uint32) error {
	sel := ((function & 0xff) << 8) | (index & 0xff)
	if err := cfg.Write(coord.Bus, coord.Device+cpuNode, coord.Function, devOpOffset, 4, sel); err != nil {
		return err
	}

	return cfg.Write(coord.Bus, coord.Device+cpuNode, coord.Function, devDataOffset, 4, value)
}

func devDisableSL(cfg pciio.ConfigSpace, coord hwprofile.PCICoord, cpuNode uint8) error {
	cr, err := devRead(cfg, coord, cpuNode, devCR, 0)
	if err != nil {
		return err
	}

	return devWrite(cfg, coord, cpuNode, devCR, 0, cr&^devCRSLDevEn)
}

// disableLegacyDEV walks CPU nodes 0..MaxCPUNodes-1 disabling SL_DEV_EN on
// each node that exposes the legacy DEV capability. It reports whether any
// node exposed the capability at all, so the caller knows whether to fall
// back to the Family 17h+ path.
func disableLegacyDEV(cfg pciio.ConfigSpace, profile hwprofile.DEVProfile) (bool, error) {
	maxNodes := profile.MaxCPUNodes
	if maxNodes == 0 {
		maxNodes = MaxCPUNodes
	}

	present, err := devLocate(cfg, profile.Coord, 0)
	if err != nil {
		return false, err
	}

	if !present {
		return false, nil
	}

	for node := uint8(0); ; node++ {
		if err := devDisableSL(cfg, profile.Coord, node); err != nil {
			return true, err
		}

		if node+1 == maxNodes {
			break
		}

		present, err := devLocate(cfg, profile.Coord, node+1)
		if err != nil {
			return true, err
		}

		if !present {
			break
		}
	}

	return true, nil
}

func disableFamily17hMemProt(cfg pciio.ConfigSpace, profile hwprofile.MemProtProfile) error {
	maxNodes := profile.MaxCPUNodes
	if maxNodes == 0 {
		maxNodes = MaxCPUNodes
	}

	for node := uint8(0); node < maxNodes; node++ {
		v, err := cfg.Read(profile.Coord.Bus, profile.Coord.Device+node, profile.Coord.Function, vidDid, 4)
		if err != nil {
			return err
		}

		if v == 0xffffffff {
			break
		}

		cr, err := cfg.Read(profile.Coord.Bus, profile.Coord.Device+node, profile.Coord.Function, memprotCR, 4)
		if err != nil {
			return err
		}

		if err := cfg.Write(profile.Coord.Bus, profile.Coord.Device+node, profile.Coord.Function, memprotCR, 4, cr&^memprotEn); err != nil {
			return err
		}
	}

	return nil
}
