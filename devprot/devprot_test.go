package devprot_test

import (
	"testing"

	"github.com/oracle/secure-kernel-loader/devprot"
	"github.com/oracle/secure-kernel-loader/hwprofile"
	"github.com/oracle/secure-kernel-loader/pciio"
)

func TestDisableMemoryProtectionLegacyDEVIdempotent(t *testing.T) {
	t.Parallel()

	cfg := pciio.NewFakeConfigSpace()
	// CPU node 0 exposes the legacy DEV capability (vendor/device ID
	// present at offset 0) with SL_DEV_EN set in DEV_CR, reflected at the
	// OP/DATA pair's data register.
	cfg.Seed(0, 0x18, 3, 0x00, 4, 0x12341022)
	cfg.Seed(0, 0x18, 3, 0x44, 4, 0x1)

	if err := devprot.DisableMemoryProtection(cfg); err != nil {
		t.Fatal(err)
	}

	v1, err := cfg.Read(0, 0x18, 3, 0x44, 4)
	if err != nil {
		t.Fatal(err)
	}

	if v1&1 != 0 {
		t.Fatalf("SL_DEV_EN still set after first disable: %#x", v1)
	}

	if err := devprot.DisableMemoryProtection(cfg); err != nil {
		t.Fatal(err)
	}

	v2, err := cfg.Read(0, 0x18, 3, 0x44, 4)
	if err != nil {
		t.Fatal(err)
	}

	if v1 != v2 {
		t.Fatalf("second disable changed state: %#x != %#x", v1, v2)
	}
}

func TestDisableMemoryProtectionFallsBackToMemProt(t *testing.T) {
	t.Parallel()

	cfg := pciio.NewFakeConfigSpace()
	// No legacy DEV capability (vendor ID absent at node 0).
	// Family 17h+ memory controller present at node 0 with MEMPROT_EN set.
	cfg.Seed(0, 0x18, 0, 0x00, 4, 0x14341022)
	cfg.Seed(0, 0x18, 0, 0x90, 4, 0x1)

	if err := devprot.DisableMemoryProtection(cfg); err != nil {
		t.Fatal(err)
	}

	v, err := cfg.Read(0, 0x18, 0, 0x90, 4)
	if err != nil {
		t.Fatal(err)
	}

	if v&1 != 0 {
		t.Fatalf("MEMPROT_EN still set: %#x", v)
	}
}

func TestDisableMemoryProtectionProfileUsesCustomCoordinates(t *testing.T) {
	t.Parallel()

	cfg := pciio.NewFakeConfigSpace()
	// A hypothetical platform exposing the DEV capability at bus 0,
	// device 0x20, function 1 instead of the Family 17h+ default.
	cfg.Seed(0, 0x20, 1, 0x00, 4, 0x12341022)
	cfg.Seed(0, 0x20, 1, 0x44, 4, 0x1)

	profile := hwprofile.Profile{
		DEV: hwprofile.DEVProfile{
			Coord:       hwprofile.PCICoord{Bus: 0, Device: 0x20, Function: 1},
			MaxCPUNodes: 1,
		},
	}

	if err := devprot.DisableMemoryProtectionProfile(cfg, profile); err != nil {
		t.Fatal(err)
	}

	v, err := cfg.Read(0, 0x20, 1, 0x44, 4)
	if err != nil {
		t.Fatal(err)
	}

	if v&1 != 0 {
		t.Fatalf("SL_DEV_EN still set after profile-driven disable: %#x", v)
	}
}

func TestDisableMemoryProtectionNoCapabilityIsNotAnError(t *testing.T) {
	t.Parallel()

	cfg := pciio.NewFakeConfigSpace()

	if err := devprot.DisableMemoryProtection(cfg); err != nil {
		t.Fatalf("absence of the register must not be an error: %v", err)
	}
}
