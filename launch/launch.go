// Package launch is the top-level orchestrator: it validates the
// bootloader-supplied DRTM launch descriptor, drives either the direct
// IOMMU client path or the AMD PSP mailbox server path to complete the
// measured launch, and returns the entry point and argument blob for the
// Dynamically Launched Measured Environment.
package launch

import (
	"crypto/sha1" //nolint:gosec // TPM 1.2 PCR banks are SHA-1; required by the format, not a security choice here.
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oracle/secure-kernel-loader/devprot"
	"github.com/oracle/secure-kernel-loader/diag"
	"github.com/oracle/secure-kernel-loader/eventlog"
	"github.com/oracle/secure-kernel-loader/hwprofile"
	"github.com/oracle/secure-kernel-loader/iommu"
	"github.com/oracle/secure-kernel-loader/memlayout"
	"github.com/oracle/secure-kernel-loader/mmio"
	"github.com/oracle/secure-kernel-loader/pciio"
	"github.com/oracle/secure-kernel-loader/psp"
	"github.com/oracle/secure-kernel-loader/slrt"
	"github.com/oracle/secure-kernel-loader/tpmiface"
)

// dlmeLimit32 is the 4 GiB ceiling the DLME image and its base address
// must stay under: the loader runs without paging set up beyond identity
// mapping the low 4 GiB.
const dlmeLimit32 = 0x100000000

// ErrBadBootloaderData is returned when DL_INFO is missing, malformed, or
// describes a DLME placement the loader cannot trust.
var ErrBadBootloaderData = errors.New("launch: bad bootloader data format")

// Mode selects which half of the DRTM launch sequence Run drives.
type Mode int

const (
	// ModeClient drives DEV/IOMMU DMA protection directly and extends
	// PCR 17 itself through a local TPM.
	ModeClient Mode = iota
	// ModeServer delegates launch and OSSL digest extension to the PSP
	// mailbox, as AMD server parts require.
	ModeServer
)

// MapPhys resolves a physical address range to the memory backing it, the
// hosted stand-in for treating a physical address as a pointer.
type MapPhys func(addr uint64, size uint64) ([]byte, error)

// Config bundles every external collaborator Run needs. Not all fields
// are used by both modes; see the Mode-specific notes.
type Config struct {
	Profile hwprofile.Profile
	Mode    Mode
	Layout  memlayout.Layout
	MapPhys MapPhys

	// ModeClient only.
	IOMMUWindow    *mmio.Window
	IOMMURegion    *iommu.Region
	CompletionFlag []byte
	TPM            tpmiface.TPM

	// ModeServer only. DMASafeArea, if non-nil, also runs the server-path
	// IOMMU relocation/integrity check (C7b) alongside the PSP sequence;
	// the spec treats the two as independent ("invoked separately").
	DMASafeArea []byte
}

// Result is the two-pointer handoff to the DLME, carried back the same
// way the original's two-register SYSV ABI trick does.
type Result struct {
	DLMEEntry uint64
	DLMEArg   uint64
}

// Run executes one measured-launch sequence against slrtBuf and returns
// the DLME entry point and argument blob. A non-nil error means the
// bootloader data itself could not be trusted (ErrBadBootloaderData) or a
// server-path integrity check caught a DMA attack (iommu.ErrAttackDetected);
// both are conditions the caller should treat as fatal and reboot or halt
// rather than retry. Any other step (missing IOMMU, missing PSP, a failed
// PSP command) is logged through diag and does not abort the sequence,
// matching the "continue without DMA protection" / "orchestrator continues
// to next step" behavior the launch sequence specifies.
func Run(cfg Config, cfgSpace pciio.ConfigSpace, slrtBuf []byte) (Result, error) {
	dlInfo, err := parseAndValidateDLInfo(slrtBuf)
	if err != nil {
		return Result{}, err
	}

	switch cfg.Mode {
	case ModeClient:
		runClientPath(cfg, cfgSpace, dlInfo, slrtBuf)
	case ModeServer:
		if err := runServerPath(cfg, cfgSpace, dlInfo); err != nil {
			return Result{}, err
		}
	}

	result := Result{
		DLMEEntry: dlInfo.DLMEBase + dlInfo.DLMEEntry,
		DLMEArg:   dlInfo.BLContextPtr,
	}

	diag.Eventf(diag.LevelInfo, "dlme_entry=%#x dlme_arg=%#x", result.DLMEEntry, result.DLMEArg)

	return result, nil
}

func parseAndValidateDLInfo(slrtBuf []byte) (*slrt.DLInfo, error) {
	table, err := slrt.Parse(slrtBuf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBootloaderData, err)
	}

	entry, err := table.FirstWithTag(slrt.TagDLInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBootloaderData, err)
	}

	if entry == nil {
		diag.Eventf(diag.LevelError, "no DL_INFO entry in SLRT")

		return nil, ErrBadBootloaderData
	}

	if dup, err := table.NextWithTag(entry, slrt.TagDLInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBootloaderData, err)
	} else if dup != nil {
		diag.Eventf(diag.LevelError, "duplicate DL_INFO entry in SLRT")

		return nil, ErrBadBootloaderData
	}

	dlInfo, err := slrt.ParseDLInfo(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBootloaderData, err)
	}

	if dlInfo.DLMEBase >= dlmeLimit32 ||
		dlInfo.DLMEBase+dlInfo.DLMESize >= dlmeLimit32 ||
		dlInfo.DLMEEntry >= dlInfo.DLMESize ||
		dlInfo.Bootloader != slrt.BootloaderGRUB {
		diag.Eventf(diag.LevelError, "bad bootloader data format")

		return nil, ErrBadBootloaderData
	}

	return dlInfo, nil
}

// runClientPath is deliberately error-swallowing past this point: every
// failure it can hit is a missing or misbehaving optional capability, and
// the launch sequence specifies continuing without it rather than
// aborting the whole DLME handoff.
func runClientPath(cfg Config, cfgSpace pciio.ConfigSpace, dlInfo *slrt.DLInfo, slrtBuf []byte) {
	if cfg.IOMMURegion != nil && cfg.IOMMUWindow != nil {
		lift := func() error {
			return devprot.DisableMemoryProtectionProfile(cfgSpace, cfg.Profile)
		}

		if err := iommu.Setup(cfg.IOMMUWindow, cfg.IOMMURegion, cfg.CompletionFlag, lift); err != nil {
			diag.Eventf(diag.LevelWarn, "iommu setup failed, DMA attacks possible: %v", err)
		}
	} else {
		diag.Eventf(diag.LevelWarn, "no iommu capability, DMA attacks possible")
	}

	if cfg.TPM == nil {
		diag.Eventf(diag.LevelWarn, "no tpm available, skipping measurement")

		return
	}

	if err := measureAndExtend(cfg, dlInfo, slrtBuf); err != nil {
		diag.Eventf(diag.LevelWarn, "measurement failed: %v", err)
	}
}

func measureAndExtend(cfg Config, dlInfo *slrt.DLInfo, slrtBuf []byte) error {
	tpm := cfg.TPM

	if err := tpm.RequestLocality(2); err != nil {
		return fmt.Errorf("request locality: %w", err)
	}

	defer func() {
		_ = tpm.RelinquishLocality(2)
		_ = tpm.Close()
	}()

	logBuf, format, err := locateEventLog(cfg, slrtBuf)
	if err != nil {
		return fmt.Errorf("locate log info: %w", err)
	}

	log, err := eventlog.Init(logBuf, tpm.Family(), format, cfg.Layout)
	if err != nil {
		return fmt.Errorf("event log init: %w", err)
	}

	var entryOffset [4]byte

	binary.LittleEndian.PutUint32(entryOffset[:], uint32(dlInfo.DLMEEntry))

	if err := extendOne(tpm, log, entryOffset[:], 17, "DLME entry offset"); err != nil {
		return err
	}

	if cfg.MapPhys == nil {
		return errors.New("no physical memory mapper configured")
	}

	dlmeImage, err := cfg.MapPhys(dlInfo.DLMEBase, dlInfo.DLMESize)
	if err != nil {
		return fmt.Errorf("map dlme image: %w", err)
	}

	return extendOne(tpm, log, dlmeImage, 17, "DLME")
}

func extendOne(tpm tpmiface.TPM, log *eventlog.Log, data []byte, pcr uint32, event string) error {
	sha1Digest := sha1.Sum(data) //nolint:gosec // required PCR bank format, not a choice

	sha256Digest := sha256.Sum256(data)

	diag.Eventf(diag.LevelInfo, "shasum calculated for %q", event)
	diag.Hexdump(event, sha1Digest[:])

	if err := tpm.ExtendPCR(pcr, sha1Digest, sha256Digest); err != nil {
		return fmt.Errorf("extend pcr: %w", err)
	}

	if err := log.Extend(pcr, sha1Digest, sha256Digest, event); err != nil {
		return fmt.Errorf("event log extend: %w", err)
	}

	diag.Eventf(diag.LevelInfo, "pcr %d extended", pcr)

	return nil
}

func locateEventLog(cfg Config, slrtBuf []byte) ([]byte, int, error) {
	table, err := slrt.Parse(slrtBuf)
	if err != nil {
		return nil, 0, err
	}

	entry, err := table.FirstWithTag(slrt.TagLogInfo)
	if err != nil {
		return nil, 0, err
	}

	if entry == nil {
		return nil, 0, errors.New("no LOG_INFO entry in SLRT")
	}

	if dup, err := table.NextWithTag(entry, slrt.TagLogInfo); err != nil {
		return nil, 0, err
	} else if dup != nil {
		return nil, 0, errors.New("duplicate LOG_INFO entry in SLRT")
	}

	logInfo, err := slrt.ParseLogInfo(entry)
	if err != nil {
		return nil, 0, err
	}

	if cfg.MapPhys == nil {
		return nil, 0, errors.New("no physical memory mapper configured")
	}

	buf, err := cfg.MapPhys(logInfo.Addr, uint64(logInfo.Size))
	if err != nil {
		return nil, 0, err
	}

	return buf, int(logInfo.Format), nil
}

// runServerPath returns a non-nil error only for iommu.ErrAttackDetected:
// everything else (missing PSP, failed commands) is diagnostic per the
// launch sequence's error table.
func runServerPath(cfg Config, cfgSpace pciio.ConfigSpace, dlInfo *slrt.DLInfo) error {
	if cfg.MapPhys == nil {
		diag.Eventf(diag.LevelWarn, "no physical memory mapper configured, skipping psp path")
	} else {
		runPSPPath(cfg, cfgSpace, dlInfo)
	}

	if cfg.DMASafeArea == nil || cfg.IOMMURegion == nil || cfg.IOMMUWindow == nil {
		return nil
	}

	err := iommu.SetupRelocated(cfg.IOMMUWindow, cfg.IOMMURegion, cfg.DMASafeArea, cfg.CompletionFlag)
	if err == nil {
		return nil
	}

	if errors.Is(err, iommu.ErrAttackDetected) {
		diag.Eventf(diag.LevelError, "iommu device table tampered during setup, halting")

		return err
	}

	diag.Eventf(diag.LevelWarn, "iommu relocated setup failed: %v", err)

	return nil
}

func runPSPPath(cfg Config, cfgSpace pciio.ConfigSpace, dlInfo *slrt.DLInfo) {
	pspDevices, err := cfg.Profile.PSPDeviceTable()
	if err != nil {
		diag.Eventf(diag.LevelWarn, "psp device table: %v", err)

		return
	}

	dev, err := psp.LocateIn(cfgSpace, pspDevices)
	if err != nil {
		diag.Eventf(diag.LevelWarn, "psp not found: %v", err)

		return
	}

	diag.Eventf(diag.LevelInfo, "psp found: version=%d", dev.Version)

	bar, err := psp.BarAddress(cfgSpace)
	if err != nil {
		diag.Eventf(diag.LevelWarn, "psp bar address: %v", err)

		return
	}

	const mailboxWindowSize = 0x1000

	win, err := cfg.MapPhys(bar, mailboxWindowSize)
	if err != nil {
		diag.Eventf(diag.LevelWarn, "map psp mailbox: %v", err)

		return
	}

	client, err := psp.NewClient(mmio.NewWindow(win), dev.Version)
	if err != nil {
		diag.Eventf(diag.LevelWarn, "psp client: %v", err)

		return
	}

	if err := client.Launch(); err != nil {
		diag.Eventf(diag.LevelWarn, "drtm launch failed: %v", err)
	} else {
		diag.Eventf(diag.LevelInfo, "drtm launch successful")
	}

	dlmeImage, err := cfg.MapPhys(dlInfo.DLMEBase, dlInfo.DLMESize)
	if err != nil {
		diag.Eventf(diag.LevelWarn, "map dlme image: %v", err)

		return
	}

	dst, err := cfg.MapPhys(psp.OSSLRelocAddr, dlInfo.DLMESize)
	if err != nil {
		diag.Eventf(diag.LevelWarn, "map osslreloc staging area: %v", err)

		return
	}

	if err := client.ExtendOSSLDigest(dst, dlmeImage, psp.OSSLRelocAddr); err != nil {
		diag.Eventf(diag.LevelWarn, "failed to extend ossl digest: %v", err)
	}
}
