// Package psp talks to the AMD Platform Security Processor's C2P ("client
// to PSP") mailbox over the DRTM mailbox protocol: capability query,
// DRTM launch, and OS-loader (OSSL) digest extension. The PSP is reached
// through a backdoor SMN BAR read off the host bridge rather than a
// normal PCI BAR, following original_source/psp.c.
package psp

import (
	"errors"
	"time"

	"github.com/oracle/secure-kernel-loader/pciio"
)

// Version identifies the PSP mailbox generation a device exposes. Only V2
// and V3 implement the DRTM mailbox; V1 and PSP-less Secure Processor
// variants do not.
type Version int

const (
	VersionNone Version = iota
	VersionV1
	VersionV2
	VersionV3
)

// Device is one entry of the PSP PCI allow-list.
type Device struct {
	VendorID uint16
	DeviceID uint16
	Version  Version
}

// KnownDevices mirrors original_source/psp.c's psp_devs_list exactly,
// including the three AMD Secure Processor device IDs that are present
// but do not implement a DRTM-capable PSP (VersionNone).
var KnownDevices = []Device{
	{0x1022, 0x1537, VersionNone},
	{0x1022, 0x1456, VersionV1},
	{0x1022, 0x1468, VersionNone},
	{0x1022, 0x1486, VersionV2},
	{0x1022, 0x15DF, VersionV3},
	{0x1022, 0x1649, VersionV2},
	{0x1022, 0x14CA, VersionV3},
	{0x1022, 0x15C7, VersionNone},
}

// Bus/slot/function scan bounds, standard PCI configuration space limits.
const (
	busMax  = 256
	slotMax = 32
	funcMax = 8
)

// ErrNotFound is returned when no DRTM-capable PSP device is present on
// the scanned bus range.
var ErrNotFound = errors.New("psp: no drtm-capable device found")

// lookup returns table's entry for vendor/device, or nil if the ID pair is
// unknown or known-but-not-DRTM-capable.
func lookup(table []Device, vendor, dev uint16) *Device {
	for i := range table {
		d := &table[i]
		if d.VendorID == vendor && d.DeviceID == dev {
			if d.Version == VersionNone {
				return nil
			}

			return d
		}
	}

	return nil
}

// Locate scans cfg for a DRTM-capable PSP device against KnownDevices and
// reports which mailbox version it implements.
func Locate(cfg pciio.ConfigSpace) (*Device, error) {
	return LocateIn(cfg, KnownDevices)
}

// LocateIn is Locate against an explicit allow-list, for callers that load
// a platform profile naming a different PSP device set than KnownDevices
// (see hwprofile.Profile.PSPDeviceTable).
func LocateIn(cfg pciio.ConfigSpace, table []Device) (*Device, error) {
	for bus := uint8(0); ; bus++ {
		for slot := uint8(0); slot < slotMax; slot++ {
			for fn := uint8(0); fn < funcMax; fn++ {
				vendor, err := cfg.Read(bus, slot, fn, 0x00, 2)
				if err != nil {
					return nil, err
				}

				if vendor == 0xffff {
					continue
				}

				devID, err := cfg.Read(bus, slot, fn, 0x02, 2)
				if err != nil {
					return nil, err
				}

				if d := lookup(table, uint16(vendor), uint16(devID)); d != nil {
					return d, nil
				}
			}
		}

		if bus == busMax-1 {
			break
		}
	}

	return nil, ErrNotFound
}

// SMN backdoor coordinates, valid on bus 0 device 0 function 0 (the IOHC
// host bridge), and the PSP base-address SMN register.
const (
	smnAddrOffset = 0xB8
	smnDataOffset = 0xBC

	iohc0NBCfgSMNBase        = 0x13B00000
	pspBaseAddrLoSMNAddress  = iohc0NBCfgSMNBase + 0x102E0
	pspBarAddressMask uint32 = 0xFFF00000
)

func smnRead(cfg pciio.ConfigSpace, address uint32) (uint32, error) {
	if err := cfg.Write(0, 0, 0, smnAddrOffset, 4, address); err != nil {
		return 0, err
	}

	return cfg.Read(0, 0, 0, smnDataOffset, 4)
}

// BarAddress reads the PSP's BAR2-equivalent base address through the SMN
// backdoor register, masking off the low bits the same way
// get_psp_bar_addr does.
func BarAddress(cfg pciio.ConfigSpace) (uint64, error) {
	lo, err := smnRead(cfg, pspBaseAddrLoSMNAddress)
	if err != nil {
		return 0, err
	}

	lo &= pspBarAddressMask

	if lo == 0 {
		return 0, errors.New("psp: bar address is zero")
	}

	return uint64(lo), nil
}

// C2P mailbox register offsets, relative to the PSP's BAR base.
const (
	regC2PMsg72 = 0x10a20
	regC2PMsg93 = 0x10a74
	regC2PMsg94 = 0x10a78
	regC2PMsg95 = 0x10a7c

	mboxReadyMask uint32 = 0x80000000
	mboxCmdShift         = 16
	mboxStatusMask uint32 = 0x0000ffff
)

// DRTM mailbox commands.
const (
	cmdGetCapability    = 0x1
	cmdLaunch           = 0x4
	cmdExtendOSSLDigest = 0xB
)

// OSSLRelocAddr is the fixed physical address the PSP expects the OS
// loader image to be relocated to before DRTM_CMD_EXTEND_OSSL_DIGEST is
// issued.
const OSSLRelocAddr = 0x08000000

// Status is the 16-bit DRTM status code returned in the low half of
// c2pmsg_72 once a mailbox command completes.
type Status uint16

const (
	StatusNoError                Status = 0x0000
	StatusNotSupported           Status = 0x0001
	StatusLaunchError            Status = 0x0002
	StatusTMRSetupFailedError    Status = 0x0003
	StatusTMRDestroyFailedError  Status = 0x0004
	StatusGetTCGLogsFailedError  Status = 0x0007
	StatusOutOfResourcesError    Status = 0x0008
	StatusGenericError           Status = 0x0009
	StatusInvalidServiceIDError  Status = 0x000A
	StatusMemoryUnalignedError   Status = 0x000B
	StatusMinimumSizeError       Status = 0x000C
	StatusGetTMRDescriptorFailed Status = 0x000D
	StatusExtendOSSLDigestFailed Status = 0x000E
	StatusSetupNotAllowed        Status = 0x000F
	StatusGetIVRSTableFailed     Status = 0x0010
)

func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "DRTM_NO_ERROR"
	case StatusNotSupported:
		return "DRTM_NOT_SUPPORTED"
	case StatusLaunchError:
		return "DRTM_LAUNCH_ERROR"
	case StatusTMRSetupFailedError:
		return "DRTM_TMR_SETUP_FAILED_ERROR"
	case StatusTMRDestroyFailedError:
		return "DRTM_TMR_DESTROY_FAILED_ERROR"
	case StatusGetTCGLogsFailedError:
		return "DRTM_GET_TCG_LOGS_FAILED_ERROR"
	case StatusOutOfResourcesError:
		return "DRTM_OUT_OF_RESOURCES_ERROR"
	case StatusGenericError:
		return "DRTM_GENERIC_ERROR"
	case StatusInvalidServiceIDError:
		return "DRTM_INVALID_SERVICE_ID_ERROR"
	case StatusMemoryUnalignedError:
		return "DRTM_MEMORY_UNALIGNED_ERROR"
	case StatusMinimumSizeError:
		return "DRTM_MINIMUM_SIZE_ERROR"
	case StatusGetTMRDescriptorFailed:
		return "DRTM_GET_TMR_DESCRIPTOR_FAILED"
	case StatusExtendOSSLDigestFailed:
		return "DRTM_EXTEND_OSSL_DIGEST_FAILED"
	case StatusSetupNotAllowed:
		return "DRTM_SETUP_NOT_ALLOWED"
	case StatusGetIVRSTableFailed:
		return "DRTM_GET_IVRS_TABLE_FAILED"
	default:
		return "UNDEFINED"
	}
}

// ErrNotReady is returned by every command when the mailbox's ready bit
// is clear before the command is issued.
var ErrNotReady = errors.New("psp: mailbox not ready")

// ErrTimeout is returned when the mailbox does not signal ready again
// within the retry budget.
var ErrTimeout = errors.New("psp: mailbox did not become ready in time")

// CommandError reports a completed command that the PSP rejected.
type CommandError struct {
	Status Status
}

func (e *CommandError) Error() string {
	return "psp: command failed with status " + e.Status.String()
}

// Registers is the register-access surface Client needs. *mmio.Window
// satisfies it directly; tests substitute a fake to script how the
// mailbox's ready bit flips between a command write and its completion.
type Registers interface {
	ReadD32(offset int) (uint32, error)
	WriteD32(offset int, v uint32) error
}

// Client drives the DRTM mailbox for one discovered PSP device.
type Client struct {
	win     Registers
	retries int
	sleep   func(time.Duration)
}

// NewClient wraps win, an MMIO window based at the PSP's BAR address, as
// a DRTM mailbox client. version gates support the same way
// init_drtm_interface does: only V2 and V3 expose the mailbox at the
// offsets used here.
func NewClient(win Registers, version Version) (*Client, error) {
	if version != VersionV2 && version != VersionV3 {
		return nil, errors.New("psp: unrecognized psp version")
	}

	return &Client{win: win, retries: 50, sleep: time.Sleep}, nil
}

// SetSleep overrides the per-retry delay function, for tests that don't
// want to block on the real poll interval.
func (c *Client) SetSleep(sleep func(time.Duration)) {
	c.sleep = sleep
}

func (c *Client) ready() (bool, error) {
	v, err := c.win.ReadD32(regC2PMsg72)
	if err != nil {
		return false, err
	}

	return v&mboxReadyMask != 0, nil
}

func (c *Client) waitReady() (Status, error) {
	for retry := c.retries; retry > 1; retry-- {
		v, err := c.win.ReadD32(regC2PMsg72)
		if err != nil {
			return 0, err
		}

		if v&mboxReadyMask != 0 {
			return Status(v & mboxStatusMask), nil
		}

		c.sleep(100 * time.Millisecond)
	}

	return 0, ErrTimeout
}

func (c *Client) issue(cmd uint32) error {
	ready, err := c.ready()
	if err != nil {
		return err
	}

	if !ready {
		return ErrNotReady
	}

	if err := c.win.WriteD32(regC2PMsg72, cmd<<mboxCmdShift); err != nil {
		return err
	}

	status, err := c.waitReady()
	if err != nil {
		return err
	}

	if status != StatusNoError {
		return &CommandError{Status: status}
	}

	return nil
}

// GetCapability issues DRTM_CMD_GET_CAPABILITY and returns the three
// capability words the PSP writes back into c2pmsg_93/94/95.
func (c *Client) GetCapability() (cap93, cap94, cap95 uint32, err error) {
	if err := c.issue(cmdGetCapability); err != nil {
		return 0, 0, 0, err
	}

	cap93, err = c.win.ReadD32(regC2PMsg93)
	if err != nil {
		return 0, 0, 0, err
	}

	cap94, err = c.win.ReadD32(regC2PMsg94)
	if err != nil {
		return 0, 0, 0, err
	}

	cap95, err = c.win.ReadD32(regC2PMsg95)
	if err != nil {
		return 0, 0, 0, err
	}

	return cap93, cap94, cap95, nil
}

// Launch issues DRTM_CMD_LAUNCH.
func (c *Client) Launch() error {
	return c.issue(cmdLaunch)
}

// ExtendOSSLDigest relocates src into dst (standing in for the fixed
// OSSLRelocAddr physical destination original_source/psp.c memcpy's into)
// and issues DRTM_CMD_EXTEND_OSSL_DIGEST so the PSP measures it. dst must
// be at least len(src) bytes.
func (c *Client) ExtendOSSLDigest(dst, src []byte, relocAddr uint64) error {
	if len(src) > 0xffffffff {
		return errors.New("psp: os image too large")
	}

	if len(dst) < len(src) {
		return errors.New("psp: relocation destination too small")
	}

	ready, err := c.ready()
	if err != nil {
		return err
	}

	if !ready {
		return ErrNotReady
	}

	copy(dst, src)

	if err := c.win.WriteD32(regC2PMsg93, uint32(len(src))); err != nil {
		return err
	}

	if err := c.win.WriteD32(regC2PMsg94, uint32(relocAddr&0xffffffff)); err != nil {
		return err
	}

	if err := c.win.WriteD32(regC2PMsg95, uint32(relocAddr>>32)); err != nil {
		return err
	}

	return c.issue(cmdExtendOSSLDigest)
}
