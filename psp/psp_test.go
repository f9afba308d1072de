package psp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oracle/secure-kernel-loader/mmio"
	"github.com/oracle/secure-kernel-loader/pciio"
	"github.com/oracle/secure-kernel-loader/psp"
)

func TestLocateFindsDRTMCapableDevice(t *testing.T) {
	t.Parallel()

	cfg := pciio.NewFakeConfigSpace()
	cfg.Seed(0, 3, 0, 0x00, 2, 0x1022)
	cfg.Seed(0, 3, 0, 0x02, 2, 0x15DF) // PSP V3

	d, err := psp.Locate(cfg)
	require.NoError(t, err)
	require.Equal(t, psp.VersionV3, d.Version)
}

func TestLocateSkipsNonDRTMPSPDevice(t *testing.T) {
	t.Parallel()

	cfg := pciio.NewFakeConfigSpace()
	cfg.Seed(0, 3, 0, 0x00, 2, 0x1022)
	cfg.Seed(0, 3, 0, 0x02, 2, 0x1537) // known device, no PSP

	_, err := psp.Locate(cfg)
	require.ErrorIs(t, err, psp.ErrNotFound)
}

func TestBarAddressMasksLowBits(t *testing.T) {
	t.Parallel()

	cfg := pciio.NewFakeConfigSpace()
	cfg.Seed(0, 0, 0, 0xBC, 4, 0x12345678)

	addr, err := psp.BarAddress(cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(0x12300000), addr)
}

// scriptedRegisters is a fake Registers implementation standing in for a
// PSP that starts ready, goes not-ready the instant a command is written
// to c2pmsg_72, and becomes ready again (with a fixed status) after
// readyAfter subsequent polls. A plain mmio.Window has no hardware on the
// other end to flip the ready bit back on, so every test that drives a
// full command round trip uses this instead.
type scriptedRegisters struct {
	win        *mmio.Window
	readyAfter int
	status     uint32
	pollCount  int
	commanded  bool
}

func newScriptedRegisters(status psp.Status) *scriptedRegisters {
	s := &scriptedRegisters{
		win:        mmio.NewWindow(make([]byte, 0x10b00)),
		readyAfter: 1,
		status:     uint32(status),
	}
	_ = s.win.WriteD32(0x10a20, 0x80000000)

	return s
}

func (s *scriptedRegisters) ReadD32(offset int) (uint32, error) {
	if offset == 0x10a20 && s.commanded {
		s.pollCount++
		if s.pollCount >= s.readyAfter {
			return 0x80000000 | s.status, nil
		}

		return 0, nil
	}

	return s.win.ReadD32(offset)
}

func (s *scriptedRegisters) WriteD32(offset int, v uint32) error {
	if offset == 0x10a20 {
		s.commanded = true

		return nil
	}

	return s.win.WriteD32(offset, v)
}

func TestClientRejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()

	_, err := psp.NewClient(newScriptedRegisters(psp.StatusNoError), psp.VersionV1)
	require.Error(t, err)
}

func TestGetCapabilityReadsBackWords(t *testing.T) {
	t.Parallel()

	regs := newScriptedRegisters(psp.StatusNoError)
	require.NoError(t, regs.win.WriteD32(0x10a74, 0xaaaaaaaa))
	require.NoError(t, regs.win.WriteD32(0x10a78, 0xbbbbbbbb))
	require.NoError(t, regs.win.WriteD32(0x10a7c, 0xcccccccc))

	c, err := psp.NewClient(regs, psp.VersionV2)
	require.NoError(t, err)
	c.SetSleep(func(time.Duration) {})

	a, b, cc, err := c.GetCapability()
	require.NoError(t, err)
	require.Equal(t, uint32(0xaaaaaaaa), a)
	require.Equal(t, uint32(0xbbbbbbbb), b)
	require.Equal(t, uint32(0xcccccccc), cc)
}

func TestLaunchFailsWhenMailboxNotReady(t *testing.T) {
	t.Parallel()

	win := mmio.NewWindow(make([]byte, 0x10b00)) // ready bit clear

	c, err := psp.NewClient(win, psp.VersionV3)
	require.NoError(t, err)
	c.SetSleep(func(time.Duration) {})

	err = c.Launch()
	require.ErrorIs(t, err, psp.ErrNotReady)
}

func TestLaunchSucceeds(t *testing.T) {
	t.Parallel()

	regs := newScriptedRegisters(psp.StatusNoError)

	c, err := psp.NewClient(regs, psp.VersionV3)
	require.NoError(t, err)
	c.SetSleep(func(time.Duration) {})

	require.NoError(t, c.Launch())
}

func TestLaunchPropagatesCommandStatus(t *testing.T) {
	t.Parallel()

	regs := newScriptedRegisters(psp.StatusLaunchError)

	c, err := psp.NewClient(regs, psp.VersionV3)
	require.NoError(t, err)
	c.SetSleep(func(time.Duration) {})

	err = c.Launch()

	var cmdErr *psp.CommandError

	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, psp.StatusLaunchError, cmdErr.Status)
}

func TestLaunchTimesOutWhenMailboxNeverRecovers(t *testing.T) {
	t.Parallel()

	regs := newScriptedRegisters(psp.StatusNoError)
	regs.readyAfter = 1000 // never reached within the retry budget

	c, err := psp.NewClient(regs, psp.VersionV3)
	require.NoError(t, err)
	c.SetSleep(func(time.Duration) {})

	err = c.Launch()
	require.ErrorIs(t, err, psp.ErrTimeout)
}

func TestExtendOSSLDigestCopiesAndMeasures(t *testing.T) {
	t.Parallel()

	regs := newScriptedRegisters(psp.StatusNoError)

	c, err := psp.NewClient(regs, psp.VersionV2)
	require.NoError(t, err)
	c.SetSleep(func(time.Duration) {})

	src := []byte("kernel-image-bytes")
	dst := make([]byte, len(src))

	err = c.ExtendOSSLDigest(dst, src, psp.OSSLRelocAddr)
	require.NoError(t, err)
	require.Equal(t, src, dst)

	size, err := regs.win.ReadD32(0x10a74)
	require.NoError(t, err)
	require.Equal(t, uint32(len(src)), size)
}

func TestExtendOSSLDigestRejectsUndersizedDestination(t *testing.T) {
	t.Parallel()

	regs := newScriptedRegisters(psp.StatusNoError)

	c, err := psp.NewClient(regs, psp.VersionV2)
	require.NoError(t, err)

	err = c.ExtendOSSLDigest(make([]byte, 2), []byte("too big"), psp.OSSLRelocAddr)
	require.Error(t, err)
}
