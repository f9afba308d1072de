package iommu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oracle/secure-kernel-loader/mmio"
)

func TestSetupRelocatedDetectsTamperedDeviceTable(t *testing.T) {
	win := mmio.NewWindow(make([]byte, WindowSize))
	r := NewStaticRegion(32, 64)
	dmaSafe := make([]byte, len(r.DeviceTable)+len(r.CommandBuf))
	completion := make([]byte, 4)
	completion[0] = 1

	corrupt = func(dt []byte) {
		dt[0] ^= 0xff
	}
	defer func() { corrupt = nil }()

	err := SetupRelocated(win, r, dmaSafe, completion)
	require.ErrorIs(t, err, ErrAttackDetected)
}

func TestSetupRelocatedDetectsTamperedCommandBuffer(t *testing.T) {
	win := mmio.NewWindow(make([]byte, WindowSize))
	r := NewStaticRegion(32, 64)
	dmaSafe := make([]byte, len(r.DeviceTable)+len(r.CommandBuf))
	completion := make([]byte, 4)
	completion[0] = 1

	corruptCommandBuf = func(cb []byte) {
		cb[0] ^= 0xff
	}
	defer func() { corruptCommandBuf = nil }()

	err := SetupRelocated(win, r, dmaSafe, completion)
	require.ErrorIs(t, err, ErrAttackDetected)
}
