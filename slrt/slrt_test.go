package slrt_test

import (
	"encoding/binary"
	"testing"

	"github.com/oracle/secure-kernel-loader/slrt"
	"github.com/stretchr/testify/require"
)

// buildTable assembles a raw SLRT buffer from a table header and a sequence
// of already-encoded entries (each including its own tag/size header),
// terminated with an END entry.
func buildTable(entries ...[]byte) []byte {
	const hdrSize = 16

	total := hdrSize
	for _, e := range entries {
		total += len(e)
	}

	endEntry := make([]byte, 4)
	binary.LittleEndian.PutUint16(endEntry[0:2], slrt.TagEnd)
	binary.LittleEndian.PutUint16(endEntry[2:4], 4)
	total += len(endEntry)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], slrt.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], 1)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(total))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(total))

	off := hdrSize
	for _, e := range entries {
		copy(buf[off:], e)
		off += len(e)
	}

	copy(buf[off:], endEntry)

	return buf
}

func encodeDLInfo(bootloader uint16, dceBase, dlmeBase, dlmeSize, dlmeEntry, context, dlHandler uint64) []byte {
	payload := make([]byte, slrt.DLInfoSize)
	binary.LittleEndian.PutUint16(payload[0:2], slrt.TagDLInfo)
	binary.LittleEndian.PutUint16(payload[2:4], uint16(slrt.DLInfoSize))
	binary.LittleEndian.PutUint32(payload[4:8], 0) // dce_size
	binary.LittleEndian.PutUint64(payload[8:16], dceBase)
	binary.LittleEndian.PutUint64(payload[16:24], dlmeSize)
	binary.LittleEndian.PutUint64(payload[24:32], dlmeBase)
	binary.LittleEndian.PutUint64(payload[32:40], dlmeEntry)
	binary.LittleEndian.PutUint16(payload[40:42], bootloader)
	binary.LittleEndian.PutUint64(payload[48:56], context)
	binary.LittleEndian.PutUint64(payload[56:64], dlHandler)

	return payload
}

func encodeLogInfo(format uint16, size uint32, addr uint64) []byte {
	payload := make([]byte, slrt.LogInfoSize)
	binary.LittleEndian.PutUint16(payload[0:2], slrt.TagLogInfo)
	binary.LittleEndian.PutUint16(payload[2:4], uint16(slrt.LogInfoSize))
	binary.LittleEndian.PutUint16(payload[4:6], format)
	binary.LittleEndian.PutUint32(payload[12:16], size)
	binary.LittleEndian.PutUint64(payload[16:24], addr)

	return payload
}

func TestParseEndToEndScenario1(t *testing.T) {
	t.Parallel()

	raw := buildTable(
		encodeDLInfo(slrt.BootloaderGRUB, 0, 0x40000000, 0x00200000, 0x100, 0xcafe, 0),
		encodeLogInfo(slrt.LogFormatTPM20, 0x4000, 0x50000000),
	)

	tbl, err := slrt.Parse(raw)
	require.NoError(t, err)

	dlEntry, err := tbl.FirstWithTag(slrt.TagDLInfo)
	require.NoError(t, err)
	require.NotNil(t, dlEntry)

	dl, err := slrt.ParseDLInfo(dlEntry)
	require.NoError(t, err)
	require.Equal(t, uint64(0x40000000), dl.DLMEBase)
	require.Equal(t, uint64(0x00200000), dl.DLMESize)
	require.Equal(t, uint64(0x100), dl.DLMEEntry)
	require.Equal(t, uint64(0xcafe), dl.BLContextPtr)

	logEntry, err := tbl.FirstWithTag(slrt.TagLogInfo)
	require.NoError(t, err)
	require.NotNil(t, logEntry)

	log, err := slrt.ParseLogInfo(logEntry)
	require.NoError(t, err)
	require.EqualValues(t, slrt.LogFormatTPM20, log.Format)
	require.EqualValues(t, 0x4000, log.Size)
	require.EqualValues(t, 0x50000000, log.Addr)
}

func TestMissingDLInfo(t *testing.T) {
	t.Parallel()

	raw := buildTable(encodeLogInfo(slrt.LogFormatTPM12, 0x4000, 0x1000))

	tbl, err := slrt.Parse(raw)
	require.NoError(t, err)

	entry, err := tbl.FirstWithTag(slrt.TagDLInfo)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestDuplicateSingletonDetected(t *testing.T) {
	t.Parallel()

	raw := buildTable(
		encodeLogInfo(slrt.LogFormatTPM12, 0x4000, 0x1000),
		encodeLogInfo(slrt.LogFormatTPM12, 0x4000, 0x2000),
	)

	tbl, err := slrt.Parse(raw)
	require.NoError(t, err)

	first, err := tbl.FirstWithTag(slrt.TagLogInfo)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := tbl.NextWithTag(first, slrt.TagLogInfo)
	require.NoError(t, err)
	require.NotNil(t, second, "caller's duplicate check requires a non-nil second match")
}

func TestWalkerNeverEscapesBound(t *testing.T) {
	t.Parallel()

	raw := buildTable(encodeDLInfo(slrt.BootloaderGRUB, 0, 0x1000, 0x1000, 0, 0, 0))

	// Truncate the declared table size so that the DL_INFO entry, while
	// present in the buffer, lies beyond end_of_slrt().
	binary.LittleEndian.PutUint32(raw[8:12], 16)

	tbl, err := slrt.Parse(raw)
	require.NoError(t, err)

	entry, err := tbl.FirstWithTag(slrt.TagDLInfo)
	require.NoError(t, err)
	require.Nil(t, entry, "a tag match that escapes bound must yield none")
}

func TestEntrySizeOverrunRejected(t *testing.T) {
	t.Parallel()

	raw := buildTable(encodeDLInfo(slrt.BootloaderGRUB, 0, 0x1000, 0x1000, 0, 0, 0))

	// Corrupt the DL_INFO entry's declared size to run past the buffer.
	binary.LittleEndian.PutUint16(raw[18:20], 0xfff0)

	tbl, err := slrt.Parse(raw)
	require.NoError(t, err)

	_, err = tbl.FirstWithTag(slrt.TagDLInfo)
	require.ErrorIs(t, err, slrt.ErrEntryOverrun)
}

func TestShortBuffer(t *testing.T) {
	t.Parallel()

	_, err := slrt.Parse([]byte{1, 2, 3})
	require.ErrorIs(t, err, slrt.ErrShortHeader)
}
