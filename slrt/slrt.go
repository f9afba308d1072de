// Package slrt reads the bootloader-authored Secure Launch Resource Table:
// a tagged, variable-length sequence of entries describing the DRTM launch
// (dynamic launch configuration, TPM event log placement). The table is
// never written by this loader, only walked.
package slrt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tags, as laid out in the bootloader ABI.
const (
	TagInvalid      = 0x0000
	TagDLInfo       = 0x0001
	TagLogInfo      = 0x0002
	TagEntryPolicy  = 0x0003
	TagIntelInfo    = 0x0004
	TagAMDInfo      = 0x0005
	TagARMInfo      = 0x0006
	TagUEFIInfo     = 0x0007
	TagUEFIConfig   = 0x0008
	TagEnd   uint16 = 0xffff
)

// Recognized bootloader identifiers, carried in slr_bl_context.bootloader.
const (
	BootloaderInvalid = 0
	BootloaderGRUB    = 1
)

// Event log formats, carried in slr_entry_log_info.format.
const (
	LogFormatTPM12 = 1
	LogFormatTPM20 = 2
)

var (
	// ErrShortHeader is returned when a table or entry is too small to
	// contain even its fixed header.
	ErrShortHeader = errors.New("slrt: buffer too short for header")
	// ErrBadMagic is returned when the table header's magic does not
	// match what the loader expects.
	ErrBadMagic = errors.New("slrt: bad table magic")
	// ErrEntryOverrun is returned when an entry's declared size would
	// walk the cursor past the end of the table.
	ErrEntryOverrun = errors.New("slrt: entry size overruns table")
)

// EntryHeader is the common header shared by every SLRT entry.
type EntryHeader struct {
	Tag  uint16
	Size uint16
}

// Magic identifying a valid Secure Launch Resource Table.
const Magic = 0x4452544c // "DRTL" packed little-endian as a sanity tag.

// TableHeader is the fixed prefix of the SLRT.
type TableHeader struct {
	Magic        uint32
	Revision     uint16
	Architecture uint16
	Size         uint32
	MaxSize      uint32
}

const tableHeaderSize = 16
const entryHeaderSize = 4

// Table is a parsed view over the raw SLRT bytes. It never copies or
// mutates the underlying buffer; it only computes offsets into it.
type Table struct {
	Header TableHeader
	raw    []byte
}

// Parse validates the table header and returns a Table ready for entry
// iteration. It does not walk entries eagerly: iteration errors (a bad
// entry size) are only surfaced when that entry is reached.
func Parse(raw []byte) (*Table, error) {
	if len(raw) < tableHeaderSize {
		return nil, ErrShortHeader
	}

	h := TableHeader{
		Magic:        binary.LittleEndian.Uint32(raw[0:4]),
		Revision:     binary.LittleEndian.Uint16(raw[4:6]),
		Architecture: binary.LittleEndian.Uint16(raw[6:8]),
		Size:         binary.LittleEndian.Uint32(raw[8:12]),
		MaxSize:      binary.LittleEndian.Uint32(raw[12:16]),
	}

	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}

	if uint64(h.Size) > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: declared size %d exceeds buffer length %d",
			ErrEntryOverrun, h.Size, len(raw))
	}

	return &Table{Header: h, raw: raw}, nil
}

// EndOfTable returns the offset one past the last valid byte of the table,
// per the declared Size field (end_of_slrt()).
func (t *Table) EndOfTable() int {
	return int(t.Header.Size)
}

// entryHeaderAt reads the tag/size pair at the given offset.
func (t *Table) entryHeaderAt(off int) (EntryHeader, error) {
	if off < 0 || off+entryHeaderSize > len(t.raw) {
		return EntryHeader{}, ErrShortHeader
	}

	return EntryHeader{
		Tag:  binary.LittleEndian.Uint16(t.raw[off : off+2]),
		Size: binary.LittleEndian.Uint16(t.raw[off+2 : off+4]),
	}, nil
}

// Entry is a located SLRT entry: its header plus the raw bytes comprising
// the whole entry record (header included), and the offset it was found
// at (used as a resume cursor by NextWithTag).
type Entry struct {
	Header EntryHeader
	Bytes  []byte
	Offset int
}

// FirstWithTag returns the first entry in the table with the given tag, or
// (nil, nil) if none is found before EndOfTable or SLR_ENTRY_END.
func (t *Table) FirstWithTag(tag uint16) (*Entry, error) {
	return t.NextWithTag(nil, tag)
}

// NextWithTag resumes iteration after `after` (or from the start of the
// table if after is nil) and returns the next entry with the given tag.
// Iteration advances by each entry's declared Size; it stops at
// SLR_ENTRY_END or once the cursor reaches EndOfTable, in which case
// (nil, nil) is returned. A malformed entry size that would walk the
// cursor out of bounds is reported as ErrEntryOverrun.
func (t *Table) NextWithTag(after *Entry, tag uint16) (*Entry, error) {
	off := tableHeaderSize
	if after != nil {
		off = after.Offset + int(after.Header.Size)
	}

	bound := t.EndOfTable()

	for off < bound {
		hdr, err := t.entryHeaderAt(off)
		if err != nil {
			return nil, err
		}

		if hdr.Tag == TagEnd {
			return nil, nil
		}

		if hdr.Size < entryHeaderSize {
			return nil, fmt.Errorf("%w: entry at %#x declares size %d smaller than header",
				ErrEntryOverrun, off, hdr.Size)
		}

		entryEnd := off + int(hdr.Size)
		if entryEnd > len(t.raw) {
			return nil, fmt.Errorf("%w: entry at %#x of size %d overruns buffer",
				ErrEntryOverrun, off, hdr.Size)
		}

		if hdr.Tag == tag {
			if entryEnd > bound {
				// A tag match that escapes bound yields none.
				return nil, nil
			}

			return &Entry{Header: hdr, Bytes: t.raw[off:entryEnd], Offset: off}, nil
		}

		off = entryEnd
	}

	return nil, nil
}

// DLInfo is the parsed DRTM Dynamic Launch Configuration entry
// (SLR_ENTRY_DL_INFO).
type DLInfo struct {
	DCESize       uint32
	DCEBase       uint64
	DLMESize      uint64
	DLMEBase      uint64
	DLMEEntry     uint64
	Bootloader    uint16
	BLContextPtr  uint64
	DLHandler     uint64
}

// DLInfoSize is the exact on-wire size of slr_entry_dl_info, header
// included, used to validate hdr.size per spec.md §4.7.
const DLInfoSize = entryHeaderSize + 4 + 8 + 8 + 8 + 8 + (2 + 2*3 + 8) + 8

// ParseDLInfo decodes a DL_INFO entry's payload. The caller is responsible
// for having located a singleton DL_INFO entry first.
func ParseDLInfo(e *Entry) (*DLInfo, error) {
	if int(e.Header.Size) != DLInfoSize {
		return nil, fmt.Errorf("slrt: dl_info entry size %d, want %d", e.Header.Size, DLInfoSize)
	}

	b := e.Bytes[entryHeaderSize:]

	return &DLInfo{
		DCESize:      binary.LittleEndian.Uint32(b[0:4]),
		DCEBase:      binary.LittleEndian.Uint64(b[4:12]),
		DLMESize:     binary.LittleEndian.Uint64(b[12:20]),
		DLMEBase:     binary.LittleEndian.Uint64(b[20:28]),
		DLMEEntry:    binary.LittleEndian.Uint64(b[28:36]),
		Bootloader:   binary.LittleEndian.Uint16(b[36:38]),
		BLContextPtr: binary.LittleEndian.Uint64(b[44:52]),
		DLHandler:    binary.LittleEndian.Uint64(b[52:60]),
	}, nil
}

// LogInfo is the parsed TPM Log Information entry (SLR_ENTRY_LOG_INFO).
type LogInfo struct {
	Format uint16
	Size   uint32
	Addr   uint64
}

// LogInfoSize is the exact on-wire size of slr_entry_log_info.
const LogInfoSize = entryHeaderSize + 2 + 2*3 + 4 + 8

// ParseLogInfo decodes a LOG_INFO entry's payload.
func ParseLogInfo(e *Entry) (*LogInfo, error) {
	if int(e.Header.Size) != LogInfoSize {
		return nil, fmt.Errorf("slrt: log_info entry size %d, want %d", e.Header.Size, LogInfoSize)
	}

	b := e.Bytes[entryHeaderSize:]

	return &LogInfo{
		Format: binary.LittleEndian.Uint16(b[0:2]),
		Size:   binary.LittleEndian.Uint32(b[8:12]),
		Addr:   binary.LittleEndian.Uint64(b[12:20]),
	}, nil
}
