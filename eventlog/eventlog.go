// Package eventlog builds a TCG-compliant PCR event log in a
// bootloader-provided buffer, in the same container format the Trusted
// Boot project (tboot) uses for Intel TXT, so that both platforms' event
// logs are readable by the same consumer.
//
// A Log is permanently disabled the moment anything about it fails to
// check out: Init returning an error, or an Extend call finding no room
// left. Once disabled, every further Extend writes nothing and returns an
// error, mirroring original_source/event_log.c's "make sure that further
// calls to log_write() will fail" behavior — an event log that stops accepting
// entries is safer than one that wraps or corrupts itself.
package eventlog

import (
	"crypto/sha1" //nolint:gosec // TPM 1.2 PCR banks are SHA-1; required by the format, not a security choice here.
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/oracle/secure-kernel-loader/memlayout"
)

// Family selects which event structures and Spec ID Event get written.
type Family int

const (
	TPM12 Family = 1
	TPM20 Family = 2
)

// TCG event types.
const (
	evNoAction    = 0x3
	evTypeSlaunch = 0x502
)

const (
	sha1Size   = 20
	sha256Size = 32
)

// ErrOverlapsSLB is returned by Init when the bootloader-supplied buffer
// overlaps the Secure Loader Block it would otherwise measure cleanly.
var ErrOverlapsSLB = errors.New("eventlog: buffer overlaps the secure loader block")

// ErrFormatMismatch is returned by Init when the SLRT-declared log format
// does not match the TPM family actually present.
var ErrFormatMismatch = errors.New("eventlog: declared log format does not match tpm family")

// ErrTooSmall is returned by Init when the buffer cannot hold the header
// record, the family's spec-id record and two fixed-size measurement
// records.
var ErrTooSmall = errors.New("eventlog: buffer too small for header records")

// Format values from the SLRT log-info entry, re-exported here so callers
// don't need to import slrt just to check a log's declared format.
const (
	FormatTPM12 = 1
	FormatTPM20 = 2
)

const (
	tpm12EventLogHeaderSize = 48
	txtLogPointerElemSize   = 20
	commonSpecIDSize        = 24
	tpm12SpecIDSize         = commonSpecIDSize + 1 + tpm12EventLogHeaderSize
	tpm20DigestSizesSize    = 4 + 2*4
	tpm20SpecIDSize         = commonSpecIDSize + tpm20DigestSizesSize + 1 + txtLogPointerElemSize
	tpm12EventFixedSize     = 4 + 4 + sha1Size + 4
	tpm20HashBlockSize      = 4 + 2 + sha1Size + 2 + sha256Size
	tpm20EventFixedSize     = 4 + 4 + tpm20HashBlockSize + 4
)

// Offsets, relative to the start of the written spec-id record, of the
// running "next event/record" field each family's header carries. These
// mirror encodeTPM12SpecID's hdr[44:48] (tpm12_event_log_header.next_event_offset)
// and encodeTPM20SpecID's el[16:20] (txt_event_log_pointer2_1_element.next_record_offset).
const (
	tpm12NextEventOffsetOff  = commonSpecIDSize + 1 + 44
	tpm20NextRecordOffsetOff = commonSpecIDSize + tpm20DigestSizesSize + 1 + 16
)

// Log is a cursor into a fixed event log buffer.
type Log struct {
	base         []byte
	cursor       int
	limit        int
	family       Family
	enabled      bool
	specIDOffset int // absolute offset of the written spec-id record
}

func (l *Log) hasSpace(n int) bool {
	return l.limit-l.cursor > n
}

func (l *Log) write(p []byte) bool {
	if len(p) >= l.limit-l.cursor {
		return false
	}

	copy(l.base[l.cursor:], p)
	l.cursor += len(p)

	return true
}

func (l *Log) disable() {
	l.limit = l.cursor
	l.enabled = false
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// encodeCommonSpecID writes the 24-byte common_spec_id_ev_t header shared
// by both families.
func encodeCommonSpecID(signature string, verMinor, verMajor, errata, uintnSize uint8) []byte {
	b := make([]byte, commonSpecIDSize)
	copy(b[0:16], signature)
	// platform_class left 0 (client).
	b[20] = verMinor
	b[21] = verMajor
	b[22] = errata
	b[23] = uintnSize

	return b
}

// encodeTPM12SpecID builds the full Spec ID Event00 vendor-info block,
// including the embedded tpm12_event_log_header whose pcr_events_offset
// deliberately points at the header's own signature field rather than the
// true base of the log: this is the same accommodation tboot makes so
// Intel TXT and AMD platforms can share one consumer.
func encodeTPM12SpecID(containerSize uint32) []byte {
	b := make([]byte, tpm12SpecIDSize)
	copy(b, encodeCommonSpecID("Spec ID Event00", 2, 1, 1, 0))
	b[commonSpecIDSize] = tpm12EventLogHeaderSize // vendor_info_size

	hdr := b[commonSpecIDSize+1:]
	copy(hdr[0:20], "TXT Event Container")
	hdr[32] = 1 // container_ver_major
	hdr[33] = 0 // container_ver_minor
	hdr[34] = 1 // pcr_event_ver_major
	hdr[35] = 0 // pcr_event_ver_minor
	putU32(hdr[36:40], containerSize)
	putU32(hdr[40:44], tpm12EventLogHeaderSize) // pcr_events_offset
	putU32(hdr[44:48], tpm12EventLogHeaderSize) // next_event_offset

	return b
}

func encodeTPM20SpecID(containerSize uint32, nextRecordOffset uint32, phys uint64) []byte {
	b := make([]byte, tpm20SpecIDSize)
	copy(b, encodeCommonSpecID("Spec ID Event03", 0, 2, 0, 2))

	sizes := b[commonSpecIDSize:]
	putU32(sizes[0:4], 2) // number_of_algorithms
	binary.LittleEndian.PutUint16(sizes[4:6], algSHA1)
	binary.LittleEndian.PutUint16(sizes[6:8], 20)
	binary.LittleEndian.PutUint16(sizes[8:10], algSHA256)
	binary.LittleEndian.PutUint16(sizes[10:12], 32)

	vendorOff := commonSpecIDSize + tpm20DigestSizesSize
	b[vendorOff] = txtLogPointerElemSize

	el := b[vendorOff+1:]
	putU64(el[0:8], phys)
	putU32(el[8:12], containerSize)
	putU32(el[12:16], 0) // first_record_offset
	putU32(el[16:20], nextRecordOffset)

	return b
}

// TPM algorithm IDs, TCG TPM2 registry values.
const (
	algSHA1   = 0x0004
	algSHA256 = 0x000b
)

func encodeTPM12Event(pcr, eventType uint32, digest [sha1Size]byte, event string) []byte {
	b := make([]byte, tpm12EventFixedSize+len(event))
	putU32(b[0:4], pcr)
	putU32(b[4:8], eventType)
	copy(b[8:8+sha1Size], digest[:])
	putU32(b[28:32], uint32(len(event)))
	copy(b[32:], event)

	return b
}

func encodeTPM20Event(pcr, eventType uint32, sha1Digest [sha1Size]byte, sha256Digest [sha256Size]byte, event string) []byte {
	b := make([]byte, tpm20EventFixedSize+len(event))
	putU32(b[0:4], pcr)
	putU32(b[4:8], eventType)

	digests := b[8 : 8+tpm20HashBlockSize]
	putU32(digests[0:4], 2)
	binary.LittleEndian.PutUint16(digests[4:6], algSHA1)
	copy(digests[6:6+sha1Size], sha1Digest[:])
	binary.LittleEndian.PutUint16(digests[6+sha1Size:8+sha1Size], algSHA256)
	copy(digests[8+sha1Size:8+sha1Size+sha256Size], sha256Digest[:])

	putU32(b[8+tpm20HashBlockSize:12+tpm20HashBlockSize], uint32(len(event)))
	copy(b[12+tpm20HashBlockSize:], event)

	return b
}

// Init lays out the log header in buf and records the SKINIT measurement
// (the [layout.Start, layout.EndOfMeasured) range) as PCR 17's first
// entry, labeled "SKINIT". format must be FormatTPM12 or FormatTPM20 and
// must match family, per the SLRT log-info entry's declared format.
func Init(buf []byte, family Family, format int, layout memlayout.Layout) (*Log, error) {
	l := &Log{base: buf, family: family}

	if err := initChecked(l, family, format, layout); err != nil {
		l.disable()

		return nil, err
	}

	return l, nil
}

func initChecked(l *Log, family Family, format int, layout memlayout.Layout) error {
	var minSize int

	switch family {
	case TPM12:
		minSize = tpm12EventFixedSize + tpm12SpecIDSize + 2*tpm12EventFixedSize
	case TPM20:
		minSize = tpm12EventFixedSize + tpm20SpecIDSize + 2*tpm20EventFixedSize
	default:
		return errors.New("eventlog: unknown tpm family")
	}

	if len(l.base) < minSize {
		return ErrTooSmall
	}

	if (family == TPM12 && format != FormatTPM12) || (family == TPM20 && format != FormatTPM20) {
		return ErrFormatMismatch
	}

	base := addrOf(l.base)
	if layout.Overlaps(base, uintptr(len(l.base))) {
		return ErrOverlapsSLB
	}

	for i := range l.base {
		l.base[i] = 0
	}

	l.cursor = 0
	l.limit = len(l.base)
	l.enabled = true

	var zero [sha1Size]byte
	header := encodeTPM12Event(0, evNoAction, zero, "")

	var specIDSize uint32
	if family == TPM12 {
		specIDSize = tpm12SpecIDSize
	} else {
		specIDSize = tpm20SpecIDSize
	}

	putU32(header[28:32], specIDSize)

	if !l.write(header) {
		return ErrTooSmall
	}

	specIDOffset := l.cursor
	l.specIDOffset = specIDOffset

	if family == TPM12 {
		l.write(encodeTPM12SpecID(uint32(len(l.base))))
	} else {
		nextRecordOffset := uint32(specIDOffset + tpm20SpecIDSize)
		l.write(encodeTPM20SpecID(uint32(len(l.base)), nextRecordOffset, uint64(base)))
	}

	measuredStart, measuredEnd := layout.MeasuredRange()
	measured := unsafeSlice(measuredStart, measuredEnd)

	sha1Hash := sha1.Sum(measured) //nolint:gosec
	if family == TPM12 {
		return l.extendTPM12(17, sha1Hash, "SKINIT")
	}

	sha256Hash := sha256.Sum256(measured)

	return l.extendTPM20(17, sha1Hash, sha256Hash, "SKINIT")
}

// Extend appends an event record for pcr. The caller supplies both digest
// families unconditionally; the Log only writes the one its family uses,
// mirroring how original_source/event_log.c's two entry points differ
// only in which hashes the caller was asked to pass in.
func (l *Log) Extend(pcr uint32, sha1Digest [sha1Size]byte, sha256Digest [sha256Size]byte, event string) error {
	if l.family == TPM12 {
		return l.extendTPM12(pcr, sha1Digest, event)
	}

	return l.extendTPM20(pcr, sha1Digest, sha256Digest, event)
}

// bumpNextOffset patches the already-written spec-id record's running
// next-event/next-record field by delta, mirroring how
// original_source/event_log.c's log_event_tpm12/log_event_tpm20 update
// base->hdr.next_event_offset / base->el.next_record_offset before every
// append, not just once at Init.
func (l *Log) bumpNextOffset(fieldOff int, delta uint32) {
	off := l.specIDOffset + fieldOff
	cur := binary.LittleEndian.Uint32(l.base[off : off+4])
	putU32(l.base[off:off+4], cur+delta)
}

func (l *Log) extendTPM12(pcr uint32, digest [sha1Size]byte, event string) error {
	ev := encodeTPM12Event(pcr, evTypeSlaunch, digest, event)
	if !l.hasSpace(len(ev)) {
		l.disable()

		return errors.New("eventlog: out of space")
	}

	l.bumpNextOffset(tpm12NextEventOffsetOff, uint32(len(ev)))
	l.write(ev)

	return nil
}

func (l *Log) extendTPM20(pcr uint32, sha1Digest [sha1Size]byte, sha256Digest [sha256Size]byte, event string) error {
	ev := encodeTPM20Event(pcr, evTypeSlaunch, sha1Digest, sha256Digest, event)
	if !l.hasSpace(len(ev)) {
		l.disable()

		return errors.New("eventlog: out of space")
	}

	l.bumpNextOffset(tpm20NextRecordOffsetOff, uint32(len(ev)))
	l.write(ev)

	return nil
}

// Enabled reports whether the log still accepts writes.
func (l *Log) Enabled() bool { return l.enabled }
