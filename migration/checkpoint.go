// Package migration implements the engine's live-migration protocol:
// precopy dirty-page iteration, stop-and-copy, a self-describing checkpoint
// wire format, and destination resume (spec.md §4.5, §6.1, §6.3).
package migration

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	checkpointMagic = [4]byte{'N', 'Y', 'X', 'M'}

	// CurrentVersion is the checkpoint format version this build writes.
	// A receiver that does not understand the version it reads rejects the
	// checkpoint without consuming state (§6.1 invariant).
	CurrentVersion uint16 = 1

	ErrBadMagic          = errors.New("migration: bad checkpoint magic")
	ErrUnsupportedVersion = errors.New("migration: unsupported checkpoint version")
	ErrIntegrity         = errors.New("migration: checkpoint integrity check failed")
)

const headerSize = 40

// Header is the fixed 40-byte checkpoint preamble (§6.1 offsets 0-39).
type Header struct {
	Version     uint16
	Flags       uint16
	MemorySize  uint64
	VCPUCount   uint64
	DeviceCount uint64
	TimestampNS uint64
}

// MemoryChunk is one length-prefixed run of guest-physical memory.
type MemoryChunk struct {
	GPA  uint64
	Data []byte
}

// Segment mirrors one segment register's serialized form (§6.3).
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	ARBytes  uint32
}

// MSREntry is one {msr, value} pair from the explicitly enumerated MSR list
// (§6.3) — not "all MSRs", only the ones named there.
type MSREntry struct {
	Index uint32
	Value uint64
}

// EnumeratedMSRs is the fixed MSR index list §6.3 names, in the order they
// are always serialized.
var EnumeratedMSRs = []uint32{
	msrSysenterCS, msrSysenterESP, msrSysenterEIP,
	msrSTAR, msrLSTAR, msrCSTAR, msrSFMASK,
	msrFSBase, msrGSBase, msrKernelGSBase,
	msrTSC, msrTSCAdjust, msrPAT, msrMTRRDefType,
}

const (
	msrSysenterCS   = 0x174
	msrSysenterESP  = 0x175
	msrSysenterEIP  = 0x176
	msrSTAR         = 0xC0000081
	msrLSTAR        = 0xC0000082
	msrCSTAR        = 0xC0000083
	msrSFMASK       = 0xC0000084
	msrFSBase       = 0xC0000100
	msrGSBase       = 0xC0000101
	msrKernelGSBase = 0xC0000102
	msrTSC          = 0x10
	msrTSCAdjust    = 0x3B
	msrPAT          = 0x277
	msrMTRRDefType  = 0x2FF
)

// VCPUState is one vCPU's fixed-layout architectural state (§6.3).
type VCPUState struct {
	// General registers, in the order RAX,RBX,RCX,RDX,RSI,RDI,RBP,RSP,
	// R8-R15,RIP,RFLAGS (18 x u64).
	GPR [18]uint64

	CS, DS, ES, FS, GS, SS, LDTR, TR Segment

	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	XCR0                    uint64

	MSRs []MSREntry

	FPU [4096]byte
}

const (
	gprRAX = iota
	gprRBX
	gprRCX
	gprRDX
	gprRSI
	gprRDI
	gprRBP
	gprRSP
	gprR8
	gprR9
	gprR10
	gprR11
	gprR12
	gprR13
	gprR14
	gprR15
	gprRIP
	gprRFLAGS
)

// DeviceSnapshot is one device's opaque migration blob, as produced by the
// DeviceBus contract's snapshot() call (§6.2).
type DeviceSnapshot struct {
	DeviceID uint16
	Data     []byte
}

// Checkpoint is the complete, self-describing migration state handoff.
type Checkpoint struct {
	Header  Header
	Memory  []MemoryChunk
	VCPUs   []VCPUState
	Devices []DeviceSnapshot
}

// Encode writes cp to w in the §6.1 wire format, trailed by the SHA-256 of
// everything written before it.
func Encode(w io.Writer, cp *Checkpoint) error {
	h := sha256.New()
	mw := io.MultiWriter(w, h)

	if err := writeHeader(mw, cp); err != nil {
		return err
	}

	for _, chunk := range cp.Memory {
		if err := writeMemoryChunk(mw, chunk); err != nil {
			return err
		}
	}

	for i := range cp.VCPUs {
		if err := writeVCPUState(mw, &cp.VCPUs[i]); err != nil {
			return fmt.Errorf("migration: encode vcpu %d: %w", i, err)
		}
	}

	for _, dev := range cp.Devices {
		if err := writeDeviceSnapshot(mw, dev); err != nil {
			return err
		}
	}

	if _, err := w.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("migration: write integrity trailer: %w", err)
	}

	return nil
}

func writeHeader(w io.Writer, cp *Checkpoint) error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], checkpointMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], cp.Header.Version)
	binary.LittleEndian.PutUint16(buf[6:8], cp.Header.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], cp.Header.MemorySize)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(cp.VCPUs)))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(len(cp.Devices)))
	binary.LittleEndian.PutUint64(buf[32:40], cp.Header.TimestampNS)

	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("migration: write header: %w", err)
	}

	return nil
}

func writeMemoryChunk(w io.Writer, c MemoryChunk) error {
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint64(hdr[0:8], c.GPA)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(c.Data)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("migration: write memory chunk header: %w", err)
	}

	if _, err := w.Write(c.Data); err != nil {
		return fmt.Errorf("migration: write memory chunk data: %w", err)
	}

	return nil
}

func writeSegment(buf []byte, s Segment) {
	binary.LittleEndian.PutUint16(buf[0:2], s.Selector)
	binary.LittleEndian.PutUint64(buf[2:10], s.Base)
	binary.LittleEndian.PutUint32(buf[10:14], s.Limit)
	binary.LittleEndian.PutUint32(buf[14:18], s.ARBytes)
}

func readSegment(buf []byte) Segment {
	return Segment{
		Selector: binary.LittleEndian.Uint16(buf[0:2]),
		Base:     binary.LittleEndian.Uint64(buf[2:10]),
		Limit:    binary.LittleEndian.Uint32(buf[10:14]),
		ARBytes:  binary.LittleEndian.Uint32(buf[14:18]),
	}
}

const segmentSize = 18

func writeVCPUState(w io.Writer, v *VCPUState) error {
	buf := make([]byte, 18*8)
	for i, r := range v.GPR {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], r)
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write gprs: %w", err)
	}

	segs := []Segment{v.CS, v.DS, v.ES, v.FS, v.GS, v.SS, v.LDTR, v.TR}
	segBuf := make([]byte, segmentSize)

	for _, s := range segs {
		writeSegment(segBuf, s)

		if _, err := w.Write(segBuf); err != nil {
			return fmt.Errorf("write segment: %w", err)
		}
	}

	ctrl := make([]byte, 7*8)
	binary.LittleEndian.PutUint64(ctrl[0:8], v.CR0)
	binary.LittleEndian.PutUint64(ctrl[8:16], v.CR2)
	binary.LittleEndian.PutUint64(ctrl[16:24], v.CR3)
	binary.LittleEndian.PutUint64(ctrl[24:32], v.CR4)
	binary.LittleEndian.PutUint64(ctrl[32:40], v.CR8)
	binary.LittleEndian.PutUint64(ctrl[40:48], v.EFER)
	binary.LittleEndian.PutUint64(ctrl[48:56], v.XCR0)

	if _, err := w.Write(ctrl); err != nil {
		return fmt.Errorf("write control regs: %w", err)
	}

	msrCount := make([]byte, 4)
	binary.LittleEndian.PutUint32(msrCount, uint32(len(v.MSRs)))

	if _, err := w.Write(msrCount); err != nil {
		return fmt.Errorf("write msr count: %w", err)
	}

	msrBuf := make([]byte, 12)
	for _, m := range v.MSRs {
		binary.LittleEndian.PutUint32(msrBuf[0:4], m.Index)
		binary.LittleEndian.PutUint64(msrBuf[4:12], m.Value)

		if _, err := w.Write(msrBuf); err != nil {
			return fmt.Errorf("write msr entry: %w", err)
		}
	}

	if _, err := w.Write(v.FPU[:]); err != nil {
		return fmt.Errorf("write fpu area: %w", err)
	}

	return nil
}

func writeDeviceSnapshot(w io.Writer, d DeviceSnapshot) error {
	hdr := make([]byte, 6)
	binary.LittleEndian.PutUint16(hdr[0:2], d.DeviceID)
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(d.Data)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("migration: write device header: %w", err)
	}

	if _, err := w.Write(d.Data); err != nil {
		return fmt.Errorf("migration: write device data: %w", err)
	}

	return nil
}

// Decode reads a Checkpoint from r, validating the magic, version and
// trailing SHA-256. A version mismatch or bad magic is rejected before any
// state is returned, matching the §6.1 invariant.
func Decode(r io.Reader) (*Checkpoint, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("migration: read checkpoint: %w", err)
	}

	if len(body) < headerSize+sha256.Size {
		return nil, fmt.Errorf("%w: truncated checkpoint", ErrIntegrity)
	}

	payload, trailer := body[:len(body)-sha256.Size], body[len(body)-sha256.Size:]

	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, ErrIntegrity
	}

	hdr := payload[:headerSize]
	if !bytes.Equal(hdr[0:4], checkpointMagic[:]) {
		return nil, ErrBadMagic
	}

	version := binary.LittleEndian.Uint16(hdr[4:6])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, CurrentVersion)
	}

	cp := &Checkpoint{
		Header: Header{
			Version:     version,
			Flags:       binary.LittleEndian.Uint16(hdr[6:8]),
			MemorySize:  binary.LittleEndian.Uint64(hdr[8:16]),
			VCPUCount:   binary.LittleEndian.Uint64(hdr[16:24]),
			DeviceCount: binary.LittleEndian.Uint64(hdr[24:32]),
			TimestampNS: binary.LittleEndian.Uint64(hdr[32:40]),
		},
	}

	rest := payload[headerSize:]

	rest, cp.Memory, err = readMemorySection(rest, cp.Header.MemorySize)
	if err != nil {
		return nil, err
	}

	rest, cp.VCPUs, err = readVCPUSection(rest, cp.Header.VCPUCount)
	if err != nil {
		return nil, err
	}

	_, cp.Devices, err = readDeviceSection(rest, cp.Header.DeviceCount)
	if err != nil {
		return nil, err
	}

	return cp, nil
}

// readMemorySection consumes length-prefixed chunks until it has covered
// memSize bytes of guest memory (there is no explicit chunk count in the
// wire format; the memory section's end is the byte offset at which the
// cumulative chunk lengths reach memSize).
func readMemorySection(buf []byte, memSize uint64) ([]byte, []MemoryChunk, error) {
	var chunks []MemoryChunk

	var covered uint64
	for covered < memSize {
		if len(buf) < 12 {
			return nil, nil, fmt.Errorf("%w: truncated memory chunk header", ErrIntegrity)
		}

		gpa := binary.LittleEndian.Uint64(buf[0:8])
		n := binary.LittleEndian.Uint32(buf[8:12])
		buf = buf[12:]

		if uint64(len(buf)) < uint64(n) {
			return nil, nil, fmt.Errorf("%w: truncated memory chunk data", ErrIntegrity)
		}

		chunks = append(chunks, MemoryChunk{GPA: gpa, Data: buf[:n]})
		buf = buf[n:]
		covered += uint64(n)
	}

	return buf, chunks, nil
}

func readVCPUSection(buf []byte, count uint64) ([]byte, []VCPUState, error) {
	states := make([]VCPUState, count)

	for i := range states {
		var err error
		buf, states[i], err = readVCPUState(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("migration: decode vcpu %d: %w", i, err)
		}
	}

	return buf, states, nil
}

func readVCPUState(buf []byte) ([]byte, VCPUState, error) {
	var v VCPUState

	if len(buf) < 18*8 {
		return nil, v, fmt.Errorf("%w: truncated gprs", ErrIntegrity)
	}

	for i := range v.GPR {
		v.GPR[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}

	buf = buf[18*8:]

	segs := make([]Segment, 8)
	for i := range segs {
		if len(buf) < segmentSize {
			return nil, v, fmt.Errorf("%w: truncated segment", ErrIntegrity)
		}

		segs[i] = readSegment(buf)
		buf = buf[segmentSize:]
	}

	v.CS, v.DS, v.ES, v.FS, v.GS, v.SS, v.LDTR, v.TR = segs[0], segs[1], segs[2], segs[3], segs[4], segs[5], segs[6], segs[7]

	if len(buf) < 7*8 {
		return nil, v, fmt.Errorf("%w: truncated control regs", ErrIntegrity)
	}

	v.CR0 = binary.LittleEndian.Uint64(buf[0:8])
	v.CR2 = binary.LittleEndian.Uint64(buf[8:16])
	v.CR3 = binary.LittleEndian.Uint64(buf[16:24])
	v.CR4 = binary.LittleEndian.Uint64(buf[24:32])
	v.CR8 = binary.LittleEndian.Uint64(buf[32:40])
	v.EFER = binary.LittleEndian.Uint64(buf[40:48])
	v.XCR0 = binary.LittleEndian.Uint64(buf[48:56])
	buf = buf[56:]

	if len(buf) < 4 {
		return nil, v, fmt.Errorf("%w: truncated msr count", ErrIntegrity)
	}

	nMsrs := binary.LittleEndian.Uint32(buf[0:4])
	buf = buf[4:]

	v.MSRs = make([]MSREntry, nMsrs)
	for i := range v.MSRs {
		if len(buf) < 12 {
			return nil, v, fmt.Errorf("%w: truncated msr entry", ErrIntegrity)
		}

		v.MSRs[i] = MSREntry{
			Index: binary.LittleEndian.Uint32(buf[0:4]),
			Value: binary.LittleEndian.Uint64(buf[4:12]),
		}
		buf = buf[12:]
	}

	if len(buf) < len(v.FPU) {
		return nil, v, fmt.Errorf("%w: truncated fpu area", ErrIntegrity)
	}

	copy(v.FPU[:], buf[:len(v.FPU)])
	buf = buf[len(v.FPU):]

	return buf, v, nil
}

func readDeviceSection(buf []byte, count uint64) ([]byte, []DeviceSnapshot, error) {
	devices := make([]DeviceSnapshot, count)

	for i := range devices {
		if len(buf) < 6 {
			return nil, nil, fmt.Errorf("%w: truncated device header", ErrIntegrity)
		}

		id := binary.LittleEndian.Uint16(buf[0:2])
		n := binary.LittleEndian.Uint32(buf[2:6])
		buf = buf[6:]

		if uint64(len(buf)) < uint64(n) {
			return nil, nil, fmt.Errorf("%w: truncated device data", ErrIntegrity)
		}

		devices[i] = DeviceSnapshot{DeviceID: id, Data: buf[:n]}
		buf = buf[n:]
	}

	return buf, devices, nil
}
