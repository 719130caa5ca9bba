package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VCPU is an open KVM_CREATE_VCPU handle plus its mmap'd kvm_run page.
type VCPU struct {
	fd      uintptr
	mmapLen int
	run     []byte
}

// NewVCPU wraps fd and mmaps its kvm_run shared page, sized mmapLen (as
// reported by KVM_GET_VCPU_MMAP_SIZE on the owning Device).
func NewVCPU(fd uintptr, mmapLen int) (*VCPU, error) {
	data, err := unix.Mmap(int(fd), 0, mmapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap vcpu run page: %w", err)
	}

	return &VCPU{fd: fd, mmapLen: mmapLen, run: data}, nil
}

func (c *VCPU) Fd() uintptr { return c.fd }

func (c *VCPU) Close() error {
	return unix.Munmap(c.run)
}

// runHeader is the kernel's kvm_run struct header. Only the fields the dispatcher
// needs are named; the union at runUnionOffset is accessed through
// the typed accessors below, the way the teacher indexes into run.mmap by
// byte offset rather than declaring the full union in Go.
type runHeader struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
}

const runUnionOffset = 32 // struct kvm_run's exit union starts right after the 32-byte header on x86_64

func (c *VCPU) header() *runHeader {
	return (*runHeader)(unsafe.Pointer(&c.run[0]))
}

// Run executes KVM_RUN. It blocks until the vCPU exits back to userspace;
// the vm package's per-vCPU loop (vm.runVCPU, through hal's EnterGuest)
// wraps this in its Running -> PendingExit transition.
func (c *VCPU) Run() error {
	_, err := Ioctl(c.fd, io(nrRun), 0)
	if err != nil {
		return fmt.Errorf("kvm: KVM_RUN: %w", err)
	}

	return nil
}

func (c *VCPU) ExitReason() ExitReason {
	return ExitReason(c.header().ExitReason)
}

// ioExit mirrors the kvm_run.io union member.
type ioExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

func (c *VCPU) IO() (direction uint8, port uint16, size uint8, count uint32, data []byte) {
	io := (*ioExit)(unsafe.Pointer(&c.run[runUnionOffset]))
	base := uintptr(unsafe.Pointer(&c.run[0])) + uintptr(io.DataOffset)
	n := int(io.Size) * int(io.Count)
	data = unsafe.Slice((*byte)(unsafe.Pointer(base)), n)

	return io.Direction, io.Port, io.Size, io.Count, data
}

// mmioExit mirrors the kvm_run.mmio union member.
type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

func (c *VCPU) MMIO() (addr uint64, data []byte, isWrite bool) {
	m := (*mmioExit)(unsafe.Pointer(&c.run[runUnionOffset]))
	return m.PhysAddr, m.Data[:m.Len], m.IsWrite != 0
}

// eptViolationExit mirrors this module's synthetic kvm_run.ept_violation
// union member. Qualification follows Intel SDM Table 28-7's bit layout for
// a real VM-exit qualification, reused here since ExitEPTViolation/
// ExitEPTMisconfig are this module's own exit-reason numbering rather than
// anything the kernel reports over this path.
type eptViolationExit struct {
	GuestPhysAddr uint64
	Qualification uint64
}

// EPT violation qualification bits (Intel SDM Table 28-7).
const (
	eptQualRead  uint64 = 1 << 0 // data read access was attempted
	eptQualWrite uint64 = 1 << 1 // data write access was attempted
	eptQualExec  uint64 = 1 << 2 // instruction fetch was attempted

	eptQualReadable   uint64 = 1 << 3 // guest-physical address was readable
	eptQualWritable   uint64 = 1 << 4 // guest-physical address was writable
	eptQualExecutable uint64 = 1 << 5 // guest-physical address was executable

	eptQualPermissionMask = eptQualReadable | eptQualWritable | eptQualExecutable
)

// EPTViolation decodes the kvm_run.ept_violation union member.
// presentViolation is true when none of the permission bits are set,
// meaning the EPT walk found no mapping at all rather than one whose
// permissions didn't match the attempted access.
func (c *VCPU) EPTViolation() (gpa uint64, read, write, exec, presentViolation bool) {
	e := (*eptViolationExit)(unsafe.Pointer(&c.run[runUnionOffset]))
	q := e.Qualification

	return e.GuestPhysAddr, q&eptQualRead != 0, q&eptQualWrite != 0, q&eptQualExec != 0, q&eptQualPermissionMask == 0
}

// Regs mirrors struct kvm_regs (general-purpose registers, §6.3).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

func (c *VCPU) GetRegs() (*Regs, error) {
	var r Regs
	if _, err := Ioctl(c.fd, ior(nrGetRegs, unsafe.Sizeof(r)), ptr(&r)); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}

	return &r, nil
}

func (c *VCPU) SetRegs(r *Regs) error {
	if _, err := Ioctl(c.fd, iow(nrSetRegs, unsafe.Sizeof(*r)), ptr(r)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", err)
	}

	return nil
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (segment/control/MSR registers, §6.3).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [256 / 64]uint64
}

func (c *VCPU) GetSregs() (*Sregs, error) {
	var s Sregs
	if _, err := Ioctl(c.fd, ior(nrGetSregs, unsafe.Sizeof(s)), ptr(&s)); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_SREGS: %w", err)
	}

	return &s, nil
}

func (c *VCPU) SetSregs(s *Sregs) error {
	if _, err := Ioctl(c.fd, iow(nrSetSregs, unsafe.Sizeof(*s)), ptr(s)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_SREGS: %w", err)
	}

	return nil
}

// MPState mirrors struct kvm_mp_state (§4.3 INIT/SIPI handling).
type MPState struct {
	State uint32
}

const (
	MPStateRunnable        = 0
	MPStateUninitialized   = 1
	MPStateInitReceived    = 2
	MPStateHalted          = 3
	MPStateSipiReceived    = 4
)

func (c *VCPU) GetMPState() (*MPState, error) {
	var m MPState
	if _, err := Ioctl(c.fd, ior(nrGetMPState, unsafe.Sizeof(m)), ptr(&m)); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_MP_STATE: %w", err)
	}

	return &m, nil
}

func (c *VCPU) SetMPState(m *MPState) error {
	if _, err := Ioctl(c.fd, iow(nrSetMPState, unsafe.Sizeof(*m)), ptr(m)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_MP_STATE: %w", err)
	}

	return nil
}

// DebugRegs mirrors struct kvm_debugregs (DR0-DR7, §6.3).
type DebugRegs struct {
	DB          [4]uint64
	DR6, DR7    uint64
	FlagsAndPad uint64
	Reserved    [9]uint64
}

func (c *VCPU) GetDebugRegs() (*DebugRegs, error) {
	var d DebugRegs
	if _, err := Ioctl(c.fd, ior(nrGetDebugRegs, unsafe.Sizeof(d)), ptr(&d)); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_DEBUGREGS: %w", err)
	}

	return &d, nil
}

func (c *VCPU) SetDebugRegs(d *DebugRegs) error {
	if _, err := Ioctl(c.fd, iow(nrSetDebugRegs, unsafe.Sizeof(*d)), ptr(d)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_DEBUGREGS: %w", err)
	}

	return nil
}

// XCRS mirrors struct kvm_xcrs (extended control registers, e.g. XCR0).
type XCRS struct {
	NumXCRS uint32
	Flags   uint32
	XCRS    [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	Padding [16]uint64
}

func (c *VCPU) GetXCRS() (*XCRS, error) {
	var x XCRS
	if _, err := Ioctl(c.fd, ior(nrGetXCRS, unsafe.Sizeof(x)), ptr(&x)); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_XCRS: %w", err)
	}

	return &x, nil
}

func (c *VCPU) SetXCRS(x *XCRS) error {
	if _, err := Ioctl(c.fd, iow(nrSetXCRS, unsafe.Sizeof(*x)), ptr(x)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_XCRS: %w", err)
	}

	return nil
}

// VCPUEvents mirrors struct kvm_vcpu_events: the pending-interrupt / NMI /
// exception-shadow state the vCPU execution state machine needs to
// checkpoint so a resumed vCPU doesn't lose an in-flight event (§4.3, §6.3).
type VCPUEvents struct {
	Exception struct {
		Injected, Nr, HasErrorCode, Pad uint8
		ErrorCode                       uint32
	}
	Interrupt struct {
		Injected, Nr, SoftInjected uint8
		Pad                        uint8
	}
	NMI struct {
		Injected, Pending, MaskedFlag, Pad uint8
	}
	SIPIVector      uint32
	Flags           uint32
	SMI             [8]byte
	Reserved        [27]uint32
}

func (c *VCPU) GetVCPUEvents() (*VCPUEvents, error) {
	var e VCPUEvents
	if _, err := Ioctl(c.fd, ior(nrGetVCPUEvents, unsafe.Sizeof(e)), ptr(&e)); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_VCPU_EVENTS: %w", err)
	}

	return &e, nil
}

func (c *VCPU) SetVCPUEvents(e *VCPUEvents) error {
	if _, err := Ioctl(c.fd, iow(nrSetVCPUEvents, unsafe.Sizeof(*e)), ptr(e)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_VCPU_EVENTS: %w", err)
	}

	return nil
}

// LAPICState mirrors struct kvm_lapic_state: a flat 1KB register page.
type LAPICState struct {
	Regs [1024]byte
}

func (c *VCPU) GetLAPIC(l *LAPICState) error {
	_, err := Ioctl(c.fd, ior(nrGetLAPIC, unsafe.Sizeof(*l)), ptr(l))
	return err
}

func (c *VCPU) SetLAPIC(l *LAPICState) error {
	_, err := Ioctl(c.fd, iow(nrSetLAPIC, unsafe.Sizeof(*l)), ptr(l))
	return err
}

// cpuidEntry mirrors struct kvm_cpuid_entry2.
type cpuidEntry struct {
	Function, Index                      uint32
	Flags                                uint32
	Eax, Ebx, Ecx, Edx                   uint32
	Padding                              [3]uint32
}

type cpuidHeader struct {
	NEnt    uint32
	Padding uint32
}

const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2, a header followed by a variable-length
// entry array. The fixed-capacity backing array keeps this allocation-free
// and lets header/entries alias a single contiguous buffer for the ioctl.
type CPUID struct {
	header  cpuidHeader
	entries [maxCPUIDEntries]cpuidEntry
}

func (c *CPUID) Entries() []cpuidEntry { return c.entries[:c.header.NEnt] }

func (c *VCPU) SetCPUID2(cpuid *CPUID) error {
	_, err := Ioctl(c.fd, iow(nrSetCPUID2, unsafe.Sizeof(*cpuid)), ptr(cpuid))
	if err != nil {
		return fmt.Errorf("kvm: KVM_SET_CPUID2: %w", err)
	}

	return nil
}

func (c *VCPU) GetCPUID2(cpuid *CPUID) error {
	cpuid.header.NEnt = maxCPUIDEntries

	_, err := Ioctl(c.fd, iowr(nrGetCPUID2, unsafe.Sizeof(*cpuid)), ptr(cpuid))
	if err != nil {
		return fmt.Errorf("kvm: KVM_GET_CPUID2: %w", err)
	}

	return nil
}

// MSREntry mirrors struct kvm_msr_entry.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

const maxMSREntries = 64

type msrHeader struct {
	NMsrs   uint32
	Padding uint32
}

// MSRs mirrors struct kvm_msrs the same fixed-capacity way CPUID does.
type MSRs struct {
	header  msrHeader
	Entries [maxMSREntries]MSREntry
}

func (c *VCPU) GetMSRs(m *MSRs, n int) error {
	m.header.NMsrs = uint32(n)

	_, err := Ioctl(c.fd, iowr(nrGetMSRs, unsafe.Sizeof(*m)), ptr(m))
	if err != nil {
		return fmt.Errorf("kvm: KVM_GET_MSRS: %w", err)
	}

	return nil
}

func (c *VCPU) SetMSRs(m *MSRs, n int) error {
	m.header.NMsrs = uint32(n)

	_, err := Ioctl(c.fd, iow(nrSetMSRs, unsafe.Sizeof(*m)), ptr(m))
	if err != nil {
		return fmt.Errorf("kvm: KVM_SET_MSRS: %w", err)
	}

	return nil
}

// GetMSRIndexList probes KVM_GET_MSR_INDEX_LIST the way the teacher's
// msrIndexList does: call with nmsrs=0 first, read back the E2BIG-reported
// count, then call again with a buffer sized to hold it.
func (d *Device) GetMSRIndexList() ([]uint32, error) {
	hdr := msrHeader{}

	_, err := Ioctl(d.fd, iowr(nrGetMSRIndexList, unsafe.Sizeof(hdr)), ptr(&hdr))
	if err == nil {
		return nil, nil
	}

	if !errors.Is(err, unix.E2BIG) {
		return nil, fmt.Errorf("kvm: KVM_GET_MSR_INDEX_LIST probe: %w", err)
	}

	n := hdr.NMsrs
	buf := make([]byte, unsafe.Sizeof(hdr)+uintptr(n)*unsafe.Sizeof(uint32(0)))
	(*msrHeader)(unsafe.Pointer(&buf[0])).NMsrs = n

	if _, err := Ioctl(d.fd, iowr(nrGetMSRIndexList, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_MSR_INDEX_LIST: %w", err)
	}

	out := make([]uint32, n)
	src := unsafe.Slice((*uint32)(unsafe.Pointer(&buf[unsafe.Sizeof(hdr)])), n)
	copy(out, src)

	return out, nil
}
