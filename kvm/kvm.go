package kvm

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, grouped the way linux/kvm.h groups them.
const (
	nrGetAPIVersion       = 0x00
	nrCreateVM            = 0x01
	nrGetMSRIndexList     = 0x02
	nrCreateVCPU          = 0x41
	nrGetVCPUMMapSize     = 0x04
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0x47
	nrSetIdentityMapAddr  = 0x48
	nrCreateIRQChip       = 0x60
	nrIRQLine             = 0x61
	nrGetIRQChip          = 0x62
	nrSetIRQChip          = 0x63
	nrCreatePIT2          = 0x77
	nrGetPIT2             = 0x9f
	nrSetPIT2             = 0xa0
	nrGetSupportedCPUID   = 0x05
	nrSetCPUID2           = 0x90
	nrGetCPUID2           = 0x91
	nrGetRegs             = 0x81
	nrSetRegs             = 0x82
	nrGetSregs            = 0x83
	nrSetSregs            = 0x84
	nrGetMSRs             = 0x88
	nrSetMSRs             = 0x89
	nrRun                 = 0x80
	nrGetVCPUEvents       = 0x9f // same number as nrGetPIT2; issued on a vcpu fd rather than the vm fd
	nrSetVCPUEvents       = 0xa0
	nrGetDebugRegs        = 0xa1
	nrSetDebugRegs        = 0xa2
	nrGetXCRS             = 0xa6
	nrSetXCRS             = 0xa7
	nrGetMPState          = 0x98
	nrSetMPState          = 0x99
	nrGetClock            = 0x7c
	nrSetClock            = 0x7b
	nrGetLAPIC            = 0x8e
	nrSetLAPIC            = 0x8f
	nrGetDirtyLog         = 0x42
	nrCheckExtension      = 0x03
)

// ExitReason is the raw exit reason KVM reports in kvm_run.exit_reason.
// hal.normalize maps these into the vendor-neutral hal.ExitReason space.
type ExitReason uint32

const (
	ExitUnknown         ExitReason = 0
	ExitException       ExitReason = 1
	ExitIO              ExitReason = 2
	ExitHypercall       ExitReason = 3
	ExitDebug           ExitReason = 4
	ExitHLT             ExitReason = 5
	ExitMMIO            ExitReason = 6
	ExitIRQWindowOpen   ExitReason = 7
	ExitShutdown        ExitReason = 8
	ExitFailEntry       ExitReason = 9
	ExitIntr            ExitReason = 10
	ExitSetTPR          ExitReason = 11
	ExitTPRAccess       ExitReason = 12
	ExitInternalError   ExitReason = 17
	ExitSystemEvent     ExitReason = 24
	ExitIOAPICEOI       ExitReason = 26
	ExitWatchdog        ExitReason = 21
	ExitEPTViolation    ExitReason = 48
	ExitEPTMisconfig    ExitReason = 49
	ExitXSetBV          ExitReason = 22
)

const (
	IOIn  = 0
	IOOut = 1
)

var ErrNotSupported = errors.New("kvm: capability not supported")

// Device is an open handle on /dev/kvm.
type Device struct {
	fd uintptr
}

// OpenDevice opens the KVM character device at path (normally "/dev/kvm").
func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &Device{fd: f.Fd()}, nil
}

func (d *Device) Fd() uintptr { return d.fd }

func (d *Device) GetAPIVersion() (int, error) {
	r, err := Ioctl(d.fd, io(nrGetAPIVersion), 0)
	return int(r), err
}

// CheckExtension reports the value of a KVM_CAP_* capability, 0 meaning unsupported.
func (d *Device) CheckExtension(cap uintptr) (int, error) {
	r, err := Ioctl(d.fd, io(nrCheckExtension), cap)
	return int(r), err
}

func (d *Device) CreateVM() (uintptr, error) {
	return Ioctl(d.fd, io(nrCreateVM), 0)
}

func (d *Device) GetVCPUMMapSize() (uintptr, error) {
	return Ioctl(d.fd, io(nrGetVCPUMMapSize), 0)
}

// VM is an open KVM_CREATE_VM handle.
type VM struct {
	fd uintptr
}

func NewVM(fd uintptr) *VM { return &VM{fd: fd} }

func (v *VM) Fd() uintptr { return v.fd }

func (v *VM) CreateVCPU(id int) (uintptr, error) {
	return Ioctl(v.fd, io(nrCreateVCPU), uintptr(id))
}

func (v *VM) SetTSSAddr(addr uint32) error {
	_, err := Ioctl(v.fd, io(nrSetTSSAddr), uintptr(addr))
	return err
}

func (v *VM) SetIdentityMapAddr(addr uint64) error {
	_, err := Ioctl(v.fd, iow(nrSetIdentityMapAddr, 8), ptr(&addr))
	return err
}

func (v *VM) CreateIRQChip() error {
	_, err := Ioctl(v.fd, io(nrCreateIRQChip), 0)
	return err
}

func (v *VM) CreatePIT2() error {
	pit := pitConfig{}
	_, err := Ioctl(v.fd, iow(nrCreatePIT2, unsafe.Sizeof(pit)), ptr(&pit))
	return err
}

// UserspaceMemoryRegion describes a guest-physical slot backed by host memory.
// This is the sole mechanism the HAL uses to install GuestRAM: the memory
// subsystem's EPT (package memory) models translation and dirty tracking
// in software over this same backing slice, since KVM does not expose its
// internal EPT walk to userspace.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memFlagLogDirtyPages = 1 << 0
	memFlagReadonly      = 1 << 1
)

func (r *UserspaceMemoryRegion) SetLogDirtyPages() { r.Flags |= memFlagLogDirtyPages }
func (r *UserspaceMemoryRegion) SetReadonly()      { r.Flags |= memFlagReadonly }

func (v *VM) SetUserMemoryRegion(r *UserspaceMemoryRegion) error {
	_, err := Ioctl(v.fd, iow(nrSetUserMemoryRegion, unsafe.Sizeof(*r)), ptr(r))
	return err
}

// DirtyLog carries a bit-per-page dirty bitmap in/out of KVM_GET_DIRTY_LOG.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64 // userspace pointer, boxed as uint64 to match the kernel ABI
}

func (v *VM) GetDirtyLog(dl *DirtyLog) error {
	_, err := Ioctl(v.fd, iow(nrGetDirtyLog, unsafe.Sizeof(*dl)), ptr(dl))
	return err
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

func (v *VM) IRQLine(irq, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}
	_, err := Ioctl(v.fd, iow(nrIRQLine, unsafe.Sizeof(l)), ptr(&l))
	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// PITState2 is the serialized state of the emulated 8254 PIT (VM-level state, §6.1).
type PITState2 struct {
	Channels [3][8]byte // opaque per-channel state, preserved byte-for-byte across migration
	Flags    uint32
	_        [9]uint32
}

func (v *VM) GetPIT2(s *PITState2) error {
	_, err := Ioctl(v.fd, ior(nrGetPIT2, unsafe.Sizeof(*s)), ptr(s))
	return err
}

func (v *VM) SetPIT2(s *PITState2) error {
	_, err := Ioctl(v.fd, iow(nrSetPIT2, unsafe.Sizeof(*s)), ptr(s))
	return err
}

// IRQChip is the serialized state of one emulated interrupt controller
// (ChipID 0 = master PIC, 1 = slave PIC, 2 = IOAPIC).
type IRQChip struct {
	ChipID uint32
	_      uint32
	Data   [512]byte
}

func (v *VM) GetIRQChip(c *IRQChip) error {
	_, err := Ioctl(v.fd, iowr(nrGetIRQChip, unsafe.Sizeof(*c)), ptr(c))
	return err
}

func (v *VM) SetIRQChip(c *IRQChip) error {
	_, err := Ioctl(v.fd, iow(nrSetIRQChip, unsafe.Sizeof(*c)), ptr(c))
	return err
}

// ClockData is the guest kvmclock, saved/restored across migration so the
// destination's monotonic clock continues where the source left off.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	_        [2]uint64
	_        [4]uint32
}

func (v *VM) GetClock(c *ClockData) error {
	_, err := Ioctl(v.fd, ior(nrGetClock, unsafe.Sizeof(*c)), ptr(c))
	return err
}

func (v *VM) SetClock(c *ClockData) error {
	_, err := Ioctl(v.fd, iow(nrSetClock, unsafe.Sizeof(*c)), ptr(c))
	return err
}

func (v *VM) GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	_, err := Ioctl(kvmFd, iowr(nrGetSupportedCPUID, unsafe.Sizeof(cpuidHeader{})), ptr(&c.header))
	return err
}
