// Package hal defines the vendor-neutral hardware-assisted-virtualization
// abstraction: one interface for entering and exiting a guest regardless of
// whether the host CPU is Intel VMX or AMD SVM, backed in practice by KVM
// (which already performs this normalization inside the kernel).
package hal

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotSupported is returned by Enable when the host lacks the requested
// virtualization extension (e.g. asking for SVM on an Intel host).
var ErrNotSupported = errors.New("hal: virtualization extension not supported")

// ErrBusy names the case of a vCPU control structure already entered on
// another thread. No backend in this module returns it: the KVM backend's
// EnterGuest serializes concurrent callers on a mutex instead.
var ErrBusy = errors.New("hal: vcpu control structure busy")

// Vendor identifies the host CPU's virtualization extension family.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntelVMX
	VendorAMDSVM
)

func (v Vendor) String() string {
	switch v {
	case VendorIntelVMX:
		return "vmx"
	case VendorAMDSVM:
		return "svm"
	default:
		return "unknown"
	}
}

// ExitReason is the engine's vendor-neutral VM-exit classification. Every
// raw hardware/hypervisor exit code is mapped into this space by a
// normalization table (normalize.go) before reaching the dispatcher.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitCPUID
	ExitRDMSR
	ExitWRMSR
	ExitIOIn
	ExitIOOut
	ExitEPTViolation
	ExitEPTMisconfig
	ExitHLT
	ExitPause
	ExitExternalInterrupt
	ExitInterruptWindow
	ExitExceptionNMI
	ExitCRAccess
	ExitINVLPG
	ExitVMCall
	ExitTripleFault
	ExitInit
	ExitSIPI
	ExitShutdown
	ExitTaskSwitch
	ExitWBINVD
	ExitMonitor
	ExitMWait
	ExitXSetBV
	ExitRDTSC
	ExitRDTSCP
	ExitMMIO
	ExitFailEntry
	ExitInternalError
)

func (r ExitReason) String() string {
	if s, ok := exitReasonNames[r]; ok {
		return s
	}

	return fmt.Sprintf("ExitReason(%d)", r)
}

var exitReasonNames = map[ExitReason]string{
	ExitUnknown:           "unknown",
	ExitCPUID:             "cpuid",
	ExitRDMSR:             "rdmsr",
	ExitWRMSR:             "wrmsr",
	ExitIOIn:              "io_in",
	ExitIOOut:             "io_out",
	ExitEPTViolation:      "ept_violation",
	ExitEPTMisconfig:      "ept_misconfig",
	ExitHLT:               "hlt",
	ExitPause:             "pause",
	ExitExternalInterrupt: "external_interrupt",
	ExitInterruptWindow:   "interrupt_window",
	ExitExceptionNMI:      "exception_nmi",
	ExitCRAccess:          "cr_access",
	ExitINVLPG:            "invlpg",
	ExitVMCall:            "vmcall",
	ExitTripleFault:       "triple_fault",
	ExitInit:              "init",
	ExitSIPI:              "sipi",
	ExitShutdown:          "shutdown",
	ExitTaskSwitch:        "task_switch",
	ExitWBINVD:            "wbinvd",
	ExitMonitor:           "monitor",
	ExitMWait:             "mwait",
	ExitXSetBV:            "xsetbv",
	ExitRDTSC:             "rdtsc",
	ExitRDTSCP:            "rdtscp",
	ExitMMIO:              "mmio",
	ExitFailEntry:         "fail_entry",
	ExitInternalError:     "internal_error",
}

// ExitInfo is everything the dispatcher needs about one VM-exit, independent
// of which extension produced it.
type ExitInfo struct {
	Reason ExitReason

	// IO is populated when Reason is ExitIOIn/ExitIOOut.
	IO struct {
		Port      uint16
		Size      uint8
		Direction uint8 // 0 = in, 1 = out
		Count     uint32
		Data      []byte
	}

	// MMIO is populated when Reason is ExitMMIO. An ExitEPTViolation against
	// an MMIO window carries its address in EPTFault instead.
	MMIO struct {
		PhysAddr uint64
		Data     []byte
		IsWrite  bool
	}

	// EPTFault is populated when Reason is ExitEPTViolation or
	// ExitEPTMisconfig, whether the address lies in guest RAM or in an MMIO
	// window.
	EPTFault struct {
		GuestPhysAddr uint64
		Read, Write, Exec bool
		PresentViolation  bool
	}
}

// Event is an interrupt, exception or NMI to inject on the next guest entry.
type Event struct {
	Vector    uint8
	Kind      EventKind
	ErrorCode uint32
	HasError  bool
}

type EventKind int

const (
	EventInterrupt EventKind = iota
	EventNMI
	EventException
	EventSoftware
)

// VirtExtension is the capability object obtained once virtualization is
// enabled on a logical CPU. Every vendor backend (kvm being the only one
// implemented concretely; a raw VMX/SVM backend would satisfy the same
// interface) implements this.
type VirtExtension interface {
	Vendor() Vendor

	// CreateVCPU allocates a new per-vCPU control structure (VMCS/VMCB,
	// modeled by KVM's own vCPU fd) and returns a handle to it.
	CreateVCPU(id int) (VCPUHandle, error)

	Close() error
}

// VCPUHandle is a single vCPU's control-structure handle.
type VCPUHandle interface {
	// EnterGuest runs the guest until the next VM-exit or ctx cancellation.
	EnterGuest(ctx context.Context) (ExitInfo, error)

	InjectEvent(ev Event) error

	GetRegs() (RegisterState, error)
	SetRegs(RegisterState) error

	Close() error
}

// RegisterState is the full vCPU register snapshot, vendor-neutral, used
// both for day-to-day register access and for migration serialization
// (§6.3). Concrete backends translate to/from their native struct layout.
type RegisterState struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64

	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64

	CS, DS, ES, FS, GS, SS SegmentState
	TR, LDT                SegmentState
	GDT, IDT               TableState

	MSRs []MSR
}

type SegmentState struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  bool
	DPL      uint8
	DB, S, L, G, AVL bool
	Unusable bool
}

type TableState struct {
	Base  uint64
	Limit uint16
}

type MSR struct {
	Index uint32
	Data  uint64
}
