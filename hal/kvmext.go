package hal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nyxvmm/nyx/kvm"
)

const kvmDevicePath = "/dev/kvm"

// KVMExtension is the concrete VirtExtension backend: KVM already performs
// the VMX/SVM normalization this package's interface asks for, so Enable
// simply opens /dev/kvm and creates one KVM_CREATE_VM instance.
type KVMExtension struct {
	log *logrus.Entry

	dev *kvm.Device
	vm  *kvm.VM

	mmapSize int
}

// Enable opens /dev/kvm, checks the API version, and creates a VM instance.
// It is the HAL entry point spec.md §4.1 calls "enabling the extension".
func Enable(log *logrus.Entry) (*KVMExtension, error) {
	return EnableAt(log, kvmDevicePath)
}

// EnableAt is Enable against a caller-chosen device path, for hosts that
// expose KVM under a non-default path.
func EnableAt(log *logrus.Entry, devicePath string) (*KVMExtension, error) {
	dev, err := kvm.OpenDevice(devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrNotSupported, devicePath, err)
	}

	version, err := dev.GetAPIVersion()
	if err != nil {
		return nil, fmt.Errorf("hal: KVM_GET_API_VERSION: %w", err)
	}

	if version != 12 {
		return nil, fmt.Errorf("%w: unsupported KVM API version %d", ErrNotSupported, version)
	}

	vmFd, err := dev.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("hal: KVM_CREATE_VM: %w", err)
	}

	mmapSize, err := dev.GetVCPUMMapSize()
	if err != nil {
		return nil, fmt.Errorf("hal: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	vm := kvm.NewVM(vmFd)

	if err := vm.SetTSSAddr(0xfffb_d000); err != nil {
		return nil, fmt.Errorf("hal: set TSS addr: %w", err)
	}

	if err := vm.SetIdentityMapAddr(0xfffb_c000); err != nil {
		return nil, fmt.Errorf("hal: set identity map addr: %w", err)
	}

	if err := vm.CreateIRQChip(); err != nil {
		return nil, fmt.Errorf("hal: create irqchip: %w", err)
	}

	if err := vm.CreatePIT2(); err != nil {
		return nil, fmt.Errorf("hal: create pit2: %w", err)
	}

	log.WithField("mmap_size", mmapSize).Info("virtualization extension enabled")

	return &KVMExtension{log: log, dev: dev, vm: vm, mmapSize: int(mmapSize)}, nil
}

func (e *KVMExtension) Vendor() Vendor { return VendorUnknown }

func (e *KVMExtension) VM() *kvm.VM { return e.vm }

func (e *KVMExtension) SetUserMemoryRegion(r *kvm.UserspaceMemoryRegion) error {
	return e.vm.SetUserMemoryRegion(r)
}

func (e *KVMExtension) CreateVCPU(id int) (VCPUHandle, error) {
	fd, err := e.vm.CreateVCPU(id)
	if err != nil {
		return nil, fmt.Errorf("hal: KVM_CREATE_VCPU(%d): %w", id, err)
	}

	raw, err := kvm.NewVCPU(fd, e.mmapSize)
	if err != nil {
		return nil, err
	}

	return &kvmVCPU{id: id, raw: raw, log: e.log.WithField("vcpu", id)}, nil
}

func (e *KVMExtension) Close() error {
	return nil
}

// kvmVCPU adapts a *kvm.VCPU to the vendor-neutral VCPUHandle interface.
type kvmVCPU struct {
	id  int
	raw *kvm.VCPU
	log *logrus.Entry

	mu sync.Mutex
}

func (v *kvmVCPU) EnterGuest(ctx context.Context) (ExitInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	done := make(chan struct{})
	var runErr error

	go func() {
		runErr = v.raw.Run()
		close(done)
	}()

	select {
	case <-ctx.Done():
		// Cancellation does not interrupt KVM_RUN: nothing sends a
		// signal to the thread running the ioctl. Wait for it to return
		// so the handle is not reused while the ioctl is in flight.
		<-done
		return ExitInfo{}, ctx.Err()
	case <-done:
	}

	if runErr != nil {
		return ExitInfo{}, fmt.Errorf("hal: vcpu %d: %w", v.id, runErr)
	}

	return normalize(v.raw), nil
}

func (v *kvmVCPU) InjectEvent(ev Event) error {
	events, err := v.raw.GetVCPUEvents()
	if err != nil {
		return fmt.Errorf("hal: get vcpu events: %w", err)
	}

	switch ev.Kind {
	case EventNMI:
		events.NMI.Injected = 1
	case EventInterrupt, EventSoftware:
		events.Interrupt.Injected = 1
		events.Interrupt.Nr = ev.Vector
		if ev.Kind == EventSoftware {
			events.Interrupt.SoftInjected = 1
		}
	case EventException:
		events.Exception.Injected = 1
		events.Exception.Nr = ev.Vector
		if ev.HasError {
			events.Exception.HasErrorCode = 1
			events.Exception.ErrorCode = ev.ErrorCode
		}
	}

	if err := v.raw.SetVCPUEvents(events); err != nil {
		return fmt.Errorf("hal: set vcpu events: %w", err)
	}

	return nil
}

func (v *kvmVCPU) GetRegs() (RegisterState, error) {
	regs, err := v.raw.GetRegs()
	if err != nil {
		return RegisterState{}, err
	}

	sregs, err := v.raw.GetSregs()
	if err != nil {
		return RegisterState{}, err
	}

	return fromKVM(regs, sregs), nil
}

func (v *kvmVCPU) SetRegs(r RegisterState) error {
	regs, sregs := toKVM(r)

	if err := v.raw.SetRegs(regs); err != nil {
		return err
	}

	return v.raw.SetSregs(sregs)
}

func (v *kvmVCPU) Close() error {
	return v.raw.Close()
}

func fromKVM(r *kvm.Regs, s *kvm.Sregs) RegisterState {
	seg := func(s kvm.Segment) SegmentState {
		return SegmentState{
			Base: s.Base, Limit: s.Limit, Selector: s.Selector, Type: s.Type,
			Present: s.Present != 0, DPL: s.DPL, DB: s.DB != 0, S: s.S != 0,
			L: s.L != 0, G: s.G != 0, AVL: s.AVL != 0, Unusable: s.Unusable != 0,
		}
	}

	return RegisterState{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFLAGS: r.RFLAGS,
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, CR8: s.CR8,
		EFER: s.EFER,
		CS:   seg(s.CS), DS: seg(s.DS), ES: seg(s.ES), FS: seg(s.FS), GS: seg(s.GS), SS: seg(s.SS),
		TR: seg(s.TR), LDT: seg(s.LDT),
		GDT: TableState{Base: s.GDT.Base, Limit: s.GDT.Limit},
		IDT: TableState{Base: s.IDT.Base, Limit: s.IDT.Limit},
	}
}

func toKVM(r RegisterState) (*kvm.Regs, *kvm.Sregs) {
	regs := &kvm.Regs{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFLAGS: r.RFLAGS,
	}

	boolU8 := func(b bool) uint8 {
		if b {
			return 1
		}
		return 0
	}

	seg := func(s SegmentState) kvm.Segment {
		return kvm.Segment{
			Base: s.Base, Limit: s.Limit, Selector: s.Selector, Type: s.Type,
			Present: boolU8(s.Present), DPL: s.DPL, DB: boolU8(s.DB), S: boolU8(s.S),
			L: boolU8(s.L), G: boolU8(s.G), AVL: boolU8(s.AVL), Unusable: boolU8(s.Unusable),
		}
	}

	sregs := &kvm.Sregs{
		CS: seg(r.CS), DS: seg(r.DS), ES: seg(r.ES), FS: seg(r.FS), GS: seg(r.GS), SS: seg(r.SS),
		TR: seg(r.TR), LDT: seg(r.LDT),
		GDT:  kvm.DTable{Base: r.GDT.Base, Limit: r.GDT.Limit},
		IDT:  kvm.DTable{Base: r.IDT.Base, Limit: r.IDT.Limit},
		CR0:  r.CR0, CR2: r.CR2, CR3: r.CR3, CR4: r.CR4, CR8: r.CR8,
		EFER: r.EFER,
	}

	return regs, sregs
}
