// Package vm ties the HAL, exit dispatcher, memory subsystem, device bus,
// IOMMU, recovery core and migration engine into one running virtual
// machine: one OS thread per vCPU, a fixed exit-handling loop per thread,
// and lock-free phase transitions across the whole VM (spec.md §4.7, §5).
package vm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nyxvmm/nyx/devicebus"
	"github.com/nyxvmm/nyx/dispatch"
	"github.com/nyxvmm/nyx/hal"
	"github.com/nyxvmm/nyx/iommu"
	"github.com/nyxvmm/nyx/memory"
	"github.com/nyxvmm/nyx/migration"
	"github.com/nyxvmm/nyx/recovery"
)

// Phase is the VM-wide lifecycle state, read and written with atomics so
// every vCPU thread can observe a transition without taking a lock
// (spec.md §5 "VM-wide phase ... use lock-free atomics").
type Phase int32

const (
	PhaseRunning Phase = iota
	PhaseStopping
	PhaseStopped
)

// VCPUState is one vCPU thread's execution state machine (spec.md §4.7):
// Running -> PendingExit -> Exited -> (Running | Halted | Paused | Faulted).
type VCPUState int32

const (
	StateRunning VCPUState = iota
	StatePendingExit
	StateExited
	StateHalted
	StatePaused
	StateFaulted
)

func (s VCPUState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePendingExit:
		return "pending_exit"
	case StateExited:
		return "exited"
	case StateHalted:
		return "halted"
	case StatePaused:
		return "paused"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Config is the set of parameters New needs to bring up a VM. Memory is
// allocated anonymously and mapped 1:1 into both KVM's userspace memory
// region and this engine's own EPT model, mirroring the teacher's
// single-region guest-RAM setup generalized to an arbitrary vCPU count.
type Config struct {
	MemSize        int
	NumVCPUs       int
	WatchdogPeriod time.Duration
	RecoveryOpts   recovery.Options
	IOMMU          bool
}

// VirtualMachine owns one guest's worth of memory, vCPUs, devices and
// supporting subsystems.
type VirtualMachine struct {
	log *logrus.Entry
	ext hal.VirtExtension

	mem []byte
	ept *memory.EPT

	bus        *devicebus.Registry
	dispatcher *dispatch.Dispatcher
	recovery   *recovery.Core
	iommuCtrl  *iommu.Controller

	vcpus []*vcpuThread

	phase atomic.Int32

	migMu sync.Mutex
}

type vcpuThread struct {
	id      int
	handle  hal.VCPUHandle
	state   atomic.Int32
	wd      *recovery.Watchdog
	haltMu  sync.Mutex
	haltCnd *sync.Cond
	woken   bool

	// pauseRequested is set by onWatchdogTimeout, which runs on the
	// watchdog's own timer goroutine rather than this vCPU's own thread and
	// so cannot safely pause it directly; runVCPU picks the request up at
	// its own loop boundary instead.
	pauseRequested atomic.Bool
}

// New brings up a VM: allocates guest RAM, maps its boot region into the
// EPT model, builds one vCPU per Config.NumVCPUs, and wires the dispatcher,
// device bus, recovery core and (optionally) an IOMMU controller.
// Registering guest RAM with KVM is left to the caller.
func New(log *logrus.Entry, ext hal.VirtExtension, cfg Config) (*VirtualMachine, error) {
	if cfg.NumVCPUs <= 0 {
		cfg.NumVCPUs = 1
	}

	mem, err := unix.Mmap(-1, 0, cfg.MemSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vm: allocate guest memory: %w", err)
	}

	ept := memory.New()
	if err := mapGuestMemory(ept, mem); err != nil {
		return nil, fmt.Errorf("vm: map guest memory into ept: %w", err)
	}

	vm := &VirtualMachine{
		log:        log,
		ext:        ext,
		mem:        mem,
		ept:        ept,
		bus:        devicebus.NewRegistry(),
		dispatcher: dispatch.New(),
		recovery:   recovery.New(log, cfg.RecoveryOpts),
	}

	if cfg.IOMMU {
		vm.iommuCtrl = iommu.NewController(log)
	}

	for i := 0; i < cfg.NumVCPUs; i++ {
		handle, err := ext.CreateVCPU(i)
		if err != nil {
			return nil, fmt.Errorf("vm: create vcpu %d: %w", i, err)
		}

		t := &vcpuThread{id: i, handle: handle}
		t.haltCnd = sync.NewCond(&t.haltMu)

		period := cfg.WatchdogPeriod
		if period <= 0 {
			period = 5 * time.Second
		}

		t.wd = recovery.NewWatchdog(period, vm.onWatchdogTimeout(t))

		vm.vcpus = append(vm.vcpus, t)
	}

	return vm, nil
}

const (
	guestPageSize = 4096

	// bootRegionSize is the portion of guest RAM mapped eagerly at VM
	// construction: low memory holding the BIOS/boot blob and real-mode
	// reset vector, which the vCPU touches before it can take any EPT
	// violation at all. Everything above it is left unmapped and reaches
	// the dispatcher's demand-mapping path (spec.md §4.2/§4.3) on first
	// touch, instead of being pre-faulted in.
	bootRegionSize = 1 << 20 // 1MiB
)

// mapGuestMemory installs one EPT leaf mapping per 4KiB page covering only
// the boot region at the foot of guest RAM, each backed by its own slice of
// mem, mirroring how Map's single-page contract (memory.EPT.Map) expects to
// be driven for a flat guest-RAM region. The rest of guest RAM is mapped
// lazily by the dispatcher's EPT-violation handler.
func mapGuestMemory(ept *memory.EPT, mem []byte) error {
	perm := memory.Perm{Read: true, Write: true, Exec: true}

	limit := len(mem)
	if limit > bootRegionSize {
		limit = bootRegionSize
	}

	for off := 0; off+guestPageSize <= limit; off += guestPageSize {
		if err := ept.Map(uint64(off), mem[off:off+guestPageSize], perm, false); err != nil {
			return fmt.Errorf("map page at %#x: %w", off, err)
		}
	}

	return nil
}

// Bus returns the device registry so callers can register port/MMIO/IRQ
// targets before Run starts.
func (vm *VirtualMachine) Bus() *devicebus.Registry { return vm.bus }

// EPT returns the guest memory translator, needed by a migration.Source to
// walk dirty pages and by tests that want to inspect guest RAM directly.
func (vm *VirtualMachine) EPT() *memory.EPT { return vm.ept }

// IOMMU returns the pass-through controller, or nil if Config.IOMMU was false.
func (vm *VirtualMachine) IOMMU() *iommu.Controller { return vm.iommuCtrl }

// Recovery returns the VM's exception/recovery core.
func (vm *VirtualMachine) Recovery() *recovery.Core { return vm.recovery }

func (vm *VirtualMachine) onWatchdogTimeout(t *vcpuThread) func() {
	return func() {
		decision := vm.recovery.Report(recovery.ExceptionContext{
			Kind:   recovery.KindWatchdogTimeout,
			Source: fmt.Sprintf("vcpu:%d", t.id),
		})

		vm.log.WithFields(logrus.Fields{"vcpu": t.id, "decision": decision}).Warn("watchdog fired")

		switch decision {
		case recovery.HardReset, recovery.Shutdown:
			t.state.Store(int32(StateFaulted))
			vm.phase.Store(int32(PhaseStopping))
			vm.wake(t)
		default:
			// PauseVM (the spec default) and anything else: request that the
			// vCPU pause itself at its next loop boundary rather than
			// tearing down the whole VM.
			t.pauseRequested.Store(true)
		}
	}
}

// Run starts one goroutine per vCPU, each pinned to the vCPU's exit loop,
// and blocks until every vCPU returns or ctx is cancelled. Cancellation
// sets phase=Stopping; each thread observes this at its next exit boundary
// and returns, never aborting an in-flight handler (spec.md §4.7).
func (vm *VirtualMachine) Run(ctx context.Context) error {
	vm.phase.Store(int32(PhaseRunning))

	stopOnCancel := context.AfterFunc(ctx, vm.Stop)

	g, gctx := errgroup.WithContext(ctx)

	for _, t := range vm.vcpus {
		t := t
		g.Go(func() error {
			return vm.runVCPU(gctx, t)
		})
	}

	err := g.Wait()
	stopOnCancel()
	vm.phase.Store(int32(PhaseStopped))

	for _, t := range vm.vcpus {
		t.wd.Stop()
	}

	return err
}

// Stop requests every vCPU thread to exit at its next exit boundary.
func (vm *VirtualMachine) Stop() {
	vm.phase.Store(int32(PhaseStopping))

	for _, t := range vm.vcpus {
		vm.wake(t)
	}
}

// Phase returns the current VM-wide lifecycle phase.
func (vm *VirtualMachine) Phase() Phase { return Phase(vm.phase.Load()) }

// VCPUState returns the execution state of vcpu id, or StateFaulted with
// false if id is out of range.
func (vm *VirtualMachine) VCPUState(id int) (VCPUState, bool) {
	if id < 0 || id >= len(vm.vcpus) {
		return StateFaulted, false
	}

	return VCPUState(vm.vcpus[id].state.Load()), true
}

func (vm *VirtualMachine) runVCPU(ctx context.Context, t *vcpuThread) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := vm.log.WithField("vcpu", t.id)
	t.state.Store(int32(StateRunning))

	dctx := &dispatch.Context{
		Regs:    t.handle,
		EPT:     vm.ept,
		Bus:     vm.bus,
		Log:     log,
		MemSize: uint64(len(vm.mem)),
		Inject:  t.handle.InjectEvent,
	}

	for {
		if Phase(vm.phase.Load()) != PhaseRunning {
			t.state.Store(int32(StateExited))
			return nil
		}

		if t.pauseRequested.Swap(false) {
			t.state.Store(int32(StatePaused))
		}

		if st := VCPUState(t.state.Load()); st == StateHalted || st == StatePaused {
			vm.parkUntilWoken(t)

			if Phase(vm.phase.Load()) != PhaseRunning {
				t.state.Store(int32(StateExited))
				return nil
			}

			t.state.Store(int32(StateRunning))
		}

		info, err := t.handle.EnterGuest(ctx)
		t.wd.Kick()

		if err != nil {
			decision := vm.recovery.Report(recovery.ExceptionContext{
				Kind:   recovery.KindVCPUFault,
				Source: fmt.Sprintf("vcpu:%d", t.id),
				Err:    err,
			})

			if vm.handleFault(t, decision) {
				continue
			}

			t.state.Store(int32(StateFaulted))
			return fmt.Errorf("vm: vcpu %d: %w", t.id, err)
		}

		t.state.Store(int32(StatePendingExit))

		outcome, err := vm.dispatcher.Dispatch(dctx, info)
		if err != nil {
			log.WithError(err).WithField("exit", info.Reason).Warn("exit handler error")
		}

		t.state.Store(int32(StateExited))

		switch outcome {
		case dispatch.OutcomeHalt:
			t.state.Store(int32(StateHalted))
		case dispatch.OutcomeShutdown:
			t.state.Store(int32(StateExited))
			vm.Stop()

			return nil
		case dispatch.OutcomeTripleFault:
			kind := recovery.KindVCPUFault
			if errors.Is(err, dispatch.ErrEPTOutOfRange) {
				kind = recovery.KindMemoryFault
			}

			decision := vm.recovery.Report(recovery.ExceptionContext{
				Kind:   kind,
				Source: fmt.Sprintf("vcpu:%d", t.id),
				Err:    err,
			})

			if vm.handleFault(t, decision) {
				continue
			}

			t.state.Store(int32(StateFaulted))

			return fmt.Errorf("vm: vcpu %d: triple fault: %w", t.id, err)
		default:
			t.state.Store(int32(StateRunning))
		}
	}
}

// handleFault applies a recovery Decision local to one vCPU and reports
// whether the vCPU's exit loop should continue (true) or the thread should
// terminate (false). VM-wide decisions (HardReset, Shutdown) stop the VM.
func (vm *VirtualMachine) handleFault(t *vcpuThread, decision recovery.Decision) bool {
	switch decision {
	case recovery.Ignore:
		return true
	case recovery.ResetVCPU:
		t.state.Store(int32(StateRunning))
		return true
	case recovery.PauseVM:
		// Setting the state is enough; runVCPU's loop top parks any vCPU it
		// finds in StatePaused before its next guest entry.
		t.state.Store(int32(StatePaused))
		return true
	case recovery.HardReset, recovery.Shutdown:
		vm.Stop()
		return false
	default:
		return false
	}
}

func (vm *VirtualMachine) parkUntilWoken(t *vcpuThread) {
	t.haltMu.Lock()
	for !t.woken && Phase(vm.phase.Load()) == PhaseRunning {
		t.haltCnd.Wait()
	}

	t.woken = false
	t.haltMu.Unlock()
}

func (vm *VirtualMachine) wake(t *vcpuThread) {
	t.haltMu.Lock()
	t.woken = true
	t.haltCnd.Signal()
	t.haltMu.Unlock()
}

// InjectIRQ delivers an external interrupt to vcpu id, waking it if it is
// parked in HLT.
func (vm *VirtualMachine) InjectIRQ(id int, vector uint8) error {
	if id < 0 || id >= len(vm.vcpus) {
		return fmt.Errorf("vm: inject irq: vcpu %d out of range", id)
	}

	t := vm.vcpus[id]
	if err := t.handle.InjectEvent(hal.Event{Vector: vector, Kind: hal.EventInterrupt}); err != nil {
		return fmt.Errorf("vm: inject irq: %w", err)
	}

	vm.wake(t)

	return nil
}

// PauseAll transitions every vCPU to Paused, blocking until each thread has
// observed the request. Used by the migration engine's stop-and-copy phase
// (spec.md §4.5).
func (vm *VirtualMachine) PauseAll(ctx context.Context) error {
	for _, t := range vm.vcpus {
		t.state.Store(int32(StatePaused))
	}

	vm.phase.Store(int32(PhaseStopping))

	for _, t := range vm.vcpus {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if VCPUState(t.state.Load()) == StateExited || VCPUState(t.state.Load()) == StatePaused {
				break
			}

			time.Sleep(time.Millisecond)
		}
	}

	return nil
}

// SnapshotVCPUs reads every vCPU's register state into the fixed-layout
// migration.VCPUState used by the checkpoint wire format (§6.3).
func (vm *VirtualMachine) SnapshotVCPUs() ([]migration.VCPUState, error) {
	out := make([]migration.VCPUState, 0, len(vm.vcpus))

	for _, t := range vm.vcpus {
		regs, err := t.handle.GetRegs()
		if err != nil {
			return nil, fmt.Errorf("vm: snapshot vcpu %d: %w", t.id, err)
		}

		out = append(out, registerStateToCheckpoint(regs))
	}

	return out, nil
}

// SnapshotDevices gathers every registered device's migration blob.
func (vm *VirtualMachine) SnapshotDevices() ([]migration.DeviceSnapshot, error) {
	blobs, err := vm.bus.SnapshotAll()
	if err != nil {
		return nil, err
	}

	out := make([]migration.DeviceSnapshot, 0, len(blobs))
	for id, data := range blobs {
		out = append(out, migration.DeviceSnapshot{DeviceID: id, Data: data})
	}

	return out, nil
}

// ReadMemory returns the full guest RAM backing slice for the migration
// engine's initial full-memory transfer.
func (vm *VirtualMachine) ReadMemory() []byte { return vm.mem }
