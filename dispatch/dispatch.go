// Package dispatch implements the unified VM-exit dispatcher: a single
// exit-reason-keyed handler table that every guest exit, from any vendor
// backend, is routed through (spec.md §4.2).
package dispatch

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/nyxvmm/nyx/hal"
	"github.com/nyxvmm/nyx/memory"
)

// ErrEPTOutOfRange is wrapped into the error an EPT violation handler
// returns when the faulting address falls outside both guest RAM and every
// registered MMIO window (spec.md §4.2's "a violation outside any mapped
// region is HardReset"), letting the caller tell this apart from an
// ordinary vCPU fault it would otherwise classify as recovery.KindVCPUFault.
var ErrEPTOutOfRange = errors.New("dispatch: ept violation outside any mapped region")

// Outcome tells the vCPU scheduler what to do after a handler runs.
type Outcome int

const (
	OutcomeContinue Outcome = iota // resume guest execution
	OutcomeHalt                    // vCPU entered HLT; wait for a wake event
	OutcomeShutdown                // guest requested or triggered a full shutdown
	OutcomeTripleFault              // unrecoverable; escalate to recovery core
)

// Context is everything a handler needs: the faulting vCPU's register
// access, the guest memory translator, the device bus, and a logger
// pre-tagged with the vCPU id.
type Context struct {
	Regs RegisterAccess
	EPT  *memory.EPT
	Bus  DeviceBus
	Log  *logrus.Entry

	// MemSize bounds the guest-physical RAM range, used to tell a
	// legitimate demand-map miss inside guest RAM apart from a fault
	// against an address backed by neither RAM nor an MMIO window (§4.2).
	MemSize uint64

	Inject func(hal.Event) error
}

// RegisterAccess is the subset of hal.VCPUHandle the dispatcher needs to
// read/write guest registers while emulating an instruction.
type RegisterAccess interface {
	GetRegs() (hal.RegisterState, error)
	SetRegs(hal.RegisterState) error
}

// DeviceBus is the contract exit handlers use to reach emulated or
// passed-through devices (spec.md §6.2). Concrete device models live
// outside this module; tests use an in-memory double.
type DeviceBus interface {
	IOIn(port uint16, size int) (uint32, error)
	IOOut(port uint16, size int, value uint32) error
	MMIORead(addr uint64, size int) (uint64, error)
	MMIOWrite(addr uint64, size int, value uint64) error
	HasMMIO(addr uint64) bool
}

// Handler processes one normalized exit and decides what happens next.
type Handler func(ctx *Context, info hal.ExitInfo) (Outcome, error)

// Dispatcher routes a normalized hal.ExitInfo to the handler registered for
// its Reason. The table is fixed at construction, matching spec.md's
// "unified dispatcher" requirement that every required exit reason has
// exactly one handler.
type Dispatcher struct {
	handlers map[hal.ExitReason]Handler
}

// New builds a Dispatcher with the default handler table covering every
// exit reason spec.md §4.2 requires.
func New() *Dispatcher {
	d := &Dispatcher{handlers: make(map[hal.ExitReason]Handler)}

	d.handlers[hal.ExitCPUID] = handleUnsupported("cpuid handled at vcpu register layer")
	d.handlers[hal.ExitRDMSR] = handleUnsupported("msr handled at vcpu register layer")
	d.handlers[hal.ExitWRMSR] = handleUnsupported("msr handled at vcpu register layer")
	d.handlers[hal.ExitIOIn] = handleIO
	d.handlers[hal.ExitIOOut] = handleIO
	d.handlers[hal.ExitEPTViolation] = handleEPTViolation
	d.handlers[hal.ExitEPTMisconfig] = handleEPTMisconfig
	d.handlers[hal.ExitMMIO] = handleMMIO
	d.handlers[hal.ExitHLT] = handleHLT
	d.handlers[hal.ExitPause] = handleContinue
	d.handlers[hal.ExitExternalInterrupt] = handleContinue
	d.handlers[hal.ExitInterruptWindow] = handleInterruptWindow
	d.handlers[hal.ExitExceptionNMI] = handleExceptionNMI
	d.handlers[hal.ExitCRAccess] = handleCRAccess
	d.handlers[hal.ExitINVLPG] = handleInvlpg
	d.handlers[hal.ExitVMCall] = handleVMCall
	d.handlers[hal.ExitTripleFault] = handleTripleFault
	d.handlers[hal.ExitInit] = handleInit
	d.handlers[hal.ExitSIPI] = handleSIPI
	d.handlers[hal.ExitShutdown] = handleShutdown
	d.handlers[hal.ExitTaskSwitch] = handleUnsupported("task switch emulation")
	d.handlers[hal.ExitWBINVD] = handleContinue
	d.handlers[hal.ExitMonitor] = handleContinue
	d.handlers[hal.ExitMWait] = handleHLT
	d.handlers[hal.ExitXSetBV] = handleContinue
	d.handlers[hal.ExitRDTSC] = handleContinue
	d.handlers[hal.ExitRDTSCP] = handleContinue
	d.handlers[hal.ExitFailEntry] = handleFatal
	d.handlers[hal.ExitInternalError] = handleFatal

	return d
}

// Register overrides (or adds) the handler for a reason. Used by tests and
// by device-specific wiring that needs finer-grained CPUID/MSR emulation
// than the defaults above.
func (d *Dispatcher) Register(reason hal.ExitReason, h Handler) {
	d.handlers[reason] = h
}

// Dispatch looks up and runs the handler for info.Reason.
func (d *Dispatcher) Dispatch(ctx *Context, info hal.ExitInfo) (Outcome, error) {
	h, ok := d.handlers[info.Reason]
	if !ok {
		return OutcomeContinue, fmt.Errorf("dispatch: no handler registered for %s", info.Reason)
	}

	return h(ctx, info)
}

func handleContinue(_ *Context, _ hal.ExitInfo) (Outcome, error) {
	return OutcomeContinue, nil
}

func handleUnsupported(reason string) Handler {
	return func(ctx *Context, info hal.ExitInfo) (Outcome, error) {
		ctx.Log.WithField("exit", info.Reason).Debugf("unsupported exit path: %s", reason)
		return OutcomeContinue, nil
	}
}

func handleHLT(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	return OutcomeHalt, nil
}

func handleShutdown(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	ctx.Log.Warn("guest requested shutdown")
	return OutcomeShutdown, nil
}

func handleTripleFault(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	ctx.Log.Error("triple fault")
	return OutcomeTripleFault, nil
}

func handleFatal(ctx *Context, info hal.ExitInfo) (Outcome, error) {
	return OutcomeTripleFault, fmt.Errorf("dispatch: fatal exit %s", info.Reason)
}

func handleInterruptWindow(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	return OutcomeContinue, nil
}

func handleExceptionNMI(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	return OutcomeContinue, nil
}

func handleCRAccess(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	// CR0/CR4 writes that toggle paging or protection mode are handled by
	// re-reading sregs after entry rather than emulated in software here;
	// KVM applies the write before reporting the exit on most paths.
	return OutcomeContinue, nil
}

func handleInvlpg(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	return OutcomeContinue, nil
}

func handleVMCall(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	ctx.Log.Debug("vmcall")
	return OutcomeContinue, nil
}

func handleInit(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	return OutcomeHalt, nil
}

func handleSIPI(ctx *Context, _ hal.ExitInfo) (Outcome, error) {
	return OutcomeContinue, nil
}

func handleIO(ctx *Context, info hal.ExitInfo) (Outcome, error) {
	if info.Reason == hal.ExitIOOut {
		var val uint32
		for i := 0; i < int(info.IO.Size) && i < len(info.IO.Data); i++ {
			val |= uint32(info.IO.Data[i]) << (8 * i)
		}

		if err := ctx.Bus.IOOut(info.IO.Port, int(info.IO.Size), val); err != nil {
			return OutcomeContinue, fmt.Errorf("dispatch: io out port=%#x: %w", info.IO.Port, err)
		}

		return OutcomeContinue, nil
	}

	val, err := ctx.Bus.IOIn(info.IO.Port, int(info.IO.Size))
	if err != nil {
		return OutcomeContinue, fmt.Errorf("dispatch: io in port=%#x: %w", info.IO.Port, err)
	}

	for i := 0; i < int(info.IO.Size) && i < len(info.IO.Data); i++ {
		info.IO.Data[i] = byte(val >> (8 * i))
	}

	return OutcomeContinue, nil
}

func handleMMIO(ctx *Context, info hal.ExitInfo) (Outcome, error) {
	if info.MMIO.IsWrite {
		var val uint64
		for i, b := range info.MMIO.Data {
			val |= uint64(b) << (8 * i)
		}

		if err := ctx.Bus.MMIOWrite(info.MMIO.PhysAddr, len(info.MMIO.Data), val); err != nil {
			return OutcomeContinue, fmt.Errorf("dispatch: mmio write addr=%#x: %w", info.MMIO.PhysAddr, err)
		}

		return OutcomeContinue, nil
	}

	val, err := ctx.Bus.MMIORead(info.MMIO.PhysAddr, len(info.MMIO.Data))
	if err != nil {
		return OutcomeContinue, fmt.Errorf("dispatch: mmio read addr=%#x: %w", info.MMIO.PhysAddr, err)
	}

	for i := range info.MMIO.Data {
		info.MMIO.Data[i] = byte(val >> (8 * i))
	}

	return OutcomeContinue, nil
}

// handleEPTViolation classifies a guest-physical fault by its qualification
// bits (spec.md §4.2, §4.3). A not-present fault (PresentViolation) inside a
// DeviceBus-backed MMIO range is forwarded as an MMIO access; a not-present
// fault inside backed guest RAM is a demand-map event, satisfied by mapping
// a fresh zero page; a not-present fault at or beyond MemSize (when MemSize
// is set) is outside any mapped region and fatal. A fault that carries a
// permission bit (the page is mapped but the attempted access doesn't match
// its PTE, e.g. a write-protected page during precopy) marks the page dirty
// here when the access was a write, and the guest resumes.
func handleEPTViolation(ctx *Context, info hal.ExitInfo) (Outcome, error) {
	gpa := info.EPTFault.GuestPhysAddr

	log := ctx.Log.WithFields(logrus.Fields{
		"gpa":               gpa,
		"present_violation": info.EPTFault.PresentViolation,
	})

	if !info.EPTFault.PresentViolation {
		log.Debug("ept permission violation")

		if info.EPTFault.Write {
			ctx.EPT.MarkDirty(gpa)
		}

		return OutcomeContinue, nil
	}

	if ctx.Bus.HasMMIO(gpa) {
		log.Debug("ept violation forwarded to device bus")

		// No instruction decode is wired up to recover the guest's actual
		// access width here (unlike ExitMMIO, whose union KVM already
		// populates with the decoded size); a dword access is assumed.
		const width = 4

		if info.EPTFault.Write {
			if err := ctx.Bus.MMIOWrite(gpa, width, 0); err != nil {
				return OutcomeTripleFault, fmt.Errorf("dispatch: mmio write addr=%#x: %w", gpa, err)
			}

			return OutcomeContinue, nil
		}

		if _, err := ctx.Bus.MMIORead(gpa, width); err != nil {
			return OutcomeTripleFault, fmt.Errorf("dispatch: mmio read addr=%#x: %w", gpa, err)
		}

		return OutcomeContinue, nil
	}

	if ctx.MemSize != 0 && gpa >= ctx.MemSize {
		return OutcomeTripleFault, fmt.Errorf("%w: gpa=%#x", ErrEPTOutOfRange, gpa)
	}

	perm := memory.Perm{Read: true, Write: true, Exec: true}

	if err := ctx.EPT.MapZeroPage(gpa, perm); err != nil {
		return OutcomeTripleFault, fmt.Errorf("dispatch: demand-map addr=%#x: %w", gpa, err)
	}

	log.Debug("ept not-present fault demand-mapped")

	return OutcomeContinue, nil
}

func handleEPTMisconfig(ctx *Context, info hal.ExitInfo) (Outcome, error) {
	return OutcomeTripleFault, fmt.Errorf("dispatch: ept misconfiguration at gpa=%#x", info.EPTFault.GuestPhysAddr)
}

// decodeInstruction decodes the instruction at rip from code for handlers
// that need operand width/register resolution (e.g. emulating an MMIO
// access whose size isn't already known from the exit qualification).
func decodeInstruction(code []byte, mode int) (x86asm.Inst, error) {
	return x86asm.Decode(code, mode)
}
