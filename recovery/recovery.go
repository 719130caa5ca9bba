// Package recovery implements the engine's error/recovery core: exception
// classification, a per-kind recovery strategy table, a bounded exception
// ring buffer, and watchdog-timer escalation (spec.md §4.6, §7).
package recovery

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind classifies the exception a component reported, the key the
// strategy table is indexed by. The 19 architecturally defined x86
// exception vectors (spec.md §4.6) are each their own Kind rather than a
// single generic bucket, since their default recovery strategies differ
// (a page fault and a machine check are not the same severity). Components
// that can't attribute a fault to a specific vector — an unrecognized exit
// reason, an emulation failure — report KindVCPUFault instead.
type Kind int

const (
	KindUnknown Kind = iota

	// x86 exception vectors, in vector-number order.
	KindDivideError                // #DE, vector 0
	KindDebug                      // #DB, vector 1
	KindNMI                        // vector 2
	KindBreakpoint                 // #BP, vector 3
	KindOverflow                   // #OF, vector 4
	KindBoundRangeExceeded         // #BR, vector 5
	KindInvalidOpcode              // #UD, vector 6
	KindDeviceNotAvailable         // #NM, vector 7
	KindDoubleFault                // #DF, vector 8
	KindCoprocessorSegmentOverrun  // #CSO, vector 9 (legacy, retained for vector completeness)
	KindInvalidTSS                 // #TS, vector 10
	KindSegmentNotPresent          // #NP, vector 11
	KindStackFault                 // #SS, vector 12
	KindGeneralProtection          // #GP, vector 13
	KindPageFault                  // #PF, vector 14
	KindFPUError                   // #MF, vector 16
	KindAlignmentCheck             // #AC, vector 17
	KindMachineCheck               // #MC, vector 18
	KindSIMDException              // #XM, vector 19

	// Synthetic kinds not tied to a vector.
	KindVCPUFault
	KindDeviceFault
	KindMemoryFault
	KindIOMMUFault
	KindMigrationFault
	KindWatchdogTimeout
	KindStateValidationFailure
)

func (k Kind) String() string {
	switch k {
	case KindDivideError:
		return "de"
	case KindDebug:
		return "db"
	case KindNMI:
		return "nmi"
	case KindBreakpoint:
		return "bp"
	case KindOverflow:
		return "of"
	case KindBoundRangeExceeded:
		return "br"
	case KindInvalidOpcode:
		return "ud"
	case KindDeviceNotAvailable:
		return "nm"
	case KindDoubleFault:
		return "df"
	case KindCoprocessorSegmentOverrun:
		return "cso"
	case KindInvalidTSS:
		return "ts"
	case KindSegmentNotPresent:
		return "np"
	case KindStackFault:
		return "ss"
	case KindGeneralProtection:
		return "gp"
	case KindPageFault:
		return "pf"
	case KindFPUError:
		return "mf"
	case KindAlignmentCheck:
		return "ac"
	case KindMachineCheck:
		return "mc"
	case KindSIMDException:
		return "xm"
	case KindVCPUFault:
		return "vcpu_fault"
	case KindDeviceFault:
		return "device_fault"
	case KindMemoryFault:
		return "memory_fault"
	case KindIOMMUFault:
		return "iommu_fault"
	case KindMigrationFault:
		return "migration_fault"
	case KindWatchdogTimeout:
		return "watchdog_timeout"
	case KindStateValidationFailure:
		return "state_validation_failure"
	default:
		return "unknown"
	}
}

// Decision is the tagged-variant outcome a recovery strategy produces.
type Decision int

const (
	Ignore Decision = iota
	ResetDevice
	ResetVCPU
	HardReset
	PauseVM
	RestoreSnapshot
	IsolateDevice
	Shutdown
)

func (d Decision) String() string {
	switch d {
	case Ignore:
		return "ignore"
	case ResetDevice:
		return "reset_device"
	case ResetVCPU:
		return "reset_vcpu"
	case HardReset:
		return "hard_reset"
	case PauseVM:
		return "pause_vm"
	case RestoreSnapshot:
		return "restore_snapshot"
	case IsolateDevice:
		return "isolate_device"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ExceptionContext is one recorded fault: what kind, where, and when.
type ExceptionContext struct {
	Kind      Kind
	Source    string // e.g. "vcpu:2", "device:virtio-blk0"
	Err       error
	Timestamp time.Time
	Attempt   int
}

// defaultStrategy is the per-kind strategy table spec.md §4.6 specifies.
// Only PF, MC, DF, UD, IOMMU-fault, watchdog-timeout and migration-failure
// are given explicit defaults there; the remaining vectors follow the same
// severity reasoning as their closest named sibling (a fault raised while
// already running guest code, without a decoded instruction to retry,
// defaults to ResetVCPU; a vector that by definition indicates corrupted
// CPU state defaults to the harsher HardReset/Shutdown).
var defaultStrategy = map[Kind]Decision{
	KindUnknown: PauseVM,

	KindDivideError:               ResetVCPU,
	KindDebug:                     ResetVCPU,
	KindNMI:                       Ignore,
	KindBreakpoint:                Ignore,
	KindOverflow:                  ResetVCPU,
	KindBoundRangeExceeded:        ResetVCPU,
	KindInvalidOpcode:             ResetVCPU, // #UD
	KindDeviceNotAvailable:        ResetVCPU,
	KindDoubleFault:               HardReset, // #DF
	KindCoprocessorSegmentOverrun: ResetVCPU,
	KindInvalidTSS:                ResetVCPU,
	KindSegmentNotPresent:         ResetVCPU,
	KindStackFault:                ResetVCPU,
	KindGeneralProtection:         ResetVCPU,
	KindPageFault:                 ResetVCPU, // #PF, guest-mode
	KindFPUError:                  ResetVCPU,
	KindAlignmentCheck:            ResetVCPU,
	KindMachineCheck:              Shutdown, // #MC
	KindSIMDException:             ResetVCPU,

	KindVCPUFault:              ResetVCPU,
	KindDeviceFault:            ResetDevice,
	KindMemoryFault:            HardReset,
	KindIOMMUFault:             IsolateDevice,
	KindMigrationFault:         Ignore, // restore source, per §4.6's "Ignore (restore source)"
	KindWatchdogTimeout:        PauseVM,
	KindStateValidationFailure: HardReset,
}

const (
	defaultRingSize       = 1024
	defaultMaxRetries     = 3
	defaultWatchdogPeriod = 5000 * time.Millisecond
	defaultBackoffBase    = 100 * time.Millisecond
)

// Options tunes the recovery core. Zero values select the spec defaults.
type Options struct {
	RingSize       int
	MaxRetries     int
	WatchdogPeriod time.Duration
	BackoffBase    time.Duration
	Strategy       map[Kind]Decision
}

func (o Options) withDefaults() Options {
	if o.RingSize <= 0 {
		o.RingSize = defaultRingSize
	}

	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}

	if o.WatchdogPeriod <= 0 {
		o.WatchdogPeriod = defaultWatchdogPeriod
	}

	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}

	if o.Strategy == nil {
		o.Strategy = defaultStrategy
	}

	return o
}

// ring is a bounded FIFO of ExceptionContext, overwriting the oldest entry
// once full.
type ring struct {
	buf  []ExceptionContext
	next int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]ExceptionContext, capacity)}
}

func (r *ring) push(e ExceptionContext) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)

	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) snapshot() []ExceptionContext {
	out := make([]ExceptionContext, r.size)

	start := (r.next - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}

	return out
}

// retryState tracks the attempt count and next allowed retry time for one
// fault source, implementing the exponential-backoff escalation (§4.6).
type retryState struct {
	attempts int
	nextAt   time.Time
}

// Core is the engine's error/recovery subsystem: one per VM.
type Core struct {
	log *logrus.Entry
	opt Options

	mu      sync.Mutex
	history *ring
	retries map[string]*retryState

	now func() time.Time
}

// New builds a Core with opt, falling back to spec defaults for zero fields.
func New(log *logrus.Entry, opt Options) *Core {
	opt = opt.withDefaults()

	return &Core{
		log:     log,
		opt:     opt,
		history: newRing(opt.RingSize),
		retries: make(map[string]*retryState),
		now:     time.Now,
	}
}

// Report records ctx and returns the Decision the strategy table and
// retry-escalation policy produce. Once a source exceeds MaxRetries at its
// base decision, the decision escalates: ResetDevice -> IsolateDevice,
// ResetVCPU -> HardReset, anything else -> Shutdown.
func (c *Core) Report(ctx ExceptionContext) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = c.now()
	}

	state, ok := c.retries[ctx.Source]
	if !ok {
		state = &retryState{}
		c.retries[ctx.Source] = state
	}

	state.attempts++
	ctx.Attempt = state.attempts

	c.history.push(ctx)

	decision := c.opt.Strategy[ctx.Kind]
	if decision == 0 && ctx.Kind != KindUnknown {
		decision = Ignore
	}

	entry := c.log.WithFields(logrus.Fields{
		"kind":    ctx.Kind,
		"source":  ctx.Source,
		"attempt": state.attempts,
	})

	if state.attempts > c.opt.MaxRetries {
		decision = escalate(decision)
		entry = entry.WithField("escalated", true)
	}

	backoff := c.opt.BackoffBase << uint(minInt(state.attempts-1, 16))
	state.nextAt = ctx.Timestamp.Add(backoff)

	entry.WithField("decision", decision).WithError(ctx.Err).Warn("recovery decision")

	return decision
}

func escalate(d Decision) Decision {
	switch d {
	case ResetDevice:
		return IsolateDevice
	case ResetVCPU:
		return HardReset
	case IsolateDevice:
		return Shutdown
	default:
		return Shutdown
	}
}

// ResetRetries clears the attempt counter for source, called once a
// recovery action has succeeded and the component is healthy again.
func (c *Core) ResetRetries(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.retries, source)
}

// History returns a copy of the recorded exceptions, oldest first.
func (c *Core) History() []ExceptionContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.history.snapshot()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
