package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nyxvmm/nyx/memory"
)

// ResumeMode selects how the destination starts the migrated VM (§4.5).
// The spec leaves the choice open; the engine exposes it as configuration
// rather than hardcoding one, defaulting to full postcopy since it is the
// simpler, lower-risk mode.
type ResumeMode int

const (
	ResumeFullPostcopy ResumeMode = iota
	ResumeDemandPage
)

const (
	defaultMaxIterations   = 10
	defaultDirtyThreshold  = 0.01 // 1% of total pages
	pageSize               = 4096
)

// Options tunes one migration attempt.
type Options struct {
	MaxIterations  int
	DirtyThreshold float64
	ResumeMode     ResumeMode
	BackoffBase    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}

	if o.DirtyThreshold <= 0 {
		o.DirtyThreshold = defaultDirtyThreshold
	}

	if o.BackoffBase <= 0 {
		o.BackoffBase = 100 * time.Millisecond
	}

	return o
}

// Source is the sending side of a migration: it owns the guest's EPT and a
// PauseFunc/vCPU-state accessor pair provided by the vm package so this
// package does not need to import it.
type Source struct {
	log *logrus.Entry
	opt Options

	id uuid.UUID

	ept    *memory.EPT
	sender *Sender

	// PauseVCPUs transitions every vCPU to Paused (§4.5 stop-and-copy).
	PauseVCPUs func(ctx context.Context) error
	// SnapshotVCPUs returns every vCPU's fixed-layout state (§6.3).
	SnapshotVCPUs func() ([]VCPUState, error)
	// SnapshotDevices returns each attached device's DeviceBus.snapshot() blob.
	SnapshotDevices func() ([]DeviceSnapshot, error)
	// ReadMemory returns the full guest RAM backing bytes.
	ReadMemory func() []byte
	// Now stamps checkpoint timestamps; overridable in tests.
	Now func() time.Time
}

// NewSource builds a migration Source writing to sender.
func NewSource(log *logrus.Entry, ept *memory.EPT, sender *Sender, opt Options, id uuid.UUID) *Source {
	return &Source{log: log.WithField("migration_id", id), opt: opt.withDefaults(), ept: ept, sender: sender, id: id, Now: time.Now}
}

// IterationResult records one precopy round's outcome, used both to drive
// the convergence decision and for observability.
type IterationResult struct {
	DirtyPages int
	DirtyRate  float64
}

// Run executes the full three-phase protocol: precopy until convergence,
// then stop-and-copy, then sends MsgDone (see resume).
func (s *Source) Run(ctx context.Context) error {
	mem := s.ReadMemory()
	totalPages := len(mem) / pageSize

	if err := s.sendFullMemory(mem); err != nil {
		return err
	}

	if err := s.precopy(ctx, totalPages); err != nil {
		return fmt.Errorf("migration: precopy: %w", err)
	}

	if err := s.stopAndCopy(ctx); err != nil {
		return fmt.Errorf("migration: stop-and-copy: %w", err)
	}

	return s.resume(ctx)
}

func (s *Source) sendFullMemory(mem []byte) error {
	return retry(s.opt.BackoffBase, 3, func() error {
		return s.sender.SendMemoryFull(mem)
	})
}

// precopy runs §4.5's iterative dirty-page transfer, stopping on whichever
// of the three conditions is met first.
func (s *Source) precopy(ctx context.Context, totalPages int) error {
	prevDirty := 0
	failedToDecrease := 0
	prevRate := 1.0

	for iter := 0; iter < s.opt.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dirtyFrames := s.ept.DirtyPages()
		s.ept.ClearDirty()

		n := len(dirtyFrames)

		rate := 1.0
		if prevDirty != 0 {
			rate = float64(n) / float64(prevDirty)
		}

		s.log.WithFields(logrus.Fields{"iteration": iter, "dirty_pages": n, "dirty_rate": rate}).Debug("precopy iteration")

		if n > 0 {
			if err := s.sendDirtyPages(dirtyFrames); err != nil {
				return err
			}
		}

		if float64(n) < float64(totalPages)*s.opt.DirtyThreshold {
			return nil
		}

		if rate >= prevRate {
			failedToDecrease++
			if failedToDecrease >= 2 {
				return nil
			}
		} else {
			failedToDecrease = 0
		}

		prevDirty = n
		prevRate = rate
	}

	return nil
}

func (s *Source) sendDirtyPages(frames []uint64) error {
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })

	var bitmap, data []byte
	for _, f := range frames {
		page, err := s.ept.Translate(f<<12, memory.Perm{Read: true})
		if err != nil {
			continue // page was unmapped since being marked dirty; destination keeps its prior copy
		}

		for uint64(len(bitmap)) <= f/8 {
			bitmap = append(bitmap, 0)
		}

		bitmap[f/8] |= 1 << (f % 8)
		data = append(data, page[:min(len(page), pageSize)]...)
	}

	return retry(s.opt.BackoffBase, 3, func() error {
		return s.sender.SendMemoryDirty(bitmap, data)
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}

	return b
}

// stopAndCopy pauses every vCPU, serializes final state, and emits the
// checkpoint record.
func (s *Source) stopAndCopy(ctx context.Context) error {
	if err := s.PauseVCPUs(ctx); err != nil {
		return fmt.Errorf("pause vcpus: %w", err)
	}

	remaining := s.ept.DirtyPages()
	if len(remaining) > 0 {
		if err := s.sendDirtyPages(remaining); err != nil {
			return err
		}

		s.ept.ClearDirty()
	}

	vcpus, err := s.SnapshotVCPUs()
	if err != nil {
		return fmt.Errorf("snapshot vcpus: %w", err)
	}

	devices, err := s.SnapshotDevices()
	if err != nil {
		return fmt.Errorf("snapshot devices: %w", err)
	}

	cp := &Checkpoint{
		Header: Header{
			Version:     CurrentVersion,
			TimestampNS: uint64(s.Now().UnixNano()),
		},
		VCPUs:   vcpus,
		Devices: devices,
	}

	if err := s.sender.SendCheckpoint(cp); err != nil {
		return fmt.Errorf("send checkpoint: %w", err)
	}

	return nil
}

func (s *Source) resume(ctx context.Context) error {
	if err := s.sender.SendDone(); err != nil {
		return fmt.Errorf("send done: %w", err)
	}

	if s.opt.ResumeMode == ResumeDemandPage {
		// Demand-page resume: the source serves no page-in requests after
		// MsgDone; nothing in the module sends them.
		return nil
	}

	// Full postcopy: the source does not wait for a MsgReady
	// acknowledgment; Run returns as soon as MsgDone is written.
	return nil
}

// retry applies exponential backoff (§4.5 failure semantics for precopy
// network failures) around fn, giving up after maxAttempts.
func retry(base time.Duration, maxAttempts int, fn func() error) error {
	var err error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		time.Sleep(base << uint(attempt))
	}

	return fmt.Errorf("migration: exhausted %d retries: %w", maxAttempts, err)
}

// Destination is the receiving side of a migration.
type Destination struct {
	log *logrus.Entry

	receiver *Receiver

	// ApplyMemoryFull installs the full initial memory copy.
	ApplyMemoryFull func(data []byte) error
	// ApplyDirtyPages patches in pages named by bitmap/data.
	ApplyDirtyPages func(bitmap, data []byte) error
	// Restore installs the final vCPU/device state from the checkpoint; Run
	// returns once it does and does not start the VM.
	Restore func(cp *Checkpoint) error
}

// NewDestination builds a migration Destination reading from receiver.
func NewDestination(log *logrus.Entry, receiver *Receiver) *Destination {
	return &Destination{log: log, receiver: receiver}
}

// Run drains messages until MsgDone, applying memory and, on MsgCheckpoint,
// restoring final state.
func (d *Destination) Run() error {
	var cp *Checkpoint

	for {
		t, payload, err := d.receiver.Next()
		if err != nil {
			return fmt.Errorf("migration: receive: %w", err)
		}

		switch t {
		case MsgMemoryFull:
			if err := d.ApplyMemoryFull(payload); err != nil {
				return fmt.Errorf("apply full memory: %w", err)
			}

		case MsgMemoryDirty:
			bitmap, data, err := DecodeDirtyPayload(payload)
			if err != nil {
				return err
			}

			if err := d.ApplyDirtyPages(bitmap, data); err != nil {
				return fmt.Errorf("apply dirty pages: %w", err)
			}

		case MsgCheckpoint:
			cp, err = DecodeCheckpoint(payload)
			if err != nil {
				return err
			}

		case MsgDone:
			if cp == nil {
				return fmt.Errorf("migration: MsgDone received before checkpoint")
			}

			return d.Restore(cp)
		}
	}
}
