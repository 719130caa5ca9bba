package dispatch

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nyxvmm/nyx/hal"
	"github.com/nyxvmm/nyx/memory"
)

type fakeBus struct {
	ioValues map[uint16]uint32
	outCalls map[uint16]uint32

	mmioBase, mmioSize uint64
	mmioReads          []uint64
	mmioWrites         []uint64
}

func newFakeBus() *fakeBus {
	return &fakeBus{ioValues: map[uint16]uint32{}, outCalls: map[uint16]uint32{}}
}

func (b *fakeBus) IOIn(port uint16, size int) (uint32, error) { return b.ioValues[port], nil }

func (b *fakeBus) IOOut(port uint16, size int, value uint32) error {
	b.outCalls[port] = value
	return nil
}

func (b *fakeBus) MMIORead(addr uint64, size int) (uint64, error) {
	b.mmioReads = append(b.mmioReads, addr)
	return 0, nil
}

func (b *fakeBus) MMIOWrite(addr uint64, size int, value uint64) error {
	b.mmioWrites = append(b.mmioWrites, addr)
	return nil
}

func (b *fakeBus) HasMMIO(addr uint64) bool {
	return b.mmioSize != 0 && addr >= b.mmioBase && addr < b.mmioBase+b.mmioSize
}

func newTestContext(bus DeviceBus) *Context {
	return &Context{
		EPT: memory.New(),
		Bus: bus,
		Log: logrus.NewEntry(logrus.New()),
	}
}

func TestDispatchIOOut(t *testing.T) {
	d := New()
	bus := newFakeBus()
	ctx := newTestContext(bus)

	info := hal.ExitInfo{Reason: hal.ExitIOOut}
	info.IO.Port = 0x3f8
	info.IO.Size = 1
	info.IO.Data = []byte{'A'}

	outcome, err := d.Dispatch(ctx, info)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}

	if bus.outCalls[0x3f8] != 'A' {
		t.Fatalf("IOOut port 0x3f8 = %#x, want 'A'", bus.outCalls[0x3f8])
	}
}

func TestDispatchHLT(t *testing.T) {
	d := New()
	ctx := newTestContext(newFakeBus())

	outcome, err := d.Dispatch(ctx, hal.ExitInfo{Reason: hal.ExitHLT})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if outcome != OutcomeHalt {
		t.Fatalf("outcome = %v, want OutcomeHalt", outcome)
	}
}

// TestDispatchEPTViolationMarksDirty exercises a permission violation: the
// page is already mapped (PresentViolation left at its zero value), and the
// attempted write doesn't match the PTE, e.g. a write-protected page during
// precopy. The fault is surfaced as a dirty mark, not a demand-map.
func TestDispatchEPTViolationMarksDirty(t *testing.T) {
	d := New()
	ctx := newTestContext(newFakeBus())

	info := hal.ExitInfo{Reason: hal.ExitEPTViolation}
	info.EPTFault.GuestPhysAddr = 0x5000
	info.EPTFault.Write = true

	if _, err := d.Dispatch(ctx, info); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	dirty := ctx.EPT.DirtyPages()
	if len(dirty) != 1 || dirty[0] != 0x5000>>12 {
		t.Fatalf("DirtyPages = %v, want [0x5]", dirty)
	}
}

// TestDispatchEPTViolationDemandMaps exercises a not-present fault against
// backed guest RAM (no device claims the address): the memory subsystem
// must allocate and map a zero page so a re-entry at the same address
// succeeds, and the freshly mapped frame appears in DirtyPages (spec.md
// literal scenario S3).
func TestDispatchEPTViolationDemandMaps(t *testing.T) {
	d := New()
	ctx := newTestContext(newFakeBus())

	info := hal.ExitInfo{Reason: hal.ExitEPTViolation}
	info.EPTFault.GuestPhysAddr = 0x7000
	info.EPTFault.Write = true
	info.EPTFault.PresentViolation = true

	outcome, err := d.Dispatch(ctx, info)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}

	page, err := ctx.EPT.Translate(0x7000, memory.Perm{Read: true})
	if err != nil {
		t.Fatalf("Translate after demand-map: %v", err)
	}

	for i, b := range page[:16] {
		if b != 0 {
			t.Fatalf("demand-mapped page not zeroed at byte %d: %#x", i, b)
		}
	}

	dirty := ctx.EPT.DirtyPages()
	if len(dirty) != 1 || dirty[0] != 0x7000>>12 {
		t.Fatalf("DirtyPages = %v, want [0x7]", dirty)
	}
}

// TestDispatchEPTViolationForwardsMMIO exercises a not-present fault whose
// address falls inside a registered MMIO range: it must be forwarded to
// DeviceBus rather than demand-mapped.
func TestDispatchEPTViolationForwardsMMIO(t *testing.T) {
	d := New()
	bus := newFakeBus()
	bus.mmioBase, bus.mmioSize = 0xfee00000, 0x1000
	ctx := newTestContext(bus)

	info := hal.ExitInfo{Reason: hal.ExitEPTViolation}
	info.EPTFault.GuestPhysAddr = 0xfee00010
	info.EPTFault.Write = false
	info.EPTFault.Read = true
	info.EPTFault.PresentViolation = true

	outcome, err := d.Dispatch(ctx, info)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if outcome != OutcomeContinue {
		t.Fatalf("outcome = %v, want OutcomeContinue", outcome)
	}

	if len(bus.mmioReads) != 1 || bus.mmioReads[0] != 0xfee00010 {
		t.Fatalf("mmioReads = %v, want [0xfee00010]", bus.mmioReads)
	}

	if _, err := ctx.EPT.Translate(0xfee00010, memory.Perm{Read: true}); err == nil {
		t.Fatal("expected Translate to still fail: MMIO-owned gpa must not be demand-mapped into the EPT")
	}
}

// TestDispatchEPTViolationOutOfRangeFaults exercises a not-present fault at
// an address beyond the configured guest RAM and outside any MMIO window:
// spec.md classifies this as fatal (HardReset), not a demand-map candidate.
func TestDispatchEPTViolationOutOfRangeFaults(t *testing.T) {
	d := New()
	ctx := newTestContext(newFakeBus())
	ctx.MemSize = 0x8000

	info := hal.ExitInfo{Reason: hal.ExitEPTViolation}
	info.EPTFault.GuestPhysAddr = 0x9000
	info.EPTFault.Read = true
	info.EPTFault.PresentViolation = true

	outcome, err := d.Dispatch(ctx, info)
	if outcome != OutcomeTripleFault {
		t.Fatalf("outcome = %v, want OutcomeTripleFault", outcome)
	}

	if !errors.Is(err, ErrEPTOutOfRange) {
		t.Fatalf("err = %v, want ErrEPTOutOfRange", err)
	}
}

func TestDispatchUnknownReasonErrors(t *testing.T) {
	d := New()
	ctx := newTestContext(newFakeBus())

	if _, err := d.Dispatch(ctx, hal.ExitInfo{Reason: hal.ExitUnknown}); err == nil {
		t.Fatalf("Dispatch(ExitUnknown) succeeded, want error (no handler registered)")
	}
}

func TestDispatchShutdown(t *testing.T) {
	d := New()
	ctx := newTestContext(newFakeBus())

	outcome, err := d.Dispatch(ctx, hal.ExitInfo{Reason: hal.ExitShutdown})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if outcome != OutcomeShutdown {
		t.Fatalf("outcome = %v, want OutcomeShutdown", outcome)
	}
}
