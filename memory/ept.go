// Package memory implements the engine's two-dimensional memory subsystem:
// a software model of a 4-level extended/nested page table (EPT/NPT) over
// guest-physical addresses, with dirty-page tracking for live migration.
//
// KVM does not expose its in-kernel EPT/NPT walk to userspace, so this
// package models the same radix-tree structure directly over the Go byte
// slice backing a guest memory slot. The model is deliberately identical in
// shape to the hardware structure (§6.4-style PTE bit layout, 4 levels,
// 512 entries per level, 4KiB and 2MiB leaf sizes) so that translate/fault
// behavior is testable without root or /dev/kvm access, per spec.md's
// testability requirement for the memory subsystem.
package memory

import (
	"errors"
	"fmt"
	"sync"
)

const (
	pageShift     = 12
	pageSize      = 1 << pageShift
	hugePageShift = 21
	hugePageSize  = 1 << hugePageShift

	entriesPerLevel = 512
	levelBits       = 9
)

// PTE bit layout, modeled directly on the Intel EPT / AMD NPT entry format.
const (
	PTEPresent    uint64 = 1 << 0
	PTEWritable   uint64 = 1 << 1
	PTEUser       uint64 = 1 << 2 // execute-for-supervisor bit on EPT; kept as "user" for readability
	PTEHugePage   uint64 = 1 << 7
	PTEExecDisable uint64 = 1 << 63

	pfnMask = 0x000F_FFFF_FFFF_F000 // bits 12-51
)

var (
	ErrNotPresent  = errors.New("memory: page not present")
	ErrMisaligned  = errors.New("memory: address not page-aligned")
	ErrOutOfRange  = errors.New("memory: guest physical address out of range")
)

// Perm is the access permission requested of a translation.
type Perm struct {
	Read, Write, Exec bool
}

// FaultKind classifies why Translate failed, mirroring the EPT violation
// qualification bits the dispatcher needs to distinguish a true access
// violation (§4.2 ExitEPTViolation) from a misconfigured entry
// (§4.2 ExitEPTMisconfig).
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultNotPresent
	FaultPermission
	FaultMisconfig
)

// Fault describes a failed translation.
type Fault struct {
	Kind FaultKind
	GPA  uint64
	Want Perm
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory: fault at gpa=0x%x kind=%d", f.GPA, f.Kind)
}

type pageTable [entriesPerLevel]uint64

// EPT is a 4-level extended page table plus the dirty bitmap and generation
// counter spec.md §4.3/§8 require for migration and the monotonicity
// property of dirty tracking.
type EPT struct {
	mu sync.RWMutex

	pml4 *pageTable

	// backing maps a page-frame-number to its host-memory-backed leaf page.
	// In a real EPT this would be machine physical memory; here it is the
	// software model's notion of "host memory" behind each guest frame.
	backing map[uint64][]byte

	dirty      map[uint64]struct{}
	generation uint64

	tlbGeneration uint64

	// tableRegistry addresses Go-allocated page-table nodes by a synthetic
	// "physical" id, since this is a software model with no real physical
	// address space to point PTEs at. It is per-EPT: every access already
	// happens under mu, so no separate lock is needed.
	tableRegistry map[uint64]*pageTable
	nextTableID   uint64
}

// New returns an empty EPT with no mappings.
func New() *EPT {
	return &EPT{
		pml4:          &pageTable{},
		backing:       make(map[uint64][]byte),
		dirty:         make(map[uint64]struct{}),
		tableRegistry: make(map[uint64]*pageTable),
		nextTableID:   pageSize,
	}
}

func align(addr uint64, shift uint) bool { return addr&((1<<shift)-1) == 0 }

func indices(gpa uint64) (pml4i, pdpti, pdi, pti uint64) {
	pml4i = (gpa >> 39) & (entriesPerLevel - 1)
	pdpti = (gpa >> 30) & (entriesPerLevel - 1)
	pdi = (gpa >> 21) & (entriesPerLevel - 1)
	pti = (gpa >> 12) & (entriesPerLevel - 1)

	return
}

func pfnOf(entry uint64) uint64 { return entry & pfnMask }

// tableFor walks to (and optionally allocates) the leaf-level page table
// covering gpa. It never allocates the huge-page leaf itself.
func (e *EPT) tableFor(gpa uint64, alloc bool) (*pageTable, uint64, error) {
	pml4i, pdpti, pdi, pti := indices(gpa)

	walk := func(t *pageTable, idx uint64) (*pageTable, error) {
		entry := t[idx]
		if entry&PTEPresent == 0 {
			if !alloc {
				return nil, ErrNotPresent
			}

			id, next := e.allocTable()
			t[idx] = id&pfnMask | PTEPresent | PTEWritable
			return next, nil
		}

		return e.tableAt(pfnOf(entry)), nil
	}

	pdpt, err := walk(e.pml4, pml4i)
	if err != nil {
		return nil, pti, err
	}

	pd, err := walk(pdpt, pdpti)
	if err != nil {
		return nil, pti, err
	}

	if pd[pdi]&PTEHugePage != 0 {
		return nil, pti, &Fault{Kind: FaultMisconfig, GPA: gpa}
	}

	pt, err := walk(pd, pdi)
	if err != nil {
		return nil, pti, err
	}

	return pt, pti, nil
}

// allocTable allocates a new page-table node and returns its synthetic
// table-physaddr id alongside the node itself. Callers hold e.mu.
func (e *EPT) allocTable() (uint64, *pageTable) {
	id := e.nextTableID
	e.nextTableID += uint64(pageSize) // keep ids page-aligned like real table physaddrs

	next := &pageTable{}
	e.tableRegistry[id] = next

	return id, next
}

func (e *EPT) tableAt(id uint64) *pageTable {
	return e.tableRegistry[id]
}

// Map installs a 4KiB (or, if huge is true, 2MiB) leaf mapping for gpa,
// backed by page. perm controls the PTE's writable/exec-disable bits.
func (e *EPT) Map(gpa uint64, page []byte, perm Perm, huge bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	shift := uint(pageShift)
	if huge {
		shift = hugePageShift
	}

	if !align(gpa, shift) {
		return fmt.Errorf("%w: gpa=0x%x", ErrMisaligned, gpa)
	}

	flags := PTEPresent
	if perm.Write {
		flags |= PTEWritable
	}

	if !perm.Exec {
		flags |= PTEExecDisable
	}

	frame := gpa >> pageShift
	e.backing[frame] = page

	if huge {
		_, pdpti, pdi, _ := indices(gpa)
		pml4i, _, _, _ := indices(gpa)

		pdpt, err := e.walkAlloc(e.pml4, pml4i)
		if err != nil {
			return err
		}

		pd, err := e.walkAlloc(pdpt, pdpti)
		if err != nil {
			return err
		}

		pd[pdi] = frame<<pageShift&pfnMask | flags | PTEHugePage
		return nil
	}

	pt, pti, err := e.tableFor(gpa, true)
	if err != nil {
		return err
	}

	pt[pti] = frame<<pageShift&pfnMask | flags

	return nil
}

// MapZeroPage satisfies a not-present EPT violation against backed guest
// RAM by allocating a fresh zero-filled page and mapping it at gpa's
// containing frame (spec.md §4.2/§4.3's demand-map event). The page is
// marked dirty immediately: the guest is about to populate it, and a
// migration round started before this fault must re-transfer it.
func (e *EPT) MapZeroPage(gpa uint64, perm Perm) error {
	frame := gpa &^ (pageSize - 1)

	page := make([]byte, pageSize)
	if err := e.Map(frame, page, perm, false); err != nil {
		return fmt.Errorf("memory: demand-map zero page at %#x: %w", frame, err)
	}

	e.MarkDirty(frame)

	return nil
}

func (e *EPT) walkAlloc(t *pageTable, idx uint64) (*pageTable, error) {
	entry := t[idx]
	if entry&PTEPresent == 0 {
		id, next := e.allocTable()
		t[idx] = id&pfnMask | PTEPresent | PTEWritable
		return next, nil
	}

	return e.tableAt(pfnOf(entry)), nil
}

// Translate walks the table for gpa and returns the backing host buffer
// slice for that page, checking perm against the PTE flags. It is the
// sole translation entry point the EPT-violation invariant (§8) is
// specified against: every successful Translate must agree with the last
// Map for that address.
func (e *EPT) Translate(gpa uint64, perm Perm) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var entry uint64

	offMask := uint64(pageSize - 1)

	pt, pti, err := e.tableFor(gpa, false)
	if err != nil {
		var fault *Fault
		if !errors.As(err, &fault) {
			return nil, &Fault{Kind: FaultNotPresent, GPA: gpa, Want: perm}
		}

		// tableFor stops at a huge-page PD entry; that entry is the 2MiB leaf.
		pml4i, pdpti, pdi, _ := indices(gpa)
		pd := e.tableAt(pfnOf(e.tableAt(pfnOf(e.pml4[pml4i]))[pdpti]))
		if pd[pdi]&PTEHugePage == 0 {
			return nil, fault
		}

		entry, offMask = pd[pdi], hugePageSize-1
	} else {
		entry = pt[pti]
	}

	if entry&PTEPresent == 0 {
		return nil, &Fault{Kind: FaultNotPresent, GPA: gpa, Want: perm}
	}

	if perm.Write && entry&PTEWritable == 0 {
		return nil, &Fault{Kind: FaultPermission, GPA: gpa, Want: perm}
	}

	if perm.Exec && entry&PTEExecDisable != 0 {
		return nil, &Fault{Kind: FaultPermission, GPA: gpa, Want: perm}
	}

	frame := pfnOf(entry) >> pageShift

	buf, ok := e.backing[frame]
	if !ok {
		return nil, &Fault{Kind: FaultMisconfig, GPA: gpa}
	}

	off := gpa & offMask

	return buf[off:], nil
}

// Unmap removes the leaf mapping for gpa, invalidating any cached
// translation the caller must now treat as stale.
func (e *EPT) Unmap(gpa uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pt, pti, err := e.tableFor(gpa, false)
	if err != nil {
		return err
	}

	pt[pti] = 0
	delete(e.backing, gpa>>pageShift)
	e.tlbGeneration++

	return nil
}

// MarkDirty records gpa's containing page as dirty at the EPT's current
// migration generation. Monotonicity (§8): a page marked dirty stays in
// the bitmap until ClearDirty advances the generation.
func (e *EPT) MarkDirty(gpa uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dirty[gpa>>pageShift] = struct{}{}
}

// DirtyPages returns the set of dirty guest frame numbers at the current
// generation, without clearing them.
func (e *EPT) DirtyPages() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frames := make([]uint64, 0, len(e.dirty))
	for f := range e.dirty {
		frames = append(frames, f)
	}

	return frames
}

// ClearDirty empties the dirty set and advances the generation counter,
// the boundary between one precopy round and the next (§4.5).
func (e *EPT) ClearDirty() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dirty = make(map[uint64]struct{})
	e.generation++

	return e.generation
}

func (e *EPT) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.generation
}
