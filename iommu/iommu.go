// Package iommu implements the IOMMU-backed device pass-through layer:
// per-device translation domains, a 4-level IOMMU page table (§6.4),
// interrupt remapping, and fault-driven quarantine of misbehaving
// pass-through devices (spec.md §4.4).
package iommu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode is a domain's isolation mode.
type Mode int

const (
	ModeStrict    Mode = iota // every DMA address must be explicitly mapped
	ModeShared                // devices attached to the domain share its page table; translation is as in ModeStrict
	ModeUnmanaged             // device has direct unmapped access (debug/passthrough-all)
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeShared:
		return "shared"
	case ModeUnmanaged:
		return "unmanaged"
	default:
		return "unknown"
	}
}

// BDF identifies a PCI device by bus:device.function.
type BDF struct {
	Bus, Device, Function uint8
}

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus, b.Device, b.Function)
}

func (b BDF) key() uint16 {
	return uint16(b.Bus)<<8 | uint16(b.Device)<<3 | uint16(b.Function)
}

// IOMMU PTE bit layout (§6.4), mirroring the shape of memory.PTE* but over
// an independent page table keyed by I/O virtual address rather than
// guest-physical address.
const (
	ioPTEPresent  uint64 = 1 << 0
	ioPTEWritable uint64 = 1 << 1
	ioPTEReadable uint64 = 1 << 2

	ioPFNMask = 0x000F_FFFF_FFFF_F000
)

var (
	ErrNotMapped       = errors.New("iommu: iova not mapped")
	ErrQuarantined      = errors.New("iommu: device quarantined")
	ErrDomainMismatch  = errors.New("iommu: device bound to a different domain")
)

type ioPageTable [512]uint64

// Domain is an isolation boundary: a set of devices sharing one page table
// and one Mode.
type Domain struct {
	ID   string
	Mode Mode

	mu      sync.RWMutex
	pml4    *ioPageTable
	devices map[uint16]*PassThroughDevice

	eject chan EjectEvent
}

// NewDomain creates an empty translation domain.
func NewDomain(id string, mode Mode) *Domain {
	return &Domain{
		ID:      id,
		Mode:    mode,
		pml4:    &ioPageTable{},
		devices: make(map[uint16]*PassThroughDevice),
		eject:   make(chan EjectEvent, 16),
	}
}

// EjectEvent is published when a pass-through device is quarantined and
// detached from its domain, the hotplug-style removal notification toward
// the guest spec.md §4.4's failure semantics call for.
type EjectEvent struct {
	BDF       BDF
	DomainID  string
	Timestamp time.Time
}

// Eject returns the channel hotplug-eject notifications are published on.
// The channel is buffered; a consumer that falls behind sees notifications
// dropped rather than stalling the IOMMU fault path.
func (d *Domain) Eject() <-chan EjectEvent { return d.eject }

func (d *Domain) publishEject(ev EjectEvent) {
	select {
	case d.eject <- ev:
	default:
	}
}

// Attached reports whether bdf is currently bound into the domain.
func (d *Domain) Attached(bdf BDF) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.devices[bdf.key()]

	return ok
}

func indices(iova uint64) (a, b, c, d uint64) {
	a = (iova >> 39) & 511
	b = (iova >> 30) & 511
	c = (iova >> 21) & 511
	d = (iova >> 12) & 511

	return
}

// registry mirrors memory.EPT's synthetic table-physaddr registry: this is
// a software model, so page-table nodes are addressed by a registry id
// rather than a real IOMMU physical address.
var (
	registry   = map[uint64]*ioPageTable{}
	registryMu sync.Mutex
	nextID     uint64 = 4096
)

func register(t *ioPageTable) uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()

	id := nextID
	nextID += 4096
	registry[id] = t

	return id
}

func lookup(id uint64) *ioPageTable {
	registryMu.Lock()
	defer registryMu.Unlock()

	return registry[id]
}

func (d *Domain) walk(iova uint64, alloc bool) (*ioPageTable, uint64, error) {
	a, b, c, leaf := indices(iova)

	step := func(t *ioPageTable, idx uint64) (*ioPageTable, error) {
		e := t[idx]
		if e&ioPTEPresent == 0 {
			if !alloc {
				return nil, ErrNotMapped
			}

			next := &ioPageTable{}
			id := register(next)
			t[idx] = id&ioPFNMask | ioPTEPresent | ioPTEWritable
			return next, nil
		}

		return lookup(e & ioPFNMask), nil
	}

	l2, err := step(d.pml4, a)
	if err != nil {
		return nil, leaf, err
	}

	l3, err := step(l2, b)
	if err != nil {
		return nil, leaf, err
	}

	l4, err := step(l3, c)
	if err != nil {
		return nil, leaf, err
	}

	return l4, leaf, nil
}

// Map installs an IOVA -> host-physical-address translation in the domain.
func (d *Domain) Map(iova, hpa uint64, writable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, idx, err := d.walk(iova, true)
	if err != nil {
		return err
	}

	flags := ioPTEPresent | ioPTEReadable
	if writable {
		flags |= ioPTEWritable
	}

	t[idx] = hpa&ioPFNMask | flags

	return nil
}

// Translate resolves iova to a host-physical address, per the domain's Mode.
// ModeUnmanaged bypasses translation entirely (identity map), modeling a
// device granted raw DMA access.
func (d *Domain) Translate(iova uint64, write bool) (uint64, error) {
	if d.Mode == ModeUnmanaged {
		return iova, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	t, idx, err := d.walk(iova, false)
	if err != nil {
		return 0, err
	}

	e := t[idx]
	if e&ioPTEPresent == 0 {
		return 0, ErrNotMapped
	}

	if write && e&ioPTEWritable == 0 {
		return 0, fmt.Errorf("iommu: write to read-only iova %#x", iova)
	}

	return e & ioPFNMask, nil
}

const defaultMaxFaults = 8

// PassThroughDevice is one device bound into a Domain, with its own fault
// history and quarantine state.
type PassThroughDevice struct {
	BDF    BDF
	domain *Domain

	mu         sync.Mutex
	faults     []FaultRecord
	maxFaults  int
	quarantined bool

	log *logrus.Entry
}

// FaultRecord is one DMA fault observed against a pass-through device.
type FaultRecord struct {
	IOVA      uint64
	Write     bool
	Timestamp time.Time
}

// Attach binds a device at bdf into the domain. The device is quarantined
// once maxFaults faults have been recorded against it in total (0 or less
// selects the default of 8); successful DMAs do not reset the count.
func (d *Domain) Attach(bdf BDF, maxFaults int, log *logrus.Entry) *PassThroughDevice {
	if maxFaults <= 0 {
		maxFaults = defaultMaxFaults
	}

	pt := &PassThroughDevice{BDF: bdf, domain: d, maxFaults: maxFaults, log: log.WithField("device", bdf.String())}
	d.attach(pt)

	return pt
}

func (d *Domain) attach(pt *PassThroughDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.devices[pt.BDF.key()] = pt
}

func (d *Domain) Detach(bdf BDF) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.devices, bdf.key())
}

// DMARead performs a device-initiated read through the domain's
// translation, recording a fault (and possibly quarantining the device) on
// failure.
func (p *PassThroughDevice) DMARead(iova uint64, size int) (uint64, error) {
	return p.dma(iova, false)
}

func (p *PassThroughDevice) DMAWrite(iova uint64, value uint64) error {
	_, err := p.dma(iova, true)
	return err
}

func (p *PassThroughDevice) dma(iova uint64, write bool) (uint64, error) {
	p.mu.Lock()
	if p.quarantined {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrQuarantined, p.BDF)
	}
	p.mu.Unlock()

	hpa, err := p.domain.Translate(iova, write)
	if err != nil {
		p.recordFault(iova, write)
		return 0, fmt.Errorf("iommu: device %s: %w", p.BDF, err)
	}

	return hpa, nil
}

func (p *PassThroughDevice) recordFault(iova uint64, write bool) {
	p.mu.Lock()
	p.faults = append(p.faults, FaultRecord{IOVA: iova, Write: write, Timestamp: time.Now()})
	faultCount := len(p.faults)
	quarantine := faultCount >= p.maxFaults && !p.quarantined

	if quarantine {
		p.quarantined = true
	}
	p.mu.Unlock()

	if !quarantine {
		return
	}

	p.domain.Detach(p.BDF)
	p.log.WithField("fault_count", faultCount).Warn("device quarantined after repeated DMA faults, detached from domain")
	p.domain.publishEject(EjectEvent{BDF: p.BDF, DomainID: p.domain.ID, Timestamp: time.Now()})
}

// Quarantined reports whether the device has been isolated after exceeding
// its fault budget.
func (p *PassThroughDevice) Quarantined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.quarantined
}

// Faults returns a copy of the device's fault history.
func (p *PassThroughDevice) Faults() []FaultRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]FaultRecord, len(p.faults))
	copy(out, p.faults)

	return out
}

// Reinstate clears quarantine and re-attaches the device to its domain,
// used after an operator or the recovery core decides the device's domain
// mapping has been repaired.
func (p *PassThroughDevice) Reinstate() {
	p.mu.Lock()
	p.quarantined = false
	p.faults = nil
	p.mu.Unlock()

	p.domain.attach(p)
}

// InterruptRemappingEntry is one slot of the controller's interrupt
// remapping table, keyed by (bdf<<4)|vector (see remapIndex).
type InterruptRemappingEntry struct {
	Present     bool
	Vector      uint8
	Destination uint32 // target APIC id
}

// InterruptRemappingTable routes a pass-through device's raw MSI vector to
// the vCPU APIC destination the guest has programmed.
type InterruptRemappingTable struct {
	mu      sync.RWMutex
	entries map[uint32]InterruptRemappingEntry
}

func NewInterruptRemappingTable() *InterruptRemappingTable {
	return &InterruptRemappingTable{entries: make(map[uint32]InterruptRemappingEntry)}
}

func remapIndex(bdf BDF, vector uint8) uint32 {
	return uint32(bdf.key())<<4 | uint32(vector)
}

func (t *InterruptRemappingTable) Set(bdf BDF, vector uint8, e InterruptRemappingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[remapIndex(bdf, vector)] = e
}

func (t *InterruptRemappingTable) Lookup(bdf BDF, vector uint8) (InterruptRemappingEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[remapIndex(bdf, vector)]
	return e, ok
}

// Controller owns the set of domains in one VM's IOMMU configuration.
type Controller struct {
	mu      sync.Mutex
	domains map[string]*Domain
	remap   *InterruptRemappingTable
	log     *logrus.Entry
}

func NewController(log *logrus.Entry) *Controller {
	return &Controller{domains: make(map[string]*Domain), remap: NewInterruptRemappingTable(), log: log}
}

func (c *Controller) CreateDomain(id string, mode Mode) *Domain {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := NewDomain(id, mode)
	c.domains[id] = d

	return d
}

func (c *Controller) Domain(id string) (*Domain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.domains[id]
	return d, ok
}

func (c *Controller) RemappingTable() *InterruptRemappingTable { return c.remap }
