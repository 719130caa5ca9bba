package vm

import (
	"github.com/nyxvmm/nyx/hal"
	"github.com/nyxvmm/nyx/migration"
)

// gprOrder is the §6.3 general-register serialization order: RAX,RBX,RCX,
// RDX,RSI,RDI,RBP,RSP,R8-R15,RIP,RFLAGS.
func gprOrder(r hal.RegisterState) [18]uint64 {
	return [18]uint64{
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RBP, r.RSP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.RIP, r.RFLAGS,
	}
}

// registerStateToCheckpoint converts the vendor-neutral hal.RegisterState
// into the fixed-layout migration.VCPUState the checkpoint wire format
// serializes (§6.3).
func registerStateToCheckpoint(r hal.RegisterState) migration.VCPUState {
	v := migration.VCPUState{
		GPR:  gprOrder(r),
		CS:   segToCheckpoint(r.CS),
		DS:   segToCheckpoint(r.DS),
		ES:   segToCheckpoint(r.ES),
		FS:   segToCheckpoint(r.FS),
		GS:   segToCheckpoint(r.GS),
		SS:   segToCheckpoint(r.SS),
		LDTR: segToCheckpoint(r.LDT),
		TR:   segToCheckpoint(r.TR),
		CR0:  r.CR0,
		CR2:  r.CR2,
		CR3:  r.CR3,
		CR4:  r.CR4,
		CR8:  r.CR8,
		EFER: r.EFER,
	}

	for _, m := range r.MSRs {
		v.MSRs = append(v.MSRs, migration.MSREntry{Index: m.Index, Value: m.Data})
	}

	return v
}

// checkpointToRegisterState is the inverse of registerStateToCheckpoint,
// used by the destination when resuming a migrated VM.
func checkpointToRegisterState(v migration.VCPUState) hal.RegisterState {
	r := hal.RegisterState{
		RAX: v.GPR[0], RBX: v.GPR[1], RCX: v.GPR[2], RDX: v.GPR[3],
		RSI: v.GPR[4], RDI: v.GPR[5], RBP: v.GPR[6], RSP: v.GPR[7],
		R8: v.GPR[8], R9: v.GPR[9], R10: v.GPR[10], R11: v.GPR[11],
		R12: v.GPR[12], R13: v.GPR[13], R14: v.GPR[14], R15: v.GPR[15],
		RIP: v.GPR[16], RFLAGS: v.GPR[17],
		CR0: v.CR0, CR2: v.CR2, CR3: v.CR3, CR4: v.CR4, CR8: v.CR8,
		EFER: v.EFER,
		CS:   checkpointToSeg(v.CS),
		DS:   checkpointToSeg(v.DS),
		ES:   checkpointToSeg(v.ES),
		FS:   checkpointToSeg(v.FS),
		GS:   checkpointToSeg(v.GS),
		SS:   checkpointToSeg(v.SS),
		LDT:  checkpointToSeg(v.LDTR),
		TR:   checkpointToSeg(v.TR),
	}

	for _, m := range v.MSRs {
		r.MSRs = append(r.MSRs, hal.MSR{Index: m.Index, Data: m.Value})
	}

	return r
}

// Access-rights byte layout (VMX guest segment access-rights field, also
// used here as the wire encoding): bits 0-3 type, 4 S, 5-6 DPL, 7 present,
// 12 AVL, 13 L, 14 DB, 15 G, 16 unusable.
func segToCheckpoint(s hal.SegmentState) migration.Segment {
	var ar uint32

	ar |= uint32(s.Type) & 0xF
	if s.S {
		ar |= 1 << 4
	}

	ar |= uint32(s.DPL&0x3) << 5

	if s.Present {
		ar |= 1 << 7
	}

	if s.AVL {
		ar |= 1 << 12
	}

	if s.L {
		ar |= 1 << 13
	}

	if s.DB {
		ar |= 1 << 14
	}

	if s.G {
		ar |= 1 << 15
	}

	if s.Unusable {
		ar |= 1 << 16
	}

	return migration.Segment{Selector: s.Selector, Base: s.Base, Limit: s.Limit, ARBytes: ar}
}

func checkpointToSeg(seg migration.Segment) hal.SegmentState {
	return hal.SegmentState{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Type:     uint8(seg.ARBytes & 0xF),
		S:        seg.ARBytes&(1<<4) != 0,
		DPL:      uint8((seg.ARBytes >> 5) & 0x3),
		Present:  seg.ARBytes&(1<<7) != 0,
		AVL:      seg.ARBytes&(1<<12) != 0,
		L:        seg.ARBytes&(1<<13) != 0,
		DB:       seg.ARBytes&(1<<14) != 0,
		G:        seg.ARBytes&(1<<15) != 0,
		Unusable: seg.ARBytes&(1<<16) != 0,
	}
}
