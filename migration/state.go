package migration

// VMState groups VM-level (not per-vCPU) hardware state. Nothing in the
// module fills it or encodes it into a checkpoint: the engine's checkpoints
// carry only the device-bus snapshots in their device section.
type VMState struct {
	Clock         []byte // kvm.ClockData
	IRQChipPIC0   []byte // kvm.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvm.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvm.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvm.PITState2
}

// vmStateDeviceID is the DeviceSnapshot.DeviceID set aside for an encoded
// VMState. Nothing refers to it, and devicebus registrations are not
// checked against it.
const vmStateDeviceID = 0
