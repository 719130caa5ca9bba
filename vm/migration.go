package vm

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nyxvmm/nyx/migration"
)

// Migrate drives this VM through the source side of a live migration over
// conn: full-memory transfer, iterative precopy, stop-and-copy, and the
// final checkpoint handoff (spec.md §4.5). It pauses every vCPU as part of
// stop-and-copy and leaves the VM in PhaseStopping on return.
func (vm *VirtualMachine) Migrate(ctx context.Context, conn io.Writer, opt migration.Options) error {
	vm.migMu.Lock()
	defer vm.migMu.Unlock()

	id := uuid.New()
	sender := migration.NewSender(conn)
	source := migration.NewSource(vm.log, vm.ept, sender, opt, id)

	source.PauseVCPUs = vm.PauseAll
	source.SnapshotVCPUs = vm.SnapshotVCPUs
	source.SnapshotDevices = vm.SnapshotDevices
	source.ReadMemory = vm.ReadMemory

	if err := source.Run(ctx); err != nil {
		return fmt.Errorf("vm: migration failed: %w", err)
	}

	return nil
}

// ResumeFromMigration drives the destination side: reads framed messages
// from conn until MsgDone, applying full-memory and dirty-page transfers
// directly into this VM's guest RAM and, on the final checkpoint, restoring
// every vCPU's architectural state and device snapshot.
func (vm *VirtualMachine) ResumeFromMigration(log *logrus.Entry, conn io.Reader) error {
	receiver := migration.NewReceiver(conn)
	dest := migration.NewDestination(log, receiver)

	dest.ApplyMemoryFull = func(data []byte) error {
		n := copy(vm.mem, data)
		if n < len(data) {
			return fmt.Errorf("vm: received memory larger than guest ram (%d > %d)", len(data), len(vm.mem))
		}

		return nil
	}

	dest.ApplyDirtyPages = func(bitmap, data []byte) error {
		return vm.applyDirtyPages(bitmap, data)
	}

	dest.Restore = func(cp *migration.Checkpoint) error {
		return vm.restoreCheckpoint(cp)
	}

	if err := dest.Run(); err != nil {
		return fmt.Errorf("vm: resume from migration: %w", err)
	}

	return nil
}

func (vm *VirtualMachine) applyDirtyPages(bitmap, data []byte) error {
	const pageSize = 4096

	off := 0

	for frame := 0; frame*pageSize < len(vm.mem); frame++ {
		byteIdx, bit := frame/8, uint(frame%8)
		if byteIdx >= len(bitmap) || bitmap[byteIdx]&(1<<bit) == 0 {
			continue
		}

		if off+pageSize > len(data) {
			return fmt.Errorf("vm: dirty-page payload truncated at frame %d", frame)
		}

		copy(vm.mem[frame*pageSize:(frame+1)*pageSize], data[off:off+pageSize])
		off += pageSize
	}

	return nil
}

func (vm *VirtualMachine) restoreCheckpoint(cp *migration.Checkpoint) error {
	for _, chunk := range cp.Memory {
		if int(chunk.GPA)+len(chunk.Data) > len(vm.mem) {
			return fmt.Errorf("vm: checkpoint memory chunk at %#x exceeds guest ram", chunk.GPA)
		}

		copy(vm.mem[chunk.GPA:], chunk.Data)
	}

	for i, vcpu := range cp.VCPUs {
		if i >= len(vm.vcpus) {
			break
		}

		regs := checkpointToRegisterState(vcpu)
		if err := vm.vcpus[i].handle.SetRegs(regs); err != nil {
			return fmt.Errorf("vm: restore vcpu %d registers: %w", i, err)
		}
	}

	blobs := make(map[uint16][]byte, len(cp.Devices))
	for _, d := range cp.Devices {
		blobs[d.DeviceID] = d.Data
	}

	if err := vm.bus.RestoreAll(blobs); err != nil {
		return fmt.Errorf("vm: restore devices: %w", err)
	}

	return nil
}
