// Command nyx brings up one VM on the local KVM-backed virtualization
// extension and blocks until it exits. Guest firmware/boot, concrete device
// emulation and a full CLI surface are out of scope for this module; this
// is a thin harness for exercising the engine end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/nyxvmm/nyx/config"
	"github.com/nyxvmm/nyx/diag"
	"github.com/nyxvmm/nyx/hal"
	"github.com/nyxvmm/nyx/kvm"
	"github.com/nyxvmm/nyx/vm"
)

func main() {
	opt, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logrus.New()
	if opt.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	entry := logrus.NewEntry(log)

	if err := run(entry, opt); err != nil {
		entry.WithError(err).Fatal("nyx exited with error")
	}
}

func run(log *logrus.Entry, opt *config.Options) error {
	if opt.CPUProfileDir != "" || opt.WallProfile != "" {
		sess, err := diag.Start(diag.Options{CPUProfileDir: opt.CPUProfileDir, WallClockProfilePath: opt.WallProfile})
		if err != nil {
			return fmt.Errorf("start diagnostics: %w", err)
		}

		defer sess.Stop()
	}

	ext, err := hal.EnableAt(log, opt.Device)
	if err != nil {
		return fmt.Errorf("enable virtualization extension: %w", err)
	}

	defer ext.Close()

	machine, err := vm.New(log, ext, vm.Config{
		MemSize:        opt.MemSize,
		NumVCPUs:       opt.NumVCPUs,
		WatchdogPeriod: opt.WatchdogPeriod,
		IOMMU:          opt.IOMMU,
	})
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}

	if err := installGuestMemory(ext, machine); err != nil {
		return fmt.Errorf("install guest memory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithFields(logrus.Fields{
		"mem_bytes": opt.MemSize,
		"vcpus":     opt.NumVCPUs,
		"iommu":     opt.IOMMU,
	}).Info("starting vm")

	return machine.Run(ctx)
}

// installGuestMemory registers the vm package's guest RAM slice with KVM as
// slot 0. The vm package owns the EPT model of this same memory; KVM needs
// its own KVM_SET_USER_MEMORY_REGION over the identical backing slice so
// guest physical addresses resolve to the same bytes on both sides.
func installGuestMemory(ext *hal.KVMExtension, machine *vm.VirtualMachine) error {
	mem := machine.ReadMemory()
	if len(mem) == 0 {
		return nil
	}

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	return ext.SetUserMemoryRegion(region)
}
