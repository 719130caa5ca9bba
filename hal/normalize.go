package hal

import "github.com/nyxvmm/nyx/kvm"

// normalizeTable maps KVM's raw exit_reason values onto the engine's
// vendor-neutral ExitReason space. KVM itself already folds Intel VMX exit
// qualifications and AMD SVM #VMEXIT codes into this one set, which is the
// normalization spec.md's HAL section asks the engine to provide.
var normalizeTable = map[kvm.ExitReason]ExitReason{
	kvm.ExitIO:              ExitIOIn, // direction disambiguated from the io union, see normalize()
	kvm.ExitMMIO:            ExitMMIO,
	kvm.ExitHLT:             ExitHLT,
	kvm.ExitIntr:            ExitExternalInterrupt,
	kvm.ExitIRQWindowOpen:   ExitInterruptWindow,
	kvm.ExitException:       ExitExceptionNMI,
	kvm.ExitShutdown:        ExitShutdown,
	kvm.ExitHypercall:       ExitVMCall,
	kvm.ExitEPTViolation:    ExitEPTViolation,
	kvm.ExitEPTMisconfig:    ExitEPTMisconfig,
	kvm.ExitFailEntry:       ExitFailEntry,
	kvm.ExitInternalError:   ExitInternalError,
	kvm.ExitSystemEvent:     ExitShutdown,
	kvm.ExitXSetBV:          ExitXSetBV,
}

// normalize converts one kvm.VCPU's raw exit into a vendor-neutral
// ExitInfo. It is the single choke point every guest exit passes through,
// matching spec.md §4.2's "unified VM-exit dispatcher" requirement.
func normalize(c *kvm.VCPU) ExitInfo {
	raw := c.ExitReason()

	info := ExitInfo{Reason: normalizeTable[raw]}
	if info.Reason == ExitUnknown && raw != kvm.ExitUnknown {
		info.Reason = ExitUnknown
	}

	switch raw {
	case kvm.ExitIO:
		dir, port, size, count, data := c.IO()
		info.IO.Direction = dir
		info.IO.Port = port
		info.IO.Size = size
		info.IO.Count = count
		info.IO.Data = data

		if dir == kvm.IOOut {
			info.Reason = ExitIOOut
		} else {
			info.Reason = ExitIOIn
		}

	case kvm.ExitMMIO:
		addr, data, isWrite := c.MMIO()
		info.MMIO.PhysAddr = addr
		info.MMIO.Data = data
		info.MMIO.IsWrite = isWrite

	case kvm.ExitEPTViolation, kvm.ExitEPTMisconfig:
		gpa, read, write, exec, presentViolation := c.EPTViolation()
		info.EPTFault.GuestPhysAddr = gpa
		info.EPTFault.Read = read
		info.EPTFault.Write = write
		info.EPTFault.Exec = exec
		info.EPTFault.PresentViolation = presentViolation
	}

	return info
}

func vendorFromCPUID() Vendor {
	// A real backend probes CPUID leaf 0 for "GenuineIntel"/"AuthenticAMD"
	// and the corresponding feature bit (ECX.VMX / ECX.SVM on leaf 1/0x8000_0001).
	// The kvm backend delegates entirely to the kernel, which already
	// refuses to load kvm_intel.ko or kvm_amd.ko on the wrong vendor, so
	// this always reports VendorUnknown; nothing in this module calls it.
	return VendorUnknown
}
