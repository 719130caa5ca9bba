// Package kvm wraps the /dev/kvm ioctl ABI: the concrete backend the HAL
// uses to enable virtualization, create per-vCPU control structures, and
// run the guest. KVM itself already normalizes Intel VMX and AMD SVM into
// one exit-reason space in the kernel, which is exactly the uniformity the
// hal package is asked to provide at the Go level.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux ioctl direction bits, mirroring asm-generic/ioctl.h. KVM's own
// headers build every KVM_* request number from these.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// io builds a KVM ioctl request number with no argument payload.
func io(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// iow builds a KVM ioctl request number that writes size bytes into the kernel.
func iow(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// ior builds a KVM ioctl request number that reads size bytes from the kernel.
func ior(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// iowr builds a KVM ioctl request number that both writes and reads.
func iowr(nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// Ioctl issues a raw ioctl(2) against fd, retrying on EINTR the way every
// vCPU ioctl must (KVM_RUN in particular is interrupted by signals used to
// preempt a running guest).
func Ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

func ptr[T any](v *T) uintptr { return uintptr(unsafe.Pointer(v)) }
