package hypervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handle is the process-wide /dev/kvm descriptor. It is the only object
// that talks to the bare device; every VM takes a borrow of it for the
// duration of KVM_CREATE_VM and KVM_GET_SUPPORTED_CPUID (spec.md §4.1).
type Handle struct {
	fd int
}

// Open acquires /dev/kvm and validates the kernel API version. A mismatch
// or failed open is fatal to the process: no VM can be safely constructed
// against an incompatible kernel.
func Open() (*Handle, error) {
	fd, err := OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("hypervisor: open /dev/kvm: %w", err)
	}

	ver, err := GetAPIVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hypervisor: KVM_GET_API_VERSION: %w", err)
	}
	if ver != APIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("hypervisor: unsupported KVM API version %d, want %d", ver, APIVersion)
	}

	return &Handle{fd: fd}, nil
}

// FD returns the raw device descriptor, borrowed by a VM for its lifetime.
func (h *Handle) FD() int { return h.fd }

// Close releases the device descriptor.
func (h *Handle) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}
