//go:build linux && amd64

package kvm

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// System is a handle to the host KVM subsystem (/dev/kvm). It is the factory
// for VM handles and the place to query the API version and capabilities.
type System struct {
	fd      int
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// Open acquires the host virtualization capability by opening /dev/kvm and
// verifying the stable API version.
func Open() (*System, error) {
	fd, err := unix.Open(devKVM, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", devKVM, kvmErr(CapabilityUnavailable, err))
	}

	sys := &System{fd: fd}

	version, err := sys.APIVersion()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if version != stableAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: got %d, want %d", ErrAPIVersion, version, stableAPIVersion)
	}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(sys, (*System).finalize)

	return sys, nil
}

// APIVersion reports the KVM API version the kernel exposes.
func (sys *System) APIVersion() (int, error) {
	if sys == nil {
		return 0, fmt.Errorf("kvm: System is nil")
	}

	sys.closeMu.Lock()
	defer sys.closeMu.Unlock()

	if sys.closed {
		return 0, ErrSystemClosed
	}

	v, err := kvmIoctl.ioctl(uintptr(sys.fd), kvmGetAPIVersion, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to get API version: %w", kvmErr(CapabilityUnavailable, err))
	}
	return int(v), nil
}

// CheckExtension queries a KVM capability. The meaning of the returned value
// is capability-specific; zero means unsupported.
func (sys *System) CheckExtension(capability uintptr) (int, error) {
	if sys == nil {
		return 0, fmt.Errorf("kvm: System is nil")
	}

	sys.closeMu.Lock()
	defer sys.closeMu.Unlock()

	if sys.closed {
		return 0, ErrSystemClosed
	}

	v, err := kvmIoctl.ioctl(uintptr(sys.fd), kvmCheckExtension, capability)
	if err != nil {
		return 0, fmt.Errorf("failed to check extension 0x%x: %w", capability, kvmErr(CapabilityUnavailable, err))
	}
	return int(v), nil
}

// MaxVCPUs reports the recommended maximum vCPU count per VM.
func (sys *System) MaxVCPUs() (int, error) {
	n, err := sys.CheckExtension(capMaxVCPUs)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		n = 4 // KVM's documented fallback when the capability is absent
	}
	return n, nil
}

// NumMemSlots reports the maximum number of user memory slots per VM.
func (sys *System) NumMemSlots() (int, error) {
	return sys.CheckExtension(capNrMemslots)
}

// CreateVM requests a new isolated VM instance from the host.
func (sys *System) CreateVM() (*VM, error) {
	start := time.Now()
	defer func() {
		recordVMCreate(time.Since(start))
	}()

	if sys == nil {
		return nil, fmt.Errorf("kvm: System is nil")
	}

	sys.closeMu.Lock()
	defer sys.closeMu.Unlock()

	if sys.closed {
		return nil, ErrSystemClosed
	}

	vmfd, err := kvmIoctl.ioctl(uintptr(sys.fd), kvmCreateVM, 0)
	if err != nil {
		recordResourceError()
		kind := CapabilityUnavailable
		if err == unix.ENOMEM || err == unix.EMFILE || err == unix.ENFILE {
			kind = ResourceExhausted
		}
		return nil, fmt.Errorf("failed to create VM: %w", kvmErr(kind, err))
	}

	// The size of the per-vCPU shared kvm_run mapping is a property of the
	// system fd, not of the VM, so it is captured here.
	mmapSize, err := kvmIoctl.ioctl(uintptr(sys.fd), kvmGetVCPUMmapSize, 0)
	if err != nil {
		unix.Close(int(vmfd))
		return nil, fmt.Errorf("failed to get vCPU mmap size: %w", kvmErr(CapabilityUnavailable, err))
	}

	vm := &VM{
		fd:       int(vmfd),
		mmapSize: int(mmapSize),
		regions:  make(map[uint32]regionInfo),
		vcpus:    make(map[int]bool),
	}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(vm, (*VM).finalize)

	return vm, nil
}

// Close releases the /dev/kvm handle. Idempotent. VMs already created remain
// usable; they hold their own file descriptors.
func (sys *System) Close() error {
	if sys == nil {
		return nil
	}

	sys.closeMu.Lock()
	defer sys.closeMu.Unlock()

	if sys.closed {
		return nil // Already closed
	}

	if err := unix.Close(sys.fd); err != nil {
		return fmt.Errorf("failed to close %s: %w", devKVM, err)
	}

	sys.closed = true

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(sys, nil)

	return nil
}

// finalize is called by the garbage collector as a safety net
func (sys *System) finalize() {
	if sys == nil {
		return
	}
	if sys.closeMu.TryLock() {
		defer sys.closeMu.Unlock()
		if !sys.closed {
			sys.closed = true
			unix.Close(sys.fd)
		}
	}
}
