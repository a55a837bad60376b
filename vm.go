//go:build linux && amd64

package kvm

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MemFlag holds KVM_SET_USER_MEMORY_REGION flags.
type MemFlag uint32

const (
	// MemLogDirtyPages asks the kernel to track writes to the region so
	// the dirty bitmap can be read back with GetDirtyLog.
	MemLogDirtyPages MemFlag = 1 << 0

	// MemReadonly registers the region read-only for the guest.
	MemReadonly MemFlag = 1 << 1
)

// userspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type userspaceMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// dirtyLog mirrors struct kvm_dirty_log.
type dirtyLog struct {
	slot   uint32
	_      uint32
	bitmap uint64
}

type regionInfo struct {
	guestPhys uint64
	size      uint64
	flags     MemFlag
}

// VM represents a single KVM virtual machine. It owns the bookkeeping for
// registered memory slots and created vCPU indices; the backing GuestMemory
// allocations remain owned by the caller and must outlive the VM.
type VM struct {
	fd       int
	mmapSize int
	regions  map[uint32]regionInfo
	vcpus    map[int]bool
	closed   bool
	closeMu  sync.Mutex // Protect against concurrent Close() and finalizer
}

// SetMemoryRegion installs a guest-physical-to-host mapping in the given
// slot. guestPhys and the memory size must be page-aligned, the slot must be
// unused, and the region must not overlap one already registered. On failure
// nothing is registered.
func (vm *VM) SetMemoryRegion(slot uint32, guestPhys uint64, mem *GuestMemory, flags MemFlag) error {
	if vm == nil {
		return fmt.Errorf("kvm: VM is nil")
	}
	if mem == nil {
		return fmt.Errorf("kvm: GuestMemory is nil")
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return ErrVMClosed
	}

	mem.closeMu.Lock()
	defer mem.closeMu.Unlock()

	if mem.closed {
		return ErrMemoryClosed
	}

	size := uint64(len(mem.buf))
	if size == 0 {
		return fmt.Errorf("%w: empty region", ErrInvalidAlignment)
	}
	if !isPageAligned(guestPhys) {
		return fmt.Errorf("%w: guestPhys 0x%x (page size %d)", ErrInvalidAlignment, guestPhys, pageSize())
	}
	if !isPageAligned(size) {
		return fmt.Errorf("%w: size %d (page size %d)", ErrInvalidAlignment, size, pageSize())
	}
	if guestPhys > ^uint64(0)-size {
		return fmt.Errorf("%w: guest address range overflows", ErrInvalidRegion)
	}
	if _, ok := vm.regions[slot]; ok {
		return fmt.Errorf("%w: slot %d", ErrSlotInUse, slot)
	}
	for s, r := range vm.regions {
		if guestPhys < r.guestPhys+r.size && r.guestPhys < guestPhys+size {
			return fmt.Errorf("%w: [0x%x, 0x%x) collides with slot %d", ErrRegionOverlap, guestPhys, guestPhys+size, s)
		}
	}

	region := userspaceMemoryRegion{
		slot:          slot,
		flags:         uint32(flags),
		guestPhysAddr: guestPhys,
		memorySize:    size,
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&mem.buf[0]))),
	}

	_, err := kvmIoctl.ioctl(uintptr(vm.fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	runtime.KeepAlive(mem.buf)
	if err != nil {
		recordResourceError()
		kind := CapabilityUnavailable
		if err == unix.EINVAL || err == unix.EEXIST {
			kind = InvalidMemoryRegion
		}
		return fmt.Errorf("failed to set memory region slot %d at 0x%x: %w", slot, guestPhys, kvmErr(kind, err))
	}

	vm.regions[slot] = regionInfo{guestPhys: guestPhys, size: size, flags: flags}

	recordRegionOp()
	return nil
}

// GetDirtyLog returns the dirty-page bitmap for a slot that was registered
// with MemLogDirtyPages. Bit n covers the n-th page of the region. Reading
// the log clears it in the kernel.
func (vm *VM) GetDirtyLog(slot uint32) ([]uint64, error) {
	if vm == nil {
		return nil, fmt.Errorf("kvm: VM is nil")
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil, ErrVMClosed
	}

	r, ok := vm.regions[slot]
	if !ok {
		return nil, fmt.Errorf("%w: slot %d not registered", ErrInvalidRegion, slot)
	}
	if r.flags&MemLogDirtyPages == 0 {
		return nil, fmt.Errorf("%w: slot %d registered without dirty logging", ErrInvalidRegion, slot)
	}

	pages := r.size / uint64(pageSize())
	bitmap := make([]uint64, (pages+63)/64)

	log := dirtyLog{
		slot:   slot,
		bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}

	_, err := kvmIoctl.ioctl(uintptr(vm.fd), kvmGetDirtyLog, uintptr(unsafe.Pointer(&log)))
	runtime.KeepAlive(bitmap)
	if err != nil {
		return nil, fmt.Errorf("failed to get dirty log for slot %d: %w", slot, kvmErr(CapabilityUnavailable, err))
	}

	recordDirtyLogOp()
	return bitmap, nil
}

// NewVCPU instantiates the vCPU with the given index and maps its shared
// kvm_run state. Indices must be unique per VM.
func (vm *VM) NewVCPU(index int) (*VCPU, error) {
	if vm == nil {
		return nil, fmt.Errorf("kvm: VM is nil")
	}
	if index < 0 {
		return nil, fmt.Errorf("kvm: vCPU index must be non-negative, got %d", index)
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil, ErrVMClosed
	}
	if vm.vcpus[index] {
		return nil, fmt.Errorf("%w: index %d", ErrVCPUExists, index)
	}

	fd, err := kvmIoctl.ioctl(uintptr(vm.fd), kvmCreateVCPU, uintptr(index))
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to create vCPU %d: %w", index, kvmErr(ResourceExhausted, err))
	}

	mm, err := unix.Mmap(int(fd), 0, vm.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("failed to mmap vCPU %d state: %w", index, kvmErr(ResourceExhausted, err))
	}

	c := &VCPU{
		fd:    int(fd),
		index: index,
		mm:    mm,
		run:   (*runData)(unsafe.Pointer(&mm[0])),
	}
	vm.vcpus[index] = true

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(c, (*VCPU).finalize)

	recordVCPUCreate()
	return c, nil
}

// Close destroys the VM handle. Idempotent. vCPUs created from this VM must
// be closed first.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil // Already closed
	}

	if err := unix.Close(vm.fd); err != nil {
		return fmt.Errorf("failed to close VM: %w", err)
	}

	vm.closed = true
	vm.regions = nil
	vm.vcpus = nil

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(vm, nil)

	recordVMDestroy()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	if vm == nil {
		return
	}
	if vm.closeMu.TryLock() {
		defer vm.closeMu.Unlock()
		if !vm.closed {
			vm.closed = true
			unix.Close(vm.fd)
		}
	}
}
