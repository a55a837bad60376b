//go:build linux && amd64

package kvm

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isPageAligned returns true if addr is page-aligned (fast path)
func isPageAligned(addr uint64) bool {
	pageSize()
	return addr&cachedPageMask == 0
}

// GuestMemory is an anonymous, zero-initialized, read/write host allocation
// backing a guest-physical memory region. The allocation is exclusively
// owned by whoever created it and must outlive any VM it is registered with.
type GuestMemory struct {
	buf     []byte
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// AllocGuestMemory mmaps size bytes of anonymous private memory suitable for
// registration as a guest memory region. size must be a non-zero multiple of
// the page size; the mapping is page-aligned by construction.
func AllocGuestMemory(size int) (*GuestMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("kvm: guest memory size must be positive, got %d", size)
	}
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("kvm: guest memory too large (max %d bytes)", math.MaxInt32)
	}
	if !isPageAligned(uint64(size)) {
		return nil, fmt.Errorf("%w: size %d (page size %d)", ErrInvalidAlignment, size, pageSize())
	}

	buf, err := hostAlloc(size)
	if err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to allocate %d bytes of guest memory: %w", size, kvmErr(AllocationFailed, err))
	}

	recordMemAlloc()
	return &GuestMemory{buf: buf}, nil
}

// hostAlloc and hostFree wrap the anonymous mmap used for guest memory.
// Tests substitute trackers to verify teardown releases every allocation.
var hostAlloc = func(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

var hostFree = func(buf []byte) error {
	return unix.Munmap(buf)
}

// Size returns the allocation size in bytes.
func (m *GuestMemory) Size() uint64 {
	if m == nil {
		return 0
	}
	return uint64(len(m.buf))
}

// Bytes exposes the host mapping. The slice becomes invalid after Close.
func (m *GuestMemory) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Load copies code into the mapping at byte offset off. The write is
// all-or-nothing: if off+len(code) exceeds the allocation size no bytes are
// written.
func (m *GuestMemory) Load(code []byte, off uint64) error {
	if m == nil {
		return fmt.Errorf("kvm: GuestMemory is nil")
	}

	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed {
		return ErrMemoryClosed
	}
	if off > math.MaxUint64-uint64(len(code)) {
		return fmt.Errorf("%w: offset 0x%x overflows", ErrCodeOutOfBounds, off)
	}
	if off+uint64(len(code)) > uint64(len(m.buf)) {
		return fmt.Errorf("%w: offset 0x%x + %d bytes > region size %d",
			ErrCodeOutOfBounds, off, len(code), len(m.buf))
	}

	copy(m.buf[off:], code)
	return nil
}

// Close unmaps the host allocation. Idempotent. The caller must guarantee no
// VM still has the region registered and no vCPU is executing from it.
func (m *GuestMemory) Close() error {
	if m == nil {
		return nil
	}

	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed {
		return nil // Already closed
	}

	if err := hostFree(m.buf); err != nil {
		return fmt.Errorf("failed to unmap guest memory: %w", err)
	}

	m.closed = true
	m.buf = nil

	recordMemFree()
	return nil
}
