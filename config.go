package kvm

import (
	"fmt"
	"math"
	"os"
)

const (
	// DefaultMemSize is the guest memory size used when Config.MemSize is
	// zero.
	DefaultMemSize = 16 << 20 // 16 MiB

	// DefaultGuestPhysAddr is the guest-physical base address of the
	// memory region. Non-zero so guest code executes above the null page.
	DefaultGuestPhysAddr = 0x1000
)

// DefaultGuestCode is jmp $ (0xeb 0xfe): two bytes that spin forever.
var DefaultGuestCode = []byte{0xeb, 0xfe}

// Config describes a VMM. The zero value reproduces the reference setup:
// 16 MiB of memory at guest-physical 0x1000, slot 0, vCPU 0, and a
// jump-to-self guest.
type Config struct {

	// MemSize is the guest memory size in bytes. It must be a non-zero
	// multiple of the host page size. If MemSize is 0, DefaultMemSize is
	// used.
	MemSize int

	// GuestPhysAddr is the page-aligned guest-physical base address of
	// the memory region. If 0, DefaultGuestPhysAddr is used.
	GuestPhysAddr uint64

	// Code is the guest program, loaded at CodeOffset bytes into the
	// region. Execution starts at GuestPhysAddr + CodeOffset. If nil,
	// DefaultGuestCode is used.
	Code []byte

	// CodeOffset is the byte offset of Code within the region.
	CodeOffset uint64

	// Slot is the memory slot the region is registered under.
	Slot uint32

	// DirtyLog enables dirty-page tracking on the region.
	DirtyLog bool

	// IOHandler, if set, receives ExitIoIn and ExitIoOut events from the
	// run loop. If nil, the supervisor records them internally.
	IOHandler func(ExitEvent)
}

func (c Config) withDefaults() Config {
	if c.MemSize == 0 {
		c.MemSize = DefaultMemSize
	}
	if c.GuestPhysAddr == 0 {
		c.GuestPhysAddr = DefaultGuestPhysAddr
	}
	if c.Code == nil {
		c.Code = DefaultGuestCode
	}
	return c
}

func (c Config) validate() error {
	pgsz := uint64(os.Getpagesize())

	if c.MemSize <= 0 {
		return fmt.Errorf("kvm: memory size must be positive, got %d", c.MemSize)
	}
	if uint64(c.MemSize)%pgsz != 0 {
		return fmt.Errorf("%w: memory size %d (page size %d)", ErrInvalidAlignment, c.MemSize, pgsz)
	}
	if c.GuestPhysAddr%pgsz != 0 {
		return fmt.Errorf("%w: guest-physical base 0x%x (page size %d)", ErrInvalidAlignment, c.GuestPhysAddr, pgsz)
	}
	if c.CodeOffset > math.MaxUint64-uint64(len(c.Code)) {
		return fmt.Errorf("%w: offset 0x%x overflows", ErrCodeOutOfBounds, c.CodeOffset)
	}
	if c.CodeOffset+uint64(len(c.Code)) > uint64(c.MemSize) {
		return fmt.Errorf("%w: offset 0x%x + %d bytes > memory size %d",
			ErrCodeOutOfBounds, c.CodeOffset, len(c.Code), c.MemSize)
	}
	return nil
}
