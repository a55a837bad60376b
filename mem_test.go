//go:build linux && amd64

package kvm

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPageSize(t *testing.T) {
	ps := pageSize()
	expectedPS := unix.Getpagesize()

	if ps != expectedPS {
		t.Errorf("pageSize() = %d, want %d", ps, expectedPS)
	}

	if !isPageAligned(uint64(ps)) {
		t.Errorf("page size %d should be page-aligned", ps)
	}
	if isPageAligned(uint64(ps) + 1) {
		t.Errorf("page size + 1 should not be page-aligned")
	}
	if !isPageAligned(0) {
		t.Error("zero should be page-aligned")
	}
}

func TestAllocGuestMemoryValidation(t *testing.T) {
	t.Run("zero size", func(t *testing.T) {
		if _, err := AllocGuestMemory(0); err == nil {
			t.Error("Expected error for zero size, got nil")
		}
	})

	t.Run("negative size", func(t *testing.T) {
		if _, err := AllocGuestMemory(-4096); err == nil {
			t.Error("Expected error for negative size, got nil")
		}
	})

	t.Run("unaligned size", func(t *testing.T) {
		_, err := AllocGuestMemory(pageSize() + 1)
		if err == nil {
			t.Fatal("Expected error for unaligned size, got nil")
		}
		if !errors.Is(err, ErrInvalidAlignment) {
			t.Errorf("error = %v, want %v", err, ErrInvalidAlignment)
		}
	})
}

func TestGuestMemoryLifecycle(t *testing.T) {
	size := pageSize() * 4
	mem, err := AllocGuestMemory(size)
	if err != nil {
		t.Fatalf("AllocGuestMemory(%d) failed: %v", size, err)
	}
	defer mem.Close()

	if mem.Size() != uint64(size) {
		t.Errorf("Size() = %d, want %d", mem.Size(), size)
	}

	// Anonymous mappings are zero-initialized.
	buf := mem.Bytes()
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = 0x%x, want 0", i, b)
		}
	}

	code := []byte{0xb0, 0x41, 0xf4}
	if err := mem.Load(code, 0x100); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(mem.Bytes()[0x100:0x100+len(code)], code) {
		t.Error("loaded code does not match")
	}

	if err := mem.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := mem.Close(); err != nil {
		t.Errorf("second Close should be nil, got %v", err)
	}

	if err := mem.Load(code, 0); !errors.Is(err, ErrMemoryClosed) {
		t.Errorf("Load after Close = %v, want %v", err, ErrMemoryClosed)
	}
}

func TestGuestMemoryLoadBounds(t *testing.T) {
	size := pageSize()
	mem, err := AllocGuestMemory(size)
	if err != nil {
		t.Fatalf("AllocGuestMemory failed: %v", err)
	}
	defer mem.Close()

	t.Run("code larger than region", func(t *testing.T) {
		err := mem.Load(make([]byte, size+1), 0)
		if !errors.Is(err, ErrCodeOutOfBounds) {
			t.Errorf("error = %v, want %v", err, ErrCodeOutOfBounds)
		}
	})

	t.Run("offset pushes code past the end", func(t *testing.T) {
		err := mem.Load([]byte{0xf4}, uint64(size))
		if !errors.Is(err, ErrCodeOutOfBounds) {
			t.Errorf("error = %v, want %v", err, ErrCodeOutOfBounds)
		}
	})

	t.Run("offset overflow", func(t *testing.T) {
		err := mem.Load([]byte{0xf4, 0xf4}, ^uint64(0)-1)
		if !errors.Is(err, ErrCodeOutOfBounds) {
			t.Errorf("error = %v, want %v", err, ErrCodeOutOfBounds)
		}
	})

	t.Run("rejected write leaves memory untouched", func(t *testing.T) {
		mem.Load(bytes.Repeat([]byte{0xff}, size+1), 0)
		for i, b := range mem.Bytes() {
			if b != 0 {
				t.Fatalf("byte %d = 0x%x after rejected Load, want 0", i, b)
			}
		}
	})

	t.Run("write at the exact end succeeds", func(t *testing.T) {
		if err := mem.Load([]byte{0xf4}, uint64(size)-1); err != nil {
			t.Errorf("Load at last byte failed: %v", err)
		}
	})
}
