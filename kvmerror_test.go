package kvm

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestKVMErrorMessages(t *testing.T) {
	// Pin the environment so detailed messages are selected.
	t.Setenv("KVM_ENV", "")
	t.Setenv("KVM_DEBUG", "")

	tests := []struct {
		name     string
		kind     ErrKind
		expected string
	}{
		{
			name:     "CapabilityUnavailable",
			kind:     CapabilityUnavailable,
			expected: "kvm: virtualization unavailable (CapabilityUnavailable) - check that /dev/kvm exists and is readable/writable",
		},
		{
			name:     "AllocationFailed",
			kind:     AllocationFailed,
			expected: "kvm: guest memory allocation failed (AllocationFailed) - host memory or address space exhausted",
		},
		{
			name:     "InvalidMemoryRegion",
			kind:     InvalidMemoryRegion,
			expected: "kvm: invalid memory region (InvalidMemoryRegion) - check slot, alignment, size, and overlap",
		},
		{
			name:     "ResourceExhausted",
			kind:     ResourceExhausted,
			expected: "kvm: insufficient resources (ResourceExhausted) - VM or vCPU limits exceeded",
		},
		{
			name:     "VCPUFault",
			kind:     VCPUFault,
			expected: "kvm: vCPU fault (VCPUFault) - host reported an execution error",
		},
		{
			name:     "UnhandledExit",
			kind:     UnhandledExit,
			expected: "kvm: unhandled exit (UnhandledExit) - no dispatch policy for this exit reason",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &KVMError{Kind: tt.kind}
			if got := err.Error(); got != tt.expected {
				t.Errorf("KVMError{Kind: %d}.Error() = %q, want %q", tt.kind, got, tt.expected)
			}
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		err := &KVMError{Kind: ErrKind(99)}
		if got := err.Error(); !strings.Contains(got, "unknown error kind 99") {
			t.Errorf("unexpected message for unknown kind: %q", got)
		}
	})

	t.Run("errno is appended", func(t *testing.T) {
		err := &KVMError{Kind: VCPUFault, Errno: syscall.EINVAL}
		if got := err.Error(); !strings.Contains(got, "invalid argument") {
			t.Errorf("message %q should contain the errno text", got)
		}
	})
}

func TestKVMErrorSanitized(t *testing.T) {
	t.Setenv("KVM_ENV", "production")

	err := &KVMError{Kind: ResourceExhausted, Errno: syscall.ENOMEM}
	got := err.Error()
	if got != "kvm: insufficient resources" {
		t.Errorf("sanitized message = %q, want %q", got, "kvm: insufficient resources")
	}
	if strings.Contains(got, "ENOMEM") || strings.Contains(got, "cannot allocate") {
		t.Errorf("sanitized message %q leaks errno detail", got)
	}
}

func TestKVMErrorMatching(t *testing.T) {
	t.Run("sentinels match through wrapping", func(t *testing.T) {
		err := fmt.Errorf("slot 3: %w", ErrSlotInUse)
		if !errors.Is(err, ErrSlotInUse) {
			t.Error("wrapped ErrSlotInUse should match the sentinel")
		}
		if errors.Is(err, ErrRegionOverlap) {
			t.Error("ErrSlotInUse should not match ErrRegionOverlap")
		}
	})

	t.Run("sentinels match their kind", func(t *testing.T) {
		for _, sentinel := range []error{ErrSlotInUse, ErrRegionOverlap, ErrInvalidAlignment, ErrCodeOutOfBounds} {
			if !errors.Is(sentinel, &KVMError{Kind: InvalidMemoryRegion}) {
				t.Errorf("%v should match kind InvalidMemoryRegion", sentinel)
			}
		}
		if errors.Is(ErrSlotInUse, &KVMError{Kind: ResourceExhausted}) {
			t.Error("ErrSlotInUse should not match kind ResourceExhausted")
		}
	})

	t.Run("errno unwraps", func(t *testing.T) {
		err := kvmErr(AllocationFailed, syscall.ENOMEM)
		if !errors.Is(err, syscall.ENOMEM) {
			t.Error("kvmErr should unwrap to the original errno")
		}
	})

	t.Run("errors without errno unwrap to nil", func(t *testing.T) {
		err := &KVMError{Kind: UnhandledExit}
		if err.Unwrap() != nil {
			t.Errorf("Unwrap() = %v, want nil", err.Unwrap())
		}
	})
}

func TestIsProductionEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		debug    string
		expected bool
	}{
		{"default is development", "", "", false},
		{"production", "production", "", true},
		{"prod", "prod", "", true},
		{"debug disabled", "", "false", true},
		{"debug enabled", "", "true", false},
		{"debug garbage ignored", "", "maybe", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KVM_ENV", tt.env)
			t.Setenv("KVM_DEBUG", tt.debug)
			if got := isProductionEnv(); got != tt.expected {
				t.Errorf("isProductionEnv() = %v, want %v", got, tt.expected)
			}
		})
	}
}
