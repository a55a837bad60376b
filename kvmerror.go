package kvm

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// ErrKind classifies failures reported by the host KVM subsystem and by this
// package's own precondition checks.
type ErrKind int

const (
	// CapabilityUnavailable means /dev/kvm is missing or inaccessible, or
	// the host rejected an operation it does not support or permit.
	CapabilityUnavailable ErrKind = iota + 1

	// AllocationFailed means host memory for the guest could not be
	// allocated.
	AllocationFailed

	// InvalidMemoryRegion means a memory region violated alignment, size,
	// slot, or overlap rules.
	InvalidMemoryRegion

	// ResourceExhausted means a host-side VM or vCPU limit was hit.
	ResourceExhausted

	// VCPUFault means the host reported a hardware or resource error while
	// the vCPU was executing.
	VCPUFault

	// UnhandledExit means the vCPU stopped for a reason the dispatcher has
	// no policy for.
	UnhandledExit
)

// KVMError couples an error kind with the errno the kernel reported, if any.
type KVMError struct {
	Kind    ErrKind
	Errno   syscall.Errno
	message string // Optional custom message for specific errors
}

func (e *KVMError) Error() string {
	// Use custom message if available
	if e.message != "" {
		return e.message
	}

	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *KVMError) detailedError() string {
	var msg string
	switch e.Kind {
	case CapabilityUnavailable:
		msg = "kvm: virtualization unavailable (CapabilityUnavailable) - check that /dev/kvm exists and is readable/writable"
	case AllocationFailed:
		msg = "kvm: guest memory allocation failed (AllocationFailed) - host memory or address space exhausted"
	case InvalidMemoryRegion:
		msg = "kvm: invalid memory region (InvalidMemoryRegion) - check slot, alignment, size, and overlap"
	case ResourceExhausted:
		msg = "kvm: insufficient resources (ResourceExhausted) - VM or vCPU limits exceeded"
	case VCPUFault:
		msg = "kvm: vCPU fault (VCPUFault) - host reported an execution error"
	case UnhandledExit:
		msg = "kvm: unhandled exit (UnhandledExit) - no dispatch policy for this exit reason"
	default:
		return fmt.Sprintf("kvm: unknown error kind %d", e.Kind)
	}
	if e.Errno != 0 {
		msg += fmt.Sprintf(": %v", e.Errno)
	}
	return msg
}

// sanitizedError provides minimal error information for production
func (e *KVMError) sanitizedError() string {
	switch e.Kind {
	case CapabilityUnavailable:
		return "kvm: virtualization unavailable"
	case AllocationFailed:
		return "kvm: allocation failed"
	case InvalidMemoryRegion:
		return "kvm: invalid memory region"
	case ResourceExhausted:
		return "kvm: insufficient resources"
	case VCPUFault:
		return "kvm: vCPU fault"
	case UnhandledExit:
		return "kvm: unhandled exit"
	default:
		return "kvm: error"
	}
}

// Unwrap exposes the underlying errno so callers can match against unix
// errno values with errors.Is.
func (e *KVMError) Unwrap() error {
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Is matches errors of the same kind. Sentinel errors carrying a custom
// message only match errors with that exact message.
func (e *KVMError) Is(target error) bool {
	t, ok := target.(*KVMError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.message == "" || t.message == e.message
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("KVM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("KVM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// kvmErr builds a KVMError of the given kind around a kernel errno.
func kvmErr(kind ErrKind, errno error) error {
	var no syscall.Errno
	if e, ok := errno.(syscall.Errno); ok {
		no = e
	}
	return &KVMError{Kind: kind, Errno: no}
}

// Common specific errors for API consumers
var (
	ErrSystemClosed     = &KVMError{Kind: CapabilityUnavailable, message: "kvm: system handle is closed"}
	ErrVMClosed         = &KVMError{Kind: CapabilityUnavailable, message: "kvm: VM is closed"}
	ErrVCPUClosed       = &KVMError{Kind: CapabilityUnavailable, message: "kvm: vCPU is closed"}
	ErrMemoryClosed     = &KVMError{Kind: AllocationFailed, message: "kvm: guest memory is closed"}
	ErrInvalidAlignment = &KVMError{Kind: InvalidMemoryRegion, message: "kvm: address or size not page-aligned"}
	ErrSlotInUse        = &KVMError{Kind: InvalidMemoryRegion, message: "kvm: memory slot already registered"}
	ErrRegionOverlap    = &KVMError{Kind: InvalidMemoryRegion, message: "kvm: memory region overlaps an existing region"}
	ErrInvalidRegion    = &KVMError{Kind: InvalidMemoryRegion, message: "kvm: invalid memory region"}
	ErrVCPUExists       = &KVMError{Kind: ResourceExhausted, message: "kvm: vCPU index already created"}
	ErrCodeOutOfBounds  = &KVMError{Kind: InvalidMemoryRegion, message: "kvm: code does not fit in guest memory at the given offset"}
	ErrAPIVersion       = &KVMError{Kind: CapabilityUnavailable, message: "kvm: unexpected KVM API version"}
)
