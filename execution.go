//go:build linux && amd64

package kvm

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Run transfers control to the guest until it exits virtualized execution
// for any reason and reports why as an ExitEvent. The call blocks the
// current thread for a guest-determined duration; use Kick from another
// goroutine to force it back.
//
// A signal delivered to the running thread (including Go runtime preemption
// signals) surfaces as ExitIntr rather than an error.
func (c *VCPU) Run() (ExitEvent, error) {
	start := time.Now()
	defer func() {
		recordRun(time.Since(start))
	}()

	if c == nil {
		return nil, fmt.Errorf("kvm: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil, ErrVCPUClosed
	}

	// Pin to an OS thread and publish its id so Kick can signal it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	c.tid.Store(int64(unix.Gettid()))
	defer c.tid.Store(0)

	if _, err := kvmIoctl.ioctl(uintptr(c.fd), kvmRun, 0); err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			c.clearImmediateExit()
			return ExitIntr{}, nil
		}
		recordResourceError()
		return nil, fmt.Errorf("failed to run vCPU %d: %w", c.index, kvmErr(VCPUFault, err))
	}

	return c.decodeExit()
}

// decodeExit interprets the kvm_run exit state as an ExitEvent.
func (c *VCPU) decodeExit() (ExitEvent, error) {
	switch c.run.exitReason {
	case exitReasonHlt:
		return ExitHalt{}, nil

	case exitReasonIO:
		io := (*exitIO)(unsafe.Pointer(&c.run.data[0]))
		if io.direction == ioDirectionIn {
			return ExitIoIn{Port: io.port, Size: io.size}, nil
		}
		// Copy the payload out of the shared mapping; the kernel reuses
		// the union on the next KVM_RUN.
		n := int(io.size) * int(io.count)
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(c.run))+uintptr(io.dataOffset))), n)
		data := make([]byte, n)
		copy(data, src)
		return ExitIoOut{Port: io.port, Data: data}, nil

	case exitReasonIntr:
		c.clearImmediateExit()
		return ExitIntr{}, nil

	case exitReasonFailEntry, exitReasonInternalError:
		recordResourceError()
		return nil, fmt.Errorf("vCPU %d reported exit reason %d: %w",
			c.index, c.run.exitReason, kvmErr(VCPUFault, nil))

	default:
		return ExitUnhandled{Reason: c.run.exitReason}, nil
	}
}
