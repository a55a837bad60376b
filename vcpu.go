//go:build linux && amd64

package kvm

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// runData mirrors struct kvm_run, the state the kernel shares with userspace
// through the per-vCPU mmap.
type runData struct {
	// in
	requestInterruptWindow uint8
	immediateExit          uint8
	_                      [6]uint8

	// out
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16

	// in (pre KVM_RUN), out (post KVM_RUN)
	cr8      uint64
	apicBase uint64

	// union of exit-reason payloads, interpreted per exitReason
	data [256]byte

	kvmValidRegs uint64
	kvmDirtyRegs uint64
}

// exitIO mirrors the kvm_run io exit payload.
type exitIO struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

// VCPU represents a single virtual CPU bound to a VM. Register access and
// Run are serialized per vCPU; drive each vCPU from one goroutine.
type VCPU struct {
	fd      int
	index   int
	mm      []byte
	run     *runData
	runMu   sync.Mutex   // Guards run/mm against Kick racing Close
	tid     atomic.Int64 // thread currently blocked in Run, for Kick
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// clearImmediateExit consumes a pending Kick so the next Run enters the
// guest.
func (c *VCPU) clearImmediateExit() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.run != nil {
		c.run.immediateExit = 0
	}
}

// Index returns the vCPU index within its VM.
func (c *VCPU) Index() int {
	if c == nil {
		return -1
	}
	return c.index
}

// GetRegs reads the general-purpose register set.
func (c *VCPU) GetRegs() (*Regs, error) {
	if c == nil {
		return nil, fmt.Errorf("kvm: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil, ErrVCPUClosed
	}

	regs := &Regs{}
	if _, err := kvmIoctl.ioctl(uintptr(c.fd), kvmGetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to get registers: %w", kvmErr(VCPUFault, err))
	}

	recordRegisterOp()
	return regs, nil
}

// SetRegs writes the general-purpose register set.
func (c *VCPU) SetRegs(regs *Regs) error {
	if c == nil {
		return fmt.Errorf("kvm: VCPU is nil")
	}
	if regs == nil {
		return fmt.Errorf("kvm: regs is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrVCPUClosed
	}

	if _, err := kvmIoctl.ioctl(uintptr(c.fd), kvmSetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set registers: %w", kvmErr(VCPUFault, err))
	}

	recordRegisterOp()
	return nil
}

// GetSregs reads the segment and control register set.
func (c *VCPU) GetSregs() (*Sregs, error) {
	if c == nil {
		return nil, fmt.Errorf("kvm: VCPU is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil, ErrVCPUClosed
	}

	sregs := &Sregs{}
	if _, err := kvmIoctl.ioctl(uintptr(c.fd), kvmGetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		recordResourceError()
		return nil, fmt.Errorf("failed to get special registers: %w", kvmErr(VCPUFault, err))
	}

	recordRegisterOp()
	return sregs, nil
}

// SetSregs writes the segment and control register set.
func (c *VCPU) SetSregs(sregs *Sregs) error {
	if c == nil {
		return fmt.Errorf("kvm: VCPU is nil")
	}
	if sregs == nil {
		return fmt.Errorf("kvm: sregs is nil")
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrVCPUClosed
	}

	if _, err := kvmIoctl.ioctl(uintptr(c.fd), kvmSetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		recordResourceError()
		return fmt.Errorf("failed to set special registers: %w", kvmErr(VCPUFault, err))
	}

	recordRegisterOp()
	return nil
}

// GetPC returns the instruction pointer.
func (c *VCPU) GetPC() (uint64, error) {
	regs, err := c.GetRegs()
	if err != nil {
		return 0, err
	}
	return regs.RIP, nil
}

// SetPC sets the instruction pointer, preserving the other registers.
func (c *VCPU) SetPC(v uint64) error {
	regs, err := c.GetRegs()
	if err != nil {
		return err
	}
	regs.RIP = v
	return c.SetRegs(regs)
}

// Kick forces a blocked Run to return an ExitIntr event. It sets the shared
// immediate-exit flag and signals the thread executing KVM_RUN, so it is the
// mechanism for bounding guests that never exit on their own.
//
// Kick deliberately does not take closeMu: Run holds that lock for the whole
// guest execution. The shared mapping is guarded by runMu instead, so a Kick
// racing Close never touches an unmapped page.
func (c *VCPU) Kick() error {
	if c == nil {
		return fmt.Errorf("kvm: VCPU is nil")
	}

	c.runMu.Lock()
	if c.run == nil {
		c.runMu.Unlock()
		return ErrVCPUClosed
	}
	c.run.immediateExit = 1
	c.runMu.Unlock()

	if tid := c.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG); err != nil {
			return fmt.Errorf("failed to kick vCPU %d: %w", c.index, err)
		}
	}
	return nil
}

// Close destroys this vCPU: unmaps the shared state and closes the fd.
// Idempotent.
func (c *VCPU) Close() error {
	if c == nil {
		return nil
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil // Already closed
	}

	c.runMu.Lock()
	c.run = nil
	if err := unix.Munmap(c.mm); err != nil {
		c.runMu.Unlock()
		return fmt.Errorf("failed to unmap vCPU state: %w", err)
	}
	c.mm = nil
	c.runMu.Unlock()

	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("failed to close vCPU: %w", err)
	}

	c.closed = true

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(c, nil)

	recordVCPUDestroy()
	return nil
}

// finalize is called by the garbage collector as a safety net
func (c *VCPU) finalize() {
	if c == nil {
		return
	}
	if c.closeMu.TryLock() {
		defer c.closeMu.Unlock()
		if !c.closed {
			c.closed = true
			c.runMu.Lock()
			c.run = nil
			if c.mm != nil {
				unix.Munmap(c.mm)
				c.mm = nil
			}
			c.runMu.Unlock()
			unix.Close(c.fd)
		}
	}
}
