//go:build linux && amd64

package kvm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// VMM is the supervisor: it exclusively owns the System handle, one VM, one
// vCPU, and the guest memory allocation, and guarantees their release.
type VMM struct {
	cfg  Config
	sys  *System
	vm   *VM
	vcpu *VCPU
	mem  *GuestMemory

	stopped  atomic.Bool
	ioEvents []ExitEvent

	tornDown   bool
	teardownMu sync.Mutex
}

// NewVMM builds a VMM: open the system handle, create a VM, allocate and
// register guest memory, create vCPU 0. If any step fails, everything
// acquired by earlier steps is released before the error is returned.
func NewVMM(cfg Config) (*VMM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	v := &VMM{cfg: cfg}
	if err := v.initialize(); err != nil {
		v.Teardown()
		return nil, err
	}
	return v, nil
}

func (v *VMM) initialize() error {
	sys, err := Open()
	if err != nil {
		return err
	}
	v.sys = sys

	vm, err := sys.CreateVM()
	if err != nil {
		return err
	}
	v.vm = vm

	mem, err := AllocGuestMemory(v.cfg.MemSize)
	if err != nil {
		return err
	}
	v.mem = mem

	var flags MemFlag
	if v.cfg.DirtyLog {
		flags |= MemLogDirtyPages
	}
	if err := vm.SetMemoryRegion(v.cfg.Slot, v.cfg.GuestPhysAddr, mem, flags); err != nil {
		return err
	}

	vcpu, err := vm.NewVCPU(0)
	if err != nil {
		return err
	}
	v.vcpu = vcpu

	return nil
}

// Configure writes the initial register state and loads the guest code. The
// code segment is set up for flat real-mode addressing (base 0, selector 0)
// with RIP pointing at the loaded code.
func (v *VMM) Configure() error {
	if v == nil || v.vcpu == nil {
		return ErrVCPUClosed
	}

	sregs, err := v.vcpu.GetSregs()
	if err != nil {
		return err
	}
	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	if err := v.vcpu.SetSregs(sregs); err != nil {
		return err
	}

	regs, err := v.vcpu.GetRegs()
	if err != nil {
		return err
	}
	regs.RIP = v.cfg.GuestPhysAddr + v.cfg.CodeOffset
	regs.RFLAGS |= 0x2 // bit 1 is architecturally always set
	if err := v.vcpu.SetRegs(regs); err != nil {
		return err
	}

	return v.mem.Load(v.cfg.Code, v.cfg.CodeOffset)
}

// Run drives the exit-dispatch loop until the guest halts, an exit aborts
// the loop, or Interrupt is called. It returns the terminal state and, for
// aborts, the cause.
func (v *VMM) Run() (LoopState, error) {
	if v == nil || v.vcpu == nil {
		return StateAborted, ErrVCPUClosed
	}

	state := StateRunning
	for {
		if v.stopped.Load() {
			return StateAborted, nil
		}

		ev, err := v.vcpu.Run()
		if err != nil {
			return StateAborted, err
		}

		d := Dispatch(ev)
		if d == DecisionEmulate {
			v.handleIO(ev)
		}

		state = state.Advance(d)
		switch state {
		case StateHalted:
			return StateHalted, nil
		case StateAborted:
			return StateAborted, fmt.Errorf("%s: %w", ev, kvmErr(UnhandledExit, nil))
		}
	}
}

// handleIO records an I/O access. A fuller system would dispatch to a
// device model here.
func (v *VMM) handleIO(ev ExitEvent) {
	recordIOExit()
	if v.cfg.IOHandler != nil {
		v.cfg.IOHandler(ev)
		return
	}
	v.ioEvents = append(v.ioEvents, ev)
}

// IOAccesses returns the I/O exits recorded by the run loop when no
// IOHandler was configured.
func (v *VMM) IOAccesses() []ExitEvent {
	if v == nil {
		return nil
	}
	return v.ioEvents
}

// Interrupt makes an in-flight or future Run return StateAborted without an
// error. It kicks the vCPU out of guest execution. Safe to call concurrently
// with Teardown; after teardown it is a no-op.
func (v *VMM) Interrupt() error {
	if v == nil {
		return nil
	}
	v.stopped.Store(true)

	v.teardownMu.Lock()
	vcpu := v.vcpu
	v.teardownMu.Unlock()

	if vcpu != nil {
		if err := vcpu.Kick(); err != nil && !errors.Is(err, ErrVCPUClosed) {
			return err
		}
	}
	return nil
}

// Registers returns the vCPU's general-purpose register state.
func (v *VMM) Registers() (*Regs, error) {
	if v == nil || v.vcpu == nil {
		return nil, ErrVCPUClosed
	}
	return v.vcpu.GetRegs()
}

// DirtyLog returns the dirty-page bitmap of the guest memory region. The
// VMM must have been configured with DirtyLog enabled.
func (v *VMM) DirtyLog() ([]uint64, error) {
	if v == nil || v.vm == nil {
		return nil, ErrVMClosed
	}
	return v.vm.GetDirtyLog(v.cfg.Slot)
}

// Teardown releases every resource the VMM acquired, in reverse acquisition
// order. It is safe to call more than once and safe on a partially
// initialized VMM; resources never acquired are skipped.
func (v *VMM) Teardown() error {
	if v == nil {
		return nil
	}

	v.teardownMu.Lock()
	defer v.teardownMu.Unlock()

	if v.tornDown {
		return nil
	}
	v.tornDown = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if v.vcpu != nil {
		keep(v.vcpu.Close())
		v.vcpu = nil
	}
	if v.vm != nil {
		keep(v.vm.Close())
		v.vm = nil
	}
	if v.mem != nil {
		keep(v.mem.Close())
		v.mem = nil
	}
	if v.sys != nil {
		keep(v.sys.Close())
		v.sys = nil
	}

	return firstErr
}
