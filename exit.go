package kvm

import "fmt"

// ExitEvent is the reason a vCPU's execution returned to the monitor. It is
// a closed set: every variant is defined in this file, and Dispatch handles
// all of them, so adding an exit kind is a compile-time-visible change.
type ExitEvent interface {
	exitEvent()
}

// ExitHalt reports that the guest executed a halt instruction.
type ExitHalt struct{}

// ExitIoIn reports a port read of Size bytes the guest is waiting on.
type ExitIoIn struct {
	Port uint16
	Size uint8
}

// ExitIoOut reports a port write and carries the bytes the guest wrote.
type ExitIoOut struct {
	Port uint16
	Data []byte
}

// ExitIntr reports that execution was interrupted by a signal or a Kick
// before the guest did anything of note.
type ExitIntr struct{}

// ExitUnhandled carries the raw exit reason for exits this monitor has no
// policy for.
type ExitUnhandled struct {
	Reason uint32
}

func (ExitHalt) exitEvent()      {}
func (ExitIoIn) exitEvent()      {}
func (ExitIoOut) exitEvent()     {}
func (ExitIntr) exitEvent()      {}
func (ExitUnhandled) exitEvent() {}

func (ExitHalt) String() string { return "halt" }
func (e ExitIoIn) String() string {
	return fmt.Sprintf("io in port=0x%x size=%d", e.Port, e.Size)
}
func (e ExitIoOut) String() string {
	return fmt.Sprintf("io out port=0x%x data=%v", e.Port, e.Data)
}
func (ExitIntr) String() string { return "interrupted" }
func (e ExitUnhandled) String() string {
	return fmt.Sprintf("unhandled exit reason %d", e.Reason)
}

// Decision is the dispatcher's verdict on an exit.
type Decision int

const (
	// DecisionContinue re-enters the guest with unmodified state.
	DecisionContinue Decision = iota

	// DecisionEmulate hands the exit to a device model (or recorder) and
	// then re-enters the guest.
	DecisionEmulate

	// DecisionHalt ends the run loop cleanly.
	DecisionHalt

	// DecisionAbort ends the run loop, surfacing the cause.
	DecisionAbort
)

// Dispatch maps an exit event to a decision. It is a pure function of the
// event so it can be tested without a hypervisor.
func Dispatch(ev ExitEvent) Decision {
	switch ev.(type) {
	case ExitHalt:
		return DecisionHalt
	case ExitIoIn, ExitIoOut:
		return DecisionEmulate
	case ExitIntr:
		return DecisionContinue
	case ExitUnhandled:
		return DecisionAbort
	default:
		// Unreachable for the sealed set above.
		return DecisionAbort
	}
}

// LoopState is the run loop's state machine.
type LoopState int

const (
	StateRunning LoopState = iota
	StateHalted
	StateAborted
)

func (s LoopState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Advance folds a decision into the loop state. Halted and Aborted are
// terminal: once reached, further decisions do not change the state.
func (s LoopState) Advance(d Decision) LoopState {
	if s != StateRunning {
		return s
	}
	switch d {
	case DecisionHalt:
		return StateHalted
	case DecisionAbort:
		return StateAborted
	default:
		return StateRunning
	}
}
