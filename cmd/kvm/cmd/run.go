/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blacktop/go-kvm"
	"github.com/spf13/cobra"
)

// CPUState represents the CPU register state
type CPUState struct {
	RAX    uint64 `json:"rax"`
	RBX    uint64 `json:"rbx"`
	RCX    uint64 `json:"rcx"`
	RDX    uint64 `json:"rdx"`
	RSI    uint64 `json:"rsi"`
	RDI    uint64 `json:"rdi"`
	RSP    uint64 `json:"rsp"`
	RBP    uint64 `json:"rbp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	RIP    uint64 `json:"rip"`
	RFLAGS uint64 `json:"rflags"`
}

// IOAccess represents a recorded guest port access
type IOAccess struct {
	Direction string `json:"direction"`
	Port      uint16 `json:"port"`
	Size      uint8  `json:"size,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// RunResult represents the execution result
type RunResult struct {
	State      string     `json:"state"`
	Registers  CPUState   `json:"registers"`
	IOAccesses []IOAccess `json:"io_accesses,omitempty"`
	DirtyPages int        `json:"dirty_pages,omitempty"`
	Error      string     `json:"error,omitempty"`
}

var (
	memSize  int
	loadAddr uint64
	dirtyLog bool
	timeout  time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVarP(&memSize, "mem-size", "m", kvm.DefaultMemSize, "Guest memory size (bytes)")
	runCmd.Flags().Uint64VarP(&loadAddr, "load-addr", "a", kvm.DefaultGuestPhysAddr, "Guest-physical load address")
	runCmd.Flags().BoolVar(&dirtyLog, "dirty-log", false, "Track and report dirty guest pages")
	runCmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Interrupt the guest after this duration")
}

var runCmd = &cobra.Command{
	Use:   "run [code-file]",
	Short: "Execute flat x86 machine code in a VM and report the result as JSON",
	Long: `Execute flat x86 machine code inside a single-vCPU virtual machine.

Code can be provided as:
  - A binary file argument
  - Stdin (if no file argument provided)

The guest starts in real mode at the load address. Guests that never exit
on their own are interrupted after the timeout. The final register state,
recorded port I/O, and loop state are written as JSON to stdout.`,
	RunE: runGuest,
}

func runGuest(cmd *cobra.Command, args []string) error {
	ok, err := kvm.Supported()
	if err != nil || !ok {
		return fmt.Errorf("kvm not supported: %v", err)
	}

	var code []byte
	if len(args) > 0 {
		code, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
	} else {
		code, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}
	if len(code) == 0 {
		return fmt.Errorf("no code provided")
	}

	result, err := executeGuest(code)
	if err != nil {
		result = &RunResult{Error: err.Error()}
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	fmt.Println(string(output))
	return nil
}

func executeGuest(code []byte) (*RunResult, error) {
	v, err := kvm.NewVMM(kvm.Config{
		MemSize:       memSize,
		GuestPhysAddr: loadAddr,
		Code:          code,
		DirtyLog:      dirtyLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build VM: %w", err)
	}
	defer v.Teardown()

	if err := v.Configure(); err != nil {
		return nil, fmt.Errorf("failed to configure VM: %w", err)
	}

	timer := time.AfterFunc(timeout, func() { v.Interrupt() })
	defer timer.Stop()

	state, runErr := v.Run()

	result := &RunResult{State: state.String()}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	for _, ev := range v.IOAccesses() {
		switch io := ev.(type) {
		case kvm.ExitIoIn:
			result.IOAccesses = append(result.IOAccesses, IOAccess{
				Direction: "in", Port: io.Port, Size: io.Size,
			})
		case kvm.ExitIoOut:
			result.IOAccesses = append(result.IOAccesses, IOAccess{
				Direction: "out", Port: io.Port, Data: io.Data,
			})
		}
	}

	if dirtyLog {
		bitmap, err := v.DirtyLog()
		if err != nil {
			return nil, fmt.Errorf("failed to read dirty log: %w", err)
		}
		for _, word := range bitmap {
			for ; word != 0; word &= word - 1 {
				result.DirtyPages++
			}
		}
	}

	regs, err := v.Registers()
	if err != nil {
		return nil, fmt.Errorf("failed to read final registers: %w", err)
	}
	result.Registers = CPUState{
		RAX: regs.RAX, RBX: regs.RBX, RCX: regs.RCX, RDX: regs.RDX,
		RSI: regs.RSI, RDI: regs.RDI, RSP: regs.RSP, RBP: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		RIP: regs.RIP, RFLAGS: regs.RFLAGS,
	}

	return result, nil
}
