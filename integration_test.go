//go:build linux && amd64 && kvm

package kvm

import (
	"errors"
	"testing"
	"time"
)

// requireKVM skips the test unless /dev/kvm is usable by this process.
func requireKVM(t *testing.T) {
	t.Helper()

	if isCI() {
		t.Skip("Skipping KVM tests in CI environment")
	}

	supported, err := Supported()
	if err != nil {
		t.Fatalf("Failed to check KVM support: %v", err)
	}
	if !supported {
		t.Skip("KVM not available - skipping integration test")
	}
}

func TestGuestHalt(t *testing.T) {
	requireKVM(t)

	v, err := NewVMM(Config{Code: []byte{0xf4}}) // hlt
	if err != nil {
		t.Fatalf("NewVMM failed: %v", err)
	}
	defer v.Teardown()

	if err := v.Configure(); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	state, err := v.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if state != StateHalted {
		t.Errorf("state = %v, want %v", state, StateHalted)
	}

	// The instruction pointer sits just past the hlt.
	pc, err := v.vcpu.GetPC()
	if err != nil {
		t.Fatalf("GetPC failed: %v", err)
	}
	if pc != DefaultGuestPhysAddr+1 {
		t.Errorf("PC after halt = 0x%x, want 0x%x", pc, uint64(DefaultGuestPhysAddr+1))
	}
}

func TestGuestJumpSelfInterrupt(t *testing.T) {
	requireKVM(t)

	// Default code is jmp $: the guest never exits on its own, so the run
	// is bounded by Interrupt.
	v, err := NewVMM(Config{})
	if err != nil {
		t.Fatalf("NewVMM failed: %v", err)
	}
	defer v.Teardown()

	if err := v.Configure(); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	timer := time.AfterFunc(100*time.Millisecond, func() {
		if err := v.Interrupt(); err != nil {
			t.Errorf("Interrupt failed: %v", err)
		}
	})
	defer timer.Stop()

	done := make(chan struct{})
	var state LoopState
	var runErr error
	go func() {
		state, runErr = v.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Interrupt")
	}

	if runErr != nil {
		t.Fatalf("Run failed: %v", runErr)
	}
	if state != StateAborted {
		t.Errorf("state = %v, want %v", state, StateAborted)
	}
}

func TestGuestPortWrite(t *testing.T) {
	requireKVM(t)

	// mov al, 'A'; out 0x10, al; hlt
	code := []byte{0xb0, 0x41, 0xe6, 0x10, 0xf4}

	v, err := NewVMM(Config{Code: code})
	if err != nil {
		t.Fatalf("NewVMM failed: %v", err)
	}
	defer v.Teardown()

	if err := v.Configure(); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	state, err := v.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if state != StateHalted {
		t.Fatalf("state = %v, want %v", state, StateHalted)
	}

	accesses := v.IOAccesses()
	if len(accesses) != 1 {
		t.Fatalf("recorded %d I/O accesses, want 1", len(accesses))
	}
	out, ok := accesses[0].(ExitIoOut)
	if !ok {
		t.Fatalf("access = %T, want ExitIoOut", accesses[0])
	}
	if out.Port != 0x10 || len(out.Data) != 1 || out.Data[0] != 'A' {
		t.Errorf("ExitIoOut = %+v, want port 0x10 data ['A']", out)
	}
}

func TestGuestDirtyLog(t *testing.T) {
	requireKVM(t)

	// mov byte [0x2000], 0x41; hlt
	code := []byte{0xc6, 0x06, 0x00, 0x20, 0x41, 0xf4}

	v, err := NewVMM(Config{Code: code, DirtyLog: true})
	if err != nil {
		t.Fatalf("NewVMM failed: %v", err)
	}
	defer v.Teardown()

	if err := v.Configure(); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	state, err := v.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if state != StateHalted {
		t.Fatalf("state = %v, want %v", state, StateHalted)
	}

	bitmap, err := v.DirtyLog()
	if err != nil {
		t.Fatalf("DirtyLog failed: %v", err)
	}

	dirty := 0
	for _, word := range bitmap {
		for ; word != 0; word &= word - 1 {
			dirty++
		}
	}
	if dirty == 0 {
		t.Error("guest store recorded no dirty pages")
	}

	// The store landed in guest memory too: 0x2000 guest-physical is
	// 0x1000 into the region based at 0x1000.
	if got := v.mem.Bytes()[0x2000-DefaultGuestPhysAddr]; got != 0x41 {
		t.Errorf("guest memory byte = 0x%x, want 0x41", got)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	requireKVM(t)

	sys, err := Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sys.Close()

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM failed: %v", err)
	}
	defer vm.Close()

	c, err := vm.NewVCPU(0)
	if err != nil {
		t.Fatalf("NewVCPU failed: %v", err)
	}
	defer c.Close()

	regs, err := c.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs failed: %v", err)
	}

	regs.RAX = 0x1122334455667788
	regs.RBX = 0xdeadbeef
	regs.RIP = 0x1000
	regs.RFLAGS |= 0x2
	if err := c.SetRegs(regs); err != nil {
		t.Fatalf("SetRegs failed: %v", err)
	}

	got, err := c.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs failed: %v", err)
	}
	if got.RAX != regs.RAX || got.RBX != regs.RBX || got.RIP != regs.RIP {
		t.Errorf("register round trip mismatch: got RAX=0x%x RBX=0x%x RIP=0x%x",
			got.RAX, got.RBX, got.RIP)
	}

	if err := c.SetPC(0x2000); err != nil {
		t.Fatalf("SetPC failed: %v", err)
	}
	pc, err := c.GetPC()
	if err != nil {
		t.Fatalf("GetPC failed: %v", err)
	}
	if pc != 0x2000 {
		t.Errorf("GetPC() = 0x%x, want 0x2000", pc)
	}
}

func TestSystemCapabilities(t *testing.T) {
	requireKVM(t)

	sys, err := Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sys.Close()

	version, err := sys.APIVersion()
	if err != nil {
		t.Fatalf("APIVersion failed: %v", err)
	}
	if version != stableAPIVersion {
		t.Errorf("APIVersion() = %d, want %d", version, stableAPIVersion)
	}

	maxVCPUs, err := sys.MaxVCPUs()
	if err != nil {
		t.Fatalf("MaxVCPUs failed: %v", err)
	}
	if maxVCPUs < 1 {
		t.Errorf("MaxVCPUs() = %d, want >= 1", maxVCPUs)
	}

	slots, err := sys.NumMemSlots()
	if err != nil {
		t.Fatalf("NumMemSlots failed: %v", err)
	}
	t.Logf("KVM: API version %d, max vCPUs %d, memory slots %d", version, maxVCPUs, slots)
}

func TestSlotReuseOnHost(t *testing.T) {
	requireKVM(t)

	sys, err := Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sys.Close()

	vm, err := sys.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM failed: %v", err)
	}
	defer vm.Close()

	mem, err := AllocGuestMemory(pageSize() * 2)
	if err != nil {
		t.Fatalf("AllocGuestMemory failed: %v", err)
	}
	defer mem.Close()

	if err := vm.SetMemoryRegion(0, 0x1000, mem, 0); err != nil {
		t.Fatalf("SetMemoryRegion failed: %v", err)
	}
	if err := vm.SetMemoryRegion(0, 0x100000, mem, 0); !errors.Is(err, ErrSlotInUse) {
		t.Errorf("slot reuse error = %v, want %v", err, ErrSlotInUse)
	}
}
