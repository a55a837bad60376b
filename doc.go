// Package kvm provides Go bindings for the Linux Kernel-based Virtual
// Machine (KVM) interface on amd64 systems.
//
// Provides VM and vCPU management with guest memory registration, register
// access, execution control, and a minimal supervisor that drives a
// run-until-exit dispatch loop.
//
// # Requirements
//
//   - Linux on amd64 with the kvm (and kvm_intel or kvm_amd) modules loaded
//   - Read/write access to /dev/kvm (typically membership in the kvm group)
//
// # Basic Usage
//
// Check if KVM is available:
//
//	supported, err := kvm.Supported()
//	if err != nil || !supported {
//		log.Fatal("KVM not supported on this system")
//	}
//
// Create and manage a virtual machine:
//
//	sys, err := kvm.Open()
//	if err != nil {
//		log.Fatal("Failed to open /dev/kvm:", err)
//	}
//	defer sys.Close()
//
//	vm, err := sys.CreateVM()
//	if err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//	defer vm.Close()
//
// Guest memory:
//
//	// Allocate page-aligned, zeroed host memory and expose it to the
//	// guest at physical address 0x1000 in slot 0.
//	mem, err := kvm.AllocGuestMemory(16 << 20)
//	if err != nil {
//		log.Fatal("Failed to allocate guest memory:", err)
//	}
//	defer mem.Close()
//
//	if err := vm.SetMemoryRegion(0, 0x1000, mem, 0); err != nil {
//		log.Fatal("Failed to register memory region:", err)
//	}
//
// Register access and execution:
//
//	vcpu, err := vm.NewVCPU(0)
//	if err != nil {
//		log.Fatal("Failed to create vCPU:", err)
//	}
//	defer vcpu.Close()
//
//	if err := mem.Load([]byte{0xf4}, 0); err != nil { // hlt
//		log.Fatal("Failed to load guest code:", err)
//	}
//	if err := vcpu.SetPC(0x1000); err != nil {
//		log.Fatal("Failed to set RIP:", err)
//	}
//
//	event, err := vcpu.Run()
//	if err != nil {
//		log.Fatal("Failed to run vCPU:", err)
//	}
//	switch ev := event.(type) {
//	case kvm.ExitHalt:
//		fmt.Println("guest halted")
//	case kvm.ExitIoOut:
//		fmt.Printf("io out port=0x%x data=%v\n", ev.Port, ev.Data)
//	}
//
// For the common single-VM, single-vCPU case the VMM supervisor bundles the
// whole lifecycle:
//
//	vmm, err := kvm.NewVMM(kvm.Config{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer vmm.Teardown()
//
//	if err := vmm.Configure(); err != nil {
//		log.Fatal(err)
//	}
//	state, err := vmm.Run()
//	fmt.Println("final state:", state, "err:", err)
//
// # Error Handling
//
// All errors implement the standard Go error interface. KVM-specific errors
// are wrapped in KVMError values carrying an error kind and the errno the
// kernel reported.
//
// # Resource Management
//
// All resources (System, VM, vCPU, GuestMemory) must be explicitly closed
// using Close(). Finalizers provide safety net cleanup. A registered
// GuestMemory must outlive the VM it is registered with, and a vCPU must not
// be used after its VM is closed.
//
// # Platform Support
//
// Linux amd64 only. Other platforms return "not supported" errors.
package kvm
