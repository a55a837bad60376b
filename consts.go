//go:build linux && amd64

package kvm

// KVM ioctl request numbers for amd64. Only the ioctls this package needs
// appear here.
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMmapSize     = 0xae04
	kvmCreateVCPU          = 0xae41
	kvmGetDirtyLog         = 0x4010ae42
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
)

// stableAPIVersion is the only KVM_GET_API_VERSION value the stable ABI has
// ever reported. Anything else means an incompatible kernel.
const stableAPIVersion = 12

// kvm_run exit reasons.
const (
	exitReasonException     = 0x01
	exitReasonIO            = 0x02
	exitReasonHypercall     = 0x03
	exitReasonDebug         = 0x04
	exitReasonHlt           = 0x05
	exitReasonMmio          = 0x06
	exitReasonIrqWindowOpen = 0x07
	exitReasonShutdown      = 0x08
	exitReasonFailEntry     = 0x09
	exitReasonIntr          = 0x0a
	exitReasonInternalError = 0x11
)

// KVM_EXIT_IO directions.
const (
	ioDirectionIn  = 0
	ioDirectionOut = 1
)

// Capability ids for KVM_CHECK_EXTENSION.
const (
	capNrMemslots = 0x0a
	capMaxVCPUs   = 0x42
)
