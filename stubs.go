//go:build !linux || !amd64

package kvm

import "fmt"

var errNotSupported = fmt.Errorf("kvm: not supported on this platform")

// Supported returns false on non-Linux platforms.
func Supported() (bool, error) {
	return false, errNotSupported
}

// MemFlag controls per-region behavior of guest memory.
type MemFlag uint32

const (
	MemLogDirtyPages MemFlag = 1 << 0
	MemReadonly      MemFlag = 1 << 1
)

// System is unavailable on non-Linux platforms.
type System struct{}

// Open returns an error on non-Linux platforms.
func Open() (*System, error) {
	return nil, errNotSupported
}

// Stub implementations for System methods
func (s *System) APIVersion() (int, error) {
	return 0, errNotSupported
}

func (s *System) CheckExtension(capability uintptr) (int, error) {
	return 0, errNotSupported
}

func (s *System) MaxVCPUs() (int, error) {
	return 0, errNotSupported
}

func (s *System) NumMemSlots() (int, error) {
	return 0, errNotSupported
}

func (s *System) CreateVM() (*VM, error) {
	return nil, errNotSupported
}

func (s *System) Close() error {
	return errNotSupported
}

// GuestMemory is unavailable on non-Linux platforms.
type GuestMemory struct{}

// AllocGuestMemory returns an error on non-Linux platforms.
func AllocGuestMemory(size int) (*GuestMemory, error) {
	return nil, errNotSupported
}

// Stub implementations for GuestMemory methods
func (m *GuestMemory) Size() uint64 {
	return 0
}

func (m *GuestMemory) Bytes() []byte {
	return nil
}

func (m *GuestMemory) Load(code []byte, offset uint64) error {
	return errNotSupported
}

func (m *GuestMemory) Close() error {
	return errNotSupported
}

// VM is unavailable on non-Linux platforms.
type VM struct{}

// Stub implementations for VM methods
func (vm *VM) SetMemoryRegion(slot uint32, guestPhys uint64, mem *GuestMemory, flags MemFlag) error {
	return errNotSupported
}

func (vm *VM) GetDirtyLog(slot uint32) ([]uint64, error) {
	return nil, errNotSupported
}

func (vm *VM) NewVCPU(index int) (*VCPU, error) {
	return nil, errNotSupported
}

func (vm *VM) Close() error {
	return errNotSupported
}

// VCPU is unavailable on non-Linux platforms.
type VCPU struct{}

// Stub implementations for VCPU methods
func (c *VCPU) Index() int {
	return -1
}

func (c *VCPU) GetRegs() (*Regs, error) {
	return nil, errNotSupported
}

func (c *VCPU) SetRegs(regs *Regs) error {
	return errNotSupported
}

func (c *VCPU) GetSregs() (*Sregs, error) {
	return nil, errNotSupported
}

func (c *VCPU) SetSregs(sregs *Sregs) error {
	return errNotSupported
}

func (c *VCPU) GetPC() (uint64, error) {
	return 0, errNotSupported
}

func (c *VCPU) SetPC(v uint64) error {
	return errNotSupported
}

func (c *VCPU) Run() (ExitEvent, error) {
	return nil, errNotSupported
}

func (c *VCPU) Kick() error {
	return errNotSupported
}

func (c *VCPU) Close() error {
	return errNotSupported
}

// VMM is unavailable on non-Linux platforms.
type VMM struct{}

// NewVMM returns an error on non-Linux platforms.
func NewVMM(cfg Config) (*VMM, error) {
	return nil, errNotSupported
}

// Stub implementations for VMM methods
func (v *VMM) Configure() error {
	return errNotSupported
}

func (v *VMM) Run() (LoopState, error) {
	return StateAborted, errNotSupported
}

func (v *VMM) IOAccesses() []ExitEvent {
	return nil
}

func (v *VMM) Interrupt() error {
	return errNotSupported
}

func (v *VMM) Registers() (*Regs, error) {
	return nil, errNotSupported
}

func (v *VMM) DirtyLog() ([]uint64, error) {
	return nil, errNotSupported
}

func (v *VMM) Teardown() error {
	return nil
}
