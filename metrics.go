package kvm

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring virtualization operations
var (
	// Operation counters
	vmCreateCount    uint64
	vmDestroyCount   uint64
	vcpuCreateCount  uint64
	vcpuDestroyCount uint64
	regionOps        uint64
	dirtyLogOps      uint64
	registerOps      uint64
	runOperations    uint64
	ioExits          uint64
	memAllocations   uint64
	memReleases      uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalRunTime      uint64

	// Error counters
	resourceErrors uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	VCPUCreated       uint64 `json:"vcpu_created"`
	VCPUDestroyed     uint64 `json:"vcpu_destroyed"`
	RegionOps         uint64 `json:"region_operations"`
	DirtyLogOps       uint64 `json:"dirty_log_operations"`
	RegisterOps       uint64 `json:"register_operations"`
	RunOperations     uint64 `json:"run_operations"`
	IOExits           uint64 `json:"io_exits"`
	MemAllocations    uint64 `json:"mem_allocations"`
	MemReleases       uint64 `json:"mem_releases"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
	ResourceErrors    uint64 `json:"resource_errors"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmCreated := atomic.LoadUint64(&vmCreateCount)
	runOps := atomic.LoadUint64(&runOperations)

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if runOps > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runOps
	}

	return Metrics{
		VMCreated:         vmCreated,
		VMDestroyed:       atomic.LoadUint64(&vmDestroyCount),
		VCPUCreated:       atomic.LoadUint64(&vcpuCreateCount),
		VCPUDestroyed:     atomic.LoadUint64(&vcpuDestroyCount),
		RegionOps:         atomic.LoadUint64(&regionOps),
		DirtyLogOps:       atomic.LoadUint64(&dirtyLogOps),
		RegisterOps:       atomic.LoadUint64(&registerOps),
		RunOperations:     runOps,
		IOExits:           atomic.LoadUint64(&ioExits),
		MemAllocations:    atomic.LoadUint64(&memAllocations),
		MemReleases:       atomic.LoadUint64(&memReleases),
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
		ResourceErrors:    atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	atomic.StoreUint64(&vmCreateCount, 0)
	atomic.StoreUint64(&vmDestroyCount, 0)
	atomic.StoreUint64(&vcpuCreateCount, 0)
	atomic.StoreUint64(&vcpuDestroyCount, 0)
	atomic.StoreUint64(&regionOps, 0)
	atomic.StoreUint64(&dirtyLogOps, 0)
	atomic.StoreUint64(&registerOps, 0)
	atomic.StoreUint64(&runOperations, 0)
	atomic.StoreUint64(&ioExits, 0)
	atomic.StoreUint64(&memAllocations, 0)
	atomic.StoreUint64(&memReleases, 0)
	atomic.StoreUint64(&totalVMCreateTime, 0)
	atomic.StoreUint64(&totalRunTime, 0)
	atomic.StoreUint64(&resourceErrors, 0)
}

// Internal metric recording functions
func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	atomic.AddUint64(&vmDestroyCount, 1)
}

func recordVCPUCreate() {
	atomic.AddUint64(&vcpuCreateCount, 1)
}

func recordVCPUDestroy() {
	atomic.AddUint64(&vcpuDestroyCount, 1)
}

func recordRegionOp() {
	atomic.AddUint64(&regionOps, 1)
}

func recordDirtyLogOp() {
	atomic.AddUint64(&dirtyLogOps, 1)
}

func recordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func recordRun(duration time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(duration.Nanoseconds()))
}

func recordIOExit() {
	atomic.AddUint64(&ioExits, 1)
}

func recordMemAlloc() {
	atomic.AddUint64(&memAllocations, 1)
}

func recordMemFree() {
	atomic.AddUint64(&memReleases, 1)
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}
