// Copyright The devmem Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package allocator implements low-level device memory allocators. A
// low-level allocator hands out raw device addresses to buffer managers.
// It is never used directly by kernel code.
//
// Direct maps every call to a device malloc or free. Stream does the same
// with stream-ordered allocation, which allows allocations to be captured
// into replayable execution graphs. VirtualRange reserves a large virtual
// address range once and backs it with physical memory on demand, in
// granularity-aligned steps, bump allocating from the committed range.
package allocator

import (
	"github.com/containers/devmem/pkg/gpu"
)

// Allocator is a low-level device memory allocator.
type Allocator interface {
	// Name returns the name of the allocator.
	Name() string
	// Alloc allocates bytes of device memory.
	Alloc(bytes uint64) (gpu.Ptr, error)
	// Free releases memory returned by Alloc. Whether memory is actually
	// returned to the device depends on the allocator.
	Free(ptr gpu.Ptr) error
	// Close releases all device memory held by the allocator. Close is
	// idempotent. The allocator cannot be used afterwards.
	Close() error
}

// Granular is implemented by allocators with a physical allocation
// granularity.
type Granular interface {
	// Granularity returns the physical allocation granularity.
	Granularity() uint64
}

// SupportsVirtualRange returns true if VirtualRange can be used with the device.
func SupportsVirtualRange(dev gpu.Device) bool {
	_, ok := dev.VirtualMemory()
	return ok
}

// DeviceGranularity returns the minimum physical allocation granularity
// for pinned memory on the device.
func DeviceGranularity(dev gpu.Device) (uint64, error) {
	vmm, ok := dev.VirtualMemory()
	if !ok {
		return 0, gpu.NewError("AllocationGranularity", gpu.ErrorNotSupported,
			"no virtual memory management on device #%d", dev.ID())
	}
	return vmm.AllocationGranularity(gpu.PinnedOnDevice(dev.ID()))
}
