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

package allocator

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/devmem/pkg/gpu"
	"github.com/containers/devmem/pkg/utils"
)

// VirtualRange is a bump allocator over a lazily committed virtual address
// range. The whole range is reserved once, up front. Physical memory is
// created and mapped at the end of the committed part of the range only
// when an allocation does not fit, in multiples of the commit step. The
// handles of all created physical memory are kept in a ledger, in order
// of creation, and released only when the allocator is closed.
//
// Individual allocations are never returned to the device. Reuse of freed
// memory is left to the buffer manager on top of the allocator.
type VirtualRange struct {
	vmm         gpu.VirtualMemory
	device      int
	prop        gpu.AllocationProp
	access      gpu.AccessDesc
	granularity uint64
	step        uint64
	base        gpu.Ptr
	size        uint64
	allocated   uint64
	committed   uint64
	ledger      []*physical
	stranded    []*physical
	closed      bool
}

// physical is a block of physical memory mapped into the reservation.
type physical struct {
	handle gpu.MemHandle
	offset uint64
	size   uint64
}

// DefaultCommitStep is the default minimum amount of physical memory
// committed at once.
const DefaultCommitStep = 2 << 20

var _ Allocator = &VirtualRange{}

// VirtualRangeOption is an option for a VirtualRange allocator.
type VirtualRangeOption func(*VirtualRange) error

// WithReservationSize sets the size of the reserved address range. By
// default the range is as large as the total memory of the device.
func WithReservationSize(bytes uint64) VirtualRangeOption {
	return func(v *VirtualRange) error {
		if bytes == 0 {
			return fmt.Errorf("zero reservation size")
		}
		v.size = bytes
		return nil
	}
}

// WithCommitStep sets the minimum amount of physical memory committed at
// once. The effective step is never smaller than the granularity and is
// rounded up to a multiple of it.
func WithCommitStep(bytes uint64) VirtualRangeOption {
	return func(v *VirtualRange) error {
		if bytes == 0 {
			return fmt.Errorf("zero commit step")
		}
		v.step = bytes
		return nil
	}
}

// NewVirtualRange creates a virtual range allocator for the device. The
// given granularity must be a multiple of the device allocation granularity.
// A granularity of 0 uses the device granularity.
func NewVirtualRange(dev gpu.Device, granularity uint64, options ...VirtualRangeOption) (*VirtualRange, error) {
	vmm, ok := dev.VirtualMemory()
	if !ok {
		return nil, fmt.Errorf("%w: no virtual memory management on device #%d",
			ErrInitialization, dev.ID())
	}

	v := &VirtualRange{
		vmm:    vmm,
		device: dev.ID(),
		step:   DefaultCommitStep,
		prop:   gpu.PinnedOnDevice(dev.ID()),
		access: gpu.AccessDesc{
			Location: gpu.DeviceLocation(dev.ID()),
			Flags:    gpu.AccessReadWrite,
		},
	}

	minimum, err := vmm.AllocationGranularity(v.prop)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query allocation granularity: %w",
			ErrInitialization, err)
	}

	switch {
	case minimum == 0:
		return nil, fmt.Errorf("%w: device reported zero granularity", ErrInitialization)
	case granularity == 0:
		granularity = minimum
	case granularity%minimum != 0:
		return nil, fmt.Errorf("%w: granularity %d is not a multiple of device granularity %d",
			ErrInitialization, granularity, minimum)
	}
	v.granularity = granularity

	for _, o := range options {
		if err := o(v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
	}

	if v.size == 0 {
		_, total, err := dev.MemGetInfo()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to query device memory: %w", ErrInitialization, err)
		}
		v.size = total
	}
	v.step = utils.AlignUp(max(v.step, v.granularity), v.granularity)
	v.size = utils.AlignUp(v.size, v.step)

	v.base, err = vmm.AddressReserve(v.size, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reserve %s of address space: %w",
			ErrInitialization, utils.HumanReadableSize(v.size), err)
	}

	log.Info("device #%d: reserved %s of address space at %s (granularity %s, commit step %s)",
		v.device, utils.HumanReadableSize(v.size), v.base, utils.HumanReadableSize(v.granularity),
		utils.HumanReadableSize(v.step))

	return v, nil
}

// Name implements Allocator.
func (v *VirtualRange) Name() string {
	return "virtual-range"
}

// Alloc implements Allocator. If the allocation does not fit into the
// committed range, the committed range is grown by the smallest multiple
// of the commit step that covers it. A failed Alloc leaves the allocator
// unchanged.
func (v *VirtualRange) Alloc(bytes uint64) (gpu.Ptr, error) {
	if v.closed {
		return 0, ErrClosed
	}
	if bytes == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", ErrInvalidSize)
	}
	if bytes > v.size-v.allocated {
		return 0, fmt.Errorf("%w: %s requested, %s of %s left", ErrAddressSpaceExhausted,
			utils.HumanReadableSize(bytes), utils.HumanReadableSize(v.size-v.allocated),
			utils.HumanReadableSize(v.size))
	}

	if end := v.allocated + bytes; end > v.committed {
		if err := v.commit(utils.AlignUp(end-v.committed, v.step)); err != nil {
			return 0, err
		}
	}

	ptr := v.base.Add(v.allocated)
	v.allocated += bytes

	log.Debug("device #%d: allocated %s at %s", v.device, utils.HumanReadableSize(bytes), ptr)

	return ptr, nil
}

// commit creates and maps physical memory at the end of the committed range.
func (v *VirtualRange) commit(bytes uint64) error {
	if v.committed+bytes > v.size {
		return fmt.Errorf("%w: cannot commit %s more, %s of %s committed", ErrAddressSpaceExhausted,
			utils.HumanReadableSize(bytes), utils.HumanReadableSize(v.committed),
			utils.HumanReadableSize(v.size))
	}

	if err := v.unmapStranded(); err != nil {
		if len(v.stranded) > 0 {
			return fmt.Errorf("%w: %w", ErrPhysicalCommit, err)
		}
		log.Error("device #%d: %v", v.device, err)
	}

	h, err := v.vmm.MemCreate(bytes, v.prop)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s of physical memory: %w",
			ErrPhysicalCommit, utils.HumanReadableSize(bytes), err)
	}

	ptr := v.base.Add(v.committed)
	if err := v.vmm.MemMap(ptr, bytes, 0, h); err != nil {
		v.release(h)
		return fmt.Errorf("%w: failed to map %s at %s: %w",
			ErrPhysicalCommit, utils.HumanReadableSize(bytes), ptr, err)
	}

	if err := v.vmm.MemSetAccess(ptr, bytes, []gpu.AccessDesc{v.access}); err != nil {
		if uerr := v.vmm.MemUnmap(ptr, bytes); uerr != nil {
			log.Error("device #%d: failed to unmap %s after failed access setup: %v", v.device, ptr, uerr)
			v.stranded = append(v.stranded, &physical{
				handle: h,
				offset: v.committed,
				size:   bytes,
			})
		} else {
			v.release(h)
		}
		return fmt.Errorf("%w: failed to set access for %s at %s: %w",
			ErrPhysicalCommit, utils.HumanReadableSize(bytes), ptr, err)
	}

	v.ledger = append(v.ledger, &physical{
		handle: h,
		offset: v.committed,
		size:   bytes,
	})
	v.committed += bytes

	log.Debug("device #%d: committed %s at %s (%s committed in %d blocks)", v.device,
		utils.HumanReadableSize(bytes), ptr, utils.HumanReadableSize(v.committed), len(v.ledger))

	return nil
}

// unmapStranded retries unmapping and releasing physical memory left
// mapped beyond the committed range by a failed rollback.
func (v *VirtualRange) unmapStranded() error {
	var result *multierror.Error
	left := v.stranded[:0]
	for _, p := range v.stranded {
		ptr := v.base.Add(p.offset)
		if err := v.vmm.MemUnmap(ptr, p.size); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to unmap %s+%d: %w", ptr, p.size, err))
			left = append(left, p)
			continue
		}
		if err := v.vmm.MemRelease(p.handle); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to release handle %d: %w", p.handle, err))
		}
	}
	v.stranded = left
	return result.ErrorOrNil()
}

func (v *VirtualRange) release(h gpu.MemHandle) {
	if err := v.vmm.MemRelease(h); err != nil {
		log.Error("device #%d: failed to release physical memory handle %d: %v", v.device, h, err)
	}
}

// Free implements Allocator. Memory is never returned to the device before
// Close, Free only checks that the address was handed out by Alloc.
func (v *VirtualRange) Free(ptr gpu.Ptr) error {
	if v.closed {
		return ErrClosed
	}
	if ptr < v.base || ptr >= v.base.Add(v.allocated) {
		return fmt.Errorf("%w: %s outside allocated range %s+%d", ErrInvalidRelease,
			ptr, v.base, v.allocated)
	}
	return nil
}

// Close implements Allocator. It unmaps and releases all physical memory
// in the order of creation, then releases the reserved address range.
func (v *VirtualRange) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true

	v.DumpState("closing: ")

	var result *multierror.Error
	if err := v.unmapStranded(); err != nil {
		result = multierror.Append(result, err)
	}
	v.stranded = nil

	for _, p := range v.ledger {
		ptr := v.base.Add(p.offset)
		if err := v.vmm.MemUnmap(ptr, p.size); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to unmap %s+%d: %w", ptr, p.size, err))
			continue
		}
		if err := v.vmm.MemRelease(p.handle); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to release handle %d: %w", p.handle, err))
		}
	}
	v.ledger = nil
	v.committed = 0
	v.allocated = 0

	if v.base != 0 {
		if err := v.vmm.AddressFree(v.base, v.size); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to free address range %s+%d: %w",
				v.base, v.size, err))
		}
		v.base = 0
	}

	return result.ErrorOrNil()
}

// Granularity implements Granular.
func (v *VirtualRange) Granularity() uint64 {
	return v.granularity
}

// CommitStep returns the minimum amount of physical memory committed at once.
func (v *VirtualRange) CommitStep() uint64 {
	return v.step
}

// ReservedBase returns the start of the reserved address range.
func (v *VirtualRange) ReservedBase() gpu.Ptr {
	return v.base
}

// ReservedSize returns the size of the reserved address range.
func (v *VirtualRange) ReservedSize() uint64 {
	return v.size
}

// BytesAllocated returns the amount of memory handed out by Alloc.
func (v *VirtualRange) BytesAllocated() uint64 {
	return v.allocated
}

// TotalBytes returns the amount of committed physical memory.
func (v *VirtualRange) TotalBytes() uint64 {
	return v.committed
}

// Handles returns the number of physical memory handles in use.
func (v *VirtualRange) Handles() int {
	return len(v.ledger)
}

// Headroom returns the amount of address space left for allocation.
func (v *VirtualRange) Headroom() uint64 {
	return v.size - v.allocated
}
