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

// Package gpu defines the device primitives the memory management layers
// are built on. A Device is the execution context of a single GPU: it can
// allocate and free plain device memory, allocate stream-ordered memory,
// and, on platforms which support it, reserve virtual address ranges and
// back them with separately created physical memory.
package gpu

import (
	"fmt"
)

// Ptr is a device memory address. The zero Ptr is the nil address.
type Ptr uintptr

// Stream identifies a command stream of a device.
type Stream uint64

// MemHandle is an opaque handle to a block of physical device memory.
type MemHandle uint64

// LocationType is the type of a memory location.
type LocationType int

const (
	// LocationInvalid is an unset location.
	LocationInvalid LocationType = iota
	// LocationDevice is memory local to a device.
	LocationDevice
)

// Location identifies where physical memory lives.
type Location struct {
	Type LocationType
	ID   int
}

// AllocationType is the type of physical memory to create.
type AllocationType int

const (
	// AllocationInvalid is an unset allocation type.
	AllocationInvalid AllocationType = iota
	// AllocationPinned is non-migratable physical memory.
	AllocationPinned
)

// AllocationProp describes physical memory to be created.
type AllocationProp struct {
	Type     AllocationType
	Location Location
}

// AccessFlags are the permissions for mapped memory.
type AccessFlags int

const (
	// AccessNone makes mapped memory inaccessible.
	AccessNone AccessFlags = iota
	// AccessRead allows reading mapped memory.
	AccessRead
	// AccessReadWrite allows reading and writing mapped memory.
	AccessReadWrite
)

// AccessDesc grants a location access to a mapped range.
type AccessDesc struct {
	Location Location
	Flags    AccessFlags
}

// Memory is plain device memory allocation.
type Memory interface {
	// Malloc allocates bytes of device memory.
	Malloc(bytes uint64) (Ptr, error)
	// Free frees memory allocated by Malloc.
	Free(ptr Ptr) error
}

// StreamMemory is stream-ordered device memory allocation. Allocations
// become usable, and frees take effect, in stream order. This is the kind
// of allocation which can be captured into a replayable graph.
type StreamMemory interface {
	// MallocAsync allocates bytes of memory in the order of the stream.
	MallocAsync(bytes uint64, stream Stream) (Ptr, error)
	// FreeAsync frees memory in the order of the stream.
	FreeAsync(ptr Ptr, stream Stream) error
}

// VirtualMemory is the low-level virtual memory management interface.
type VirtualMemory interface {
	// AllocationGranularity returns the minimum granularity for the given
	// physical allocation properties. All sizes and offsets passed to the
	// other functions must be multiples of this.
	AllocationGranularity(prop AllocationProp) (uint64, error)
	// AddressReserve reserves a virtual address range.
	AddressReserve(size, alignment uint64) (Ptr, error)
	// AddressFree releases a reserved virtual address range.
	AddressFree(ptr Ptr, size uint64) error
	// MemCreate creates a block of physical memory.
	MemCreate(size uint64, prop AllocationProp) (MemHandle, error)
	// MemRelease releases a block of physical memory.
	MemRelease(handle MemHandle) error
	// MemMap maps physical memory into a reserved address range.
	MemMap(ptr Ptr, size, offset uint64, handle MemHandle) error
	// MemUnmap unmaps a mapped address range.
	MemUnmap(ptr Ptr, size uint64) error
	// MemSetAccess sets access permissions for a mapped address range.
	MemSetAccess(ptr Ptr, size uint64, desc []AccessDesc) error
}

// Device is the execution context of a single device.
type Device interface {
	Memory
	StreamMemory

	// ID returns the ordinal of the device.
	ID() int
	// MemGetInfo returns the amount of free and total device memory.
	MemGetInfo() (free, total uint64, err error)
	// Stream returns the command stream of the device.
	Stream() Stream
	// Synchronize blocks until all work queued on the stream is done.
	Synchronize(stream Stream) error
	// VirtualMemory returns the virtual memory management interface,
	// or false if the device does not support it.
	VirtualMemory() (VirtualMemory, bool)
}

// String returns a string representation of the pointer.
func (p Ptr) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

// Add returns the pointer offset by bytes.
func (p Ptr) Add(bytes uint64) Ptr {
	return p + Ptr(bytes)
}

// Offset returns the distance of the pointer from base.
func (p Ptr) Offset(base Ptr) uint64 {
	return uint64(p - base)
}

// String returns a string representation of the location.
func (l Location) String() string {
	switch l.Type {
	case LocationDevice:
		return fmt.Sprintf("device #%d", l.ID)
	case LocationInvalid:
		return "invalid location"
	}
	return fmt.Sprintf("%%!(gpu:Bad-Location %d/%d)", l.Type, l.ID)
}

// DeviceLocation returns the location of the given device.
func DeviceLocation(id int) Location {
	return Location{Type: LocationDevice, ID: id}
}

// PinnedOnDevice returns allocation properties for pinned memory on the device.
func PinnedOnDevice(id int) AllocationProp {
	return AllocationProp{
		Type:     AllocationPinned,
		Location: DeviceLocation(id),
	}
}
