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

// Package buffer implements buffer managers on top of low-level device
// memory allocators. A buffer manager hands out buffer descriptors and
// decides if and when memory released by its callers is reused or given
// back to the allocator it was obtained from.
package buffer

import (
	"github.com/containers/devmem/pkg/gpu"
)

// Descriptor describes a buffer issued by a Manager. Callers may use the
// memory the descriptor points at, but any change to the allocation must
// go through the Manager which issued the descriptor.
type Descriptor struct {
	// Addr is the device address of the buffer. Zero for unused descriptors.
	Addr gpu.Ptr
	// Size is the usable size of the buffer.
	Size uint64
}

// Manager is the interface of buffer managers.
type Manager interface {
	// Name returns the name of the buffer management policy.
	Name() string
	// Realloc (re)allocates a buffer of bytes for the descriptor. An unused
	// descriptor gets a new buffer. A used one is resized, possibly moving
	// it. The content of a moved buffer is not preserved. A zero size
	// releases the buffer.
	Realloc(bytes uint64, d *Descriptor) error
	// Free releases the buffer of the descriptor and clears the descriptor.
	Free(d *Descriptor) error
	// AllocatedBytes returns the amount of memory in use by the manager.
	AllocatedBytes() uint64
	// Close releases all memory held by the manager, then closes the
	// underlying allocator.
	Close() error
}

// IsUsed returns true if the descriptor has a buffer.
func (d *Descriptor) IsUsed() bool {
	return d != nil && d.Addr != 0
}

// Reset clears the descriptor.
func (d *Descriptor) Reset() {
	*d = Descriptor{}
}

// End returns the address right after the buffer.
func (d *Descriptor) End() gpu.Ptr {
	return d.Addr.Add(d.Size)
}
