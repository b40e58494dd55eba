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
	"maps"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/devmem/pkg/gpu"
	"github.com/containers/devmem/pkg/utils"
)

// Direct passes every allocation and release straight through to the
// device. It keeps no memory around for reuse, only tracks outstanding
// allocations so that they can be released on Close.
type Direct struct {
	name   string
	malloc func(uint64) (gpu.Ptr, error)
	free   func(gpu.Ptr) error
	live   map[gpu.Ptr]uint64
	bytes  uint64
	closed bool
}

var _ Allocator = &Direct{}

// NewDirect creates an allocator using plain device allocation.
func NewDirect(mem gpu.Memory) *Direct {
	return newDirect("direct", mem.Malloc, mem.Free)
}

// NewStream creates an allocator using stream-ordered allocation on the
// given stream. This is the allocator to use when execution is captured
// into graphs.
func NewStream(mem gpu.StreamMemory, stream gpu.Stream) *Direct {
	return newDirect("stream",
		func(bytes uint64) (gpu.Ptr, error) {
			return mem.MallocAsync(bytes, stream)
		},
		func(ptr gpu.Ptr) error {
			return mem.FreeAsync(ptr, stream)
		},
	)
}

func newDirect(name string, malloc func(uint64) (gpu.Ptr, error), free func(gpu.Ptr) error) *Direct {
	return &Direct{
		name:   name,
		malloc: malloc,
		free:   free,
		live:   make(map[gpu.Ptr]uint64),
	}
}

// Name implements Allocator.
func (d *Direct) Name() string {
	return d.name
}

// Alloc implements Allocator.
func (d *Direct) Alloc(bytes uint64) (gpu.Ptr, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if bytes == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", ErrInvalidSize)
	}

	ptr, err := d.malloc(bytes)
	if err != nil {
		return 0, fmt.Errorf("%w: %s allocation of %s failed: %w", ErrPhysicalCommit,
			d.name, utils.HumanReadableSize(bytes), err)
	}

	d.live[ptr] = bytes
	d.bytes += bytes

	log.Debug("%s: allocated %s at %s", d.name, utils.HumanReadableSize(bytes), ptr)

	return ptr, nil
}

// Free implements Allocator.
func (d *Direct) Free(ptr gpu.Ptr) error {
	if d.closed {
		return ErrClosed
	}

	bytes, ok := d.live[ptr]
	if !ok {
		return fmt.Errorf("%w: %s not allocated by %s allocator", ErrInvalidRelease, ptr, d.name)
	}

	if err := d.free(ptr); err != nil {
		return fmt.Errorf("%s: failed to free %s: %w", d.name, ptr, err)
	}

	delete(d.live, ptr)
	d.bytes -= bytes

	log.Debug("%s: freed %s at %s", d.name, utils.HumanReadableSize(bytes), ptr)

	return nil
}

// Close implements Allocator. Any outstanding allocations are freed.
func (d *Direct) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var result *multierror.Error
	for _, ptr := range slices.Sorted(maps.Keys(d.live)) {
		log.Warn("%s: freeing leftover allocation at %s on close", d.name, ptr)
		if err := d.free(ptr); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: failed to free %s: %w", d.name, ptr, err))
		}
		delete(d.live, ptr)
	}
	d.bytes = 0

	return result.ErrorOrNil()
}

// AllocatedBytes returns the number of bytes currently allocated.
func (d *Direct) AllocatedBytes() uint64 {
	return d.bytes
}

// Allocations returns the number of outstanding allocations.
func (d *Direct) Allocations() int {
	return len(d.live)
}
