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

package buffer

import (
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/devmem/pkg/devmem/allocator"
	"github.com/containers/devmem/pkg/gpu"
	"github.com/containers/devmem/pkg/utils"
)

// Stack is a buffer manager which only ever grows. Every buffer lives in
// a region of its own. A region keeps the largest capacity it ever had,
// and a buffer grown beyond it moves into a new region. Released regions
// are returned to the allocator only when the manager is closed, unless
// compactOnFree is set, in which case the most recently released region
// which is large enough is reused for the next new buffer.
type Stack struct {
	a             allocator.Allocator
	compactOnFree bool
	regions       map[gpu.Ptr]*region
	free          []*region
	held          uint64
	closed        bool
}

// region is memory obtained from the allocator for a single buffer.
type region struct {
	addr     gpu.Ptr
	capacity uint64
	size     uint64
	used     bool
}

var _ Manager = &Stack{}

// NewStack creates a stack buffer manager on top of the allocator.
func NewStack(a allocator.Allocator, compactOnFree bool) *Stack {
	return &Stack{
		a:             a,
		compactOnFree: compactOnFree,
		regions:       make(map[gpu.Ptr]*region),
	}
}

// Name implements Manager.
func (s *Stack) Name() string {
	return "stack"
}

// Realloc implements Manager.
func (s *Stack) Realloc(bytes uint64, d *Descriptor) error {
	if s.closed {
		return ErrClosed
	}

	if bytes == 0 {
		if !d.IsUsed() {
			return nil
		}
		return s.Free(d)
	}

	if !d.IsUsed() {
		r, err := s.get(bytes)
		if err != nil {
			return err
		}
		*d = Descriptor{Addr: r.addr, Size: bytes}
		return nil
	}

	r, ok := s.regions[d.Addr]
	if !ok || !r.used {
		log.Error("stack: realloc of unknown buffer %s", d.Addr)
		return fmt.Errorf("%w: %s not issued by %s manager", ErrInvalidRelease, d.Addr, s.Name())
	}

	if bytes <= r.capacity {
		r.size = bytes
		d.Size = bytes
		return nil
	}

	grown, err := s.alloc(bytes)
	if err != nil {
		return err
	}

	log.Debug("stack: regrew buffer %s (%s) to %s at %s", r.addr,
		utils.HumanReadableSize(r.capacity), utils.HumanReadableSize(bytes), grown.addr)

	s.release(r)
	*d = Descriptor{Addr: grown.addr, Size: bytes}

	return nil
}

// get returns a region for a new buffer, reusing a released one if possible.
func (s *Stack) get(bytes uint64) (*region, error) {
	if s.compactOnFree {
		for i := len(s.free) - 1; i >= 0; i-- {
			r := s.free[i]
			if r.capacity < bytes {
				continue
			}
			s.free = slices.Delete(s.free, i, i+1)
			r.used = true
			r.size = bytes

			log.Debug("stack: reusing region %s (%s) for %s", r.addr,
				utils.HumanReadableSize(r.capacity), utils.HumanReadableSize(bytes))

			return r, nil
		}
	}

	return s.alloc(bytes)
}

func (s *Stack) alloc(bytes uint64) (*region, error) {
	addr, err := s.a.Alloc(bytes)
	if err != nil {
		return nil, fmt.Errorf("stack: failed to allocate %s: %w", utils.HumanReadableSize(bytes), err)
	}

	r := &region{
		addr:     addr,
		capacity: bytes,
		size:     bytes,
		used:     true,
	}
	s.regions[addr] = r
	s.held += bytes

	return r, nil
}

// release returns a region outgrown by its buffer to the allocator.
func (s *Stack) release(r *region) {
	r.used = false
	if err := s.a.Free(r.addr); err != nil {
		// keep it around for Close to retry
		log.Error("stack: failed to release region %s: %v", r.addr, err)
		return
	}
	delete(s.regions, r.addr)
	s.held -= r.capacity
}

// Free implements Manager.
func (s *Stack) Free(d *Descriptor) error {
	if s.closed {
		return ErrClosed
	}

	if !d.IsUsed() {
		log.Error("stack: release of unused descriptor")
		return fmt.Errorf("%w: unused descriptor", ErrInvalidRelease)
	}

	r, ok := s.regions[d.Addr]
	if !ok || !r.used {
		log.Error("stack: release of unknown buffer %s", d.Addr)
		return fmt.Errorf("%w: %s not issued by %s manager", ErrInvalidRelease, d.Addr, s.Name())
	}

	r.used = false
	r.size = 0
	if s.compactOnFree {
		s.free = append(s.free, r)
	}
	d.Reset()

	return nil
}

// AllocatedBytes implements Manager. It returns the amount of memory held
// from the allocator, including released but not yet returned regions.
func (s *Stack) AllocatedBytes() uint64 {
	return s.held
}

// UsedBytes returns the size of the buffers currently in use.
func (s *Stack) UsedBytes() uint64 {
	var used uint64
	for _, r := range s.regions {
		if r.used {
			used += r.size
		}
	}
	return used
}

// Regions returns the number of regions held from the allocator.
func (s *Stack) Regions() int {
	return len(s.regions)
}

// Close implements Manager.
func (s *Stack) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	for _, addr := range slices.Sorted(maps.Keys(s.regions)) {
		r := s.regions[addr]
		if r.used {
			log.Warn("stack: releasing buffer %s (%s) still in use", addr, utils.HumanReadableSize(r.size))
		}
		if err := s.a.Free(addr); err != nil {
			result = multierror.Append(result, fmt.Errorf("stack: failed to release region %s: %w", addr, err))
		}
	}
	s.regions = nil
	s.free = nil
	s.held = 0

	if err := s.a.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stack: failed to close %s allocator: %w", s.a.Name(), err))
	}

	return result.ErrorOrNil()
}
