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

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"github.com/containers/devmem/pkg/devmem/allocator"
	"github.com/containers/devmem/pkg/gpu"
	"github.com/containers/devmem/pkg/utils"
)

const (
	btreeDegree = 8
)

// Compact is a buffer manager which carves buffers out of fixed-size
// blocks obtained from the allocator. Each block keeps its free space as
// an ordered set of intervals, with adjacent free intervals coalesced.
// New buffers go to the smallest free interval they fit in, across all
// blocks. A new block is allocated only if no free interval is large
// enough.
type Compact struct {
	a         allocator.Allocator
	alignment uint64
	blockSize uint64
	blocks    *btree.BTreeG[*block]
	free      *btree.BTreeG[span]
	used      map[gpu.Ptr]span
	allocated uint64
	reserved  uint64
	closed    bool
}

// block is a contiguous piece of memory obtained from the allocator.
type block struct {
	base gpu.Ptr
	size uint64
	free *btree.BTreeG[span]
}

// span is an interval within a block.
type span struct {
	blk    *block
	offset uint64
	size   uint64
}

var _ Manager = &Compact{}

// NewCompact creates a compact buffer manager on top of the allocator.
// Buffer sizes are rounded up to alignment, which must be a power of 2.
// Blocks are at least blockSize large.
func NewCompact(a allocator.Allocator, alignment, blockSize uint64) (*Compact, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of 2", ErrInvalidConfig, alignment)
	}
	if blockSize == 0 {
		return nil, fmt.Errorf("%w: zero block size", ErrInvalidConfig)
	}

	return &Compact{
		a:         a,
		alignment: alignment,
		blockSize: blockSize,
		blocks:    btree.NewG(btreeDegree, blockLess),
		free:      btree.NewG(btreeDegree, bestFitLess),
		used:      make(map[gpu.Ptr]span),
	}, nil
}

// blockLess orders blocks by address.
func blockLess(a, b *block) bool {
	return a.base < b.base
}

// offsetLess orders spans of a block by offset.
func offsetLess(a, b span) bool {
	return a.offset < b.offset
}

// bestFitLess orders free spans by size, then by block, then by offset.
func bestFitLess(a, b span) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	if a.blk != b.blk {
		if a.blk == nil || b.blk == nil {
			return a.blk == nil
		}
		return a.blk.base < b.blk.base
	}
	return a.offset < b.offset
}

func (s span) addr() gpu.Ptr {
	return s.blk.base.Add(s.offset)
}

func (s span) end() uint64 {
	return s.offset + s.size
}

func (s span) String() string {
	return fmt.Sprintf("%s+%s", s.addr(), utils.HumanReadableSize(s.size))
}

// Name implements Manager.
func (c *Compact) Name() string {
	return "compact"
}

// Realloc implements Manager.
func (c *Compact) Realloc(bytes uint64, d *Descriptor) error {
	if c.closed {
		return ErrClosed
	}

	if bytes == 0 {
		if !d.IsUsed() {
			return nil
		}
		return c.Free(d)
	}

	size := utils.AlignUp(bytes, c.alignment)

	if !d.IsUsed() {
		s, err := c.alloc(size)
		if err != nil {
			return err
		}
		*d = Descriptor{Addr: s.addr(), Size: bytes}
		c.validateState()
		return nil
	}

	u, ok := c.used[d.Addr]
	if !ok {
		log.Error("compact: realloc of unknown buffer %s", d.Addr)
		return fmt.Errorf("%w: %s not issued by %s manager", ErrInvalidRelease, d.Addr, c.Name())
	}

	switch {
	case size == u.size:
		d.Size = bytes

	case size < u.size:
		tail := span{blk: u.blk, offset: u.offset + size, size: u.size - size}
		u.size = size
		c.used[d.Addr] = u
		c.allocated -= tail.size
		c.insertFree(tail)
		d.Size = bytes

		log.Debug("compact: shrank buffer %s to %s", u, utils.HumanReadableSize(bytes))

	default:
		c.releaseSpan(u)
		s, err := c.alloc(size)
		if err != nil {
			// the released span is still free, take it back
			c.carveAt(u)
			return err
		}
		*d = Descriptor{Addr: s.addr(), Size: bytes}

		log.Debug("compact: moved buffer %s to %s", u, s)
	}

	c.validateState()

	return nil
}

// alloc allocates a span of the given aligned size.
func (c *Compact) alloc(size uint64) (span, error) {
	var (
		fit   span
		found bool
	)

	c.free.AscendGreaterOrEqual(span{size: size}, func(s span) bool {
		fit, found = s, true
		return false
	})

	if !found {
		blk, err := c.newBlock(size)
		if err != nil {
			return span{}, err
		}
		fit, _ = blk.free.Min()
	}

	c.removeFree(fit)
	if fit.size > size {
		c.insertFree(span{blk: fit.blk, offset: fit.offset + size, size: fit.size - size})
	}

	s := span{blk: fit.blk, offset: fit.offset, size: size}
	c.used[s.addr()] = s
	c.allocated += size

	return s, nil
}

// newBlock allocates a new block large enough for size.
func (c *Compact) newBlock(size uint64) (*block, error) {
	bytes := max(c.blockSize, size)

	addr, err := c.a.Alloc(bytes)
	if err != nil {
		return nil, fmt.Errorf("compact: failed to allocate block of %s: %w",
			utils.HumanReadableSize(bytes), err)
	}

	blk := &block{
		base: addr,
		size: bytes,
		free: btree.NewG(btreeDegree, offsetLess),
	}
	c.blocks.ReplaceOrInsert(blk)
	c.reserved += bytes
	c.insertFree(span{blk: blk, offset: 0, size: bytes})

	log.Debug("compact: allocated block %s+%s (%d blocks, %s)", addr, utils.HumanReadableSize(bytes),
		c.blocks.Len(), utils.HumanReadableSize(c.reserved))

	return blk, nil
}

// carveAt marks a specific free range used again.
func (c *Compact) carveAt(u span) {
	var (
		fit   span
		found bool
	)

	u.blk.free.DescendLessOrEqual(u, func(s span) bool {
		fit, found = s, true
		return false
	})

	if !found || fit.end() < u.end() {
		log.Error("internal error: compact: range %s is not free", u)
		return
	}

	c.removeFree(fit)
	if fit.offset < u.offset {
		c.insertFree(span{blk: fit.blk, offset: fit.offset, size: u.offset - fit.offset})
	}
	if fit.end() > u.end() {
		c.insertFree(span{blk: fit.blk, offset: u.end(), size: fit.end() - u.end()})
	}

	c.used[u.addr()] = u
	c.allocated += u.size
}

// Free implements Manager.
func (c *Compact) Free(d *Descriptor) error {
	if c.closed {
		return ErrClosed
	}

	if !d.IsUsed() {
		log.Error("compact: release of unused descriptor")
		return fmt.Errorf("%w: unused descriptor", ErrInvalidRelease)
	}

	u, ok := c.used[d.Addr]
	if !ok {
		log.Error("compact: release of unknown buffer %s", d.Addr)
		return fmt.Errorf("%w: %s not issued by %s manager", ErrInvalidRelease, d.Addr, c.Name())
	}

	c.releaseSpan(u)
	d.Reset()
	c.validateState()

	return nil
}

// releaseSpan returns a used span to the free intervals of its block.
func (c *Compact) releaseSpan(u span) {
	delete(c.used, u.addr())
	c.allocated -= u.size
	c.insertFree(u)
}

// insertFree adds a free span, coalescing it with its free neighbours.
func (c *Compact) insertFree(s span) {
	var (
		blk        = s.blk
		prev, next span
		hasPrev    bool
		hasNext    bool
	)

	blk.free.DescendLessOrEqual(s, func(p span) bool {
		prev, hasPrev = p, true
		return false
	})
	blk.free.AscendGreaterOrEqual(s, func(n span) bool {
		next, hasNext = n, true
		return false
	})

	if hasPrev && prev.end() == s.offset {
		c.removeFree(prev)
		s.offset = prev.offset
		s.size += prev.size
	}
	if hasNext && s.end() == next.offset {
		c.removeFree(next)
		s.size += next.size
	}

	blk.free.ReplaceOrInsert(s)
	c.free.ReplaceOrInsert(s)
}

func (c *Compact) removeFree(s span) {
	s.blk.free.Delete(s)
	c.free.Delete(s)
}

// AllocatedBytes implements Manager. It returns the size of the buffers
// in use, rounded up to alignment.
func (c *Compact) AllocatedBytes() uint64 {
	return c.allocated
}

// BlockBytes returns the amount of memory held from the allocator.
func (c *Compact) BlockBytes() uint64 {
	return c.reserved
}

// FreeBytes returns the amount of free memory in all blocks.
func (c *Compact) FreeBytes() uint64 {
	return c.reserved - c.allocated
}

// Blocks returns the number of blocks held from the allocator.
func (c *Compact) Blocks() int {
	return c.blocks.Len()
}

// Alignment returns the buffer size alignment.
func (c *Compact) Alignment() uint64 {
	return c.alignment
}

// BlockSize returns the minimum block size.
func (c *Compact) BlockSize() uint64 {
	return c.blockSize
}

// Close implements Manager.
func (c *Compact) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.DumpBlocks("closing: ")

	if n := len(c.used); n > 0 {
		log.Warn("compact: releasing %d buffers (%s) still in use", n, utils.HumanReadableSize(c.allocated))
	}

	var result *multierror.Error
	c.blocks.Ascend(func(blk *block) bool {
		if err := c.a.Free(blk.base); err != nil {
			result = multierror.Append(result, fmt.Errorf("compact: failed to release block %s: %w",
				blk.base, err))
		}
		return true
	})
	c.blocks.Clear(false)
	c.free.Clear(false)
	c.used = nil
	c.allocated = 0
	c.reserved = 0

	if err := c.a.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("compact: failed to close %s allocator: %w",
			c.a.Name(), err))
	}

	return result.ErrorOrNil()
}
