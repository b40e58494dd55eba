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

	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/utils"
)

var (
	log     = logger.Get("buffer")
	details = logger.Get("buffer-details")
)

// DumpBlocks logs the blocks and free intervals of the manager.
func (c *Compact) DumpBlocks(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	details.Debug("%s%d blocks of %s, %s allocated in %d buffers", prefix, c.blocks.Len(),
		utils.HumanReadableSize(c.reserved), utils.HumanReadableSize(c.allocated), len(c.used))

	c.blocks.Ascend(func(blk *block) bool {
		details.Debug("%s  - block %s+%s", prefix, blk.base, utils.HumanReadableSize(blk.size))
		blk.free.Ascend(func(s span) bool {
			details.Debug("%s      free %s", prefix, s)
			return true
		})
		return true
	})
}

// DumpRegions logs the regions held by the manager.
func (s *Stack) DumpRegions(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	details.Debug("%s%d regions, %s held", prefix, len(s.regions), utils.HumanReadableSize(s.held))
	for _, addr := range slices.Sorted(maps.Keys(s.regions)) {
		r := s.regions[addr]
		state := "free"
		if r.used {
			state = "used " + utils.HumanReadableSize(r.size)
		}
		details.Debug("%s  - %s+%s (%s)", prefix, addr, utils.HumanReadableSize(r.capacity), state)
	}
}

func (c *Compact) validateState() {
	if !details.DebugEnabled() {
		return
	}
	if err := c.validate(); err != nil {
		log.Error("internal error: %v", err)
		c.DumpBlocks("invalid state: ")
	}
}

// validate checks the consistency of blocks, free and used intervals.
func (c *Compact) validate() error {
	var (
		used     = map[*block]uint64{}
		free     = 0
		reserved uint64
		alloced  uint64
		err      error
	)

	for addr, u := range c.used {
		if addr != u.addr() {
			return fmt.Errorf("used span %s registered at %s", u, addr)
		}
		used[u.blk] += u.size
		alloced += u.size
	}
	if alloced != c.allocated {
		return fmt.Errorf("%d bytes in used spans, %d accounted", alloced, c.allocated)
	}

	c.blocks.Ascend(func(blk *block) bool {
		var (
			prev    span
			hasPrev bool
			sum     uint64
		)
		reserved += blk.size
		blk.free.Ascend(func(s span) bool {
			switch {
			case s.blk != blk:
				err = fmt.Errorf("free span %s in foreign block %s", s, blk.base)
			case s.size == 0:
				err = fmt.Errorf("empty free span %s", s)
			case s.end() > blk.size:
				err = fmt.Errorf("free span %s beyond block %s+%d", s, blk.base, blk.size)
			case hasPrev && prev.end() > s.offset:
				err = fmt.Errorf("free spans %s and %s overlap", prev, s)
			case hasPrev && prev.end() == s.offset:
				err = fmt.Errorf("free spans %s and %s not coalesced", prev, s)
			case !c.free.Has(s):
				err = fmt.Errorf("free span %s not indexed", s)
			}
			prev, hasPrev = s, true
			sum += s.size
			free++
			return err == nil
		})
		if err == nil && sum+used[blk] != blk.size {
			err = fmt.Errorf("block %s+%d: %d bytes free, %d used", blk.base, blk.size, sum, used[blk])
		}
		return err == nil
	})
	if err != nil {
		return err
	}

	if reserved != c.reserved {
		return fmt.Errorf("%d bytes in blocks, %d accounted", reserved, c.reserved)
	}
	if free != c.free.Len() {
		return fmt.Errorf("%d free spans in blocks, %d indexed", free, c.free.Len())
	}

	return nil
}
