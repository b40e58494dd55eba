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

package devmem

import (
	"fmt"

	"github.com/containers/devmem/pkg/devmem/allocator"
	"github.com/containers/devmem/pkg/devmem/buffer"
	"github.com/containers/devmem/pkg/utils"
)

// Stats is a snapshot of the memory usage of a device.
type Stats struct {
	DeviceID        int
	Policy          Policy
	RequestedPolicy Policy
	Manager         string
	Allocator       string
	// AllocatedBytes is the amount of memory in use by the buffer manager.
	AllocatedBytes uint64
	// HeldBytes is the amount of memory the buffer manager holds from
	// the allocator.
	HeldBytes uint64
	// ScratchBytes is the size of the scratch buffer.
	ScratchBytes uint64
	// ReservedBytes and CommittedBytes are the reserved address space and
	// the committed physical memory of a virtual range allocator.
	ReservedBytes   uint64
	CommittedBytes  uint64
	PhysicalHandles int
	// Blocks is the number of blocks or regions held by the buffer manager.
	Blocks          int
	Reallocs        uint64
	Frees           uint64
	ScratchReallocs uint64
	ScratchReuses   uint64
	Failures        uint64
	Closed          bool
}

// Stats returns a snapshot of the memory usage of the device.
func (d *BufferedDevice) Stats() *Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &Stats{
		DeviceID:        d.dev.ID(),
		Policy:          d.policy,
		RequestedPolicy: d.requested,
		Manager:         d.manager.Name(),
		Allocator:       d.allocator.Name(),
		ScratchBytes:    d.scratchSize,
		Reallocs:        d.counters.reallocs,
		Frees:           d.counters.frees,
		ScratchReallocs: d.counters.scratchReallocs,
		ScratchReuses:   d.counters.scratchReuses,
		Failures:        d.counters.failures,
		Closed:          d.closed,
	}

	if d.closed {
		return s
	}

	s.AllocatedBytes = d.manager.AllocatedBytes()

	switch m := d.manager.(type) {
	case *buffer.Compact:
		s.HeldBytes = m.BlockBytes()
		s.Blocks = m.Blocks()
	case *buffer.Stack:
		s.HeldBytes = m.AllocatedBytes()
		s.Blocks = m.Regions()
	}

	if v, ok := d.allocator.(*allocator.VirtualRange); ok {
		s.ReservedBytes = v.ReservedSize()
		s.CommittedBytes = v.TotalBytes()
		s.PhysicalHandles = v.Handles()
	}

	return s
}

// String returns a short summary of the stats.
func (s *Stats) String() string {
	policy := string(s.Policy)
	if s.Policy != s.RequestedPolicy {
		policy += " (fallback from " + string(s.RequestedPolicy) + ")"
	}
	return fmt.Sprintf("device #%d: %s, %s/%s, allocated %s, held %s, scratch %s, committed %s/%s in %d handles",
		s.DeviceID, policy, s.Allocator, s.Manager,
		utils.HumanReadableSize(s.AllocatedBytes), utils.HumanReadableSize(s.HeldBytes),
		utils.HumanReadableSize(s.ScratchBytes), utils.HumanReadableSize(s.CommittedBytes),
		utils.HumanReadableSize(s.ReservedBytes), s.PhysicalHandles)
}
