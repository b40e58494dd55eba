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

package simulator

import (
	"fmt"
	"maps"
	"strings"
)

// Stats is a snapshot of the live resources of a simulated device.
type Stats struct {
	// Allocations is the number of live Malloc/MallocAsync allocations.
	Allocations int
	// AllocatedBytes is the size of live Malloc/MallocAsync allocations.
	AllocatedBytes uint64
	// Handles is the number of live physical memory handles.
	Handles int
	// PhysicalBytes is the size of live physical memory handles.
	PhysicalBytes uint64
	// Mappings is the number of live mappings.
	Mappings int
	// Reservations is the number of live address reservations.
	Reservations int
	// ReservedBytes is the size of live address reservations.
	ReservedBytes uint64
	// Calls counts driver calls by operation.
	Calls map[string]int
}

// Stats returns a snapshot of the live resources of the device.
func (d *Device) Stats() *Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &Stats{
		Allocations:    len(d.allocs),
		AllocatedBytes: d.allocated,
		Handles:        len(d.handles),
		PhysicalBytes:  d.physical,
		Reservations:   len(d.reservations),
		Calls:          maps.Clone(d.calls),
	}
	for _, r := range d.reservations {
		s.Mappings += len(r.mappings)
		s.ReservedBytes += r.size
	}

	return s
}

// Leaked returns true if any device resource is still live.
func (s *Stats) Leaked() bool {
	return s.Allocations != 0 || s.Handles != 0 || s.Mappings != 0 || s.Reservations != 0
}

// String returns a string representation of the stats.
func (s *Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "allocations: %d (%d bytes), ", s.Allocations, s.AllocatedBytes)
	fmt.Fprintf(&b, "handles: %d (%d bytes), ", s.Handles, s.PhysicalBytes)
	fmt.Fprintf(&b, "mappings: %d, ", s.Mappings)
	fmt.Fprintf(&b, "reservations: %d (%d bytes)", s.Reservations, s.ReservedBytes)
	return b.String()
}
