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

package replay

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/containers/devmem/pkg/devmem"
)

// Report summarizes a replay.
type Report struct {
	Trace           string
	Device          int
	Policy          devmem.Policy
	RequestedPolicy devmem.Policy
	Manager         string
	Allocator       string
	Ops             int
	Failures        int
	Buffers         int
	PeakAllocated   uint64
	FinalAllocated  uint64
	Held            uint64
	Scratch         uint64
	Reserved        uint64
	Committed       uint64
	Calls           map[string]int
	Duration        time.Duration
}

// Print prints the report as tables.
func (r *Report) Print(w io.Writer) {
	policy := string(r.Policy)
	if r.Policy != r.RequestedPolicy {
		policy = fmt.Sprintf("%s (requested %s)", r.Policy, r.RequestedPolicy)
	}

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Trace", r.Trace})
	summary.SetAlignment(tablewriter.ALIGN_LEFT)
	summary.AppendBulk([][]string{
		{"device", strconv.Itoa(r.Device)},
		{"policy", policy},
		{"buffer manager", r.Manager},
		{"allocator", r.Allocator},
		{"operations", fmt.Sprintf("%d (%d failed)", r.Ops, r.Failures)},
		{"live buffers", strconv.Itoa(r.Buffers)},
		{"peak allocated", humanize.IBytes(r.PeakAllocated)},
		{"final allocated", humanize.IBytes(r.FinalAllocated)},
		{"held", humanize.IBytes(r.Held)},
		{"scratch", humanize.IBytes(r.Scratch)},
		{"reserved", humanize.IBytes(r.Reserved)},
		{"committed", humanize.IBytes(r.Committed)},
		{"duration", r.Duration.String()},
	})
	summary.Render()

	if len(r.Calls) == 0 {
		return
	}

	calls := tablewriter.NewWriter(w)
	calls.SetHeader([]string{"Device call", "Count"})
	calls.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, op := range slices.Sorted(maps.Keys(r.Calls)) {
		calls.Append([]string{op, strconv.Itoa(r.Calls[op])})
	}
	calls.Render()
}
