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
	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/utils"
)

var (
	log     = logger.Get("allocator")
	details = logger.Get("allocator-details")
)

// DumpState logs the committed physical memory of the allocator.
func (v *VirtualRange) DumpState(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	details.Debug("%sdevice #%d: reservation %s+%s, %s allocated, %s committed", prefix,
		v.device, v.base, utils.HumanReadableSize(v.size),
		utils.HumanReadableSize(v.allocated), utils.HumanReadableSize(v.committed))

	if len(v.ledger) == 0 && len(v.stranded) == 0 {
		details.Debug("%s  no physical memory", prefix)
		return
	}

	for i, p := range v.ledger {
		details.Debug("%s  #%d: handle %d at %s+%s", prefix, i, p.handle,
			v.base.Add(p.offset), utils.HumanReadableSize(p.size))
	}
	for _, p := range v.stranded {
		details.Debug("%s  stranded: handle %d at %s+%s", prefix, p.handle,
			v.base.Add(p.offset), utils.HumanReadableSize(p.size))
	}
}
