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

	"github.com/containers/devmem/pkg/healthz"
)

// CheckHealth reports a closed device as non-functional, and a device
// not using its requested policy as degraded.
func (d *BufferedDevice) CheckHealth() (healthz.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return healthz.NonFunctional, fmt.Errorf("device #%d: %w", d.dev.ID(), ErrClosed)
	case d.requested != d.policy:
		return healthz.Degraded, fmt.Errorf("device #%d: using %s instead of requested %s policy",
			d.dev.ID(), d.policy, d.requested)
	case d.counters.failures > 0:
		return healthz.Degraded, fmt.Errorf("device #%d: %d failed buffer operations",
			d.dev.ID(), d.counters.failures)
	}

	return healthz.Healthy, nil
}
