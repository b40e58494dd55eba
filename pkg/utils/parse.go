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

package utils

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ParseEnabled parses a boolean-like on/off string.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "enable", "enabled", "yes", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled state %q", value)
}

// ParseSize parses a size given either as a plain byte count or as a
// quantity with a binary or decimal suffix (512, 4k, 2Mi, 1Gi).
func ParseSize(value string) (uint64, error) {
	q, err := resource.ParseQuantity(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("invalid negative size %q", value)
	}
	return uint64(q.Value()), nil
}
