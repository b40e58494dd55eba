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
	"math"
	"strconv"
	"strings"
)

// HumanReadableSize returns the size with a binary unit suffix, using
// up to 3 fractional digits (1536 -> "1.5k", 2097152 -> "2M").
func HumanReadableSize(size uint64) string {
	if size < 1024 {
		return strconv.FormatUint(size, 10)
	}

	units := []string{"k", "M", "G", "T", "P"}
	for i, d := 0, uint64(1024); i < len(units); i, d = i+1, d<<10 {
		if val := size / d; val < 1024 || i == len(units)-1 {
			fval := float64(size) / float64(d)
			if math.Floor(fval) == fval {
				return fmt.Sprintf("%d%s", val, units[i])
			}
			return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
		}
	}

	return strconv.FormatUint(size, 10)
}

// AlignUp rounds n up to the nearest multiple of alignment. An alignment
// of 0 leaves n unchanged.
func AlignUp(n, alignment uint64) uint64 {
	if alignment == 0 {
		return n
	}
	return (n + alignment - 1) / alignment * alignment
}
