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
)

var (
	// ErrInvalidPolicy is returned for unknown memory management policies.
	ErrInvalidPolicy = fmt.Errorf("devmem: invalid memory management policy")
	// ErrClosed is returned when a closed device is used.
	ErrClosed = allocator.ErrClosed
)
