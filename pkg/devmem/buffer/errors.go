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

	"github.com/containers/devmem/pkg/devmem/allocator"
)

var (
	// ErrInvalidRelease is returned for descriptors not issued by the manager.
	ErrInvalidRelease = allocator.ErrInvalidRelease
	// ErrClosed is returned when a closed manager is used.
	ErrClosed = allocator.ErrClosed
	// ErrInvalidConfig is returned for invalid manager parameters.
	ErrInvalidConfig = fmt.Errorf("buffer: invalid configuration")
)
