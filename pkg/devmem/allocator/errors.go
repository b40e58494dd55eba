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

import "fmt"

var (
	ErrInitialization        = fmt.Errorf("allocator: initialization failed")
	ErrAddressSpaceExhausted = fmt.Errorf("allocator: reserved address space exhausted")
	ErrPhysicalCommit        = fmt.Errorf("allocator: failed to commit physical memory")
	ErrInvalidRelease        = fmt.Errorf("allocator: invalid release")
	ErrInvalidSize           = fmt.Errorf("allocator: invalid allocation size")
	ErrClosed                = fmt.Errorf("allocator: allocator closed")
)
