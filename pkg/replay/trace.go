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

// Package replay replays buffer allocation traces against a buffered
// device and reports the resulting memory usage.
package replay

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	"github.com/containers/devmem/pkg/utils"
)

// Kind is the kind of a trace operation.
type Kind string

const (
	// Alloc allocates a new buffer.
	Alloc Kind = "alloc"
	// Realloc resizes a buffer, allocating it if necessary.
	Realloc Kind = "realloc"
	// Free releases a buffer.
	Free Kind = "free"
	// Tmp requests the scratch buffer.
	Tmp Kind = "tmp"
)

var (
	// ErrInvalidTrace is returned for malformed traces.
	ErrInvalidTrace = fmt.Errorf("replay: invalid trace")
)

// Trace is a sequence of buffer operations.
type Trace struct {
	Name string `json:"name,omitempty"`
	Ops  []*Op  `json:"ops"`
}

// Op is a single buffer operation of a trace.
type Op struct {
	// Kind is the kind of the operation.
	Kind Kind `json:"op"`
	// ID identifies the buffer. Unused for Tmp.
	ID string `json:"id,omitempty"`
	// Size is the requested size, as a byte count or a quantity (4Ki, 2Mi).
	// Unused for Free.
	Size string `json:"size,omitempty"`

	bytes uint64
}

// Bytes returns the parsed size of the operation.
func (o *Op) Bytes() uint64 {
	return o.bytes
}

func (o *Op) String() string {
	switch o.Kind {
	case Free:
		return fmt.Sprintf("%s %s", o.Kind, o.ID)
	case Tmp:
		return fmt.Sprintf("%s %d", o.Kind, o.bytes)
	}
	return fmt.Sprintf("%s %s %d", o.Kind, o.ID, o.bytes)
}

// LoadTrace reads and parses the trace file at path.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	t, err := ParseTrace(data)
	if err != nil {
		return nil, err
	}
	if t.Name == "" {
		t.Name = filepath.Base(path)
	}
	return t, nil
}

// ParseTrace parses trace data. All invalid operations are reported together.
func ParseTrace(data []byte) (*Trace, error) {
	t := &Trace{}
	if err := yaml.UnmarshalStrict(data, t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTrace, err)
	}

	var result *multierror.Error
	for i, o := range t.Ops {
		if err := o.parse(); err != nil {
			result = multierror.Append(result, fmt.Errorf("op #%d: %w", i, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTrace, err)
	}

	return t, nil
}

func (o *Op) parse() error {
	switch o.Kind {
	case Alloc, Realloc, Free:
		if o.ID == "" {
			return fmt.Errorf("%s without buffer id", o.Kind)
		}
	case Tmp:
		if o.ID != "" {
			return fmt.Errorf("%s with buffer id %q", o.Kind, o.ID)
		}
	default:
		return fmt.Errorf("unknown operation %q", o.Kind)
	}

	if o.Kind == Free {
		if o.Size != "" {
			return fmt.Errorf("%s with size %q", o.Kind, o.Size)
		}
		return nil
	}

	if o.Size == "" {
		return fmt.Errorf("%s without size", o.Kind)
	}
	bytes, err := utils.ParseSize(o.Size)
	if err != nil {
		return err
	}
	if bytes == 0 && o.Kind == Alloc {
		return fmt.Errorf("%s of zero bytes", o.Kind)
	}
	o.bytes = bytes

	return nil
}
