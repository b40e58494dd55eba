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

package klogcontrol

import (
	"strconv"
)

// Config provides runtime configuration for klog. Field names follow
// the klog command line flags they set.
//
//nolint:revive,stylecheck
type Config struct {
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// +optional
	Log_file *string `json:"log_file,omitempty"`
	// +optional
	Stderrthreshold *string `json:"stderrthreshold,omitempty"`
	// +optional
	V *int `json:"v,omitempty"`
	// +optional
	Vmodule *string `json:"vmodule,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag.
func (c *Config) GetByFlag(name string) (string, bool) {
	switch name {
	case "logtostderr":
		return boolValue(c.Logtostderr)
	case "alsologtostderr":
		return boolValue(c.Alsologtostderr)
	case "skip_headers":
		return boolValue(c.Skip_headers)
	case "log_file":
		return stringValue(c.Log_file)
	case "stderrthreshold":
		return stringValue(c.Stderrthreshold)
	case "v":
		if c.V == nil {
			return "", false
		}
		return strconv.Itoa(*c.V), true
	case "vmodule":
		return stringValue(c.Vmodule)
	}
	return "", false
}

func boolValue(b *bool) (string, bool) {
	if b == nil {
		return "", false
	}
	return strconv.FormatBool(*b), true
}

func stringValue(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	return *s, true
}
