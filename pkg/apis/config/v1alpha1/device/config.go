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

package device

import (
	"k8s.io/apimachinery/pkg/api/resource"
)

// Policy is a device memory management policy.
// +kubebuilder:validation:Enum=best-fit;compact
type Policy string

const (
	// BestFit optimizes for allocation speed. Memory is allocated
	// directly from the device and buffers are managed as a stack.
	BestFit Policy = "best-fit"
	// Compact optimizes for memory footprint. Memory is committed
	// incrementally into a reserved virtual address range and buffers
	// are carved out of blocks with coalescing free lists.
	Compact Policy = "compact"
)

const (
	// DefaultBlockSize is the default minimum block size for compact
	// memory management.
	DefaultBlockSize = 1 << 20
	// DefaultAlignment is the default buffer alignment for compact
	// memory management.
	DefaultAlignment = 128
	// DefaultCommitStep is the default minimum amount of physical memory
	// committed at once for compact memory management.
	DefaultCommitStep = 2 << 20
)

// Config provides configuration for a single device.
type Config struct {
	// DeviceID is the ordinal of the device.
	// +optional
	DeviceID int `json:"deviceID,omitempty"`
	// Policy is the memory management policy to use for the device. If
	// the device lacks the virtual memory management primitives compact
	// memory management needs, best-fit is used instead.
	// +optional
	// +kubebuilder:default="best-fit"
	Policy Policy `json:"policy,omitempty"`
	// EnableGraphCapture makes best-fit memory management use stream-ordered
	// allocations, which can be captured into replayable command graphs.
	// +optional
	EnableGraphCapture bool `json:"enableGraphCapture,omitempty"`
	// DefaultBlockSize is the minimum block size for compact memory
	// management. The effective block size is never smaller than the
	// physical allocation granularity of the device.
	// +optional
	// +kubebuilder:default="1Mi"
	DefaultBlockSize *resource.Quantity `json:"defaultBlockSize,omitempty"`
	// Alignment is the buffer size alignment for compact memory management.
	// It must be a power of 2.
	// +optional
	// +kubebuilder:default=128
	Alignment *resource.Quantity `json:"alignment,omitempty"`
	// ReservationSize is the amount of virtual address space to reserve
	// for compact memory management. Defaults to the total memory of the
	// device.
	// +optional
	ReservationSize *resource.Quantity `json:"reservationSize,omitempty"`
	// CommitStep is the minimum amount of physical memory to commit at
	// once for compact memory management. The effective step is never
	// smaller than the physical allocation granularity of the device.
	// +optional
	// +kubebuilder:default="2Mi"
	CommitStep *resource.Quantity `json:"commitStep,omitempty"`
}

// Simulator provides configuration for a simulated device.
type Simulator struct {
	// TotalMemory is the amount of simulated device memory.
	// +optional
	// +kubebuilder:default="16Gi"
	TotalMemory *resource.Quantity `json:"totalMemory,omitempty"`
	// Granularity is the simulated physical allocation granularity.
	// +optional
	// +kubebuilder:default="2Mi"
	Granularity *resource.Quantity `json:"granularity,omitempty"`
	// DisableVirtualMemory simulates a platform without virtual memory
	// management.
	// +optional
	DisableVirtualMemory bool `json:"disableVirtualMemory,omitempty"`
}

// GetPolicy returns the configured policy, or the default one.
func (c *Config) GetPolicy() Policy {
	if c == nil || c.Policy == "" {
		return BestFit
	}
	return c.Policy
}

// GetDefaultBlockSize returns the configured default block size, or
// DefaultBlockSize if it is unset.
func (c *Config) GetDefaultBlockSize() uint64 {
	if c == nil {
		return DefaultBlockSize
	}
	return quantityOr(c.DefaultBlockSize, DefaultBlockSize)
}

// GetAlignment returns the configured alignment, or DefaultAlignment if it
// is unset.
func (c *Config) GetAlignment() uint64 {
	if c == nil {
		return DefaultAlignment
	}
	return quantityOr(c.Alignment, DefaultAlignment)
}

// GetCommitStep returns the configured commit step, or DefaultCommitStep
// if it is unset.
func (c *Config) GetCommitStep() uint64 {
	if c == nil {
		return DefaultCommitStep
	}
	return quantityOr(c.CommitStep, DefaultCommitStep)
}

// GetReservationSize returns the configured reservation size, or 0 if it
// is unset.
func (c *Config) GetReservationSize() uint64 {
	if c == nil {
		return 0
	}
	return quantityOr(c.ReservationSize, 0)
}

func quantityOr(q *resource.Quantity, def uint64) uint64 {
	if q == nil || q.Sign() <= 0 {
		return def
	}
	return uint64(q.Value())
}
