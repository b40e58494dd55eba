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

// Package devmem implements buffered device memory management. A
// BufferedDevice picks a memory management policy for a device, sets up
// the corresponding low-level allocator and buffer manager, and serves
// buffer and scratch buffer requests through them.
package devmem

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/device"
	"github.com/containers/devmem/pkg/devmem/allocator"
	"github.com/containers/devmem/pkg/devmem/buffer"
	"github.com/containers/devmem/pkg/gpu"
	"github.com/containers/devmem/pkg/utils"
)

// Policy is a memory management policy.
type Policy = cfgapi.Policy

const (
	// BestFit uses direct (or stream-ordered) allocation with a stack manager.
	BestFit = cfgapi.BestFit
	// Compact uses a virtual range allocator with a compact manager.
	Compact = cfgapi.Compact
)

// Descriptor is a buffer descriptor.
type Descriptor = buffer.Descriptor

// BufferedDevice serves buffers for a single device using the buffer
// manager of its memory management policy. It also keeps a single
// scratch buffer for short-lived temporary use.
type BufferedDevice struct {
	mu          sync.Mutex
	dev         gpu.Device
	requested   Policy
	policy      Policy
	allocator   allocator.Allocator
	manager     buffer.Manager
	scratch     Descriptor
	scratchSize uint64
	counters    counters
	closed      bool
}

type counters struct {
	reallocs        uint64
	frees           uint64
	scratchReallocs uint64
	scratchReuses   uint64
	failures        uint64
}

// New sets up buffered memory management for the device. If the compact
// policy is requested but the device lacks virtual memory management,
// best-fit is used instead.
func New(dev gpu.Device, cfg *cfgapi.Config) (*BufferedDevice, error) {
	d := &BufferedDevice{
		dev:       dev,
		requested: cfg.GetPolicy(),
	}

	switch d.requested {
	case BestFit:
		d.setupBestFit(cfg)
	case Compact:
		if !allocator.SupportsVirtualRange(dev) {
			log.Warn("device #%d: compact memory management not supported, using %s instead",
				dev.ID(), BestFit)
			d.setupBestFit(cfg)
			break
		}
		if err := d.setupCompact(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, d.requested)
	}

	log.Info("device #%d: using %s memory management (%s allocator, %s buffer manager)",
		dev.ID(), d.policy, d.allocator.Name(), d.manager.Name())

	return d, nil
}

func (d *BufferedDevice) setupBestFit(cfg *cfgapi.Config) {
	if cfg != nil && cfg.EnableGraphCapture {
		d.allocator = allocator.NewStream(d.dev, d.dev.Stream())
	} else {
		d.allocator = allocator.NewDirect(d.dev)
	}
	d.manager = buffer.NewStack(d.allocator, true)
	d.policy = BestFit
}

func (d *BufferedDevice) setupCompact(cfg *cfgapi.Config) error {
	granularity, err := allocator.DeviceGranularity(d.dev)
	if err != nil {
		return fmt.Errorf("%w: device #%d: %w", allocator.ErrInitialization, d.dev.ID(), err)
	}

	options := []allocator.VirtualRangeOption{
		allocator.WithCommitStep(cfg.GetCommitStep()),
	}
	if size := cfg.GetReservationSize(); size != 0 {
		options = append(options, allocator.WithReservationSize(size))
	}

	a, err := allocator.NewVirtualRange(d.dev, granularity, options...)
	if err != nil {
		return err
	}

	blockSize := max(cfg.GetDefaultBlockSize(), granularity)
	m, err := buffer.NewCompact(a, cfg.GetAlignment(), blockSize)
	if err != nil {
		if cerr := a.Close(); cerr != nil {
			log.Error("device #%d: failed to close allocator: %v", d.dev.ID(), cerr)
		}
		return err
	}

	log.Info("device #%d: compact block size %s, alignment %d", d.dev.ID(),
		utils.HumanReadableSize(blockSize), cfg.GetAlignment())

	d.allocator = a
	d.manager = m
	d.policy = Compact

	return nil
}

// Realloc (re)allocates a buffer for the descriptor.
func (d *BufferedDevice) Realloc(bytes uint64, buf *Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.counters.reallocs++
	if err := d.manager.Realloc(bytes, buf); err != nil {
		d.counters.failures++
		return err
	}

	return nil
}

// Free releases the buffer of the descriptor. Unused descriptors are ignored.
func (d *BufferedDevice) Free(buf *Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if !buf.IsUsed() {
		return nil
	}

	d.counters.frees++
	if err := d.manager.Free(buf); err != nil {
		d.counters.failures++
		return err
	}

	return nil
}

// AllocTmpBuffer returns the scratch buffer, resized for bytes if needed.
// The scratch buffer is reallocated to exactly bytes if it is too small,
// or if bytes is no more than half of its current size. Otherwise the
// current scratch buffer is returned as such.
func (d *BufferedDevice) AllocTmpBuffer(bytes uint64, buf *Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if bytes > d.scratchSize || bytes <= d.scratchSize/2 {
		if err := d.manager.Realloc(bytes, &d.scratch); err != nil {
			d.counters.failures++
			return err
		}

		log.Debug("device #%d: scratch buffer resized from %s to %s", d.dev.ID(),
			utils.HumanReadableSize(d.scratchSize), utils.HumanReadableSize(bytes))

		d.scratchSize = bytes
		d.counters.scratchReallocs++
	} else {
		d.counters.scratchReuses++
	}

	*buf = d.scratch

	return nil
}

// FreeTmpBuffer releases a scratch buffer. The scratch buffer is only
// released when the device is closed, so this is a no-op.
func (d *BufferedDevice) FreeTmpBuffer(*Descriptor) {}

// Close releases all memory of the device. The command stream of the
// device is synchronized first. Then the scratch buffer is released, and
// finally the buffer manager and the allocator are closed in this order.
func (d *BufferedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var result *multierror.Error

	if err := d.dev.Synchronize(d.dev.Stream()); err != nil {
		log.Error("device #%d: failed to synchronize stream: %v", d.dev.ID(), err)
		result = multierror.Append(result, err)
	}

	log.Debug("device #%d: buffer manager %s allocates %d bytes", d.dev.ID(),
		d.manager.Name(), d.manager.AllocatedBytes())

	if d.scratch.IsUsed() {
		if err := d.manager.Free(&d.scratch); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to release scratch buffer: %w", err))
		}
	}
	d.scratchSize = 0

	if err := d.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.allocator.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("device #%d: %w", d.dev.ID(), err)
	}

	log.Info("device #%d: closed", d.dev.ID())

	return nil
}

// ID returns the ordinal of the device.
func (d *BufferedDevice) ID() int {
	return d.dev.ID()
}

// Policy returns the memory management policy in use.
func (d *BufferedDevice) Policy() Policy {
	return d.policy
}

// RequestedPolicy returns the configured memory management policy.
func (d *BufferedDevice) RequestedPolicy() Policy {
	return d.requested
}

// FellBack returns true if the requested policy could not be used.
func (d *BufferedDevice) FellBack() bool {
	return d.requested != d.policy
}

// Name returns the name of the buffer manager in use.
func (d *BufferedDevice) Name() string {
	return d.manager.Name()
}

// AllocatedBytes returns the amount of memory in use by the buffer manager.
func (d *BufferedDevice) AllocatedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0
	}
	return d.manager.AllocatedBytes()
}
