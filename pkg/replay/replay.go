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

package replay

import (
	"context"
	"fmt"
	"time"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1"
	"github.com/containers/devmem/pkg/devmem"
	"github.com/containers/devmem/pkg/gpu/simulator"
	"github.com/containers/devmem/pkg/instrumentation/tracing"
	logger "github.com/containers/devmem/pkg/log"
)

var (
	log = logger.Get("replay")
)

// Replayer replays traces against a buffered device on a simulated device.
type Replayer struct {
	sim             *simulator.Device
	dev             *devmem.BufferedDevice
	bufs            map[string]*devmem.Descriptor
	scratch         devmem.Descriptor
	continueOnError bool
	report          *Report
}

// Option is an option for a Replayer.
type Option func(*Replayer)

// WithContinueOnError keeps replaying after failed operations.
func WithContinueOnError() Option {
	return func(r *Replayer) {
		r.continueOnError = true
	}
}

// NewSimulator creates a simulated device for the configuration.
func NewSimulator(cfg *cfgapi.DevmemConfig) *simulator.Device {
	var (
		sim     = &cfg.Spec.Simulator
		options = []simulator.Option{simulator.WithID(cfg.Spec.Device.DeviceID)}
	)

	if sim.TotalMemory != nil {
		options = append(options, simulator.WithTotalMemory(uint64(sim.TotalMemory.Value())))
	}
	if sim.Granularity != nil {
		options = append(options, simulator.WithGranularity(uint64(sim.Granularity.Value())))
	}
	if sim.DisableVirtualMemory {
		options = append(options, simulator.WithoutVirtualMemory())
	}

	return simulator.New(options...)
}

// New creates a replayer with a new simulated and buffered device for
// the configuration.
func New(cfg *cfgapi.DevmemConfig, options ...Option) (*Replayer, error) {
	sim := NewSimulator(cfg)
	dev, err := devmem.New(sim, &cfg.Spec.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to set up device: %w", err)
	}

	r := &Replayer{
		sim:    sim,
		dev:    dev,
		bufs:   make(map[string]*devmem.Descriptor),
		report: &Report{},
	}
	for _, o := range options {
		o(r)
	}

	return r, nil
}

// Device returns the buffered device of the replayer.
func (r *Replayer) Device() *devmem.BufferedDevice {
	return r.dev
}

// Simulator returns the simulated device of the replayer.
func (r *Replayer) Simulator() *simulator.Device {
	return r.sim
}

// Run replays the trace. Unless the replayer continues on errors, replay
// stops at the first failed operation.
func (r *Replayer) Run(ctx context.Context, t *Trace) (retErr error) {
	ctx, span := tracing.StartSpan(ctx, "replay",
		tracing.WithAttributes(
			tracing.Attribute("trace", t.Name),
			tracing.Attribute("ops", len(t.Ops)),
			tracing.Attribute("policy", string(r.dev.Policy())),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	log.Info("replaying trace %s (%d operations) on device #%d", t.Name, len(t.Ops), r.dev.ID())

	start := time.Now()
	defer func() {
		r.report.Duration += time.Since(start)
	}()

	r.report.Trace = t.Name
	for i, o := range t.Ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.apply(ctx, o)
		r.report.Ops++
		r.report.PeakAllocated = max(r.report.PeakAllocated, r.dev.AllocatedBytes())

		if err != nil {
			r.report.Failures++
			err = fmt.Errorf("op #%d (%s): %w", i, o, err)
			if !r.continueOnError {
				return err
			}
			log.Error("%v", err)
		}
	}

	return nil
}

func (r *Replayer) apply(ctx context.Context, o *Op) (retErr error) {
	_, span := tracing.StartSpan(ctx, string(o.Kind),
		tracing.WithAttributes(
			tracing.Attribute("id", o.ID),
			tracing.Attribute("bytes", o.bytes),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	log.Debug("%s", o)

	switch o.Kind {
	case Alloc:
		if buf, ok := r.bufs[o.ID]; ok && buf.IsUsed() {
			return fmt.Errorf("buffer %q already allocated", o.ID)
		}
		buf := &devmem.Descriptor{}
		if err := r.dev.Realloc(o.bytes, buf); err != nil {
			return err
		}
		r.bufs[o.ID] = buf

	case Realloc:
		buf, ok := r.bufs[o.ID]
		if !ok {
			buf = &devmem.Descriptor{}
		}
		if err := r.dev.Realloc(o.bytes, buf); err != nil {
			return err
		}
		r.bufs[o.ID] = buf

	case Free:
		buf, ok := r.bufs[o.ID]
		if !ok {
			return fmt.Errorf("unknown buffer %q", o.ID)
		}
		if err := r.dev.Free(buf); err != nil {
			return err
		}
		delete(r.bufs, o.ID)

	case Tmp:
		if err := r.dev.AllocTmpBuffer(o.bytes, &r.scratch); err != nil {
			return err
		}
		r.dev.FreeTmpBuffer(&r.scratch)

	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidTrace, o.Kind)
	}

	return nil
}

// Report returns the report of all replayed traces so far.
func (r *Replayer) Report() *Report {
	rpt := *r.report
	stats := r.dev.Stats()

	rpt.Device = stats.DeviceID
	rpt.Policy = stats.Policy
	rpt.RequestedPolicy = stats.RequestedPolicy
	rpt.Manager = stats.Manager
	rpt.Allocator = stats.Allocator
	rpt.Buffers = len(r.bufs)
	rpt.FinalAllocated = stats.AllocatedBytes
	rpt.Held = stats.HeldBytes
	rpt.Scratch = stats.ScratchBytes
	rpt.Reserved = stats.ReservedBytes
	rpt.Committed = stats.CommittedBytes
	rpt.Calls = r.sim.Stats().Calls

	return &rpt
}

// Close closes the buffered device and checks that all device memory was
// released.
func (r *Replayer) Close() error {
	if err := r.dev.Close(); err != nil {
		return err
	}
	if stats := r.sim.Stats(); stats.Leaked() {
		return fmt.Errorf("replay: device memory leaked: %s", stats)
	}
	return nil
}
