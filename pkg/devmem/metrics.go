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
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/devmem/pkg/metrics"
)

const (
	descAllocatedBytes = iota
	descHeldBytes
	descScratchBytes
	descReservedBytes
	descCommittedBytes
	descPhysicalHandles
	descBlocks
	descOperations
	descFailures
	descFallback
)

var (
	deviceLabels = []string{
		"device",
		"policy",
		"manager",
	}

	descriptors = []*prometheus.Desc{
		descAllocatedBytes: prometheus.NewDesc(
			"allocated_bytes",
			"Amount of device memory in use by the buffer manager.",
			deviceLabels,
			nil,
		),
		descHeldBytes: prometheus.NewDesc(
			"held_bytes",
			"Amount of device memory the buffer manager holds from the allocator.",
			deviceLabels,
			nil,
		),
		descScratchBytes: prometheus.NewDesc(
			"scratch_bytes",
			"Size of the scratch buffer.",
			deviceLabels,
			nil,
		),
		descReservedBytes: prometheus.NewDesc(
			"reserved_bytes",
			"Amount of reserved virtual address space.",
			deviceLabels,
			nil,
		),
		descCommittedBytes: prometheus.NewDesc(
			"committed_bytes",
			"Amount of physical memory committed into reserved address space.",
			deviceLabels,
			nil,
		),
		descPhysicalHandles: prometheus.NewDesc(
			"physical_handles",
			"Number of physical memory handles in use.",
			deviceLabels,
			nil,
		),
		descBlocks: prometheus.NewDesc(
			"blocks",
			"Number of blocks or regions held by the buffer manager.",
			deviceLabels,
			nil,
		),
		descOperations: prometheus.NewDesc(
			"operations_total",
			"Number of buffer operations.",
			append(deviceLabels, "operation"),
			nil,
		),
		descFailures: prometheus.NewDesc(
			"failures_total",
			"Number of failed buffer operations.",
			deviceLabels,
			nil,
		),
		descFallback: prometheus.NewDesc(
			"policy_fallback",
			"Set to 1 if the requested memory management policy is not in use.",
			append(deviceLabels, "requested"),
			nil,
		),
	}
)

// Collector collects metrics of buffered devices.
type Collector struct {
	mu      sync.RWMutex
	devices []*BufferedDevice
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a metrics collector for the given devices.
func NewCollector(devices ...*BufferedDevice) *Collector {
	return &Collector{
		devices: devices,
	}
}

// Add adds devices to the collector.
func (c *Collector) Add(devices ...*BufferedDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append(c.devices, devices...)
}

// Register registers the collector in the given metrics registry, or in
// the default one if it is nil.
func (c *Collector) Register(r *metrics.Registry) error {
	if r == nil {
		r = metrics.Default()
	}
	return r.Register("memory", c,
		metrics.WithGroup("devmem"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace()),
	)
}

// Unregister removes the collector from the given or the default registry.
func (c *Collector) Unregister(r *metrics.Registry) {
	if r == nil {
		r = metrics.Default()
	}
	r.Unregister("devmem", "memory")
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, d := range c.devices {
		for _, m := range d.Stats().Collect() {
			ch <- m
		}
	}
}

// Collect returns the metrics of the stats.
func (s *Stats) Collect() []prometheus.Metric {
	if s == nil || s.Closed {
		return nil
	}

	labels := []string{
		strconv.Itoa(s.DeviceID),
		string(s.Policy),
		s.Manager,
	}

	gauge := func(idx int, value float64) prometheus.Metric {
		return prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, value, labels...)
	}
	counter := func(op string, value uint64) prometheus.Metric {
		return prometheus.MustNewConstMetric(descriptors[descOperations], prometheus.CounterValue,
			float64(value), append(labels, op)...)
	}

	fallback := 0.0
	if s.Policy != s.RequestedPolicy {
		fallback = 1.0
	}

	return []prometheus.Metric{
		gauge(descAllocatedBytes, float64(s.AllocatedBytes)),
		gauge(descHeldBytes, float64(s.HeldBytes)),
		gauge(descScratchBytes, float64(s.ScratchBytes)),
		gauge(descReservedBytes, float64(s.ReservedBytes)),
		gauge(descCommittedBytes, float64(s.CommittedBytes)),
		gauge(descPhysicalHandles, float64(s.PhysicalHandles)),
		gauge(descBlocks, float64(s.Blocks)),
		counter("realloc", s.Reallocs),
		counter("free", s.Frees),
		counter("scratch-realloc", s.ScratchReallocs),
		counter("scratch-reuse", s.ScratchReuses),
		prometheus.MustNewConstMetric(descriptors[descFailures], prometheus.CounterValue,
			float64(s.Failures), labels...),
		prometheus.MustNewConstMetric(descriptors[descFallback], prometheus.GaugeValue,
			fallback, append(labels, string(s.RequestedPolicy))...),
	}
}
