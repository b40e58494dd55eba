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

package metrics

import (
	"path"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/containers/devmem/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// Collector is a prometheus.Collector registered under a name in a group.
type Collector struct {
	collector prometheus.Collector
	name      string
	group     string
	enabled   bool
	polled    bool
	noNs      bool
	noGroup   bool
	lastpoll  []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.noNs = true
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.noGroup = true
	}
}

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.polled = true
	}
}

func newCollector(group, name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     group,
		enabled:   true,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the group/name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// IsEnabled returns true if the collector is enabled.
func (c *Collector) IsEnabled() bool {
	return c.enabled
}

// IsPolled returns true if the collector is polled.
func (c *Collector) IsPolled() bool {
	return c.polled
}

// Matches returns true if the glob matches the group, the name, or the
// group/name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, s := range []string{c.group, c.name, c.Name()} {
		if glob == s {
			return true
		}
		ok, err := path.Match(glob, s)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	switch {
	case !c.enabled:
		return
	case c.polled:
		clog.Debug("collecting (polled) %q", c.Name())
		for _, m := range c.lastpoll {
			ch <- m
		}
	default:
		clog.Debug("collecting %q", c.Name())
		c.collector.Collect(ch)
	}
}

// Poll collects and caches the metrics of an enabled polled collector.
func (c *Collector) Poll() {
	if !c.enabled || !c.polled {
		return
	}

	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}

	c.lastpoll = polled
}

func (c *Collector) state() string {
	state := "disabled"
	if c.enabled {
		state = "enabled"
	}
	if c.polled {
		state += ",polled"
	}
	return state
}
