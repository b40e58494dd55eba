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
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
)

// Registry is a set of collectors, organized into groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group string
	copts []CollectorOption
}

// WithGroup registers a collector into the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name == "" {
			name = DefaultGroup
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector in the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	o := &registerOptions{group: DefaultGroup}
	for _, opt := range opts {
		opt(o)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[o.group] {
		if c.name == name {
			return fmt.Errorf("metrics: collector %s/%s already registered", o.group, name)
		}
	}

	c := newCollector(o.group, name, collector, o.copts...)
	r.groups[o.group] = append(r.groups[o.group], c)

	log.Info("registered collector %q", c.Name())

	return nil
}

// Unregister removes a collector from the registry. It returns false if
// no such collector was registered. Gatherers created earlier are not
// affected.
func (r *Registry) Unregister(group, name string) bool {
	r.Lock()
	defer r.Unlock()

	for i, c := range r.groups[group] {
		if c.name != name {
			continue
		}
		r.groups[group] = slices.Delete(r.groups[group], i, i+1)
		if len(r.groups[group]) == 0 {
			delete(r.groups, group)
		}
		log.Info("unregistered collector %q", c.Name())
		return true
	}

	return false
}

// Configure enables the collectors matching any of the enabled or polled
// globs and disables the rest. Collectors matching any of the polled globs
// are forced into polled mode.
func (r *Registry) Configure(enabled, polled []string) error {
	for _, glob := range slices.Concat(enabled, polled) {
		if _, err := path.Match(glob, ""); err != nil {
			return fmt.Errorf("metrics: invalid collector glob %q: %w", glob, err)
		}
	}

	r.Lock()
	defer r.Unlock()

	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	matched := map[string]bool{}
	match := func(c *Collector, globs []string) bool {
		found := false
		for _, glob := range globs {
			if c.Matches(glob) {
				matched[glob] = true
				found = true
			}
		}
		return found
	}

	r.foreach(func(c *Collector) {
		c.enabled = match(c, enabled)
		if match(c, polled) {
			if !c.polled {
				log.Warn("forcing collector %q to be polled", c.Name())
			}
			c.enabled = true
			c.polled = true
		}
		log.Info("collector %q is %s", c.Name(), c.state())
	})

	for _, glob := range slices.Concat(enabled, polled) {
		if !matched[glob] {
			log.Warn("no collectors match %q", glob)
		}
	}

	return nil
}

// Poll polls all enabled polled collectors.
func (r *Registry) Poll() {
	r.Lock()
	defer r.Unlock()

	wg := sync.WaitGroup{}
	r.foreach(func(c *Collector) {
		if !c.enabled || !c.polled {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	})
	wg.Wait()
}

// HasPolled returns true if any enabled collector is polled.
func (r *Registry) HasPolled() bool {
	r.Lock()
	defer r.Unlock()

	polled := false
	r.foreach(func(c *Collector) {
		polled = polled || (c.enabled && c.polled)
	})
	return polled
}

// register registers all collectors with a prometheus registerer, applying
// namespace and group prefixes as requested by the collectors.
func (r *Registry) register(reg prometheus.Registerer, namespace string) error {
	r.Lock()
	defer r.Unlock()

	var err error
	r.foreach(func(c *Collector) {
		if err != nil {
			return
		}
		prefix := ""
		if !c.noNs && namespace != "" {
			prefix = namespace + "_"
		}
		if !c.noGroup {
			prefix += c.group + "_"
		}
		cr := reg
		if prefix != "" {
			cr = prometheus.WrapRegistererWithPrefix(prefix, reg)
		}
		if rerr := cr.Register(c); rerr != nil {
			err = fmt.Errorf("metrics: failed to register collector %q: %w", c.Name(), rerr)
		}
	})

	return err
}

// foreach calls fn for all collectors, in group order.
func (r *Registry) foreach(fn func(*Collector)) {
	for _, group := range slices.Sorted(maps.Keys(r.groups)) {
		for _, c := range r.groups[group] {
			fn(c)
		}
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the default registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register registers a collector in the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector in the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}
