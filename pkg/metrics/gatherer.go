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
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	model "github.com/prometheus/client_model/go"
)

const (
	// MinPollInterval is the shortest accepted polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

// Gatherer gathers metrics from the collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	r         *Registry
	namespace string
	enabled   []string
	polled    []string
	configure bool
	ticker    *time.Ticker
	pollIval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	lock      sync.Mutex
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the namespace used to prefix collected metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the polling interval of the gatherer.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollIval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables periodic polling. Polled collectors are then
// only refreshed by explicit calls to Poll.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollIval = 0
	}
}

// WithMetrics configures the registry with the given enabled and polled
// collector globs before registering any collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
		g.configure = true
	}
}

// NewGatherer creates a new gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		r:        r,
		pollIval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}

	if g.configure {
		if err := r.Configure(g.enabled, g.polled); err != nil {
			return nil, err
		}
	}

	if err := r.register(g.Registry, g.namespace); err != nil {
		return nil, err
	}

	g.Poll()
	g.start()

	return g, nil
}

// NewGatherer creates a new gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	mfs, err := g.Registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: failed to gather: %w", err)
	}
	return mfs, nil
}

// Poll refreshes all polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.r.Poll()
}

// Handler returns an HTTP handler serving the gathered metrics.
func (g *Gatherer) Handler() http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	g.lock.Lock()
	stopCh, doneCh := g.stopCh, g.doneCh
	g.stopCh, g.doneCh = nil, nil
	g.lock.Unlock()

	if stopCh == nil {
		return
	}

	close(stopCh)
	<-doneCh
}

func (g *Gatherer) start() {
	if g.pollIval == 0 || !g.r.HasPolled() {
		return
	}

	log.Info("polling collectors every %s", g.pollIval)

	g.ticker = time.NewTicker(g.pollIval)
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	go func(stopCh, doneCh chan struct{}) {
		defer func() {
			g.ticker.Stop()
			close(doneCh)
		}()
		for {
			select {
			case <-stopCh:
				return
			case <-g.ticker.C:
				g.Poll()
			}
		}
	}(g.stopCh, g.doneCh)
}
