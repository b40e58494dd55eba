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

// Package instrumentation runs the tracing, metrics and health check
// services of devmem.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/devmem/pkg/healthz"
	"github.com/containers/devmem/pkg/instrumentation/tracing"
	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "devmem"
	// MetricsPath is the HTTP path metrics are served at.
	MetricsPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Our HTTP server, if one is running.
	srv *server
	// Metrics registry served by the HTTP server.
	registry = metrics.Default()
	// Our logger instance.
	log = logger.Get("instrumentation")

	// Our identity for instrumentation.
	identity []KeyValue

	// Attribute aliases tracing.Attribute(), for SetIdentity().
	Attribute = tracing.Attribute
)

type server struct {
	http     *http.Server
	listener net.Listener
	gatherer *metrics.Gatherer
	done     chan struct{}
}

// SetIdentity sets (extra) process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// SetRegistry sets the metrics registry to serve, instead of the default one.
func SetRegistry(r *metrics.Registry) {
	lock.Lock()
	defer lock.Unlock()
	registry = r
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	stop()
	cfg = newCfg

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// HTTPAddress returns the address of the HTTP server, or an empty string
// if no server is running.
func HTTPAddress() string {
	lock.RLock()
	defer lock.RUnlock()

	if srv == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

func start() error {
	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithIdentity(identity...),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(float64(cfg.SamplingRatePerMillion)/float64(1000000)),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if cfg.HTTPEndpoint == "" {
		log.Info("no HTTP endpoint set, metrics not served")
		return nil
	}

	s, err := startServer()
	if err != nil {
		tracing.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	srv = s

	return nil
}

func startServer() (*server, error) {
	mux := http.NewServeMux()
	s := &server{done: make(chan struct{})}

	healthz.Setup(mux)

	if cfg.PrometheusExport {
		var enabled, polled []string
		if cfg.Metrics != nil {
			enabled, polled = cfg.Metrics.Enabled, cfg.Metrics.Polled
		}
		g, err := registry.NewGatherer(
			metrics.WithNamespace(ServiceName),
			metrics.WithPollInterval(cfg.ReportPeriod.Duration),
			metrics.WithMetrics(enabled, polled),
		)
		if err != nil {
			return nil, err
		}
		s.gatherer = g
		mux.Handle(MetricsPath, g.Handler())
	} else {
		log.Info("Prometheus export disabled")
	}

	l, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		if s.gatherer != nil {
			s.gatherer.Stop()
		}
		return nil, err
	}

	s.listener = l
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(s.done)
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}()

	log.Info("HTTP server listening on %s", l.Addr())

	return s, nil
}

func stop() {
	tracing.Stop()

	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.http.Shutdown(ctx); err != nil {
		log.Error("failed to shut down HTTP server: %v", err)
	}
	<-srv.done

	if srv.gatherer != nil {
		srv.gatherer.Stop()
	}
	srv = nil
}
