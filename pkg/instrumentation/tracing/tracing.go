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

// Package tracing sets up OpenTelemetry tracing for devmem and provides
// a thin span wrapper which is a no-op while tracing is disabled.
package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/version"
)

// Option is an option for tracing.
type Option func(*tracing) error

type tracing struct {
	sync.RWMutex
	service  string
	identity []attribute.KeyValue
	endpoint string
	sampling float64
	exporter sdktrace.SpanExporter
	syncer   bool
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var (
	log = logger.Get("tracing")
	trc = &tracing{
		service: filepath.Base(os.Args[0]),
	}
)

const (
	// timeout for flushing and shutting down providers
	shutdownTimeout = 5 * time.Second
)

// WithCollectorEndpoint sets the endpoint spans are exported to.
func WithCollectorEndpoint(endpoint string) Option {
	return func(t *tracing) error {
		t.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the ratio of root spans sampled.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("tracing: invalid sampling ratio %f", ratio)
		}
		t.sampling = ratio
		return nil
	}
}

// WithServiceName sets the service name of the tracing resource.
func WithServiceName(name string) Option {
	return func(t *tracing) error {
		t.service = name
		return nil
	}
}

// WithIdentity adds extra attributes to the tracing resource.
func WithIdentity(attributes ...KeyValue) Option {
	return func(t *tracing) error {
		t.identity = attributes
		return nil
	}
}

// WithSpanExporter exports spans synchronously to the given exporter
// instead of one created for the collector endpoint.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(t *tracing) error {
		t.exporter = e
		t.syncer = true
		return nil
	}
}

// Start (re)starts tracing with the given options. Options of any earlier
// Start are discarded.
func Start(options ...Option) error {
	return trc.start(options...)
}

// Stop flushes pending spans and stops tracing.
func Stop() {
	trc.Lock()
	defer trc.Unlock()
	trc.shutdown()
}

// Enabled returns true if tracing is active.
func Enabled() bool {
	trc.RLock()
	defer trc.RUnlock()
	return trc.provider != nil
}

func (t *tracing) start(options ...Option) error {
	t.Lock()
	defer t.Unlock()

	t.shutdown()
	t.endpoint, t.sampling, t.identity = "", 0.0, nil

	for _, opt := range options {
		if err := opt(t); err != nil {
			return fmt.Errorf("tracing: failed to set option: %w", err)
		}
	}

	switch {
	case t.endpoint == "" && t.exporter == nil:
		log.Info("tracing disabled, no endpoint set")
		return nil
	case t.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0.0")
		return nil
	}

	if t.exporter == nil {
		log.Info("starting tracing exporter for %q...", t.endpoint)
		exporter, err := getExporter(t.endpoint)
		if err != nil {
			return fmt.Errorf("tracing: failed to create exporter: %w", err)
		}
		t.exporter = exporter
	}

	var processor sdktrace.SpanProcessor
	if t.syncer {
		processor = sdktrace.NewSimpleSpanProcessor(t.exporter)
	} else {
		processor = sdktrace.NewBatchSpanProcessor(t.exporter)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(t.resource()),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(
			sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.sampling)),
		),
	)
	t.tracer = t.provider.Tracer(t.service, trace.WithSchemaURL(semconv.SchemaURL))

	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return nil
}

func (t *tracing) resource() *resource.Resource {
	hostname, _ := os.Hostname()
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		append(
			[]attribute.KeyValue{
				semconv.ServiceName(t.service),
				semconv.ServiceVersion(version.Version),
				semconv.HostName(hostname),
				semconv.ProcessPID(os.Getpid()),
				attribute.String("build", version.Build),
			},
			t.identity...,
		)...,
	)
}

func (t *tracing) shutdown() {
	if t.provider == nil {
		t.exporter, t.syncer = nil, false
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.provider.ForceFlush(ctx); err != nil {
		log.Error("failed to flush tracer provider: %v", err)
	}
	// shutting down the provider shuts down its span processors and exporters
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Error("failed to shut down tracer provider: %v", err)
	}

	t.provider = nil
	t.tracer = nil
	t.exporter, t.syncer = nil, false
}
