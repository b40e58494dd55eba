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

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyValue is a span or resource attribute.
type KeyValue = attribute.KeyValue

// SpanStartOption is an option for starting a span.
type SpanStartOption func(*spanOptions)

// SpanEndOption is an option for ending a span.
type SpanEndOption func(*Span)

type spanOptions struct {
	options []trace.SpanStartOption
}

// WithAttributes sets attributes on a span being started.
func WithAttributes(attrs ...KeyValue) SpanStartOption {
	return func(o *spanOptions) {
		o.options = append(o.options, trace.WithAttributes(attrs...))
	}
}

// WithStatus sets the status of a span being ended from err.
func WithStatus(err error) SpanEndOption {
	return func(s *Span) {
		s.SetStatus(err)
	}
}

// Span wraps an OpenTelemetry span. A zero Span is valid and does nothing.
type Span struct {
	otel trace.Span
}

// StartSpan starts a span, as a child of any span in ctx.
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	trc.RLock()
	tracer := trc.tracer
	trc.RUnlock()

	if tracer == nil {
		return ctx, &Span{}
	}

	o := &spanOptions{}
	for _, opt := range opts {
		opt(o)
	}

	ctx, span := tracer.Start(ctx, name, o.options...)
	return ctx, &Span{otel: span}
}

// SetStatus records err on the span, or marks the span successful.
func (s *Span) SetStatus(err error) {
	if s.isNil() {
		return
	}

	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
		return
	}

	s.otel.SetStatus(codes.Ok, "")
}

// SetAttributes sets attributes on the span.
func (s *Span) SetAttributes(attrs ...KeyValue) {
	if s.isNil() {
		return
	}
	s.otel.SetAttributes(attrs...)
}

// End ends the span.
func (s *Span) End(opts ...SpanEndOption) {
	if s.isNil() {
		return
	}

	for _, o := range opts {
		o(s)
	}

	s.otel.End()
}

func (s *Span) isNil() bool {
	return s == nil || s.otel == nil
}

// Attribute creates an attribute of a type matching value.
func Attribute(key string, value any) KeyValue {
	switch v := value.(type) {
	case nil:
		return attribute.String(key, "<nil>")
	case string:
		return attribute.String(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		return attribute.Int64(key, int64(v))
	case []int64:
		return attribute.Int64Slice(key, v)
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}

	return attribute.String(key, fmt.Sprintf("%v", value))
}
