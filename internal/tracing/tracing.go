/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tracing provides OpenTelemetry tracing for costflow components.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer used for pipeline spans.
	TracerName = "costflow"

	defaultServiceName = "costflow-ingest"
)

// Span attribute keys.
const (
	AttrTenantID     = "costflow.tenant.id"
	AttrProviderType = "costflow.provider.type"
	AttrProviderID   = "costflow.provider.id"
	AttrTaskID       = "costflow.task.id"
	AttrTaskKind     = "costflow.task.kind"
	AttrTaskAttempt  = "costflow.task.attempt"
	AttrCacheHit     = "costflow.cache.hit"
	AttrErrorKind    = "costflow.error.kind"
	AttrObjectCount  = "costflow.objects.count"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled enables tracing.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317").
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name for traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the service version.
	ServiceVersion string `yaml:"service_version"`

	// Environment is the deployment environment (e.g., "production", "staging").
	Environment string `yaml:"environment"`

	// SampleRate is the sampling rate (0.0 to 1.0). Default 1.0 (all traces).
	SampleRate float64 `yaml:"sample_rate"`

	// Insecure disables TLS for the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

// Provider wraps the OpenTelemetry TracerProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider creates a tracing provider. A disabled config yields a
// provider backed by the global (no-op by default) tracer.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(TracerName)}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(TracerName)}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// NewTestProvider creates a Provider from a pre-configured TracerProvider.
// This is intended for tests that supply an in-memory exporter.
func NewTestProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(TracerName)}
}

// Noop returns a provider whose spans are discarded.
func Noop() *Provider {
	return &Provider{tracer: otel.Tracer(TracerName)}
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// TracerProvider returns the configured provider if tracing is enabled, or
// the global provider otherwise.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p.tp != nil {
		return p.tp
	}
	return otel.GetTracerProvider()
}

// Shutdown flushes and shuts down the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}

// StartValidationSpan starts a span around one reachability check.
func (p *Provider) StartValidationSpan(ctx context.Context, tenantID, providerType string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "provider.validate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrTenantID, tenantID),
			attribute.String(AttrProviderType, providerType),
		),
	)
}

// StartDispatchSpan starts a span around a dispatch decision.
func (p *Provider) StartDispatchSpan(ctx context.Context, tenantID, providerType, providerID, kind string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "ingest.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(AttrTenantID, tenantID),
			attribute.String(AttrProviderType, providerType),
			attribute.String(AttrProviderID, providerID),
			attribute.String(AttrTaskKind, kind),
		),
	)
}

// TaskAttributes identifies a task on its span.
type TaskAttributes struct {
	TaskID       string
	TenantID     string
	ProviderType string
	ProviderID   string
	Kind         string
	Attempt      int
}

// StartTaskSpan starts a span around one task execution.
func (p *Provider) StartTaskSpan(ctx context.Context, a TaskAttributes) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, fmt.Sprintf("ingest.task.%s", a.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(AttrTaskID, a.TaskID),
			attribute.String(AttrTenantID, a.TenantID),
			attribute.String(AttrProviderType, a.ProviderType),
			attribute.String(AttrProviderID, a.ProviderID),
			attribute.String(AttrTaskKind, a.Kind),
			attribute.Int(AttrTaskAttempt, a.Attempt),
		),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordErrorKind records err along with its taxonomy kind.
func RecordErrorKind(span trace.Span, kind string, err error) {
	if kind != "" {
		span.SetAttributes(attribute.String(AttrErrorKind, kind))
	}
	RecordError(span, err)
}

// SetSuccess marks the span as successful.
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "success")
}

// AddCacheResult records whether a cached result was used.
func AddCacheResult(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool(AttrCacheHit, hit))
}

// AddObjectCount records how many report objects a task processed.
func AddObjectCount(span trace.Span, n int) {
	span.SetAttributes(attribute.Int(AttrObjectCount, n))
}
