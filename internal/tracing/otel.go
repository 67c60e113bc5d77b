// Copyright 2025 Tom Barlow
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

// Package tracing sets up OpenTelemetry tracing and metrics for graph runs.
//
// Spans go to the exporter named in the configuration. Metrics are always
// collected through the Prometheus exporter and can be served with
// MetricsHandler.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stepgraph/internal/config"
)

// Provider owns the tracer and meter providers handed to compiled graphs.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// New builds a provider from cfg. Extra options are appended to the tracer
// provider's, which lets tests install an in-memory exporter.
func New(ctx context.Context, cfg config.TracingConfig, version string, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	allOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.SampleRate)),
	}
	exporter, err := NewExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		allOpts = append(allOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(append(allOpts, opts...)...)

	promExporter, err := prometheus.New()
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	return &Provider{tp: tp, mp: mp}, nil
}

// TracerProvider returns the provider to pass to graph.WithTracerProvider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// MeterProvider returns the provider to pass to graph.WithMeterProvider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.mp }

// SetGlobal installs the providers as the otel globals.
func (p *Provider) SetGlobal() {
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
}

// MetricsHandler serves the Prometheus metrics endpoint. The exporter
// registers with the default Prometheus registry, which also carries the
// checkpoint persistence metrics.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ForceFlush exports pending spans and metrics.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
