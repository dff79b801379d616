// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics wires OpenTelemetry metrics for the credential refresher and exposes the
// instruments recorded by the refresh machinery.
package metrics

import (
	"context"
	"fmt"
	"os"
	"strings"

	promregistry "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	// defaultServiceName is reported when OTEL_SERVICE_NAME is not set.
	defaultServiceName = "credrefresh"
	meterName          = "envoyproxy/credrefresh"
)

// Metrics is the interface for OpenTelemetry metrics configuration.
type Metrics interface {
	// Meter returns the meter for creating metrics.
	Meter() metric.Meter
	// Registry returns the Prometheus registry if metrics are exported to Prometheus, nil otherwise.
	Registry() *promregistry.Registry
	// Shutdown flushes and shuts down the metrics provider.
	Shutdown(context.Context) error
}

var _ Metrics = (*metricsImpl)(nil)

type metricsImpl struct {
	meter    metric.Meter
	registry *promregistry.Registry
	// shutdown is nil when the meter provider is owned by the caller.
	shutdown func(context.Context) error
}

// Meter implements [Metrics.Meter].
func (m *metricsImpl) Meter() metric.Meter { return m.meter }

// Registry implements [Metrics.Registry].
func (m *metricsImpl) Registry() *promregistry.Registry { return m.registry }

// Shutdown implements [Metrics.Shutdown].
func (m *metricsImpl) Shutdown(ctx context.Context) error {
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// NoopMetrics is a Metrics that records nothing.
type NoopMetrics struct{}

// Meter returns a no-op meter.
func (NoopMetrics) Meter() metric.Meter { return noop.NewMeterProvider().Meter("noop") }

// Registry returns nil for no-op metrics.
func (NoopMetrics) Registry() *promregistry.Registry { return nil }

// Shutdown is a no-op.
func (NoopMetrics) Shutdown(context.Context) error { return nil }

// exporter is the metrics pipeline selected by the environment.
type exporter int

const (
	// exporterNone records nothing.
	exporterNone exporter = iota
	// exporterPrometheus fills a registry that the admin listener serves on /metrics.
	exporterPrometheus
	// exporterAuto hands OTEL_METRICS_EXPORTER and the OTLP variables to autoexport.
	exporterAuto
)

// exporterFromEnv applies the OTEL_* precedence: OTEL_SDK_DISABLED wins, then an explicit
// OTEL_METRICS_EXPORTER, then OTLP endpoints (metrics-specific or generic). With none of them the
// refresher exposes Prometheus metrics itself.
func exporterFromEnv(getenv func(string) string) exporter {
	if strings.EqualFold(strings.TrimSpace(getenv("OTEL_SDK_DISABLED")), "true") {
		return exporterNone
	}
	switch strings.ToLower(strings.TrimSpace(getenv("OTEL_METRICS_EXPORTER"))) {
	case "none":
		return exporterNone
	case "prometheus":
		// Served by our admin listener rather than the autoexport HTTP server.
		return exporterPrometheus
	case "":
		if getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") != "" || getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
			return exporterAuto
		}
		return exporterPrometheus
	default:
		return exporterAuto
	}
}

// NewMetricsFromEnv configures OpenTelemetry metrics from the standard OTEL_* environment
// variables, see exporterFromEnv. Disabled metrics yield NoopMetrics.
func NewMetricsFromEnv(ctx context.Context) (Metrics, error) {
	return newMetrics(ctx, exporterFromEnv(os.Getenv))
}

func newMetrics(ctx context.Context, exp exporter) (Metrics, error) {
	if exp == exporterNone {
		return NoopMetrics{}, nil
	}
	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	var (
		reader   sdkmetric.Reader
		registry *promregistry.Registry
	)
	switch exp {
	case exporterPrometheus:
		registry = promregistry.NewRegistry()
		if reader, err = prometheus.New(prometheus.WithRegisterer(registry)); err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
	default:
		// console, otlp and friends.
		if reader, err = autoexport.NewMetricReader(ctx); err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	return &metricsImpl{
		meter:    mp.Meter(meterName),
		registry: registry,
		// We created mp, so we shut it down.
		shutdown: mp.Shutdown,
	}, nil
}

// newResource merges the SDK defaults, the fallback service name and the environment, in that
// order, so that OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES win.
func newResource(ctx context.Context) (*resource.Resource, error) {
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource from env: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(defaultServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to merge default resources: %w", err)
	}
	res, err = resource.Merge(res, envRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge env resource: %w", err)
	}
	return res, nil
}

// NewMetrics wraps a caller-owned meter and optional registry.
// A no-op meter yields NoopMetrics.
func NewMetrics(meter metric.Meter, registry *promregistry.Registry) Metrics {
	if _, ok := meter.(noop.Meter); ok {
		return NoopMetrics{}
	}
	return &metricsImpl{meter: meter, registry: registry}
}
