// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package testotel provides helpers for asserting on OpenTelemetry metrics in tests.
package testotel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collect reads every metric currently held by reader and returns the one named name.
func collect(t testing.TB, reader sdkmetric.Reader, name string) (metricdata.Metrics, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// GetCounterValue returns the value of the int64 counter name for the given attribute set,
// or zero when nothing has been recorded.
func GetCounterValue(t testing.TB, reader sdkmetric.Reader, name string, attrs attribute.Set) int64 {
	t.Helper()
	m, ok := collect(t, reader, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %q is not an int64 sum", name)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&attrs) {
			return dp.Value
		}
	}
	return 0
}

// GetHistogramValues returns the count and sum of the float64 histogram name for the given attribute set.
func GetHistogramValues(t testing.TB, reader sdkmetric.Reader, name string, attrs attribute.Set) (uint64, float64) {
	t.Helper()
	m, ok := collect(t, reader, name)
	if !ok {
		return 0, 0
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "metric %q is not a float64 histogram", name)
	for _, dp := range hist.DataPoints {
		if dp.Attributes.Equals(&attrs) {
			return dp.Count, dp.Sum
		}
	}
	return 0, 0
}

// GetGaugeValue returns the last value of the float64 gauge name for the given attribute set.
func GetGaugeValue(t testing.TB, reader sdkmetric.Reader, name string, attrs attribute.Set) (float64, bool) {
	t.Helper()
	m, ok := collect(t, reader, name)
	if !ok {
		return 0, false
	}
	gauge, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok, "metric %q is not a float64 gauge", name)
	for _, dp := range gauge.DataPoints {
		if dp.Attributes.Equals(&attrs) {
			return dp.Value, true
		}
	}
	return 0, false
}
