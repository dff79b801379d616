// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	metricFetchDuration    = "credrefresh.fetch.duration"
	metricFetchCount       = "credrefresh.fetch.count"
	metricCredentialExpiry = "credrefresh.credential.expiry"
	metricDeliveryCount    = "credrefresh.broadcast.deliveries"
	metricTerminationCount = "credrefresh.scheduler.terminations"

	attributeProvider = "credrefresh.provider"
	attributeResult   = "credrefresh.result"
	attributeOutcome  = "credrefresh.delivery.outcome"

	resultSuccess    = "success"
	resultFailure    = "failure"
	outcomeDelivered = "delivered"
	outcomeDropped   = "dropped"
)

// Refresh records the activity of the credential refresh machinery.
type Refresh interface {
	// RecordFetch records one provider call, its duration and whether it failed.
	RecordFetch(ctx context.Context, provider string, duration time.Duration, err error)
	// RecordCredentialExpiry records the expiry of the latest credential as unix seconds.
	RecordCredentialExpiry(ctx context.Context, provider string, expiresAt time.Time)
	// RecordBroadcast records how many subscribers received or were dropped from a broadcast.
	RecordBroadcast(ctx context.Context, delivered, dropped int)
	// RecordTermination records the scheduler giving up after exhausting its retries.
	RecordTermination(ctx context.Context, provider string)
}

var _ Refresh = (*refresh)(nil)

type refresh struct {
	fetchDuration    metric.Float64Histogram
	fetchCount       metric.Int64Counter
	credentialExpiry metric.Float64Gauge
	deliveryCount    metric.Int64Counter
	terminationCount metric.Int64Counter
}

// NewRefresh creates the refresh instruments on meter.
func NewRefresh(meter metric.Meter) Refresh {
	return &refresh{
		fetchDuration: mustCreateInstrument(meter.Float64Histogram(metricFetchDuration,
			metric.WithDescription("Time spent obtaining a credential from the provider."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
		)),
		fetchCount: mustCreateInstrument(meter.Int64Counter(metricFetchCount,
			metric.WithDescription("Number of provider calls by result."),
		)),
		credentialExpiry: mustCreateInstrument(meter.Float64Gauge(metricCredentialExpiry,
			metric.WithDescription("Expiry of the current credential as a unix timestamp."),
			metric.WithUnit("s"),
		)),
		deliveryCount: mustCreateInstrument(meter.Int64Counter(metricDeliveryCount,
			metric.WithDescription("Number of broadcast deliveries by outcome."),
		)),
		terminationCount: mustCreateInstrument(meter.Int64Counter(metricTerminationCount,
			metric.WithDescription("Number of times the refresh scheduler gave up after exhausting retries."),
		)),
	}
}

// NoopRefresh returns a Refresh that records nothing.
func NoopRefresh() Refresh {
	return NewRefresh(noop.NewMeterProvider().Meter("noop"))
}

// RecordFetch implements [Refresh.RecordFetch].
func (r *refresh) RecordFetch(ctx context.Context, provider string, duration time.Duration, err error) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	attrs := metric.WithAttributes(
		attribute.Key(attributeProvider).String(provider),
		attribute.Key(attributeResult).String(result),
	)
	r.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	r.fetchCount.Add(ctx, 1, attrs)
}

// RecordCredentialExpiry implements [Refresh.RecordCredentialExpiry].
func (r *refresh) RecordCredentialExpiry(ctx context.Context, provider string, expiresAt time.Time) {
	r.credentialExpiry.Record(ctx, float64(expiresAt.Unix()),
		metric.WithAttributes(attribute.Key(attributeProvider).String(provider)))
}

// RecordBroadcast implements [Refresh.RecordBroadcast].
func (r *refresh) RecordBroadcast(ctx context.Context, delivered, dropped int) {
	if delivered > 0 {
		r.deliveryCount.Add(ctx, int64(delivered),
			metric.WithAttributes(attribute.Key(attributeOutcome).String(outcomeDelivered)))
	}
	if dropped > 0 {
		r.deliveryCount.Add(ctx, int64(dropped),
			metric.WithAttributes(attribute.Key(attributeOutcome).String(outcomeDropped)))
	}
}

// RecordTermination implements [Refresh.RecordTermination].
func (r *refresh) RecordTermination(ctx context.Context, provider string) {
	r.terminationCount.Add(ctx, 1, metric.WithAttributes(attribute.Key(attributeProvider).String(provider)))
}

// mustCreateInstrument panics if the meter failed to create an instrument, which only happens
// on invalid instrument names.
func mustCreateInstrument[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
