// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// Package telemetry provides the VFS's ambient metrics: OpenTelemetry
// counters and a histogram for ingest traffic, plus a lightweight moving
// average of recent ingest latency cheap enough to sample on every write.
package telemetry

import (
	"context"
	"fmt"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder emits the VFS's ambient metrics. A nil *Recorder is valid and
// every method on it is a no-op, so callers can wire it in unconditionally
// without special-casing a "telemetry disabled" configuration.
type Recorder struct {
	provider *sdkmetric.MeterProvider

	ingestCount  metric.Int64Counter
	ingestErrors metric.Int64Counter
	evictions    metric.Int64Counter
	latency      metric.Float64Histogram

	recentLatency *movingaverage.ConcurrentMovingAverage
}

// New creates a Recorder and installs an in-process MeterProvider as the
// global default. Callers that already run their own OpenTelemetry
// pipeline can ignore the returned Recorder's provider and just use the
// instruments; Shutdown is harmless to skip in that case.
func New() (*Recorder, error) {
	provider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(provider)
	meter := provider.Meter("github.com/nihdb/vfs")

	ingestCount, err := meter.Int64Counter("vfs.ingest.messages",
		metric.WithDescription("Number of ingest messages processed, by path."))
	if err != nil {
		return nil, fmt.Errorf("telemetry: ingest counter: %w", err)
	}
	ingestErrors, err := meter.Int64Counter("vfs.ingest.errors",
		metric.WithDescription("Number of ingest messages that failed."))
	if err != nil {
		return nil, fmt.Errorf("telemetry: ingest error counter: %w", err)
	}
	evictions, err := meter.Int64Counter("vfs.router.evictions",
		metric.WithDescription("Number of PathManagers evicted from the live-path LRU."))
	if err != nil {
		return nil, fmt.Errorf("telemetry: eviction counter: %w", err)
	}
	latency, err := meter.Float64Histogram("vfs.ingest.latency_seconds",
		metric.WithDescription("Latency of one IngestData delivery to a PathManager."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: latency histogram: %w", err)
	}

	return &Recorder{
		provider:      provider,
		ingestCount:   ingestCount,
		ingestErrors:  ingestErrors,
		evictions:     evictions,
		latency:       latency,
		recentLatency: movingaverage.Concurrent(movingaverage.New(30)),
	}, nil
}

// RecordIngest records one IngestData delivery's outcome and latency.
func (r *Recorder) RecordIngest(ctx context.Context, path string, seconds float64, failed bool) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("path", path))
	r.ingestCount.Add(ctx, 1, attrs)
	if failed {
		r.ingestErrors.Add(ctx, 1, attrs)
	}
	r.latency.Record(ctx, seconds, attrs)
	r.recentLatency.Add(seconds)
}

// RecordEviction records one PathManager falling out of the router's live-path LRU.
func (r *Recorder) RecordEviction(ctx context.Context) {
	if r == nil {
		return
	}
	r.evictions.Add(ctx, 1)
}

// RecentLatencyAverage returns the moving average (window 30) of recent
// ingest latencies in seconds, for cheap health-check style reporting
// without querying the full OpenTelemetry pipeline.
func (r *Recorder) RecentLatencyAverage() float64 {
	if r == nil {
		return 0
	}
	return r.recentLatency.Avg()
}

// Shutdown flushes and releases the Recorder's MeterProvider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
