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

package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records coordinator and harness metrics. It implements
// suspend.Recorder.
type Metrics struct {
	meter metric.Meter

	// Counters
	attemptsTotal  metric.Int64Counter
	runsTotal      metric.Int64Counter
	scenariosTotal metric.Int64Counter

	// Histograms
	runDuration metric.Float64Histogram

	// suspended is read by the observable gauge.
	suspended   func() int
	suspendedMu sync.RWMutex
}

// NewMetrics creates the instruments on meterProvider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("rendezvous")
	m := &Metrics{meter: meter}

	var err error

	m.attemptsTotal, err = meter.Int64Counter(
		"rendezvous_suspend_attempts_total",
		metric.WithDescription("Total number of suspend attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.runsTotal, err = meter.Int64Counter(
		"rendezvous_runs_total",
		metric.WithDescription("Total number of coordinator runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.scenariosTotal, err = meter.Int64Counter(
		"rendezvous_scenarios_total",
		metric.WithDescription("Total number of harness scenarios by status"),
		metric.WithUnit("{scenario}"),
	)
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram(
		"rendezvous_run_duration_seconds",
		metric.WithDescription("Coordinator run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"rendezvous_suspended_threads",
		metric.WithDescription("Number of threads currently parked by the debug agent"),
		metric.WithUnit("{thread}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.suspendedMu.RLock()
			fn := m.suspended
			m.suspendedMu.RUnlock()
			if fn != nil {
				o.Observe(int64(fn()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveSuspended reports fn's result as the suspended-threads gauge.
func (m *Metrics) ObserveSuspended(fn func() int) {
	m.suspendedMu.Lock()
	m.suspended = fn
	m.suspendedMu.Unlock()
}

// RecordAttempt counts one suspend attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, target string, matched bool) {
	m.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.Bool("matched", matched),
	))
}

// RecordOutcome counts a finished coordinator run and its duration.
func (m *Metrics) RecordOutcome(ctx context.Context, target, outcome string, attempts int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	)
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordScenario counts a finished harness scenario.
func (m *Metrics) RecordScenario(ctx context.Context, status string) {
	m.scenariosTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
