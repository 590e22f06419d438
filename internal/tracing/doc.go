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

/*
Package tracing provides OpenTelemetry tracing and metrics for rendezvous.

# Overview

A Provider owns an SDK tracer provider, installed as the global one so that
packages calling otel.Tracer (the suspension coordinator, the harness) are
traced, and a meter provider read by the OpenTelemetry Prometheus exporter.
Metrics are exposed on a private Prometheus registry through
MetricsHandler.

# Quick Start

	p, err := tracing.NewProvider(ctx, tracing.Config{
	    ServiceName: "rendezvous",
	    Exporter:    tracing.ExporterConsole,
	})
	if err != nil {
	    return err
	}
	defer p.Shutdown(context.Background())

	coord, err := suspend.New(ops, cfg, suspend.WithRecorder(p.Metrics()))

# Metrics

  - rendezvous_suspend_attempts_total{target,matched}
  - rendezvous_runs_total{target,outcome}
  - rendezvous_run_duration_seconds{target,outcome}
  - rendezvous_scenarios_total{status}
  - rendezvous_suspended_threads
*/
package tracing
