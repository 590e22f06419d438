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

// Package export builds the span exporter named in the observability
// configuration.
package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter kinds.
const (
	KindNone     = "none"
	KindConsole  = "console"
	KindOTLPHTTP = "otlp-http"
)

// Config selects and configures one exporter.
type Config struct {
	// Kind is one of the Kind constants. Empty means none.
	Kind string

	// Endpoint is the otlp-http collector, as host:port or a URL.
	Endpoint string

	// Insecure sends otlp-http spans over plain HTTP.
	Insecure bool

	// Writer receives console spans (default: os.Stdout).
	Writer io.Writer
}

// New returns the exporter for cfg.Kind, or nil for none. The otlp-http
// exporter connects lazily, so an unreachable collector only fails exports.
func New(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindConsole:
		return console(cfg.Writer)
	case KindOTLPHTTP:
		return otlpHTTP(ctx, cfg.Endpoint, cfg.Insecure)
	default:
		return nil, fmt.Errorf("unknown span exporter %q", cfg.Kind)
	}
}

// console pretty-prints each span as JSON. Coordinator spans are few and
// short lived, so readability wins over compactness.
func console(w io.Writer) (sdktrace.SpanExporter, error) {
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create console exporter: %w", err)
	}
	return exp, nil
}

func otlpHTTP(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%s exporter requires an endpoint", KindOTLPHTTP)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if strings.Contains(endpoint, "://") {
		opts = []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", KindOTLPHTTP, err)
	}
	return exp, nil
}
