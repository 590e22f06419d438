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
	"io"

	"github.com/tombee/rendezvous/internal/tracing/export"
)

// Span exporters.
const (
	ExporterNone     = export.KindNone
	ExporterConsole  = export.KindConsole
	ExporterOTLPHTTP = export.KindOTLPHTTP
)

// Config holds observability configuration.
type Config struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// Exporter selects where spans go: none, console or otlp-http.
	Exporter string

	// Endpoint is the OTLP collector address for otlp-http.
	Endpoint string

	// Insecure disables TLS towards Endpoint.
	Insecure bool

	// SampleRatio is the fraction of root spans sampled (0.0 - 1.0).
	SampleRatio float64

	// ConsoleWriter receives console spans (default: os.Stdout).
	ConsoleWriter io.Writer
}
