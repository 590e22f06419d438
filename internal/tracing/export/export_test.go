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

package export

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_None(t *testing.T) {
	for _, kind := range []string{"", KindNone} {
		exp, err := New(context.Background(), Config{Kind: kind})
		require.NoError(t, err)
		assert.Nil(t, exp)
	}
}

func TestNew_Unknown(t *testing.T) {
	_, err := New(context.Background(), Config{Kind: "jaeger"})
	assert.ErrorContains(t, err, `unknown span exporter "jaeger"`)
}

func TestNew_ConsoleWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	exp, err := New(context.Background(), Config{Kind: KindConsole, Writer: &buf})
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("test").Start(context.Background(), "suspend.coordinate")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "suspend.coordinate")
}

func TestNew_OTLPHTTP(t *testing.T) {
	_, err := New(context.Background(), Config{Kind: KindOTLPHTTP})
	assert.ErrorContains(t, err, "requires an endpoint")

	for _, endpoint := range []string{"localhost:4318", "http://localhost:4318/v1/traces"} {
		exp, err := New(context.Background(), Config{Kind: KindOTLPHTTP, Endpoint: endpoint, Insecure: true})
		require.NoError(t, err, endpoint)
		require.NoError(t, exp.Shutdown(context.Background()))
	}
}
