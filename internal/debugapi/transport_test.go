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

package debugapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rendezvous/internal/agent"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

type refusingTransport struct {
	calls atomic.Int32
}

func (t *refusingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestRetryTransport_RetriesRefusedGet(t *testing.T) {
	base := &refusingTransport{}
	rt := newRetryTransport(base, 2, time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/v1/health", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)

	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, int32(3), base.calls.Load())
}

func TestRetryTransport_NeverRetriesPost(t *testing.T) {
	base := &refusingTransport{}
	rt := newRetryTransport(base, 5, time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, "http://127.0.0.1:1/v1/threads/x/suspend", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)

	require.Error(t, err)
	assert.Equal(t, int32(1), base.calls.Load())
}

func TestRetryTransport_NeverRetriesResponses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeError(w, errors.New("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(5, time.Millisecond))
	_, err := c.Threads(context.Background())

	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetryTransport_StopsOnCancel(t *testing.T) {
	rt := newRetryTransport(&refusingTransport{}, 10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = rt.RoundTrip(req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_WaitsForListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := httptest.NewUnstartedServer(NewServer(agent.New(agent.Config{}, nil)).Handler())
	defer srv.Close()
	started := make(chan error, 1)
	time.AfterFunc(100*time.Millisecond, func() {
		l, err := net.Listen("tcp", addr)
		if err == nil {
			srv.Listener.Close()
			srv.Listener = l
			srv.Start()
		}
		started <- err
	})

	c := NewClient(addr, WithRetry(6, 50*time.Millisecond))
	health, err := c.Health(context.Background())
	require.NoError(t, <-started)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClient_UnreachableError(t *testing.T) {
	base := &refusingTransport{}
	c := NewClient("127.0.0.1:1", WithHTTPClient(&http.Client{Transport: base}))

	_, err := c.Health(context.Background())

	var unreachable *rverrors.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "http://127.0.0.1:1", unreachable.Addr)
	assert.True(t, rverrors.IsRetryable(err))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&net.OpError{Op: "dial", Err: errors.New("no route")}, true},
		{fmt.Errorf("wrapped: %w", syscall.ECONNRESET), true},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
		{&net.OpError{Op: "read", Err: errors.New("i/o")}, false},
		{errors.New("something else"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryable(tt.err), "%v", tt.err)
	}
}
