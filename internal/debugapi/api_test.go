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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/phase"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

type fixture struct {
	agent  *agent.Agent
	thread *agent.Thread
	client *Client
	server *httptest.Server
	done   chan error
}

func newFixture(t *testing.T, cfg agent.Config) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := agent.New(cfg, nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	srv := httptest.NewServer(NewServer(a, WithMetricsHandler(metrics)).Handler())
	t.Cleanup(srv.Close)

	th := a.Attach(ctx, "worker")
	counter := phase.NewCounter()
	require.NoError(t, counter.AdvanceTo(2))
	th.BindPhase(counter)

	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		defer th.Exit()
		done <- th.Call("run", func() error {
			return th.Call("work", func() error {
				close(entered)
				for ctx.Err() == nil {
					th.Safepoint()
					runtime.Gosched()
				}
				return ctx.Err()
			})
		})
	}()
	<-entered

	return &fixture{agent: a, thread: th, client: NewClient(srv.URL), server: srv, done: done}
}

func TestClient_SuspendStackResume(t *testing.T) {
	f := newFixture(t, agent.Config{})
	ctx := context.Background()
	id := f.thread.ID()

	require.NoError(t, f.client.Suspend(ctx, id))

	info, err := f.client.Thread(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Suspended)
	assert.Equal(t, "worker", info.Name)

	stack, err := f.client.CaptureStack(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"work", "run"}, stack.Methods())

	require.NoError(t, f.client.Resume(ctx, id))
	assert.ErrorIs(t, f.client.Resume(ctx, id), debugops.ErrNotSuspended)
}

func TestClient_Unwind(t *testing.T) {
	f := newFixture(t, agent.Config{})
	ctx := context.Background()
	id := f.thread.ID()

	assert.ErrorIs(t, f.client.UnwindOneFrame(ctx, id), debugops.ErrNotSuspended)

	require.NoError(t, f.client.Suspend(ctx, id))
	require.NoError(t, f.client.UnwindOneFrame(ctx, id))

	select {
	case err := <-f.done:
		// The outer frame returns the popped frame's error unchanged.
		assert.ErrorIs(t, err, agent.ErrFramePopped)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not return after unwind")
	}

	assert.Eventually(t, func() bool {
		return f.client.Suspend(ctx, id) == debugops.ErrThreadExited
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_EmptyStackWhileRunning(t *testing.T) {
	f := newFixture(t, agent.Config{})
	stack, err := f.client.CaptureStack(context.Background(), f.thread.ID())
	require.NoError(t, err)
	assert.Empty(t, stack)
}

func TestClient_UnknownThread(t *testing.T) {
	f := newFixture(t, agent.Config{})
	ctx := context.Background()

	assert.ErrorIs(t, f.client.Suspend(ctx, "missing"), debugops.ErrThreadNotFound)
	_, err := f.client.CaptureStack(ctx, "missing")
	assert.ErrorIs(t, err, debugops.ErrThreadNotFound)
	_, err = f.client.Phase(ctx, "missing")
	assert.ErrorIs(t, err, debugops.ErrThreadNotFound)
}

func TestClient_PhaseSource(t *testing.T) {
	f := newFixture(t, agent.Config{})
	p, err := f.client.PhaseSource(f.thread.ID()).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, phase.Phase(2), p)
}

func TestClient_ThreadsAndHealth(t *testing.T) {
	f := newFixture(t, agent.Config{})
	ctx := context.Background()

	threads, err := f.client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, f.thread.ID(), threads[0].ID)
	assert.Equal(t, 2, threads[0].Depth)

	health, err := f.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1", health.Checks["threads"])
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, agent.Config{})
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ErrorBody(t *testing.T) {
	f := newFixture(t, agent.Config{})
	resp, err := http.Post(f.server.URL+"/v1/threads/missing/unwind", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, codeNotFound, body.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{debugops.ErrThreadNotFound, http.StatusNotFound},
		{debugops.ErrNotSuspended, http.StatusConflict},
		{debugops.ErrNoFrame, http.StatusConflict},
		{debugops.ErrThreadExited, http.StatusGone},
		{agent.ErrNoPhase, http.StatusNotFound},
		{&rverrors.TimeoutError{Operation: "suspending thread x"}, http.StatusGatewayTimeout},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		if s := sentinel(code); s != nil {
			assert.ErrorIs(t, tt.err, s)
		}
	}
}
