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

package agent

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/phase"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

// spin starts a worker running outer → inner, looping over a safepoint in
// inner until ctx ends. It returns the thread and the worker's result.
func spin(t *testing.T, ctx context.Context, a *Agent) (*Thread, <-chan error) {
	t.Helper()
	th := a.Attach(ctx, "worker")
	entered := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		defer th.Exit()
		done <- th.Call("outer", func() error {
			return th.Call("inner", func() error {
				close(entered)
				for {
					th.Safepoint()
					if err := ctx.Err(); err != nil {
						return err
					}
					runtime.Gosched()
				}
			})
		})
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start")
	}
	return th, done
}

func TestSuspendCaptureResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{}, nil)
	th, done := spin(t, ctx, a)

	require.NoError(t, a.Suspend(ctx, th.ID()))
	assert.Equal(t, 1, a.SuspendedCount())

	stack, err := a.CaptureStack(ctx, th.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"inner", "outer"}, stack.Methods())
	assert.Equal(t, "agent_test.go", stack[0].File)
	assert.NotZero(t, stack[0].Line)

	require.NoError(t, a.Resume(ctx, th.ID()))
	assert.ErrorIs(t, a.Resume(ctx, th.ID()), debugops.ErrNotSuspended)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestCaptureWhileRunningIsEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{}, nil)
	th, _ := spin(t, ctx, a)

	stack, err := a.CaptureStack(ctx, th.ID())
	require.NoError(t, err)
	assert.Empty(t, stack)
}

func TestUnwindPopsInnermostFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{}, nil)
	th := a.Attach(ctx, "worker")
	entered := make(chan struct{})
	outerResult := make(chan error, 1)
	innerResult := make(chan error, 1)

	go func() {
		defer th.Exit()
		outerResult <- th.Call("outer", func() error {
			innerResult <- th.Call("inner", func() error {
				close(entered)
				for {
					th.Safepoint()
					runtime.Gosched()
				}
			})
			return nil
		})
	}()
	<-entered

	require.NoError(t, a.Suspend(ctx, th.ID()))
	require.NoError(t, a.UnwindOneFrame(ctx, th.ID()))

	select {
	case err := <-innerResult:
		assert.ErrorIs(t, err, ErrFramePopped)
	case <-time.After(5 * time.Second):
		t.Fatal("inner frame was not unwound")
	}
	// The outer frame keeps running normally.
	assert.NoError(t, <-outerResult)
}

func TestUnwindRequiresSuspension(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{}, nil)
	th, _ := spin(t, ctx, a)

	assert.ErrorIs(t, a.UnwindOneFrame(ctx, th.ID()), debugops.ErrNotSuspended)
}

func TestUnwindWithoutFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{}, nil)
	th := a.Attach(ctx, "bare")
	go func() {
		for ctx.Err() == nil {
			th.Safepoint()
			runtime.Gosched()
		}
	}()

	require.NoError(t, a.Suspend(ctx, th.ID()))
	assert.ErrorIs(t, a.UnwindOneFrame(ctx, th.ID()), debugops.ErrNoFrame)
	require.NoError(t, a.Resume(ctx, th.ID()))
}

func TestSuspendTimesOutWithoutSafepoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{SuspendTimeout: 20 * time.Millisecond}, nil)
	th := a.Attach(ctx, "busy")
	block := make(chan struct{})
	go func() {
		_ = th.Call("blocked", func() error {
			<-block
			th.Safepoint()
			return nil
		})
	}()

	err := a.Suspend(ctx, th.ID())
	var terr *rverrors.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 20*time.Millisecond, terr.Duration)

	// The request was withdrawn, so the thread passes its next safepoint.
	close(block)
	stack, err := a.CaptureStack(ctx, th.ID())
	require.NoError(t, err)
	assert.Empty(t, stack)
}

func TestUnknownThread(t *testing.T) {
	ctx := context.Background()
	a := New(Config{}, nil)

	assert.ErrorIs(t, a.Suspend(ctx, "nope"), debugops.ErrThreadNotFound)
	assert.ErrorIs(t, a.Resume(ctx, "nope"), debugops.ErrThreadNotFound)
	assert.ErrorIs(t, a.UnwindOneFrame(ctx, "nope"), debugops.ErrThreadNotFound)
	_, err := a.CaptureStack(ctx, "nope")
	assert.ErrorIs(t, err, debugops.ErrThreadNotFound)
}

func TestExitedThread(t *testing.T) {
	ctx := context.Background()
	a := New(Config{}, nil)
	th := a.Attach(ctx, "done")
	th.Exit()

	assert.ErrorIs(t, a.Suspend(ctx, th.ID()), debugops.ErrThreadExited)
	assert.ErrorIs(t, a.Resume(ctx, th.ID()), debugops.ErrThreadExited)
	assert.ErrorIs(t, th.Call("late", func() error { return nil }), debugops.ErrThreadExited)

	infos := a.Threads()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Exited)

	a.Detach(th.ID())
	assert.Empty(t, a.Threads())
}

func TestParkedThreadLeavesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New(Config{}, nil)
	th, done := spin(t, ctx, a)

	require.NoError(t, a.Suspend(context.Background(), th.ID()))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("parked thread ignored cancellation")
	}
}

func TestPhase(t *testing.T) {
	ctx := context.Background()
	a := New(Config{}, nil)
	th := a.Attach(ctx, "worker")

	_, err := a.Phase(ctx, th.ID())
	assert.ErrorIs(t, err, ErrNoPhase)

	var c phase.Counter
	require.NoError(t, c.AdvanceTo(3))
	th.BindPhase(&c)

	p, err := a.Phase(ctx, th.ID())
	require.NoError(t, err)
	assert.Equal(t, phase.Phase(3), p)
}

func TestSetSuspendRate(t *testing.T) {
	a := New(Config{SuspendRate: 1}, nil)
	th := a.Attach(context.Background(), "worker")
	assert.Equal(t, 1.0, float64(th.limiter.Limit()))

	a.SetSuspendRate(0)
	assert.True(t, th.limiter.Limit() == limitFor(0))

	later := a.Attach(context.Background(), "later")
	assert.True(t, later.limiter.Limit() == limitFor(0))
}
