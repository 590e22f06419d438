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

package suspend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rendezvous/internal/clock"
	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/testing/mock"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

const target = "doInit"

func newTestCoordinator(t *testing.T, ops debugops.Ops, cfg Config, opts ...Option) (*Coordinator, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(0, 0))
	if cfg.TargetMethod == "" && cfg.Match == "" {
		cfg.TargetMethod = target
	}
	c, err := New(ops, cfg, append([]Option{WithClock(fake)}, opts...)...)
	require.NoError(t, err)
	return c, fake
}

func TestRun_AcceptedFirstTry(t *testing.T) {
	ops := mock.WrongThenRight(0, "tick", target)
	c, fake := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.True(t, res.Outcome.Passed())
	assert.Equal(t, 1, res.Attempts)
	top, ok := res.Stack.Top()
	require.True(t, ok)
	assert.Equal(t, target, top.Method)
	assert.Equal(t, mock.Counts{Suspend: 1, Resume: 0, Capture: 1, Unwind: 1}, ops.Counts())
	assert.Empty(t, fake.Sleeps())
	assert.Equal(t, []State{StateIdle, StateChecking, StateAccepted, StateUnwound}, res.States)
}

func TestRun_WrongThenCorrect(t *testing.T) {
	ops := mock.WrongThenRight(3, "tick", target)
	c, fake := newTestCoordinator(t, ops, Config{RetryDelay: 50 * time.Millisecond})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, mock.Counts{Suspend: 4, Resume: 3, Capture: 4, Unwind: 1}, ops.Counts())
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}, fake.Sleeps())

	require.Len(t, res.History, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, "tick", res.History[i].TopMethod)
		assert.False(t, res.History[i].Matched)
	}
	assert.True(t, res.History[3].Matched)

	assert.Equal(t, []string{
		"suspend", "capture", "resume",
		"suspend", "capture", "resume",
		"suspend", "capture", "resume",
		"suspend", "capture", "unwind",
	}, ops.Calls())
}

func TestRun_RetriesExhausted(t *testing.T) {
	ops := mock.AlwaysWrong("tick")
	c, fake := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailedRetriesExhausted, res.Outcome)
	assert.False(t, res.Outcome.Passed())
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, mock.Counts{
		Suspend: DefaultMaxAttempts,
		Resume:  DefaultMaxAttempts,
		Capture: DefaultMaxAttempts,
		Unwind:  1,
	}, ops.Counts())
	// No pause after the final resume.
	assert.Len(t, fake.Sleeps(), DefaultMaxAttempts-1)

	calls := ops.Calls()
	assert.Equal(t, "unwind", calls[len(calls)-1])
	assert.Equal(t, StateFailed, res.States[len(res.States)-2])
	assert.Equal(t, StateUnwound, res.States[len(res.States)-1])
}

func TestRun_EmptyStackFailsImmediately(t *testing.T) {
	ops := mock.NewOps(debugops.Stack{})
	c, fake := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailedStackEmpty, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, mock.Counts{Suspend: 1, Resume: 0, Capture: 1, Unwind: 1}, ops.Counts())
	assert.Empty(t, fake.Sleeps())
}

func TestRun_EmptyStackAfterWrongAttempts(t *testing.T) {
	wrong := debugops.Stack{{Method: "tick"}, {Method: target}}
	ops := mock.NewOps(wrong, wrong, debugops.Stack{})
	c, _ := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailedStackEmpty, res.Outcome)
	assert.Equal(t, mock.Counts{Suspend: 3, Resume: 2, Capture: 3, Unwind: 1}, ops.Counts())
}

func TestRun_CustomBudget(t *testing.T) {
	ops := mock.AlwaysWrong("tick")
	c, _ := newTestCoordinator(t, ops, Config{MaxAttempts: 3})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailedRetriesExhausted, res.Outcome)
	assert.Equal(t, mock.Counts{Suspend: 3, Resume: 3, Capture: 3, Unwind: 1}, ops.Counts())
}

func TestRun_NegativeDelayMeansNoPause(t *testing.T) {
	ops := mock.WrongThenRight(2, "tick", target)
	c, fake := newTestCoordinator(t, ops, Config{RetryDelay: -1})

	_, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0, 0}, fake.Sleeps())
}

func TestRun_SuspendErrorIsNotFatal(t *testing.T) {
	ops := mock.WrongThenRight(1, "tick", target)
	ops.SuspendErr = errors.New("agent busy")
	c, _ := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 2, ops.Counts().Suspend)
}

func TestRun_CaptureErrorAborts(t *testing.T) {
	ops := mock.AlwaysWrong("tick")
	ops.CaptureErr = debugops.ErrThreadExited
	c, _ := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, debugops.ErrThreadExited)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, mock.Counts{Suspend: 1, Resume: 0, Capture: 1, Unwind: 1}, ops.Counts())
}

func TestRun_CancelledStillUnwindsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ops := mock.AlwaysWrong("tick")
	ops.OnSuspend = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	c, _ := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(ctx, "t1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, ops.Counts().Unwind)
	// The unwind runs on a context detached from the cancelled run.
	assert.NoError(t, res.UnwindErr)
}

func TestRun_UnwindErrorReported(t *testing.T) {
	ops := mock.WrongThenRight(0, "tick", target)
	ops.UnwindErr = debugops.ErrNoFrame
	c, _ := newTestCoordinator(t, ops, Config{})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.ErrorIs(t, res.UnwindErr, debugops.ErrNoFrame)
	assert.NotContains(t, res.States, StateUnwound)
}

func TestRun_ExprMatch(t *testing.T) {
	// doInit is on top in both stacks but only the second was entered from
	// faultInjector.
	ops := mock.NewOps(
		debugops.Stack{{Method: target}, {Method: "other"}},
		debugops.Stack{{Method: target}, {Method: "faultInjector"}},
	)
	c, _ := newTestCoordinator(t, ops, Config{
		TargetMethod: target,
		Match:        `top.Method == target && any(stack, .Method == "faultInjector")`,
	})

	res, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

type recordedOutcome struct {
	outcome  string
	attempts int
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []bool
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordAttempt(_ context.Context, _ string, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, matched)
}

func (r *fakeRecorder) RecordOutcome(_ context.Context, _ string, outcome string, attempts int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{outcome, attempts})
}

func TestRun_Recorder(t *testing.T) {
	rec := &fakeRecorder{}
	ops := mock.WrongThenRight(2, "tick", target)
	c, _ := newTestCoordinator(t, ops, Config{}, WithRecorder(rec))

	_, err := c.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, rec.attempts)
	assert.Equal(t, []recordedOutcome{{"accepted", 3}}, rec.outcomes)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		ops   debugops.Ops
		cfg   Config
		field string
	}{
		{"nil ops", nil, Config{TargetMethod: target}, "ops"},
		{"no target", mock.NewOps(), Config{}, "target_method"},
		{"negative budget", mock.NewOps(), Config{TargetMethod: target, MaxAttempts: -1}, "max_attempts"},
		{"bad expression", mock.NewOps(), Config{Match: "top.Method +"}, "match"},
		{"non-bool expression", mock.NewOps(), Config{Match: "depth"}, "match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.ops, tt.cfg)
			require.Error(t, err)
			var verr *rverrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(mock.NewOps(), Config{TargetMethod: target})
	require.NoError(t, err)
	cfg := c.Config()
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
	assert.Equal(t, DefaultUnwindTimeout, cfg.UnwindTimeout)
}

func TestMethodMatcher(t *testing.T) {
	m := MethodMatcher(target)

	ok, err := m.Match(debugops.Stack{{Method: target}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Match(debugops.Stack{{Method: "tick"}, {Method: target}})
	assert.False(t, ok)

	ok, _ = m.Match(nil)
	assert.False(t, ok)
}

func TestExprMatcher_EmptyStack(t *testing.T) {
	m, err := NewExprMatcher(`depth > 0 && top.Method == target`, target)
	require.NoError(t, err)

	ok, err := m.Match(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, `depth > 0 && top.Method == target`, m.String())
}
