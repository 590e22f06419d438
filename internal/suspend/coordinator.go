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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/rendezvous/internal/clock"
	"github.com/tombee/rendezvous/internal/debugops"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/pkg/errors"
)

const (
	// DefaultMaxAttempts is the retry budget used when none is configured.
	DefaultMaxAttempts = 10

	// DefaultRetryDelay is how long the worker runs between a resume and the
	// next suspend request.
	DefaultRetryDelay = 50 * time.Millisecond

	// DefaultUnwindTimeout bounds the final unwind call.
	DefaultUnwindTimeout = 5 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// TargetMethod is the method identity the top frame must have.
	TargetMethod string

	// MaxAttempts is the retry budget. Default: DefaultMaxAttempts.
	MaxAttempts int

	// RetryDelay is the pause after resuming a wrongly suspended worker.
	// Default: DefaultRetryDelay. Negative means no pause.
	RetryDelay time.Duration

	// UnwindTimeout bounds the final unwind, which runs even when the run's
	// context is already cancelled. Default: DefaultUnwindTimeout.
	UnwindTimeout time.Duration

	// Match is an optional expr-lang expression replacing the top-frame
	// method comparison.
	Match string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.UnwindTimeout <= 0 {
		c.UnwindTimeout = DefaultUnwindTimeout
	}
	return c
}

// Recorder receives coordinator metrics.
type Recorder interface {
	RecordAttempt(ctx context.Context, target string, matched bool)
	RecordOutcome(ctx context.Context, target string, outcome string, attempts int, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordAttempt(context.Context, string, bool)                       {}
func (noopRecorder) RecordOutcome(context.Context, string, string, int, time.Duration) {}

// Coordinator runs the suspend/inspect/retry loop against a debug interface.
type Coordinator struct {
	ops      debugops.Ops
	cfg      Config
	matcher  Matcher
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for the retry delay.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(co *Coordinator) { co.recorder = r }
}

// WithMatcher replaces the matcher derived from the config.
func WithMatcher(m Matcher) Option {
	return func(co *Coordinator) { co.matcher = m }
}

// New validates cfg and returns a coordinator driving ops.
func New(ops debugops.Ops, cfg Config, opts ...Option) (*Coordinator, error) {
	if ops == nil {
		return nil, &errors.ValidationError{Field: "ops", Message: "debug interface is required"}
	}
	cfg = cfg.withDefaults()
	if cfg.MaxAttempts < 0 {
		return nil, &errors.ValidationError{Field: "max_attempts", Message: "must be positive"}
	}

	c := &Coordinator{
		ops:      ops,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   rvlog.Discard(),
		recorder: noopRecorder{},
		tracer:   otel.Tracer("github.com/tombee/rendezvous/internal/suspend"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.matcher == nil {
		switch {
		case cfg.Match != "":
			m, err := NewExprMatcher(cfg.Match, cfg.TargetMethod)
			if err != nil {
				return nil, &errors.ValidationError{Field: "match", Message: err.Error()}
			}
			c.matcher = m
		case cfg.TargetMethod != "":
			c.matcher = MethodMatcher(cfg.TargetMethod)
		default:
			return nil, &errors.ValidationError{
				Field:          "target_method",
				Message:        "a target method or a match expression is required",
				SuggestionText: "set coordinator.target_method, e.g. doInit",
			}
		}
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Run drives the worker identified by id until it is caught in the target
// frame, the stack comes back empty, or the attempt budget is spent, then
// unwinds one frame. The caller must already have seen the worker reach the
// phase at which the target method runs.
//
// The returned error is non-nil only for aborted runs (cancellation or a
// failing debug interface); protocol failures are reported via the outcome.
func (c *Coordinator) Run(ctx context.Context, id debugops.ThreadID) (*Result, error) {
	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "suspend.coordinate", trace.WithAttributes(
		attribute.String("thread.id", string(id)),
		attribute.String("target.method", c.cfg.TargetMethod),
		attribute.Int("max_attempts", c.cfg.MaxAttempts),
	))
	defer span.End()

	logger := rvlog.WithThread(c.logger, string(id))
	res := &Result{}
	res.enter(StateIdle)

	runErr := c.loop(ctx, id, res, logger, span)
	if res.Outcome == OutcomeAccepted {
		res.enter(StateAccepted)
	} else {
		res.enter(StateFailed)
	}

	res.UnwindErr = c.unwind(ctx, id, logger)
	if res.UnwindErr == nil {
		res.enter(StateUnwound)
	}
	res.Duration = c.clock.Now().Sub(start)

	c.recorder.RecordOutcome(ctx, c.cfg.TargetMethod, string(res.Outcome), res.Attempts, res.Duration)
	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("attempts", res.Attempts),
	)
	if res.Outcome.Passed() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(res.Outcome))
	}

	logger.Info("suspension finished",
		slog.String(rvlog.OutcomeKey, string(res.Outcome)),
		slog.Int("attempts", res.Attempts),
		slog.Int64(rvlog.DurationKey, res.Duration.Milliseconds()))

	return res, runErr
}

func (c *Coordinator) loop(ctx context.Context, id debugops.ThreadID, res *Result, logger *slog.Logger, span trace.Span) error {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		attemptLog := logger.With(slog.Int(rvlog.AttemptKey, attempt))

		if err := c.ops.Suspend(ctx, id); err != nil {
			if ctx.Err() != nil {
				res.Outcome = OutcomeAborted
				return ctx.Err()
			}
			// The capture below tells whether the thread actually stopped.
			attemptLog.Warn("suspend request failed", rvlog.Error(err))
		}
		res.enter(StateChecking)

		stack, err := c.ops.CaptureStack(ctx, id)
		if err != nil {
			res.Outcome = OutcomeAborted
			return errors.Wrapf(err, "capturing stack of thread %s", id)
		}
		res.Stack = stack

		if len(stack) == 0 {
			attemptLog.Error("thread has empty stack")
			res.History = append(res.History, Attempt{Number: attempt})
			res.Outcome = OutcomeFailedStackEmpty
			return nil
		}

		top, _ := stack.Top()
		matched, err := c.matcher.Match(stack)
		if err != nil {
			attemptLog.Warn("match failed, treating stack as wrong", rvlog.Error(err))
		}
		res.History = append(res.History, Attempt{Number: attempt, TopMethod: top.Method, Matched: matched})
		c.recorder.RecordAttempt(ctx, c.cfg.TargetMethod, matched)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("top.method", top.Method),
			attribute.Bool("matched", matched),
		))

		if matched {
			attemptLog.Info("thread suspended in target method", slog.String(rvlog.MethodKey, top.Method))
			res.Outcome = OutcomeAccepted
			return nil
		}

		attemptLog.Info("thread suspended at the wrong moment, retrying",
			slog.String(rvlog.MethodKey, top.Method),
			slog.Any("stack", stack.Methods()))
		res.enter(StateRetry)

		if err := c.ops.Resume(ctx, id); err != nil {
			if ctx.Err() != nil {
				res.Outcome = OutcomeAborted
				return ctx.Err()
			}
			attemptLog.Warn("resume failed", rvlog.Error(err))
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}
		// Let the worker run for a while before the next suspend request.
		if err := c.clock.Sleep(ctx, c.cfg.RetryDelay); err != nil {
			res.Outcome = OutcomeAborted
			return err
		}
	}

	res.Outcome = OutcomeFailedRetriesExhausted
	logger.Error("unable to suspend thread in target method",
		slog.String(rvlog.MethodKey, c.cfg.TargetMethod),
		slog.Int("attempts", res.Attempts),
		slog.String("stack", res.Stack.String()))
	return nil
}

func (c *Coordinator) unwind(ctx context.Context, id debugops.ThreadID, logger *slog.Logger) error {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.UnwindTimeout)
	defer cancel()

	if err := c.ops.UnwindOneFrame(uctx, id); err != nil {
		logger.Warn("unwind failed", rvlog.Error(err))
		return err
	}
	logger.Debug("unwound one frame")
	return nil
}
