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

// Package harness runs the suspension scenario: a worker goroutine walks
// into a target method while a controller meets it at a rendezvous, waits
// for its phase, suspends it inside the target frame, unwinds that frame and
// joins it. Runs past their deadline trigger diagnostics collection.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/clock"
	"github.com/tombee/rendezvous/internal/config"
	"github.com/tombee/rendezvous/internal/debugapi"
	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/diagnostics"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/internal/phase"
	"github.com/tombee/rendezvous/internal/store"
	"github.com/tombee/rendezvous/internal/suspend"
	"github.com/tombee/rendezvous/internal/tracing"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

// DefaultTimeout is the run deadline used when none is configured.
const DefaultTimeout = 2 * time.Minute

// Config configures a Harness.
type Config struct {
	Coordinator suspend.Config

	// PollInterval and PhaseTimeout configure waiting for PhaseInTarget.
	PollInterval time.Duration
	PhaseTimeout time.Duration

	// Timeout is the deadline of a whole run. Default: DefaultTimeout.
	Timeout time.Duration

	// Transport is config.TransportInProcess or config.TransportHTTP.
	Transport string
}

// FromConfig builds a harness configuration from the file configuration.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Coordinator: suspend.Config{
			TargetMethod:  cfg.Coordinator.TargetMethod,
			MaxAttempts:   cfg.Coordinator.MaxAttempts,
			RetryDelay:    cfg.Coordinator.RetryDelay,
			UnwindTimeout: cfg.Coordinator.UnwindTimeout,
			Match:         cfg.Coordinator.Match,
		},
		PollInterval: cfg.Phase.PollInterval,
		PhaseTimeout: cfg.Phase.Timeout,
		Timeout:      cfg.Harness.Timeout,
		Transport:    cfg.Harness.Transport,
	}
}

// Harness runs scenarios.
type Harness struct {
	cfg       Config
	agent     *agent.Agent
	logger    *slog.Logger
	clock     clock.Clock
	collector *diagnostics.Collector
	store     *store.Store
	metrics   *tracing.Metrics
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithAgent sets the debug agent workers register with.
func WithAgent(a *agent.Agent) Option {
	return func(h *Harness) { h.agent = a }
}

// WithClock sets the clock used by the poller and the coordinator.
func WithClock(c clock.Clock) Option {
	return func(h *Harness) { h.clock = c }
}

// WithCollector enables diagnostics collection on timeout.
func WithCollector(c *diagnostics.Collector) Option {
	return func(h *Harness) { h.collector = c }
}

// WithStore records every report.
func WithStore(s *store.Store) Option {
	return func(h *Harness) { h.store = s }
}

// WithMetrics records coordinator and scenario metrics.
func WithMetrics(m *tracing.Metrics) Option {
	return func(h *Harness) { h.metrics = m }
}

// New creates a harness.
func New(cfg Config, opts ...Option) (*Harness, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Transport == "" {
		cfg.Transport = config.TransportInProcess
	}
	if cfg.Transport != config.TransportInProcess && cfg.Transport != config.TransportHTTP {
		return nil, &rverrors.ValidationError{
			Field:          "transport",
			Message:        fmt.Sprintf("unknown transport %q", cfg.Transport),
			SuggestionText: "use in-process or http",
		}
	}
	if cfg.Coordinator.TargetMethod == "" && cfg.Coordinator.Match == "" {
		cfg.Coordinator.TargetMethod = MethodTarget
	}

	h := &Harness{
		cfg:    cfg,
		logger: rvlog.Discard(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.agent == nil {
		h.agent = agent.New(agent.Config{}, h.logger)
	}
	if h.metrics != nil {
		h.metrics.ObserveSuspended(h.agent.SuspendedCount)
	}
	return h, nil
}

// Agent returns the debug agent workers register with.
func (h *Harness) Agent() *agent.Agent {
	return h.agent
}

// Run executes one scenario with an in-process worker. The returned error
// is non-nil when the run did not reach a verdict: it timed out (as
// *errors.TimeoutError, after diagnostics) or was aborted. The report is
// always returned.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	run := newRun()
	logger := rvlog.WithRun(h.logger, run.ID)
	report := &Report{
		RunID:        run.ID,
		TargetMethod: h.targetLabel(),
		Transport:    h.cfg.Transport,
		StartedAt:    time.Now(),
	}

	ctx, span := otel.Tracer("github.com/tombee/rendezvous/internal/harness").Start(ctx, "harness.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", run.ID), attribute.String("transport", h.cfg.Transport))

	rctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	ops, closeTransport, err := h.transport(rctx, logger)
	if err != nil {
		return h.finish(ctx, report, nil, err, logger), err
	}
	defer closeTransport()

	workerCtx, stopWorker := context.WithCancel(rctx)
	defer stopWorker()

	g, gctx := errgroup.WithContext(workerCtx)
	g.Go(func() error {
		return runWorker(gctx, h.agent, run, logger)
	})

	result, runErr := h.control(gctx, run, ops, logger)
	if runErr != nil || result == nil || result.UnwindErr != nil {
		// The worker may still be looping in the target method.
		stopWorker()
	}
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = fmt.Errorf("worker failed: %w", err)
	}
	logger.Debug("worker joined")

	if runErr != nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = &rverrors.TimeoutError{Operation: "scenario run", Duration: h.cfg.Timeout, Cause: runErr}
		report.Diagnostics = h.diagnose(ctx, logger)
	}

	report = h.finish(ctx, report, result, runErr, logger)
	if report.Passed() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(report.Outcome))
	}
	return report, runErr
}

// control is the controller side of a scenario.
func (h *Harness) control(ctx context.Context, run *Run, ops debugops.Ops, logger *slog.Logger) (*suspend.Result, error) {
	if err := run.Rendezvous.AwaitReady(ctx); err != nil {
		return nil, fmt.Errorf("waiting for worker: %w", err)
	}
	if err := run.Rendezvous.ReleaseGo(); err != nil {
		return nil, err
	}
	id := run.Thread()
	logger.Info("worker ready", slog.String(rvlog.ThreadIDKey, string(id)))

	return h.drive(ctx, ops, h.phaseSource(ops, run), id, logger)
}

// drive waits for the worker to enter the target method, then runs the
// coordinator against it.
func (h *Harness) drive(ctx context.Context, ops debugops.Ops, src phase.Source, id debugops.ThreadID, logger *slog.Logger) (*suspend.Result, error) {
	poller := &phase.Poller{
		Interval: h.cfg.PollInterval,
		Timeout:  h.cfg.PhaseTimeout,
		Clock:    h.clock,
		Labels:   PhaseLabels,
		Logger:   logger,
	}
	if _, err := poller.WaitFor(ctx, src, PhaseInTarget); err != nil {
		return nil, err
	}

	opts := []suspend.Option{suspend.WithClock(h.clock), suspend.WithLogger(logger)}
	if h.metrics != nil {
		opts = append(opts, suspend.WithRecorder(h.metrics))
	}
	coord, err := suspend.New(ops, h.cfg.Coordinator, opts...)
	if err != nil {
		return nil, err
	}
	return coord.Run(ctx, id)
}

// Attach drives a worker hosted by a remote agent. With an empty id the
// first idle worker is used.
func (h *Harness) Attach(ctx context.Context, client *debugapi.Client, id debugops.ThreadID) (*Report, error) {
	report := &Report{
		TargetMethod: h.targetLabel(),
		Transport:    config.TransportHTTP,
		StartedAt:    time.Now(),
	}

	rctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	if id == "" {
		found, err := idleWorker(rctx, client)
		if err != nil {
			return h.finish(ctx, report, nil, err, h.logger), err
		}
		id = found
	}
	report.RunID = string(id)
	logger := rvlog.WithRun(h.logger, report.RunID)

	result, err := h.drive(rctx, client, client.PhaseSource(id), id, logger)
	if err != nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &rverrors.TimeoutError{Operation: "attached run", Duration: h.cfg.Timeout, Cause: err}
	}
	return h.finish(ctx, report, result, err, logger), err
}

func idleWorker(ctx context.Context, client *debugapi.Client) (debugops.ThreadID, error) {
	threads, err := client.Threads(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range threads {
		if t.Name == WorkerName && !t.Exited && !t.Suspended {
			return t.ID, nil
		}
	}
	return "", &rverrors.NotFoundError{Resource: "thread", ID: WorkerName}
}

func (h *Harness) phaseSource(ops debugops.Ops, run *Run) phase.Source {
	if c, ok := ops.(*debugapi.Client); ok {
		return c.PhaseSource(run.Thread())
	}
	return run.Counter
}

// transport returns the Ops the controller uses and a cleanup function.
func (h *Harness) transport(ctx context.Context, logger *slog.Logger) (debugops.Ops, func(), error) {
	if h.cfg.Transport == config.TransportInProcess {
		return h.agent, func() {}, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for debug api: %w", err)
	}
	srv := &http.Server{
		Handler:           debugapi.NewServer(h.agent, debugapi.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug api stopped", rvlog.Error(err))
		}
	}()
	logger.Debug("debug api listening", slog.String("addr", ln.Addr().String()))

	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return debugapi.NewClient(ln.Addr().String()), cleanup, nil
}

func (h *Harness) diagnose(ctx context.Context, logger *slog.Logger) *diagnostics.Report {
	if h.collector == nil {
		return nil
	}
	logger.Warn("run timed out, collecting diagnostics", slog.Int("pid", os.Getpid()))
	return h.collector.Collect(context.WithoutCancel(ctx), os.Getpid())
}

// finish fills in the verdict, then records and logs the report.
func (h *Harness) finish(ctx context.Context, report *Report, result *suspend.Result, err error, logger *slog.Logger) *Report {
	report.EndedAt = time.Now()
	report.Outcome = suspend.OutcomeAborted
	if result != nil {
		report.Outcome = result.Outcome
		report.Attempts = result.Attempts
		report.History = result.History
		report.Stack = result.Stack
	}
	if err != nil {
		report.Error = err.Error()
	}
	report.setStatus(err == nil && report.Outcome.Passed())

	sctx := context.WithoutCancel(ctx)
	if h.metrics != nil {
		h.metrics.RecordScenario(sctx, StatusName(report.Status))
	}
	if h.store != nil && report.RunID != "" {
		if serr := h.store.Save(sctx, report.Record()); serr != nil {
			logger.Warn("failed to record run", rvlog.Error(serr))
		}
	}

	level := slog.LevelInfo
	if !report.Passed() {
		level = slog.LevelError
	}
	logger.Log(sctx, level, "scenario finished",
		slog.String(rvlog.OutcomeKey, string(report.Outcome)),
		slog.Int("status", report.Status),
		slog.Int("exit_code", report.ExitCode),
		slog.Int("attempts", report.Attempts),
		slog.Int64(rvlog.DurationKey, report.Duration().Milliseconds()))
	return report
}

func (h *Harness) targetLabel() string {
	if h.cfg.Coordinator.TargetMethod != "" {
		return h.cfg.Coordinator.TargetMethod
	}
	return h.cfg.Coordinator.Match
}
