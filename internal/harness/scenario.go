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

package harness

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/debugops"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/internal/phase"
	"github.com/tombee/rendezvous/internal/rendezvous"
)

// Worker phases, published in order.
const (
	PhaseStarted  phase.Phase = 1
	PhaseLoading  phase.Phase = 2
	PhaseThrowing phase.Phase = 3
	PhaseInTarget phase.Phase = 4
)

// PhaseLabels names the worker phases in logs.
var PhaseLabels = phase.Labels{
	phase.NotStarted: "not-started",
	PhaseStarted:     "started",
	PhaseLoading:     "loading",
	PhaseThrowing:    "throwing",
	PhaseInTarget:    "in-target",
}

// Frame names of the worker scenario.
const (
	MethodRun           = "run"
	MethodFaultInjector = "faultInjector"
	MethodTarget        = "doInit"
	MethodTick          = "tick"
)

// WorkerName is the agent name of scenario workers.
const WorkerName = "worker"

// targetSpins is how many safepoints the target method passes, each
// followed by a scheduler yield, before calling tick. Tick has a single
// safepoint and no yield, so a suspension lands in tick only when the
// request arrives during the last yield: about one attempt in targetSpins.
const targetSpins = 8

// Run is the per-run state shared by the controller and the worker.
type Run struct {
	ID         string
	Counter    *phase.Counter
	Rendezvous *rendezvous.Rendezvous

	mu     sync.Mutex
	thread debugops.ThreadID
}

func newRun() *Run {
	return &Run{
		ID:         uuid.NewString(),
		Counter:    phase.NewCounter(),
		Rendezvous: rendezvous.New(),
	}
}

// Thread returns the worker's thread ID. It is set before the worker
// signals ready.
func (r *Run) Thread() debugops.ThreadID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thread
}

func (r *Run) setThread(id debugops.ThreadID) {
	r.mu.Lock()
	r.thread = id
	r.mu.Unlock()
}

// runWorker is the worker side of a scenario. It registers with the agent,
// meets the controller at the rendezvous, then walks through its phases
// into the target method, where it loops over safepoints until one of its
// frames is unwound or ctx ends.
func runWorker(ctx context.Context, a *agent.Agent, run *Run, logger *slog.Logger) error {
	th := a.Attach(ctx, WorkerName)
	defer a.Detach(th.ID())
	th.BindPhase(run.Counter)
	run.setThread(th.ID())

	logger = rvlog.WithThread(logger, string(th.ID()))
	run.Rendezvous.SignalReady()
	if err := run.Rendezvous.AwaitGo(ctx); err != nil {
		return nil
	}
	logger.Debug("worker released")

	advance := func(p phase.Phase) error {
		if err := run.Counter.AdvanceTo(p); err != nil {
			return err
		}
		rvlog.Trace(logger, "phase published", slog.String(rvlog.PhaseKey, PhaseLabels.Name(p)))
		return nil
	}

	err := th.Call(MethodRun, func() error {
		for _, p := range []phase.Phase{PhaseStarted, PhaseLoading, PhaseThrowing} {
			if err := advance(p); err != nil {
				return err
			}
		}

		err := th.Call(MethodFaultInjector, func() error {
			return th.Call(MethodTarget, func() error {
				if err := advance(PhaseInTarget); err != nil {
					return err
				}
				for {
					for i := 0; i < targetSpins; i++ {
						th.Safepoint()
						runtime.Gosched()
					}
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := th.Call(MethodTick, func() error {
						th.Safepoint()
						return nil
					}); err != nil {
						return err
					}
				}
			})
		})
		if errors.Is(err, agent.ErrFramePopped) {
			logger.Debug("worker frame popped, leaving fault injector")
			return nil
		}
		return err
	})

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Host keeps a worker available on a for remote controllers until ctx ends.
// Each worker releases itself and runs until a controller unwinds one of its
// frames; a fresh worker then takes its place.
func Host(ctx context.Context, a *agent.Agent, logger *slog.Logger) error {
	if logger == nil {
		logger = rvlog.Discard()
	}
	for ctx.Err() == nil {
		run := newRun()
		runLogger := rvlog.WithRun(logger, run.ID)
		done := make(chan error, 1)
		go func() { done <- runWorker(ctx, a, run, runLogger) }()

		if err := run.Rendezvous.AwaitReady(ctx); err != nil {
			<-done
			return nil
		}
		if err := run.Rendezvous.ReleaseGo(); err != nil {
			return err
		}
		runLogger.Info("worker available", slog.String(rvlog.ThreadIDKey, string(run.Thread())))

		if err := <-done; err != nil {
			return err
		}
		runLogger.Info("worker finished")
	}
	return nil
}
