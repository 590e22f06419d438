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

// Package agent implements debugops.Ops for goroutines that cooperate with a
// debugger.
//
// Go offers no way to stop another goroutine from the outside, so workers
// register with an Agent and run their interesting code through
// Thread.Call, calling Thread.Safepoint wherever they may be stopped. A
// suspend request parks the worker at its next safepoint; while it is parked
// its frame stack can be captured, it can be resumed, or its innermost frame
// can be unwound, which makes the matching Call return ErrFramePopped.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/rendezvous/internal/debugops"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/internal/phase"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

// DefaultSuspendTimeout bounds how long Suspend waits for a safepoint.
const DefaultSuspendTimeout = 2 * time.Second

var (
	// ErrFramePopped is returned by Thread.Call when its frame was unwound.
	ErrFramePopped = errors.New("agent: frame popped by debugger")

	// ErrNoPhase is returned when a thread has no bound phase source.
	ErrNoPhase = errors.New("agent: thread has no phase source")
)

// Config configures an Agent.
type Config struct {
	// SuspendTimeout bounds how long Suspend waits for the thread to reach a
	// safepoint. Default: DefaultSuspendTimeout.
	SuspendTimeout time.Duration

	// SuspendRate limits suspend requests per second and thread. Zero or
	// negative means unlimited.
	SuspendRate float64

	// SuspendBurst is the limiter burst. Default: 1.
	SuspendBurst int
}

// Info is a snapshot of a registered thread.
type Info struct {
	ID        debugops.ThreadID `json:"id"`
	Name      string            `json:"name"`
	Suspended bool              `json:"suspended"`
	Exited    bool              `json:"exited"`
	Depth     int               `json:"depth"`
}

// Agent is a registry of cooperating threads. It implements debugops.Ops.
type Agent struct {
	mu      sync.RWMutex
	threads map[debugops.ThreadID]*Thread
	cfg     Config
	logger  *slog.Logger
}

var _ debugops.Ops = (*Agent)(nil)

// New creates an agent.
func New(cfg Config, logger *slog.Logger) *Agent {
	if cfg.SuspendTimeout <= 0 {
		cfg.SuspendTimeout = DefaultSuspendTimeout
	}
	if cfg.SuspendBurst <= 0 {
		cfg.SuspendBurst = 1
	}
	if logger == nil {
		logger = rvlog.Discard()
	}
	return &Agent{
		threads: make(map[debugops.ThreadID]*Thread),
		cfg:     cfg,
		logger:  rvlog.WithComponent(logger, "agent"),
	}
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Attach registers the calling worker. ctx bounds every park of the thread:
// once it is done, a parked thread continues as if resumed.
func (a *Agent) Attach(ctx context.Context, name string) *Thread {
	t := &Thread{
		id:      debugops.ThreadID(uuid.NewString()),
		name:    name,
		ctx:     ctx,
		exited:  make(chan struct{}),
		limiter: rate.NewLimiter(limitFor(a.cfg.SuspendRate), a.cfg.SuspendBurst),
	}

	a.mu.Lock()
	a.threads[t.id] = t
	a.mu.Unlock()

	a.logger.Debug("thread attached", slog.String(rvlog.ThreadIDKey, string(t.id)), slog.String("name", name))
	return t
}

// Detach removes a thread from the registry and marks it exited.
func (a *Agent) Detach(id debugops.ThreadID) {
	a.mu.Lock()
	t, ok := a.threads[id]
	delete(a.threads, id)
	a.mu.Unlock()

	if ok {
		t.Exit()
		a.logger.Debug("thread detached", slog.String(rvlog.ThreadIDKey, string(id)))
	}
}

// Thread returns a registered thread.
func (a *Agent) Thread(id debugops.ThreadID) (*Thread, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.threads[id]
	if !ok {
		return nil, debugops.ErrThreadNotFound
	}
	return t, nil
}

// Threads returns a snapshot of every registered thread, ordered by name.
func (a *Agent) Threads() []Info {
	a.mu.RLock()
	threads := make([]*Thread, 0, len(a.threads))
	for _, t := range a.threads {
		threads = append(threads, t)
	}
	a.mu.RUnlock()

	out := make([]Info, 0, len(threads))
	for _, t := range threads {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SuspendedCount returns how many threads are currently parked.
func (a *Agent) SuspendedCount() int {
	n := 0
	for _, info := range a.Threads() {
		if info.Suspended {
			n++
		}
	}
	return n
}

// SetSuspendRate changes the suspend limit of every thread, current and
// future.
func (a *Agent) SetSuspendRate(perSecond float64) {
	a.mu.Lock()
	a.cfg.SuspendRate = perSecond
	threads := make([]*Thread, 0, len(a.threads))
	for _, t := range a.threads {
		threads = append(threads, t)
	}
	a.mu.Unlock()

	for _, t := range threads {
		t.limiter.SetLimit(limitFor(perSecond))
	}
}

// Suspend implements debugops.Ops. It asks the thread to park at its next
// safepoint and waits until it does. If the thread does not get there within
// the suspend timeout the request is withdrawn.
func (a *Agent) Suspend(ctx context.Context, id debugops.ThreadID) error {
	t, err := a.Thread(id)
	if err != nil {
		return err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	p, err := t.request()
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, a.cfg.SuspendTimeout)
	defer cancel()

	select {
	case <-p.parked:
		a.logger.Debug("thread suspended", slog.String(rvlog.ThreadIDKey, string(id)))
		return nil
	case <-t.exited:
		t.withdraw(p)
		return debugops.ErrThreadExited
	case <-wctx.Done():
		if !t.withdraw(p) {
			// Parked just as the wait ended.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &rverrors.TimeoutError{
			Operation: "suspending thread " + string(id),
			Duration:  a.cfg.SuspendTimeout,
		}
	}
}

// Resume implements debugops.Ops.
func (a *Agent) Resume(ctx context.Context, id debugops.ThreadID) error {
	t, err := a.Thread(id)
	if err != nil {
		return err
	}
	if err := t.release(false); err != nil {
		return err
	}
	a.logger.Debug("thread resumed", slog.String(rvlog.ThreadIDKey, string(id)))
	return nil
}

// CaptureStack implements debugops.Ops. A thread that is not parked yields an
// empty stack.
func (a *Agent) CaptureStack(ctx context.Context, id debugops.ThreadID) (debugops.Stack, error) {
	t, err := a.Thread(id)
	if err != nil {
		return nil, err
	}
	return t.stack(), nil
}

// UnwindOneFrame implements debugops.Ops. The thread must be parked; it is
// resumed with its innermost frame marked for unwinding.
func (a *Agent) UnwindOneFrame(ctx context.Context, id debugops.ThreadID) error {
	t, err := a.Thread(id)
	if err != nil {
		return err
	}
	if err := t.release(true); err != nil {
		return err
	}
	a.logger.Debug("frame unwound", slog.String(rvlog.ThreadIDKey, string(id)))
	return nil
}

// Phase reads the phase source bound to a thread.
func (a *Agent) Phase(ctx context.Context, id debugops.ThreadID) (phase.Phase, error) {
	t, err := a.Thread(id)
	if err != nil {
		return phase.NotStarted, err
	}
	src := t.phaseSource()
	if src == nil {
		return phase.NotStarted, ErrNoPhase
	}
	return src.Load(ctx)
}
