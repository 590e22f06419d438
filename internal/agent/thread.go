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
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/phase"
)

// parking is one suspend request. parked is closed when the thread stops at
// a safepoint, resume when the debugger lets it go.
type parking struct {
	parked   chan struct{}
	resume   chan struct{}
	isParked bool
	unwind   bool
	depth    int
}

// unwindSignal unwinds the goroutine's stack up to the Call at depth.
type unwindSignal struct {
	depth int
}

// Thread is a worker registered with an Agent. Its methods other than Info
// must only be called from the worker goroutine itself.
type Thread struct {
	id      debugops.ThreadID
	name    string
	ctx     context.Context
	limiter *rate.Limiter

	mu       sync.Mutex
	frames   []debugops.Frame // outermost first
	park     *parking
	phase    phase.Source
	exited   chan struct{}
	exitOnce sync.Once
}

// ID returns the thread identity used with debugops.Ops.
func (t *Thread) ID() debugops.ThreadID {
	return t.id
}

// Name returns the name given at attach time.
func (t *Thread) Name() string {
	return t.name
}

// BindPhase exposes src as the thread's phase through Agent.Phase.
func (t *Thread) BindPhase(src phase.Source) {
	t.mu.Lock()
	t.phase = src
	t.mu.Unlock()
}

func (t *Thread) phaseSource() phase.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Info returns a snapshot of the thread.
func (t *Thread) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:        t.id,
		Name:      t.name,
		Suspended: t.park != nil && t.park.isParked,
		Exited:    t.hasExited(),
		Depth:     len(t.frames),
	}
}

func (t *Thread) hasExited() bool {
	select {
	case <-t.exited:
		return true
	default:
		return false
	}
}

// Exit marks the thread terminated. Pending and future debugger operations
// fail with debugops.ErrThreadExited.
func (t *Thread) Exit() {
	t.exitOnce.Do(func() { close(t.exited) })
}

// Call runs fn inside a new frame named method. If the debugger unwinds this
// frame while fn is parked at a safepoint, fn is abandoned and Call returns
// ErrFramePopped.
func (t *Thread) Call(method string, fn func() error) (err error) {
	_, file, line, _ := runtime.Caller(1)

	t.mu.Lock()
	if t.hasExited() {
		t.mu.Unlock()
		return debugops.ErrThreadExited
	}
	depth := len(t.frames)
	t.frames = append(t.frames, debugops.Frame{Method: method, File: filepath.Base(file), Line: line})
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.frames = t.frames[:depth]
		t.mu.Unlock()

		if r := recover(); r != nil {
			if sig, ok := r.(unwindSignal); ok && sig.depth == depth {
				err = ErrFramePopped
				return
			}
			panic(r)
		}
	}()

	return fn()
}

// Safepoint parks the thread if a suspension was requested, until it is
// resumed or the thread's context ends. If the debugger unwound the
// innermost frame meanwhile, Safepoint does not return: control continues
// after the Call owning that frame.
func (t *Thread) Safepoint() {
	_, file, line, _ := runtime.Caller(1)

	t.mu.Lock()
	if n := len(t.frames); n > 0 {
		t.frames[n-1].File = filepath.Base(file)
		t.frames[n-1].Line = line
	}
	p := t.park
	if p == nil || p.isParked {
		t.mu.Unlock()
		return
	}
	p.isParked = true
	close(p.parked)
	t.mu.Unlock()

	select {
	case <-p.resume:
	case <-t.ctx.Done():
		t.abandon(p)
		return
	case <-t.exited:
		t.abandon(p)
		return
	}

	if p.unwind {
		panic(unwindSignal{depth: p.depth})
	}
}

func (t *Thread) abandon(p *parking) {
	t.mu.Lock()
	if t.park == p {
		t.park = nil
	}
	t.mu.Unlock()
}

// request registers a suspend request, or returns the pending one.
func (t *Thread) request() (*parking, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasExited() {
		return nil, debugops.ErrThreadExited
	}
	if t.park == nil {
		t.park = &parking{
			parked: make(chan struct{}),
			resume: make(chan struct{}),
		}
	}
	return t.park, nil
}

// withdraw cancels p unless the thread already parked on it. It reports
// whether the request was withdrawn.
func (t *Thread) withdraw(p *parking) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.isParked {
		return false
	}
	if t.park == p {
		t.park = nil
	}
	return true
}

// release lets a parked thread continue, optionally unwinding its innermost
// frame.
func (t *Thread) release(unwind bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasExited() {
		return debugops.ErrThreadExited
	}
	p := t.park
	if p == nil || !p.isParked {
		return debugops.ErrNotSuspended
	}
	if unwind {
		if len(t.frames) == 0 {
			return debugops.ErrNoFrame
		}
		p.unwind = true
		p.depth = len(t.frames) - 1
	}
	t.park = nil
	close(p.resume)
	return nil
}

// stack returns the frames innermost first, or an empty stack when the
// thread is not parked.
func (t *Thread) stack() debugops.Stack {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.park == nil || !t.park.isParked {
		return debugops.Stack{}
	}
	out := make(debugops.Stack, len(t.frames))
	for i, f := range t.frames {
		out[len(t.frames)-1-i] = f
	}
	return out
}
