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

// Package mock provides scripted debug interfaces for tests.
package mock

import (
	"context"
	"sync"

	"github.com/tombee/rendezvous/internal/debugops"
)

// Counts tallies calls per operation.
type Counts struct {
	Suspend int
	Resume  int
	Capture int
	Unwind  int
}

// Ops is a scripted debugops.Ops. Each CaptureStack call returns the next
// stack of the script; once the script runs out the last stack repeats.
type Ops struct {
	mu     sync.Mutex
	script []debugops.Stack
	counts Counts
	calls  []string

	// SuspendErr, ResumeErr, CaptureErr and UnwindErr are returned by the
	// matching operation when set.
	SuspendErr error
	ResumeErr  error
	CaptureErr error
	UnwindErr  error

	// OnSuspend runs on every Suspend call with the 1-based call number.
	OnSuspend func(n int)
}

// NewOps returns Ops replaying script.
func NewOps(script ...debugops.Stack) *Ops {
	return &Ops{script: script}
}

// WrongThenRight returns Ops whose first n captures have wrong on top and
// every later capture has target on top.
func WrongThenRight(n int, wrong, target string) *Ops {
	script := make([]debugops.Stack, 0, n+1)
	for i := 0; i < n; i++ {
		script = append(script, debugops.Stack{{Method: wrong}, {Method: target}, {Method: "run"}})
	}
	script = append(script, debugops.Stack{{Method: target}, {Method: "faultInjector"}, {Method: "run"}})
	return NewOps(script...)
}

// AlwaysWrong returns Ops whose captures never have target on top.
func AlwaysWrong(wrong string) *Ops {
	return NewOps(debugops.Stack{{Method: wrong}, {Method: "run"}})
}

// Suspend implements debugops.Ops.
func (o *Ops) Suspend(ctx context.Context, id debugops.ThreadID) error {
	o.mu.Lock()
	o.counts.Suspend++
	n := o.counts.Suspend
	o.calls = append(o.calls, "suspend")
	hook := o.OnSuspend
	err := o.SuspendErr
	o.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return err
}

// Resume implements debugops.Ops.
func (o *Ops) Resume(ctx context.Context, id debugops.ThreadID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts.Resume++
	o.calls = append(o.calls, "resume")
	return o.ResumeErr
}

// CaptureStack implements debugops.Ops.
func (o *Ops) CaptureStack(ctx context.Context, id debugops.ThreadID) (debugops.Stack, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.counts.Capture
	o.counts.Capture++
	o.calls = append(o.calls, "capture")

	if o.CaptureErr != nil {
		return nil, o.CaptureErr
	}
	if len(o.script) == 0 {
		return nil, nil
	}
	if i >= len(o.script) {
		i = len(o.script) - 1
	}
	out := make(debugops.Stack, len(o.script[i]))
	copy(out, o.script[i])
	return out, nil
}

// UnwindOneFrame implements debugops.Ops.
func (o *Ops) UnwindOneFrame(ctx context.Context, id debugops.ThreadID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts.Unwind++
	o.calls = append(o.calls, "unwind")
	if err := ctx.Err(); err != nil {
		return err
	}
	return o.UnwindErr
}

// Counts returns the call tallies.
func (o *Ops) Counts() Counts {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts
}

// Calls returns the operation names in call order.
func (o *Ops) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.calls))
	copy(out, o.calls)
	return out
}
