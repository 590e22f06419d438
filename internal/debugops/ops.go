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

// Package debugops defines the debugging operations a controller issues
// against a worker thread, and the frame types they exchange.
package debugops

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrThreadNotFound is returned for an unknown thread ID.
	ErrThreadNotFound = errors.New("debugops: thread not found")

	// ErrNotSuspended is returned when an operation needs a suspended thread.
	ErrNotSuspended = errors.New("debugops: thread not suspended")

	// ErrThreadExited is returned when the thread has already terminated.
	ErrThreadExited = errors.New("debugops: thread exited")

	// ErrNoFrame is returned when there is no frame to unwind.
	ErrNoFrame = errors.New("debugops: no active frame")
)

// ThreadID identifies a worker thread registered with a debug agent.
type ThreadID string

// Ops is the debugging interface consumed by the suspension coordinator.
// A nil error means the operation succeeded.
type Ops interface {
	// Suspend requests that the thread stop. It is best-effort and races
	// with the thread's progress, but never corrupts thread state.
	Suspend(ctx context.Context, id ThreadID) error

	// Resume lets a suspended thread continue.
	Resume(ctx context.Context, id ThreadID) error

	// CaptureStack returns the thread's frames, innermost first. An empty
	// stack is legal and means the thread is not actually suspended.
	CaptureStack(ctx context.Context, id ThreadID) (Stack, error)

	// UnwindOneFrame removes the innermost active frame of a suspended thread.
	UnwindOneFrame(ctx context.Context, id ThreadID) error
}

// Frame is one entry of a captured call stack.
type Frame struct {
	Method string `json:"method"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// String renders the frame as "method (file:line)".
func (f Frame) String() string {
	if f.File == "" {
		return f.Method
	}
	return fmt.Sprintf("%s (%s:%d)", f.Method, f.File, f.Line)
}

// Stack is a captured call stack. Index 0 is the top (most recently entered)
// frame.
type Stack []Frame

// Top returns the innermost frame.
func (s Stack) Top() (Frame, bool) {
	if len(s) == 0 {
		return Frame{}, false
	}
	return s[0], true
}

// Methods returns the method identities, innermost first.
func (s Stack) Methods() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.Method
	}
	return out
}

// String renders one numbered frame per line.
func (s Stack) String() string {
	var b strings.Builder
	for i, f := range s {
		fmt.Fprintf(&b, "\t%d. %s\n", i, f)
	}
	return b.String()
}
