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
	"time"

	"github.com/tombee/rendezvous/internal/debugops"
)

// Outcome is the result of one coordinator run.
type Outcome string

const (
	// OutcomeAccepted means the worker was caught in the target frame.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeFailedStackEmpty means a capture returned no frames, so the
	// worker was never really suspended. Not retried.
	OutcomeFailedStackEmpty Outcome = "failed-stack-empty"

	// OutcomeFailedRetriesExhausted means every attempt stopped the worker
	// in the wrong frame.
	OutcomeFailedRetriesExhausted Outcome = "failed-retries-exhausted"

	// OutcomeAborted means the run was cancelled or the debug interface
	// failed before a decision was reached.
	OutcomeAborted Outcome = "aborted"
)

// Passed reports whether the outcome counts as a pass.
func (o Outcome) Passed() bool {
	return o == OutcomeAccepted
}

// State is a step of the coordinator's state machine, used in the attempt log.
type State string

const (
	StateIdle     State = "idle"
	StateChecking State = "checking"
	StateRetry    State = "retry-resume"
	StateAccepted State = "accepted"
	StateFailed   State = "failed"
	StateUnwound  State = "unwound"
)

// Attempt records one suspend/inspect cycle.
type Attempt struct {
	Number    int    `json:"number"`
	TopMethod string `json:"top_method,omitempty"`
	Matched   bool   `json:"matched"`
}

// Result describes a finished coordinator run.
type Result struct {
	Outcome Outcome `json:"outcome"`

	// Attempts is the number of suspend requests issued.
	Attempts int `json:"attempts"`

	// Stack is the last captured stack: the accepted one on success, the
	// final wrong one on failure.
	Stack debugops.Stack `json:"stack,omitempty"`

	// History holds one entry per attempt.
	History []Attempt `json:"history,omitempty"`

	// States is the sequence of state machine transitions.
	States []State `json:"states,omitempty"`

	// UnwindErr is the error returned by the final unwind, if any.
	UnwindErr error `json:"-"`

	Duration time.Duration `json:"duration"`
}

func (r *Result) enter(s State) {
	r.States = append(r.States, s)
}
