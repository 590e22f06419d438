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
	"time"

	"github.com/tombee/rendezvous/internal/debugops"
	"github.com/tombee/rendezvous/internal/diagnostics"
	"github.com/tombee/rendezvous/internal/store"
	"github.com/tombee/rendezvous/internal/suspend"
)

// Status values reported by a scenario. The process exit code is the status
// plus StatusBase.
const (
	StatusPassed = 0
	StatusFailed = 2
	StatusBase   = 95
)

// ExitCode maps a status to the process exit code.
func ExitCode(status int) int {
	return status + StatusBase
}

// StatusName returns "passed" or "failed".
func StatusName(status int) string {
	if status == StatusPassed {
		return "passed"
	}
	return "failed"
}

// Report describes one scenario run.
type Report struct {
	RunID        string              `json:"run_id"`
	TargetMethod string              `json:"target_method"`
	Transport    string              `json:"transport"`
	Outcome      suspend.Outcome     `json:"outcome"`
	Attempts     int                 `json:"attempts"`
	History      []suspend.Attempt   `json:"history,omitempty"`
	Stack        debugops.Stack      `json:"stack,omitempty"`
	Status       int                 `json:"status"`
	ExitCode     int                 `json:"exit_code"`
	Error        string              `json:"error,omitempty"`
	Diagnostics  *diagnostics.Report `json:"diagnostics,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      time.Time           `json:"ended_at"`
}

// Passed reports whether the scenario passed.
func (r *Report) Passed() bool {
	return r.Status == StatusPassed
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

func (r *Report) setStatus(passed bool) {
	if passed {
		r.Status = StatusPassed
	} else {
		r.Status = StatusFailed
	}
	r.ExitCode = ExitCode(r.Status)
}

// Record converts the report to a history record.
func (r *Report) Record() *store.Record {
	return &store.Record{
		RunID:        r.RunID,
		TargetMethod: r.TargetMethod,
		Outcome:      string(r.Outcome),
		Attempts:     r.Attempts,
		Status:       r.Status,
		ExitCode:     r.ExitCode,
		Stack:        r.Stack,
		Error:        r.Error,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
	}
}
