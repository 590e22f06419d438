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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/rendezvous/internal/suspend"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

func TestReport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  []string
	}{
		{
			name:     "plain error",
			err:      errors.New("boom"),
			wantCode: ExitFailure,
			wantOut:  []string{"Error: boom"},
		},
		{
			name:     "config error with suggestion",
			err:      NewConfigError(&rverrors.ConfigError{Key: "coordinator.max_attempts", Reason: "must be at least 1"}),
			wantCode: ExitInvalidConfig,
			wantOut: []string{
				"invalid configuration: config error at coordinator.max_attempts",
				"Suggestion: Check the \"coordinator.max_attempts\" setting",
			},
		},
		{
			name:     "unavailable agent",
			err:      NewUnavailableError("127.0.0.1:7345", errors.New("connection refused")),
			wantCode: ExitUnavailable,
			wantOut:  []string{"agent at 127.0.0.1:7345 is unavailable: connection refused"},
		},
		{
			name:     "wrapped validation error",
			err:      fmt.Errorf("run: %w", &rverrors.ValidationError{Field: "transport", Message: "unknown", SuggestionText: "use http"}),
			wantCode: ExitFailure,
			wantOut:  []string{"Suggestion: use http"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			code := report(&buf, tt.err)

			assert.Equal(t, tt.wantCode, code)
			for _, want := range tt.wantOut {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestReport_StatusErrorIsSilent(t *testing.T) {
	var buf bytes.Buffer
	code := report(&buf, NewStatusError(97))

	assert.Equal(t, 97, code)
	assert.Empty(t, buf.String())
}

func TestEmitJSON(t *testing.T) {
	var buf bytes.Buffer
	resp := struct {
		JSONResponse
		Count int `json:"count"`
	}{NewJSONResponse("history", true), 2}

	assert.NoError(t, EmitJSON(&buf, resp))
	assert.JSONEq(t, `{"@version":"1.0","command":"history","success":true,"count":2}`, buf.String())
}

func TestRenderOutcome(t *testing.T) {
	for _, outcome := range []suspend.Outcome{
		suspend.OutcomeAccepted,
		suspend.OutcomeFailedStackEmpty,
		suspend.OutcomeFailedRetriesExhausted,
	} {
		assert.Contains(t, RenderOutcome(outcome), string(outcome))
	}
}
