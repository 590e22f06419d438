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

package debugapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/debugops"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

// Error codes carried in error bodies so clients can restore sentinels.
const (
	codeNotFound     = "thread_not_found"
	codeNotSuspended = "not_suspended"
	codeNoFrame      = "no_frame"
	codeExited       = "thread_exited"
	codeNoPhase      = "no_phase"
	codeTimeout      = "timeout"
	codeInternal     = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// writeError maps err to a status code and writes it as an ErrorResponse.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var terr *rverrors.TimeoutError
	switch {
	case errors.Is(err, debugops.ErrThreadNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, debugops.ErrNotSuspended):
		return http.StatusConflict, codeNotSuspended
	case errors.Is(err, debugops.ErrNoFrame):
		return http.StatusConflict, codeNoFrame
	case errors.Is(err, debugops.ErrThreadExited):
		return http.StatusGone, codeExited
	case errors.Is(err, agent.ErrNoPhase):
		return http.StatusNotFound, codeNoPhase
	case errors.As(err, &terr):
		return http.StatusGatewayTimeout, codeTimeout
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// sentinel restores the error a server-side code stands for.
func sentinel(code string) error {
	switch code {
	case codeNotFound:
		return debugops.ErrThreadNotFound
	case codeNotSuspended:
		return debugops.ErrNotSuspended
	case codeNoFrame:
		return debugops.ErrNoFrame
	case codeExited:
		return debugops.ErrThreadExited
	case codeNoPhase:
		return agent.ErrNoPhase
	default:
		return nil
	}
}
