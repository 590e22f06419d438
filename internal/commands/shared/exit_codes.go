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
	"errors"
	"fmt"
	"io"
	"os"

	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

// Exit codes for commands that do not report a scenario status. Scenario
// runs exit with harness.ExitCode instead.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitInvalidConfig = 3
	ExitUnavailable   = 69 // agent unreachable (EX_UNAVAILABLE from sysexits.h)
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return e.Cause.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for configuration that could not be loaded.
func NewConfigError(cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidConfig,
		Message: "invalid configuration",
		Cause:   cause,
	}
}

// NewUnavailableError creates an error for an agent that cannot be reached.
func NewUnavailableError(addr string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitUnavailable,
		Message: fmt.Sprintf("agent at %s is unavailable", addr),
		Cause:   cause,
	}
}

// NewStatusError creates a silent error that only sets the exit code. It is
// used once a command has already printed its own result.
func NewStatusError(code int) *ExitError {
	return &ExitError{Code: code}
}

// HandleExitError checks if an error is an ExitError and exits with the appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(report(os.Stderr, err))
}

// report prints err and its suggestion to w and returns the exit code.
func report(w io.Writer, err error) int {
	code := ExitFailure

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}

	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, "Error:", msg)
	}
	printUserVisibleSuggestion(w, err)

	return code
}

// printUserVisibleSuggestion checks if an error implements UserVisibleError
// and prints the suggestion if available.
func printUserVisibleSuggestion(w io.Writer, err error) {
	for err != nil {
		if userErr, ok := err.(rverrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if suggestion := userErr.Suggestion(); suggestion != "" {
					fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
