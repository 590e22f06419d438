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

package scenario

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/harness"
)

// ReportResponse is the JSON output of run and attach.
type ReportResponse struct {
	shared.JSONResponse
	Report *harness.Report `json:"report"`
}

func printReport(cmd *cobra.Command, command string, report *harness.Report) error {
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, ReportResponse{
			JSONResponse: shared.NewJSONResponse(command, report.Passed()),
			Report:       report,
		})
	}
	writeReport(out, report)
	return nil
}

func writeReport(w io.Writer, r *harness.Report) {
	if r.Passed() {
		fmt.Fprintln(w, shared.RenderOK("worker caught in "+shared.Bold.Render(r.TargetMethod)+" and unwound"))
	} else {
		fmt.Fprintln(w, shared.RenderError("worker not caught in "+shared.Bold.Render(r.TargetMethod)))
	}

	line := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel(label), value)
	}
	line("run", r.RunID)
	line("transport", r.Transport)
	line("outcome", shared.RenderOutcome(r.Outcome))
	line("attempts", strconv.Itoa(r.Attempts))
	line("status", fmt.Sprintf("%s (exit %d)", harness.StatusName(r.Status), r.ExitCode))
	line("duration", r.Duration().Round(time.Millisecond).String())
	if r.Error != "" {
		line("error", shared.StatusError.Render(r.Error))
	}

	if len(r.History) > 0 {
		fmt.Fprintf(w, "  %s\n", shared.RenderLabel("history"))
		for _, a := range r.History {
			top := a.TopMethod
			if top == "" {
				top = shared.Muted.Render("<empty>")
			}
			mark := shared.StatusError.Render(shared.SymbolError)
			if a.Matched {
				mark = shared.StatusOK.Render(shared.SymbolOK)
			}
			fmt.Fprintf(w, "    %2d %s %s\n", a.Number, mark, top)
		}
	}

	if len(r.Stack) > 0 {
		fmt.Fprintf(w, "  %s\n", shared.RenderLabel("stack"))
		for _, f := range r.Stack {
			fmt.Fprintf(w, "    %s %s\n", shared.Frame.Render(f.Method), shared.Muted.Render(fmt.Sprintf("%s:%d", f.File, f.Line)))
		}
	}

	if d := r.Diagnostics; d != nil {
		fmt.Fprintf(w, "  %s\n", shared.RenderLabel("diagnostics"))
		for _, s := range d.Steps {
			name := strings.TrimSpace(s.Tool + " " + strings.Join(s.Args, " "))
			status := shared.RenderOK(name)
			switch {
			case s.Skipped:
				status = shared.RenderWarn(name + " (not found)")
			case s.Error != "":
				status = shared.RenderError(name + ": " + s.Error)
			}
			fmt.Fprintf(w, "    %s\n", status)
		}
	}
}
