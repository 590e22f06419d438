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

package diagnose

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/diagnostics"
	"github.com/tombee/rendezvous/internal/lifecycle"
)

// DiagnoseResponse is the JSON output of diagnose.
type DiagnoseResponse struct {
	shared.JSONResponse
	Report *diagnostics.Report `json:"report"`
}

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand() *cobra.Command {
	var (
		installDir string
		pidFile    string
	)

	cmd := &cobra.Command{
		Use:   "diagnose [pid]",
		Short: "Collect thread and heap dumps from a process",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Long: `Diagnose runs the configured dump tool once per dump command and then the
stack tool against a process, the same collection 'rendezvous run' performs
when a scenario times out. Tools are looked up in <install-dir>/bin; missing
tools are skipped with a warning and failing tools do not stop the
collection.

The target is either a PID argument or, with --pidfile, the PID recorded
by 'rendezvous serve --pidfile'.

Tool output is streamed to stdout, or to stderr with --json.`,
		Example: `  # Dump a JVM using the tools under $JAVA_HOME
  rendezvous diagnose 4242

  # Use a specific JDK and keep only the summary
  rendezvous diagnose 4242 --install-dir /opt/jdk-21 --json | jq '.report.steps'

  # Dump a running 'rendezvous serve'
  rendezvous diagnose --pidfile /tmp/rendezvous/serve.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := targetPID(args, pidFile)
			if err != nil {
				return err
			}

			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("install-dir") {
				cfg.Diagnostics.InstallDir = installDir
			}
			logger, _ := shared.NewLogger(cfg)

			toolOut := cmd.OutOrStdout()
			if shared.GetJSON() {
				toolOut = cmd.ErrOrStderr()
			}

			collector := diagnostics.New(cfg.Diagnostics, logger, diagnostics.WithOutput(toolOut))
			report := collector.Collect(cmd.Context(), pid)

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), DiagnoseResponse{
					JSONResponse: shared.NewJSONResponse("diagnose", collected(report)),
					Report:       report,
				})
			}
			writeSummary(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&installDir, "install-dir", "", "Directory whose bin/ holds the tools (default from config: $JAVA_HOME)")
	cmd.Flags().StringVar(&pidFile, "pidfile", "", "Read the target PID from this file instead of an argument")

	return cmd
}

// targetPID resolves the process to diagnose from exactly one of the
// argument and the PID file.
func targetPID(args []string, pidFile string) (int, error) {
	switch {
	case len(args) == 1 && pidFile != "":
		return 0, &shared.ExitError{
			Code:    shared.ExitFailure,
			Message: "pass either a pid or --pidfile, not both",
		}
	case pidFile != "":
		pid, err := lifecycle.ReadPID(pidFile)
		if err != nil {
			return 0, &shared.ExitError{
				Code:    shared.ExitFailure,
				Message: fmt.Sprintf("no server PID in %s", pidFile),
				Cause:   err,
			}
		}
		return pid, nil
	case len(args) == 1:
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return 0, &shared.ExitError{
				Code:    shared.ExitFailure,
				Message: fmt.Sprintf("invalid pid %q", args[0]),
			}
		}
		return pid, nil
	default:
		return 0, &shared.ExitError{
			Code:    shared.ExitFailure,
			Message: "a pid or --pidfile is required",
		}
	}
}

// collected reports whether at least one tool ran without error.
func collected(r *diagnostics.Report) bool {
	for _, s := range r.Steps {
		if !s.Skipped && s.Error == "" {
			return true
		}
	}
	return false
}

func writeSummary(w io.Writer, r *diagnostics.Report) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, shared.Bold.Render(fmt.Sprintf("Diagnostics for pid %d", r.PID)))
	for _, s := range r.Steps {
		name := strings.TrimSpace(s.Tool + " " + strings.Join(s.Args, " "))
		switch {
		case s.Skipped:
			fmt.Fprintln(w, "  "+shared.RenderWarn(name+" skipped: tool not found"))
		case s.Error != "":
			fmt.Fprintln(w, "  "+shared.RenderError(name+": "+s.Error))
		default:
			fmt.Fprintln(w, "  "+shared.RenderOK(fmt.Sprintf("%s %s", name, shared.Muted.Render(fmt.Sprintf("(%d lines)", s.Lines)))))
		}
	}
}
