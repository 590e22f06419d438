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

package management

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rendezvous/internal/commands/completion"
	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/harness"
	"github.com/tombee/rendezvous/internal/store"
	"github.com/tombee/rendezvous/internal/suspend"
)

// HistoryResponse is the JSON output of history list.
type HistoryResponse struct {
	shared.JSONResponse
	Runs []*store.Record `json:"runs"`
}

// RunResponse is the JSON output of history show.
type RunResponse struct {
	shared.JSONResponse
	Run *store.Record `json:"run"`
}

// NewHistoryCommand creates the history command group.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded scenario runs",
		Annotations: map[string]string{
			"group": "management",
		},
		Long: `History lists the runs recorded by 'rendezvous run' and 'rendezvous attach',
most recent first. Runs are kept in the SQLite database at store.path.

See also: rendezvous history show, rendezvous run`,
		Example: `  # Last 20 runs
  rendezvous history

  # Failed runs as JSON
  rendezvous history --limit 100 --json | jq '.runs[] | select(.status != 0)'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s *store.Store) error {
				runs, err := s.List(ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to list runs: %w", err)
				}
				if shared.GetJSON() {
					if runs == nil {
						runs = []*store.Record{}
					}
					return shared.EmitJSON(cmd.OutOrStdout(), HistoryResponse{
						JSONResponse: shared.NewJSONResponse("history", true),
						Runs:         runs,
					})
				}
				writeRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "show <run-id>",
		Short:             "Show one recorded run",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s *store.Store) error {
				rec, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if shared.GetJSON() {
					return shared.EmitJSON(cmd.OutOrStdout(), RunResponse{
						JSONResponse: shared.NewJSONResponse("history show", true),
						Run:          rec,
					})
				}
				writeRun(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
}

// withStore opens the configured history database for fn.
func withStore(cmd *cobra.Command, fn func(context.Context, *store.Store) error) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return &shared.ExitError{
			Code:    shared.ExitInvalidConfig,
			Message: "run history is disabled",
			Cause:   errors.New("store.path is empty"),
		}
	}

	ctx := cmd.Context()
	s, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer s.Close()

	return fn(ctx, s)
}

func writeRuns(w io.Writer, runs []*store.Record) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return
	}

	fmt.Fprintln(w, shared.Bold.Render("RUN                                   STATUS  OUTCOME                    ATTEMPTS  STARTED"))
	for _, r := range runs {
		status := shared.StatusOK.Render(fmt.Sprintf("%-7s", harness.StatusName(r.Status)))
		if r.Status != harness.StatusPassed {
			status = shared.StatusError.Render(fmt.Sprintf("%-7s", harness.StatusName(r.Status)))
		}
		fmt.Fprintf(w, "%-37s %s %-26s %8d  %s\n",
			r.RunID, status, r.Outcome, r.Attempts, r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func writeRun(w io.Writer, r *store.Record) {
	line := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", shared.RenderLabel(label), value)
	}
	line("run", r.RunID)
	line("target", r.TargetMethod)
	line("outcome", shared.RenderOutcome(suspend.Outcome(r.Outcome)))
	line("attempts", strconv.Itoa(r.Attempts))
	line("status", fmt.Sprintf("%s (exit %d)", harness.StatusName(r.Status), r.ExitCode))
	line("started", r.StartedAt.Local().Format(time.RFC3339))
	line("duration", r.Duration().Round(time.Millisecond).String())
	if r.Error != "" {
		line("error", shared.StatusError.Render(r.Error))
	}
	if len(r.Stack) > 0 {
		fmt.Fprintln(w, shared.RenderLabel("stack"))
		for _, f := range r.Stack {
			fmt.Fprintf(w, "  %s\n", shared.Frame.Render(f.String()))
		}
	}
}
