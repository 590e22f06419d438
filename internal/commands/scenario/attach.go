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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/rendezvous/internal/commands/completion"
	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/debugapi"
	"github.com/tombee/rendezvous/internal/debugops"
	rvlog "github.com/tombee/rendezvous/internal/log"
)

// NewAttachCommand creates the attach command
func NewAttachCommand() *cobra.Command {
	var (
		flags  overrides
		addr   string
		thread string
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Drive a worker hosted by 'rendezvous serve'",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Attach connects to the debug API of a running 'rendezvous serve' and runs
the suspend, inspect and unwind loop against one of its workers. Without
--thread the first idle worker is used.

Exit status follows 'rendezvous run'.

See also: rendezvous serve, rendezvous run`,
		Example: `  # Drive any idle worker of a local server
  rendezvous attach

  # Drive a specific thread of a remote server
  rendezvous attach --addr 10.0.0.5:7345 --thread 4b1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Harness.Listen
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := debugapi.NewClient(addr)
			if _, err := client.Health(ctx); err != nil {
				return shared.NewUnavailableError(addr, err)
			}

			e, err := newEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.close()

			h, err := e.harness(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			report, runErr := h.Attach(ctx, client, debugops.ThreadID(thread))
			if err := printReport(cmd, "attach", report); err != nil {
				return err
			}
			if runErr != nil {
				e.logger.Debug("attach did not reach a verdict", rvlog.Error(runErr))
			}
			return shared.NewStatusError(report.ExitCode)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "Debug API address (default from config: 127.0.0.1:7345)")
	cmd.Flags().StringVar(&thread, "thread", "", "Thread ID to drive (default: first idle worker)")
	_ = cmd.RegisterFlagCompletionFunc("thread", completion.CompleteThreadIDs)

	cmd.SilenceUsage = true

	return cmd
}
