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
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rendezvous/internal/commands/completion"
	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/config"
	rvlog "github.com/tombee/rendezvous/internal/log"
)

const shutdownTimeout = 5 * time.Second

// overrides holds the coordinator flags shared by run and attach.
type overrides struct {
	target      string
	match       string
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
}

func (o *overrides) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.target, "target", "", "Method the worker must be caught in (default from config: doInit)")
	cmd.Flags().StringVar(&o.match, "match", "", "Expression over the captured stack that accepts it, e.g. 'depth >= 3 && top.Method == target'")
	cmd.Flags().IntVar(&o.maxAttempts, "max-attempts", 0, "Suspend attempts before giving up (default from config: 10)")
	cmd.Flags().DurationVar(&o.retryDelay, "retry-delay", 0, "Pause between a resume and the next suspend (default from config: 50ms)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "Deadline of the whole run (default from config: 2m)")
}

// apply copies the flags that were set onto cfg and revalidates it.
func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("target") {
		cfg.Coordinator.TargetMethod = o.target
	}
	if flags.Changed("match") {
		cfg.Coordinator.Match = o.match
	}
	if flags.Changed("max-attempts") {
		cfg.Coordinator.MaxAttempts = o.maxAttempts
	}
	if flags.Changed("retry-delay") {
		cfg.Coordinator.RetryDelay = o.retryDelay
	}
	if flags.Changed("timeout") {
		cfg.Harness.Timeout = o.timeout
	}
	if err := cfg.Validate(); err != nil {
		return shared.NewConfigError(err)
	}
	return nil
}

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	var (
		flags     overrides
		transport string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scenario with an in-process worker",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run starts a worker thread, waits until it reports that it is inside the
target method, then suspends it, inspects its stack and retries until the
worker is caught in the target frame. The frame is then unwound and the
worker continues in its caller.

Exit status is the scenario status plus 95:
  95  worker caught and unwound
  97  worker not caught (empty stack, retries exhausted, aborted, timeout)

Transports:
  in-process  the controller calls the debug agent directly
  http        the controller talks to the agent through the debug API on a
              loopback port`,
		Example: `  # Run with the defaults from the config file
  rendezvous run

  # Go through the debug API and give up after three attempts
  rendezvous run --transport http --max-attempts 3

  # Machine-readable report
  rendezvous run --json | jq -r '.report.outcome'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("transport") {
				cfg.Harness.Transport = transport
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			return runScenario(cmd, cfg)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&transport, "transport", "", "Controller transport: in-process or http (default from config: in-process)")
	_ = cmd.RegisterFlagCompletionFunc("transport", completion.CompleteTransports)

	// The exit code carries the outcome, so a failed run is not a usage error.
	cmd.SilenceUsage = true

	return cmd
}

func runScenario(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	h, err := e.harness(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	report, runErr := h.Run(ctx)
	if err := printReport(cmd, "run", report); err != nil {
		return err
	}
	if runErr != nil {
		e.logger.Debug("run did not reach a verdict", rvlog.Error(runErr))
	}
	return shared.NewStatusError(report.ExitCode)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
