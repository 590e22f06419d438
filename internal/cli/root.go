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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/rendezvous/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for rendezvous
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Catch a running thread inside a target method and unwind it",
		Long: `rendezvous drives a worker thread to a known execution point through a
debug agent. It suspends the worker, inspects the top frame, resumes and
retries until the worker is caught inside the target method, then pops that
frame so the worker continues in its caller.

Run 'rendezvous run' to execute the scenario in-process.
Run 'rendezvous serve' to host workers behind the debug API and
'rendezvous attach' to drive them from another process.`,
		SilenceUsage:  true,
		SilenceErrors: true, // exit codes are set by HandleExitError
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Only log errors")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/rendezvous/config.yaml)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
