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

/*
Package cli provides the root command of the rendezvous CLI.

The command tree is:

	rendezvous
	├── run        Run the scenario with an in-process worker
	├── serve      Host workers behind the debug API
	├── attach     Drive a worker hosted by 'serve'
	├── diagnose   Collect thread and heap dumps from a process
	├── history    List recorded runs
	├── config     Show and validate configuration
	├── completion Generate shell completion scripts
	└── version    Show version

Subcommands live in internal/commands and are added by main:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(run.NewCommand())
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Exit Codes

run and attach exit with the scenario status offset by 95: 95 when the
worker was caught and unwound, 97 otherwise. Other failures exit 1, invalid
configuration 3 and an unreachable agent 69.
*/
package cli
