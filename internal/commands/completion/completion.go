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

package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/config"
	"github.com/tombee/rendezvous/internal/debugapi"
	"github.com/tombee/rendezvous/internal/harness"
	"github.com/tombee/rendezvous/internal/store"
)

const (
	lookupTimeout  = 500 * time.Millisecond
	maxRunsOffered = 50
)

// SafeCompletionWrapper runs fn and turns a panic or nil result into an
// empty completion.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}

// CompleteRunIDs completes run IDs from the history database, newest
// first, described as "outcome (attempts)".
func CompleteRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		cfg, err := config.Load(shared.GetConfigPath())
		if err != nil || cfg.Store.Path == "" {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()

		s, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		defer s.Close()

		runs, err := s.List(ctx, maxRunsOffered)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		completions := make([]string, 0, len(runs))
		for _, r := range runs {
			completions = append(completions, fmt.Sprintf("%s\t%s (%d attempts)", r.RunID, r.Outcome, r.Attempts))
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteThreadIDs completes the worker threads of the debug API named by
// --addr, or the configured listen address.
func CompleteThreadIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			addr = cfg.Harness.Listen
		}

		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()

		threads, err := debugapi.NewClient(addr).Threads(ctx)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		completions := make([]string, 0, len(threads))
		for _, t := range threads {
			if t.Name != harness.WorkerName || t.Exited {
				continue
			}
			state := "running"
			if t.Suspended {
				state = "suspended"
			}
			completions = append(completions, string(t.ID)+"\t"+t.Name+" ("+state+")")
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteTransports completes --transport.
func CompleteTransports(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return []string{
			config.TransportInProcess + "\tController calls the agent directly",
			config.TransportHTTP + "\tController uses the debug API on a loopback port",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
