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

package config

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/config"
)

// ShowResponse is the JSON output of config show.
type ShowResponse struct {
	shared.JSONResponse
	Path   string         `json:"path"`
	Config map[string]any `json:"config"`
}

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
		Annotations: map[string]string{
			"group": "configuration",
		},
		Long: `View the effective rendezvous configuration: defaults, then the config file,
then RENDEZVOUS_* and LOG_* environment variables.

Subcommands:
  show      Display the effective configuration
  path      Show the config file location
  validate  Load and validate the configuration`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), shared.GetConfigPath())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := shared.LoadConfig(); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), shared.NewJSONResponse("config validate", true))
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("configuration is valid"))
			return nil
		},
	})

	return cmd
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	path := shared.GetConfigPath()

	if shared.GetJSON() {
		tree, err := asTree(cfg)
		if err != nil {
			return err
		}
		return shared.EmitJSON(cmd.OutOrStdout(), ShowResponse{
			JSONResponse: shared.NewJSONResponse("config show", true),
			Path:         path,
			Config:       tree,
		})
	}
	return writeYAML(cmd.OutOrStdout(), path, cfg)
}

// asTree converts cfg to a generic map keyed by its YAML names, so JSON
// output uses the same keys as the config file.
func asTree(cfg *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return tree, nil
}

func writeYAML(w io.Writer, path string, cfg *config.Config) error {
	fmt.Fprintln(w, shared.Muted.Render("# "+path))

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return encoder.Close()
}
