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
	"log/slog"
	"os"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/config"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/internal/tracing"
)

// LoadConfig loads the configuration named by --config, or the default file
// if it exists. Failures are returned as an ExitError with ExitInvalidConfig.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError(err)
	}
	return cfg, nil
}

// NewLogger builds the command logger from the log section of cfg. --verbose
// lowers the level to debug and --quiet raises it to error. The returned
// LevelVar lets long running commands change the level on reload.
func NewLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	return rvlog.NewLeveled(LogConfig(cfg))
}

// LogConfig converts the log section of cfg, applying the global flags.
func LogConfig(cfg *config.Config) *rvlog.Config {
	lc := &rvlog.Config{
		Level:     cfg.Log.Level,
		Format:    rvlog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}
	switch {
	case GetVerbose():
		lc.Level = "debug"
	case GetQuiet():
		lc.Level = "error"
	}
	return lc
}

// AgentConfig converts the agent section of cfg.
func AgentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		SuspendTimeout: cfg.Agent.SuspendTimeout,
		SuspendRate:    cfg.Agent.SuspendRate,
		SuspendBurst:   cfg.Agent.SuspendBurst,
	}
}

// TracingConfig converts the observability section of cfg.
func TracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: build.version,
		Exporter:       cfg.Observability.Exporter,
		Endpoint:       cfg.Observability.Endpoint,
		Insecure:       cfg.Observability.Insecure,
		SampleRatio:    cfg.Observability.SampleRatio,
		ConsoleWriter:  os.Stderr,
	}
}
