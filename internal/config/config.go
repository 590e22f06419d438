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

// Package config loads the rendezvous configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/rendezvous/internal/diagnostics"
	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Transports supported by the harness.
const (
	TransportInProcess = "in-process"
	TransportHTTP      = "http"
)

// Span exporters supported by observability.
const (
	ExporterNone     = "none"
	ExporterConsole  = "console"
	ExporterOTLPHTTP = "otlp-http"
)

// Config represents the complete rendezvous configuration.
type Config struct {
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Phase         PhaseConfig         `yaml:"phase"`
	Harness       HarnessConfig       `yaml:"harness"`
	Agent         AgentConfig         `yaml:"agent"`
	Diagnostics   diagnostics.Config  `yaml:"diagnostics"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
	Store         StoreConfig         `yaml:"store"`
}

// CoordinatorConfig configures the suspend/inspect/retry loop.
type CoordinatorConfig struct {
	// TargetMethod is the frame the worker must be caught in.
	// Environment: RENDEZVOUS_TARGET_METHOD
	// Default: doInit
	TargetMethod string `yaml:"target_method"`

	// MaxAttempts is the retry budget.
	// Environment: RENDEZVOUS_MAX_ATTEMPTS
	// Default: 10
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is the pause between a resume and the next suspend.
	// Environment: RENDEZVOUS_RETRY_DELAY
	// Default: 50ms
	RetryDelay time.Duration `yaml:"retry_delay"`

	// UnwindTimeout bounds the final unwind.
	// Default: 5s
	UnwindTimeout time.Duration `yaml:"unwind_timeout"`

	// Match is an optional expression deciding whether a stack is accepted.
	Match string `yaml:"match,omitempty"`
}

// PhaseConfig configures waiting for the worker's phase.
type PhaseConfig struct {
	// PollInterval is how often the phase is read.
	// Default: 100ms
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout bounds the wait. Zero leaves it to the harness deadline.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// HarnessConfig configures scenario runs.
type HarnessConfig struct {
	// Timeout is the outer deadline of one run; diagnostics are collected
	// when it expires.
	// Environment: RENDEZVOUS_TIMEOUT
	// Default: 2m
	Timeout time.Duration `yaml:"timeout"`

	// Transport selects how the controller reaches the agent:
	// "in-process" or "http".
	// Environment: RENDEZVOUS_TRANSPORT
	// Default: in-process
	Transport string `yaml:"transport"`

	// Listen is the debug API address used by serve and the http transport.
	// Environment: RENDEZVOUS_LISTEN
	// Default: 127.0.0.1:7345
	Listen string `yaml:"listen"`
}

// AgentConfig configures the debug agent.
type AgentConfig struct {
	// SuspendTimeout bounds how long a suspend waits for a safepoint.
	// Default: 2s
	SuspendTimeout time.Duration `yaml:"suspend_timeout"`

	// SuspendRate limits suspend requests per second and thread.
	// Zero means unlimited. Reloaded live by serve.
	SuspendRate float64 `yaml:"suspend_rate"`

	// SuspendBurst is the rate limiter burst.
	// Default: 1
	SuspendBurst int `yaml:"suspend_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format is json, text or auto.
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds file:line to records.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// ServiceName is reported on every span and metric.
	ServiceName string `yaml:"service_name"`

	// Exporter is none, console or otlp-http.
	// Environment: RENDEZVOUS_OTEL_EXPORTER
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector for the otlp-http exporter.
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS towards Endpoint.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRatio is the fraction of runs traced, in [0, 1].
	SampleRatio float64 `yaml:"sample_ratio"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	// Path is the SQLite file. Empty disables history.
	// Environment: RENDEZVOUS_STORE_PATH
	Path string `yaml:"path"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			TargetMethod:  "doInit",
			MaxAttempts:   10,
			RetryDelay:    50 * time.Millisecond,
			UnwindTimeout: 5 * time.Second,
		},
		Phase: PhaseConfig{
			PollInterval: 100 * time.Millisecond,
		},
		Harness: HarnessConfig{
			Timeout:   2 * time.Minute,
			Transport: TransportInProcess,
			Listen:    "127.0.0.1:7345",
		},
		Agent: AgentConfig{
			SuspendTimeout: 2 * time.Second,
			SuspendBurst:   1,
		},
		Diagnostics: diagnostics.Config{
			InstallDir:   os.Getenv("JAVA_HOME"),
			DumpTool:     diagnostics.DefaultDumpTool,
			DumpCommands: append([]string(nil), diagnostics.DefaultDumpCommands...),
			StackTool:    diagnostics.DefaultStackTool,
			ToolTimeout:  diagnostics.DefaultToolTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Observability: ObservabilityConfig{
			ServiceName: "rendezvous",
			Exporter:    ExporterNone,
			SampleRatio: 1.0,
		},
		Store: StoreConfig{
			Path: filepath.Join(defaultDataDir(), "runs.db"),
		},
	}
}

// Load loads configuration from an optional YAML file, then applies
// environment variables, which take precedence. A missing file at the
// default path is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !(errors.Is(err, os.ErrNotExist) && configPath == DefaultPath()) {
				return nil, &rverrors.ConfigError{
					Key:    "config_file",
					Reason: fmt.Sprintf("failed to load from %s", configPath),
					Cause:  err,
				}
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills in zero values so minimal files work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Coordinator.TargetMethod == "" && c.Coordinator.Match == "" {
		c.Coordinator.TargetMethod = defaults.Coordinator.TargetMethod
	}
	if c.Coordinator.MaxAttempts == 0 {
		c.Coordinator.MaxAttempts = defaults.Coordinator.MaxAttempts
	}
	if c.Coordinator.RetryDelay == 0 {
		c.Coordinator.RetryDelay = defaults.Coordinator.RetryDelay
	}
	if c.Coordinator.UnwindTimeout == 0 {
		c.Coordinator.UnwindTimeout = defaults.Coordinator.UnwindTimeout
	}
	if c.Phase.PollInterval == 0 {
		c.Phase.PollInterval = defaults.Phase.PollInterval
	}
	if c.Harness.Timeout == 0 {
		c.Harness.Timeout = defaults.Harness.Timeout
	}
	if c.Harness.Transport == "" {
		c.Harness.Transport = defaults.Harness.Transport
	}
	if c.Harness.Listen == "" {
		c.Harness.Listen = defaults.Harness.Listen
	}
	if c.Agent.SuspendTimeout == 0 {
		c.Agent.SuspendTimeout = defaults.Agent.SuspendTimeout
	}
	if c.Agent.SuspendBurst == 0 {
		c.Agent.SuspendBurst = defaults.Agent.SuspendBurst
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
	if c.Observability.Exporter == "" {
		c.Observability.Exporter = defaults.Observability.Exporter
	}
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("RENDEZVOUS_TARGET_METHOD"); val != "" {
		c.Coordinator.TargetMethod = val
	}
	if val := os.Getenv("RENDEZVOUS_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Coordinator.MaxAttempts = n
		}
	}
	if val := os.Getenv("RENDEZVOUS_RETRY_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Coordinator.RetryDelay = d
		}
	}
	if val := os.Getenv("RENDEZVOUS_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Harness.Timeout = d
		}
	}
	if val := os.Getenv("RENDEZVOUS_TRANSPORT"); val != "" {
		c.Harness.Transport = strings.ToLower(val)
	}
	if val := os.Getenv("RENDEZVOUS_LISTEN"); val != "" {
		c.Harness.Listen = val
	}
	if val := os.Getenv("RENDEZVOUS_INSTALL_DIR"); val != "" {
		c.Diagnostics.InstallDir = val
	}
	if val, ok := os.LookupEnv("RENDEZVOUS_STORE_PATH"); ok {
		c.Store.Path = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("RENDEZVOUS_OTEL_EXPORTER"); val != "" {
		c.Observability.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Observability.Endpoint = val
	}
}

// Validate checks that the configuration is valid. The returned
// *errors.ConfigError names the first offending key and lists every problem.
func (c *Config) Validate() error {
	var (
		firstKey string
		problems []string
	)
	fail := func(key, format string, args ...any) {
		if firstKey == "" {
			firstKey = key
		}
		problems = append(problems, key+" "+fmt.Sprintf(format, args...))
	}

	if c.Coordinator.TargetMethod == "" && c.Coordinator.Match == "" {
		fail("coordinator.target_method", "is required unless coordinator.match is set")
	}
	if c.Coordinator.MaxAttempts < 1 {
		fail("coordinator.max_attempts", "must be at least 1, got %d", c.Coordinator.MaxAttempts)
	}
	if c.Coordinator.RetryDelay < 0 {
		fail("coordinator.retry_delay", "must not be negative, got %v", c.Coordinator.RetryDelay)
	}
	if c.Coordinator.UnwindTimeout <= 0 {
		fail("coordinator.unwind_timeout", "must be positive, got %v", c.Coordinator.UnwindTimeout)
	}
	if c.Phase.PollInterval <= 0 {
		fail("phase.poll_interval", "must be positive, got %v", c.Phase.PollInterval)
	}
	if c.Phase.Timeout < 0 {
		fail("phase.timeout", "must not be negative, got %v", c.Phase.Timeout)
	}
	if c.Harness.Timeout <= 0 {
		fail("harness.timeout", "must be positive, got %v", c.Harness.Timeout)
	}
	if c.Harness.Transport != TransportInProcess && c.Harness.Transport != TransportHTTP {
		fail("harness.transport", "must be one of [%s, %s], got %q", TransportInProcess, TransportHTTP, c.Harness.Transport)
	}
	if c.Agent.SuspendTimeout <= 0 {
		fail("agent.suspend_timeout", "must be positive, got %v", c.Agent.SuspendTimeout)
	}
	if c.Agent.SuspendRate < 0 {
		fail("agent.suspend_rate", "must not be negative, got %v", c.Agent.SuspendRate)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		fail("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[c.Log.Format] {
		fail("log.format", "must be one of [json, text, auto], got %q", c.Log.Format)
	}

	switch c.Observability.Exporter {
	case ExporterNone, ExporterConsole:
	case ExporterOTLPHTTP:
		if c.Observability.Endpoint == "" {
			fail("observability.endpoint", "is required for the %s exporter", ExporterOTLPHTTP)
		}
	default:
		fail("observability.exporter", "must be one of [none, console, otlp-http], got %q", c.Observability.Exporter)
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		fail("observability.sample_ratio", "must be between 0 and 1, got %v", c.Observability.SampleRatio)
	}

	if len(problems) == 0 {
		return nil
	}
	return &rverrors.ConfigError{
		Key:    firstKey,
		Reason: strings.Join(problems, "; "),
		Cause:  ErrInvalidConfig,
	}
}
