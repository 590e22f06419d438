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
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rverrors "github.com/tombee/rendezvous/pkg/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "doInit", cfg.Coordinator.TargetMethod)
	assert.Equal(t, 10, cfg.Coordinator.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Coordinator.RetryDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Phase.PollInterval)
	assert.Equal(t, []string{"Dump.system", "Dump.java"}, cfg.Diagnostics.DumpCommands)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
coordinator:
  target_method: loadClass
  max_attempts: 25
  retry_delay: 10ms
phase:
  poll_interval: 20ms
harness:
  transport: http
diagnostics:
  install_dir: /opt/jdk
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "loadClass", cfg.Coordinator.TargetMethod)
	assert.Equal(t, 25, cfg.Coordinator.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Coordinator.RetryDelay)
	assert.Equal(t, 20*time.Millisecond, cfg.Phase.PollInterval)
	assert.Equal(t, TransportHTTP, cfg.Harness.Transport)
	assert.Equal(t, "/opt/jdk", cfg.Diagnostics.InstallDir)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Coordinator.UnwindTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Harness.Timeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "coordinator:\n  max_attempts: 25\n")
	t.Setenv("RENDEZVOUS_MAX_ATTEMPTS", "3")
	t.Setenv("RENDEZVOUS_RETRY_DELAY", "1ms")
	t.Setenv("RENDEZVOUS_TRANSPORT", "HTTP")
	t.Setenv("RENDEZVOUS_STORE_PATH", "")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Coordinator.MaxAttempts)
	assert.Equal(t, time.Millisecond, cfg.Coordinator.RetryDelay)
	assert.Equal(t, TransportHTTP, cfg.Harness.Transport)
	assert.Empty(t, cfg.Store.Path)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cerr *rverrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "config_file", cerr.Key)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "coordinator: [")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"zero budget", func(c *Config) { c.Coordinator.MaxAttempts = 0 }, "coordinator.max_attempts"},
		{"negative delay", func(c *Config) { c.Coordinator.RetryDelay = -time.Second }, "coordinator.retry_delay"},
		{"no target", func(c *Config) { c.Coordinator.TargetMethod = "" }, "coordinator.target_method"},
		{"bad transport", func(c *Config) { c.Harness.Transport = "carrier-pigeon" }, "harness.transport"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"otlp without endpoint", func(c *Config) { c.Observability.Exporter = ExporterOTLPHTTP }, "observability.endpoint"},
		{"bad ratio", func(c *Config) { c.Observability.SampleRatio = 2 }, "observability.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cerr *rverrors.ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.key, cerr.Key)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidate_MatchWithoutTarget(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.TargetMethod = ""
	cfg.Coordinator.Match = `top.Method == "doInit"`
	assert.NoError(t, cfg.Validate())
}

func TestDefaultPath_XDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "rendezvous", "config.yaml"), DefaultPath())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "agent:\n  suspend_rate: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		rates []float64
	)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *Config) {
			mu.Lock()
			rates = append(rates, cfg.Agent.SuspendRate)
			mu.Unlock()
		})
	}()

	// Keep rewriting until the watcher, which starts asynchronously, sees it.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("agent:\n  suspend_rate: 7\n"), 0o600)
		mu.Lock()
		defer mu.Unlock()
		return len(rates) > 0 && rates[len(rates)-1] == 7
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
