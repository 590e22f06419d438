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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/config"
	"github.com/tombee/rendezvous/internal/diagnostics"
	"github.com/tombee/rendezvous/internal/harness"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/internal/store"
	"github.com/tombee/rendezvous/internal/tracing"
)

// env holds what a scenario command needs besides the harness itself.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider *tracing.Provider
	store    *store.Store
}

func newEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	logger, _ := shared.NewLogger(cfg)

	provider, err := tracing.NewProvider(ctx, shared.TracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability: %w", err)
	}

	e := &env{cfg: cfg, logger: logger, provider: provider}

	if cfg.Store.Path != "" {
		s, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			// History is optional; a run must not fail because of it.
			logger.Warn("run history disabled", slog.String("path", cfg.Store.Path), rvlog.Error(err))
		} else {
			e.store = s
		}
	}
	return e, nil
}

// harness builds a harness from the loaded configuration. Diagnostics tool
// output goes to diagOut.
func (e *env) harness(diagOut io.Writer) (*harness.Harness, error) {
	a := agent.New(shared.AgentConfig(e.cfg), e.logger)

	opts := []harness.Option{
		harness.WithLogger(e.logger),
		harness.WithAgent(a),
		harness.WithCollector(diagnostics.New(e.cfg.Diagnostics, e.logger, diagnostics.WithOutput(diagOut))),
		harness.WithMetrics(e.provider.Metrics()),
	}
	if e.store != nil {
		opts = append(opts, harness.WithStore(e.store))
	}
	return harness.New(harness.FromConfig(e.cfg), opts...)
}

// close flushes spans and closes the store. It uses its own context so it
// still runs after an interrupt.
func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := e.provider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
