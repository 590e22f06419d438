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

package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/commands/shared"
	"github.com/tombee/rendezvous/internal/config"
	"github.com/tombee/rendezvous/internal/debugapi"
	"github.com/tombee/rendezvous/internal/harness"
	"github.com/tombee/rendezvous/internal/lifecycle"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	var (
		listen  string
		pidFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host workers behind the debug API",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Serve keeps a worker thread available and exposes the debug agent over
HTTP so that 'rendezvous attach' can drive it from another process. Each
worker releases itself, runs until a controller unwinds one of its frames,
and is then replaced by a fresh one.

The debug API also serves Prometheus metrics on /metrics.

With --pidfile the server records its PID in a locked file, which
'rendezvous diagnose --pidfile' can read. A second server cannot take a
file that is still held.

The config file is watched: changes to agent.suspend_rate and log.level
take effect without a restart.`,
		Example: `  # Serve on the configured address (default 127.0.0.1:7345)
  rendezvous serve

  # Serve on all interfaces
  rendezvous serve --listen :7345

  # Record the PID for diagnose
  rendezvous serve --pidfile /tmp/rendezvous/serve.pid`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Harness.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := newServer(ctx, cfg, shared.GetConfigPath())
			if err != nil {
				return err
			}
			defer s.close()

			ln, err := net.Listen("tcp", cfg.Harness.Listen)
			if err != nil {
				return &shared.ExitError{
					Code:    shared.ExitFailure,
					Message: fmt.Sprintf("failed to listen on %s", cfg.Harness.Listen),
					Cause:   err,
				}
			}
			if pidFile != "" {
				pf := lifecycle.NewPIDFile(pidFile)
				if err := pf.Acquire(os.Getpid()); err != nil {
					ln.Close()
					return &shared.ExitError{
						Code:    shared.ExitFailure,
						Message: fmt.Sprintf("failed to acquire PID file %s", pidFile),
						Cause:   err,
					}
				}
				defer func() {
					if err := pf.Release(); err != nil {
						s.logger.Warn("failed to release PID file", rvlog.Error(err))
					}
				}()
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("debug API listening on "+ln.Addr().String()))
			}
			return s.serve(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Debug API address (default from config: 127.0.0.1:7345)")
	cmd.Flags().StringVar(&pidFile, "pidfile", "", "Write the server PID to this file while serving")

	return cmd
}

// server hosts workers and the debug API until its context ends.
type server struct {
	cfgPath  string
	logger   *slog.Logger
	level    *slog.LevelVar
	agent    *agent.Agent
	provider *tracing.Provider
	http     *http.Server
}

func newServer(ctx context.Context, cfg *config.Config, cfgPath string) (*server, error) {
	logger, level := shared.NewLogger(cfg)

	provider, err := tracing.NewProvider(ctx, shared.TracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability: %w", err)
	}

	a := agent.New(shared.AgentConfig(cfg), logger)
	provider.Metrics().ObserveSuspended(a.SuspendedCount)

	api := debugapi.NewServer(a,
		debugapi.WithMetricsHandler(provider.MetricsHandler()),
		debugapi.WithLogger(rvlog.WithComponent(logger, "debugapi")),
	)

	return &server{
		cfgPath:  cfgPath,
		logger:   logger,
		level:    level,
		agent:    a,
		provider: provider,
		http: &http.Server{
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// serve runs the HTTP server, the worker host and the config watcher. It
// returns nil once ctx is cancelled and everything has stopped.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("debug API starting", slog.String("listen_addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return harness.Host(gctx, s.agent, s.logger)
	})

	if _, err := os.Stat(s.cfgPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, s.cfgPath, s.logger, s.reload)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.logger.Info("debug API shutting down")
		s.http.SetKeepAlivesEnabled(false)
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("debug API shutdown error", rvlog.Error(err))
			return err
		}
		return nil
	})

	return g.Wait()
}

// reload applies the settings that can change while serving.
func (s *server) reload(cfg *config.Config) {
	s.agent.SetSuspendRate(cfg.Agent.SuspendRate)

	level := shared.LogConfig(cfg).Level
	s.level.Set(rvlog.ParseLevel(level))

	s.logger.Info("config reloaded",
		slog.Float64("suspend_rate", cfg.Agent.SuspendRate),
		slog.String("log_level", level))
}

func (s *server) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.provider.Shutdown(ctx)
}
